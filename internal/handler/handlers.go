package handlers

import (
	"RapidResponse/internal/dispatch"
	"RapidResponse/internal/models"
	constants "RapidResponse/pkg/constant"
	"RapidResponse/pkg/metrics"
	"RapidResponse/pkg/middleware"
	"RapidResponse/pkg/search"
	"RapidResponse/pkg/sse"
	"RapidResponse/pkg/websocket"

	"github.com/gin-gonic/gin"
)

// Deps 路由依赖，Search / Monitor / Limiter / Metrics 可为空
type Deps struct {
	Service   *dispatch.Service
	WSHub     *websocket.Hub
	SSEHub    *sse.Hub
	Search    search.Engine
	Metrics   *metrics.Metrics
	Monitor   *metrics.SystemMonitor
	Limiter   *middleware.RateLimiter
	Auth      middleware.AuthConfig
	APIPrefix string
	// FallbackLocation 客户端没有上报位置时使用，为空则返回参数错误
	FallbackLocation *models.Location
}

type Handlers struct {
	svc      *dispatch.Service
	wsHub    *websocket.Hub
	sseHub   *sse.Hub
	search   search.Engine
	metrics  *metrics.Metrics
	monitor  *metrics.SystemMonitor
	limiter  *middleware.RateLimiter
	auth     middleware.AuthConfig
	prefix   string
	fallback *models.Location
}

func NewHandlers(d Deps) *Handlers {
	h := &Handlers{
		svc:      d.Service,
		wsHub:    d.WSHub,
		sseHub:   d.SSEHub,
		search:   d.Search,
		metrics:  d.Metrics,
		monitor:  d.Monitor,
		limiter:  d.Limiter,
		auth:     d.Auth,
		prefix:   d.APIPrefix,
		fallback: d.FallbackLocation,
	}
	if h.prefix == "" {
		h.prefix = "/api"
	}
	if h.wsHub != nil {
		h.wsHub.SetStreamOpener(h.openWebSocketStream)
	}
	return h
}

func (h *Handlers) Register(engine *gin.Engine) {
	if h.metrics != nil {
		engine.Use(metrics.Middleware(h.metrics))
		engine.GET("/metrics", gin.WrapH(h.metrics.Handler()))
	}
	r := engine.Group(h.prefix)
	if h.limiter != nil {
		r.Use(h.limiter.Middleware())
	}

	// Register System Module Routes
	h.registerSystemRoutes(r)

	// Register Business Module Routes
	h.registerHospitalRoutes(r)

	authed := r.Group("")
	authed.Use(middleware.AuthMiddleware(h.auth))
	h.registerRequestRoutes(authed)
	h.registerMessageRoutes(authed)
	h.registerRealtimeRoutes(authed)
}

func (h *Handlers) registerSystemRoutes(r *gin.RouterGroup) {
	system := r.Group("system")
	{
		system.GET("/health", h.HealthCheck)

		system.POST("/rate-limiter/config",
			middleware.AuthMiddleware(h.auth),
			middleware.RoleMiddleware(constants.RoleAdmin),
			h.UpdateRateLimiterConfig)
	}
}

func (h *Handlers) registerHospitalRoutes(r *gin.RouterGroup) {
	hospitals := r.Group("hospitals")
	{
		hospitals.GET("", h.handleListHospitals)

		hospitals.GET("/:id", h.handleGetHospital)

		hospitals.GET("/:id/thread", middleware.AuthMiddleware(h.auth), h.handleGetThread)
	}
}

func (h *Handlers) registerRequestRoutes(r *gin.RouterGroup) {
	responderOnly := middleware.RoleMiddleware(constants.RoleResponder, constants.RoleAdmin)

	requests := r.Group("requests")
	{
		requests.POST("", middleware.IdempotencyMiddleware(middleware.IdempotencyConfig{}), h.handleCreateRequest)

		requests.GET("", h.handleListRequests)

		requests.GET("/:id", h.handleGetRequest)

		requests.POST("/:id/accept", responderOnly, h.handleAcceptRequest)

		requests.POST("/:id/enroute", responderOnly, h.handleEnrouteRequest)

		requests.POST("/:id/resolve", responderOnly, h.handleResolveRequest)

		requests.POST("/:id/cancel", h.handleCancelRequest)
	}

	r.GET("/patient/requests", h.handlePatientRequests)
	r.GET("/responder/requests", responderOnly, h.handleResponderRequests)
}

func (h *Handlers) registerMessageRoutes(r *gin.RouterGroup) {
	messages := r.Group("messages")
	{
		messages.POST("", h.handleSendMessage)

		messages.GET("", h.handleListMessages)

		messages.GET("/search", h.handleSearchMessages)

		messages.POST("/:id/status", h.handleUpdateMessageStatus)
	}
}

func (h *Handlers) registerRealtimeRoutes(r *gin.RouterGroup) {
	if h.sseHub != nil {
		r.GET("/stream", h.handleStream)
	}
	if h.wsHub != nil {
		websocket.RegisterRoutes(r, websocket.NewHandler(h.wsHub, notificationGroups))
	}
}

// notificationGroups 连接自动加入的通知组，医院组只对接单方开放
func notificationGroups(c *gin.Context) []string {
	groups := []string{"user:" + middleware.CurrentUser(c)}
	if role := c.GetString(constants.UserRoleField); role != constants.RoleResponder && role != constants.RoleAdmin {
		return groups
	}
	if hid := c.Query("hospital_id"); hid != "" {
		groups = append(groups, "hospital:"+hid)
	}
	return groups
}
