package websocket

import (
	"net/http"
	"time"

	constants "RapidResponse/pkg/constant"
	"RapidResponse/pkg/logger"
	"RapidResponse/pkg/response"

	"github.com/gin-gonic/gin"
)

// GroupResolver 连接建立时自动加入的组
type GroupResolver func(c *gin.Context) []string

// Handler WebSocket HTTP处理器
type Handler struct {
	hub    *Hub
	groups GroupResolver
}

// NewHandler 创建新的WebSocket处理器
func NewHandler(hub *Hub, groups GroupResolver) *Handler {
	return &Handler{
		hub:    hub,
		groups: groups,
	}
}

// RegisterRoutes 统一注册路由
func RegisterRoutes(r gin.IRoutes, handler *Handler) {
	r.GET(RouteWebSocket, handler.HandleWebSocket)
	r.GET(RouteWebSocketStats, handler.GetStats)
	r.GET(RouteWebSocketHealth, handler.HealthCheck)
}

// HandleWebSocket 处理WebSocket连接请求
func (h *Handler) HandleWebSocket(c *gin.Context) {
	userID := c.GetString(constants.UserField)
	if userID == "" {
		logger.Warn("websocket: unauthenticated upgrade attempt")
		c.AbortWithStatusJSON(http.StatusUnauthorized, response.Body{Code: http.StatusUnauthorized, Msg: "authorization required"})
		return
	}

	var groups []string
	if h.groups != nil {
		groups = h.groups(c)
	}
	HandleWebSocket(h.hub, c.Writer, c.Request, userID, c.GetString(constants.UserRoleField), groups...)
}

// GetStats 获取WebSocket统计信息
func (h *Handler) GetStats(c *gin.Context) {
	stats := GetConfigSummary(h.hub.config)
	stats["total_connections"] = h.hub.GetConnectionCount()
	stats["total_subscriptions"] = h.hub.GetSubscriptionCount()
	response.Success(c, "ok", stats)
}

// HealthCheck WebSocket健康检查
func (h *Handler) HealthCheck(c *gin.Context) {
	if err := h.hub.ctx.Err(); err != nil {
		c.JSON(http.StatusServiceUnavailable, gin.H{
			"status":  "unhealthy",
			"details": err.Error(),
		})
		return
	}

	totalConnections := h.hub.GetConnectionCount()
	maxConnections := h.hub.config.MaxConnections

	status := "healthy"
	if totalConnections >= maxConnections*9/10 { // 90%以上认为警告
		status = "warning"
	}

	c.JSON(http.StatusOK, gin.H{
		"status":            status,
		"total_connections": totalConnections,
		"max_connections":   maxConnections,
		"connection_usage":  float64(totalConnections) / float64(maxConnections) * 100,
		"timestamp":         time.Now().Unix(),
	})
}
