package handlers

import (
	"context"

	"RapidResponse/internal/dispatch"
	"RapidResponse/internal/geo"
	"RapidResponse/internal/models"
	constants "RapidResponse/pkg/constant"
	apperrors "RapidResponse/pkg/errors"
	"RapidResponse/pkg/middleware"
	"RapidResponse/pkg/response"

	"github.com/gin-gonic/gin"
)

type createRequestForm struct {
	HospitalID     string           `json:"hospital_id"`
	Location       *models.Location `json:"location"`
	Message        string           `json:"message"`
	IdempotencyKey string           `json:"idempotency_key"`
}

func (h *Handlers) handleCreateRequest(c *gin.Context) {
	var form createRequestForm
	if err := c.ShouldBindJSON(&form); err != nil {
		response.Fail(c, "invalid request", gin.H{"error": err.Error()})
		return
	}

	// 请求体没有坐标时按定位头、默认位置的顺序解析
	if form.Location == nil {
		loc, err := geo.Resolve(c.Request.Context(), geo.RequestLocator{Header: c.Request.Header}, h.fallback)
		if err != nil {
			response.Error(c, err)
			return
		}
		form.Location = &loc
	}
	key := middleware.IdempotencyKey(c)
	if key == "" {
		key = form.IdempotencyKey
	}

	req, replayed, err := h.svc.CreateRequest(c.Request.Context(), dispatch.CreateRequestInput{
		UserID:         middleware.CurrentUser(c),
		HospitalID:     form.HospitalID,
		Location:       form.Location,
		Message:        form.Message,
		IdempotencyKey: key,
	})
	if err != nil {
		response.Error(c, err)
		return
	}
	if replayed {
		c.Header("Idempotent-Replayed", "true")
		response.Success(c, "replayed", req)
		return
	}
	response.Created(c, "created", req)
}

func (h *Handlers) handleGetRequest(c *gin.Context) {
	req, err := h.svc.GetRequest(c.Request.Context(), c.Param("id"))
	if err != nil {
		response.Error(c, err)
		return
	}
	if c.GetString(constants.UserRoleField) == constants.RolePatient && req.UserID != middleware.CurrentUser(c) {
		response.Error(c, apperrors.Permission("request %s belongs to another user", req.ID))
		return
	}
	response.Success(c, "success", req)
}

// handleListRequests 快照查询；患者只能看到自己的记录
func (h *Handlers) handleListRequests(c *gin.Context) {
	f, err := filterFromParams(middleware.CurrentUser(c), c.GetString(constants.UserRoleField), queryParams(c))
	if err != nil {
		response.Error(c, err)
		return
	}
	f.Collection = models.CollectionRequests
	items, err := h.svc.Snapshot(c.Request.Context(), f)
	if err != nil {
		response.Error(c, err)
		return
	}
	response.Success(c, "success", gin.H{"items": items, "total": len(items)})
}

func (h *Handlers) handlePatientRequests(c *gin.Context) {
	items, err := h.svc.PatientRequests(c.Request.Context(), middleware.CurrentUser(c))
	if err != nil {
		response.Error(c, err)
		return
	}
	response.Success(c, "success", gin.H{"items": items, "total": len(items)})
}

func (h *Handlers) handleResponderRequests(c *gin.Context) {
	items, err := h.svc.PendingRequests(c.Request.Context(), c.Query("hospital_id"))
	if err != nil {
		response.Error(c, err)
		return
	}
	response.Success(c, "success", gin.H{"items": items, "total": len(items)})
}

type transitionFunc func(ctx context.Context, id, actorID string) (*models.EmergencyRequest, error)

func (h *Handlers) transition(c *gin.Context, fn transitionFunc) {
	req, err := fn(c.Request.Context(), c.Param("id"), middleware.CurrentUser(c))
	if err != nil {
		response.Error(c, err)
		return
	}
	response.Success(c, "success", req)
}

func (h *Handlers) handleAcceptRequest(c *gin.Context)  { h.transition(c, h.svc.AcceptRequest) }
func (h *Handlers) handleEnrouteRequest(c *gin.Context) { h.transition(c, h.svc.MarkEnroute) }
func (h *Handlers) handleResolveRequest(c *gin.Context) { h.transition(c, h.svc.ResolveRequest) }
func (h *Handlers) handleCancelRequest(c *gin.Context)  { h.transition(c, h.svc.CancelRequest) }

func queryParams(c *gin.Context) map[string]string {
	params := make(map[string]string)
	for k, v := range c.Request.URL.Query() {
		if len(v) > 0 {
			params[k] = v[len(v)-1]
		}
	}
	return params
}
