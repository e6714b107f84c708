package handlers

import (
	"strings"

	"RapidResponse/internal/dispatch"
	"RapidResponse/internal/models"
	constants "RapidResponse/pkg/constant"
	apperrors "RapidResponse/pkg/errors"
	"RapidResponse/pkg/middleware"
	"RapidResponse/pkg/response"
	"RapidResponse/pkg/search"

	"github.com/gin-gonic/gin"
	"github.com/spf13/cast"
)

type sendMessageForm struct {
	HospitalID string `json:"hospital_id"`
	RequestID  string `json:"request_id"`
	Content    string `json:"content"`
}

type messageStatusForm struct {
	Status string `json:"status" binding:"required"`
}

func (h *Handlers) handleSendMessage(c *gin.Context) {
	var form sendMessageForm
	if err := c.ShouldBindJSON(&form); err != nil {
		response.Fail(c, "invalid request", gin.H{"error": err.Error()})
		return
	}
	m, err := h.svc.SendMessage(c.Request.Context(), dispatch.SendMessageInput{
		UserID:     middleware.CurrentUser(c),
		HospitalID: form.HospitalID,
		RequestID:  form.RequestID,
		Content:    form.Content,
	})
	if err != nil {
		response.Error(c, err)
		return
	}
	response.Created(c, "created", m)
}

func (h *Handlers) handleListMessages(c *gin.Context) {
	f, err := filterFromParams(middleware.CurrentUser(c), c.GetString(constants.UserRoleField), queryParams(c))
	if err != nil {
		response.Error(c, err)
		return
	}
	f.Collection = models.CollectionMessages
	items, err := h.svc.Snapshot(c.Request.Context(), f)
	if err != nil {
		response.Error(c, err)
		return
	}
	response.Success(c, "success", gin.H{"items": items, "total": len(items)})
}

func (h *Handlers) handleUpdateMessageStatus(c *gin.Context) {
	var form messageStatusForm
	if err := c.ShouldBindJSON(&form); err != nil {
		response.Fail(c, "status is required", nil)
		return
	}
	m, err := h.svc.UpdateMessageStatus(c.Request.Context(), c.Param("id"), models.MessageStatus(strings.TrimSpace(form.Status)))
	if err != nil {
		response.Error(c, err)
		return
	}
	response.Success(c, "success", m)
}

// handleSearchMessages 全文检索消息，索引由变更监听器维护
func (h *Handlers) handleSearchMessages(c *gin.Context) {
	if h.search == nil {
		response.Error(c, apperrors.Transport(nil, "search is disabled"))
		return
	}
	q := strings.TrimSpace(c.Query("q"))
	if q == "" {
		response.Fail(c, "q is required", nil)
		return
	}
	req := search.SearchRequest{
		Keyword:      q,
		SearchFields: []string{"content"},
		MustTerms:    map[string][]string{"type": {search.TypeMessage}},
		Size:         cast.ToInt(c.DefaultQuery("size", "20")),
		From:         cast.ToInt(c.DefaultQuery("from", "0")),
		Highlight:    true,
		Facets:       []search.FacetRequest{{Name: "status", Field: "status", Size: 10}},
	}
	if hid := c.Query("hospital_id"); hid != "" {
		req.MustTerms["hospital_id"] = []string{hid}
	}
	if st := c.Query("status"); st != "" {
		req.MustTerms["status"] = strings.Split(st, ",")
	}
	res, err := h.search.Search(c.Request.Context(), req)
	if err != nil {
		response.Error(c, apperrors.Transport(err, "search messages"))
		return
	}
	response.Success(c, "success", res)
}
