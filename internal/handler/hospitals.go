package handlers

import (
	"RapidResponse/internal/models"
	apperrors "RapidResponse/pkg/errors"
	"RapidResponse/pkg/middleware"
	"RapidResponse/pkg/response"

	"github.com/gin-gonic/gin"
)

func (h *Handlers) handleListHospitals(c *gin.Context) {
	response.Success(c, "success", models.Hospitals())
}

func (h *Handlers) handleGetHospital(c *gin.Context) {
	hospital, ok := models.FindHospital(c.Param("id"))
	if !ok {
		response.Error(c, apperrors.NotFound("hospital %s not found", c.Param("id")))
		return
	}
	response.Success(c, "success", hospital)
}

// handleGetThread 医院会话及角标；?mine=1 只看自己的消息
func (h *Handlers) handleGetThread(c *gin.Context) {
	userID := ""
	if c.Query("mine") != "" {
		userID = middleware.CurrentUser(c)
	}
	thread, err := h.svc.Thread(c.Request.Context(), c.Param("id"), userID)
	if err != nil {
		response.Error(c, err)
		return
	}
	response.Success(c, "success", thread)
}
