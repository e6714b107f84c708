package handlers

import (
	"context"
	"net/http"
	"time"

	"RapidResponse/pkg/middleware"
	"RapidResponse/pkg/response"

	"github.com/gin-gonic/gin"
)

// UpdateRateLimiterConfig 更新限流配置
func (h *Handlers) UpdateRateLimiterConfig(c *gin.Context) {
	if h.limiter == nil {
		response.Fail(c, "rate limiter is disabled", nil)
		return
	}
	var config middleware.RateLimiterConfig
	if err := c.ShouldBindJSON(&config); err != nil {
		response.Fail(c, "invalid request", nil)
		return
	}

	h.limiter.UpdateConfig(config)
	response.Success(c, "rate limiter config updated", h.limiter.Config())
}

// HealthCheck 健康检查接口
func (h *Handlers) HealthCheck(c *gin.Context) {
	ctx, cancel := context.WithTimeout(c.Request.Context(), 2*time.Second)
	defer cancel()

	// 检查存储后端
	if err := h.svc.Ping(ctx); err != nil {
		c.JSON(http.StatusServiceUnavailable, gin.H{"status": "unhealthy", "error": err.Error()})
		return
	}

	body := gin.H{"status": "healthy"}
	if h.wsHub != nil {
		body["websocket_connections"] = h.wsHub.GetConnectionCount()
		body["websocket_subscriptions"] = h.wsHub.GetSubscriptionCount()
	}
	if h.sseHub != nil {
		body["sse_clients"] = h.sseHub.ClientCount()
	}
	if h.monitor != nil {
		if stats := h.monitor.Latest(); stats != nil {
			body["system"] = stats
		}
	}
	c.JSON(http.StatusOK, body)
}
