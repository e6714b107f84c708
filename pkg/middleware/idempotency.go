package middleware

import (
	"net/http"
	"strings"

	constants "RapidResponse/pkg/constant"
	"RapidResponse/pkg/response"

	"github.com/gin-gonic/gin"
)

const maxIdempotencyKeyLen = 128

type IdempotencyConfig struct {
	HeaderName string // Idempotency-Key 的请求头名
}

// IdempotencyMiddleware 只负责提取并校验幂等键，去重由业务层按用户维度完成
func IdempotencyMiddleware(cfg IdempotencyConfig) gin.HandlerFunc {
	if cfg.HeaderName == "" {
		cfg.HeaderName = constants.HeaderIdempotencyKey
	}
	return func(c *gin.Context) {
		key := strings.TrimSpace(c.GetHeader(cfg.HeaderName))
		if key == "" {
			c.Next()
			return
		}
		if len(key) > maxIdempotencyKeyLen {
			c.AbortWithStatusJSON(http.StatusBadRequest, response.Body{Code: http.StatusBadRequest, Msg: "idempotency key too long"})
			return
		}
		c.Set(constants.IdempotencyKeyField, key)
		c.Next()
	}
}

// IdempotencyKey 读取上下文中的幂等键
func IdempotencyKey(c *gin.Context) string {
	return c.GetString(constants.IdempotencyKeyField)
}
