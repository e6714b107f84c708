package middleware

import (
	"net/http"
	"strings"

	constants "RapidResponse/pkg/constant"
	"RapidResponse/pkg/response"

	"github.com/gin-gonic/gin"
	"github.com/golang-jwt/jwt/v5"
)

// Claims 访问令牌载荷
type Claims struct {
	UserID string `json:"user_id"`
	Role   string `json:"role"`
	jwt.RegisteredClaims
}

type AuthConfig struct {
	Secret string
	// AllowDevHeader 开发环境允许直接用 X-User-ID 头声明身份
	AllowDevHeader bool
}

// AuthMiddleware 解析 Bearer 令牌，把用户 id 与角色写入上下文
func AuthMiddleware(cfg AuthConfig) gin.HandlerFunc {
	return func(c *gin.Context) {
		if tokenString := bearerToken(c); tokenString != "" && cfg.Secret != "" {
			token, err := jwt.ParseWithClaims(tokenString, &Claims{}, func(token *jwt.Token) (interface{}, error) {
				return []byte(cfg.Secret), nil
			}, jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Name}))
			if err != nil || !token.Valid {
				c.AbortWithStatusJSON(http.StatusUnauthorized, response.Body{Code: http.StatusUnauthorized, Msg: "invalid or expired token"})
				return
			}
			claims, ok := token.Claims.(*Claims)
			if !ok || claims.UserID == "" {
				c.AbortWithStatusJSON(http.StatusUnauthorized, response.Body{Code: http.StatusUnauthorized, Msg: "invalid token claims"})
				return
			}
			c.Set(constants.UserField, claims.UserID)
			c.Set(constants.UserRoleField, claims.Role)
			c.Next()
			return
		}

		if cfg.AllowDevHeader {
			if uid := strings.TrimSpace(c.GetHeader(constants.HeaderUserID)); uid != "" {
				c.Set(constants.UserField, uid)
				c.Set(constants.UserRoleField, strings.TrimSpace(c.GetHeader(constants.HeaderUserRole)))
				c.Next()
				return
			}
		}

		c.AbortWithStatusJSON(http.StatusUnauthorized, response.Body{Code: http.StatusUnauthorized, Msg: "authorization required"})
	}
}

// IssueToken 签发 HS256 令牌，供测试与管理脚本使用
func IssueToken(secret string, claims Claims) (string, error) {
	token := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	return token.SignedString([]byte(secret))
}

// RoleMiddleware 限定角色访问
func RoleMiddleware(allowedRoles ...string) gin.HandlerFunc {
	return func(c *gin.Context) {
		role := c.GetString(constants.UserRoleField)
		for _, allowed := range allowedRoles {
			if role == allowed {
				c.Next()
				return
			}
		}
		c.AbortWithStatusJSON(http.StatusForbidden, response.Body{Code: http.StatusForbidden, Msg: "insufficient permissions"})
	}
}

// CurrentUser 读取已认证用户 id
func CurrentUser(c *gin.Context) string {
	return c.GetString(constants.UserField)
}

func bearerToken(c *gin.Context) string {
	authHeader := c.GetHeader("Authorization")
	if authHeader == "" {
		// WebSocket 与 EventSource 无法设置请求头
		return c.Query("access_token")
	}
	parts := strings.SplitN(authHeader, " ", 2)
	if len(parts) != 2 || !strings.EqualFold(parts[0], "Bearer") {
		return ""
	}
	return strings.TrimSpace(parts[1])
}
