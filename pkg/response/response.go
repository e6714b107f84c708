package response

import (
	"net/http"

	apperrors "RapidResponse/pkg/errors"

	"github.com/gin-gonic/gin"
)

// Body 统一响应体
type Body struct {
	Code int         `json:"code"`
	Msg  string      `json:"msg"`
	Data interface{} `json:"data,omitempty"`
}

func Success(c *gin.Context, msg string, data interface{}) {
	c.JSON(http.StatusOK, Body{Code: 0, Msg: msg, Data: data})
}

func Created(c *gin.Context, msg string, data interface{}) {
	c.JSON(http.StatusCreated, Body{Code: 0, Msg: msg, Data: data})
}

// Fail 参数类错误
func Fail(c *gin.Context, msg string, data interface{}) {
	c.AbortWithStatusJSON(http.StatusBadRequest, Body{Code: apperrors.CodeValidation, Msg: msg, Data: data})
}

// Error 按错误分类码映射 HTTP 状态
func Error(c *gin.Context, err error) {
	code := apperrors.GetCode(err)
	status := http.StatusInternalServerError
	switch code {
	case apperrors.CodeValidation:
		status = http.StatusBadRequest
	case apperrors.CodePermission:
		status = http.StatusForbidden
	case apperrors.CodeNotFound:
		status = http.StatusNotFound
	case apperrors.CodeConflict:
		status = http.StatusConflict
	case apperrors.CodeTransport:
		status = http.StatusServiceUnavailable
	default:
		code = http.StatusInternalServerError
	}
	c.AbortWithStatusJSON(status, Body{Code: code, Msg: apperrors.GetMessage(err)})
}
