package api

import (
	"net/http"

	"github.com/gin-gonic/gin"

	apperrors "sudooom.im.presence/internal/errors"
)

// Response 统一响应结构
type Response struct {
	Code    string `json:"code"`
	Message string `json:"message"`
	Data    any    `json:"data"`
}

const codeSuccess = "OK"

// Success 成功响应
func Success(c *gin.Context, data any) {
	c.JSON(http.StatusOK, Response{
		Code:    codeSuccess,
		Message: "success",
		Data:    data,
	})
}

// Error 从 AppError 生成错误响应
func Error(c *gin.Context, err error) {
	code := apperrors.GetCode(err)
	c.JSON(statusOf(code), Response{
		Code:    string(code),
		Message: apperrors.GetMessage(err),
	})
}

func statusOf(code apperrors.Code) int {
	switch code {
	case apperrors.CodeInvalidIdentifier, apperrors.CodeValidationFailed, apperrors.CodeInvalidThread:
		return http.StatusBadRequest
	case apperrors.CodeUnauthorized, apperrors.CodeNotIdentified:
		return http.StatusUnauthorized
	case apperrors.CodeNotAMember:
		return http.StatusForbidden
	case apperrors.CodeNotFound:
		return http.StatusNotFound
	case apperrors.CodeRateLimited:
		return http.StatusTooManyRequests
	case apperrors.CodeStorageUnavailable:
		return http.StatusServiceUnavailable
	default:
		return http.StatusInternalServerError
	}
}
