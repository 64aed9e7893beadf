package errors

import (
	"errors"
	"fmt"
)

// Code 错误码，直接作为协议中 error 事件的 code 字段下发
type Code string

// AppError 应用错误类型
// 用于统一管理业务错误，包含错误码和错误消息
type AppError struct {
	Code    Code   // 错误码
	Message string // 客户端可见的错误描述
	Err     error  // 原始错误（可选，用于调试）
}

// Error 实现 error 接口
func (e *AppError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("[%s] %s: %v", e.Code, e.Message, e.Err)
	}
	return fmt.Sprintf("[%s] %s", e.Code, e.Message)
}

// Unwrap 支持 errors.Unwrap
func (e *AppError) Unwrap() error {
	return e.Err
}

// Is 让标准库 errors.Is 按错误码比较
func (e *AppError) Is(target error) bool {
	t, ok := target.(*AppError)
	if !ok {
		return false
	}
	return e.Code == t.Code
}

// NewError 创建新错误
func NewError(code Code, message string) *AppError {
	return &AppError{
		Code:    code,
		Message: message,
	}
}

// Wrap 包装原始错误
func (e *AppError) Wrap(err error) *AppError {
	return &AppError{
		Code:    e.Code,
		Message: e.Message,
		Err:     err,
	}
}

// WithMessage 保留错误码，替换描述
func (e *AppError) WithMessage(format string, args ...any) *AppError {
	return &AppError{
		Code:    e.Code,
		Message: fmt.Sprintf(format, args...),
		Err:     e.Err,
	}
}

// Is 判断是否为指定错误
func Is(err error, target *AppError) bool {
	var appErr *AppError
	if errors.As(err, &appErr) {
		return appErr.Code == target.Code
	}
	return false
}

// GetCode 获取错误码，如果不是 AppError 返回默认错误码
func GetCode(err error) Code {
	var appErr *AppError
	if errors.As(err, &appErr) {
		return appErr.Code
	}
	return CodeServerError
}

// GetMessage 获取错误消息
func GetMessage(err error) string {
	var appErr *AppError
	if errors.As(err, &appErr) {
		return appErr.Message
	}
	return "internal server error"
}

// ============== 错误码定义 ==============

const (
	CodeInvalidIdentifier  Code = "InvalidIdentifier"
	CodeValidationFailed   Code = "ValidationFailed"
	CodeNotAMember         Code = "NotAMember"
	CodeInvalidThread      Code = "InvalidThread"
	CodeNotFound           Code = "NotFound"
	CodeStorageUnavailable Code = "StorageUnavailable"
	CodeTransportError     Code = "TransportError"

	// 会话层
	CodeNotIdentified Code = "NotIdentified"
	CodeRateLimited   Code = "RateLimited"
	CodeUnauthorized  Code = "Unauthorized"

	CodeServerError Code = "ServerError"
)

// ============== 预定义错误 ==============

var (
	ErrInvalidIdentifier  = NewError(CodeInvalidIdentifier, "invalid identifier")
	ErrValidationFailed   = NewError(CodeValidationFailed, "validation failed")
	ErrNotAMember         = NewError(CodeNotAMember, "not a member of this conversation")
	ErrInvalidThread      = NewError(CodeInvalidThread, "parent message is not in this conversation")
	ErrNotFound           = NewError(CodeNotFound, "message not found")
	ErrStorageUnavailable = NewError(CodeStorageUnavailable, "message storage unavailable")
	ErrTransportError     = NewError(CodeTransportError, "transport error")
)

var (
	ErrNotIdentified = NewError(CodeNotIdentified, "identify first")
	ErrRateLimited   = NewError(CodeRateLimited, "too many requests, slow down")
	ErrUnauthorized  = NewError(CodeUnauthorized, "invalid or expired token")
	ErrServerError   = NewError(CodeServerError, "internal server error")
)
