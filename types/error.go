package types

import (
	"errors"
	"fmt"
	"net/http"
)

// ErrorCode 是全局统一的错误码。
type ErrorCode string

// 通用错误码
const (
	ErrInvalidRequest     ErrorCode = "INVALID_REQUEST"
	ErrUnauthorized       ErrorCode = "UNAUTHORIZED"
	ErrForbidden          ErrorCode = "FORBIDDEN"
	ErrNotFound           ErrorCode = "NOT_FOUND"
	ErrRateLimited        ErrorCode = "RATE_LIMITED"
	ErrTimeout            ErrorCode = "TIMEOUT"
	ErrUpstreamError      ErrorCode = "UPSTREAM_ERROR"
	ErrInternalError      ErrorCode = "INTERNAL_ERROR"
	ErrServiceUnavailable ErrorCode = "SERVICE_UNAVAILABLE"
)

// 记忆管线错误码
const (
	// ErrInvalidModule 写入时模块标签不在五个模块之内
	ErrInvalidModule ErrorCode = "INVALID_MODULE"
	// ErrInvalidPayload 载荷与模块的记录结构不匹配
	ErrInvalidPayload ErrorCode = "INVALID_PAYLOAD"
	// ErrNoInsightData 该学生/模块没有任何原始记录，返回中性结果
	ErrNoInsightData ErrorCode = "NO_INSIGHT_DATA"
	// ErrCompressionDegraded LLM 失败或输出不可解析，沿用上一版摘要
	ErrCompressionDegraded ErrorCode = "COMPRESSION_DEGRADED"
	// ErrSchemaMismatch 模块摘要缺少读取方依赖的字段
	ErrSchemaMismatch ErrorCode = "SCHEMA_MISMATCH"
	// ErrSessionNotFound 练习会话不存在或已过期淘汰
	ErrSessionNotFound ErrorCode = "SESSION_NOT_FOUND"
)

// Error 结构化错误，携带错误码、HTTP 状态与可重试标记。
type Error struct {
	Code       ErrorCode `json:"code"`
	Message    string    `json:"message"`
	HTTPStatus int       `json:"http_status,omitempty"`
	Retryable  bool      `json:"retryable"`
	Cause      error     `json:"-"`
}

// Error implements the error interface.
func (e *Error) Error() string {
	if e.Cause != nil {
		return fmt.Sprintf("[%s] %s: %v", e.Code, e.Message, e.Cause)
	}
	return fmt.Sprintf("[%s] %s", e.Code, e.Message)
}

// Unwrap returns the underlying cause.
func (e *Error) Unwrap() error {
	return e.Cause
}

// NewError creates a new Error with the given code and message.
func NewError(code ErrorCode, message string) *Error {
	return &Error{Code: code, Message: message}
}

// WithCause adds a cause to the error.
func (e *Error) WithCause(cause error) *Error {
	e.Cause = cause
	return e
}

// WithHTTPStatus sets the HTTP status code.
func (e *Error) WithHTTPStatus(status int) *Error {
	e.HTTPStatus = status
	return e
}

// WithRetryable marks the error as retryable.
func (e *Error) WithRetryable(retryable bool) *Error {
	e.Retryable = retryable
	return e
}

// NewInvalidModuleError 构造未知模块错误
func NewInvalidModuleError(module string) *Error {
	return NewError(ErrInvalidModule, fmt.Sprintf("unknown module %q", module)).
		WithHTTPStatus(http.StatusBadRequest)
}

// NewInvalidPayloadError 构造载荷校验错误
func NewInvalidPayloadError(module string, cause error) *Error {
	return NewError(ErrInvalidPayload, fmt.Sprintf("payload does not match %s record", module)).
		WithHTTPStatus(http.StatusBadRequest).
		WithCause(cause)
}

// NewInternalError 构造内部错误（存储失败等）
func NewInternalError(message string, cause error) *Error {
	return NewError(ErrInternalError, message).
		WithHTTPStatus(http.StatusInternalServerError).
		WithCause(cause)
}

// AsError 沿错误链查找 *Error
func AsError(err error) (*Error, bool) {
	var e *Error
	if errors.As(err, &e) {
		return e, true
	}
	return nil, false
}

// IsRetryable checks if an error is retryable.
func IsRetryable(err error) bool {
	if e, ok := AsError(err); ok {
		return e.Retryable
	}
	return false
}

// GetErrorCode extracts the error code from an error.
func GetErrorCode(err error) ErrorCode {
	if e, ok := AsError(err); ok {
		return e.Code
	}
	return ""
}

// IsErrorCode reports whether err carries the given code anywhere in its chain.
func IsErrorCode(err error, code ErrorCode) bool {
	return GetErrorCode(err) == code
}
