// internal/errors/errors.go
package errors

import (
	"errors"
	"fmt"
)

// ErrorType 定义错误类型
type ErrorType string

const (
	ErrorTypeValidation   ErrorType = "validation_error"
	ErrorTypeNotFound     ErrorType = "not_found"
	ErrorTypeError        ErrorType = "processing_error"
	ErrorTypePrecondition ErrorType = "precondition_failed"
	ErrorTypeStorage      ErrorType = "storage_error"
	ErrorTypeUpstream     ErrorType = "upstream_error"
	ErrorTypeUnavailable  ErrorType = "unavailable"
)

// Kind 机器可读的前置条件错误种类
type Kind string

const (
	KindEmptyPlaybook    Kind = "EMPTY_PLAYBOOK"
	KindNotRunning       Kind = "NOT_RUNNING"
	KindNoMoreItems      Kind = "NO_MORE_ITEMS"
	KindNoPreviousItem   Kind = "NO_PREVIOUS_ITEM"
	KindWrongSegmentType Kind = "WRONG_SEGMENT_TYPE"
)

// AppError 应用程序错误结构
type AppError struct {
	Type    ErrorType
	Kind    Kind
	Message string
	Err     error
	Code    string // 用户友好的错误代码
}

// Error 实现 error 接口
func (e *AppError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s: %v", e.Message, e.Err)
	}
	return e.Message
}

// Unwrap 实现错误链接
func (e *AppError) Unwrap() error {
	return e.Err
}

// Is 同类前置条件错误视为相等，便于 errors.Is(err, ErrNotRunning)
func (e *AppError) Is(target error) bool {
	var t *AppError
	if !errors.As(target, &t) {
		return false
	}
	if e.Kind != "" || t.Kind != "" {
		return e.Kind == t.Kind
	}
	return e == t
}

// NewAppError 创建新的 AppError
func NewAppError(errType ErrorType, message string, originalError error) *AppError {
	return &AppError{
		Type:    errType,
		Message: message,
		Err:     originalError,
		Code:    generateErrorCode(errType),
	}
}

// NewPreconditionError 创建前置条件错误，Code 即 Kind
func NewPreconditionError(kind Kind, message string) *AppError {
	return &AppError{
		Type:    ErrorTypePrecondition,
		Kind:    kind,
		Message: message,
		Code:    string(kind),
	}
}

// 前置条件错误哨兵
var (
	ErrEmptyPlaybook    = NewPreconditionError(KindEmptyPlaybook, "Playbook is empty")
	ErrNotRunning       = NewPreconditionError(KindNotRunning, "Event not running")
	ErrNoMoreItems      = NewPreconditionError(KindNoMoreItems, "No more items")
	ErrNoPreviousItem   = NewPreconditionError(KindNoPreviousItem, "No previous item")
	ErrWrongSegmentType = NewPreconditionError(KindWrongSegmentType, "Voice session can only start during MC_TIME")
)

// NewValidationError 创建验证错误
func NewValidationError(message string, originalError error) *AppError {
	return NewAppError(ErrorTypeValidation, message, originalError)
}

// NewNotFoundError 创建未找到错误
func NewNotFoundError(message string, originalError error) *AppError {
	return NewAppError(ErrorTypeNotFound, message, originalError)
}

// NewProcessingError 创建处理错误
func NewProcessingError(message string, originalError error) *AppError {
	return NewAppError(ErrorTypeError, message, originalError)
}

// NewStorageError 创建持久化错误
func NewStorageError(message string, originalError error) *AppError {
	return NewAppError(ErrorTypeStorage, message, originalError)
}

// NewUpstreamError 创建第三方服务错误
func NewUpstreamError(message string, originalError error) *AppError {
	return NewAppError(ErrorTypeUpstream, message, originalError)
}

// NewUnavailableError 创建服务未配置错误
func NewUnavailableError(message string, originalError error) *AppError {
	return NewAppError(ErrorTypeUnavailable, message, originalError)
}

// IsPreconditionError 检查是否为前置条件错误
func IsPreconditionError(err error) bool {
	return hasType(err, ErrorTypePrecondition)
}

// IsValidationError 检查是否为验证错误
func IsValidationError(err error) bool {
	return hasType(err, ErrorTypeValidation)
}

// IsNotFoundError 检查是否为未找到错误
func IsNotFoundError(err error) bool {
	return hasType(err, ErrorTypeNotFound)
}

// KindOf 返回前置条件错误种类
func KindOf(err error) (Kind, bool) {
	var appError *AppError
	if errors.As(err, &appError) && appError.Kind != "" {
		return appError.Kind, true
	}
	return "", false
}

// TypeOf 返回错误类型，非 AppError 返回 ErrorTypeError
func TypeOf(err error) ErrorType {
	var appError *AppError
	if errors.As(err, &appError) {
		return appError.Type
	}
	return ErrorTypeError
}

func hasType(err error, errType ErrorType) bool {
	var appError *AppError
	if errors.As(err, &appError) {
		return appError.Type == errType
	}
	return false
}

// generateErrorCode 根据错误类型生成错误代码
func generateErrorCode(errType ErrorType) string {
	switch errType {
	case ErrorTypeValidation:
		return "VALIDATION_ERROR"
	case ErrorTypeNotFound:
		return "NOT_FOUND"
	case ErrorTypeError:
		return "PROCESSING_ERROR"
	case ErrorTypePrecondition:
		return "PRECONDITION_FAILED"
	case ErrorTypeStorage:
		return "STORAGE_FAILED"
	case ErrorTypeUpstream:
		return "UPSTREAM_FAILED"
	case ErrorTypeUnavailable:
		return "SERVICE_UNAVAILABLE"
	default:
		return "UNKNOWN_ERROR"
	}
}

// WrapError 包装现有错误
func WrapError(err error, message string, errType ErrorType) error {
	if err == nil {
		return nil
	}

	var appError *AppError
	if errors.As(err, &appError) {
		// 如果已经是 AppError，只更新消息
		return &AppError{
			Type:    appError.Type,
			Kind:    appError.Kind,
			Message: fmt.Sprintf("%s: %s", message, appError.Message),
			Err:     appError,
			Code:    appError.Code,
		}
	}

	return NewAppError(errType, message, err)
}
