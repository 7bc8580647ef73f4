// internal/api/response_helpers.go
package api

import (
	"encoding/json"
	"errors"
	"net/http"
	"strings"
	"time"

	apperrors "github.com/Corphon/MCConsole/internal/errors"
	"github.com/Corphon/MCConsole/internal/utils"
	"github.com/gin-gonic/gin"
)

// APIResponse 标准API响应格式
type APIResponse struct {
	Success   bool        `json:"success"`
	Data      interface{} `json:"data,omitempty"`
	Error     *APIError   `json:"error,omitempty"`
	Message   string      `json:"message,omitempty"`
	Timestamp time.Time   `json:"timestamp"`
	RequestID string      `json:"request_id,omitempty"` // 用于调试和追踪
}

// APIError 标准错误格式
type APIError struct {
	Code    string `json:"code"`
	Message string `json:"message"`
	Details string `json:"details,omitempty"`
}

// ResponseHelper 响应助手类
type ResponseHelper struct{}

// NewResponseHelper 创建响应助手
func NewResponseHelper() *ResponseHelper {
	return &ResponseHelper{}
}

// Success 成功响应
func (rh *ResponseHelper) Success(c *gin.Context, data interface{}, message ...string) {
	rh.write(c, http.StatusOK, data, message...)
}

// Created 创建成功响应
func (rh *ResponseHelper) Created(c *gin.Context, data interface{}, message ...string) {
	rh.write(c, http.StatusCreated, data, message...)
}

func (rh *ResponseHelper) write(c *gin.Context, status int, data interface{}, message ...string) {
	response := &APIResponse{
		Success:   true,
		Data:      data,
		Timestamp: time.Now(),
		RequestID: rh.getRequestID(c),
	}

	if len(message) > 0 {
		response.Message = message[0]
	}

	c.JSON(status, response)
}

// sanitizeErrorMessage 去掉可能泄露密钥的信息
func sanitizeErrorMessage(message string) string {
	lower := strings.ToLower(message)
	for _, pattern := range []string{"api_key", "api-key", "x-api-key", "secret", "bearer"} {
		if strings.Contains(lower, pattern) {
			return "An internal error occurred"
		}
	}
	return message
}

// Error 错误响应
func (rh *ResponseHelper) Error(c *gin.Context, statusCode int, errorCode, message string, details ...string) {
	apiError := &APIError{
		Code:    errorCode,
		Message: sanitizeErrorMessage(message),
	}

	if len(details) > 0 && details[0] != "" {
		apiError.Details = sanitizeErrorMessage(details[0])
	}

	c.JSON(statusCode, &APIResponse{
		Success:   false,
		Error:     apiError,
		Timestamp: time.Now(),
		RequestID: rh.getRequestID(c),
	})
}

// BadRequest 400错误响应
func (rh *ResponseHelper) BadRequest(c *gin.Context, message string, details ...string) {
	rh.Error(c, http.StatusBadRequest, ErrorBadRequest, message, details...)
}

// NotFound 404错误响应
func (rh *ResponseHelper) NotFound(c *gin.Context, message string, details ...string) {
	rh.Error(c, http.StatusNotFound, ErrorNotFound, message, details...)
}

// InternalError 500错误响应
func (rh *ResponseHelper) InternalError(c *gin.Context, message string, details ...string) {
	rh.Error(c, http.StatusInternalServerError, ErrorInternalError, message, details...)
}

// Unavailable 503错误响应
func (rh *ResponseHelper) Unavailable(c *gin.Context, message string, details ...string) {
	rh.Error(c, http.StatusServiceUnavailable, ErrorServiceUnavailable, message, details...)
}

// FromError 按 AppError 类型映射状态码和错误代码
// 前置条件拒绝返回 409，error.code 为机器可读的种类
func (rh *ResponseHelper) FromError(c *gin.Context, err error) {
	var appErr *apperrors.AppError
	if !errors.As(err, &appErr) {
		utils.GetLogger().Error("未分类的错误", map[string]interface{}{
			"path":  c.FullPath(),
			"error": err.Error(),
		})
		rh.InternalError(c, "Internal server error")
		return
	}

	details := ""
	if appErr.Err != nil {
		details = appErr.Err.Error()
	}

	status, code := statusFor(appErr)
	rh.Error(c, status, code, appErr.Message, details)
}

func statusFor(appErr *apperrors.AppError) (int, string) {
	switch appErr.Type {
	case apperrors.ErrorTypePrecondition:
		return http.StatusConflict, string(appErr.Kind)
	case apperrors.ErrorTypeValidation:
		return http.StatusBadRequest, ErrorValidation
	case apperrors.ErrorTypeNotFound:
		return http.StatusNotFound, ErrorItemNotFound
	case apperrors.ErrorTypeStorage:
		return http.StatusInternalServerError, ErrorStorageFailed
	case apperrors.ErrorTypeUpstream:
		return http.StatusBadGateway, ErrorUpstreamFailed
	case apperrors.ErrorTypeUnavailable:
		return http.StatusServiceUnavailable, ErrorServiceUnavailable
	default:
		return http.StatusInternalServerError, ErrorInternalError
	}
}

// DownloadJSON 以附件形式下载 JSON 文档
func (rh *ResponseHelper) DownloadJSON(c *gin.Context, filename string, v interface{}) {
	content, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		rh.InternalError(c, "Failed to encode document", err.Error())
		return
	}

	c.Header("Content-Disposition", "attachment; filename=\""+filename+"\"")
	c.Data(http.StatusOK, "application/json; charset=utf-8", content)
}

// getRequestID 获取请求ID
func (rh *ResponseHelper) getRequestID(c *gin.Context) string {
	return c.GetString(requestIDKey)
}
