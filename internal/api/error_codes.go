// internal/api/error_codes.go
package api

// API错误代码常量
// 前置条件拒绝直接使用 errors.Kind 作为代码（EMPTY_PLAYBOOK 等）
const (
	// 通用错误
	ErrorBadRequest         = "BAD_REQUEST"
	ErrorNotFound           = "NOT_FOUND"
	ErrorInternalError      = "INTERNAL_ERROR"
	ErrorServiceUnavailable = "SERVICE_UNAVAILABLE"
	ErrorRateLimited        = "RATE_LIMIT_EXCEEDED"

	// 节目单相关错误
	ErrorValidation      = "VALIDATION_ERROR"
	ErrorPlaybookInvalid = "PLAYBOOK_INVALID"
	ErrorItemNotFound    = "ITEM_NOT_FOUND"

	// 存储与外部服务
	ErrorStorageFailed  = "STORAGE_FAILED"
	ErrorUpstreamFailed = "UPSTREAM_FAILED"
)
