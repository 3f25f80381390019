package common

import (
	"errors"
	"fmt"
)

// ============================================================================
// 业务状态码定义
// ============================================================================

const (
	CodeSuccess = 0

	CodeValidation    = 1000 // 请求参数或配置字段不合法
	CodeUnauthorized  = 1001 // 未认证
	CodeForbidden     = 1002 // 身份不满足双人复核要求
	CodeNotFound      = 1003 // 资源或操作不存在
	CodeConflict      = 1004 // 重复注册或规则冲突
	CodeInternalError = 1005 // 内部错误
	CodeInvalidState  = 1007 // 审批请求状态不允许该操作
	CodeConfiguration = 1008 // 没有匹配的审批规则
)

// 错误类别
const (
	KindValidation    = "VALIDATION"
	KindUnauthorized  = "UNAUTHORIZED"
	KindForbidden     = "FORBIDDEN"
	KindNotFound      = "NOT_FOUND"
	KindConflict      = "CONFLICT"
	KindInternal      = "INTERNAL"
	KindInvalidState  = "INVALID_STATE"
	KindConfiguration = "CONFIGURATION"
)

// BusinessError 业务错误，携带机器可读的错误码与类别
type BusinessError struct {
	Code    int      // 错误码
	Kind    string   // 错误类别
	Message string   // 错误信息
	Details []string // 明细（如字段校验失败列表）
}

// Error 实现error接口
func (e *BusinessError) Error() string {
	if len(e.Details) == 0 {
		return e.Message
	}
	return fmt.Sprintf("%s: %v", e.Message, e.Details)
}

// WithDetails 追加明细
func (e *BusinessError) WithDetails(details ...string) *BusinessError {
	e.Details = append(e.Details, details...)
	return e
}

func newError(code int, kind, format string, args ...any) *BusinessError {
	msg := format
	if len(args) > 0 {
		msg = fmt.Sprintf(format, args...)
	}
	return &BusinessError{Code: code, Kind: kind, Message: msg}
}

// NewConflictError 重复注册、规则槽位冲突
func NewConflictError(format string, args ...any) *BusinessError {
	return newError(CodeConflict, KindConflict, format, args...)
}

// NewNotFoundError 未知操作键、未知请求
func NewNotFoundError(format string, args ...any) *BusinessError {
	return newError(CodeNotFound, KindNotFound, format, args...)
}

// NewInvalidStateError 已终结或顺序错误的审批决策
func NewInvalidStateError(format string, args ...any) *BusinessError {
	return newError(CodeInvalidState, KindInvalidState, format, args...)
}

// NewValidationError 请求或规则字段不合法
func NewValidationError(format string, args ...any) *BusinessError {
	return newError(CodeValidation, KindValidation, format, args...)
}

// NewConfigurationError 无匹配规则或金额不落在任何档位
func NewConfigurationError(format string, args ...any) *BusinessError {
	return newError(CodeConfiguration, KindConfiguration, format, args...)
}

// NewForbiddenError 制单人/复核人身份不合规
func NewForbiddenError(format string, args ...any) *BusinessError {
	return newError(CodeForbidden, KindForbidden, format, args...)
}

// NewUnauthorizedError 缺少身份信息
func NewUnauthorizedError(format string, args ...any) *BusinessError {
	return newError(CodeUnauthorized, KindUnauthorized, format, args...)
}

// AsBusinessError 从错误链中提取业务错误
func AsBusinessError(err error) (*BusinessError, bool) {
	var be *BusinessError
	if errors.As(err, &be) {
		return be, true
	}
	return nil, false
}

// IsKind 判断错误链中是否包含指定类别的业务错误
func IsKind(err error, kind string) bool {
	be, ok := AsBusinessError(err)
	return ok && be.Kind == kind
}
