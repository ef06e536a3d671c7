package service

import (
	"errors"
	"fmt"
)

// ErrorKind 业务错误分类，handler 据此映射响应码
type ErrorKind string

const (
	KindNotFound     ErrorKind = "not_found"
	KindValidation   ErrorKind = "validation"
	KindConflict     ErrorKind = "conflict"
	KindRateLimited  ErrorKind = "rate_limited"
	KindPortalAccess ErrorKind = "portal_access"
)

// AppError 业务错误
type AppError struct {
	Kind    ErrorKind
	Message string
	Field   string
}

func (e *AppError) Error() string {
	if e.Field != "" {
		return fmt.Sprintf("%s: %s", e.Field, e.Message)
	}
	return e.Message
}

func NotFoundf(format string, args ...interface{}) error {
	return &AppError{Kind: KindNotFound, Message: fmt.Sprintf(format, args...)}
}

func Validationf(format string, args ...interface{}) error {
	return &AppError{Kind: KindValidation, Message: fmt.Sprintf(format, args...)}
}

// FieldError 针对某个字段的校验错误
func FieldError(field, format string, args ...interface{}) error {
	return &AppError{Kind: KindValidation, Field: field, Message: fmt.Sprintf(format, args...)}
}

func Conflictf(format string, args ...interface{}) error {
	return &AppError{Kind: KindConflict, Message: fmt.Sprintf(format, args...)}
}

// 门户错误对外统一，不区分令牌不存在、PIN错误、链接过期
var (
	ErrPortalAccess = &AppError{Kind: KindPortalAccess, Message: "Invalid passcode or link"}
	ErrRateLimited  = &AppError{Kind: KindRateLimited, Message: "Too many attempts, please try again later"}
)

// 创建询价单的两种客户端错误需要区分
var (
	ErrNoEstimate = &AppError{Kind: KindValidation, Message: "project has no estimate to bid from"}
	ErrNoItems    = &AppError{Kind: KindValidation, Message: "filter matched no estimate lines"}
)

// KindOf 取错误分类，非 AppError 返回空
func KindOf(err error) ErrorKind {
	var appErr *AppError
	if errors.As(err, &appErr) {
		return appErr.Kind
	}
	return ""
}
