package rpaerr

import (
	"errors"
	"fmt"
	"strings"
)

// 步骤失败的底层原因
var (
	ErrStepTimeout     = errors.New("步骤执行超时")
	ErrElementNotFound = errors.New("页面元素不存在")
	ErrNavigation      = errors.New("页面导航失败")
	ErrLoopStalled     = errors.New("循环未产生页面变化")
)

// ErrSessionLost 浏览器进程或会话在执行中途丢失
var ErrSessionLost = errors.New("浏览器会话已丢失")

// ErrCancelled 操作员主动取消
var ErrCancelled = errors.New("执行已被取消")

// ConfigurationError 凭据或步骤模型缺失/无效，在打开浏览器会话之前失败
type ConfigurationError struct {
	Reason string
	Err    error
}

// Error 实现 error 接口
func (e *ConfigurationError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("配置错误: %s: %v", e.Reason, e.Err)
	}
	return "配置错误: " + e.Reason
}

func (e *ConfigurationError) Unwrap() error { return e.Err }

// Configuration 创建配置错误
func Configuration(format string, args ...interface{}) error {
	return &ConfigurationError{Reason: fmt.Sprintf(format, args...)}
}

// WrapConfiguration 将底层错误包装为配置错误
func WrapConfiguration(err error, format string, args ...interface{}) error {
	return &ConfigurationError{Reason: fmt.Sprintf(format, args...), Err: err}
}

// StepAbortError 非可选步骤失败，终止剩余步骤
type StepAbortError struct {
	Index int    // 顶层步骤序号（从 0 开始）
	Path  string // 嵌套路径，例如 "4.then.1"
	Kind  string
	Cause error
}

// Error 实现 error 接口
func (e *StepAbortError) Error() string {
	return fmt.Sprintf("步骤 %s (%s) 失败: %v", e.Path, e.Kind, e.Cause)
}

func (e *StepAbortError) Unwrap() error { return e.Cause }

// NormalizationError 数据提取成功但存在无法映射的行
type NormalizationError struct {
	Accepted int
	Rejected int
	Reasons  []string
}

// Error 实现 error 接口
func (e *NormalizationError) Error() string {
	msg := fmt.Sprintf("数据标准化: %d 行被拒绝, %d 行有效", e.Rejected, e.Accepted)
	if len(e.Reasons) > 0 {
		limit := len(e.Reasons)
		if limit > 3 {
			limit = 3
		}
		msg += " (" + strings.Join(e.Reasons[:limit], "; ") + ")"
	}
	return msg
}

// SessionLost 将底层错误标记为会话丢失
func SessionLost(err error) error {
	if err == nil || errors.Is(err, ErrSessionLost) {
		return err
	}
	return fmt.Errorf("%w: %v", ErrSessionLost, err)
}

// IsSessionLost 判断是否为会话丢失
func IsSessionLost(err error) bool {
	return errors.Is(err, ErrSessionLost)
}

// IsCancelled 判断是否为取消
func IsCancelled(err error) bool {
	return errors.Is(err, ErrCancelled)
}

// IsConfiguration 判断是否为配置错误
func IsConfiguration(err error) bool {
	var ce *ConfigurationError
	return errors.As(err, &ce)
}

// Kind 返回错误的分类名称，写入执行记录
func Kind(err error) string {
	var (
		ce *ConfigurationError
		se *StepAbortError
		ne *NormalizationError
	)
	switch {
	case err == nil:
		return ""
	case errors.Is(err, ErrCancelled):
		return "CancelledError"
	case errors.Is(err, ErrSessionLost):
		return "SessionLost"
	case errors.As(err, &ce):
		return "ConfigurationError"
	case errors.As(err, &se):
		return "StepAbortError"
	case errors.As(err, &ne):
		return "NormalizationError"
	default:
		return "InternalError"
	}
}
