package models

import (
	"errors"
	"fmt"
)

// 引擎错误分类
// 调用方用 errors.Is / errors.As 区分后决定提示语，不做盲目重试
var (
	// ErrValidation 输入超出取值范围（读数值、阈值、留言长度等）
	ErrValidation = errors.New("validation error")

	// ErrNotAuthorized 角色/权限不满足
	ErrNotAuthorized = errors.New("not authorized")

	// ErrDuplicateActive 同类型报警已处于 active/acknowledged，不允许再开
	ErrDuplicateActive = errors.New("duplicate active alert")

	// ErrDuplicateAcknowledgment 同一账户对同一报警重复确认
	ErrDuplicateAcknowledgment = errors.New("duplicate acknowledgment")

	// ErrAlreadyResolved 报警已终结，不接受任何状态变更
	ErrAlreadyResolved = errors.New("alert already resolved")

	// ErrNotFound 目标记录不存在
	ErrNotFound = errors.New("not found")

	// OAuth 源 token 失效，需要用户重新授权；连接已被标记为断开
	ErrReauthRequired = errors.New("reauth required")

	// Share 源账号密码错误
	ErrInvalidCredentials = errors.New("invalid credentials")

	// Share 源要求上游至少配置一个 follower
	ErrFollowerRequired = errors.New("follower required")
)

// ValidationErrorf 构造带说明的校验错误（errors.Is(err, ErrValidation) 成立）
func ValidationErrorf(format string, args ...interface{}) error {
	return fmt.Errorf("%w: "+format, append([]interface{}{ErrValidation}, args...)...)
}

// SyncFailedError 同步在重试预算耗尽后失败
// 保留失败前已成功入库的读数数量（部分成功不回滚）
type SyncFailedError struct {
	Ingested int   // 失败前已入库的读数数
	Cause    error // 底层原因
}

func (e *SyncFailedError) Error() string {
	return fmt.Sprintf("sync failed after %d readings ingested: %v", e.Ingested, e.Cause)
}

func (e *SyncFailedError) Unwrap() error {
	return e.Cause
}
