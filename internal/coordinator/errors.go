package coordinator

import (
	"errors"
	"fmt"
)

// ============================================================================
// 錯誤定義
// ============================================================================

var (
	// 任務提交內容不合法（ValidationError 皆滿足 errors.Is）
	ErrJobValidation = errors.New("job validation failed")
	// 任務不存在
	ErrJobNotFound = errors.New("job not found")
	// 節點未註冊（或已被判定失聯移除）
	ErrUnknownNode = errors.New("unknown node")
	// Coordinator 已停止
	ErrStopped = errors.New("coordinator stopped")
	// 節點超過心跳期限未回報
	ErrNodeUnreachable = errors.New("node unreachable")
)

// ValidationError describes why a submission or message was rejected.
type ValidationError struct {
	Field  string
	Reason string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("%s: %s %s", ErrJobValidation, e.Field, e.Reason)
}

// Is matches ErrJobValidation.
func (e *ValidationError) Is(target error) bool {
	return target == ErrJobValidation
}
