package transport

import (
	"context"
	"errors"

	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"

	"github.com/ChuLiYu/probe-swarm/internal/coordinator"
)

// ============================================================================
// 錯誤與 gRPC status code 互轉
// ============================================================================

// RemoteError 遠端回傳的錯誤，保留原訊息並可用 errors.Is 比對哨兵錯誤
type RemoteError struct {
	Code     codes.Code
	Message  string
	sentinel error
}

func (e *RemoteError) Error() string {
	return e.Message
}

// Unwrap 返回對應的哨兵錯誤（可能為 nil）
func (e *RemoteError) Unwrap() error {
	return e.sentinel
}

// ToStatus 將 Coordinator 錯誤轉成 gRPC status
func ToStatus(err error) error {
	if err == nil {
		return nil
	}
	if _, ok := status.FromError(err); ok {
		return err
	}
	return status.Error(codeOf(err), err.Error())
}

func codeOf(err error) codes.Code {
	switch {
	case errors.Is(err, coordinator.ErrJobValidation):
		return codes.InvalidArgument
	case errors.Is(err, coordinator.ErrJobNotFound):
		return codes.NotFound
	case errors.Is(err, coordinator.ErrUnknownNode):
		return codes.FailedPrecondition
	case errors.Is(err, coordinator.ErrStopped):
		return codes.Unavailable
	case errors.Is(err, context.Canceled):
		return codes.Canceled
	case errors.Is(err, context.DeadlineExceeded):
		return codes.DeadlineExceeded
	default:
		return codes.Internal
	}
}

// FromStatus 將 gRPC status 轉回哨兵錯誤
//
// Unavailable 只有在訊息與 ErrStopped 相符時才視為 Coordinator 已停止，
// 其餘（例如連線失敗）保留原始 status 錯誤。
func FromStatus(err error) error {
	if err == nil {
		return nil
	}
	st, ok := status.FromError(err)
	if !ok {
		return err
	}

	var sentinel error
	switch st.Code() {
	case codes.InvalidArgument:
		sentinel = coordinator.ErrJobValidation
	case codes.NotFound:
		sentinel = coordinator.ErrJobNotFound
	case codes.FailedPrecondition:
		sentinel = coordinator.ErrUnknownNode
	case codes.Unavailable:
		if st.Message() != coordinator.ErrStopped.Error() {
			return err
		}
		sentinel = coordinator.ErrStopped
	case codes.Canceled:
		sentinel = context.Canceled
	case codes.DeadlineExceeded:
		sentinel = context.DeadlineExceeded
	default:
		return err
	}
	return &RemoteError{Code: st.Code(), Message: st.Message(), sentinel: sentinel}
}
