// Package probe defines the Probe Executor boundary: one call tests one
// payload at one injection point of a target.
package probe

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"runtime/debug"
	"time"

	"github.com/ChuLiYu/probe-swarm/pkg/types"
)

// Outcome is what an executor observed for one probe.
type Outcome struct {
	Kind     types.OutcomeKind
	Evidence []byte
	Latency  time.Duration
	Err      error
}

// Executor runs a single probe. Implementations must honor ctx.
type Executor interface {
	Execute(ctx context.Context, target string, point types.InjectionPoint, payload string) Outcome
}

// Func adapts a plain function to Executor.
type Func func(ctx context.Context, target string, point types.InjectionPoint, payload string) Outcome

// Execute implements Executor.
func (f Func) Execute(ctx context.Context, target string, point types.InjectionPoint, payload string) Outcome {
	return f(ctx, target, point, payload)
}

// ExecutionError is a retryable failure while running a probe.
type ExecutionError struct {
	ItemID types.ItemID
	Cause  error
}

func (e *ExecutionError) Error() string {
	if e.ItemID == "" {
		return fmt.Sprintf("probe execution failed: %v", e.Cause)
	}
	return fmt.Sprintf("probe %s execution failed: %v", e.ItemID, e.Cause)
}

func (e *ExecutionError) Unwrap() error { return e.Cause }

// ErrPanic marks an executor panic converted into an error outcome.
var ErrPanic = errors.New("executor panicked")

// Run executes item on exec under a hard deadline and classifies the outcome.
//
// Run returns as soon as the deadline fires, even when exec ignores ctx.
// A deadline hit is reported as Timeout even if the executor returned
// something else; a panic or an executor error is reported as Error.
func Run(ctx context.Context, exec Executor, item *types.WorkItem, timeout time.Duration) Outcome {
	if item.Timeout > 0 {
		timeout = item.Timeout
	}
	execCtx := ctx
	if timeout > 0 {
		var cancel context.CancelFunc
		execCtx, cancel = context.WithTimeout(ctx, timeout)
		defer cancel()
	}

	start := time.Now()
	// 執行器不理會 ctx 時，逾時仍立即返回；殘留的 goroutine 寫入有緩衝的 channel 後結束
	done := make(chan Outcome, 1)
	go func() {
		done <- Safe(exec).Execute(execCtx, item.Target, item.Point, item.Payload)
	}()

	var out Outcome
	select {
	case out = <-done:
	case <-execCtx.Done():
		out = Outcome{Kind: types.OutcomeError, Err: execCtx.Err()}
	}
	if out.Latency == 0 {
		out.Latency = time.Since(start)
	}

	if errors.Is(execCtx.Err(), context.DeadlineExceeded) && ctx.Err() == nil {
		out.Kind = types.OutcomeTimeout
		out.Err = context.DeadlineExceeded
		return out
	}
	if out.Err != nil && out.Kind != types.OutcomeError {
		out.Kind = types.OutcomeError
	}
	if out.Kind == "" {
		out.Kind = types.OutcomeError
		out.Err = errors.New("executor returned no outcome")
	}
	if out.Kind == types.OutcomeError {
		out.Err = &ExecutionError{ItemID: item.ID, Cause: out.Err}
	}
	return out
}

type safeExecutor struct {
	inner Executor
}

// Safe wraps exec so that a panic becomes an Error outcome.
func Safe(exec Executor) Executor {
	if s, ok := exec.(safeExecutor); ok {
		return s
	}
	return safeExecutor{inner: exec}
}

func (s safeExecutor) Execute(ctx context.Context, target string, point types.InjectionPoint, payload string) (out Outcome) {
	defer func() {
		if r := recover(); r != nil {
			slog.Error("executor panic recovered", "target", target, "point", point.Name, "panic", r)
			slog.Debug("executor panic stack", "stack", string(debug.Stack()))
			out = Outcome{Kind: types.OutcomeError, Err: fmt.Errorf("%w: %v", ErrPanic, r)}
		}
	}()
	return s.inner.Execute(ctx, target, point, payload)
}
