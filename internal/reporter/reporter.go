// Package reporter streams aggregated results out of the coordinator.
package reporter

import (
	"context"
	"errors"
	"log/slog"

	"github.com/ChuLiYu/probe-swarm/pkg/types"
)

// Reporter receives each terminal result exactly once.
type Reporter interface {
	Record(ctx context.Context, r types.Result) error
}

// Finisher is implemented by reporters that act when a job is archived.
type Finisher interface {
	Finish(ctx context.Context, report types.JobReport) error
}

// Multi fans out to several reporters; every sink is attempted.
type Multi []Reporter

// Record implements Reporter.
func (m Multi) Record(ctx context.Context, r types.Result) error {
	var errs []error
	for _, rep := range m {
		if err := rep.Record(ctx, r); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// Finish implements Finisher.
func (m Multi) Finish(ctx context.Context, report types.JobReport) error {
	var errs []error
	for _, rep := range m {
		if f, ok := rep.(Finisher); ok {
			if err := f.Finish(ctx, report); err != nil {
				errs = append(errs, err)
			}
		}
	}
	return errors.Join(errs...)
}

// Log writes results to a slog logger. Findings are logged at Info, the
// rest at Debug.
type Log struct {
	Logger *slog.Logger
}

func (l Log) logger() *slog.Logger {
	if l.Logger != nil {
		return l.Logger
	}
	return slog.Default()
}

// Record implements Reporter.
func (l Log) Record(ctx context.Context, r types.Result) error {
	attrs := []any{
		"jobID", r.JobID,
		"itemID", r.ItemID,
		"nodeID", r.NodeID,
		"attempt", r.Attempt,
		"outcome", r.Outcome,
		"latency", r.Latency,
	}
	switch r.Outcome {
	case types.OutcomeSuccess:
		l.logger().InfoContext(ctx, "finding", append(attrs, "evidence", string(r.Evidence))...)
	case types.OutcomeError, types.OutcomeTimeout:
		l.logger().DebugContext(ctx, "result", append(attrs, "error", r.Error)...)
	default:
		l.logger().DebugContext(ctx, "result", attrs...)
	}
	return nil
}

// Finish implements Finisher.
func (l Log) Finish(ctx context.Context, report types.JobReport) error {
	l.logger().InfoContext(ctx, "job finished",
		"jobID", report.ID,
		"status", report.Status,
		"total", report.Counts.Total,
		"succeeded", report.Counts.Succeeded,
		"failed", report.Counts.Failed,
		"errored", report.Counts.Errored,
		"cancelled", report.Counts.Cancelled,
		"findings", report.Findings)
	return nil
}

// Discard drops everything.
type Discard struct{}

// Record implements Reporter.
func (Discard) Record(context.Context, types.Result) error { return nil }
