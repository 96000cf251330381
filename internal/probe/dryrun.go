package probe

import (
	"context"
	"time"

	"github.com/ChuLiYu/probe-swarm/pkg/types"
)

// DryRun executes nothing. It waits Delay and reports Success for injection
// points marked Reflected, Failure otherwise. Used for demos and load tests.
type DryRun struct {
	Delay time.Duration
}

// Execute implements Executor.
func (d DryRun) Execute(ctx context.Context, target string, point types.InjectionPoint, payload string) Outcome {
	start := time.Now()
	if d.Delay > 0 {
		timer := time.NewTimer(d.Delay)
		defer timer.Stop()
		select {
		case <-ctx.Done():
			return Outcome{Kind: types.OutcomeError, Err: ctx.Err(), Latency: time.Since(start)}
		case <-timer.C:
		}
	}
	if point.Reflected {
		return Outcome{Kind: types.OutcomeSuccess, Evidence: []byte(payload), Latency: time.Since(start)}
	}
	return Outcome{Kind: types.OutcomeFailure, Latency: time.Since(start)}
}

// Config selects an Executor implementation.
type Config struct {
	Kind      string        `yaml:"kind"` // http | dry-run
	Delay     time.Duration `yaml:"delay"`
	UserAgent string        `yaml:"user_agent"`
	Timeout   time.Duration `yaml:"timeout"`
}

// New builds the executor named by cfg.Kind.
func New(cfg Config) Executor {
	switch cfg.Kind {
	case "dry-run", "dryrun":
		return DryRun{Delay: cfg.Delay}
	default:
		return NewHTTPExecutor(HTTPConfig{
			UserAgent: cfg.UserAgent,
			Delay:     cfg.Delay,
			Timeout:   cfg.Timeout,
		})
	}
}
