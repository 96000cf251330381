package elastic

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/cenkalti/backoff/v4"
	"go.opentelemetry.io/otel/attribute"

	"github.com/ChuLiYu/probe-swarm/internal/tracing"
	"github.com/ChuLiYu/probe-swarm/internal/worker"
	"github.com/ChuLiYu/probe-swarm/pkg/types"
)

// Config Driver 配置
type Config struct {
	ID            types.NodeID  `yaml:"id"`
	FunctionURL   string        `yaml:"function_url"`
	Ceiling       int           `yaml:"ceiling"`        // 單次呼叫的工作單元上限
	InvokeTimeout time.Duration `yaml:"invoke_timeout"` // 單次呼叫時間上限
	IdleWait      time.Duration `yaml:"idle_wait"`      // 無工作時的輪詢間隔
	ResultRetry   time.Duration `yaml:"result_retry"`   // 回報結果的重試總時間
}

// DefaultConfig 預設配置
func DefaultConfig() Config {
	return Config{
		Ceiling:       100,
		InvokeTimeout: 5 * time.Minute,
		IdleWait:      time.Second,
		ResultRetry:   30 * time.Second,
	}
}

func (cfg Config) withDefaults() Config {
	def := DefaultConfig()
	if cfg.Ceiling <= 0 {
		cfg.Ceiling = def.Ceiling
	}
	if cfg.InvokeTimeout <= 0 {
		cfg.InvokeTimeout = def.InvokeTimeout
	}
	if cfg.IdleWait <= 0 {
		cfg.IdleWait = def.IdleWait
	}
	if cfg.ResultRetry <= 0 {
		cfg.ResultRetry = def.ResultRetry
	}
	return cfg
}

// Stats Driver 統計
type Stats struct {
	ID          types.NodeID
	Invocations int64
	Failures    int64
	Items       int64
	Reported    int64
}

// Driver registers as an elastic-cloud node and runs one invocation per batch.
type Driver struct {
	cfg Config
	up  worker.Upstream
	inv Invoker

	mu       sync.Mutex
	id       types.NodeID
	interval time.Duration // coordinator 心跳間隔，呼叫期間據此保持存活

	invocations atomic.Int64
	failures    atomic.Int64
	items       atomic.Int64
	reported    atomic.Int64
}

// NewDriver 建立 Driver
func NewDriver(cfg Config, up worker.Upstream, inv Invoker) *Driver {
	cfg = cfg.withDefaults()
	return &Driver{cfg: cfg, up: up, inv: inv, id: cfg.ID}
}

// ID 返回 Coordinator 指派的節點 ID
func (d *Driver) ID() types.NodeID {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.id
}

// Stats 返回統計
func (d *Driver) Stats() Stats {
	return Stats{
		ID:          d.ID(),
		Invocations: d.invocations.Load(),
		Failures:    d.failures.Load(),
		Items:       d.items.Load(),
		Reported:    d.reported.Load(),
	}
}

// Run 註冊後持續拉取批次並呼叫函數，直到 ctx 取消；離開前向 Coordinator 登出
func (d *Driver) Run(ctx context.Context) error {
	if err := d.register(ctx); err != nil {
		return err
	}
	defer d.deregister()

	for ctx.Err() == nil {
		reply, err := d.up.RequestWork(ctx, types.Heartbeat{
			NodeID:      d.ID(),
			IdleWorkers: d.cfg.Ceiling,
		})
		switch {
		case err != nil:
			if ctx.Err() != nil {
				return nil
			}
			slog.Warn("Elastic work request failed", "nodeID", d.ID(), "error", err)
		case reply.ReRegister:
			slog.Warn("Coordinator lost this elastic node, re-registering", "nodeID", d.ID())
			if err := d.register(ctx); err != nil {
				return err
			}
			continue
		case reply.Batch.Len() > 0:
			d.process(ctx, reply.Batch)
			continue
		}

		select {
		case <-ctx.Done():
		case <-time.After(d.cfg.IdleWait):
		}
	}
	return nil
}

func (d *Driver) register(ctx context.Context) error {
	var reply types.RegisterReply
	op := func() error {
		var err error
		reply, err = d.up.RegisterNode(ctx, types.Registration{
			NodeID:     d.ID(),
			Capability: types.CapabilityElastic,
			Capacity:   d.cfg.Ceiling,
			Workers:    1,
		})
		if err != nil && ctx.Err() != nil {
			return backoff.Permanent(err)
		}
		return err
	}
	notify := func(err error, wait time.Duration) {
		slog.Warn("Elastic register failed, retrying", "error", err, "backoff", wait)
	}
	if err := backoff.RetryNotify(op, backoff.WithContext(backoff.NewExponentialBackOff(), ctx), notify); err != nil {
		return fmt.Errorf("failed to register elastic node: %w", err)
	}

	d.mu.Lock()
	d.id = reply.NodeID
	d.interval = reply.HeartbeatInterval
	d.mu.Unlock()
	slog.Info("Elastic node registered", "nodeID", reply.NodeID, "ceiling", d.cfg.Ceiling, "initial_batch", reply.Batch.Len())

	if reply.Batch.Len() > 0 {
		d.process(ctx, reply.Batch)
	}
	return nil
}

// process 呼叫函數執行整批並回報結果；呼叫失敗時每個工作單元回報 Error 交由 Coordinator 重試
func (d *Driver) process(ctx context.Context, batch types.Batch) {
	d.invocations.Add(1)
	d.items.Add(int64(batch.Len()))

	invCtx, cancel := context.WithTimeout(ctx, d.cfg.InvokeTimeout)
	alive := make(chan struct{})
	go func() {
		defer close(alive)
		d.keepAlive(invCtx)
	}()
	invCtx, span := tracing.StartSpan(invCtx, "elastic.invoke",
		attribute.String("nodeID", string(d.ID())),
		attribute.Int("items", batch.Len()))
	results, err := d.inv.Invoke(invCtx, batch)
	tracing.End(span, err)
	cancel()
	<-alive

	if err != nil {
		d.failures.Add(1)
		slog.Warn("Elastic invocation failed", "nodeID", d.ID(), "items", batch.Len(), "error", err)
	}
	results = reconcile(batch, results, err)

	// 回報不受 ctx 取消影響，讓關閉前的結果仍能送達
	reportCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), d.cfg.ResultRetry)
	defer cancel()
	for _, r := range results {
		r.NodeID = d.ID()
		if err := d.send(reportCtx, r); err != nil {
			slog.Error("Dropping elastic result", "itemID", r.ItemID, "error", err)
			continue
		}
		d.reported.Add(1)
	}
}

// keepAlive 呼叫進行中定期送出心跳（無閒置 worker，不會拿到新批次），
// 避免長時間呼叫被判定失聯
func (d *Driver) keepAlive(ctx context.Context) {
	d.mu.Lock()
	interval := d.interval
	d.mu.Unlock()
	if interval <= 0 {
		interval = d.cfg.IdleWait
	}

	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if _, err := d.up.Heartbeat(ctx, types.Heartbeat{NodeID: d.ID(), Load: 1}); err != nil && ctx.Err() == nil {
				slog.Warn("Elastic keep-alive heartbeat failed", "nodeID", d.ID(), "error", err)
			}
		}
	}
}

// reconcile 讓每個分派的工作單元恰好對應一筆結果，attempt 以分派時為準
func reconcile(batch types.Batch, results []types.Result, invokeErr error) []types.Result {
	byID := make(map[types.ItemID]types.Result, len(results))
	if invokeErr == nil {
		for _, r := range results {
			byID[r.ItemID] = r
		}
	}

	out := make([]types.Result, 0, batch.Len())
	for _, it := range batch.Items {
		r, ok := byID[it.ID]
		if !ok || !validOutcome(r.Outcome) {
			msg := "missing from function response"
			if invokeErr != nil {
				msg = invokeErr.Error()
			}
			r = types.Result{Outcome: types.OutcomeError, Error: msg}
		}
		r.ItemID = it.ID
		r.JobID = it.JobID
		r.Attempt = it.Attempt
		out = append(out, r)
	}
	return out
}

func validOutcome(k types.OutcomeKind) bool {
	switch k {
	case types.OutcomeSuccess, types.OutcomeFailure, types.OutcomeError, types.OutcomeTimeout:
		return true
	}
	return false
}

func (d *Driver) send(ctx context.Context, r types.Result) error {
	op := func() error {
		_, err := d.up.ReportResult(ctx, r)
		if err != nil && ctx.Err() != nil {
			return backoff.Permanent(err)
		}
		return err
	}
	return backoff.Retry(op, backoff.WithContext(backoff.NewExponentialBackOff(), ctx))
}

func (d *Driver) deregister() {
	ctx, cancel := context.WithTimeout(context.Background(), d.cfg.ResultRetry)
	defer cancel()
	if err := d.up.Deregister(ctx, types.Deregistration{NodeID: d.ID()}); err != nil {
		slog.Warn("Elastic deregister failed", "nodeID", d.ID(), "error", err)
		return
	}
	slog.Info("Elastic node deregistered", "nodeID", d.ID())
}
