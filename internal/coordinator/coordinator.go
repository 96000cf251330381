// ============================================================================
// Probe-Swarm Coordinator - 系統核心協調器
// ============================================================================
//
// Package: internal/coordinator
// 文件: coordinator.go
// 功能: 任務生命週期、全域佇列、節點註冊表與結果彙總的唯一權威
//
// 架構設計:
//   Coordinator 本身從不執行工作單元，只負責：
//   - JobManager: 工作單元狀態（queued / in_flight / terminal）與全域 FIFO 佇列
//   - Aggregator: 結果去重與彙總
//   - 節點註冊表: 心跳、負載、閒置 worker 數、本地佇列長度
//   - WAL + Snapshot: 重啟後恢復任務狀態
//
// 單一擁有者命令迴圈:
//   所有狀態只由 run() 這一個 goroutine 存取。公開方法把 closure 送進
//   cmds channel，等待執行完成或 ctx 取消，因此不需要任何鎖。
//
//   run():
//     cmd  ← cmds    執行命令
//     tick ← ticker  失聯偵測、容量超時、任務完成歸檔、更新監控指標、定期快照
//
// 崩潰恢復流程（設定 state_dir 時）:
//   1. snapshot.Load()  載入最新快照（含 WAL LastSeq）
//   2. wal.Replay()     重放快照之後的 SUBMIT/RESULT/RETRY/DEAD/CANCEL/FAIL/ARCHIVE
//   3. 執行中的工作單元全部放回佇列，attempt 不變（至少執行一次）
//
// 冪等性保證:
//   - 每個狀態轉移先寫 WAL，再修改內存狀態
//   - 重放時略過已終止或已歸檔的工作單元
//   - 結果依工作單元 ID 去重
//
// ============================================================================

package coordinator

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sync"
	"sync/atomic"
	"time"

	"github.com/ChuLiYu/probe-swarm/internal/aggregator"
	"github.com/ChuLiYu/probe-swarm/internal/jobmanager"
	"github.com/ChuLiYu/probe-swarm/internal/metrics"
	"github.com/ChuLiYu/probe-swarm/internal/reporter"
	"github.com/ChuLiYu/probe-swarm/internal/snapshot"
	"github.com/ChuLiYu/probe-swarm/internal/storage/wal"
	"github.com/ChuLiYu/probe-swarm/pkg/types"
)

// ============================================================================
// 資料結構定義
// ============================================================================

// Config Coordinator 配置
type Config struct {
	Listen            string        `yaml:"listen"`             // gRPC 監聽位址
	HeartbeatInterval time.Duration `yaml:"heartbeat_interval"` // 節點心跳間隔
	TickInterval      time.Duration `yaml:"tick_interval"`      // 失聯偵測與歸檔週期
	MaxRetries        int           `yaml:"max_retries"`        // attempt 超過此值進入死信；0 取預設值，負值表示不重試
	MaxBatch          int           `yaml:"max_batch"`          // 單次分派上限
	StealThreshold    int           `yaml:"steal_threshold"`    // 本地佇列超過此值才會被要求 reclaim
	CapacityTimeout   time.Duration `yaml:"capacity_timeout"`   // 無節點時 Pending 任務的等待上限，0 表示永遠等待
	ElasticTimeout    time.Duration `yaml:"elastic_timeout"`    // elastic 節點的失聯期限
	StateDir          string        `yaml:"state_dir"`          // WAL 與快照目錄，空字串表示不持久化
	SnapshotInterval  time.Duration `yaml:"snapshot_interval"`  // 快照間隔
}

// DefaultConfig 預設配置
func DefaultConfig() Config {
	return Config{
		Listen:            ":7070",
		HeartbeatInterval: 2 * time.Second,
		TickInterval:      500 * time.Millisecond,
		MaxRetries:        3,
		MaxBatch:          64,
		StealThreshold:    4,
		ElasticTimeout:    10 * time.Minute,
		SnapshotInterval:  30 * time.Second,
	}
}

func (cfg Config) withDefaults() Config {
	def := DefaultConfig()
	if cfg.HeartbeatInterval <= 0 {
		cfg.HeartbeatInterval = def.HeartbeatInterval
	}
	if cfg.TickInterval <= 0 {
		cfg.TickInterval = def.TickInterval
	}
	switch {
	case cfg.MaxRetries == 0:
		cfg.MaxRetries = def.MaxRetries
	case cfg.MaxRetries < 0:
		cfg.MaxRetries = 0 // 負值表示不重試
	}
	if cfg.MaxBatch <= 0 {
		cfg.MaxBatch = def.MaxBatch
	}
	if cfg.StealThreshold < 0 {
		cfg.StealThreshold = 0
	}
	if cfg.ElasticTimeout <= 0 {
		cfg.ElasticTimeout = def.ElasticTimeout
	}
	if cfg.SnapshotInterval <= 0 {
		cfg.SnapshotInterval = def.SnapshotInterval
	}
	return cfg
}

// OrphanTimeout 一般節點被判定失聯前允許的靜默時間
func (cfg Config) OrphanTimeout() time.Duration {
	return 3 * cfg.HeartbeatInterval
}

// Option 自訂 Coordinator 的依賴
type Option func(*Coordinator)

// WithReporter 設定結果輸出（經由 reporter.Async 非同步投遞）
func WithReporter(r reporter.Reporter) Option {
	return func(c *Coordinator) { c.sink = r }
}

// WithMetrics 設定 Prometheus 指標收集器
func WithMetrics(m *metrics.Collector) Option {
	return func(c *Coordinator) { c.metrics = m }
}

// WithClock 替換時間來源（測試用）
func WithClock(now func() time.Time) Option {
	return func(c *Coordinator) { c.now = now }
}

// WithReporterBuffer 設定非同步 reporter 的緩衝長度
func WithReporterBuffer(n int) Option {
	return func(c *Coordinator) { c.reportBuffer = n }
}

// Coordinator 核心協調器
type Coordinator struct {
	cfg Config

	// 以下欄位只由命令迴圈存取
	jobs            *jobmanager.JobManager
	agg             *aggregator.Aggregator
	nodes           map[types.NodeID]*node
	noCapacitySince time.Time
	lastSnapshot    time.Time

	wal  *wal.WAL
	snap *snapshot.Manager

	sink         reporter.Reporter
	reportBuffer int
	report       *reporter.Async
	metrics      *metrics.Collector
	now          func() time.Time

	cmds      chan func()
	stopCh    chan struct{}
	done      chan struct{}
	startOnce sync.Once
	stopOnce  sync.Once
	startErr  error
	running   atomic.Bool
}

// ============================================================================
// 核心方法實作
// ============================================================================

// New 建立新的 Coordinator 實例
//
// 參數：
//   - cfg: Coordinator 配置，零值欄位使用預設值
//   - opts: 依賴注入（reporter、metrics、clock）
//
// 返回值：
//   - *Coordinator: Coordinator 實例
//   - error: 開啟 WAL 失敗
func New(cfg Config, opts ...Option) (*Coordinator, error) {
	c := &Coordinator{
		cfg:    cfg.withDefaults(),
		jobs:   jobmanager.NewJobManager(),
		agg:    aggregator.New(),
		nodes:  make(map[types.NodeID]*node),
		sink:   reporter.Discard{},
		now:    time.Now,
		cmds:   make(chan func()),
		stopCh: make(chan struct{}),
		done:   make(chan struct{}),
	}
	for _, opt := range opts {
		opt(c)
	}

	if dir := c.cfg.StateDir; dir != "" {
		if err := os.MkdirAll(dir, 0755); err != nil {
			return nil, fmt.Errorf("failed to create state dir: %w", err)
		}
		w, err := wal.NewWAL(JournalPath(dir), false)
		if err != nil {
			return nil, fmt.Errorf("failed to open WAL: %w", err)
		}
		c.wal = w
		c.snap = snapshot.NewManager(filepath.Join(dir, "snapshot.json"))
	}

	c.report = reporter.NewAsync(c.sink, c.reportBuffer, c.metrics.RecordReporterDrop)
	return c, nil
}

// JournalPath 狀態目錄中 WAL 檔案的位置
func JournalPath(stateDir string) string {
	return filepath.Join(stateDir, "coordinator.wal")
}

// Config 回傳生效中的配置
func (c *Coordinator) Config() Config {
	return c.cfg
}

// Start 恢復持久化狀態並啟動命令迴圈
func (c *Coordinator) Start(ctx context.Context) error {
	c.startOnce.Do(func() {
		if err := c.recover(); err != nil {
			c.startErr = err
			return
		}
		now := c.now()
		c.noCapacitySince = now
		c.lastSnapshot = now
		c.running.Store(true)
		go c.run()
		slog.Info("Coordinator started",
			"heartbeat_interval", c.cfg.HeartbeatInterval,
			"max_retries", c.cfg.MaxRetries,
			"max_batch", c.cfg.MaxBatch,
			"persistent", c.wal != nil)
	})
	return c.startErr
}

// Stop 優雅關閉：停止命令迴圈、寫入最後一次快照、關閉 WAL、送出剩餘的結果
func (c *Coordinator) Stop(ctx context.Context) error {
	var err error
	c.stopOnce.Do(func() {
		close(c.stopCh)
		if c.running.Load() {
			select {
			case <-c.done:
			case <-ctx.Done():
				err = ctx.Err()
				return
			}
		}

		if c.wal != nil {
			if serr := c.takeSnapshot(); serr != nil {
				slog.Error("Failed to take final snapshot", "error", serr)
			}
			if cerr := c.wal.Close(); cerr != nil {
				slog.Error("Failed to close WAL", "error", cerr)
			}
		}
		err = c.report.Close(ctx)
		slog.Info("Coordinator stopped")
	})
	return err
}

// do 將命令送進命令迴圈並等待執行完成，ctx 只約束排隊等待的時間
func (c *Coordinator) do(ctx context.Context, fn func()) error {
	finished := make(chan struct{})
	cmd := func() {
		defer close(finished)
		fn()
	}
	select {
	case c.cmds <- cmd:
	case <-c.stopCh:
		return ErrStopped
	case <-ctx.Done():
		return ctx.Err()
	}
	// 命令迴圈內的命令不會阻塞，一旦送出就等待完成
	<-finished
	return nil
}

// run 命令迴圈，唯一存取 Coordinator 狀態的 goroutine
func (c *Coordinator) run() {
	defer close(c.done)
	ticker := time.NewTicker(c.cfg.TickInterval)
	defer ticker.Stop()

	for {
		select {
		case <-c.stopCh:
			return
		case cmd := <-c.cmds:
			cmd()
		case <-ticker.C:
			c.tick()
		}
	}
}

// tick 週期性維護：失聯偵測、容量超時、任務歸檔、監控指標、快照
func (c *Coordinator) tick() {
	now := c.now()

	for id, n := range c.nodes {
		timeout := c.cfg.OrphanTimeout()
		if n.info.Capability == types.CapabilityElastic {
			timeout = c.cfg.ElasticTimeout
		}
		if silent := now.Sub(n.lastSeen); silent > timeout {
			err := fmt.Errorf("%w: silent for %s", ErrNodeUnreachable, silent.Round(time.Millisecond))
			slog.Warn("Node unreachable, recovering orphaned items", "nodeID", id, "error", err)
			c.removeNode(id)
		}
	}

	if len(c.nodes) > 0 {
		c.noCapacitySince = time.Time{}
	} else if c.noCapacitySince.IsZero() {
		c.noCapacitySince = now
	}
	c.expireWaitingJobs(now)

	for _, job := range c.jobs.Jobs() {
		if !job.Archived {
			c.settle(job.ID)
		}
	}

	c.metrics.UpdateQueueStats(c.jobs.QueueLen(), c.jobs.InFlight(), len(c.nodes))

	if c.wal != nil {
		if err := c.wal.Flush(); err != nil {
			slog.Error("Failed to flush WAL", "error", err)
		}
		if now.Sub(c.lastSnapshot) >= c.cfg.SnapshotInterval {
			if err := c.takeSnapshot(); err != nil {
				slog.Error("Failed to take snapshot", "error", err)
			}
			c.lastSnapshot = now
		}
	}
}

// expireWaitingJobs 無任何節點超過 capacity_timeout 的 Pending 任務標記為 Failed
func (c *Coordinator) expireWaitingJobs(now time.Time) {
	if c.cfg.CapacityTimeout <= 0 || len(c.nodes) > 0 {
		return
	}
	for _, job := range c.jobs.Jobs() {
		if job.Status != types.StatusPending {
			continue
		}
		since := time.UnixMilli(job.CreatedAt)
		if c.noCapacitySince.After(since) {
			since = c.noCapacitySince
		}
		if now.Sub(since) < c.cfg.CapacityTimeout {
			continue
		}
		if err := c.journal(wal.Event{Type: wal.EventFail, JobID: job.ID}, true); err != nil {
			slog.Error("Failed to append FAIL event", "jobID", job.ID, "error", err)
			continue
		}
		dropped, _ := c.jobs.FailJob(job.ID, now)
		slog.Warn("Job failed waiting for capacity", "jobID", job.ID, "cancelled_items", dropped,
			"capacity_timeout", c.cfg.CapacityTimeout)
		c.settle(job.ID)
	}
}

// settle 任務所有工作單元皆終止時：標記完成、送出摘要、歸檔
func (c *Coordinator) settle(id types.JobID) {
	job, ok := c.jobs.Job(id)
	if !ok || job.Archived || !c.jobs.Finished(id) {
		return
	}
	c.jobs.MarkCompleted(id, c.now())

	if err := c.journal(wal.Event{Type: wal.EventArchive, JobID: id}, false); err != nil {
		slog.Error("Failed to append ARCHIVE event", "jobID", id, "error", err)
		return
	}
	if err := c.jobs.Archive(id); err != nil {
		slog.Error("Failed to archive job", "jobID", id, "error", err)
		return
	}
	c.agg.Evict(id)

	job, _ = c.jobs.Job(id)
	report := c.buildReport(job)
	c.report.SubmitFinish(report)
	slog.Info("Job finished",
		"jobID", id,
		"status", job.Status,
		"succeeded", job.Counts.Succeeded,
		"failed", job.Counts.Failed,
		"errored", job.Counts.Errored,
		"cancelled", job.Counts.Cancelled,
		"findings", report.Findings)
}

// journal 寫入 WAL（未啟用持久化時不做事）
func (c *Coordinator) journal(ev wal.Event, force bool) error {
	if c.wal == nil {
		return nil
	}
	_, err := c.wal.Append(ev, force)
	return err
}
