// ============================================================================
// Probe-Swarm Node Manager - 節點端排程
// ============================================================================
//
// Package: internal/worker
// 文件: node_manager.go
// 功能: 管理一個節點上的 Worker、收件匣、心跳與結果回報
//
// 架構組件:
//   ┌──────────────┐  Register / Heartbeat / RequestWork / ReportResult
//   │ Coordinator  │ <────────────────────────────────────────────────┐
//   └──────────────┘                                                  │
//          │ Batch                                                    │
//          ▼                                                          │
//   ┌──────────────────────────────────────────────┐                  │
//   │ NodeManager                                  │                  │
//   │  inbox ──chunk──> Worker 1 [deque] ◄─steal─┐ │                  │
//   │                   Worker 2 [deque] ────────┘ │                  │
//   │                   Worker N [deque]           │                  │
//   │  outbox ─────────────────────────────────────┼──────────────────┘
//   └──────────────────────────────────────────────┘
//
// 生命週期:
//   1. New() - 建立 NodeManager 與 N 個 Worker
//   2. Start(ctx) - 註冊（指數退避重試）、啟動 Worker、心跳、結果回報
//   3. Shutdown(ctx) - 停止接受工作、等待執行中的探測、退回未開始的
//      工作單元並註銷
//   4. Kill() - 立即終止，不註銷也不回報（模擬節點崩潰）
//
// 並發控制:
//   - mu: 保護 inbox、held、idle 與節點 ID
//   - outMu: 保護待回報的結果（outbox）
//   - Worker 之間只透過 deque 的 Steal 互動
//
// 去重:
//   held 記錄節點目前持有的工作單元（收件匣、deque、執行中、待回報），
//   相同或較舊 attempt 的重複分派直接忽略；結果被確認後移除。
//
// ============================================================================

package worker

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"runtime"
	"sync"
	"sync/atomic"
	"time"

	"github.com/cenkalti/backoff/v4"

	"github.com/ChuLiYu/probe-swarm/internal/metrics"
	"github.com/ChuLiYu/probe-swarm/internal/probe"
	"github.com/ChuLiYu/probe-swarm/pkg/types"
)

// ============================================================================
// 錯誤定義
// ============================================================================

var (
	// ErrNodeClosed 表示節點已關閉
	ErrNodeClosed = errors.New("node manager is closed")
	// ErrNodeStarted 表示節點已啟動
	ErrNodeStarted = errors.New("node manager already started")
	// ErrNodeNotStarted 表示節點尚未啟動
	ErrNodeNotStarted = errors.New("node manager not started")
)

// ============================================================================
// 設定
// ============================================================================

// Config 節點設定
type Config struct {
	ID                types.NodeID     `yaml:"id"`                 // 空字串時由 coordinator 指派
	Capability        types.Capability `yaml:"capability"`         // 預設 remote-process
	Workers           int              `yaml:"workers"`            // 預設 runtime.NumCPU()
	Capacity          int              `yaml:"capacity"`           // 宣告的同時執行上限，預設等於 Workers
	DequeCapacity     int              `yaml:"deque_capacity"`     // 每個 Worker 的 deque 容量
	InboxChunk        int              `yaml:"inbox_chunk"`        // 每次從收件匣取出的數量
	StealAttempts     int              `yaml:"steal_attempts"`     // 每輪最多竊取次數
	ItemTimeout       time.Duration    `yaml:"item_timeout"`       // 單項探測超時（任務未指定時）
	HeartbeatInterval time.Duration    `yaml:"heartbeat_interval"` // 0 表示採用 coordinator 的設定
	RequestDebounce   time.Duration    `yaml:"request_debounce"`   // 兩次 RequestWork 的最小間隔
	ResultRetry       time.Duration    `yaml:"result_retry"`       // 單一結果回報的最長重試時間
}

// DefaultConfig 返回預設節點設定
func DefaultConfig() Config {
	return Config{
		Capability:      types.CapabilityRemote,
		Workers:         runtime.NumCPU(),
		DequeCapacity:   256,
		InboxChunk:      4,
		StealAttempts:   3,
		ItemTimeout:     10 * time.Second,
		RequestDebounce: 50 * time.Millisecond,
		ResultRetry:     30 * time.Second,
	}
}

func (c Config) withDefaults() Config {
	d := DefaultConfig()
	if c.Capability == "" {
		c.Capability = d.Capability
	}
	if c.Workers <= 0 {
		c.Workers = d.Workers
	}
	if c.Capacity <= 0 {
		c.Capacity = c.Workers
	}
	if c.DequeCapacity <= 0 {
		c.DequeCapacity = d.DequeCapacity
	}
	if c.InboxChunk <= 0 {
		c.InboxChunk = d.InboxChunk
	}
	if c.StealAttempts <= 0 {
		c.StealAttempts = d.StealAttempts
	}
	if c.ItemTimeout <= 0 {
		c.ItemTimeout = d.ItemTimeout
	}
	if c.RequestDebounce <= 0 {
		c.RequestDebounce = d.RequestDebounce
	}
	if c.ResultRetry <= 0 {
		c.ResultRetry = d.ResultRetry
	}
	return c
}

// Option 設定 NodeManager 的可選項
type Option func(*NodeManager)

// WithMetrics 使用指定的 metrics collector
func WithMetrics(m *metrics.Collector) Option {
	return func(n *NodeManager) { n.metrics = m }
}

// ============================================================================
// 資料結構定義
// ============================================================================

// NodeManager 代表一個節點，管理多個 Worker
type NodeManager struct {
	cfg     Config
	up      Upstream
	exec    probe.Executor
	metrics *metrics.Collector
	workers []*Worker

	mu       sync.Mutex
	id       types.NodeID
	interval time.Duration
	inbox    []types.WorkItem     // FIFO，尚未被 Worker 取走
	held     map[types.ItemID]int // 節點持有的工作單元與其 attempt
	idle     []*Worker            // 目前閒置等待喚醒的 Worker

	outMu   sync.Mutex
	outbox  []types.Result
	outKick chan struct{}

	requestCh chan struct{}
	busy      atomic.Int32
	reported  atomic.Int64
	stopping  atomic.Bool
	killed    atomic.Bool

	execCtx    context.Context // 探測執行，Kill 或關閉逾時時取消
	execCancel context.CancelFunc
	runCtx     context.Context // Worker 迴圈，僅 Kill 時取消
	runCancel  context.CancelFunc
	bgCancel   context.CancelFunc // 心跳、工作請求、結果回報

	workerWG sync.WaitGroup
	bgWG     sync.WaitGroup

	stateMu sync.Mutex
	started bool
	stopped bool
}

// NodeStats 節點狀態快照
type NodeStats struct {
	ID            types.NodeID  `json:"id"`
	Workers       int           `json:"workers"`
	Idle          int           `json:"idle"`
	Busy          int           `json:"busy"`
	Inbox         int           `json:"inbox"`
	LocalQueued   int           `json:"local_queued"`
	PendingReport int           `json:"pending_report"`
	Reported      int64         `json:"reported"`
	Executed      int64         `json:"executed"`
	Stolen        int64         `json:"stolen"`
	StealAttempts int64         `json:"steal_attempts"`
	PerWorker     []WorkerStats `json:"per_worker"`
}

// ============================================================================
// 核心方法實作
// ============================================================================

// New 建立 NodeManager
// 參數：
//   - cfg: 節點設定，零值欄位使用預設值
//   - up: Coordinator（本地或遠端）
//   - exec: 探測執行器
//
// 返回值：
//   - *NodeManager: 尚未啟動的節點
func New(cfg Config, up Upstream, exec probe.Executor, opts ...Option) *NodeManager {
	cfg = cfg.withDefaults()
	n := &NodeManager{
		cfg:       cfg,
		up:        up,
		exec:      exec,
		id:        cfg.ID,
		interval:  cfg.HeartbeatInterval,
		held:      make(map[types.ItemID]int),
		outKick:   make(chan struct{}, 1),
		requestCh: make(chan struct{}, 1),
	}
	for _, opt := range opts {
		opt(n)
	}
	n.workers = make([]*Worker, cfg.Workers)
	for i := range n.workers {
		n.workers[i] = newWorker(i, n, cfg.DequeCapacity)
	}
	return n
}

// ID 返回 coordinator 指派的節點 ID
func (n *NodeManager) ID() types.NodeID {
	n.mu.Lock()
	defer n.mu.Unlock()
	return n.id
}

// Start 註冊節點並啟動所有 Worker 與背景迴圈
//
// 註冊以指數退避重試，直到成功或 ctx 結束。
func (n *NodeManager) Start(ctx context.Context) error {
	n.stateMu.Lock()
	defer n.stateMu.Unlock()
	if n.stopped {
		return ErrNodeClosed
	}
	if n.started {
		return ErrNodeStarted
	}

	n.execCtx, n.execCancel = context.WithCancel(context.Background())
	n.runCtx, n.runCancel = context.WithCancel(context.Background())
	bgCtx, bgCancel := context.WithCancel(context.Background())
	n.bgCancel = bgCancel

	if err := n.register(ctx); err != nil {
		bgCancel()
		n.runCancel()
		n.execCancel()
		return err
	}

	for _, w := range n.workers {
		n.workerWG.Add(1)
		go func(w *Worker) {
			defer n.workerWG.Done()
			w.run(n.runCtx)
		}(w)
	}

	n.bgWG.Add(3)
	go n.heartbeatLoop(bgCtx)
	go n.requestLoop(bgCtx)
	go n.forwardLoop(bgCtx)

	n.started = true
	slog.Info("Node started",
		"nodeID", n.ID(),
		"capability", n.cfg.Capability,
		"workers", len(n.workers),
		"capacity", n.cfg.Capacity)
	return nil
}

// register 向 coordinator 註冊，接收初始批次
func (n *NodeManager) register(ctx context.Context) error {
	var reply types.RegisterReply
	op := func() error {
		var err error
		reply, err = n.up.RegisterNode(ctx, types.Registration{
			NodeID:     n.ID(),
			Capability: n.cfg.Capability,
			Capacity:   n.cfg.Capacity,
			Workers:    len(n.workers),
		})
		if err != nil && ctx.Err() != nil {
			return backoff.Permanent(err)
		}
		return err
	}
	notify := func(err error, wait time.Duration) {
		slog.Warn("Register failed, retrying", "error", err, "backoff", wait)
	}
	if err := backoff.RetryNotify(op, backoff.WithContext(backoff.NewExponentialBackOff(), ctx), notify); err != nil {
		return fmt.Errorf("failed to register node: %w", err)
	}

	n.mu.Lock()
	n.id = reply.NodeID
	if n.interval <= 0 {
		n.interval = reply.HeartbeatInterval
	}
	n.mu.Unlock()

	n.Accept(reply.Batch)
	slog.Info("Node registered", "nodeID", reply.NodeID, "initial_batch", reply.Batch.Len())
	return nil
}

// Accept 將批次放入收件匣並喚醒閒置的 Worker
//
// 返回值：
//   - int: 實際接受的數量（重複分派不計）
func (n *NodeManager) Accept(b types.Batch) int {
	if b.Len() == 0 {
		return 0
	}
	n.mu.Lock()
	accepted := 0
	for _, it := range b.Items {
		if prev, ok := n.held[it.ID]; ok && prev >= it.Attempt {
			slog.Debug("Duplicate dispatch ignored", "itemID", it.ID, "attempt", it.Attempt)
			continue
		}
		n.held[it.ID] = it.Attempt
		n.inbox = append(n.inbox, it)
		accepted++
	}
	n.wakeLocked(accepted)
	n.mu.Unlock()
	return accepted
}

// wakeLocked 喚醒最多 k 個閒置 Worker，呼叫者須持有 mu
func (n *NodeManager) wakeLocked(k int) {
	for ; k > 0 && len(n.idle) > 0; k-- {
		last := len(n.idle) - 1
		w := n.idle[last]
		n.idle = n.idle[:last]
		w.signal()
	}
}

// takeChunk 從收件匣取出一段：第一個直接執行，其餘放進 Worker 的 deque
func (n *NodeManager) takeChunk(w *Worker) (types.WorkItem, bool) {
	n.mu.Lock()
	defer n.mu.Unlock()

	if len(n.inbox) == 0 {
		return types.WorkItem{}, false
	}
	size := n.cfg.InboxChunk
	if size > len(n.inbox) {
		size = len(n.inbox)
	}
	chunk := n.inbox[:size]
	first := chunk[0]

	pushed := 0
	for i := 1; i < len(chunk); i++ {
		it := chunk[i]
		if !w.deque.PushLocal(&it) {
			break
		}
		pushed++
	}
	// deque 滿時剩餘的留在收件匣
	rest := n.inbox[1+pushed:]
	n.inbox = append(make([]types.WorkItem, 0, len(rest)), rest...)

	// 新放入 deque 的工作讓閒置的兄弟 Worker 去竊取
	n.wakeLocked(pushed)
	return first, true
}

// park 將 Worker 標記為閒置；若此時已有工作則返回 false
func (n *NodeManager) park(w *Worker) bool {
	n.mu.Lock()
	if len(n.inbox) > 0 || n.stopping.Load() || n.siblingsHaveWork(w) {
		n.mu.Unlock()
		return false
	}
	for _, idle := range n.idle {
		if idle == w {
			n.mu.Unlock()
			return true
		}
	}
	n.idle = append(n.idle, w)
	n.mu.Unlock()

	n.signalRequest()
	return true
}

// siblingsHaveWork 任一其他 Worker 的 deque 非空
func (n *NodeManager) siblingsHaveWork(self *Worker) bool {
	for _, w := range n.workers {
		if w != self && w.deque.Len() > 0 {
			return true
		}
	}
	return false
}

// signalRequest 觸發一次（合併的）RequestWork
func (n *NodeManager) signalRequest() {
	select {
	case n.requestCh <- struct{}{}:
	default:
	}
}

// status 組合心跳內容
func (n *NodeManager) status() types.Heartbeat {
	n.mu.Lock()
	hb := types.Heartbeat{
		NodeID:      n.id,
		IdleWorkers: len(n.idle),
		LocalQueued: len(n.inbox),
	}
	n.mu.Unlock()

	for _, w := range n.workers {
		hb.LocalQueued += w.deque.Len()
	}
	if len(n.workers) > 0 {
		hb.Load = float64(n.busy.Load()) / float64(len(n.workers))
	}
	return hb
}

// ============================================================================
// 背景迴圈
// ============================================================================

// heartbeatLoop 定期送出心跳，同時觸發未確認結果的重送
func (n *NodeManager) heartbeatLoop(ctx context.Context) {
	defer n.bgWG.Done()

	n.mu.Lock()
	interval := n.interval
	n.mu.Unlock()
	if interval <= 0 {
		interval = 2 * time.Second
	}

	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			reply, err := n.up.Heartbeat(ctx, n.status())
			if err != nil {
				if ctx.Err() == nil {
					slog.Warn("Heartbeat failed", "nodeID", n.ID(), "error", err)
				}
			} else {
				n.handleReply(ctx, reply)
			}
			n.kickOutbox()
		}
	}
}

// requestLoop 在 Worker 閒置時請求工作，兩次請求至少間隔 RequestDebounce
func (n *NodeManager) requestLoop(ctx context.Context) {
	defer n.bgWG.Done()
	for {
		select {
		case <-ctx.Done():
			return
		case <-n.requestCh:
		}

		hb := n.status()
		if hb.IdleWorkers > 0 && hb.LocalQueued == 0 {
			reply, err := n.up.RequestWork(ctx, hb)
			if err != nil {
				if ctx.Err() == nil {
					slog.Warn("Work request failed", "nodeID", hb.NodeID, "error", err)
				}
			} else {
				n.handleReply(ctx, reply)
			}
		}

		select {
		case <-ctx.Done():
			return
		case <-time.After(n.cfg.RequestDebounce):
		}
	}
}

// handleReply 處理心跳或工作請求的回覆
func (n *NodeManager) handleReply(ctx context.Context, reply types.HeartbeatReply) {
	if reply.ReRegister {
		slog.Warn("Coordinator does not know this node, re-registering", "nodeID", n.ID())
		if err := n.register(ctx); err != nil {
			slog.Error("Re-register failed", "error", err)
		}
	}
	n.Accept(reply.Batch)
	if reply.Reclaim > 0 {
		if err := n.reclaim(ctx, reply.Reclaim); err != nil {
			slog.Warn("Reclaim failed", "nodeID", n.ID(), "error", err)
		}
	}
}

// reclaim 從收件匣尾端退回最多 count 個未開始的工作單元
func (n *NodeManager) reclaim(ctx context.Context, count int) error {
	n.mu.Lock()
	if count > len(n.inbox) {
		count = len(n.inbox)
	}
	if count == 0 {
		n.mu.Unlock()
		return nil
	}
	cut := len(n.inbox) - count
	items := append([]types.WorkItem(nil), n.inbox[cut:]...)
	n.inbox = n.inbox[:cut]
	ids := make([]types.ItemID, len(items))
	for i, it := range items {
		ids[i] = it.ID
		delete(n.held, it.ID)
	}
	id := n.id
	n.mu.Unlock()

	if err := n.up.Release(ctx, types.Release{NodeID: id, Items: ids}); err != nil {
		n.mu.Lock()
		for _, it := range items {
			n.held[it.ID] = it.Attempt
		}
		n.inbox = append(n.inbox, items...)
		n.wakeLocked(len(items))
		n.mu.Unlock()
		return err
	}
	slog.Info("Released items for rebalancing", "nodeID", id, "count", len(ids))
	return nil
}

// ============================================================================
// 結果回報
// ============================================================================

// deliver 將結果放入 outbox，不阻塞
func (n *NodeManager) deliver(r types.Result) {
	if n.killed.Load() {
		return
	}
	n.outMu.Lock()
	n.outbox = append(n.outbox, r)
	n.outMu.Unlock()
	n.kickOutbox()
}

func (n *NodeManager) kickOutbox() {
	select {
	case n.outKick <- struct{}{}:
	default:
	}
}

func (n *NodeManager) popOutbox() (types.Result, bool) {
	n.outMu.Lock()
	defer n.outMu.Unlock()
	if len(n.outbox) == 0 {
		return types.Result{}, false
	}
	r := n.outbox[0]
	n.outbox = n.outbox[1:]
	return r, true
}

func (n *NodeManager) requeueOutbox(r types.Result) {
	n.outMu.Lock()
	n.outbox = append([]types.Result{r}, n.outbox...)
	n.outMu.Unlock()
}

// forwardLoop 將結果送往 coordinator，直到被確認
func (n *NodeManager) forwardLoop(ctx context.Context) {
	defer n.bgWG.Done()
	for {
		select {
		case <-ctx.Done():
			return
		case <-n.outKick:
		}
		if err := n.flush(ctx); err != nil && ctx.Err() == nil {
			slog.Warn("Result delivery postponed", "nodeID", n.ID(), "error", err)
		}
	}
}

// flush 依序送出 outbox 中的所有結果；失敗的結果放回隊首
func (n *NodeManager) flush(ctx context.Context) error {
	for {
		r, ok := n.popOutbox()
		if !ok {
			return nil
		}
		if err := n.send(ctx, r); err != nil {
			n.requeueOutbox(r)
			return err
		}
	}
}

// send 以指數退避重試單一結果
func (n *NodeManager) send(ctx context.Context, r types.Result) error {
	if r.NodeID == "" {
		r.NodeID = n.ID()
	}
	b := backoff.NewExponentialBackOff()
	b.MaxElapsedTime = n.cfg.ResultRetry

	var ack types.Ack
	op := func() error {
		var err error
		ack, err = n.up.ReportResult(ctx, r)
		if err != nil && ctx.Err() != nil {
			return backoff.Permanent(err)
		}
		return err
	}
	if err := backoff.Retry(op, backoff.WithContext(b, ctx)); err != nil {
		return fmt.Errorf("failed to report result %s: %w", r.ItemID, err)
	}

	n.mu.Lock()
	if attempt, ok := n.held[r.ItemID]; ok && attempt <= r.Attempt {
		delete(n.held, r.ItemID)
	}
	n.mu.Unlock()
	n.reported.Add(1)
	if ack.Duplicate {
		slog.Debug("Result already recorded", "itemID", r.ItemID)
	}
	return nil
}

// ============================================================================
// 關閉
// ============================================================================

// Shutdown 優雅關閉
//
// 流程：
//  1. 停止心跳與工作請求，不再接收新批次
//  2. Worker 完成目前的探測後退出（ctx 到期時中止探測）
//  3. 收回收件匣與所有 deque 中未開始的工作單元
//  4. 送出剩餘結果，再以 Deregister 退回未開始的工作單元
func (n *NodeManager) Shutdown(ctx context.Context) error {
	n.stateMu.Lock()
	defer n.stateMu.Unlock()
	if !n.started {
		return ErrNodeNotStarted
	}
	if n.stopped {
		return nil
	}
	n.stopped = true

	n.stopping.Store(true)
	n.bgCancel()
	n.bgWG.Wait()

	n.wakeAll()
	done := make(chan struct{})
	go func() {
		n.workerWG.Wait()
		close(done)
	}()
	select {
	case <-done:
	case <-ctx.Done():
		slog.Warn("Shutdown deadline reached, aborting running probes", "nodeID", n.ID())
		n.execCancel()
		n.runCancel()
		<-done
	}

	returned := n.drain()
	flushErr := n.flush(ctx)
	if flushErr != nil {
		slog.Warn("Undelivered results at shutdown", "nodeID", n.ID(), "pending", n.pendingResults(), "error", flushErr)
	}

	id := n.ID()
	op := func() error {
		err := n.up.Deregister(ctx, types.Deregistration{NodeID: id, Returned: returned})
		if err != nil && ctx.Err() != nil {
			return backoff.Permanent(err)
		}
		return err
	}
	err := backoff.Retry(op, backoff.WithContext(backoff.NewExponentialBackOff(), ctx))

	n.execCancel()
	n.runCancel()
	if err != nil {
		return fmt.Errorf("failed to deregister node %s: %w", id, err)
	}
	slog.Info("Node stopped", "nodeID", id, "returned", len(returned), "reported", n.reported.Load())
	return flushErr
}

// Kill 立即終止：不註銷、不回報，執行中的探測被中止
func (n *NodeManager) Kill() {
	n.stateMu.Lock()
	defer n.stateMu.Unlock()
	if !n.started || n.stopped {
		return
	}
	n.stopped = true

	n.killed.Store(true)
	n.stopping.Store(true)
	n.bgCancel()
	n.execCancel()
	n.runCancel()
	n.wakeAll()
	n.bgWG.Wait()
	n.workerWG.Wait()
	slog.Warn("Node killed", "nodeID", n.ID())
}

// Done 節點是否已停止
func (n *NodeManager) Done() bool {
	n.stateMu.Lock()
	defer n.stateMu.Unlock()
	return n.stopped
}

func (n *NodeManager) wakeAll() {
	n.mu.Lock()
	n.idle = nil
	n.mu.Unlock()
	for _, w := range n.workers {
		w.signal()
	}
}

// drain 收回所有未開始的工作單元，僅在 Worker 全部退出後呼叫
func (n *NodeManager) drain() []types.ItemID {
	n.mu.Lock()
	defer n.mu.Unlock()

	var ids []types.ItemID
	for _, it := range n.inbox {
		ids = append(ids, it.ID)
	}
	n.inbox = nil
	for _, w := range n.workers {
		for _, it := range w.deque.Drain() {
			ids = append(ids, it.ID)
		}
	}
	for _, id := range ids {
		delete(n.held, id)
	}
	return ids
}

func (n *NodeManager) pendingResults() int {
	n.outMu.Lock()
	defer n.outMu.Unlock()
	return len(n.outbox)
}

// Stats 返回節點與各 Worker 的狀態
func (n *NodeManager) Stats() NodeStats {
	hb := n.status()
	s := NodeStats{
		ID:            hb.NodeID,
		Workers:       len(n.workers),
		Idle:          hb.IdleWorkers,
		Busy:          int(n.busy.Load()),
		LocalQueued:   hb.LocalQueued,
		PendingReport: n.pendingResults(),
		Reported:      n.reported.Load(),
	}
	n.mu.Lock()
	s.Inbox = len(n.inbox)
	n.mu.Unlock()
	for _, w := range n.workers {
		ws := w.Stats()
		s.Executed += ws.Executed
		s.Stolen += ws.Stolen
		s.StealAttempts += ws.StealAttempts
		s.PerWorker = append(s.PerWorker, ws)
	}
	return s
}
