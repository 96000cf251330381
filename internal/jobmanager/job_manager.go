// ============================================================================
// Probe-Swarm 任務管理器 - 工作單元狀態機實現
// ============================================================================
//
// Package: internal/jobmanager
// 文件: job_manager.go
// 功能: 管理 Job 與其 WorkItem 的完整生命週期和狀態轉換
//
// 設計理念:
//   1. items map - 工作單元的單一真實來源，Status 欄位標識狀態
//   2. queue - 全域溢出佇列，FIFO，延遲刪除（lazy deletion）
//   3. byNode - 節點 → 已分派工作單元的索引，用於孤兒回收
//   4. Job.Counts 隨每次轉換增量維護，保證 queued + in_flight + terminal == total
//
// 工作單元狀態轉換 (State Machine):
//
//   Queued ──Dispatch()──▶ InFlight ──Complete()──▶ Terminal
//     ▲                      │  │
//     └──Release()───────────┘  └──Fail()── attempt+1 ──▶ Queued / Terminal(dead)
//
//   Queued ──Complete()──▶ Terminal   (遲到的結果，佇列中的舊項目被略過)
//   Queued ──Cancel()────▶ Terminal(cancelled)
//
// 並發安全:
//   - 不加鎖。JobManager 只由 coordinator 的命令迴圈擁有與呼叫。
//
// 快照支持:
//   - Snapshot() / Restore() 用於 coordinator 重啟恢復。
//
// ============================================================================

package jobmanager

import (
	"errors"
	"sort"
	"time"

	"github.com/ChuLiYu/probe-swarm/pkg/types"
)

// ============================================================================
// 錯誤定義
// ============================================================================

var (
	// 任務 ID 重複錯誤
	ErrDuplicateJob = errors.New("job already exists")
	// 任務不存在
	ErrJobNotFound = errors.New("job not found")
	// 工作單元不存在（或已歸檔）
	ErrItemNotFound = errors.New("work item not found")
	// 工作單元不在執行中狀態
	ErrNotInFlight = errors.New("work item not in flight")
	// 工作單元已到達終止狀態
	ErrAlreadyTerminal = errors.New("work item already terminal")
	// 工作單元分派給其他節點
	ErrWrongNode = errors.New("work item assigned to another node")
	// 任務仍有未終止的工作單元
	ErrNotFinished = errors.New("job has live work items")
)

// ============================================================================
// 資料結構定義
// ============================================================================

// ItemStatus 工作單元狀態
type ItemStatus string

const (
	ItemQueued   ItemStatus = "queued"
	ItemInFlight ItemStatus = "in_flight"
	ItemTerminal ItemStatus = "terminal"
)

// Bucket 終止狀態分類
type Bucket string

const (
	BucketSucceeded    Bucket = "succeeded"
	BucketFailed       Bucket = "failed"
	BucketErrored      Bucket = "errored"
	BucketTimedOut     Bucket = "timed_out"
	BucketDeadLettered Bucket = "dead_lettered"
	BucketCancelled    Bucket = "cancelled"
)

// BucketFor maps a terminal outcome to its bucket.
func BucketFor(kind types.OutcomeKind) Bucket {
	switch kind {
	case types.OutcomeSuccess:
		return BucketSucceeded
	case types.OutcomeFailure:
		return BucketFailed
	case types.OutcomeTimeout:
		return BucketTimedOut
	default:
		return BucketErrored
	}
}

// Item 工作單元記錄
type Item struct {
	types.WorkItem
	Status ItemStatus   `json:"status"`
	Bucket Bucket       `json:"bucket,omitempty"`
	Node   types.NodeID `json:"node,omitempty"`
	// 被分派的次數；從未分派的工作單元不接受結果
	Dispatches int `json:"dispatches,omitempty"`

	seq uint64 // 最近一次入列的序號，用於判斷佇列項目是否過期
}

// Job 任務記錄
type Job struct {
	ID         types.JobID     `json:"id"`
	Spec       types.JobSpec   `json:"spec"`
	Status     types.JobStatus `json:"status"`
	Counts     types.Counts    `json:"counts"`
	CreatedAt  int64           `json:"created_at"`
	StartedAt  int64           `json:"started_at,omitempty"`
	FinishedAt int64           `json:"finished_at,omitempty"`
	Archived   bool            `json:"archived,omitempty"`

	items []types.ItemID
}

type queueEntry struct {
	id  types.ItemID
	seq uint64
}

// JobManager 代表任務管理器
type JobManager struct {
	jobs   map[types.JobID]*Job
	order  []types.JobID // 提交順序
	items  map[types.ItemID]*Item
	byNode map[types.NodeID]map[types.ItemID]struct{}

	queue  []queueEntry // 全域佇列（含過期項目）
	head   int
	queued int // 佇列中有效項目數
	seq    uint64
}

// SnapshotData 快照資料
type SnapshotData struct {
	Jobs      []JobSnapshot `json:"jobs"`
	SchemaVer int           `json:"schema_version"`
}

// JobSnapshot 單一任務的快照，已歸檔的任務不含 Items
type JobSnapshot struct {
	Job   Job    `json:"job"`
	Items []Item `json:"items,omitempty"`
}

// NewJobManager 建立新的任務管理器實例
func NewJobManager() *JobManager {
	return &JobManager{
		jobs:   make(map[types.JobID]*Job),
		items:  make(map[types.ItemID]*Item),
		byNode: make(map[types.NodeID]map[types.ItemID]struct{}),
	}
}

// ============================================================================
// 任務層級操作
// ============================================================================

// AddJob 加入新任務及其工作單元，全部進入全域佇列（依傳入順序）
//
// 參數說明：
//   - id: 任務 ID
//   - spec: 任務內容
//   - items: 已切分好的工作單元
//   - now: 建立時間
//
// 錯誤處理：
//   - ErrDuplicateJob: 任務 ID 已存在
func (jm *JobManager) AddJob(id types.JobID, spec types.JobSpec, items []types.WorkItem, now time.Time) error {
	if _, exists := jm.jobs[id]; exists {
		return ErrDuplicateJob
	}

	job := &Job{
		ID:        id,
		Spec:      spec,
		Status:    types.StatusPending,
		CreatedAt: now.UnixMilli(),
		items:     make([]types.ItemID, 0, len(items)),
	}
	job.Counts.Total = len(items)
	jm.jobs[id] = job
	jm.order = append(jm.order, id)

	for i := range items {
		it := &Item{WorkItem: items[i], Status: ItemQueued}
		jm.items[it.ID] = it
		job.items = append(job.items, it.ID)
		job.Counts.Queued++
		jm.push(it)
	}
	return nil
}

// Job 取得任務記錄（副本）
func (jm *JobManager) Job(id types.JobID) (Job, bool) {
	job, ok := jm.jobs[id]
	if !ok {
		return Job{}, false
	}
	return *job, true
}

// Jobs 依提交順序列出所有任務（副本）
func (jm *JobManager) Jobs() []Job {
	out := make([]Job, 0, len(jm.order))
	for _, id := range jm.order {
		if job, ok := jm.jobs[id]; ok {
			out = append(out, *job)
		}
	}
	return out
}

// Cancel 取消任務：佇列中的工作單元變成 cancelled，執行中的繼續跑完
//
// 返回值：
//   - int: 被取消的佇列工作單元數量
func (jm *JobManager) Cancel(id types.JobID, now time.Time) (int, error) {
	return jm.stop(id, types.StatusCancelled, now)
}

// FailJob 以基礎設施失敗結束任務（例如等待容量超時），佇列中的工作單元變成 cancelled
func (jm *JobManager) FailJob(id types.JobID, now time.Time) (int, error) {
	return jm.stop(id, types.StatusFailed, now)
}

func (jm *JobManager) stop(id types.JobID, status types.JobStatus, now time.Time) (int, error) {
	job, ok := jm.jobs[id]
	if !ok {
		return 0, ErrJobNotFound
	}
	if job.Status.Terminal() {
		return 0, nil
	}

	dropped := 0
	for _, itemID := range job.items {
		it := jm.items[itemID]
		if it == nil || it.Status != ItemQueued {
			continue
		}
		it.Status = ItemTerminal
		it.Bucket = BucketCancelled
		job.Counts.Queued--
		job.Counts.Cancelled++
		jm.queued--
		dropped++
	}
	job.Status = status
	if job.Counts.InFlight == 0 {
		job.FinishedAt = now.UnixMilli()
	}
	return dropped, nil
}

// Finished reports whether every item of the job is terminal.
func (jm *JobManager) Finished(id types.JobID) bool {
	job, ok := jm.jobs[id]
	if !ok {
		return false
	}
	return job.Counts.Terminal() == job.Counts.Total
}

// MarkCompleted 將所有工作單元皆終止的任務標記為 Completed（Cancelled/Failed 保留原狀態）
func (jm *JobManager) MarkCompleted(id types.JobID, now time.Time) {
	job, ok := jm.jobs[id]
	if !ok || !jm.Finished(id) {
		return
	}
	if !job.Status.Terminal() {
		job.Status = types.StatusCompleted
	}
	if job.FinishedAt == 0 {
		job.FinishedAt = now.UnixMilli()
	}
}

// Archive 丟棄任務的工作單元，只保留摘要計數
func (jm *JobManager) Archive(id types.JobID) error {
	job, ok := jm.jobs[id]
	if !ok {
		return ErrJobNotFound
	}
	if !jm.Finished(id) {
		return ErrNotFinished
	}
	for _, itemID := range job.items {
		if it := jm.items[itemID]; it != nil && it.Node != "" {
			jm.unassign(it)
		}
		delete(jm.items, itemID)
	}
	job.items = nil
	job.Archived = true
	return nil
}

// ============================================================================
// 工作單元層級操作
// ============================================================================

// Dispatch 從全域佇列取出最多 n 個工作單元並標記為分派給 node
//
// 已取消/失敗任務的項目與過期佇列項目會被略過。
func (jm *JobManager) Dispatch(n int, node types.NodeID, now time.Time) []types.WorkItem {
	if n <= 0 {
		return nil
	}
	var out []types.WorkItem
	for len(out) < n && jm.head < len(jm.queue) {
		entry := jm.queue[jm.head]
		jm.queue[jm.head] = queueEntry{}
		jm.head++

		it, ok := jm.items[entry.id]
		if !ok || it.Status != ItemQueued || it.seq != entry.seq {
			continue
		}
		job := jm.jobs[it.JobID]

		it.Status = ItemInFlight
		it.Node = node
		it.Dispatches++
		jm.assign(it)
		jm.queued--
		job.Counts.Queued--
		job.Counts.InFlight++
		if job.Status == types.StatusPending {
			job.Status = types.StatusRunning
		}
		if job.StartedAt == 0 {
			job.StartedAt = now.UnixMilli()
		}
		out = append(out, it.WorkItem)
	}
	jm.compact()
	return out
}

// Release 將節點退回的未執行工作單元放回全域佇列尾端，attempt 不變
func (jm *JobManager) Release(id types.ItemID, node types.NodeID) error {
	it, ok := jm.items[id]
	if !ok {
		return ErrItemNotFound
	}
	if it.Status != ItemInFlight {
		return ErrNotInFlight
	}
	if it.Node != node {
		return ErrWrongNode
	}
	jm.requeue(it)
	return nil
}

// Fail 執行失敗或節點失聯：attempt+1，未超過 maxRetries 則重新排隊，否則進入死信
//
// 返回值：
//   - bool: 是否進入死信
func (jm *JobManager) Fail(id types.ItemID, maxRetries int) (bool, error) {
	it, ok := jm.items[id]
	if !ok {
		return false, ErrItemNotFound
	}
	if it.Status != ItemInFlight {
		return false, ErrNotInFlight
	}
	it.Attempt++
	if it.Attempt > maxRetries {
		jm.finish(it, BucketDeadLettered)
		return true, nil
	}
	jm.requeue(it)
	return false, nil
}

// RestoreAttempt 重放 RETRY 事件時提高工作單元的 attempt，attempt 只增不減
func (jm *JobManager) RestoreAttempt(id types.ItemID, attempt int) error {
	it, ok := jm.items[id]
	if !ok {
		return ErrItemNotFound
	}
	if it.Status == ItemTerminal {
		return ErrAlreadyTerminal
	}
	if attempt > it.Attempt {
		it.Attempt = attempt
	}
	return nil
}

// Complete 將工作單元標記為終止。佇列中的工作單元（遲到的結果）同樣接受。
//
// 錯誤處理：
//   - ErrItemNotFound: 工作單元不存在
//   - ErrAlreadyTerminal: 重複結果
func (jm *JobManager) Complete(id types.ItemID, bucket Bucket) error {
	it, ok := jm.items[id]
	if !ok {
		return ErrItemNotFound
	}
	if it.Status == ItemTerminal {
		return ErrAlreadyTerminal
	}
	jm.finish(it, bucket)
	return nil
}

// Item 取得工作單元記錄（副本）
func (jm *JobManager) Item(id types.ItemID) (Item, bool) {
	it, ok := jm.items[id]
	if !ok {
		return Item{}, false
	}
	return *it, true
}

// AssignedTo 取得分派給節點的所有執行中工作單元，依 ID 排序
func (jm *JobManager) AssignedTo(node types.NodeID) []types.ItemID {
	set := jm.byNode[node]
	out := make([]types.ItemID, 0, len(set))
	for id := range set {
		out = append(out, id)
	}
	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	return out
}

// Assigned 分派給節點的執行中工作單元數量
func (jm *JobManager) Assigned(node types.NodeID) int {
	return len(jm.byNode[node])
}

// QueueLen 全域佇列中有效的工作單元數量
func (jm *JobManager) QueueLen() int {
	return jm.queued
}

// InFlight 所有執行中工作單元數量
func (jm *JobManager) InFlight() int {
	n := 0
	for _, set := range jm.byNode {
		n += len(set)
	}
	return n
}

// Stats 取得全域統計資訊
func (jm *JobManager) Stats() map[string]int {
	stats := map[string]int{
		"jobs":      len(jm.jobs),
		"queued":    jm.queued,
		"in_flight": jm.InFlight(),
		"nodes":     len(jm.byNode),
	}
	return stats
}

// ============================================================================
// 內部輔助方法
// ============================================================================

func (jm *JobManager) push(it *Item) {
	jm.seq++
	it.seq = jm.seq
	jm.queue = append(jm.queue, queueEntry{id: it.ID, seq: it.seq})
	jm.queued++
}

func (jm *JobManager) requeue(it *Item) {
	job := jm.jobs[it.JobID]
	jm.unassign(it)
	job.Counts.InFlight--

	if job.Status.Terminal() {
		// 已取消或失敗的任務不再排隊
		it.Status = ItemTerminal
		it.Bucket = BucketCancelled
		job.Counts.Cancelled++
		jm.touchFinished(job)
		return
	}
	it.Status = ItemQueued
	job.Counts.Queued++
	jm.push(it)
}

func (jm *JobManager) finish(it *Item, bucket Bucket) {
	job := jm.jobs[it.JobID]
	switch it.Status {
	case ItemQueued:
		job.Counts.Queued--
		jm.queued--
	case ItemInFlight:
		job.Counts.InFlight--
		jm.unassign(it)
	}
	it.Status = ItemTerminal
	it.Bucket = bucket

	switch bucket {
	case BucketSucceeded:
		job.Counts.Succeeded++
	case BucketFailed:
		job.Counts.Failed++
	case BucketTimedOut:
		job.Counts.Errored++
		job.Counts.TimedOut++
	case BucketDeadLettered:
		job.Counts.Errored++
		job.Counts.DeadLettered++
	case BucketCancelled:
		job.Counts.Cancelled++
	default:
		job.Counts.Errored++
	}
	jm.touchFinished(job)
}

func (jm *JobManager) touchFinished(job *Job) {
	if job.Status.Terminal() && job.Counts.InFlight == 0 && job.FinishedAt == 0 {
		job.FinishedAt = time.Now().UnixMilli()
	}
}

func (jm *JobManager) assign(it *Item) {
	set, ok := jm.byNode[it.Node]
	if !ok {
		set = make(map[types.ItemID]struct{})
		jm.byNode[it.Node] = set
	}
	set[it.ID] = struct{}{}
}

func (jm *JobManager) unassign(it *Item) {
	if set, ok := jm.byNode[it.Node]; ok {
		delete(set, it.ID)
		if len(set) == 0 {
			delete(jm.byNode, it.Node)
		}
	}
	it.Node = ""
}

// compact 回收已消費的佇列前段
func (jm *JobManager) compact() {
	if jm.head == len(jm.queue) {
		jm.queue = jm.queue[:0]
		jm.head = 0
		return
	}
	if jm.head > 1024 && jm.head > len(jm.queue)/2 {
		n := copy(jm.queue, jm.queue[jm.head:])
		jm.queue = jm.queue[:n]
		jm.head = 0
	}
}

// ============================================================================
// 快照與恢復相關方法
// ============================================================================

// Snapshot 生成快照資料（深拷貝）
func (jm *JobManager) Snapshot() SnapshotData {
	data := SnapshotData{SchemaVer: 1, Jobs: make([]JobSnapshot, 0, len(jm.order))}
	for _, id := range jm.order {
		job, ok := jm.jobs[id]
		if !ok {
			continue
		}
		js := JobSnapshot{Job: *job}
		js.Job.items = nil
		for _, itemID := range job.items {
			if it := jm.items[itemID]; it != nil {
				js.Items = append(js.Items, *it)
			}
		}
		data.Jobs = append(data.Jobs, js)
	}
	return data
}

// Restore 從快照恢復狀態
//
// 執行中的工作單元一律放回佇列（attempt 不變），節點分派關係不保留。
// 佇列順序依任務提交順序與工作單元索引重建。
func (jm *JobManager) Restore(data SnapshotData) error {
	*jm = *NewJobManager()

	for _, js := range data.Jobs {
		job := js.Job
		job.items = make([]types.ItemID, 0, len(js.Items))
		jm.jobs[job.ID] = &job
		jm.order = append(jm.order, job.ID)

		for i := range js.Items {
			it := js.Items[i]
			it.Node = ""
			switch it.Status {
			case ItemInFlight:
				job.Counts.InFlight--
				if job.Status.Terminal() {
					it.Status = ItemTerminal
					it.Bucket = BucketCancelled
					job.Counts.Cancelled++
				} else {
					it.Status = ItemQueued
					job.Counts.Queued++
				}
			}
			item := it
			jm.items[item.ID] = &item
			job.items = append(job.items, item.ID)
			if item.Status == ItemQueued {
				jm.push(&item)
			}
		}
		if job.Status.Terminal() && job.Counts.InFlight == 0 && job.FinishedAt == 0 {
			job.FinishedAt = time.Now().UnixMilli()
		}
	}
	return nil
}
