// Package types 定義了 probe-swarm 系統中使用的核心領域模型
package types

import (
	"fmt"
	"strings"
	"time"
)

// JobID 任務唯一識別碼
type JobID string

// ItemID 工作單元唯一識別碼，格式為 <jobID>/<index>
type ItemID string

// NodeID 節點唯一識別碼
type NodeID string

// NewItemID builds the id of the index-th item of a job.
func NewItemID(jobID JobID, index int) ItemID {
	return ItemID(fmt.Sprintf("%s/%d", jobID, index))
}

// JobOf returns the job part of an item id.
func (id ItemID) JobOf() JobID {
	s := string(id)
	if i := strings.LastIndexByte(s, '/'); i > 0 {
		return JobID(s[:i])
	}
	return ""
}

// JobStatus 任務狀態
type JobStatus string

// 定義任務狀態常數
const (
	StatusPending   JobStatus = "pending"   // 已建立，尚未分派任何工作單元
	StatusRunning   JobStatus = "running"   // 至少一個工作單元已分派
	StatusCompleted JobStatus = "completed" // 所有工作單元到達終止狀態
	StatusFailed    JobStatus = "failed"    // 基礎設施層級失敗（容量耗盡）
	StatusCancelled JobStatus = "cancelled" // 使用者取消
)

// Terminal reports whether the job no longer receives batches.
func (s JobStatus) Terminal() bool {
	return s == StatusCompleted || s == StatusFailed || s == StatusCancelled
}

// OutcomeKind 探測結果類型
type OutcomeKind string

const (
	OutcomeSuccess OutcomeKind = "success" // 探測命中（payload 被反射）
	OutcomeFailure OutcomeKind = "failure" // 目標拒絕或未反射
	OutcomeError   OutcomeKind = "error"   // 執行失敗，可重試
	OutcomeTimeout OutcomeKind = "timeout" // 單項超時
)

// Retryable reports whether the coordinator requeues an item with this outcome.
func (k OutcomeKind) Retryable() bool {
	return k == OutcomeError
}

// Capability 節點能力標籤
type Capability string

const (
	CapabilityLocal   Capability = "local-thread"
	CapabilityRemote  Capability = "remote-process"
	CapabilityElastic Capability = "elastic-cloud"
)

// PointKind describes where a payload is injected.
type PointKind string

const (
	PointURLParam PointKind = "url_param"
	PointForm     PointKind = "form"
	PointHeader   PointKind = "header"
	PointPath     PointKind = "path"
)

// InjectionPoint 注入點描述
type InjectionPoint struct {
	Name      string    `json:"name" yaml:"name"`                               // 參數名稱
	Kind      PointKind `json:"kind" yaml:"kind"`                               // 注入位置
	Method    string    `json:"method,omitempty" yaml:"method,omitempty"`       // HTTP 方法（可選）
	Reflected bool      `json:"reflected,omitempty" yaml:"reflected,omitempty"` // 已知會反射
}

// WorkItem 工作單元：一個 (target, injection point, payload) 組合
// 建立後除 Attempt 外不可變
type WorkItem struct {
	ID        ItemID         `json:"id"`
	JobID     JobID          `json:"job_id"`
	Target    string         `json:"target"`
	Point     InjectionPoint `json:"point"`
	Payload   string         `json:"payload"`
	Attempt   int            `json:"attempt"`
	Priority  int            `json:"priority"`
	Timeout   time.Duration  `json:"timeout"`
	CreatedAt int64          `json:"created_at"` // Unix 毫秒
}

// JobSpec 任務提交內容
type JobSpec struct {
	Target          string           `json:"target" yaml:"target"`
	InjectionPoints []InjectionPoint `json:"injection_points" yaml:"injection_points"`
	Payloads        []string         `json:"payloads" yaml:"payloads"`
	DesiredWorkers  int              `json:"desired_workers,omitempty" yaml:"desired_workers,omitempty"`
	ItemTimeout     time.Duration    `json:"item_timeout,omitempty" yaml:"item_timeout,omitempty"`
}

// Result 探測結果，每個工作單元終止時恰好產生一次
type Result struct {
	ItemID   ItemID        `json:"item_id"`
	JobID    JobID         `json:"job_id"`
	NodeID   NodeID        `json:"node_id,omitempty"`
	Attempt  int           `json:"attempt"`
	Outcome  OutcomeKind   `json:"outcome"`
	Evidence []byte        `json:"evidence,omitempty"`
	Latency  time.Duration `json:"latency"`
	Error    string        `json:"error,omitempty"`
}

// Counts 工作單元狀態統計
type Counts struct {
	Total        int `json:"total"`
	Queued       int `json:"queued"`
	InFlight     int `json:"in_flight"`
	Succeeded    int `json:"succeeded"`
	Failed       int `json:"failed"`
	Errored      int `json:"errored"`       // Error + Timeout 終止，含死信
	TimedOut     int `json:"timed_out"`     // Errored 的子集
	DeadLettered int `json:"dead_lettered"` // Errored 的子集
	Cancelled    int `json:"cancelled"`
}

// Terminal 終止狀態總數
func (c Counts) Terminal() int {
	return c.Succeeded + c.Failed + c.Errored + c.Cancelled
}

// Conserved reports whether queued + in-flight + terminal equals total.
func (c Counts) Conserved() bool {
	return c.Queued+c.InFlight+c.Terminal() == c.Total
}

// JobReport 任務狀態查詢結果
type JobReport struct {
	ID                 JobID         `json:"id"`
	Target             string        `json:"target"`
	Status             JobStatus     `json:"status"`
	Counts             Counts        `json:"counts"`
	WaitingForCapacity bool          `json:"waiting_for_capacity"`
	Progress           float64       `json:"progress_percent"`
	ETA                time.Duration `json:"eta"`
	PayloadsTested     int           `json:"payloads_tested"`
	Findings           int           `json:"findings"`
	CreatedAt          int64         `json:"created_at"`
	FinishedAt         int64         `json:"finished_at,omitempty"`
}

// NodeInfo 節點註冊資訊（WorkerHandle）
type NodeInfo struct {
	ID            NodeID        `json:"id"`
	Capability    Capability    `json:"capability"`
	Capacity      int           `json:"capacity"`
	Workers       int           `json:"workers"`
	IdleWorkers   int           `json:"idle_workers"`
	LocalQueued   int           `json:"local_queued"`
	Load          float64       `json:"load"`
	Assigned      int           `json:"assigned"`
	LastHeartbeat int64         `json:"last_heartbeat"` // Unix 毫秒
	Completed     int           `json:"completed"`
	Failed        int           `json:"failed"`
	Errored       int           `json:"errored"`
	AvgLatency    time.Duration `json:"avg_latency"`
}
