package types

import "time"

// ============================================================================
// Coordinator ⇄ Node Manager 訊息
// ============================================================================

// Registration 節點註冊請求
type Registration struct {
	NodeID     NodeID     `json:"node_id"` // 空字串時由 coordinator 指派
	Capability Capability `json:"capability"`
	Capacity   int        `json:"capacity"` // 宣告的同時執行上限
	Workers    int        `json:"workers"`
}

// RegisterReply 節點註冊回應，附帶初始批次
type RegisterReply struct {
	NodeID            NodeID        `json:"node_id"`
	HeartbeatInterval time.Duration `json:"heartbeat_interval"`
	Batch             Batch         `json:"batch"`
}

// Heartbeat 心跳，同時作為 RequestWork 的請求
type Heartbeat struct {
	NodeID      NodeID  `json:"node_id"`
	IdleWorkers int     `json:"idle_workers"`
	Load        float64 `json:"load"`
	LocalQueued int     `json:"local_queued"`
}

// HeartbeatReply 心跳回應
type HeartbeatReply struct {
	Batch      Batch `json:"batch"`
	ReRegister bool  `json:"re_register,omitempty"` // 節點未知，需要重新註冊
	Reclaim    int   `json:"reclaim,omitempty"`     // 請節點退回最多 N 個未開始的工作單元
}

// Batch 一批分派給節點的工作單元
//
// JobID 在所有工作單元屬於同一任務時設定，否則為空；每個 WorkItem 自帶 JobID。
type Batch struct {
	JobID JobID      `json:"job_id,omitempty"`
	Items []WorkItem `json:"items,omitempty"`
}

// NewBatch builds a batch, setting JobID when all items share one job.
func NewBatch(items []WorkItem) Batch {
	b := Batch{Items: items}
	for i, it := range items {
		if i == 0 {
			b.JobID = it.JobID
		} else if it.JobID != b.JobID {
			b.JobID = ""
			break
		}
	}
	return b
}

// Len returns the number of items.
func (b Batch) Len() int { return len(b.Items) }

// Ack 結果回報確認
type Ack struct {
	Duplicate bool `json:"duplicate,omitempty"` // 已記錄過（或過期），無副作用
}

// Release 節點退回未開始的工作單元（reclaim）
type Release struct {
	NodeID NodeID   `json:"node_id"`
	Items  []ItemID `json:"items"`
}

// Deregistration 節點優雅離線，附帶退回的工作單元
type Deregistration struct {
	NodeID   NodeID   `json:"node_id"`
	Returned []ItemID `json:"returned,omitempty"`
}
