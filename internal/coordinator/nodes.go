package coordinator

import (
	"context"
	"errors"
	"log/slog"
	"sort"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel/attribute"

	"github.com/ChuLiYu/probe-swarm/internal/jobmanager"
	"github.com/ChuLiYu/probe-swarm/internal/storage/wal"
	"github.com/ChuLiYu/probe-swarm/internal/tracing"
	"github.com/ChuLiYu/probe-swarm/pkg/types"
)

// ============================================================================
// 節點註冊表與負載平衡
// ============================================================================

// node 節點狀態（WorkerHandle）
type node struct {
	info     types.NodeInfo
	lastSeen time.Time
	reclaim  int // 下一次回應要求節點退回的工作單元數
}

// starved 有閒置 worker 且本地佇列為空
func (n *node) starved() bool {
	return n.info.IdleWorkers > 0 && n.info.LocalQueued == 0
}

// observe 以 EWMA（0.9 / 0.1）更新節點統計
func (n *node) observe(r types.Result) {
	switch r.Outcome {
	case types.OutcomeSuccess:
		n.info.Completed++
	case types.OutcomeFailure:
		n.info.Completed++
		n.info.Failed++
	default:
		n.info.Errored++
	}
	if n.info.AvgLatency == 0 {
		n.info.AvgLatency = r.Latency
	} else {
		n.info.AvgLatency = time.Duration(0.9*float64(n.info.AvgLatency) + 0.1*float64(r.Latency))
	}
}

// RegisterNode 註冊節點並回傳依宣告容量分派的初始批次
//
// 已知節點重新註冊時保留原有的分派關係。
func (c *Coordinator) RegisterNode(ctx context.Context, reg types.Registration) (types.RegisterReply, error) {
	if reg.Workers < 0 || reg.Capacity < 0 {
		return types.RegisterReply{}, &ValidationError{Field: "capacity", Reason: "must not be negative"}
	}
	switch reg.Capability {
	case "":
		reg.Capability = types.CapabilityRemote
	case types.CapabilityLocal, types.CapabilityRemote, types.CapabilityElastic:
	default:
		return types.RegisterReply{}, &ValidationError{Field: "capability", Reason: "unsupported " + string(reg.Capability)}
	}
	if reg.Capacity == 0 {
		reg.Capacity = reg.Workers
	}
	if reg.Capacity == 0 {
		reg.Capacity = 1
	}

	var reply types.RegisterReply
	err := c.do(ctx, func() {
		id := reg.NodeID
		if id == "" {
			id = types.NodeID("node-" + uuid.NewString())
		}
		now := c.now()

		n, known := c.nodes[id]
		if !known {
			n = &node{info: types.NodeInfo{ID: id}}
			c.nodes[id] = n
		}
		n.info.Capability = reg.Capability
		n.info.Capacity = reg.Capacity
		n.info.Workers = reg.Workers
		n.info.IdleWorkers = reg.Capacity
		n.info.LocalQueued = 0
		n.info.LastHeartbeat = now.UnixMilli()
		n.lastSeen = now

		size := reg.Capacity - c.jobs.Assigned(id)
		if limit := c.batchLimit(n); size > limit {
			size = limit
		}
		reply = types.RegisterReply{
			NodeID:            id,
			HeartbeatInterval: c.cfg.HeartbeatInterval,
			Batch:             c.dispatch(ctx, n, size),
		}
		slog.Info("Node registered",
			"nodeID", id,
			"capability", reg.Capability,
			"capacity", reg.Capacity,
			"workers", reg.Workers,
			"reregistered", known,
			"batch", reply.Batch.Len())
	})
	return reply, err
}

// Heartbeat 更新節點存活與負載，回傳依閒置 worker 數分派的批次
func (c *Coordinator) Heartbeat(ctx context.Context, hb types.Heartbeat) (types.HeartbeatReply, error) {
	return c.exchange(ctx, hb)
}

// RequestWork 飢餓節點在心跳之間主動要求工作，分派規則與心跳相同
func (c *Coordinator) RequestWork(ctx context.Context, req types.Heartbeat) (types.HeartbeatReply, error) {
	return c.exchange(ctx, req)
}

func (c *Coordinator) exchange(ctx context.Context, hb types.Heartbeat) (types.HeartbeatReply, error) {
	if hb.IdleWorkers < 0 || hb.LocalQueued < 0 {
		return types.HeartbeatReply{}, &ValidationError{Field: "heartbeat", Reason: "counts must not be negative"}
	}

	var reply types.HeartbeatReply
	err := c.do(ctx, func() {
		n, ok := c.nodes[hb.NodeID]
		if !ok {
			reply.ReRegister = true
			return
		}
		now := c.now()
		n.lastSeen = now
		n.info.LastHeartbeat = now.UnixMilli()
		n.info.IdleWorkers = hb.IdleWorkers
		n.info.LocalQueued = hb.LocalQueued
		n.info.Load = hb.Load

		reply.Reclaim = n.reclaim
		n.reclaim = 0

		reply.Batch = c.dispatch(ctx, n, c.batchSize(n))
		if c.jobs.QueueLen() == 0 && n.starved() && reply.Batch.Len() == 0 {
			c.planReclaim(n)
		}
	})
	return reply, err
}

// batchLimit 單次分派上限；elastic 節點以宣告容量為上限
func (c *Coordinator) batchLimit(n *node) int {
	if n.info.Capability == types.CapabilityElastic {
		return n.info.Capacity
	}
	return c.cfg.MaxBatch
}

// batchSize 批次大小 = idle - localQueued，限制在 [0, batchLimit]
//
// 非飢餓節點只能拿走扣除其他飢餓節點閒置數之後剩下的部分，
// 讓閒置且本地佇列為空的節點優先取得工作。
func (c *Coordinator) batchSize(n *node) int {
	size := n.info.IdleWorkers - n.info.LocalQueued
	if size <= 0 {
		return 0
	}
	if limit := c.batchLimit(n); size > limit {
		size = limit
	}
	if n.starved() {
		return size
	}
	reserve := 0
	for id, other := range c.nodes {
		if id != n.info.ID && other.starved() {
			reserve += other.info.IdleWorkers
		}
	}
	if avail := c.jobs.QueueLen() - reserve; avail < size {
		size = avail
	}
	if size < 0 {
		return 0
	}
	return size
}

// planReclaim 全域佇列為空且有節點飢餓時，要求最飽和的節點退回一半本地佇列
func (c *Coordinator) planReclaim(requester *node) {
	var victim *node
	for id, n := range c.nodes {
		if id == requester.info.ID || n.reclaim > 0 || n.info.LocalQueued <= c.cfg.StealThreshold {
			continue
		}
		if victim == nil || n.info.LocalQueued > victim.info.LocalQueued ||
			(n.info.LocalQueued == victim.info.LocalQueued && n.info.ID < victim.info.ID) {
			victim = n
		}
	}
	if victim == nil {
		return
	}
	victim.reclaim = victim.info.LocalQueued / 2
	slog.Debug("Cross-node steal planned",
		"from", victim.info.ID,
		"for", requester.info.ID,
		"reclaim", victim.reclaim)
}

// dispatch 從全域佇列取出最多 size 個工作單元分派給節點
func (c *Coordinator) dispatch(ctx context.Context, n *node, size int) types.Batch {
	if size <= 0 {
		return types.Batch{}
	}
	items := c.jobs.Dispatch(size, n.info.ID, c.now())
	if len(items) == 0 {
		return types.Batch{}
	}
	_, span := tracing.StartSpan(ctx, "coordinator.dispatch",
		attribute.String("nodeID", string(n.info.ID)),
		attribute.Int("items", len(items)))
	defer span.End()

	n.info.LocalQueued += len(items)
	if n.info.IdleWorkers >= len(items) {
		n.info.IdleWorkers -= len(items)
	} else {
		n.info.IdleWorkers = 0
	}
	c.metrics.RecordDispatch(len(items))
	slog.Debug("Batch dispatched", "nodeID", n.info.ID, "items", len(items))
	return types.NewBatch(items)
}

// Release 節點退回未開始的工作單元（reclaim），放回全域佇列尾端，attempt 不變
func (c *Coordinator) Release(ctx context.Context, rel types.Release) error {
	var cmdErr error
	err := c.do(ctx, func() {
		n, ok := c.nodes[rel.NodeID]
		if !ok {
			cmdErr = ErrUnknownNode
			return
		}
		released := c.release(rel.NodeID, rel.Items)
		n.info.LocalQueued -= released
		if n.info.LocalQueued < 0 {
			n.info.LocalQueued = 0
		}
		c.metrics.RecordSteal("reclaim", released)
		slog.Debug("Items released", "nodeID", rel.NodeID, "items", released)
	})
	if err != nil {
		return err
	}
	return cmdErr
}

func (c *Coordinator) release(nodeID types.NodeID, ids []types.ItemID) int {
	released := 0
	for _, id := range ids {
		err := c.jobs.Release(id, nodeID)
		switch {
		case err == nil:
			released++
			c.settle(id.JobOf())
		case errors.Is(err, jobmanager.ErrItemNotFound),
			errors.Is(err, jobmanager.ErrNotInFlight),
			errors.Is(err, jobmanager.ErrWrongNode):
			// 已終止、已被回收或已歸檔
		default:
			slog.Error("Failed to release item", "nodeID", nodeID, "itemID", id, "error", err)
		}
	}
	return released
}

// Deregister 節點優雅離線：退回的工作單元重新排隊（attempt 不變），其餘分派視為孤兒
func (c *Coordinator) Deregister(ctx context.Context, d types.Deregistration) error {
	var cmdErr error
	err := c.do(ctx, func() {
		if _, ok := c.nodes[d.NodeID]; !ok {
			cmdErr = ErrUnknownNode
			return
		}
		returned := c.release(d.NodeID, d.Returned)
		orphaned := c.jobs.Assigned(d.NodeID)
		c.removeNode(d.NodeID)
		slog.Info("Node deregistered", "nodeID", d.NodeID, "returned", returned, "orphaned", orphaned)
	})
	if err != nil {
		return err
	}
	return cmdErr
}

// removeNode 移除節點，所有仍分派給它的工作單元 attempt+1 後重新排隊或進入死信
func (c *Coordinator) removeNode(id types.NodeID) {
	delete(c.nodes, id)
	assigned := c.jobs.AssignedTo(id)
	for _, itemID := range assigned {
		c.failItem(itemID, types.Result{
			ItemID:  itemID,
			JobID:   itemID.JobOf(),
			NodeID:  id,
			Outcome: types.OutcomeError,
			Error:   ErrNodeUnreachable.Error(),
		})
	}
	c.metrics.RecordOrphaned(len(assigned))
	for _, itemID := range assigned {
		c.settle(itemID.JobOf())
	}
}

// failItem 執行錯誤或節點失聯：attempt+1，超過上限時進入死信並記錄一筆 Error 結果
func (c *Coordinator) failItem(id types.ItemID, r types.Result) {
	it, ok := c.jobs.Item(id)
	if !ok || it.Status != jobmanager.ItemInFlight {
		return
	}
	attempt := it.Attempt + 1
	dead := attempt > c.cfg.MaxRetries
	r.Attempt = attempt
	r.JobID = it.JobID

	ev := wal.Event{Type: wal.EventRetry, JobID: it.JobID, ItemID: id, Attempt: attempt}
	if dead {
		ev.Type = wal.EventDead
		ev.Result = &r
	}
	if err := c.journal(ev, false); err != nil {
		slog.Error("Failed to append event", "type", ev.Type, "itemID", id, "error", err)
		return
	}
	if _, err := c.jobs.Fail(id, c.cfg.MaxRetries); err != nil {
		slog.Error("Failed to fail item", "itemID", id, "error", err)
		return
	}

	if !dead {
		c.metrics.RecordRetry()
		slog.Debug("Item requeued", "itemID", id, "attempt", attempt)
		return
	}
	c.metrics.RecordDead()
	c.metrics.RecordResult(string(r.Outcome), r.Latency)
	c.agg.Record(r)
	c.report.Submit(r)
	slog.Warn("Item dead-lettered", "jobID", it.JobID, "itemID", id, "attempt", attempt, "error", r.Error)
}

// Nodes 依 ID 排序列出所有已註冊節點
func (c *Coordinator) Nodes(ctx context.Context) ([]types.NodeInfo, error) {
	var out []types.NodeInfo
	err := c.do(ctx, func() {
		out = make([]types.NodeInfo, 0, len(c.nodes))
		for id, n := range c.nodes {
			info := n.info
			info.Assigned = c.jobs.Assigned(id)
			out = append(out, info)
		}
	})
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, err
}
