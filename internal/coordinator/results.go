package coordinator

import (
	"context"
	"log/slog"

	"github.com/ChuLiYu/probe-swarm/internal/jobmanager"
	"github.com/ChuLiYu/probe-swarm/internal/storage/wal"
	"github.com/ChuLiYu/probe-swarm/pkg/types"
)

// ReportResult 接收節點回報的結果
//
// 處理規則：
//   - 已終止、已歸檔或從未分派的工作單元: 無副作用，Ack.Duplicate
//   - Error: attempt+1，未超過 max_retries 重新排隊，否則進入死信
//   - 其餘結果: 終止、彙總、非同步送往 Reporter
//
// 已取消任務的遲到結果照常記錄。
func (c *Coordinator) ReportResult(ctx context.Context, r types.Result) (types.Ack, error) {
	switch r.Outcome {
	case types.OutcomeSuccess, types.OutcomeFailure, types.OutcomeError, types.OutcomeTimeout:
	default:
		return types.Ack{}, &ValidationError{Field: "outcome", Reason: "unsupported " + string(r.Outcome)}
	}
	if r.ItemID == "" {
		return types.Ack{}, &ValidationError{Field: "item_id", Reason: "must not be empty"}
	}

	var (
		ack    types.Ack
		cmdErr error
	)
	err := c.do(ctx, func() {
		ack, cmdErr = c.applyResult(r)
	})
	if err != nil {
		return types.Ack{}, err
	}
	return ack, cmdErr
}

func (c *Coordinator) applyResult(r types.Result) (types.Ack, error) {
	it, ok := c.jobs.Item(r.ItemID)
	if !ok || it.Status == jobmanager.ItemTerminal {
		c.metrics.RecordDuplicate()
		return types.Ack{Duplicate: true}, nil
	}
	if it.Dispatches == 0 {
		slog.Warn("Result for undispatched item ignored", "itemID", r.ItemID, "nodeID", r.NodeID)
		c.metrics.RecordDuplicate()
		return types.Ack{Duplicate: true}, nil
	}
	r.JobID = it.JobID

	n := c.nodes[r.NodeID]
	if n != nil {
		n.lastSeen = c.now()
		if n.info.LocalQueued > 0 {
			n.info.LocalQueued--
		}
	}

	if r.Outcome.Retryable() {
		// 過期的錯誤（工作單元已重新分派）不影響目前這次執行
		if it.Status != jobmanager.ItemInFlight || it.Node != r.NodeID || r.Attempt != it.Attempt {
			c.metrics.RecordDuplicate()
			return types.Ack{Duplicate: true}, nil
		}
		if n != nil {
			n.observe(r)
		}
		c.failItem(r.ItemID, r)
		c.settle(r.JobID)
		return types.Ack{}, nil
	}

	if err := c.journal(wal.Event{Type: wal.EventResult, JobID: r.JobID, ItemID: r.ItemID, Result: &r}, false); err != nil {
		return types.Ack{}, err
	}
	if err := c.jobs.Complete(r.ItemID, jobmanager.BucketFor(r.Outcome)); err != nil {
		return types.Ack{}, err
	}
	c.agg.Record(r)
	c.report.Submit(r)
	c.metrics.RecordResult(string(r.Outcome), r.Latency)
	if n != nil {
		n.observe(r)
	}
	if r.Outcome == types.OutcomeSuccess {
		slog.Info("Finding recorded", "jobID", r.JobID, "itemID", r.ItemID, "nodeID", r.NodeID)
	}
	c.settle(r.JobID)
	return types.Ack{}, nil
}
