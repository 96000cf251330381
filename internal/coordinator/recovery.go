package coordinator

import (
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/ChuLiYu/probe-swarm/internal/jobmanager"
	"github.com/ChuLiYu/probe-swarm/internal/snapshot"
	"github.com/ChuLiYu/probe-swarm/internal/storage/wal"
	"github.com/ChuLiYu/probe-swarm/pkg/types"
)

// ============================================================================
// 快照與 WAL 恢復
// ============================================================================

// recover 從快照恢復狀態，再重放快照之後的 WAL 事件
//
// 執行中的工作單元一律放回佇列（attempt 不變），節點須重新註冊。
func (c *Coordinator) recover() error {
	if c.wal == nil {
		return nil
	}
	start := time.Now()

	data, err := c.snap.Load()
	if err != nil {
		return fmt.Errorf("failed to load snapshot: %w", err)
	}
	if err := c.jobs.Restore(data.State); err != nil {
		return fmt.Errorf("failed to restore state: %w", err)
	}
	for _, js := range data.State.Jobs {
		seen := make(map[types.ItemID]types.OutcomeKind)
		for _, it := range js.Items {
			if kind, ok := outcomeOf(it); ok {
				seen[it.ID] = kind
			}
		}
		c.agg.Restore(js.Job.ID, seen, data.Findings[js.Job.ID])
		if js.Job.Archived {
			c.agg.Evict(js.Job.ID)
		}
	}

	c.wal.EnsureSeq(data.LastSeq)
	replayed := 0
	err = c.wal.Replay(data.LastSeq, func(ev wal.Event) error {
		replayed++
		return c.apply(ev)
	})
	if err != nil {
		return fmt.Errorf("failed to replay WAL: %w", err)
	}

	recovery := time.Since(start)
	c.metrics.SetRecoveryTime(recovery.Seconds())
	slog.Info("Recovery completed",
		"duration", recovery,
		"jobs", len(data.State.Jobs),
		"last_seq", data.LastSeq,
		"replayed", replayed,
		"queued", c.jobs.QueueLen())
	return nil
}

// outcomeOf 由終止分類推回結果類型，cancelled 沒有結果
func outcomeOf(it jobmanager.Item) (types.OutcomeKind, bool) {
	if it.Status != jobmanager.ItemTerminal {
		return "", false
	}
	switch it.Bucket {
	case jobmanager.BucketSucceeded:
		return types.OutcomeSuccess, true
	case jobmanager.BucketFailed:
		return types.OutcomeFailure, true
	case jobmanager.BucketTimedOut:
		return types.OutcomeTimeout, true
	case jobmanager.BucketErrored, jobmanager.BucketDeadLettered:
		return types.OutcomeError, true
	default:
		return "", false
	}
}

// apply 重放單一 WAL 事件，已套用過的事件不產生變化
func (c *Coordinator) apply(ev wal.Event) error {
	ts := time.UnixMilli(ev.Timestamp)
	switch ev.Type {
	case wal.EventSubmit:
		if ev.Spec == nil {
			return fmt.Errorf("SUBMIT event %d has no spec", ev.Seq)
		}
		if _, exists := c.jobs.Job(ev.JobID); exists {
			return nil
		}
		return c.jobs.AddJob(ev.JobID, *ev.Spec, materialize(ev.JobID, *ev.Spec, ts), ts)

	case wal.EventResult:
		if ev.Result == nil {
			return fmt.Errorf("RESULT event %d has no result", ev.Seq)
		}
		if err := ignoreReplayed(c.jobs.Complete(ev.ItemID, jobmanager.BucketFor(ev.Result.Outcome))); err != nil {
			return err
		}
		c.agg.Record(*ev.Result)

	case wal.EventRetry:
		return ignoreReplayed(c.jobs.RestoreAttempt(ev.ItemID, ev.Attempt))

	case wal.EventDead:
		if err := ignoreReplayed(c.jobs.RestoreAttempt(ev.ItemID, ev.Attempt)); err != nil {
			return err
		}
		if err := ignoreReplayed(c.jobs.Complete(ev.ItemID, jobmanager.BucketDeadLettered)); err != nil {
			return err
		}
		if ev.Result != nil {
			c.agg.Record(*ev.Result)
		}

	case wal.EventCancel:
		_, err := c.jobs.Cancel(ev.JobID, ts)
		return ignoreReplayed(err)

	case wal.EventFail:
		_, err := c.jobs.FailJob(ev.JobID, ts)
		return ignoreReplayed(err)

	case wal.EventArchive:
		c.jobs.MarkCompleted(ev.JobID, ts)
		if err := c.jobs.Archive(ev.JobID); err != nil {
			if errors.Is(err, jobmanager.ErrNotFinished) {
				// 快照時仍在執行的工作單元已放回佇列，任務重新執行
				slog.Warn("Archived job has live items after recovery", "jobID", ev.JobID)
				return nil
			}
			return ignoreReplayed(err)
		}
		c.agg.Evict(ev.JobID)

	default:
		slog.Warn("Unknown WAL event type", "type", ev.Type, "seq", ev.Seq)
	}
	return nil
}

func ignoreReplayed(err error) error {
	if err == nil ||
		errors.Is(err, jobmanager.ErrAlreadyTerminal) ||
		errors.Is(err, jobmanager.ErrItemNotFound) ||
		errors.Is(err, jobmanager.ErrJobNotFound) {
		return nil
	}
	return err
}

// takeSnapshot 寫入快照並旋轉 WAL
func (c *Coordinator) takeSnapshot() error {
	start := time.Now()
	if err := c.wal.Flush(); err != nil {
		return fmt.Errorf("failed to flush WAL: %w", err)
	}

	data := snapshot.Data{
		LastSeq:  c.wal.GetLastSeq(),
		State:    c.jobs.Snapshot(),
		Findings: make(map[types.JobID][]types.Result),
	}
	for _, js := range data.State.Jobs {
		if findings := c.agg.Findings(js.Job.ID); len(findings) > 0 {
			data.Findings[js.Job.ID] = findings
		}
	}

	if err := c.snap.Write(data); err != nil {
		return fmt.Errorf("failed to write snapshot: %w", err)
	}
	if err := c.wal.Rotate(); err != nil {
		return fmt.Errorf("failed to rotate WAL: %w", err)
	}

	slog.Debug("Snapshot taken",
		"duration", time.Since(start),
		"jobs", len(data.State.Jobs),
		"last_seq", data.LastSeq)
	return nil
}
