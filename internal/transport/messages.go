package transport

import (
	"fmt"
	"time"

	"google.golang.org/protobuf/encoding/protowire"

	"github.com/ChuLiYu/probe-swarm/pkg/types"
)

// ============================================================================
// 傳輸專用訊息
// ============================================================================

// Empty 無內容的請求或回應
type Empty struct{}

// JobRef 以任務 ID 為參數的請求，也是 SubmitJob 的回應
type JobRef struct {
	ID types.JobID
}

// JobList ListJobs 回應
type JobList struct {
	Jobs []types.JobReport
}

// NodeList ListNodes 回應
type NodeList struct {
	Nodes []types.NodeInfo
}

// ResultList Findings 回應
type ResultList struct {
	Results []types.Result
}

// ============================================================================
// 欄位編號
// ============================================================================

func encodePoint(e *encoder, p types.InjectionPoint) {
	e.str(1, p.Name)
	e.str(2, string(p.Kind))
	e.str(3, p.Method)
	e.bool(4, p.Reflected)
}

func decodePoint(b []byte, p *types.InjectionPoint) error {
	return each(b, func(f field) error {
		switch f.num {
		case 1:
			p.Name = f.str()
		case 2:
			p.Kind = types.PointKind(f.str())
		case 3:
			p.Method = f.str()
		case 4:
			p.Reflected = f.bool()
		}
		return nil
	})
}

func encodeItem(e *encoder, it types.WorkItem) {
	e.str(1, string(it.ID))
	e.str(2, string(it.JobID))
	e.str(3, it.Target)
	e.msg(4, func(e *encoder) { encodePoint(e, it.Point) })
	e.str(5, it.Payload)
	e.int(6, int64(it.Attempt))
	e.int(7, int64(it.Priority))
	e.int(8, int64(it.Timeout))
	e.int(9, it.CreatedAt)
}

func decodeItem(b []byte, it *types.WorkItem) error {
	return each(b, func(f field) error {
		switch f.num {
		case 1:
			it.ID = types.ItemID(f.str())
		case 2:
			it.JobID = types.JobID(f.str())
		case 3:
			it.Target = f.str()
		case 4:
			return decodePoint(f.b, &it.Point)
		case 5:
			it.Payload = f.str()
		case 6:
			it.Attempt = int(f.int())
		case 7:
			it.Priority = int(f.int())
		case 8:
			it.Timeout = time.Duration(f.int())
		case 9:
			it.CreatedAt = f.int()
		}
		return nil
	})
}

func encodeBatch(e *encoder, b types.Batch) {
	e.str(1, string(b.JobID))
	for _, it := range b.Items {
		it := it
		e.msg(2, func(e *encoder) { encodeItem(e, it) })
	}
}

func decodeBatch(b []byte, batch *types.Batch) error {
	return each(b, func(f field) error {
		switch f.num {
		case 1:
			batch.JobID = types.JobID(f.str())
		case 2:
			var it types.WorkItem
			if err := decodeItem(f.b, &it); err != nil {
				return err
			}
			batch.Items = append(batch.Items, it)
		}
		return nil
	})
}

func encodeRegistration(e *encoder, r types.Registration) {
	e.str(1, string(r.NodeID))
	e.str(2, string(r.Capability))
	e.int(3, int64(r.Capacity))
	e.int(4, int64(r.Workers))
}

func decodeRegistration(b []byte, r *types.Registration) error {
	return each(b, func(f field) error {
		switch f.num {
		case 1:
			r.NodeID = types.NodeID(f.str())
		case 2:
			r.Capability = types.Capability(f.str())
		case 3:
			r.Capacity = int(f.int())
		case 4:
			r.Workers = int(f.int())
		}
		return nil
	})
}

func encodeRegisterReply(e *encoder, r types.RegisterReply) {
	e.str(1, string(r.NodeID))
	e.int(2, int64(r.HeartbeatInterval))
	if r.Batch.Len() > 0 || r.Batch.JobID != "" {
		e.msg(3, func(e *encoder) { encodeBatch(e, r.Batch) })
	}
}

func decodeRegisterReply(b []byte, r *types.RegisterReply) error {
	return each(b, func(f field) error {
		switch f.num {
		case 1:
			r.NodeID = types.NodeID(f.str())
		case 2:
			r.HeartbeatInterval = time.Duration(f.int())
		case 3:
			return decodeBatch(f.b, &r.Batch)
		}
		return nil
	})
}

func encodeHeartbeat(e *encoder, hb types.Heartbeat) {
	e.str(1, string(hb.NodeID))
	e.int(2, int64(hb.IdleWorkers))
	e.double(3, hb.Load)
	e.int(4, int64(hb.LocalQueued))
}

func decodeHeartbeat(b []byte, hb *types.Heartbeat) error {
	return each(b, func(f field) error {
		switch f.num {
		case 1:
			hb.NodeID = types.NodeID(f.str())
		case 2:
			hb.IdleWorkers = int(f.int())
		case 3:
			hb.Load = f.double()
		case 4:
			hb.LocalQueued = int(f.int())
		}
		return nil
	})
}

func encodeHeartbeatReply(e *encoder, r types.HeartbeatReply) {
	if r.Batch.Len() > 0 || r.Batch.JobID != "" {
		e.msg(1, func(e *encoder) { encodeBatch(e, r.Batch) })
	}
	e.bool(2, r.ReRegister)
	e.int(3, int64(r.Reclaim))
}

func decodeHeartbeatReply(b []byte, r *types.HeartbeatReply) error {
	return each(b, func(f field) error {
		switch f.num {
		case 1:
			return decodeBatch(f.b, &r.Batch)
		case 2:
			r.ReRegister = f.bool()
		case 3:
			r.Reclaim = int(f.int())
		}
		return nil
	})
}

func encodeResult(e *encoder, r types.Result) {
	e.str(1, string(r.ItemID))
	e.str(2, string(r.JobID))
	e.str(3, string(r.NodeID))
	e.int(4, int64(r.Attempt))
	e.str(5, string(r.Outcome))
	e.bytes(6, r.Evidence)
	e.int(7, int64(r.Latency))
	e.str(8, r.Error)
}

func decodeResult(b []byte, r *types.Result) error {
	return each(b, func(f field) error {
		switch f.num {
		case 1:
			r.ItemID = types.ItemID(f.str())
		case 2:
			r.JobID = types.JobID(f.str())
		case 3:
			r.NodeID = types.NodeID(f.str())
		case 4:
			r.Attempt = int(f.int())
		case 5:
			r.Outcome = types.OutcomeKind(f.str())
		case 6:
			r.Evidence = f.bytes()
		case 7:
			r.Latency = time.Duration(f.int())
		case 8:
			r.Error = f.str()
		}
		return nil
	})
}

func encodeItemIDs(e *encoder, num protowire.Number, ids []types.ItemID) {
	for _, id := range ids {
		e.b = protowire.AppendTag(e.b, num, protowire.BytesType)
		e.b = protowire.AppendString(e.b, string(id))
	}
}

func encodeRelease(e *encoder, r types.Release) {
	e.str(1, string(r.NodeID))
	encodeItemIDs(e, 2, r.Items)
}

func decodeRelease(b []byte, r *types.Release) error {
	return each(b, func(f field) error {
		switch f.num {
		case 1:
			r.NodeID = types.NodeID(f.str())
		case 2:
			r.Items = append(r.Items, types.ItemID(f.str()))
		}
		return nil
	})
}

func encodeDeregistration(e *encoder, d types.Deregistration) {
	e.str(1, string(d.NodeID))
	encodeItemIDs(e, 2, d.Returned)
}

func decodeDeregistration(b []byte, d *types.Deregistration) error {
	return each(b, func(f field) error {
		switch f.num {
		case 1:
			d.NodeID = types.NodeID(f.str())
		case 2:
			d.Returned = append(d.Returned, types.ItemID(f.str()))
		}
		return nil
	})
}

func encodeSpec(e *encoder, s types.JobSpec) {
	e.str(1, s.Target)
	for _, p := range s.InjectionPoints {
		p := p
		e.msg(2, func(e *encoder) { encodePoint(e, p) })
	}
	e.strs(3, s.Payloads)
	e.int(4, int64(s.DesiredWorkers))
	e.int(5, int64(s.ItemTimeout))
}

func decodeSpec(b []byte, s *types.JobSpec) error {
	return each(b, func(f field) error {
		switch f.num {
		case 1:
			s.Target = f.str()
		case 2:
			var p types.InjectionPoint
			if err := decodePoint(f.b, &p); err != nil {
				return err
			}
			s.InjectionPoints = append(s.InjectionPoints, p)
		case 3:
			s.Payloads = append(s.Payloads, f.str())
		case 4:
			s.DesiredWorkers = int(f.int())
		case 5:
			s.ItemTimeout = time.Duration(f.int())
		}
		return nil
	})
}

func encodeCounts(e *encoder, c types.Counts) {
	e.int(1, int64(c.Total))
	e.int(2, int64(c.Queued))
	e.int(3, int64(c.InFlight))
	e.int(4, int64(c.Succeeded))
	e.int(5, int64(c.Failed))
	e.int(6, int64(c.Errored))
	e.int(7, int64(c.TimedOut))
	e.int(8, int64(c.DeadLettered))
	e.int(9, int64(c.Cancelled))
}

func decodeCounts(b []byte, c *types.Counts) error {
	return each(b, func(f field) error {
		v := int(f.int())
		switch f.num {
		case 1:
			c.Total = v
		case 2:
			c.Queued = v
		case 3:
			c.InFlight = v
		case 4:
			c.Succeeded = v
		case 5:
			c.Failed = v
		case 6:
			c.Errored = v
		case 7:
			c.TimedOut = v
		case 8:
			c.DeadLettered = v
		case 9:
			c.Cancelled = v
		}
		return nil
	})
}

func encodeReport(e *encoder, r types.JobReport) {
	e.str(1, string(r.ID))
	e.str(2, r.Target)
	e.str(3, string(r.Status))
	e.msg(4, func(e *encoder) { encodeCounts(e, r.Counts) })
	e.bool(5, r.WaitingForCapacity)
	e.double(6, r.Progress)
	e.int(7, int64(r.ETA))
	e.int(8, int64(r.PayloadsTested))
	e.int(9, int64(r.Findings))
	e.int(10, r.CreatedAt)
	e.int(11, r.FinishedAt)
}

func decodeReport(b []byte, r *types.JobReport) error {
	return each(b, func(f field) error {
		switch f.num {
		case 1:
			r.ID = types.JobID(f.str())
		case 2:
			r.Target = f.str()
		case 3:
			r.Status = types.JobStatus(f.str())
		case 4:
			return decodeCounts(f.b, &r.Counts)
		case 5:
			r.WaitingForCapacity = f.bool()
		case 6:
			r.Progress = f.double()
		case 7:
			r.ETA = time.Duration(f.int())
		case 8:
			r.PayloadsTested = int(f.int())
		case 9:
			r.Findings = int(f.int())
		case 10:
			r.CreatedAt = f.int()
		case 11:
			r.FinishedAt = f.int()
		}
		return nil
	})
}

func encodeNode(e *encoder, n types.NodeInfo) {
	e.str(1, string(n.ID))
	e.str(2, string(n.Capability))
	e.int(3, int64(n.Capacity))
	e.int(4, int64(n.Workers))
	e.int(5, int64(n.IdleWorkers))
	e.int(6, int64(n.LocalQueued))
	e.double(7, n.Load)
	e.int(8, int64(n.Assigned))
	e.int(9, n.LastHeartbeat)
	e.int(10, int64(n.Completed))
	e.int(11, int64(n.Failed))
	e.int(12, int64(n.Errored))
	e.int(13, int64(n.AvgLatency))
}

func decodeNode(b []byte, n *types.NodeInfo) error {
	return each(b, func(f field) error {
		switch f.num {
		case 1:
			n.ID = types.NodeID(f.str())
		case 2:
			n.Capability = types.Capability(f.str())
		case 3:
			n.Capacity = int(f.int())
		case 4:
			n.Workers = int(f.int())
		case 5:
			n.IdleWorkers = int(f.int())
		case 6:
			n.LocalQueued = int(f.int())
		case 7:
			n.Load = f.double()
		case 8:
			n.Assigned = int(f.int())
		case 9:
			n.LastHeartbeat = f.int()
		case 10:
			n.Completed = int(f.int())
		case 11:
			n.Failed = int(f.int())
		case 12:
			n.Errored = int(f.int())
		case 13:
			n.AvgLatency = time.Duration(f.int())
		}
		return nil
	})
}

// ============================================================================
// 訊息分派
// ============================================================================

// marshal 依訊息型別編碼
func marshal(v any) ([]byte, error) {
	var e encoder
	switch m := v.(type) {
	case *Empty:
	case *JobRef:
		e.str(1, string(m.ID))
	case *types.Registration:
		encodeRegistration(&e, *m)
	case *types.RegisterReply:
		encodeRegisterReply(&e, *m)
	case *types.Heartbeat:
		encodeHeartbeat(&e, *m)
	case *types.HeartbeatReply:
		encodeHeartbeatReply(&e, *m)
	case *types.Batch:
		encodeBatch(&e, *m)
	case *types.Result:
		encodeResult(&e, *m)
	case *types.Ack:
		e.bool(1, m.Duplicate)
	case *types.Release:
		encodeRelease(&e, *m)
	case *types.Deregistration:
		encodeDeregistration(&e, *m)
	case *types.JobSpec:
		encodeSpec(&e, *m)
	case *types.JobReport:
		encodeReport(&e, *m)
	case *JobList:
		for _, r := range m.Jobs {
			r := r
			e.msg(1, func(e *encoder) { encodeReport(e, r) })
		}
	case *NodeList:
		for _, n := range m.Nodes {
			n := n
			e.msg(1, func(e *encoder) { encodeNode(e, n) })
		}
	case *ResultList:
		for _, r := range m.Results {
			r := r
			e.msg(1, func(e *encoder) { encodeResult(e, r) })
		}
	default:
		return nil, fmt.Errorf("%w: %T", ErrUnsupportedMessage, v)
	}
	return e.b, nil
}

// unmarshal 依訊息型別解碼
func unmarshal(b []byte, v any) error {
	switch m := v.(type) {
	case *Empty:
		_, err := parse(b)
		return err
	case *JobRef:
		return each(b, func(f field) error {
			if f.num == 1 {
				m.ID = types.JobID(f.str())
			}
			return nil
		})
	case *types.Registration:
		return decodeRegistration(b, m)
	case *types.RegisterReply:
		return decodeRegisterReply(b, m)
	case *types.Heartbeat:
		return decodeHeartbeat(b, m)
	case *types.HeartbeatReply:
		return decodeHeartbeatReply(b, m)
	case *types.Batch:
		return decodeBatch(b, m)
	case *types.Result:
		return decodeResult(b, m)
	case *types.Ack:
		return each(b, func(f field) error {
			if f.num == 1 {
				m.Duplicate = f.bool()
			}
			return nil
		})
	case *types.Release:
		return decodeRelease(b, m)
	case *types.Deregistration:
		return decodeDeregistration(b, m)
	case *types.JobSpec:
		return decodeSpec(b, m)
	case *types.JobReport:
		return decodeReport(b, m)
	case *JobList:
		return each(b, func(f field) error {
			if f.num != 1 {
				return nil
			}
			var r types.JobReport
			if err := decodeReport(f.b, &r); err != nil {
				return err
			}
			m.Jobs = append(m.Jobs, r)
			return nil
		})
	case *NodeList:
		return each(b, func(f field) error {
			if f.num != 1 {
				return nil
			}
			var n types.NodeInfo
			if err := decodeNode(f.b, &n); err != nil {
				return err
			}
			m.Nodes = append(m.Nodes, n)
			return nil
		})
	case *ResultList:
		return each(b, func(f field) error {
			if f.num != 1 {
				return nil
			}
			var r types.Result
			if err := decodeResult(f.b, &r); err != nil {
				return err
			}
			m.Results = append(m.Results, r)
			return nil
		})
	default:
		return fmt.Errorf("%w: %T", ErrUnsupportedMessage, v)
	}
}
