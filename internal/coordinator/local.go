package coordinator

import (
	"context"

	"github.com/ChuLiYu/probe-swarm/pkg/types"
)

// ============================================================================
// 本地模式節點介面
// ============================================================================

// Local 讓同一行程內的 NodeManager 直接呼叫 Coordinator（不經網路）
//
// 註冊時一律宣告為 local-thread 節點，其餘呼叫原樣轉交。
type Local struct {
	c *Coordinator
}

// NewLocal 包裝 Coordinator 給本地節點使用
func NewLocal(c *Coordinator) *Local {
	return &Local{c: c}
}

// RegisterNode 以 local-thread 身分註冊
func (l *Local) RegisterNode(ctx context.Context, reg types.Registration) (types.RegisterReply, error) {
	reg.Capability = types.CapabilityLocal
	return l.c.RegisterNode(ctx, reg)
}

// Heartbeat 轉交 Coordinator.Heartbeat
func (l *Local) Heartbeat(ctx context.Context, hb types.Heartbeat) (types.HeartbeatReply, error) {
	return l.c.Heartbeat(ctx, hb)
}

// RequestWork 轉交 Coordinator.RequestWork
func (l *Local) RequestWork(ctx context.Context, req types.Heartbeat) (types.HeartbeatReply, error) {
	return l.c.RequestWork(ctx, req)
}

// ReportResult 轉交 Coordinator.ReportResult
func (l *Local) ReportResult(ctx context.Context, r types.Result) (types.Ack, error) {
	return l.c.ReportResult(ctx, r)
}

// Release 轉交 Coordinator.Release
func (l *Local) Release(ctx context.Context, rel types.Release) error {
	return l.c.Release(ctx, rel)
}

// Deregister 轉交 Coordinator.Deregister
func (l *Local) Deregister(ctx context.Context, d types.Deregistration) error {
	return l.c.Deregister(ctx, d)
}
