// ============================================================================
// Probe-Swarm Upstream Interface
// ============================================================================
//
// Package: internal/worker
// File: source.go
// Purpose: Defines the abstraction a Node Manager uses to talk to the Coordinator.
//
// Motivation:
//   A node runs the same way whether the Coordinator lives in the same process
//   or across the network:
//
//   - Local Mode: the Coordinator itself (or coordinator.Local) is the Upstream.
//   - Distributed Mode: transport.Client speaks gRPC to a remote Coordinator.
//
// ============================================================================

package worker

import (
	"context"

	"github.com/ChuLiYu/probe-swarm/pkg/types"
)

// Upstream is the Coordinator as seen from a node.
type Upstream interface {
	// RegisterNode announces the node and returns its initial batch.
	RegisterNode(ctx context.Context, reg types.Registration) (types.RegisterReply, error)

	// Heartbeat reports liveness and load. The reply may carry a batch, a
	// re-register request and a reclaim count.
	Heartbeat(ctx context.Context, hb types.Heartbeat) (types.HeartbeatReply, error)

	// RequestWork asks for a batch between heartbeats when workers go idle.
	RequestWork(ctx context.Context, req types.Heartbeat) (types.HeartbeatReply, error)

	// ReportResult delivers one result. Delivery is idempotent.
	ReportResult(ctx context.Context, r types.Result) (types.Ack, error)

	// Release returns unstarted items (reclaim).
	Release(ctx context.Context, rel types.Release) error

	// Deregister leaves the swarm, returning unstarted items.
	Deregister(ctx context.Context, d types.Deregistration) error
}
