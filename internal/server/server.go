// ============================================================================
// Probe-Swarm Server - Coordinator 的 gRPC 服務
// ============================================================================
//
// Package: internal/server
// 文件: server.go
// 功能: 將 transport.SwarmServer 的 RPC 轉交給 Coordinator
//
// 職責:
//   - 節點操作: RegisterNode / Heartbeat / RequestWork / ReportResult / Release / Deregister
//   - 管理操作: SubmitJob / CancelJob / JobStatus / ListJobs / ListNodes / Findings
//   - 攔截器: 記錄每次呼叫的耗時，並將 Coordinator 錯誤轉成 gRPC status
//
// Server 本身不保存任何狀態，節點註冊表、租約與重新註冊判斷全部由
// Coordinator 負責。
//
// ============================================================================

package server

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"time"

	"google.golang.org/grpc"

	"github.com/ChuLiYu/probe-swarm/internal/coordinator"
	"github.com/ChuLiYu/probe-swarm/internal/transport"
	"github.com/ChuLiYu/probe-swarm/pkg/types"
)

// Server implements transport.SwarmServer on top of a Coordinator.
type Server struct {
	coord *coordinator.Coordinator
	grpc  *grpc.Server
}

// NewServer creates a new gRPC server instance.
func NewServer(coord *coordinator.Coordinator, opts ...grpc.ServerOption) *Server {
	s := &Server{coord: coord}
	opts = append([]grpc.ServerOption{grpc.ChainUnaryInterceptor(unaryInterceptor)}, opts...)
	s.grpc = grpc.NewServer(opts...)
	transport.RegisterSwarmServer(s.grpc, s)
	return s
}

// Serve 在 lis 上提供服務，直到 Stop 為止
func (s *Server) Serve(lis net.Listener) error {
	slog.Info("gRPC server listening", "addr", lis.Addr().String())
	if err := s.grpc.Serve(lis); err != nil && !errors.Is(err, grpc.ErrServerStopped) {
		return fmt.Errorf("gRPC server failed: %w", err)
	}
	return nil
}

// ListenAndServe 監聽 TCP 位址並提供服務
func (s *Server) ListenAndServe(addr string) error {
	lis, err := net.Listen("tcp", addr)
	if err != nil {
		return fmt.Errorf("failed to listen on %s: %w", addr, err)
	}
	return s.Serve(lis)
}

// Stop 優雅關閉；ctx 到期時強制中斷進行中的呼叫
func (s *Server) Stop(ctx context.Context) {
	done := make(chan struct{})
	go func() {
		s.grpc.GracefulStop()
		close(done)
	}()
	select {
	case <-done:
	case <-ctx.Done():
		slog.Warn("Graceful stop timed out, forcing close")
		s.grpc.Stop()
		<-done
	}
}

// unaryInterceptor 記錄呼叫並轉換錯誤
func unaryInterceptor(ctx context.Context, req any, info *grpc.UnaryServerInfo, handler grpc.UnaryHandler) (any, error) {
	start := time.Now()
	resp, err := handler(ctx, req)
	if err != nil {
		slog.Debug("RPC failed", "method", info.FullMethod, "duration", time.Since(start), "error", err)
		return nil, transport.ToStatus(err)
	}
	slog.Debug("RPC handled", "method", info.FullMethod, "duration", time.Since(start))
	return resp, nil
}

// ============================================================================
// 節點操作
// ============================================================================

// RegisterNode 註冊遠端節點，回覆附帶初始批次
func (s *Server) RegisterNode(ctx context.Context, req *types.Registration) (*types.RegisterReply, error) {
	reg := *req
	if reg.Capability == "" || reg.Capability == types.CapabilityLocal {
		reg.Capability = types.CapabilityRemote
	}
	reply, err := s.coord.RegisterNode(ctx, reg)
	if err != nil {
		return nil, err
	}
	return &reply, nil
}

// Heartbeat 更新節點存活狀態
func (s *Server) Heartbeat(ctx context.Context, req *types.Heartbeat) (*types.HeartbeatReply, error) {
	reply, err := s.coord.Heartbeat(ctx, *req)
	if err != nil {
		return nil, err
	}
	return &reply, nil
}

// RequestWork 閒置節點要求工作
func (s *Server) RequestWork(ctx context.Context, req *types.Heartbeat) (*types.HeartbeatReply, error) {
	reply, err := s.coord.RequestWork(ctx, *req)
	if err != nil {
		return nil, err
	}
	return &reply, nil
}

// ReportResult 節點回報結果
func (s *Server) ReportResult(ctx context.Context, req *types.Result) (*types.Ack, error) {
	ack, err := s.coord.ReportResult(ctx, *req)
	if err != nil {
		return nil, err
	}
	return &ack, nil
}

// Release 節點退回未開始的工作單元
func (s *Server) Release(ctx context.Context, req *types.Release) (*transport.Empty, error) {
	if err := s.coord.Release(ctx, *req); err != nil {
		return nil, err
	}
	return &transport.Empty{}, nil
}

// Deregister 節點優雅離線
func (s *Server) Deregister(ctx context.Context, req *types.Deregistration) (*transport.Empty, error) {
	if err := s.coord.Deregister(ctx, *req); err != nil {
		return nil, err
	}
	return &transport.Empty{}, nil
}

// ============================================================================
// 管理操作
// ============================================================================

// SubmitJob handles job submission from clients.
func (s *Server) SubmitJob(ctx context.Context, req *types.JobSpec) (*transport.JobRef, error) {
	id, err := s.coord.SubmitJob(ctx, *req)
	if err != nil {
		return nil, err
	}
	return &transport.JobRef{ID: id}, nil
}

// CancelJob 取消任務
func (s *Server) CancelJob(ctx context.Context, req *transport.JobRef) (*transport.Empty, error) {
	if err := s.coord.CancelJob(ctx, req.ID); err != nil {
		return nil, err
	}
	return &transport.Empty{}, nil
}

// JobStatus 查詢任務狀態
func (s *Server) JobStatus(ctx context.Context, req *transport.JobRef) (*types.JobReport, error) {
	report, err := s.coord.JobStatus(ctx, req.ID)
	if err != nil {
		return nil, err
	}
	return &report, nil
}

// ListJobs 列出所有任務
func (s *Server) ListJobs(ctx context.Context, _ *transport.Empty) (*transport.JobList, error) {
	jobs, err := s.coord.ListJobs(ctx)
	if err != nil {
		return nil, err
	}
	return &transport.JobList{Jobs: jobs}, nil
}

// ListNodes 列出所有節點
func (s *Server) ListNodes(ctx context.Context, _ *transport.Empty) (*transport.NodeList, error) {
	nodes, err := s.coord.Nodes(ctx)
	if err != nil {
		return nil, err
	}
	return &transport.NodeList{Nodes: nodes}, nil
}

// Findings 取得任務的成功結果
func (s *Server) Findings(ctx context.Context, req *transport.JobRef) (*transport.ResultList, error) {
	results, err := s.coord.Findings(ctx, req.ID)
	if err != nil {
		return nil, err
	}
	return &transport.ResultList{Results: results}, nil
}
