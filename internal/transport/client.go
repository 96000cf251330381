package transport

import (
	"context"
	"fmt"

	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials/insecure"

	"github.com/ChuLiYu/probe-swarm/pkg/types"
)

// Client 遠端 Coordinator 的 gRPC 客戶端
//
// 實作 worker.Upstream（節點操作）以及 CLI 使用的管理操作。
type Client struct {
	cc grpc.ClientConnInterface
}

// NewClient 以既有連線建立客戶端
func NewClient(cc grpc.ClientConnInterface) *Client {
	return &Client{cc: cc}
}

// Dial 建立到 Coordinator 的連線（明文，預設使用 swarm codec）
func Dial(addr string, opts ...grpc.DialOption) (*grpc.ClientConn, error) {
	base := []grpc.DialOption{
		grpc.WithTransportCredentials(insecure.NewCredentials()),
		grpc.WithDefaultCallOptions(grpc.CallContentSubtype(CodecName)),
	}
	conn, err := grpc.NewClient(addr, append(base, opts...)...)
	if err != nil {
		return nil, fmt.Errorf("failed to dial coordinator %s: %w", addr, err)
	}
	return conn, nil
}

func (c *Client) invoke(ctx context.Context, method string, in, out any) error {
	err := c.cc.Invoke(ctx, fullMethod(method), in, out, grpc.CallContentSubtype(CodecName))
	return FromStatus(err)
}

// RegisterNode 註冊節點
func (c *Client) RegisterNode(ctx context.Context, reg types.Registration) (types.RegisterReply, error) {
	var out types.RegisterReply
	err := c.invoke(ctx, "RegisterNode", &reg, &out)
	return out, err
}

// Heartbeat 送出心跳
func (c *Client) Heartbeat(ctx context.Context, hb types.Heartbeat) (types.HeartbeatReply, error) {
	var out types.HeartbeatReply
	err := c.invoke(ctx, "Heartbeat", &hb, &out)
	return out, err
}

// RequestWork 閒置時要求工作
func (c *Client) RequestWork(ctx context.Context, req types.Heartbeat) (types.HeartbeatReply, error) {
	var out types.HeartbeatReply
	err := c.invoke(ctx, "RequestWork", &req, &out)
	return out, err
}

// ReportResult 回報結果
func (c *Client) ReportResult(ctx context.Context, r types.Result) (types.Ack, error) {
	var out types.Ack
	err := c.invoke(ctx, "ReportResult", &r, &out)
	return out, err
}

// Release 退回未開始的工作單元
func (c *Client) Release(ctx context.Context, rel types.Release) error {
	return c.invoke(ctx, "Release", &rel, &Empty{})
}

// Deregister 節點離線
func (c *Client) Deregister(ctx context.Context, d types.Deregistration) error {
	return c.invoke(ctx, "Deregister", &d, &Empty{})
}

// SubmitJob 提交任務
func (c *Client) SubmitJob(ctx context.Context, spec types.JobSpec) (types.JobID, error) {
	var out JobRef
	err := c.invoke(ctx, "SubmitJob", &spec, &out)
	return out.ID, err
}

// CancelJob 取消任務
func (c *Client) CancelJob(ctx context.Context, id types.JobID) error {
	return c.invoke(ctx, "CancelJob", &JobRef{ID: id}, &Empty{})
}

// JobStatus 查詢任務狀態
func (c *Client) JobStatus(ctx context.Context, id types.JobID) (types.JobReport, error) {
	var out types.JobReport
	err := c.invoke(ctx, "JobStatus", &JobRef{ID: id}, &out)
	return out, err
}

// ListJobs 列出所有任務
func (c *Client) ListJobs(ctx context.Context) ([]types.JobReport, error) {
	var out JobList
	err := c.invoke(ctx, "ListJobs", &Empty{}, &out)
	return out.Jobs, err
}

// Nodes 列出所有節點
func (c *Client) Nodes(ctx context.Context) ([]types.NodeInfo, error) {
	var out NodeList
	err := c.invoke(ctx, "ListNodes", &Empty{}, &out)
	return out.Nodes, err
}

// Findings 取得任務的成功結果
func (c *Client) Findings(ctx context.Context, id types.JobID) ([]types.Result, error) {
	var out ResultList
	err := c.invoke(ctx, "Findings", &JobRef{ID: id}, &out)
	return out.Results, err
}
