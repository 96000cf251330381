package transport

import (
	"context"

	"google.golang.org/grpc"

	"github.com/ChuLiYu/probe-swarm/pkg/types"
)

// ServiceName gRPC 服務全名
const ServiceName = "probeswarm.v1.Swarm"

// SwarmServer 由 internal/server 實作
type SwarmServer interface {
	// 節點操作
	RegisterNode(context.Context, *types.Registration) (*types.RegisterReply, error)
	Heartbeat(context.Context, *types.Heartbeat) (*types.HeartbeatReply, error)
	RequestWork(context.Context, *types.Heartbeat) (*types.HeartbeatReply, error)
	ReportResult(context.Context, *types.Result) (*types.Ack, error)
	Release(context.Context, *types.Release) (*Empty, error)
	Deregister(context.Context, *types.Deregistration) (*Empty, error)

	// 管理操作
	SubmitJob(context.Context, *types.JobSpec) (*JobRef, error)
	CancelJob(context.Context, *JobRef) (*Empty, error)
	JobStatus(context.Context, *JobRef) (*types.JobReport, error)
	ListJobs(context.Context, *Empty) (*JobList, error)
	ListNodes(context.Context, *Empty) (*NodeList, error)
	Findings(context.Context, *JobRef) (*ResultList, error)
}

// unary 產生單一 RPC 的 MethodDesc
func unary[Req, Resp any](method string, call func(SwarmServer, context.Context, *Req) (*Resp, error)) grpc.MethodDesc {
	return grpc.MethodDesc{
		MethodName: method,
		Handler: func(srv any, ctx context.Context, dec func(any) error, interceptor grpc.UnaryServerInterceptor) (any, error) {
			in := new(Req)
			if err := dec(in); err != nil {
				return nil, err
			}
			s := srv.(SwarmServer)
			if interceptor == nil {
				resp, err := call(s, ctx, in)
				return resp, err
			}
			info := &grpc.UnaryServerInfo{Server: srv, FullMethod: fullMethod(method)}
			handler := func(ctx context.Context, req any) (any, error) {
				resp, err := call(s, ctx, req.(*Req))
				return resp, err
			}
			return interceptor(ctx, in, info, handler)
		},
	}
}

func fullMethod(method string) string {
	return "/" + ServiceName + "/" + method
}

// ServiceDesc 手寫的服務描述，訊息以 CodecName 編碼
var ServiceDesc = grpc.ServiceDesc{
	ServiceName: ServiceName,
	HandlerType: (*SwarmServer)(nil),
	Methods: []grpc.MethodDesc{
		unary("RegisterNode", SwarmServer.RegisterNode),
		unary("Heartbeat", SwarmServer.Heartbeat),
		unary("RequestWork", SwarmServer.RequestWork),
		unary("ReportResult", SwarmServer.ReportResult),
		unary("Release", SwarmServer.Release),
		unary("Deregister", SwarmServer.Deregister),
		unary("SubmitJob", SwarmServer.SubmitJob),
		unary("CancelJob", SwarmServer.CancelJob),
		unary("JobStatus", SwarmServer.JobStatus),
		unary("ListJobs", SwarmServer.ListJobs),
		unary("ListNodes", SwarmServer.ListNodes),
		unary("Findings", SwarmServer.Findings),
	},
	Streams:  []grpc.StreamDesc{},
	Metadata: "probeswarm/v1/swarm",
}

// RegisterSwarmServer 將實作註冊到 gRPC server
func RegisterSwarmServer(s grpc.ServiceRegistrar, srv SwarmServer) {
	s.RegisterService(&ServiceDesc, srv)
}
