package wire

import (
	"context"

	"google.golang.org/grpc"

	"github.com/xiaonanln/netfabric/core"
)

const (
	NetworkServiceName = "netfabric.Network"
	AgentServiceName   = "netfabric.Agent"
)

// Network service methods.
var (
	NetworkRegister   = fullName(NetworkServiceName, "Register")
	NetworkUnregister = fullName(NetworkServiceName, "Unregister")
	NetworkPing       = fullName(NetworkServiceName, "Ping")
	NetworkGet        = fullName(NetworkServiceName, "Get")
	NetworkList       = fullName(NetworkServiceName, "List")
	NetworkAgents     = fullName(NetworkServiceName, "Agents")
	NetworkRelease    = fullName(NetworkServiceName, "Release")
	NetworkRequest    = fullName(NetworkServiceName, "Request")
	NetworkClose      = fullName(NetworkServiceName, "Close")
	NetworkSubscribe  = fullName(NetworkServiceName, "Subscribe")
)

// Agent service methods.
var (
	AgentCreate     = fullName(AgentServiceName, "Create")
	AgentRequest    = fullName(AgentServiceName, "Request")
	AgentPing       = fullName(AgentServiceName, "Ping")
	AgentTerminate  = fullName(AgentServiceName, "Terminate")
	AgentList       = fullName(AgentServiceName, "List")
	AgentDisconnect = fullName(AgentServiceName, "Disconnect")
	AgentConnect    = fullName(AgentServiceName, "Connect")
)

// NetworkServer is implemented by the registry's RPC front end.
type NetworkServer interface {
	Register(ctx context.Context, req *RegisterRequest) (*RegisterResponse, error)
	Unregister(ctx context.Context, req *UnregisterRequest) (*Empty, error)
	Ping(ctx context.Context, req *PingRequest) (*PingResponse, error)
	Get(ctx context.Context, req *GetRequest) (*GetResponse, error)
	List(ctx context.Context, req *ListRequest) (*ListResponse, error)
	Agents(ctx context.Context, req *AgentsRequest) (*AgentsResponse, error)
	Release(ctx context.Context, req *ReleaseRequest) (*Empty, error)
	Request(ctx context.Context, req *ContainerRequest) (*ContainerResponse, error)
	Close(ctx context.Context, req *CloseRequest) (*Empty, error)
	Subscribe(req *SubscribeRequest, out Sender[core.ContainerEvent]) error
}

// NetworkServiceDesc describes the registry service for grpc.Server.RegisterService.
var NetworkServiceDesc = grpc.ServiceDesc{
	ServiceName: NetworkServiceName,
	HandlerType: (*NetworkServer)(nil),
	Methods: []grpc.MethodDesc{
		{MethodName: "Register", Handler: unary(NetworkRegister, NetworkServer.Register)},
		{MethodName: "Unregister", Handler: unary(NetworkUnregister, NetworkServer.Unregister)},
		{MethodName: "Ping", Handler: unary(NetworkPing, NetworkServer.Ping)},
		{MethodName: "Get", Handler: unary(NetworkGet, NetworkServer.Get)},
		{MethodName: "List", Handler: unary(NetworkList, NetworkServer.List)},
		{MethodName: "Agents", Handler: unary(NetworkAgents, NetworkServer.Agents)},
		{MethodName: "Release", Handler: unary(NetworkRelease, NetworkServer.Release)},
		{MethodName: "Request", Handler: unary(NetworkRequest, NetworkServer.Request)},
		{MethodName: "Close", Handler: unary(NetworkClose, NetworkServer.Close)},
	},
	Streams: []grpc.StreamDesc{
		{
			StreamName:    "Subscribe",
			Handler:       serverStream(NetworkServer.Subscribe),
			ServerStreams: true,
		},
	},
}

// AgentServer is implemented by the agent's RPC front end.
type AgentServer interface {
	Create(ctx context.Context, req *CreateRequest) (*CreateResponse, error)
	Request(ctx context.Context, req *ContainerRequest) (*ContainerResponse, error)
	Ping(ctx context.Context, req *ContainerTarget) (*Empty, error)
	Terminate(ctx context.Context, req *ContainerTarget) (*Empty, error)
	List(ctx context.Context, req *ListRequest) (*ListResponse, error)
	Disconnect(ctx context.Context, req *ConnectRequest) (*Empty, error)
	Connect(req *ConnectRequest, out Sender[BroadcastMessage]) error
}

// AgentServiceDesc describes the agent service for grpc.Server.RegisterService.
var AgentServiceDesc = grpc.ServiceDesc{
	ServiceName: AgentServiceName,
	HandlerType: (*AgentServer)(nil),
	Methods: []grpc.MethodDesc{
		{MethodName: "Create", Handler: unary(AgentCreate, AgentServer.Create)},
		{MethodName: "Request", Handler: unary(AgentRequest, AgentServer.Request)},
		{MethodName: "Ping", Handler: unary(AgentPing, AgentServer.Ping)},
		{MethodName: "Terminate", Handler: unary(AgentTerminate, AgentServer.Terminate)},
		{MethodName: "List", Handler: unary(AgentList, AgentServer.List)},
		{MethodName: "Disconnect", Handler: unary(AgentDisconnect, AgentServer.Disconnect)},
	},
	Streams: []grpc.StreamDesc{
		{
			StreamName:    "Connect",
			Handler:       serverStream(AgentServer.Connect),
			ServerStreams: true,
		},
	},
}

// SubscribeStreamDesc and ConnectStreamDesc are the client-side descriptors of the streaming calls.
var (
	SubscribeStreamDesc = &NetworkServiceDesc.Streams[0]
	ConnectStreamDesc   = &AgentServiceDesc.Streams[0]
)
