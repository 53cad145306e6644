package network

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"os"
	"os/signal"
	"syscall"

	"google.golang.org/grpc"
	"google.golang.org/grpc/reflection"

	"github.com/xiaonanln/netfabric/agent"
	"github.com/xiaonanln/netfabric/core"
	ferrors "github.com/xiaonanln/netfabric/util/errors"
	"github.com/xiaonanln/netfabric/util/logger"
	"github.com/xiaonanln/netfabric/wire"
)

// Server exposes a Network over gRPC.
type Server struct {
	network    *Network
	pool       *agent.Pool
	grpcServer *grpc.Server
	logger     *logger.Logger
}

var _ wire.NetworkServer = (*Server)(nil)

// NewServer wraps n. Agents registering through the server are reached
// through connections from a shared pool.
func NewServer(n *Network, opts ...grpc.ServerOption) *Server {
	s := &Server{
		network:    n,
		pool:       agent.NewPool(),
		grpcServer: grpc.NewServer(opts...),
		logger:     logger.NewLogger(fmt.Sprintf("NetworkServer(%s)", n.cfg.Name)),
	}
	s.grpcServer.RegisterService(&wire.NetworkServiceDesc, s)
	reflection.Register(s.grpcServer)
	return s
}

// Serve accepts connections on lis until Stop.
func (s *Server) Serve(lis net.Listener) error {
	s.logger.Infof("Network server listening on %s", lis.Addr())
	err := s.grpcServer.Serve(lis)
	if errors.Is(err, grpc.ErrServerStopped) {
		return nil
	}
	return err
}

// Stop stops the gRPC server and drops pooled agent connections. The
// Network itself is left to its owner.
func (s *Server) Stop() {
	s.grpcServer.GracefulStop()
	s.pool.Close()
}

// Run serves on listenAddr until ctx is done or SIGINT/SIGTERM arrives.
func (s *Server) Run(ctx context.Context, listenAddr string) error {
	lis, err := net.Listen("tcp", listenAddr)
	if err != nil {
		return err
	}

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)
	defer signal.Stop(sigChan)

	go func() {
		select {
		case <-sigChan:
			s.logger.Infof("Received shutdown signal, stopping gRPC server...")
		case <-ctx.Done():
		}
		s.Stop()
	}()

	err = s.Serve(lis)
	s.logger.Infof("Network server stopped")
	return err
}

// remoteAgent adapts a pooled agent client to AgentConn. It is a value type
// so that re-registrations through the same pooled client compare equal and
// the network keeps the connection.
type remoteAgent struct {
	client *agent.Client
	pool   *agent.Pool
}

func (r remoteAgent) Create(ctx context.Context, kind core.ContainerKind, opts core.GetOptions) (core.ContainerRecord, error) {
	return r.client.Create(ctx, kind, opts)
}

func (r remoteAgent) Request(ctx context.Context, id core.ContainerUUID, operation string, data json.RawMessage, clientID core.ClientUUID) (json.RawMessage, error) {
	return r.client.Request(ctx, id, operation, data, clientID)
}

func (r remoteAgent) Ping(ctx context.Context, id core.ContainerUUID) error {
	return r.client.Ping(ctx, id)
}

func (r remoteAgent) Terminate(ctx context.Context, id core.ContainerUUID) error {
	return r.client.Terminate(ctx, id)
}

func (r remoteAgent) Close() error {
	r.pool.Remove(r.client.Address())
	return nil
}

func (s *Server) Register(ctx context.Context, req *wire.RegisterRequest) (*wire.RegisterResponse, error) {
	s.logger.Debugf("RPC <<< Register(agent=%s, endpoint=%s, containers=%d)", req.Agent.AgentID, req.Agent.Endpoint, len(req.Containers))
	if req.Agent.Endpoint == "" {
		return nil, ferrors.InvalidArgument("agent endpoint is required")
	}
	client, err := s.pool.Get(req.Agent.Endpoint)
	if err != nil {
		return nil, ferrors.New(ferrors.ErrRegistrationFailure, "%v", err)
	}
	dups, err := s.network.Register(ctx, req.Agent, req.Containers, remoteAgent{client: client, pool: s.pool})
	if err != nil {
		return nil, err
	}
	return &wire.RegisterResponse{Terminate: dups}, nil
}

func (s *Server) Unregister(ctx context.Context, req *wire.UnregisterRequest) (*wire.Empty, error) {
	s.logger.Debugf("RPC <<< Unregister(agent=%s)", req.AgentID)
	s.network.Unregister(req.AgentID)
	return &wire.Empty{}, nil
}

func (s *Server) Ping(ctx context.Context, req *wire.PingRequest) (*wire.PingResponse, error) {
	if req.ClientID != "" {
		s.network.PingClient(req.ClientID)
	}
	var unknown []core.AgentUUID
	for _, id := range req.Agents {
		if !s.network.PingAgent(id) {
			unknown = append(unknown, id)
		}
	}
	return &wire.PingResponse{UnknownAgents: unknown}, nil
}

func (s *Server) Get(ctx context.Context, req *wire.GetRequest) (*wire.GetResponse, error) {
	s.logger.Debugf("RPC <<< Get(client=%s, kind=%s, uuid=%s)", req.ClientID, req.Kind, req.Options.UUID)
	rec, err := s.network.Get(ctx, req.ClientID, req.Kind, req.Options)
	if err != nil {
		return nil, err
	}
	return &wire.GetResponse{Container: rec}, nil
}

func (s *Server) List(ctx context.Context, req *wire.ListRequest) (*wire.ListResponse, error) {
	return &wire.ListResponse{Containers: s.network.List(req.Kind)}, nil
}

func (s *Server) Agents(ctx context.Context, req *wire.AgentsRequest) (*wire.AgentsResponse, error) {
	return &wire.AgentsResponse{Agents: s.network.Agents()}, nil
}

func (s *Server) Release(ctx context.Context, req *wire.ReleaseRequest) (*wire.Empty, error) {
	s.network.Release(req.ClientID, req.UUID)
	return &wire.Empty{}, nil
}

func (s *Server) Request(ctx context.Context, req *wire.ContainerRequest) (*wire.ContainerResponse, error) {
	result, err := s.network.Request(ctx, req.UUID, req.Operation, req.Data, req.ClientID)
	if err != nil {
		return nil, err
	}
	return &wire.ContainerResponse{Result: result}, nil
}

func (s *Server) Close(ctx context.Context, req *wire.CloseRequest) (*wire.Empty, error) {
	s.logger.Debugf("RPC <<< Close(client=%s)", req.ClientID)
	s.network.CloseClient(req.ClientID)
	return &wire.Empty{}, nil
}

// Subscribe streams container events to the caller until it goes away.
func (s *Server) Subscribe(req *wire.SubscribeRequest, out wire.Sender[core.ContainerEvent]) error {
	if req.ClientID == "" {
		return ferrors.New(ferrors.ErrSessionRequired, "client id is required to subscribe")
	}
	s.logger.Debugf("RPC <<< Subscribe(client=%s)", req.ClientID)
	ctx := out.Context()
	failed := make(chan error, 1)
	cancel := s.network.Subscribe(req.ClientID, func(_ context.Context, ev core.ContainerEvent) error {
		err := out.Send(&ev)
		if err != nil {
			select {
			case failed <- err:
			default:
			}
		}
		return err
	})
	defer cancel()

	select {
	case <-ctx.Done():
		return nil
	case err := <-failed:
		return err
	case <-s.network.ctx.Done():
		return s.network.closedErr()
	}
}
