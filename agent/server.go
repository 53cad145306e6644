package agent

import (
	"context"
	"errors"
	"fmt"
	"net"
	"sync"
	"time"

	"google.golang.org/grpc"
	"google.golang.org/grpc/reflection"

	"github.com/xiaonanln/netfabric/container"
	"github.com/xiaonanln/netfabric/core"
	"github.com/xiaonanln/netfabric/util/logger"
	"github.com/xiaonanln/netfabric/wire"
)

// DefaultClientBuffer is the number of broadcasts buffered per connected
// client before new ones are dropped.
const DefaultClientBuffer = 256

const disconnectTimeout = 5 * time.Second

// Server exposes an Agent over gRPC.
type Server struct {
	agent        *Agent
	listener     net.Listener
	grpcServer   *grpc.Server
	clientBuffer int
	logger       *logger.Logger

	mu      sync.Mutex
	proxies map[proxyKey]*clientProxy
	done    chan struct{}
	stopped bool
}

type proxyKey struct {
	container core.ContainerUUID
	client    core.ClientUUID
}

var _ wire.AgentServer = (*Server)(nil)

// ServerOption configures CreateAgent.
type ServerOption func(*serverOptions)

type serverOptions struct {
	advertise    string
	clientBuffer int
	agentOpts    []Option
	grpcOpts     []grpc.ServerOption
}

// WithAdvertiseAddress sets the endpoint the agent registers with. It
// defaults to the listener address.
func WithAdvertiseAddress(addr string) ServerOption {
	return func(o *serverOptions) { o.advertise = addr }
}

// WithClientBuffer sets the per-client broadcast buffer.
func WithClientBuffer(n int) ServerOption {
	return func(o *serverOptions) { o.clientBuffer = n }
}

// WithAgentOptions passes options to the created Agent.
func WithAgentOptions(opts ...Option) ServerOption {
	return func(o *serverOptions) { o.agentOpts = append(o.agentOpts, opts...) }
}

// WithGRPCOptions passes options to the gRPC server.
func WithGRPCOptions(opts ...grpc.ServerOption) ServerOption {
	return func(o *serverOptions) { o.grpcOpts = append(o.grpcOpts, opts...) }
}

// CreateAgent listens on listenAddr and serves a new Agent from it. Pass
// ":0" or "127.0.0.1:0" for an ephemeral port; the chosen address becomes the
// agent endpoint unless an advertise address is given.
func CreateAgent(listenAddr string, factories map[core.ContainerKind]container.Factory, opts ...ServerOption) (*Agent, *Server, error) {
	o := serverOptions{clientBuffer: DefaultClientBuffer}
	for _, opt := range opts {
		opt(&o)
	}
	if len(factories) == 0 {
		return nil, nil, fmt.Errorf("agent needs at least one container factory")
	}

	lis, err := net.Listen("tcp", listenAddr)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to listen on %s: %w", listenAddr, err)
	}
	endpoint := o.advertise
	if endpoint == "" {
		endpoint = lis.Addr().String()
	}
	a := NewAgent(endpoint, factories, o.agentOpts...)
	s := NewServer(a, lis, o.clientBuffer, o.grpcOpts...)
	go func() {
		if err := s.Serve(); err != nil {
			s.logger.Errorf("gRPC server error: %v", err)
		}
	}()
	return a, s, nil
}

// NewServer wraps a in a gRPC server on lis. Serve must be called to accept connections.
func NewServer(a *Agent, lis net.Listener, clientBuffer int, opts ...grpc.ServerOption) *Server {
	if clientBuffer <= 0 {
		clientBuffer = DefaultClientBuffer
	}
	s := &Server{
		agent:        a,
		listener:     lis,
		grpcServer:   grpc.NewServer(opts...),
		clientBuffer: clientBuffer,
		logger:       logger.NewLogger(fmt.Sprintf("AgentServer(%s)", lis.Addr())),
		proxies:      make(map[proxyKey]*clientProxy),
		done:         make(chan struct{}),
	}
	s.grpcServer.RegisterService(&wire.AgentServiceDesc, s)
	reflection.Register(s.grpcServer)
	return s
}

// Agent returns the served agent.
func (s *Server) Agent() *Agent {
	return s.agent
}

// Addr returns the listener address.
func (s *Server) Addr() string {
	return s.listener.Addr().String()
}

// Serve accepts connections until Close.
func (s *Server) Serve() error {
	s.logger.Infof("Agent %s serving on %s", s.agent.ID(), s.listener.Addr())
	err := s.grpcServer.Serve(s.listener)
	if errors.Is(err, grpc.ErrServerStopped) {
		return nil
	}
	return err
}

// Close ends every Connect stream, terminates hosted containers and stops
// the gRPC server.
func (s *Server) Close(ctx context.Context) {
	s.mu.Lock()
	if s.stopped {
		s.mu.Unlock()
		return
	}
	s.stopped = true
	close(s.done)
	s.mu.Unlock()

	s.agent.TerminateAll(ctx)
	s.grpcServer.GracefulStop()
	s.logger.Infof("Agent %s stopped", s.agent.ID())
}

func (s *Server) logRPC(method string, req any) {
	s.logger.Debugf("RPC <<< %s(request=%+v)", method, req)
}

func (s *Server) Create(ctx context.Context, req *wire.CreateRequest) (*wire.CreateResponse, error) {
	s.logRPC("Create", req)
	rec, err := s.agent.Create(ctx, req.Kind, req.Options)
	if err != nil {
		return nil, err
	}
	return &wire.CreateResponse{Container: rec}, nil
}

func (s *Server) Request(ctx context.Context, req *wire.ContainerRequest) (*wire.ContainerResponse, error) {
	s.logRPC("Request", req)
	result, err := s.agent.Request(ctx, req.UUID, req.Operation, req.Data, req.ClientID)
	if err != nil {
		return nil, err
	}
	return &wire.ContainerResponse{Result: result}, nil
}

func (s *Server) Ping(ctx context.Context, req *wire.ContainerTarget) (*wire.Empty, error) {
	if err := s.agent.Ping(ctx, req.UUID); err != nil {
		return nil, err
	}
	return &wire.Empty{}, nil
}

func (s *Server) Terminate(ctx context.Context, req *wire.ContainerTarget) (*wire.Empty, error) {
	s.logRPC("Terminate", req)
	if err := s.agent.Terminate(ctx, req.UUID); err != nil {
		return nil, err
	}
	return &wire.Empty{}, nil
}

func (s *Server) List(ctx context.Context, req *wire.ListRequest) (*wire.ListResponse, error) {
	var out []core.ContainerRecord
	for _, rec := range s.agent.Containers() {
		if req.Kind == "" || rec.Kind == req.Kind {
			out = append(out, rec)
		}
	}
	return &wire.ListResponse{Containers: out}, nil
}

func (s *Server) Disconnect(ctx context.Context, req *wire.ConnectRequest) (*wire.Empty, error) {
	s.logRPC("Disconnect", req)
	s.dropProxy(proxyKey{req.UUID, req.ClientID})
	if err := s.agent.Disconnect(ctx, req.UUID, req.ClientID); err != nil {
		return nil, err
	}
	return &wire.Empty{}, nil
}

// Connect registers the caller with the container and streams its
// broadcasts until the caller goes away, Disconnect is called or the server
// stops.
func (s *Server) Connect(req *wire.ConnectRequest, out wire.Sender[wire.BroadcastMessage]) error {
	s.logRPC("Connect", req)
	ctx := out.Context()
	key := proxyKey{req.UUID, req.ClientID}

	proxy := newClientProxy(req.ClientID, s.clientBuffer)
	s.mu.Lock()
	if s.stopped {
		s.mu.Unlock()
		return nil
	}
	old := s.proxies[key]
	s.proxies[key] = proxy
	s.mu.Unlock()
	if old != nil {
		old.close()
	}

	if err := s.agent.Connect(ctx, req.UUID, req.ClientID, proxy.broadcast); err != nil {
		s.dropProxy(key)
		return err
	}
	defer func() {
		if s.dropProxyIf(key, proxy) {
			dctx, cancel := context.WithTimeout(context.Background(), disconnectTimeout)
			defer cancel()
			if err := s.agent.Disconnect(dctx, req.UUID, req.ClientID); err != nil {
				s.logger.Debugf("Disconnecting client %s from %s: %v", req.ClientID, req.UUID, err)
			}
		}
	}()

	for {
		select {
		case msg, ok := <-proxy.messages:
			if !ok {
				return nil
			}
			if err := out.Send(&wire.BroadcastMessage{Data: msg}); err != nil {
				return fmt.Errorf("failed to send broadcast to client %s: %w", req.ClientID, err)
			}
		case <-ctx.Done():
			return nil
		case <-s.done:
			return nil
		}
	}
}

// dropProxy removes and closes the proxy under key, returning it.
func (s *Server) dropProxy(key proxyKey) *clientProxy {
	s.mu.Lock()
	p := s.proxies[key]
	delete(s.proxies, key)
	s.mu.Unlock()
	if p != nil {
		p.close()
	}
	return p
}

// dropProxyIf removes the proxy under key only while it is still p.
func (s *Server) dropProxyIf(key proxyKey, p *clientProxy) bool {
	s.mu.Lock()
	current := s.proxies[key]
	if current == p {
		delete(s.proxies, key)
	}
	s.mu.Unlock()
	p.close()
	return current == p
}
