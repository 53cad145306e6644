// Package client is the consumer side of the network: it registers agents,
// resolves containers into ContainerReferences, and follows registry events.
package client

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials/insecure"

	"github.com/xiaonanln/netfabric/agent"
	"github.com/xiaonanln/netfabric/core"
	"github.com/xiaonanln/netfabric/tick"
	"github.com/xiaonanln/netfabric/util/callcontext"
	ferrors "github.com/xiaonanln/netfabric/util/errors"
	"github.com/xiaonanln/netfabric/util/logger"
	"github.com/xiaonanln/netfabric/wire"
)

const (
	// DefaultGetTimeout bounds Get when the caller's context has no deadline.
	DefaultGetTimeout = 30 * time.Second

	// DefaultCallTimeout bounds registry calls other than Get.
	DefaultCallTimeout = 10 * time.Second

	// DefaultHeartbeatInterval is the cadence of client and agent pings.
	DefaultHeartbeatInterval = time.Second

	// DefaultReconnectInterval is the first delay before resubscribing
	// after the event stream breaks.
	DefaultReconnectInterval = 100 * time.Millisecond

	// DefaultMaxReconnectInterval caps the resubscribe backoff.
	DefaultMaxReconnectInterval = 5 * time.Second
)

// Registrant is an agent the client announces to the network. *agent.Agent
// implements it.
type Registrant interface {
	ID() core.AgentUUID
	Record() core.AgentRecord
	Containers() []core.ContainerRecord
	Terminate(ctx context.Context, id core.ContainerUUID) error
	OnChange(fn func()) func()
}

// Options holds configuration options for the client.
type Options struct {
	// GetTimeout bounds Get.
	GetTimeout time.Duration

	// CallTimeout bounds the other registry calls.
	CallTimeout time.Duration

	// HeartbeatInterval is the cadence of pings to the network.
	HeartbeatInterval time.Duration

	// ReconnectInterval and MaxReconnectInterval shape the resubscribe backoff.
	ReconnectInterval    time.Duration
	MaxReconnectInterval time.Duration

	// GRPCDialOptions are additional gRPC dial options for the network and agents.
	GRPCDialOptions []grpc.DialOption
}

// Option configures Options.
type Option func(*Options)

// WithGetTimeout sets the Get timeout.
func WithGetTimeout(d time.Duration) Option {
	return func(o *Options) { o.GetTimeout = d }
}

// WithCallTimeout sets the timeout of List, Agents, Register and friends.
func WithCallTimeout(d time.Duration) Option {
	return func(o *Options) { o.CallTimeout = d }
}

// WithHeartbeatInterval sets the ping cadence.
func WithHeartbeatInterval(d time.Duration) Option {
	return func(o *Options) { o.HeartbeatInterval = d }
}

// WithReconnectInterval sets the resubscribe backoff bounds.
func WithReconnectInterval(initial, max time.Duration) Option {
	return func(o *Options) {
		o.ReconnectInterval = initial
		o.MaxReconnectInterval = max
	}
}

// WithGRPCDialOptions adds gRPC dial options.
func WithGRPCDialOptions(opts ...grpc.DialOption) Option {
	return func(o *Options) { o.GRPCDialOptions = append(o.GRPCDialOptions, opts...) }
}

type registration struct {
	agent    Registrant
	dirty    bool
	stopSync func()
}

// NetworkClient talks to one network.
type NetworkClient struct {
	address string
	id      core.ClientUUID
	options *Options
	conn    *grpc.ClientConn
	agents  *agent.Pool
	tm      tick.Manager
	logger  *logger.Logger

	// ctx is cancelled by Close and fails every call still in flight.
	ctx    context.Context
	cancel context.CancelFunc

	mu            sync.Mutex
	closed        bool
	registrations map[core.AgentUUID]*registration
	unregs        []func()
	listeners     map[int]func(core.ContainerEvent)
	nextListener  int
	subscription  *subscription

	// held counts the open references per container; the network sees
	// this client as one holder until the last of them closes.
	held map[core.ContainerUUID]int
}

// NewNetworkClient creates a client for the network at address. Heartbeats
// run as tm handlers, so tm must be started (or ticked by the test).
func NewNetworkClient(address string, tm tick.Manager, opts ...Option) (*NetworkClient, error) {
	if address == "" {
		return nil, ferrors.InvalidArgument("network address is required")
	}
	options := &Options{
		GetTimeout:           DefaultGetTimeout,
		CallTimeout:          DefaultCallTimeout,
		HeartbeatInterval:    DefaultHeartbeatInterval,
		ReconnectInterval:    DefaultReconnectInterval,
		MaxReconnectInterval: DefaultMaxReconnectInterval,
	}
	for _, opt := range opts {
		opt(options)
	}

	dialOpts := append([]grpc.DialOption{grpc.WithTransportCredentials(insecure.NewCredentials())}, options.GRPCDialOptions...)
	conn, err := grpc.NewClient(address, dialOpts...)
	if err != nil {
		return nil, ferrors.New(ferrors.ErrRegistrationFailure, "failed to connect to network %s: %v", address, err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	c := &NetworkClient{
		address:       address,
		id:            core.ClientUUID(uuid.NewString()),
		options:       options,
		conn:          conn,
		agents:        agent.NewPool(options.GRPCDialOptions...),
		tm:            tm,
		ctx:           ctx,
		cancel:        cancel,
		registrations: make(map[core.AgentUUID]*registration),
		listeners:     make(map[int]func(core.ContainerEvent)),
		held:          make(map[core.ContainerUUID]int),
	}
	c.logger = logger.NewLogger("NetworkClient").With("client", c.id)

	interval := int(options.HeartbeatInterval * time.Duration(tm.TicksPerSecond()) / time.Second)
	if interval < 1 {
		interval = 1
	}
	for _, h := range []struct {
		fn       tick.Handler
		interval int
	}{
		{c.syncAgents, 1},
		{c.heartbeat, interval},
	} {
		unreg, err := tm.Register(h.fn, h.interval)
		if err != nil {
			c.Close()
			return nil, err
		}
		c.unregs = append(c.unregs, unreg)
	}
	return c, nil
}

// ID returns the client identity used for heartbeats and subscriptions.
func (c *NetworkClient) ID() core.ClientUUID {
	return c.id
}

func (c *NetworkClient) closedErr() error {
	return ferrors.New(ferrors.ErrClosed, "network client %s is closed", c.id)
}

// callContext derives a context bounded by timeout, unless ctx already has
// a deadline, that is also cancelled when the client closes.
func (c *NetworkClient) callContext(ctx context.Context, timeout time.Duration) (context.Context, context.CancelFunc) {
	ctx, cancel := callcontext.WithDefaultTimeout(ctx, timeout)
	stop := context.AfterFunc(c.ctx, cancel)
	return ctx, func() {
		stop()
		cancel()
	}
}

// translate replaces errors caused by Close with ErrClosed.
func (c *NetworkClient) translate(err error) error {
	if err == nil {
		return nil
	}
	if c.ctx.Err() != nil {
		return c.closedErr()
	}
	return err
}

func (c *NetworkClient) isClosed() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.closed
}

// Register announces a to the network. Containers the network reports as
// owned by another agent are terminated on a. Registering the same agent
// again refreshes its record. While registered, the agent is re-announced
// whenever it loses a container or the network forgets it.
func (c *NetworkClient) Register(ctx context.Context, a Registrant) error {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return c.closedErr()
	}
	reg, ok := c.registrations[a.ID()]
	if !ok {
		reg = &registration{agent: a}
		id := a.ID()
		reg.stopSync = a.OnChange(func() { c.markDirty(id) })
		c.registrations[id] = reg
	}
	c.mu.Unlock()

	return c.register(ctx, a)
}

func (c *NetworkClient) register(ctx context.Context, a Registrant) error {
	ctx, done := c.callContext(ctx, c.options.CallTimeout)
	defer done()

	resp, err := wire.Invoke[wire.RegisterRequest, wire.RegisterResponse](ctx, c.conn, wire.NetworkRegister,
		&wire.RegisterRequest{Agent: a.Record(), Containers: a.Containers()})
	if err != nil {
		err = c.translate(err)
		if ferrors.KindOf(err) == nil {
			err = ferrors.New(ferrors.ErrRegistrationFailure, "register agent %s: %v", a.ID(), err)
		}
		return err
	}
	for _, id := range resp.Terminate {
		c.logger.Warnf("Container %s is hosted elsewhere, terminating it on agent %s", id, a.ID())
		if err := a.Terminate(ctx, id); err != nil {
			c.logger.Warnf("Terminating duplicate container %s failed: %v", id, err)
		}
	}
	c.logger.Infof("Registered agent %s (%d containers)", a.ID(), len(a.Containers()))
	return nil
}

func (c *NetworkClient) markDirty(id core.AgentUUID) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if reg, ok := c.registrations[id]; ok {
		reg.dirty = true
	}
}

// syncAgents re-registers agents whose containers changed or that the
// network no longer knows.
func (c *NetworkClient) syncAgents(ctx context.Context) error {
	c.mu.Lock()
	var pending []*registration
	for _, reg := range c.registrations {
		if reg.dirty {
			reg.dirty = false
			pending = append(pending, reg)
		}
	}
	c.mu.Unlock()

	var errs []error
	for _, reg := range pending {
		if err := c.register(ctx, reg.agent); err != nil {
			c.markDirty(reg.agent.ID())
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

func (c *NetworkClient) heartbeat(ctx context.Context) error {
	c.mu.Lock()
	ids := make([]core.AgentUUID, 0, len(c.registrations))
	for id := range c.registrations {
		ids = append(ids, id)
	}
	c.mu.Unlock()

	ctx, done := c.callContext(ctx, c.options.CallTimeout)
	defer done()
	resp, err := wire.Invoke[wire.PingRequest, wire.PingResponse](ctx, c.conn, wire.NetworkPing,
		&wire.PingRequest{ClientID: c.id, Agents: ids})
	if err != nil {
		return fmt.Errorf("heartbeat to %s: %w", c.address, err)
	}
	for _, id := range resp.UnknownAgents {
		c.logger.Infof("Network forgot agent %s, registering it again", id)
		c.markDirty(id)
	}
	return nil
}

// Get resolves a container of kind. With opts.UUID set, an existing
// container is returned as is and kind may be empty.
func (c *NetworkClient) Get(ctx context.Context, kind core.ContainerKind, opts core.GetOptions) (*ContainerReference, error) {
	if c.isClosed() {
		return nil, c.closedErr()
	}
	ctx, done := c.callContext(ctx, c.options.GetTimeout)
	defer done()

	resp, err := wire.Invoke[wire.GetRequest, wire.GetResponse](ctx, c.conn, wire.NetworkGet,
		&wire.GetRequest{ClientID: c.id, Kind: kind, Options: opts})
	if err != nil {
		return nil, c.translate(err)
	}
	c.mu.Lock()
	c.held[resp.Container.UUID]++
	c.mu.Unlock()
	return newReference(c, resp.Container), nil
}

// GetByUUID resolves an existing container.
func (c *NetworkClient) GetByUUID(ctx context.Context, id core.ContainerUUID) (*ContainerReference, error) {
	return c.Get(ctx, "", core.GetOptions{UUID: id})
}

// List returns the containers of kind, or of every kind when kind is empty.
func (c *NetworkClient) List(ctx context.Context, kind core.ContainerKind) ([]core.ContainerRecord, error) {
	if c.isClosed() {
		return nil, c.closedErr()
	}
	ctx, done := c.callContext(ctx, c.options.CallTimeout)
	defer done()
	resp, err := wire.Invoke[wire.ListRequest, wire.ListResponse](ctx, c.conn, wire.NetworkList, &wire.ListRequest{Kind: kind})
	if err != nil {
		return nil, c.translate(err)
	}
	return resp.Containers, nil
}

// Agents returns the registered agents with their container counts.
func (c *NetworkClient) Agents(ctx context.Context) ([]core.AgentRecordInfo, error) {
	if c.isClosed() {
		return nil, c.closedErr()
	}
	ctx, done := c.callContext(ctx, c.options.CallTimeout)
	defer done()
	resp, err := wire.Invoke[wire.AgentsRequest, wire.AgentsResponse](ctx, c.conn, wire.NetworkAgents, &wire.AgentsRequest{})
	if err != nil {
		return nil, c.translate(err)
	}
	return resp.Agents, nil
}

// release drops one reference to id and tells the network once no
// reference of this client is left.
func (c *NetworkClient) release(ctx context.Context, id core.ContainerUUID) error {
	c.mu.Lock()
	c.held[id]--
	last := c.held[id] <= 0
	if last {
		delete(c.held, id)
	}
	c.mu.Unlock()
	if !last {
		return nil
	}

	ctx, done := c.callContext(ctx, c.options.CallTimeout)
	defer done()
	_, err := wire.Invoke[wire.ReleaseRequest, wire.Empty](ctx, c.conn, wire.NetworkRelease,
		&wire.ReleaseRequest{ClientID: c.id, UUID: id})
	return c.translate(err)
}

// Close fails every call still in flight with ErrClosed, unregisters the
// agents announced through this client and releases connections. It is
// idempotent.
func (c *NetworkClient) Close() error {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return nil
	}
	c.closed = true
	unregs := c.unregs
	c.unregs = nil
	regs := c.registrations
	c.registrations = make(map[core.AgentUUID]*registration)
	sub := c.subscription
	c.subscription = nil
	c.mu.Unlock()

	c.cancel()
	for _, unreg := range unregs {
		unreg()
	}
	if sub != nil {
		sub.stop()
	}

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	for id, reg := range regs {
		reg.stopSync()
		if _, err := wire.Invoke[wire.UnregisterRequest, wire.Empty](ctx, c.conn, wire.NetworkUnregister, &wire.UnregisterRequest{AgentID: id}); err != nil {
			c.logger.Debugf("Unregistering agent %s failed: %v", id, err)
		}
	}
	if _, err := wire.Invoke[wire.CloseRequest, wire.Empty](ctx, c.conn, wire.NetworkClose, &wire.CloseRequest{ClientID: c.id}); err != nil {
		c.logger.Debugf("Close RPC failed: %v", err)
	}

	c.agents.Close()
	err := c.conn.Close()
	c.logger.Infof("Network client closed")
	return err
}
