package agent

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"

	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials/insecure"

	"github.com/xiaonanln/netfabric/core"
	"github.com/xiaonanln/netfabric/util/logger"
	"github.com/xiaonanln/netfabric/wire"
)

// Client talks to a remote agent's Server.
type Client struct {
	address string
	conn    *grpc.ClientConn
}

// Dial creates a client for the agent at address. The connection is
// established lazily on first use.
func Dial(address string, opts ...grpc.DialOption) (*Client, error) {
	opts = append([]grpc.DialOption{grpc.WithTransportCredentials(insecure.NewCredentials())}, opts...)
	conn, err := grpc.NewClient(address, opts...)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to agent %s: %w", address, err)
	}
	return &Client{address: address, conn: conn}, nil
}

func (c *Client) Address() string {
	return c.address
}

func (c *Client) Create(ctx context.Context, kind core.ContainerKind, opts core.GetOptions) (core.ContainerRecord, error) {
	resp, err := wire.Invoke[wire.CreateRequest, wire.CreateResponse](ctx, c.conn, wire.AgentCreate, &wire.CreateRequest{Kind: kind, Options: opts})
	if err != nil {
		return core.ContainerRecord{}, err
	}
	return resp.Container, nil
}

func (c *Client) Request(ctx context.Context, id core.ContainerUUID, operation string, data json.RawMessage, clientID core.ClientUUID) (json.RawMessage, error) {
	resp, err := wire.Invoke[wire.ContainerRequest, wire.ContainerResponse](ctx, c.conn, wire.AgentRequest, &wire.ContainerRequest{
		UUID:      id,
		Operation: operation,
		Data:      data,
		ClientID:  clientID,
	})
	if err != nil {
		return nil, err
	}
	return resp.Result, nil
}

func (c *Client) Ping(ctx context.Context, id core.ContainerUUID) error {
	_, err := wire.Invoke[wire.ContainerTarget, wire.Empty](ctx, c.conn, wire.AgentPing, &wire.ContainerTarget{UUID: id})
	return err
}

func (c *Client) Terminate(ctx context.Context, id core.ContainerUUID) error {
	_, err := wire.Invoke[wire.ContainerTarget, wire.Empty](ctx, c.conn, wire.AgentTerminate, &wire.ContainerTarget{UUID: id})
	return err
}

func (c *Client) List(ctx context.Context) ([]core.ContainerRecord, error) {
	resp, err := wire.Invoke[wire.ListRequest, wire.ListResponse](ctx, c.conn, wire.AgentList, &wire.ListRequest{})
	if err != nil {
		return nil, err
	}
	return resp.Containers, nil
}

// Connect opens the push stream of clientID on container id. The stream ends
// when ctx is cancelled or the container goes away.
func (c *Client) Connect(ctx context.Context, id core.ContainerUUID, clientID core.ClientUUID) (*wire.Stream[wire.BroadcastMessage], error) {
	return wire.OpenStream[wire.ConnectRequest, wire.BroadcastMessage](ctx, c.conn, wire.ConnectStreamDesc, wire.AgentConnect, &wire.ConnectRequest{UUID: id, ClientID: clientID})
}

func (c *Client) Disconnect(ctx context.Context, id core.ContainerUUID, clientID core.ClientUUID) error {
	_, err := wire.Invoke[wire.ConnectRequest, wire.Empty](ctx, c.conn, wire.AgentDisconnect, &wire.ConnectRequest{UUID: id, ClientID: clientID})
	return err
}

// Close releases the underlying connection.
func (c *Client) Close() error {
	return c.conn.Close()
}

// Pool keeps one Client per agent address.
type Pool struct {
	mu      sync.Mutex
	clients map[string]*Client
	opts    []grpc.DialOption
	logger  *logger.Logger
}

// NewPool creates an empty pool. opts are applied to every dial.
func NewPool(opts ...grpc.DialOption) *Pool {
	return &Pool{
		clients: make(map[string]*Client),
		opts:    opts,
		logger:  logger.NewLogger("AgentPool"),
	}
}

// Get returns the client for address, dialing it on first use.
func (p *Pool) Get(address string) (*Client, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if c, ok := p.clients[address]; ok {
		return c, nil
	}
	c, err := Dial(address, p.opts...)
	if err != nil {
		return nil, err
	}
	p.clients[address] = c
	p.logger.Debugf("Connected to agent %s", address)
	return c, nil
}

// Remove closes and forgets the client for address.
func (p *Pool) Remove(address string) {
	p.mu.Lock()
	c, ok := p.clients[address]
	delete(p.clients, address)
	p.mu.Unlock()
	if ok {
		if err := c.Close(); err != nil {
			p.logger.Warnf("Error closing connection to %s: %v", address, err)
		}
	}
}

// Len returns the number of pooled clients.
func (p *Pool) Len() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.clients)
}

// Close closes every pooled client.
func (p *Pool) Close() {
	p.mu.Lock()
	clients := p.clients
	p.clients = make(map[string]*Client)
	p.mu.Unlock()
	for addr, c := range clients {
		if err := c.Close(); err != nil {
			p.logger.Warnf("Error closing connection to %s: %v", addr, err)
		}
	}
}
