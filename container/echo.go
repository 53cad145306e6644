package container

import (
	"context"
	"encoding/json"
	"sync"

	"github.com/xiaonanln/netfabric/core"
	ferrors "github.com/xiaonanln/netfabric/util/errors"
)

// EchoKind is the kind served by EchoContainer.
const EchoKind core.ContainerKind = "echo"

// EchoContainer answers requests with their payload. It supports the
// operations "echo", "info" and "broadcast", the last pushing its payload to
// every connected client. Agents use it for smoke tests and benchmarks.
type EchoContainer struct {
	uuid   core.ContainerUUID
	labels []string
	life   Lifecycle

	mu       sync.Mutex
	clients  map[core.ClientUUID]BroadcastFunc
	requests int
}

// NewEchoFactory returns a Factory producing EchoContainers.
func NewEchoFactory() Factory {
	return func(ctx context.Context, opts core.GetOptions) (Container, error) {
		return NewEchoContainer(opts), nil
	}
}

func NewEchoContainer(opts core.GetOptions) *EchoContainer {
	return &EchoContainer{
		uuid:    opts.UUID,
		labels:  opts.Labels,
		clients: make(map[core.ClientUUID]BroadcastFunc),
	}
}

// EchoInfo is the result of the "info" operation.
type EchoInfo struct {
	UUID     core.ContainerUUID `json:"uuid"`
	Labels   []string           `json:"labels,omitempty"`
	Requests int                `json:"requests"`
	Clients  int                `json:"clients"`
}

func (e *EchoContainer) Request(ctx context.Context, operation string, data json.RawMessage, clientID core.ClientUUID) (any, error) {
	if err := e.life.Check(e.uuid); err != nil {
		return nil, err
	}
	e.mu.Lock()
	e.requests++
	e.mu.Unlock()

	switch operation {
	case "echo":
		if len(data) == 0 {
			return nil, nil
		}
		return data, nil
	case "info":
		e.mu.Lock()
		defer e.mu.Unlock()
		return EchoInfo{UUID: e.uuid, Labels: e.labels, Requests: e.requests, Clients: len(e.clients)}, nil
	case "broadcast":
		e.mu.Lock()
		targets := make([]BroadcastFunc, 0, len(e.clients))
		for _, b := range e.clients {
			targets = append(targets, b)
		}
		e.mu.Unlock()
		for _, b := range targets {
			_ = b(ctx, data)
		}
		return len(targets), nil
	default:
		return nil, UnknownOperation(EchoKind, operation)
	}
}

func (e *EchoContainer) Ping(ctx context.Context) error {
	return e.life.Check(e.uuid)
}

func (e *EchoContainer) Terminate(ctx context.Context) error {
	if !e.life.MarkTerminated() {
		return nil
	}
	e.mu.Lock()
	clear(e.clients)
	e.mu.Unlock()
	return nil
}

func (e *EchoContainer) Connect(ctx context.Context, clientID core.ClientUUID, broadcast BroadcastFunc) error {
	if err := e.life.Check(e.uuid); err != nil {
		return err
	}
	if broadcast == nil {
		return ferrors.InvalidArgument("broadcast function must not be nil")
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	e.clients[clientID] = broadcast
	return nil
}

func (e *EchoContainer) Disconnect(ctx context.Context, clientID core.ClientUUID) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	delete(e.clients, clientID)
	return nil
}
