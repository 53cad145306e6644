// Package container defines the contract every hosted service instance
// implements, plus small building blocks shared by implementations.
package container

import (
	"context"
	"encoding/json"
	"sync/atomic"

	"github.com/xiaonanln/netfabric/core"
	ferrors "github.com/xiaonanln/netfabric/util/errors"
)

// BroadcastFunc pushes one asynchronous payload to a connected client.
type BroadcastFunc func(ctx context.Context, data any) error

// Container is one addressable, stateful service instance hosted by an agent.
type Container interface {
	// Request performs operation with its JSON payload on behalf of clientID.
	// Unknown operations fail with ErrUnknownOperation and requests after
	// Terminate fail with ErrTerminated.
	Request(ctx context.Context, operation string, data json.RawMessage, clientID core.ClientUUID) (any, error)
	// Ping is a cheap liveness probe without side effects.
	Ping(ctx context.Context) error
	// Terminate shuts the container down gracefully.
	Terminate(ctx context.Context) error
	// Connect registers the push channel of clientID.
	Connect(ctx context.Context, clientID core.ClientUUID, broadcast BroadcastFunc) error
	// Disconnect removes the push channel of clientID and its per-client state.
	Disconnect(ctx context.Context, clientID core.ClientUUID) error
}

// Factory creates a container for the given options. opts.UUID is always
// set by the hosting agent before the call.
type Factory func(ctx context.Context, opts core.GetOptions) (Container, error)

// Lifecycle tracks whether a container has been terminated.
type Lifecycle struct {
	terminated atomic.Bool
}

// Check returns ErrTerminated once MarkTerminated has been called.
func (l *Lifecycle) Check(uuid core.ContainerUUID) error {
	if l.terminated.Load() {
		return ferrors.New(ferrors.ErrTerminated, "container %s is terminated", uuid)
	}
	return nil
}

// MarkTerminated flips the lifecycle to terminated and reports whether this
// call did it.
func (l *Lifecycle) MarkTerminated() bool {
	return l.terminated.CompareAndSwap(false, true)
}

// Terminated reports whether MarkTerminated has been called.
func (l *Lifecycle) Terminated() bool {
	return l.terminated.Load()
}

// UnknownOperation builds the error returned for unsupported operations.
func UnknownOperation(kind core.ContainerKind, operation string) error {
	return ferrors.New(ferrors.ErrUnknownOperation, "unknown operation %q for container kind %q", operation, kind)
}
