package client

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"sync"

	"github.com/google/uuid"

	"github.com/xiaonanln/netfabric/agent"
	"github.com/xiaonanln/netfabric/core"
	ferrors "github.com/xiaonanln/netfabric/util/errors"
)

// ContainerReference is a handle on one remote container. Requests go
// straight to the hosting agent under a client id allocated for this
// reference, so the container can recognize the caller and route
// broadcasts to it.
type ContainerReference struct {
	client   *NetworkClient
	record   core.ContainerRecord
	clientID core.ClientUUID

	mu         sync.Mutex
	stopStream context.CancelFunc
	streamDone chan struct{}
	closed     bool
}

func newReference(c *NetworkClient, rec core.ContainerRecord) *ContainerReference {
	return &ContainerReference{
		client:   c,
		record:   rec,
		clientID: core.ClientUUID(uuid.NewString()),
	}
}

// Endpoint returns the container's endpoint reference.
func (r *ContainerReference) Endpoint() core.ContainerEndpointRef {
	return r.record.Endpoint
}

// Record returns the registry record the reference was resolved from.
func (r *ContainerReference) Record() core.ContainerRecord {
	return r.record
}

// ClientID returns the identity requests are made under.
func (r *ContainerReference) ClientID() core.ClientUUID {
	return r.clientID
}

func (r *ContainerReference) agentClient() (*agent.Client, core.ContainerUUID, error) {
	addr, id, err := core.ParseEndpointRef(r.record.Endpoint)
	if err != nil {
		return nil, "", ferrors.InvalidArgument("%v", err)
	}
	ac, err := r.client.agents.Get(addr)
	if err != nil {
		return nil, "", ferrors.New(ferrors.ErrRegistrationFailure, "connect to agent %s: %v", addr, err)
	}
	return ac, id, nil
}

func (r *ContainerReference) checkOpen() error {
	r.mu.Lock()
	closed := r.closed
	r.mu.Unlock()
	if closed {
		return ferrors.New(ferrors.ErrClosed, "reference to container %s is closed", r.record.UUID)
	}
	if r.client.isClosed() {
		return r.client.closedErr()
	}
	return nil
}

// Request performs operation on the container. data is marshalled to JSON
// unless it already is a json.RawMessage; nil sends no payload.
func (r *ContainerReference) Request(ctx context.Context, operation string, data any) (json.RawMessage, error) {
	if err := r.checkOpen(); err != nil {
		return nil, err
	}
	payload, err := marshalPayload(data)
	if err != nil {
		return nil, err
	}
	ac, id, err := r.agentClient()
	if err != nil {
		return nil, err
	}
	ctx, done := r.client.callContext(ctx, 0)
	defer done()
	out, err := ac.Request(ctx, id, operation, payload, r.clientID)
	return out, r.client.translate(err)
}

// RequestInto performs operation and decodes the result into out.
func (r *ContainerReference) RequestInto(ctx context.Context, operation string, data any, out any) error {
	raw, err := r.Request(ctx, operation, data)
	if err != nil {
		return err
	}
	if len(raw) == 0 {
		return nil
	}
	if err := json.Unmarshal(raw, out); err != nil {
		return fmt.Errorf("decode %s result: %w", operation, err)
	}
	return nil
}

// Ping probes the container through its agent.
func (r *ContainerReference) Ping(ctx context.Context) error {
	if err := r.checkOpen(); err != nil {
		return err
	}
	ac, id, err := r.agentClient()
	if err != nil {
		return err
	}
	ctx, done := r.client.callContext(ctx, r.client.options.CallTimeout)
	defer done()
	return r.client.translate(ac.Ping(ctx, id))
}

// Connect opens the container's push channel for this reference. onMessage
// runs sequentially for every broadcast until Close, the client closes or
// the container goes away. Connecting again replaces the previous channel.
func (r *ContainerReference) Connect(ctx context.Context, onMessage func(data json.RawMessage)) error {
	if err := r.checkOpen(); err != nil {
		return err
	}
	ac, id, err := r.agentClient()
	if err != nil {
		return err
	}
	r.stopPushStream()

	streamCtx, cancel := context.WithCancel(r.client.ctx)
	stream, err := ac.Connect(streamCtx, id, r.clientID)
	if err != nil {
		cancel()
		return r.client.translate(err)
	}
	done := make(chan struct{})
	r.mu.Lock()
	r.stopStream = cancel
	r.streamDone = done
	r.mu.Unlock()

	go func() {
		defer close(done)
		defer cancel()
		for {
			msg, err := stream.Recv()
			if err != nil {
				if !errors.Is(err, io.EOF) && streamCtx.Err() == nil {
					r.client.logger.Warnf("Push stream of container %s ended: %v", id, err)
				}
				return
			}
			onMessage(msg.Data)
		}
	}()
	return nil
}

func (r *ContainerReference) stopPushStream() {
	r.mu.Lock()
	cancel, done := r.stopStream, r.streamDone
	r.stopStream, r.streamDone = nil, nil
	r.mu.Unlock()
	if cancel != nil {
		cancel()
		<-done
	}
}

// Close disconnects the push channel and drops this reference. The network
// is told once no reference of the client to the container remains.
func (r *ContainerReference) Close(ctx context.Context) error {
	r.mu.Lock()
	if r.closed {
		r.mu.Unlock()
		return nil
	}
	r.closed = true
	connected := r.stopStream != nil
	r.mu.Unlock()

	r.stopPushStream()
	if r.client.isClosed() {
		return nil
	}

	var errs []error
	if connected {
		if ac, id, err := r.agentClient(); err == nil {
			cctx, done := r.client.callContext(ctx, r.client.options.CallTimeout)
			errs = append(errs, r.client.translate(ac.Disconnect(cctx, id, r.clientID)))
			done()
		}
	}
	errs = append(errs, r.client.release(ctx, r.record.UUID))
	return errors.Join(errs...)
}

func marshalPayload(data any) (json.RawMessage, error) {
	switch d := data.(type) {
	case nil:
		return nil, nil
	case json.RawMessage:
		return d, nil
	case []byte:
		return json.RawMessage(d), nil
	default:
		raw, err := json.Marshal(d)
		if err != nil {
			return nil, ferrors.InvalidArgument("marshal request payload: %v", err)
		}
		return raw, nil
	}
}
