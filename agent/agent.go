// Package agent hosts containers on behalf of the network. An Agent owns
// one factory per container kind it serves and exposes its containers over
// RPC through a Server.
package agent

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/juju/collections/set"
	"golang.org/x/sync/errgroup"
	"golang.org/x/sync/singleflight"

	"github.com/xiaonanln/netfabric/container"
	"github.com/xiaonanln/netfabric/core"
	ferrors "github.com/xiaonanln/netfabric/util/errors"
	"github.com/xiaonanln/netfabric/util/logger"
	"github.com/xiaonanln/netfabric/util/metrics"
)

const terminateParallelism = 8

type hosted struct {
	record    core.ContainerRecord
	container container.Container
}

// Agent hosts containers created by its factories.
type Agent struct {
	id        core.AgentUUID
	labels    []string
	factories map[core.ContainerKind]container.Factory
	filter    OperationFilter
	logger    *logger.Logger

	mu         sync.RWMutex
	endpoint   string
	containers map[core.ContainerUUID]*hosted
	terminated set.Strings
	listeners  map[int]func()
	nextListen int

	creating singleflight.Group
}

// Option configures an Agent.
type Option func(*Agent)

// WithAgentID fixes the agent id instead of generating one.
func WithAgentID(id core.AgentUUID) Option {
	return func(a *Agent) { a.id = id }
}

// WithLabels sets the labels the agent advertises.
func WithLabels(labels ...string) Option {
	return func(a *Agent) { a.labels = labels }
}

// OperationFilter decides whether an operation may run on a container of
// the given kind. A non-nil error rejects the request.
type OperationFilter func(kind core.ContainerKind, operation string) error

// WithOperationFilter installs a filter consulted before every request.
func WithOperationFilter(f OperationFilter) Option {
	return func(a *Agent) { a.filter = f }
}

// NewAgent creates an agent reachable at endpoint.
func NewAgent(endpoint string, factories map[core.ContainerKind]container.Factory, opts ...Option) *Agent {
	a := &Agent{
		id:         core.AgentUUID(uuid.NewString()),
		endpoint:   endpoint,
		factories:  factories,
		containers: make(map[core.ContainerUUID]*hosted),
		terminated: set.NewStrings(),
		listeners:  make(map[int]func()),
	}
	for _, opt := range opts {
		opt(a)
	}
	a.logger = logger.NewLogger("Agent").With("agent", a.id)
	return a
}

func (a *Agent) ID() core.AgentUUID {
	return a.id
}

func (a *Agent) Endpoint() string {
	a.mu.RLock()
	defer a.mu.RUnlock()
	return a.endpoint
}

func (a *Agent) setEndpoint(endpoint string) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.endpoint = endpoint
}

// Record describes the agent for registration.
func (a *Agent) Record() core.AgentRecord {
	kinds := make([]core.ContainerKind, 0, len(a.factories))
	for k := range a.factories {
		kinds = append(kinds, k)
	}
	sort.Slice(kinds, func(i, j int) bool { return kinds[i] < kinds[j] })
	return core.AgentRecord{
		AgentID:  a.id,
		Endpoint: a.Endpoint(),
		Kinds:    kinds,
		Labels:   a.labels,
	}
}

// Containers returns the records of every hosted container, sorted by uuid.
func (a *Agent) Containers() []core.ContainerRecord {
	a.mu.RLock()
	defer a.mu.RUnlock()
	out := make([]core.ContainerRecord, 0, len(a.containers))
	for _, h := range a.containers {
		out = append(out, h.record)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].UUID < out[j].UUID })
	return out
}

// Container returns a hosted container by uuid.
func (a *Agent) Container(id core.ContainerUUID) (container.Container, bool) {
	a.mu.RLock()
	defer a.mu.RUnlock()
	h, ok := a.containers[id]
	if !ok {
		return nil, false
	}
	return h.container, true
}

// OnChange registers fn to run whenever a container leaves the agent. The
// returned function removes it.
func (a *Agent) OnChange(fn func()) func() {
	a.mu.Lock()
	defer a.mu.Unlock()
	id := a.nextListen
	a.nextListen++
	a.listeners[id] = fn
	return func() {
		a.mu.Lock()
		defer a.mu.Unlock()
		delete(a.listeners, id)
	}
}

func (a *Agent) notify() {
	a.mu.RLock()
	fns := make([]func(), 0, len(a.listeners))
	for _, fn := range a.listeners {
		fns = append(fns, fn)
	}
	a.mu.RUnlock()
	for _, fn := range fns {
		fn()
	}
}

// Create instantiates a container of kind. Creating a uuid the agent already
// hosts returns the existing record, and concurrent creations of one uuid
// invoke the factory once.
func (a *Agent) Create(ctx context.Context, kind core.ContainerKind, opts core.GetOptions) (core.ContainerRecord, error) {
	factory, ok := a.factories[kind]
	if !ok {
		return core.ContainerRecord{}, ferrors.InvalidArgument("agent %s has no factory for kind %q", a.id, kind)
	}
	if opts.UUID == "" {
		opts.UUID = core.ContainerUUID(uuid.NewString())
	}

	v, err, _ := a.creating.Do(string(opts.UUID), func() (any, error) {
		a.mu.RLock()
		h, exists := a.containers[opts.UUID]
		a.mu.RUnlock()
		if exists {
			return h.record, nil
		}

		c, err := factory(ctx, opts)
		if err != nil {
			return nil, fmt.Errorf("create %s container %s: %w", kind, opts.UUID, err)
		}
		rec := core.ContainerRecord{
			UUID:     opts.UUID,
			Kind:     kind,
			AgentID:  a.id,
			Endpoint: core.NewEndpointRef(a.Endpoint(), opts.UUID),
			Labels:   opts.Labels,
		}
		a.mu.Lock()
		a.containers[opts.UUID] = &hosted{record: rec, container: c}
		a.terminated.Remove(string(opts.UUID))
		a.mu.Unlock()
		a.logger.Infof("Created %s container %s", kind, opts.UUID)
		return rec, nil
	})
	if err != nil {
		return core.ContainerRecord{}, err
	}
	return v.(core.ContainerRecord), nil
}

func (a *Agent) lookup(id core.ContainerUUID) (*hosted, error) {
	a.mu.RLock()
	defer a.mu.RUnlock()
	if h, ok := a.containers[id]; ok {
		return h, nil
	}
	if a.terminated.Contains(string(id)) {
		return nil, ferrors.New(ferrors.ErrTerminated, "container %s is terminated", id)
	}
	return nil, ferrors.New(ferrors.ErrNotFound, "Container %s not found", id)
}

// Request runs an operation on a hosted container and returns its result as JSON.
func (a *Agent) Request(ctx context.Context, id core.ContainerUUID, operation string, data json.RawMessage, clientID core.ClientUUID) (json.RawMessage, error) {
	h, err := a.lookup(id)
	if err != nil {
		return nil, err
	}
	if a.filter != nil {
		if err := a.filter(h.record.Kind, operation); err != nil {
			return nil, err
		}
	}

	start := time.Now()
	result, err := h.container.Request(ctx, operation, data, clientID)
	status := "success"
	if err != nil {
		status = "failure"
	}
	metrics.RecordContainerRequest(string(a.id), string(h.record.Kind), operation, status, time.Since(start).Seconds())
	if err != nil {
		return nil, err
	}
	return marshalResult(result)
}

func marshalResult(result any) (json.RawMessage, error) {
	switch r := result.(type) {
	case nil:
		return nil, nil
	case json.RawMessage:
		return r, nil
	default:
		raw, err := json.Marshal(r)
		if err != nil {
			return nil, fmt.Errorf("marshal result: %w", err)
		}
		return raw, nil
	}
}

// Ping probes a hosted container.
func (a *Agent) Ping(ctx context.Context, id core.ContainerUUID) error {
	h, err := a.lookup(id)
	if err != nil {
		return err
	}
	return h.container.Ping(ctx)
}

// Terminate shuts a hosted container down and removes it. Registered change
// listeners run afterwards so the network learns about the removal.
func (a *Agent) Terminate(ctx context.Context, id core.ContainerUUID) error {
	a.mu.Lock()
	h, ok := a.containers[id]
	if ok {
		delete(a.containers, id)
		a.terminated.Add(string(id))
	}
	a.mu.Unlock()
	if !ok {
		return nil
	}

	err := h.container.Terminate(ctx)
	if err != nil {
		a.logger.Warnf("Terminating container %s returned: %v", id, err)
	} else {
		a.logger.Infof("Terminated container %s", id)
	}
	a.notify()
	return err
}

// TerminateAll terminates every hosted container.
func (a *Agent) TerminateAll(ctx context.Context) {
	var g errgroup.Group
	g.SetLimit(terminateParallelism)
	for _, rec := range a.Containers() {
		g.Go(func() error { return a.Terminate(ctx, rec.UUID) })
	}
	if err := g.Wait(); err != nil {
		a.logger.Warnf("Terminating hosted containers: %v", err)
	}
}

// Connect registers the push channel of clientID with a hosted container.
func (a *Agent) Connect(ctx context.Context, id core.ContainerUUID, clientID core.ClientUUID, broadcast container.BroadcastFunc) error {
	h, err := a.lookup(id)
	if err != nil {
		return err
	}
	return h.container.Connect(ctx, clientID, broadcast)
}

// Disconnect removes the push channel of clientID from a hosted container.
func (a *Agent) Disconnect(ctx context.Context, id core.ContainerUUID, clientID core.ClientUUID) error {
	h, err := a.lookup(id)
	if err != nil {
		return err
	}
	return h.container.Disconnect(ctx, clientID)
}
