// Package network implements the registry that tracks agents and the
// containers they host, routes container lookups and creation, and publishes
// container lifecycle events.
package network

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"slices"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/juju/collections/set"

	"github.com/xiaonanln/netfabric/core"
	"github.com/xiaonanln/netfabric/tick"
	ferrors "github.com/xiaonanln/netfabric/util/errors"
	"github.com/xiaonanln/netfabric/util/logger"
	"github.com/xiaonanln/netfabric/util/metrics"
	"github.com/xiaonanln/netfabric/util/taskpool"
	"github.com/xiaonanln/netfabric/util/workerpool"
)

// AgentConn is the network's handle on a registered agent. An agent hosted
// in the same process can be passed directly; remote agents are reached
// through an RPC client. Connections that implement io.Closer are closed when
// the agent leaves.
type AgentConn interface {
	Create(ctx context.Context, kind core.ContainerKind, opts core.GetOptions) (core.ContainerRecord, error)
	Request(ctx context.Context, uuid core.ContainerUUID, operation string, data json.RawMessage, clientID core.ClientUUID) (json.RawMessage, error)
	Ping(ctx context.Context, uuid core.ContainerUUID) error
	Terminate(ctx context.Context, uuid core.ContainerUUID) error
}

// EventFunc receives container events for one subscribed client.
type EventFunc func(ctx context.Context, ev core.ContainerEvent) error

type agentEntry struct {
	record   core.AgentRecord
	conn     AgentConn
	lastSeen int64
}

type containerEntry struct {
	record      core.ContainerRecord
	missedPings int

	// clients holds the ids of clients that got the container and have not
	// released it. The container is orphaned once the set empties.
	clients set.Strings
}

func newContainerEntry(rec core.ContainerRecord) *containerEntry {
	return &containerEntry{record: rec, clients: set.NewStrings()}
}

type pendingCreation struct {
	uuid   core.ContainerUUID
	kind   core.ContainerKind
	labels []string
	done   chan struct{}
	record core.ContainerRecord
	err    error
}

type clientEntry struct {
	lastSeen   int64
	subscriber EventFunc

	// subscription identifies the current subscriber; cancels of replaced
	// subscriptions carry an older value and leave it alone.
	subscription uint64
}

// Network is the registry. All state is owned by the instance, so several
// networks can coexist in one process.
type Network struct {
	cfg      Config
	tm       tick.Manager
	selector Selector
	logger   *logger.Logger

	mu         sync.Mutex
	agents     map[core.AgentUUID]*agentEntry
	containers map[core.ContainerUUID]*containerEntry
	pending    []*pendingCreation
	orphaned   map[core.ContainerUUID]int64
	clients    map[core.ClientUUID]*clientEntry
	events     eventQueue
	closed     bool
	lastSub    uint64

	delivery *taskpool.TaskPool[core.ClientUUID]
	pingPool *workerpool.WorkerPool
	unregs   []func()
	ctx      context.Context
	cancel   context.CancelFunc
}

// NewNetwork creates a network driven by tm. Its periodic work (event
// flushing, liveness checks, container probes) runs as tm handlers.
func NewNetwork(tm tick.Manager, cfg Config) (*Network, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	sel := cfg.Selector
	if sel == nil {
		sel = NewRoundRobin()
	}
	ctx, cancel := context.WithCancel(context.Background())
	n := &Network{
		cfg:        cfg,
		tm:         tm,
		selector:   sel,
		logger:     logger.NewLogger("Network").With("network", cfg.Name),
		agents:     make(map[core.AgentUUID]*agentEntry),
		containers: make(map[core.ContainerUUID]*containerEntry),
		orphaned:   make(map[core.ContainerUUID]int64),
		clients:    make(map[core.ClientUUID]*clientEntry),
		delivery:   taskpool.NewTaskPool[core.ClientUUID](0),
		pingPool:   workerpool.New(ctx, cfg.PingWorkers),
		ctx:        ctx,
		cancel:     cancel,
	}

	tps := tm.TicksPerSecond()
	handlers := []struct {
		fn       tick.Handler
		interval int
	}{
		{n.flushEvents, 1},
		{n.checkAlive, ticksFor(cfg.CheckInterval, tps)},
		{n.pingContainers, ticksFor(cfg.PingInterval, tps)},
	}
	for _, h := range handlers {
		unreg, err := tm.Register(h.fn, h.interval)
		if err != nil {
			n.Close()
			return nil, err
		}
		n.unregs = append(n.unregs, unreg)
	}
	n.pingPool.Start()
	n.logger.Infof("Network created (alive timeout %v, get timeout %v)", cfg.AliveTimeout, cfg.GetTimeout)
	return n, nil
}

func (n *Network) closedErr() error {
	return ferrors.New(ferrors.ErrClosed, "network %s is closed", n.cfg.Name)
}

// Register adds or refreshes an agent. Containers the agent reports are
// merged into the registry; containers previously attributed to it but no
// longer reported are deleted. The result lists reported containers already
// owned by another live agent, which the caller must terminate.
func (n *Network) Register(ctx context.Context, rec core.AgentRecord, hosted []core.ContainerRecord, conn AgentConn) ([]core.ContainerUUID, error) {
	if rec.AgentID == "" || rec.Endpoint == "" {
		return nil, ferrors.InvalidArgument("agent id and endpoint are required")
	}
	if conn == nil {
		return nil, ferrors.InvalidArgument("agent %s has no connection", rec.AgentID)
	}

	n.mu.Lock()
	if n.closed {
		n.mu.Unlock()
		return nil, n.closedErr()
	}

	var stale AgentConn
	if old, ok := n.agents[rec.AgentID]; ok && old.conn != conn {
		stale = old.conn
	}
	n.agents[rec.AgentID] = &agentEntry{record: rec, conn: conn, lastSeen: n.tm.Now()}

	reported := make(map[core.ContainerUUID]struct{}, len(hosted))
	var duplicates []core.ContainerUUID
	for _, c := range hosted {
		c.AgentID = rec.AgentID
		if c.Endpoint == "" {
			c.Endpoint = core.NewEndpointRef(rec.Endpoint, c.UUID)
		}
		if existing, ok := n.containers[c.UUID]; ok {
			if owner := existing.record.AgentID; owner != rec.AgentID {
				if _, live := n.agents[owner]; live {
					duplicates = append(duplicates, c.UUID)
					continue
				}
			}
			existing.missedPings = 0
			c.LastVisit = existing.record.LastVisit
			if !sameRecord(existing.record, c) {
				existing.record = c
				n.events.updated(c)
			}
		} else {
			n.containers[c.UUID] = newContainerEntry(c)
			n.events.added(c)
		}
		reported[c.UUID] = struct{}{}
	}
	for id, ce := range n.containers {
		if ce.record.AgentID != rec.AgentID {
			continue
		}
		if _, ok := reported[id]; !ok {
			n.removeContainerLocked(id)
		}
	}
	n.updateGaugesLocked()
	n.mu.Unlock()

	closeConn(stale)
	n.logger.Infof("Agent %s registered at %s (kinds %v, %d containers, %d duplicates)",
		rec.AgentID, rec.Endpoint, rec.Kinds, len(reported), len(duplicates))
	return duplicates, nil
}

// Unregister removes an agent and deletes every container it hosted.
func (n *Network) Unregister(agentID core.AgentUUID) {
	n.mu.Lock()
	conn := n.removeAgentLocked(agentID)
	n.updateGaugesLocked()
	n.mu.Unlock()
	closeConn(conn)
}

func (n *Network) removeAgentLocked(agentID core.AgentUUID) AgentConn {
	ae, ok := n.agents[agentID]
	if !ok {
		return nil
	}
	delete(n.agents, agentID)
	for id, ce := range n.containers {
		if ce.record.AgentID == agentID {
			n.removeContainerLocked(id)
		}
	}
	n.logger.Infof("Agent %s removed", agentID)
	return ae.conn
}

func (n *Network) removeContainerLocked(id core.ContainerUUID) {
	ce, ok := n.containers[id]
	if !ok {
		return
	}
	delete(n.containers, id)
	delete(n.orphaned, id)
	n.events.deleted(ce.record)
}

// PingAgent refreshes an agent's heartbeat. It reports false for agents the
// network does not know, which must register again.
func (n *Network) PingAgent(agentID core.AgentUUID) bool {
	n.mu.Lock()
	defer n.mu.Unlock()
	ae, ok := n.agents[agentID]
	if ok {
		ae.lastSeen = n.tm.Now()
	}
	return ok
}

// PingClient refreshes a client's heartbeat, registering it if needed.
func (n *Network) PingClient(clientID core.ClientUUID) {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.touchClientLocked(clientID)
}

func (n *Network) touchClientLocked(clientID core.ClientUUID) *clientEntry {
	ce, ok := n.clients[clientID]
	if !ok {
		ce = &clientEntry{}
		n.clients[clientID] = ce
	}
	ce.lastSeen = n.tm.Now()
	return ce
}

// Get resolves a container. An existing record for opts.UUID is returned
// immediately; otherwise an eligible agent creates the container. Concurrent
// gets for the same uuid share one creation, as do uuid-less gets for a kind
// whose labels are covered by a pending creation.
func (n *Network) Get(ctx context.Context, clientID core.ClientUUID, kind core.ContainerKind, opts core.GetOptions) (core.ContainerRecord, error) {
	if kind == "" && opts.UUID == "" {
		return core.ContainerRecord{}, ferrors.InvalidArgument("kind or uuid is required")
	}

	n.mu.Lock()
	if n.closed {
		n.mu.Unlock()
		return core.ContainerRecord{}, n.closedErr()
	}
	if clientID != "" {
		n.touchClientLocked(clientID)
	}

	if opts.UUID != "" {
		if ce, ok := n.containers[opts.UUID]; ok {
			n.holdLocked(clientID, ce)
			rec := cloneRecord(ce.record)
			n.mu.Unlock()
			return rec, nil
		}
		if p := n.pendingByUUIDLocked(opts.UUID); p != nil {
			n.mu.Unlock()
			return n.awaitAndHold(ctx, clientID, p)
		}
		if kind == "" {
			n.mu.Unlock()
			return core.ContainerRecord{}, ferrors.New(ferrors.ErrNotFound, "Container %s not found", opts.UUID)
		}
	} else if p := n.pendingByLabelsLocked(kind, opts.Labels); p != nil {
		n.mu.Unlock()
		return n.awaitAndHold(ctx, clientID, p)
	}

	ae, err := n.selectAgentLocked(kind, opts.Labels)
	if err != nil {
		n.mu.Unlock()
		return core.ContainerRecord{}, err
	}
	if opts.UUID == "" {
		opts.UUID = core.ContainerUUID(uuid.NewString())
	}
	p := &pendingCreation{uuid: opts.UUID, kind: kind, labels: opts.Labels, done: make(chan struct{})}
	n.pending = append(n.pending, p)
	n.mu.Unlock()

	go n.create(p, ae.record, ae.conn, opts)
	return n.awaitAndHold(ctx, clientID, p)
}

// holdLocked records clientID as a user of ce and cancels a pending orphan
// timeout. Anonymous gets only refresh the visit time.
func (n *Network) holdLocked(clientID core.ClientUUID, ce *containerEntry) {
	ce.record.LastVisit = n.tm.Now()
	if clientID != "" {
		ce.clients.Add(string(clientID))
	}
	delete(n.orphaned, ce.record.UUID)
}

func (n *Network) awaitAndHold(ctx context.Context, clientID core.ClientUUID, p *pendingCreation) (core.ContainerRecord, error) {
	rec, err := n.await(ctx, p)
	if err != nil {
		return rec, err
	}
	n.mu.Lock()
	if ce, ok := n.containers[rec.UUID]; ok {
		n.holdLocked(clientID, ce)
	}
	n.mu.Unlock()
	return rec, nil
}

func (n *Network) pendingByUUIDLocked(id core.ContainerUUID) *pendingCreation {
	for _, p := range n.pending {
		if p.uuid == id {
			return p
		}
	}
	return nil
}

func (n *Network) pendingByLabelsLocked(kind core.ContainerKind, labels []string) *pendingCreation {
	for _, p := range n.pending {
		if p.kind == kind && core.LabelsMatch(p.labels, labels) {
			return p
		}
	}
	return nil
}

// selectAgentLocked prefers agents whose labels cover the requested labels
// and falls back to every agent serving kind.
func (n *Network) selectAgentLocked(kind core.ContainerKind, labels []string) (*agentEntry, error) {
	counts := make(map[core.AgentUUID]int, len(n.agents))
	for _, ce := range n.containers {
		counts[ce.record.AgentID]++
	}
	var all, labelled []Candidate
	for _, ae := range n.agents {
		if !ae.record.Serves(kind) {
			continue
		}
		c := Candidate{Agent: ae.record, Containers: counts[ae.record.AgentID]}
		all = append(all, c)
		if len(labels) > 0 && core.LabelsMatch(ae.record.Labels, labels) {
			labelled = append(labelled, c)
		}
	}
	if len(all) == 0 {
		return nil, ferrors.New(ferrors.ErrNoSuitableAgent, "no agent serves kind %q", kind)
	}
	candidates := all
	if len(labelled) > 0 {
		candidates = labelled
	}
	sort.Slice(candidates, func(i, j int) bool { return candidates[i].Agent.AgentID < candidates[j].Agent.AgentID })
	id := n.selector.Select(kind, labels, candidates)
	ae, ok := n.agents[id]
	if !ok {
		return nil, ferrors.New(ferrors.ErrNoSuitableAgent, "selector chose unknown agent %s", id)
	}
	return ae, nil
}

func (n *Network) create(p *pendingCreation, agent core.AgentRecord, conn AgentConn, opts core.GetOptions) {
	ctx, cancel := context.WithTimeout(n.ctx, n.cfg.GetTimeout)
	defer cancel()

	rec, err := conn.Create(ctx, p.kind, opts)
	if err != nil && ferrors.IsTimeout(err) {
		err = ferrors.NewTimeoutError("get", string(p.uuid), err)
	}

	n.mu.Lock()
	defer n.mu.Unlock()
	if i := slices.Index(n.pending, p); i >= 0 {
		n.pending = slices.Delete(n.pending, i, i+1)
	}
	switch {
	case n.closed:
		err = n.closedErr()
	case err == nil:
		if _, live := n.agents[agent.AgentID]; !live {
			err = ferrors.New(ferrors.ErrRegistrationFailure, "agent %s left while creating %s", agent.AgentID, p.uuid)
		}
	}
	if err != nil {
		n.logger.Warnf("Creating %s container %s on %s failed: %v", p.kind, p.uuid, agent.AgentID, err)
		p.err = err
		close(p.done)
		return
	}

	if rec.UUID == "" {
		rec.UUID = opts.UUID
	}
	rec.Kind = p.kind
	rec.AgentID = agent.AgentID
	if rec.Endpoint == "" {
		rec.Endpoint = core.NewEndpointRef(agent.Endpoint, rec.UUID)
	}
	if rec.Labels == nil {
		rec.Labels = opts.Labels
	}
	rec.LastVisit = n.tm.Now()
	if existing, ok := n.containers[rec.UUID]; ok {
		existing.record = rec
		n.events.updated(rec)
	} else {
		n.containers[rec.UUID] = newContainerEntry(rec)
		n.events.added(rec)
	}
	n.updateGaugesLocked()
	n.logger.Infof("Container %s (%s) created on %s", rec.UUID, rec.Kind, rec.AgentID)
	p.record = cloneRecord(rec)
	close(p.done)
}

func (n *Network) await(ctx context.Context, p *pendingCreation) (core.ContainerRecord, error) {
	select {
	case <-p.done:
		if p.err != nil {
			return core.ContainerRecord{}, p.err
		}
		return cloneRecord(p.record), nil
	case <-ctx.Done():
		if errors.Is(ctx.Err(), context.DeadlineExceeded) {
			return core.ContainerRecord{}, ferrors.NewTimeoutError("get", string(p.uuid), ctx.Err())
		}
		return core.ContainerRecord{}, ctx.Err()
	case <-n.ctx.Done():
		return core.ContainerRecord{}, n.closedErr()
	}
}

// List returns the records of kind, or of every kind when kind is empty,
// sorted by uuid.
func (n *Network) List(kind core.ContainerKind) []core.ContainerRecord {
	n.mu.Lock()
	defer n.mu.Unlock()
	var out []core.ContainerRecord
	for _, ce := range n.containers {
		if kind == "" || ce.record.Kind == kind {
			out = append(out, cloneRecord(ce.record))
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].UUID < out[j].UUID })
	return out
}

// Agents returns every registered agent with its container count, sorted by id.
func (n *Network) Agents() []core.AgentRecordInfo {
	n.mu.Lock()
	defer n.mu.Unlock()
	counts := make(map[core.AgentUUID]int)
	for _, ce := range n.containers {
		counts[ce.record.AgentID]++
	}
	out := make([]core.AgentRecordInfo, 0, len(n.agents))
	for id, ae := range n.agents {
		out = append(out, core.AgentRecordInfo{AgentRecord: ae.record, Containers: counts[id]})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].AgentID < out[j].AgentID })
	return out
}

// Release drops clientID from the users of a container. A container without
// users is orphaned and terminated if no get touches it within
// UnusedContainerTimeout.
func (n *Network) Release(clientID core.ClientUUID, id core.ContainerUUID) {
	n.mu.Lock()
	defer n.mu.Unlock()
	if ce, ok := n.containers[id]; ok {
		n.releaseLocked(clientID, ce)
	}
}

func (n *Network) releaseLocked(clientID core.ClientUUID, ce *containerEntry) {
	ce.clients.Remove(string(clientID))
	if !ce.clients.IsEmpty() {
		n.logger.Debugf("Container %s released by %s, still held by %d clients", ce.record.UUID, clientID, ce.clients.Size())
		return
	}
	n.orphaned[ce.record.UUID] = n.tm.Now()
	n.logger.Debugf("Container %s released by %s, now orphaned", ce.record.UUID, clientID)
}

// releaseClientLocked releases every container clientID holds.
func (n *Network) releaseClientLocked(clientID core.ClientUUID) {
	for _, ce := range n.containers {
		if ce.clients.Contains(string(clientID)) {
			n.releaseLocked(clientID, ce)
		}
	}
}

// Request forwards a container operation to the hosting agent.
func (n *Network) Request(ctx context.Context, id core.ContainerUUID, operation string, data json.RawMessage, clientID core.ClientUUID) (json.RawMessage, error) {
	n.mu.Lock()
	if n.closed {
		n.mu.Unlock()
		return nil, n.closedErr()
	}
	ce, ok := n.containers[id]
	if !ok {
		n.mu.Unlock()
		return nil, ferrors.New(ferrors.ErrNotFound, "Container %s not found", id)
	}
	ae, ok := n.agents[ce.record.AgentID]
	n.mu.Unlock()
	if !ok {
		return nil, ferrors.New(ferrors.ErrNotFound, "agent %s of container %s not found", ce.record.AgentID, id)
	}
	return ae.conn.Request(ctx, id, operation, data, clientID)
}

// Subscribe delivers future container events to fn, serialized per client.
// The returned function cancels the subscription.
// A later Subscribe for the same client replaces fn, after which the
// returned function does nothing.
func (n *Network) Subscribe(clientID core.ClientUUID, fn EventFunc) func() {
	n.mu.Lock()
	ce := n.touchClientLocked(clientID)
	n.lastSub++
	id := n.lastSub
	ce.subscriber = fn
	ce.subscription = id
	n.updateGaugesLocked()
	n.mu.Unlock()

	return func() {
		n.mu.Lock()
		ce, ok := n.clients[clientID]
		current := ok && ce.subscription == id
		if current {
			ce.subscriber = nil
			ce.subscription = 0
		}
		n.mu.Unlock()
		if current {
			n.delivery.Remove(clientID)
		}
	}
}

// CloseClient forgets a client and its subscription and releases every
// container it holds.
func (n *Network) CloseClient(clientID core.ClientUUID) {
	n.mu.Lock()
	delete(n.clients, clientID)
	n.releaseClientLocked(clientID)
	n.updateGaugesLocked()
	n.mu.Unlock()
	n.delivery.Remove(clientID)
}

func (n *Network) flushEvents(ctx context.Context) error {
	n.mu.Lock()
	batches := n.events.drain()
	if len(batches) == 0 {
		n.mu.Unlock()
		return nil
	}
	type sub struct {
		id core.ClientUUID
		fn EventFunc
	}
	var subs []sub
	for id, ce := range n.clients {
		if ce.subscriber != nil {
			subs = append(subs, sub{id, ce.subscriber})
		}
	}
	n.mu.Unlock()

	for _, ev := range batches {
		metrics.RecordContainerEvents(n.cfg.Name, "added", len(ev.Added))
		metrics.RecordContainerEvents(n.cfg.Name, "updated", len(ev.Updated))
		metrics.RecordContainerEvents(n.cfg.Name, "deleted", len(ev.Deleted))
		for _, s := range subs {
			ev, s := ev, s
			ok := n.delivery.Submit(s.id, func(ctx context.Context) {
				if err := s.fn(ctx, ev); err != nil {
					n.logger.Warnf("Delivering event to client %s failed: %v", s.id, err)
				}
			})
			if !ok {
				metrics.RecordBroadcastDropped("network")
				n.logger.Warnf("Event queue of client %s is full, dropping event", s.id)
			}
		}
	}
	return nil
}

func (n *Network) checkAlive(ctx context.Context) error {
	now := n.tm.Now()
	alive := n.cfg.AliveTimeout.Milliseconds()
	unused := n.cfg.UnusedContainerTimeout.Milliseconds()

	type reap struct {
		id   core.ContainerUUID
		conn AgentConn
	}
	var departed []AgentConn
	var reaped []reap
	var goneClients []core.ClientUUID

	n.mu.Lock()
	for id, ae := range n.agents {
		if now-ae.lastSeen > alive {
			n.logger.Warnf("Agent %s silent for %v, removing", id, time.Duration(now-ae.lastSeen)*time.Millisecond)
			departed = append(departed, n.removeAgentLocked(id))
		}
	}
	for id, ce := range n.clients {
		// An open subscription stream keeps its client alive.
		if ce.subscriber == nil && now-ce.lastSeen > alive {
			delete(n.clients, id)
			n.releaseClientLocked(id)
			goneClients = append(goneClients, id)
		}
	}
	for id, since := range n.orphaned {
		if now-since <= unused {
			continue
		}
		ce, ok := n.containers[id]
		if !ok {
			delete(n.orphaned, id)
			continue
		}
		if ae, ok := n.agents[ce.record.AgentID]; ok {
			reaped = append(reaped, reap{id, ae.conn})
		}
		n.removeContainerLocked(id)
	}
	if len(departed)+len(reaped)+len(goneClients) > 0 {
		n.updateGaugesLocked()
	}
	n.mu.Unlock()

	for _, conn := range departed {
		closeConn(conn)
	}
	for _, id := range goneClients {
		n.delivery.Remove(id)
		n.logger.Infof("Client %s timed out", id)
	}
	for _, r := range reaped {
		tctx, cancel := context.WithTimeout(ctx, n.cfg.PingTimeout)
		if err := r.conn.Terminate(tctx, r.id); err != nil {
			n.logger.Warnf("Terminating unused container %s failed: %v", r.id, err)
		} else {
			n.logger.Infof("Terminated unused container %s", r.id)
		}
		cancel()
	}
	return nil
}

func (n *Network) pingContainers(ctx context.Context) error {
	type probe struct {
		id      core.ContainerUUID
		kind    core.ContainerKind
		agentID core.AgentUUID
		conn    AgentConn
	}
	n.mu.Lock()
	probes := make([]probe, 0, len(n.containers))
	for id, ce := range n.containers {
		if ae, ok := n.agents[ce.record.AgentID]; ok {
			probes = append(probes, probe{id, ce.record.Kind, ce.record.AgentID, ae.conn})
		}
	}
	n.mu.Unlock()
	if len(probes) == 0 {
		return nil
	}

	tasks := make([]workerpool.Task, len(probes))
	for i, p := range probes {
		p := p
		tasks[i] = func(ctx context.Context) error {
			pctx, cancel := context.WithTimeout(ctx, n.cfg.PingTimeout)
			defer cancel()
			return p.conn.Ping(pctx, p.id)
		}
	}
	results := n.pingPool.SubmitAndWait(ctx, tasks)

	n.mu.Lock()
	defer n.mu.Unlock()
	removed := false
	for _, r := range results {
		p := probes[r.Index]
		ce, ok := n.containers[p.id]
		if !ok || ce.record.AgentID != p.agentID {
			continue
		}
		if r.Err == nil {
			ce.missedPings = 0
			continue
		}
		ce.missedPings++
		metrics.RecordContainerPingFailure(n.cfg.Name, string(p.kind))
		if ce.missedPings >= n.cfg.MaxMissedPings {
			n.logger.Warnf("Container %s missed %d pings, removing: %v", p.id, ce.missedPings, r.Err)
			n.removeContainerLocked(p.id)
			removed = true
		}
	}
	if removed {
		n.updateGaugesLocked()
	}
	return nil
}

func (n *Network) updateGaugesLocked() {
	metrics.SetAgentsRegistered(n.cfg.Name, len(n.agents))
	metrics.SetClientsConnected(n.cfg.Name, len(n.clients))
	byKind := make(map[core.ContainerKind]int)
	for _, ae := range n.agents {
		for _, k := range ae.record.Kinds {
			if _, ok := byKind[k]; !ok {
				byKind[k] = 0
			}
		}
	}
	for _, ce := range n.containers {
		byKind[ce.record.Kind]++
	}
	for k, c := range byKind {
		metrics.SetContainersActive(n.cfg.Name, string(k), c)
	}
}

// Close stops periodic work, fails gets still waiting and closes agent connections.
func (n *Network) Close() {
	n.mu.Lock()
	if n.closed {
		n.mu.Unlock()
		return
	}
	n.closed = true
	unregs := n.unregs
	n.unregs = nil
	var conns []AgentConn
	for _, ae := range n.agents {
		conns = append(conns, ae.conn)
	}
	n.mu.Unlock()

	n.cancel()
	for _, unreg := range unregs {
		unreg()
	}
	n.pingPool.Stop()
	n.delivery.Stop()
	for _, c := range conns {
		closeConn(c)
	}
	n.logger.Infof("Network closed")
}

func closeConn(conn AgentConn) {
	if c, ok := conn.(io.Closer); ok {
		_ = c.Close()
	}
}

func sameRecord(a, b core.ContainerRecord) bool {
	return a.UUID == b.UUID && a.Kind == b.Kind && a.AgentID == b.AgentID &&
		a.Endpoint == b.Endpoint && slices.Equal(a.Labels, b.Labels)
}

func cloneRecord(r core.ContainerRecord) core.ContainerRecord {
	r.Labels = slices.Clone(r.Labels)
	return r
}
