// Package workspace hosts one workspace's Service behind the container
// contract. Many user sessions, arriving over many clients, share a single
// container instance.
package workspace

import (
	"context"
	"encoding/json"
	"maps"
	"slices"
	"sync"

	"github.com/juju/collections/set"

	"github.com/xiaonanln/netfabric/container"
	"github.com/xiaonanln/netfabric/core"
	"github.com/xiaonanln/netfabric/measure"
	"github.com/xiaonanln/netfabric/util/callcontext"
	ferrors "github.com/xiaonanln/netfabric/util/errors"
	"github.com/xiaonanln/netfabric/util/logger"
	"github.com/xiaonanln/netfabric/util/metrics"
	"github.com/xiaonanln/netfabric/util/taskpool"
)

// Kind is the container kind served by WorkspaceContainer.
const Kind core.ContainerKind = "workspace"

// DefaultBroadcastQueue is the number of pushes buffered per client.
const DefaultBroadcastQueue = 256

// ServiceFactory builds the Service of a new workspace container. host is
// the container itself.
type ServiceFactory func(ctx context.Context, opts core.GetOptions, host Host) (Service, error)

// Option configures a WorkspaceContainer.
type Option func(*WorkspaceContainer)

// WithBroadcastQueue sets the per-client push buffer.
func WithBroadcastQueue(n int) Option {
	return func(w *WorkspaceContainer) { w.queueSize = n }
}

// WithScope sets the measure scope operations are recorded under.
func WithScope(s *measure.Scope) Option {
	return func(w *WorkspaceContainer) { w.scope = s }
}

type sessionEntry struct {
	session *Session
	client  core.ClientUUID
	chunks  map[int]struct{}
}

type clientEntry struct {
	broadcast container.BroadcastFunc
	sessions  set.Strings
}

// RegisterSessionResult is returned by registerSession.
type RegisterSessionResult struct {
	SessionID string `json:"sessionId"`
}

// WorkspaceContainer multiplexes sessions over one Service.
type WorkspaceContainer struct {
	uuid      core.ContainerUUID
	service   Service
	life      container.Lifecycle
	scope     *measure.Scope
	queueSize int
	delivery  *taskpool.TaskPool[core.ClientUUID]
	logger    *logger.Logger

	mu                   sync.Mutex
	sessions             map[string]*sessionEntry
	accounts             map[string]set.Strings
	socialStringsToUsers map[string]SocialUser
	clients              map[core.ClientUUID]*clientEntry
}

// NewFactory returns a container.Factory producing WorkspaceContainers
// backed by services from newService.
func NewFactory(newService ServiceFactory, opts ...Option) container.Factory {
	return func(ctx context.Context, o core.GetOptions) (container.Container, error) {
		return New(ctx, o, newService, opts...)
	}
}

// New creates the container for o.UUID and its service.
func New(ctx context.Context, o core.GetOptions, newService ServiceFactory, opts ...Option) (*WorkspaceContainer, error) {
	w := &WorkspaceContainer{
		uuid:                 o.UUID,
		queueSize:            DefaultBroadcastQueue,
		logger:               logger.NewLogger("WorkspaceContainer").With("workspace", o.UUID),
		sessions:             make(map[string]*sessionEntry),
		accounts:             make(map[string]set.Strings),
		socialStringsToUsers: make(map[string]SocialUser),
		clients:              make(map[core.ClientUUID]*clientEntry),
	}
	for _, opt := range opts {
		opt(w)
	}
	if w.scope == nil {
		w.scope = measure.NewRoot(string(Kind))
	}
	w.delivery = taskpool.NewTaskPool[core.ClientUUID](w.queueSize)

	svc, err := newService(ctx, o, w)
	if err != nil {
		w.delivery.Stop()
		return nil, err
	}
	w.service = svc
	w.logger.Infof("Workspace container created")
	return w, nil
}

// Request decodes and performs operation for clientID.
func (w *WorkspaceContainer) Request(ctx context.Context, operation string, data json.RawMessage, clientID core.ClientUUID) (any, error) {
	if err := w.life.Check(w.uuid); err != nil {
		return nil, err
	}
	op, err := ParseOperation(operation, data)
	if err != nil {
		return nil, err
	}
	ctx = callcontext.WithClientID(measure.NewContext(ctx, w.scope), clientID)
	return w.dispatch(ctx, op, clientID)
}

func (w *WorkspaceContainer) dispatch(ctx context.Context, op Operation, clientID core.ClientUUID) (any, error) {
	switch op := op.(type) {
	case RegisterSession:
		return w.registerSession(op, clientID)
	case CloseSession:
		return nil, w.closeSession(ctx, op.SessionID, clientID)
	case GetLastTxHash:
		return measure.WithResult(ctx, op.Name(), nil, w.service.GetLastTxHash)
	case GetDomainHash:
		return measure.WithResult(ctx, op.Name(), measure.Params{"domain": op.Domain}, func(ctx context.Context) (string, error) {
			return w.service.GetDomainHash(ctx, op.Domain)
		})
	case sessionScoped:
		s, err := w.resolve(op.session())
		if err != nil {
			return nil, err
		}
		ctx = callcontext.WithSessionID(ctx, s.ID)
		return measure.WithResult(ctx, op.Name(), nil, func(ctx context.Context) (any, error) {
			return w.forward(ctx, s, op)
		})
	default:
		return nil, container.UnknownOperation(Kind, op.Name())
	}
}

func (w *WorkspaceContainer) forward(ctx context.Context, s *Session, op Operation) (any, error) {
	switch op := op.(type) {
	case LoadModel:
		return w.service.LoadModel(ctx, s, op.LastModelTx, op.Hash)
	case FindAll:
		return w.service.FindAll(ctx, s, op.Class, op.Query, op.Options)
	case SearchFulltext:
		return w.service.SearchFulltext(ctx, s, op.Query, op.Options)
	case ApplyTx:
		return w.tx(ctx, s, op.Tx)
	case DomainRequest:
		return w.service.DomainRequest(ctx, s, op.Domain, op.Params)
	case LoadChunk:
		return w.loadChunk(ctx, s, op)
	case CloseChunk:
		return nil, w.closeChunk(ctx, s, op.Idx)
	case LoadDocs:
		return w.service.LoadDocs(ctx, s, op.Domain, op.Docs)
	case Upload:
		return nil, w.service.Upload(ctx, s, op.Domain, op.Docs)
	case Clean:
		return nil, w.service.Clean(ctx, s, op.Domain, op.Docs)
	default:
		return nil, container.UnknownOperation(Kind, op.Name())
	}
}

func (w *WorkspaceContainer) resolve(sessionID string) (*Session, error) {
	w.mu.Lock()
	defer w.mu.Unlock()
	if e, ok := w.sessions[sessionID]; ok {
		return e.session, nil
	}
	return nil, ferrors.New(ferrors.ErrSessionRequired, "session %q is not registered in workspace %s", sessionID, w.uuid)
}

func (w *WorkspaceContainer) registerSession(op RegisterSession, clientID core.ClientUUID) (*RegisterSessionResult, error) {
	if op.SessionID == "" {
		return nil, ferrors.InvalidArgument("sessionId is required")
	}
	if op.Account.UUID == "" {
		return nil, ferrors.InvalidArgument("account uuid is required")
	}

	w.mu.Lock()
	entry := &sessionEntry{
		session: &Session{ID: op.SessionID, Token: op.Token, Account: op.Account},
		client:  clientID,
		chunks:  make(map[int]struct{}),
	}
	if old := w.detachLocked(op.SessionID); old != nil {
		entry.chunks = old.chunks
	}
	w.sessions[op.SessionID] = entry

	sessions, ok := w.accounts[op.Account.UUID]
	if !ok {
		sessions = set.NewStrings()
		w.accounts[op.Account.UUID] = sessions
	}
	sessions.Add(op.SessionID)

	if op.Account.UUID != SystemAccountUUID {
		for _, id := range op.Account.SocialIDs {
			w.socialStringsToUsers[id] = SocialUser{AccountUUID: op.Account.UUID, Role: op.Account.Role}
		}
	}
	if clientID != "" {
		w.clientLocked(clientID).sessions.Add(op.SessionID)
	}
	count := len(w.sessions)
	w.mu.Unlock()

	metrics.SetWorkspaceSessions(string(w.uuid), count)
	w.logger.Debugf("Session %s registered for account %s", op.SessionID, op.Account.UUID)
	return &RegisterSessionResult{SessionID: op.SessionID}, nil
}

func (w *WorkspaceContainer) clientLocked(clientID core.ClientUUID) *clientEntry {
	ce, ok := w.clients[clientID]
	if !ok {
		ce = &clientEntry{sessions: set.NewStrings()}
		w.clients[clientID] = ce
	}
	return ce
}

// detachLocked removes a session from every index and returns it.
func (w *WorkspaceContainer) detachLocked(sessionID string) *sessionEntry {
	e, ok := w.sessions[sessionID]
	if !ok {
		return nil
	}
	delete(w.sessions, sessionID)
	account := e.session.Account.UUID
	if sessions, ok := w.accounts[account]; ok {
		sessions.Remove(sessionID)
		if sessions.IsEmpty() {
			delete(w.accounts, account)
		}
	}
	if ce, ok := w.clients[e.client]; ok {
		ce.sessions.Remove(sessionID)
	}
	return e
}

func (w *WorkspaceContainer) closeSession(ctx context.Context, sessionID string, clientID core.ClientUUID) error {
	w.mu.Lock()
	e := w.detachLocked(sessionID)
	if ce, ok := w.clients[clientID]; ok {
		ce.sessions.Remove(sessionID)
	}
	count := len(w.sessions)
	w.mu.Unlock()

	if e == nil {
		return nil
	}
	metrics.SetWorkspaceSessions(string(w.uuid), count)
	w.releaseChunks(ctx, e)
	w.logger.Debugf("Session %s closed", sessionID)
	return nil
}

// releaseChunks closes every chunk iterator still open for the sessions.
func (w *WorkspaceContainer) releaseChunks(ctx context.Context, entries ...*sessionEntry) {
	for _, e := range entries {
		for _, idx := range slices.Sorted(maps.Keys(e.chunks)) {
			if err := w.service.CloseChunk(ctx, e.session, idx); err != nil {
				w.logger.Warnf("Closing chunk %d of session %s failed: %v", idx, e.session.ID, err)
			}
		}
	}
}

func (w *WorkspaceContainer) tx(ctx context.Context, s *Session, tx Tx) (*TxResult, error) {
	res, err := w.service.Tx(ctx, s, tx)
	if err != nil {
		return nil, err
	}
	if res != nil && len(res.Committed) > 0 {
		w.Broadcast(ctx, res.Committed, nil, []string{s.Account.UUID})
	}
	return res, nil
}

func (w *WorkspaceContainer) loadChunk(ctx context.Context, s *Session, op LoadChunk) (*Chunk, error) {
	chunk, err := w.service.LoadChunk(ctx, s, op.Domain, op.Idx)
	if err != nil {
		return nil, err
	}
	if chunk == nil {
		return nil, nil
	}
	w.mu.Lock()
	e, ok := w.sessions[s.ID]
	if ok {
		e.chunks[chunk.Idx] = struct{}{}
	}
	w.mu.Unlock()
	if !ok {
		// The session closed while the page was loading.
		if err := w.service.CloseChunk(ctx, s, chunk.Idx); err != nil {
			w.logger.Warnf("Closing orphaned chunk %d failed: %v", chunk.Idx, err)
		}
	}
	return chunk, nil
}

func (w *WorkspaceContainer) closeChunk(ctx context.Context, s *Session, idx int) error {
	err := w.service.CloseChunk(ctx, s, idx)
	w.mu.Lock()
	if e, ok := w.sessions[s.ID]; ok {
		delete(e.chunks, idx)
	}
	w.mu.Unlock()
	return err
}

// Ping reports whether the container still accepts requests.
func (w *WorkspaceContainer) Ping(ctx context.Context) error {
	return w.life.Check(w.uuid)
}

// Connect registers the push channel of clientID, keeping sessions already
// attributed to it.
func (w *WorkspaceContainer) Connect(ctx context.Context, clientID core.ClientUUID, broadcast container.BroadcastFunc) error {
	if err := w.life.Check(w.uuid); err != nil {
		return err
	}
	if broadcast == nil {
		return ferrors.InvalidArgument("broadcast function must not be nil")
	}
	w.mu.Lock()
	w.clientLocked(clientID).broadcast = broadcast
	w.mu.Unlock()
	w.logger.Debugf("Client %s connected", clientID)
	return nil
}

// Disconnect removes clientID together with every session it owned.
func (w *WorkspaceContainer) Disconnect(ctx context.Context, clientID core.ClientUUID) error {
	w.mu.Lock()
	ce, ok := w.clients[clientID]
	var closed []*sessionEntry
	if ok {
		delete(w.clients, clientID)
		for _, id := range ce.sessions.SortedValues() {
			if e := w.detachLocked(id); e != nil {
				closed = append(closed, e)
			}
		}
	}
	count := len(w.sessions)
	w.mu.Unlock()

	if !ok {
		return nil
	}
	w.delivery.Remove(clientID)
	metrics.SetWorkspaceSessions(string(w.uuid), count)
	w.releaseChunks(ctx, closed...)
	w.logger.Debugf("Client %s disconnected, closed %d sessions", clientID, len(closed))
	return nil
}

// Terminate releases every session and closes the service.
func (w *WorkspaceContainer) Terminate(ctx context.Context) error {
	if !w.life.MarkTerminated() {
		return nil
	}
	w.mu.Lock()
	entries := slices.Collect(maps.Values(w.sessions))
	clear(w.sessions)
	clear(w.accounts)
	clear(w.clients)
	w.mu.Unlock()

	w.releaseChunks(ctx, entries...)
	w.delivery.Stop()
	metrics.DeleteWorkspaceSessions(string(w.uuid))
	err := w.service.Close(ctx)
	w.logger.Infof("Workspace container terminated")
	return err
}

type push struct {
	client    core.ClientUUID
	broadcast container.BroadcastFunc
	payload   Push
}

// Broadcast pushes txes to connected clients without waiting for delivery.
func (w *WorkspaceContainer) Broadcast(ctx context.Context, txes []Tx, targets, exclude []string) {
	include, skip := set.NewStrings(targets...), set.NewStrings(exclude...)

	w.mu.Lock()
	var pushes []push
	for id, ce := range w.clients {
		if ce.broadcast == nil {
			continue
		}
		accounts := w.accountsOfLocked(ce)
		if !include.IsEmpty() && accounts.Intersection(include).IsEmpty() {
			continue
		}
		if !accounts.Intersection(skip).IsEmpty() {
			continue
		}
		pushes = append(pushes, push{client: id, broadcast: ce.broadcast, payload: Push{Txes: txes}})
	}
	w.mu.Unlock()

	w.deliver(pushes)
}

func (w *WorkspaceContainer) accountsOfLocked(ce *clientEntry) set.Strings {
	accounts := set.NewStrings()
	for _, id := range ce.sessions.Values() {
		if e, ok := w.sessions[id]; ok {
			accounts.Add(e.session.Account.UUID)
		}
	}
	return accounts
}

// BroadcastSessions pushes each tx list to the client owning its session.
// Unknown sessions and sessions of disconnected clients are skipped.
func (w *WorkspaceContainer) BroadcastSessions(ctx context.Context, sessions map[string][]Tx) {
	w.mu.Lock()
	var pushes []push
	for _, id := range slices.Sorted(maps.Keys(sessions)) {
		e, ok := w.sessions[id]
		if !ok {
			continue
		}
		ce, ok := w.clients[e.client]
		if !ok || ce.broadcast == nil {
			continue
		}
		pushes = append(pushes, push{client: e.client, broadcast: ce.broadcast, payload: Push{SessionID: id, Txes: sessions[id]}})
	}
	w.mu.Unlock()

	w.deliver(pushes)
}

func (w *WorkspaceContainer) deliver(pushes []push) {
	for _, p := range pushes {
		ok := w.delivery.Submit(p.client, func(ctx context.Context) {
			if err := p.broadcast(ctx, p.payload); err != nil {
				w.logger.Debugf("Push to client %s failed: %v", p.client, err)
			}
		})
		if !ok {
			metrics.RecordBroadcastDropped("workspace")
			w.logger.Warnf("Push queue of client %s is full, dropping %d txes", p.client, len(p.payload.Txes))
		}
	}
}

// LookupSocial resolves a social id published by a registered account.
func (w *WorkspaceContainer) LookupSocial(socialID string) (SocialUser, bool) {
	w.mu.Lock()
	defer w.mu.Unlock()
	u, ok := w.socialStringsToUsers[socialID]
	return u, ok
}

// Sessions returns the registered session ids in order.
func (w *WorkspaceContainer) Sessions() []string {
	w.mu.Lock()
	defer w.mu.Unlock()
	return slices.Sorted(maps.Keys(w.sessions))
}

// AccountSessions returns the sessions of account, or nil if the account
// has none.
func (w *WorkspaceContainer) AccountSessions(account string) []string {
	w.mu.Lock()
	defer w.mu.Unlock()
	if s, ok := w.accounts[account]; ok {
		return s.SortedValues()
	}
	return nil
}

// ClientSessions returns the sessions attributed to clientID and whether
// the client is known.
func (w *WorkspaceContainer) ClientSessions(clientID core.ClientUUID) ([]string, bool) {
	w.mu.Lock()
	defer w.mu.Unlock()
	ce, ok := w.clients[clientID]
	if !ok {
		return nil, false
	}
	return ce.sessions.SortedValues(), true
}

// OpenChunks returns the chunk indices a session has not closed yet.
func (w *WorkspaceContainer) OpenChunks(sessionID string) []int {
	w.mu.Lock()
	defer w.mu.Unlock()
	if e, ok := w.sessions[sessionID]; ok {
		return slices.Sorted(maps.Keys(e.chunks))
	}
	return nil
}

var _ Host = (*WorkspaceContainer)(nil)
var _ container.Container = (*WorkspaceContainer)(nil)
