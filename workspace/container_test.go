package workspace

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"slices"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/xiaonanln/netfabric/core"
	"github.com/xiaonanln/netfabric/util/callcontext"
	ferrors "github.com/xiaonanln/netfabric/util/errors"
	"github.com/xiaonanln/netfabric/util/testutil"
)

// recordingService records every forwarded call.
type recordingService struct {
	mu       sync.Mutex
	calls    []string
	sessions []string
	clients  []core.ClientUUID
	closed   []int
	nextIdx  int
	txErr    error
	done     bool
}

func (r *recordingService) record(ctx context.Context, name string, s *Session) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.calls = append(r.calls, name)
	if s != nil {
		r.sessions = append(r.sessions, s.ID)
	}
	r.clients = append(r.clients, callcontext.ClientID(ctx))
}

func (r *recordingService) LoadModel(ctx context.Context, s *Session, lastModelTx int64, hash string) (*ModelResponse, error) {
	r.record(ctx, "loadModel", s)
	return &ModelResponse{Hash: "h"}, nil
}

func (r *recordingService) FindAll(ctx context.Context, s *Session, class string, query map[string]any, opts FindOptions) (*FindResult, error) {
	r.record(ctx, "findAll", s)
	return &FindResult{Docs: []Doc{{ID: "d1", Class: class}}, Total: 1}, nil
}

func (r *recordingService) SearchFulltext(ctx context.Context, s *Session, query SearchQuery, opts SearchOptions) (*SearchResult, error) {
	r.record(ctx, "searchFulltext", s)
	return &SearchResult{}, nil
}

func (r *recordingService) Tx(ctx context.Context, s *Session, tx Tx) (*TxResult, error) {
	r.record(ctx, "tx", s)
	if r.txErr != nil {
		return nil, r.txErr
	}
	return &TxResult{ID: tx.ID, Committed: []Tx{tx}}, nil
}

func (r *recordingService) DomainRequest(ctx context.Context, s *Session, domain string, params json.RawMessage) (json.RawMessage, error) {
	r.record(ctx, "domainRequest", s)
	return params, nil
}

func (r *recordingService) GetLastTxHash(ctx context.Context) (TxHash, error) {
	r.record(ctx, "getLastTxHash", nil)
	return TxHash{LastTx: "tx1", LastHash: "h"}, nil
}

func (r *recordingService) LoadChunk(ctx context.Context, s *Session, domain string, idx *int) (*Chunk, error) {
	r.record(ctx, "loadChunk", s)
	r.mu.Lock()
	defer r.mu.Unlock()
	if idx != nil {
		return &Chunk{Idx: *idx, Finished: true}, nil
	}
	r.nextIdx++
	return &Chunk{Idx: r.nextIdx}, nil
}

func (r *recordingService) GetDomainHash(ctx context.Context, domain string) (string, error) {
	r.record(ctx, "getDomainHash", nil)
	return "hash-" + domain, nil
}

func (r *recordingService) CloseChunk(ctx context.Context, s *Session, idx int) error {
	r.record(ctx, "closeChunk", s)
	r.mu.Lock()
	defer r.mu.Unlock()
	r.closed = append(r.closed, idx)
	return nil
}

func (r *recordingService) LoadDocs(ctx context.Context, s *Session, domain string, ids []string) ([]Doc, error) {
	r.record(ctx, "loadDocs", s)
	return nil, nil
}

func (r *recordingService) Upload(ctx context.Context, s *Session, domain string, docs []Doc) error {
	r.record(ctx, "upload", s)
	return nil
}

func (r *recordingService) Clean(ctx context.Context, s *Session, domain string, ids []string) error {
	r.record(ctx, "clean", s)
	return nil
}

func (r *recordingService) Close(ctx context.Context) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.done = true
	return nil
}

func (r *recordingService) closedChunks() []int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return slices.Clone(r.closed)
}

func newTestContainer(t *testing.T) (*WorkspaceContainer, *recordingService) {
	t.Helper()
	svc := &recordingService{}
	w, err := New(context.Background(), core.GetOptions{UUID: "ws1"}, func(ctx context.Context, o core.GetOptions, host Host) (Service, error) {
		return svc, nil
	})
	require.NoError(t, err)
	t.Cleanup(func() { w.Terminate(context.Background()) })
	return w, svc
}

func request(t *testing.T, w *WorkspaceContainer, op string, payload any, client core.ClientUUID) (any, error) {
	t.Helper()
	var data json.RawMessage
	if payload != nil {
		b, err := json.Marshal(payload)
		require.NoError(t, err)
		data = b
	}
	return w.Request(context.Background(), op, data, client)
}

func register(t *testing.T, w *WorkspaceContainer, session, account string, client core.ClientUUID, social ...string) {
	t.Helper()
	_, err := request(t, w, "registerSession", RegisterSession{
		SessionID: session,
		Token:     "token",
		Account:   Account{UUID: account, SocialIDs: social, Role: "USER"},
	}, client)
	require.NoError(t, err)
}

type pushRecorder struct {
	mu     sync.Mutex
	pushes []Push
}

func (p *pushRecorder) broadcast(ctx context.Context, data any) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.pushes = append(p.pushes, data.(Push))
	return nil
}

func (p *pushRecorder) count() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.pushes)
}

func TestParseOperation(t *testing.T) {
	op, err := ParseOperation("findAll", json.RawMessage(`{"sessionId":"s1","class":"task","query":{"a":1}}`))
	require.NoError(t, err)
	fa, ok := op.(FindAll)
	require.True(t, ok)
	assert.Equal(t, "s1", fa.SessionID)
	assert.Equal(t, "task", fa.Class)

	op, err = ParseOperation("getLastTxHash", nil)
	require.NoError(t, err)
	assert.Equal(t, "getLastTxHash", op.Name())

	_, err = ParseOperation("dropDatabase", nil)
	assert.ErrorIs(t, err, ferrors.ErrUnknownOperation)

	_, err = ParseOperation("tx", json.RawMessage(`{"tx":`))
	assert.ErrorIs(t, err, ferrors.ErrInvalidArgument)
}

func TestRegisterAndCloseSession(t *testing.T) {
	w, _ := newTestContainer(t)
	register(t, w, "s1", "acc1", "c1", "email:a@x")

	assert.Equal(t, []string{"s1"}, w.Sessions())
	assert.Equal(t, []string{"s1"}, w.AccountSessions("acc1"))
	sessions, ok := w.ClientSessions("c1")
	require.True(t, ok)
	assert.Equal(t, []string{"s1"}, sessions)
	user, ok := w.LookupSocial("email:a@x")
	require.True(t, ok)
	assert.Equal(t, SocialUser{AccountUUID: "acc1", Role: "USER"}, user)

	_, err := request(t, w, "closeSession", CloseSession{SessionID: "s1"}, "c1")
	require.NoError(t, err)
	assert.Empty(t, w.Sessions())
	assert.Nil(t, w.AccountSessions("acc1"), "last session removes the account")
	sessions, _ = w.ClientSessions("c1")
	assert.Empty(t, sessions)
}

func TestCloseSession_KeepsAccountWithOtherSessions(t *testing.T) {
	w, _ := newTestContainer(t)
	register(t, w, "s1", "acc1", "c1")
	register(t, w, "s2", "acc1", "c2")

	_, err := request(t, w, "closeSession", CloseSession{SessionID: "s1"}, "c1")
	require.NoError(t, err)
	assert.Equal(t, []string{"s2"}, w.AccountSessions("acc1"))
}

func TestRegisterSession_Validation(t *testing.T) {
	w, _ := newTestContainer(t)
	_, err := request(t, w, "registerSession", RegisterSession{Account: Account{UUID: "a"}}, "")
	assert.ErrorIs(t, err, ferrors.ErrInvalidArgument)
	_, err = request(t, w, "registerSession", RegisterSession{SessionID: "s"}, "")
	assert.ErrorIs(t, err, ferrors.ErrInvalidArgument)
}

func TestSystemAccountNotPublished(t *testing.T) {
	w, _ := newTestContainer(t)
	register(t, w, "sys", SystemAccountUUID, "", "system:core")
	_, ok := w.LookupSocial("system:core")
	assert.False(t, ok)
	assert.Equal(t, []string{"sys"}, w.AccountSessions(SystemAccountUUID))
}

func TestForwarding(t *testing.T) {
	w, svc := newTestContainer(t)
	register(t, w, "s1", "acc1", "c1")

	ops := []struct {
		name    string
		payload any
	}{
		{"loadModel", LoadModel{SessionID: "s1"}},
		{"findAll", FindAll{SessionID: "s1", Class: "task"}},
		{"searchFulltext", SearchFulltext{SessionID: "s1"}},
		{"tx", ApplyTx{SessionID: "s1", Tx: Tx{ID: "t1", ObjectID: "o1"}}},
		{"domainRequest", DomainRequest{SessionID: "s1", Domain: "d", Params: json.RawMessage(`{"x":1}`)}},
		{"loadDocs", LoadDocs{SessionID: "s1", Domain: "d"}},
		{"upload", Upload{SessionID: "s1", Domain: "d"}},
		{"clean", Clean{SessionID: "s1", Domain: "d"}},
	}
	for _, op := range ops {
		_, err := request(t, w, op.name, op.payload, "c1")
		require.NoError(t, err, op.name)
	}

	svc.mu.Lock()
	defer svc.mu.Unlock()
	want := make([]string, 0, len(ops))
	for _, op := range ops {
		want = append(want, op.name)
	}
	assert.Equal(t, want, svc.calls)
	for i, s := range svc.sessions {
		assert.Equal(t, "s1", s, "call %d resolved the wrong session", i)
	}
	for _, c := range svc.clients {
		assert.Equal(t, core.ClientUUID("c1"), c)
	}
}

func TestForwardingResults(t *testing.T) {
	w, _ := newTestContainer(t)
	register(t, w, "s1", "acc1", "")

	res, err := request(t, w, "findAll", FindAll{SessionID: "s1", Class: "task"}, "")
	require.NoError(t, err)
	assert.Equal(t, 1, res.(*FindResult).Total)

	res, err = request(t, w, "getLastTxHash", nil, "")
	require.NoError(t, err)
	assert.Equal(t, TxHash{LastTx: "tx1", LastHash: "h"}, res)

	res, err = request(t, w, "getDomainHash", GetDomainHash{Domain: "task"}, "")
	require.NoError(t, err)
	assert.Equal(t, "hash-task", res)
}

func TestSessionRequired(t *testing.T) {
	w, svc := newTestContainer(t)
	for _, op := range []string{"loadModel", "findAll", "tx", "loadChunk", "closeChunk", "upload"} {
		_, err := request(t, w, op, map[string]string{"sessionId": "ghost"}, "c1")
		assert.ErrorIs(t, err, ferrors.ErrSessionRequired, op)
	}
	_, err := request(t, w, "getLastTxHash", nil, "c1")
	assert.NoError(t, err, "getLastTxHash needs no session")
	svc.mu.Lock()
	assert.Equal(t, []string{"getLastTxHash"}, svc.calls)
	svc.mu.Unlock()
}

func TestUnknownOperation(t *testing.T) {
	w, _ := newTestContainer(t)
	_, err := request(t, w, "explode", nil, "")
	assert.ErrorIs(t, err, ferrors.ErrUnknownOperation)
	assert.NoError(t, w.Ping(context.Background()), "unknown operations are not fatal")
}

func TestServiceErrorsPropagate(t *testing.T) {
	w, svc := newTestContainer(t)
	boom := errors.New("constraint violated")
	svc.txErr = boom
	register(t, w, "s1", "acc1", "")
	_, err := request(t, w, "tx", ApplyTx{SessionID: "s1", Tx: Tx{ID: "t"}}, "")
	assert.ErrorIs(t, err, boom)
}

func TestConnectDisconnectCascadesSessions(t *testing.T) {
	w, _ := newTestContainer(t)
	register(t, w, "s1", "acc1", "c1")
	register(t, w, "s2", "acc2", "c1")
	register(t, w, "s3", "acc2", "c2")

	rec := &pushRecorder{}
	require.NoError(t, w.Connect(context.Background(), "c1", rec.broadcast))
	sessions, _ := w.ClientSessions("c1")
	assert.Equal(t, []string{"s1", "s2"}, sessions, "connect keeps sessions registered before it")

	require.NoError(t, w.Disconnect(context.Background(), "c1"))
	assert.Equal(t, []string{"s3"}, w.Sessions())
	assert.Nil(t, w.AccountSessions("acc1"))
	assert.Equal(t, []string{"s3"}, w.AccountSessions("acc2"))
	_, known := w.ClientSessions("c1")
	assert.False(t, known)
}

func TestConnect_RequiresBroadcast(t *testing.T) {
	w, _ := newTestContainer(t)
	assert.ErrorIs(t, w.Connect(context.Background(), "c1", nil), ferrors.ErrInvalidArgument)
}

func TestTxBroadcastExcludesSenderAccount(t *testing.T) {
	w, _ := newTestContainer(t)
	sender, peer, sameAccount := &pushRecorder{}, &pushRecorder{}, &pushRecorder{}
	ctx := context.Background()
	register(t, w, "s1", "acc1", "c1")
	register(t, w, "s2", "acc2", "c2")
	register(t, w, "s3", "acc1", "c3")
	require.NoError(t, w.Connect(ctx, "c1", sender.broadcast))
	require.NoError(t, w.Connect(ctx, "c2", peer.broadcast))
	require.NoError(t, w.Connect(ctx, "c3", sameAccount.broadcast))

	_, err := request(t, w, "tx", ApplyTx{SessionID: "s1", Tx: Tx{ID: "t1", ObjectID: "o1"}}, "c1")
	require.NoError(t, err)

	testutil.WaitFor(t, 2*time.Second, "peer to receive tx", func() bool { return peer.count() == 1 })
	peer.mu.Lock()
	assert.Equal(t, "t1", peer.pushes[0].Txes[0].ID)
	peer.mu.Unlock()
	testutil.Never(t, 100*time.Millisecond, "sender account receives its own tx", func() bool {
		return sender.count() > 0 || sameAccount.count() > 0
	})
}

func TestBroadcastTargets(t *testing.T) {
	w, _ := newTestContainer(t)
	a, b, anon := &pushRecorder{}, &pushRecorder{}, &pushRecorder{}
	ctx := context.Background()
	register(t, w, "s1", "acc1", "c1")
	register(t, w, "s2", "acc2", "c2")
	require.NoError(t, w.Connect(ctx, "c1", a.broadcast))
	require.NoError(t, w.Connect(ctx, "c2", b.broadcast))
	require.NoError(t, w.Connect(ctx, "c3", anon.broadcast))

	w.Broadcast(ctx, []Tx{{ID: "t"}}, []string{"acc2"}, nil)
	testutil.WaitFor(t, 2*time.Second, "targeted push", func() bool { return b.count() == 1 })

	w.Broadcast(ctx, []Tx{{ID: "u"}}, nil, nil)
	testutil.WaitFor(t, 2*time.Second, "push to everyone", func() bool {
		return a.count() == 1 && b.count() == 2 && anon.count() == 1
	})
}

func TestBroadcastSessions(t *testing.T) {
	w, _ := newTestContainer(t)
	ctx := context.Background()
	rec := &pushRecorder{}
	register(t, w, "s1", "acc1", "c1")
	register(t, w, "s2", "acc1", "c1")
	require.NoError(t, w.Connect(ctx, "c1", rec.broadcast))

	w.BroadcastSessions(ctx, map[string][]Tx{
		"s2":      {{ID: "b"}},
		"s1":      {{ID: "a"}},
		"missing": {{ID: "x"}},
	})
	testutil.WaitFor(t, 2*time.Second, "session pushes", func() bool { return rec.count() == 2 })
	rec.mu.Lock()
	defer rec.mu.Unlock()
	assert.Equal(t, "s1", rec.pushes[0].SessionID)
	assert.Equal(t, "s2", rec.pushes[1].SessionID)
}

func TestChunksReleasedOnClose(t *testing.T) {
	w, svc := newTestContainer(t)
	register(t, w, "s1", "acc1", "c1")

	for i := 0; i < 2; i++ {
		_, err := request(t, w, "loadChunk", LoadChunk{SessionID: "s1", Domain: "task"}, "c1")
		require.NoError(t, err)
	}
	assert.Equal(t, []int{1, 2}, w.OpenChunks("s1"))

	_, err := request(t, w, "closeChunk", CloseChunk{SessionID: "s1", Idx: 1}, "c1")
	require.NoError(t, err)
	assert.Equal(t, []int{2}, w.OpenChunks("s1"))

	_, err = request(t, w, "closeSession", CloseSession{SessionID: "s1"}, "c1")
	require.NoError(t, err)
	assert.Equal(t, []int{1, 2}, svc.closedChunks())
}

func TestChunksReleasedOnDisconnect(t *testing.T) {
	w, svc := newTestContainer(t)
	register(t, w, "s1", "acc1", "c1")
	_, err := request(t, w, "loadChunk", LoadChunk{SessionID: "s1", Domain: "task"}, "c1")
	require.NoError(t, err)
	require.NoError(t, w.Connect(context.Background(), "c1", (&pushRecorder{}).broadcast))
	require.NoError(t, w.Disconnect(context.Background(), "c1"))
	assert.Equal(t, []int{1}, svc.closedChunks())
}

func TestTerminate(t *testing.T) {
	w, svc := newTestContainer(t)
	register(t, w, "s1", "acc1", "c1")
	_, err := request(t, w, "loadChunk", LoadChunk{SessionID: "s1", Domain: "task"}, "c1")
	require.NoError(t, err)

	require.NoError(t, w.Terminate(context.Background()))
	assert.Equal(t, []int{1}, svc.closedChunks())
	svc.mu.Lock()
	assert.True(t, svc.done, "terminate closes the service")
	svc.mu.Unlock()

	_, err = request(t, w, "getLastTxHash", nil, "")
	assert.ErrorIs(t, err, ferrors.ErrTerminated)
	assert.ErrorIs(t, w.Ping(context.Background()), ferrors.ErrTerminated)
	assert.NoError(t, w.Terminate(context.Background()), "second terminate is a no-op")
}

func TestFactoryFailure(t *testing.T) {
	boom := errors.New("no database")
	f := NewFactory(func(ctx context.Context, o core.GetOptions, host Host) (Service, error) {
		return nil, boom
	})
	_, err := f(context.Background(), core.GetOptions{UUID: "ws"})
	assert.ErrorIs(t, err, boom)
}

func TestConcurrentSessions(t *testing.T) {
	w, _ := newTestContainer(t)
	var wg sync.WaitGroup
	for i := 0; i < 50; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			id := string(rune('a' + i%26))
			session := fmt.Sprintf("%s-%d", id, i)
			_, err := request(t, w, "registerSession", RegisterSession{SessionID: session, Account: Account{UUID: id}}, core.ClientUUID(id))
			assert.NoError(t, err)
			_, err = request(t, w, "closeSession", CloseSession{SessionID: session}, core.ClientUUID(id))
			assert.NoError(t, err)
		}()
	}
	wg.Wait()
	assert.Empty(t, w.Sessions())
	for i := 0; i < 26; i++ {
		assert.Nil(t, w.AccountSessions(string(rune('a'+i))))
	}
}
