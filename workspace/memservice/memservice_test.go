package memservice

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/juju/clock/testclock"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/xiaonanln/netfabric/core"
	ferrors "github.com/xiaonanln/netfabric/util/errors"
	"github.com/xiaonanln/netfabric/workspace"
)

type fakeHost struct {
	mu       sync.Mutex
	txes     []workspace.Tx
	targets  []string
	sessions map[string][]workspace.Tx
}

func (h *fakeHost) Broadcast(ctx context.Context, txes []workspace.Tx, targets, exclude []string) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.txes = append(h.txes, txes...)
	h.targets = targets
}

func (h *fakeHost) BroadcastSessions(ctx context.Context, sessions map[string][]workspace.Tx) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.sessions = sessions
}

func (h *fakeHost) LookupSocial(string) (workspace.SocialUser, bool) {
	return workspace.SocialUser{}, false
}

var sess = &workspace.Session{ID: "s1", Account: workspace.Account{UUID: "acc1"}}

func create(t *testing.T, s *Service, id, class string, attrs map[string]any) {
	t.Helper()
	_, err := s.Tx(context.Background(), sess, workspace.Tx{
		ID: "tx-" + id, Class: workspace.TxCreate, ObjectID: id, ObjectClass: class, Attributes: attrs,
	})
	require.NoError(t, err)
}

func TestTxLifecycle(t *testing.T) {
	clk := testclock.NewClock(time.UnixMilli(5000))
	s := New(&fakeHost{}, WithClock(clk))
	ctx := context.Background()

	res, err := s.Tx(ctx, sess, workspace.Tx{ID: "t1", Class: workspace.TxCreate, ObjectID: "o1", ObjectClass: "task", Attributes: map[string]any{"title": "Write docs"}})
	require.NoError(t, err)
	require.Len(t, res.Committed, 1)
	assert.Equal(t, "acc1", res.Committed[0].ModifiedBy)
	assert.Equal(t, int64(5000), res.Committed[0].ModifiedOn)

	_, err = s.Tx(ctx, sess, workspace.Tx{ID: "t2", Class: workspace.TxUpdate, ObjectID: "o1", Attributes: map[string]any{"status": "done"}})
	require.NoError(t, err)

	found, err := s.FindAll(ctx, sess, "task", map[string]any{"status": "done"}, workspace.FindOptions{})
	require.NoError(t, err)
	require.Equal(t, 1, found.Total)
	assert.Equal(t, "Write docs", found.Docs[0].Attributes["title"])

	_, err = s.Tx(ctx, sess, workspace.Tx{ID: "t3", Class: workspace.TxRemove, ObjectID: "o1"})
	require.NoError(t, err)
	found, err = s.FindAll(ctx, sess, "task", nil, workspace.FindOptions{})
	require.NoError(t, err)
	assert.Zero(t, found.Total)

	hash, err := s.GetLastTxHash(ctx)
	require.NoError(t, err)
	assert.Equal(t, "t3", hash.LastTx)
}

func TestTxErrors(t *testing.T) {
	s := New(&fakeHost{})
	ctx := context.Background()
	_, err := s.Tx(ctx, sess, workspace.Tx{Class: workspace.TxCreate})
	assert.ErrorIs(t, err, ferrors.ErrInvalidArgument)
	_, err = s.Tx(ctx, sess, workspace.Tx{ID: "t", Class: workspace.TxUpdate, ObjectID: "missing"})
	assert.ErrorIs(t, err, ferrors.ErrNotFound)
	_, err = s.Tx(ctx, sess, workspace.Tx{ID: "t", Class: "tx:mixin", ObjectID: "o"})
	assert.ErrorIs(t, err, ferrors.ErrInvalidArgument)
	create(t, s, "o", "task", nil)
	_, err = s.Tx(ctx, sess, workspace.Tx{ID: "t", Class: workspace.TxCreate, ObjectID: "o"})
	assert.ErrorIs(t, err, ferrors.ErrInvalidArgument)
}

func TestFindAllLimitAndSearch(t *testing.T) {
	s := New(&fakeHost{})
	ctx := context.Background()
	create(t, s, "a", "task", map[string]any{"title": "Alpha release"})
	create(t, s, "b", "task", map[string]any{"title": "Beta"})
	create(t, s, "c", "issue", map[string]any{"title": "alpha bug"})

	found, err := s.FindAll(ctx, sess, "task", nil, workspace.FindOptions{Limit: 1})
	require.NoError(t, err)
	assert.Equal(t, 2, found.Total)
	assert.Len(t, found.Docs, 1)
	assert.Equal(t, "a", found.Docs[0].ID)

	res, err := s.SearchFulltext(ctx, sess, workspace.SearchQuery{Query: "ALPHA"}, workspace.SearchOptions{})
	require.NoError(t, err)
	assert.Equal(t, 2, res.Total)
	res, err = s.SearchFulltext(ctx, sess, workspace.SearchQuery{Query: "alpha", Classes: []string{"issue"}}, workspace.SearchOptions{})
	require.NoError(t, err)
	assert.Equal(t, 1, res.Total)
}

func TestLoadModel(t *testing.T) {
	clk := testclock.NewClock(time.UnixMilli(100))
	s := New(&fakeHost{}, WithClock(clk))
	ctx := context.Background()
	_, err := s.Tx(ctx, sess, workspace.Tx{ID: "m1", Class: workspace.TxCreate, Domain: ModelDomain, ObjectID: "class:task"})
	require.NoError(t, err)

	full, err := s.LoadModel(ctx, sess, 0, "")
	require.NoError(t, err)
	assert.True(t, full.Full)
	require.Len(t, full.Transactions, 1)

	same, err := s.LoadModel(ctx, sess, 0, full.Hash)
	require.NoError(t, err)
	assert.Empty(t, same.Transactions, "matching hash returns no transactions")

	clk.Advance(time.Second)
	_, err = s.Tx(ctx, sess, workspace.Tx{ID: "m2", Class: workspace.TxCreate, Domain: ModelDomain, ObjectID: "class:issue"})
	require.NoError(t, err)
	delta, err := s.LoadModel(ctx, sess, 100, full.Hash)
	require.NoError(t, err)
	assert.False(t, delta.Full)
	require.Len(t, delta.Transactions, 1)
	assert.Equal(t, "m2", delta.Transactions[0].ID)
}

func TestChunkWalk(t *testing.T) {
	s := New(&fakeHost{}, WithChunkSize(2))
	ctx := context.Background()
	docs := []workspace.Doc{{ID: "d1"}, {ID: "d2"}, {ID: "d3"}}
	require.NoError(t, s.Upload(ctx, sess, "task", docs))

	first, err := s.LoadChunk(ctx, sess, "task", nil)
	require.NoError(t, err)
	assert.Len(t, first.Docs, 2)
	assert.False(t, first.Finished)

	idx := first.Idx
	second, err := s.LoadChunk(ctx, sess, "task", &idx)
	require.NoError(t, err)
	assert.Equal(t, []workspace.Doc{{ID: "d3"}}, second.Docs)
	assert.True(t, second.Finished)
	assert.Equal(t, 1, s.OpenChunks())

	require.NoError(t, s.CloseChunk(ctx, sess, idx))
	assert.Zero(t, s.OpenChunks())
	_, err = s.LoadChunk(ctx, sess, "task", &idx)
	assert.ErrorIs(t, err, ferrors.ErrNotFound)
}

func TestUploadLoadDocsCleanHash(t *testing.T) {
	s := New(&fakeHost{})
	ctx := context.Background()
	empty, err := s.GetDomainHash(ctx, "task")
	require.NoError(t, err)

	require.NoError(t, s.Upload(ctx, sess, "task", []workspace.Doc{{ID: "a", ModifiedOn: 1}, {ID: "b", ModifiedOn: 2}}))
	loaded, err := s.LoadDocs(ctx, sess, "task", []string{"b", "missing", "a"})
	require.NoError(t, err)
	require.Len(t, loaded, 2)
	assert.Equal(t, "b", loaded[0].ID)

	full, err := s.GetDomainHash(ctx, "task")
	require.NoError(t, err)
	assert.NotEqual(t, empty, full)

	require.NoError(t, s.Clean(ctx, sess, "task", []string{"a", "b"}))
	cleaned, err := s.GetDomainHash(ctx, "task")
	require.NoError(t, err)
	assert.Equal(t, empty, cleaned)

	assert.ErrorIs(t, s.Upload(ctx, sess, "task", []workspace.Doc{{}}), ferrors.ErrInvalidArgument)
}

func TestDomainRequest(t *testing.T) {
	host := &fakeHost{}
	s := New(host)
	ctx := context.Background()
	create(t, s, "a", "task", nil)
	create(t, s, "b", "task", nil)
	create(t, s, "c", "issue", nil)

	raw, err := s.DomainRequest(ctx, sess, "stats", nil)
	require.NoError(t, err)
	var counts map[string]int
	require.NoError(t, json.Unmarshal(raw, &counts))
	assert.Equal(t, map[string]int{"task": 2, "issue": 1}, counts)

	_, err = s.DomainRequest(ctx, sess, "broadcast", json.RawMessage(`{"txes":[{"_id":"n1","objectId":"a"}],"targets":["acc2"],"sessions":{"s9":[{"_id":"n2","objectId":"b"}]}}`))
	require.NoError(t, err)
	host.mu.Lock()
	assert.Equal(t, "n1", host.txes[0].ID)
	assert.Equal(t, []string{"acc2"}, host.targets)
	assert.Equal(t, "n2", host.sessions["s9"][0].ID)
	host.mu.Unlock()

	_, err = s.DomainRequest(ctx, sess, "nope", nil)
	assert.ErrorIs(t, err, ferrors.ErrInvalidArgument)
}

func TestClose(t *testing.T) {
	s := New(&fakeHost{})
	ctx := context.Background()
	_, err := s.LoadChunk(ctx, sess, "task", nil)
	require.NoError(t, err)
	require.NoError(t, s.Close(ctx))
	assert.Zero(t, s.OpenChunks())
	_, err = s.FindAll(ctx, sess, "", nil, workspace.FindOptions{})
	assert.ErrorIs(t, err, ferrors.ErrClosed)
	require.NoError(t, s.Close(ctx))
}

// The container and the in-memory service together: a client's tx reaches
// a second client and a backup walk leaves no cursor behind.
func TestWithWorkspaceContainer(t *testing.T) {
	ctx := context.Background()
	var svc *Service
	w, err := workspace.New(ctx, core.GetOptions{UUID: "ws"}, func(ctx context.Context, o core.GetOptions, host workspace.Host) (workspace.Service, error) {
		svc = New(host, WithChunkSize(1))
		return svc, nil
	})
	require.NoError(t, err)
	defer w.Terminate(ctx)

	call := func(op string, payload any, client core.ClientUUID) any {
		t.Helper()
		data, err := json.Marshal(payload)
		require.NoError(t, err)
		res, err := w.Request(ctx, op, data, client)
		require.NoError(t, err, op)
		return res
	}
	call("registerSession", workspace.RegisterSession{SessionID: "s1", Account: workspace.Account{UUID: "acc1"}}, "c1")
	call("registerSession", workspace.RegisterSession{SessionID: "s2", Account: workspace.Account{UUID: "acc2"}}, "c2")

	received := make(chan workspace.Push, 1)
	require.NoError(t, w.Connect(ctx, "c2", func(ctx context.Context, data any) error {
		received <- data.(workspace.Push)
		return nil
	}))

	call("tx", workspace.ApplyTx{SessionID: "s1", Tx: workspace.Tx{ID: "t1", Class: workspace.TxCreate, ObjectID: "o1", ObjectClass: "task"}}, "c1")
	select {
	case p := <-received:
		assert.Equal(t, "t1", p.Txes[0].ID)
	case <-time.After(2 * time.Second):
		t.Fatal("tx was not pushed to the second client")
	}

	call("upload", workspace.Upload{SessionID: "s1", Domain: "backup", Docs: []workspace.Doc{{ID: "x"}, {ID: "y"}}}, "c1")
	chunk := call("loadChunk", workspace.LoadChunk{SessionID: "s1", Domain: "backup"}, "c1").(*workspace.Chunk)
	assert.False(t, chunk.Finished)
	assert.Equal(t, 1, svc.OpenChunks())

	call("closeSession", workspace.CloseSession{SessionID: "s1"}, "c1")
	assert.Zero(t, svc.OpenChunks(), "closing the session releases its cursor")

	_, err = w.Request(ctx, "findAll", json.RawMessage(`{"sessionId":"s1"}`), "c1")
	assert.True(t, errors.Is(err, ferrors.ErrSessionRequired))
}
