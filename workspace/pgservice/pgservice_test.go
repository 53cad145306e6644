package pgservice

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/juju/clock/testclock"

	ferrors "github.com/xiaonanln/netfabric/util/errors"
	"github.com/xiaonanln/netfabric/util/testutil"
	"github.com/xiaonanln/netfabric/workspace"
)

type nopHost struct{}

func (nopHost) Broadcast(context.Context, []workspace.Tx, []string, []string) {}
func (nopHost) BroadcastSessions(context.Context, map[string][]workspace.Tx) {}
func (nopHost) LookupSocial(string) (workspace.SocialUser, bool)               { return workspace.SocialUser{}, false }

var sess = &workspace.Session{ID: "s1", Account: workspace.Account{UUID: "acc1"}}

func TestFindQuery(t *testing.T) {
	s := New(nil, "ws1", nopHost{})
	where, args, err := s.findQuery("task", map[string]any{"_id": "d1"})
	if err != nil {
		t.Fatal(err)
	}
	if where != "workspace = $1 AND class = $2 AND id = $3" {
		t.Errorf("where = %q", where)
	}
	if len(args) != 3 || args[0] != "ws1" || args[1] != "task" || args[2] != "d1" {
		t.Errorf("args = %v", args)
	}

	where, args, err = s.findQuery("", map[string]any{"status": "done"})
	if err != nil {
		t.Fatal(err)
	}
	if where != "workspace = $1 AND attributes @> $2::jsonb" || args[1] != `{"status":"done"}` {
		t.Errorf("where = %q args = %v", where, args)
	}
}

func newTestService(t *testing.T, ws string, opts ...Option) *Service {
	t.Helper()
	db := testutil.CreateTestDatabase(t)
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := Migrate(ctx, db); err != nil {
		t.Fatalf("Migrate failed: %v", err)
	}
	if err := Migrate(ctx, db); err != nil {
		t.Fatalf("second Migrate failed: %v", err)
	}
	return New(db, ws, nopHost{}, opts...)
}

func TestService_Integration(t *testing.T) {
	clk := testclock.NewClock(time.UnixMilli(1000))
	s := newTestService(t, "ws1", WithClock(clk), WithChunkSize(2))
	ctx := context.Background()

	for _, id := range []string{"a", "b", "c"} {
		_, err := s.Tx(ctx, sess, workspace.Tx{
			ID: "tx-" + id, Class: workspace.TxCreate, ObjectID: id, ObjectClass: "task",
			Attributes: map[string]any{"title": "Task " + id},
		})
		if err != nil {
			t.Fatalf("create %s failed: %v", id, err)
		}
	}
	if _, err := s.Tx(ctx, sess, workspace.Tx{ID: "tx-dup", Class: workspace.TxCreate, ObjectID: "a"}); !errors.Is(err, ferrors.ErrInvalidArgument) {
		t.Fatalf("duplicate create error = %v", err)
	}
	if _, err := s.Tx(ctx, sess, workspace.Tx{ID: "tx-u", Class: workspace.TxUpdate, ObjectID: "b", Attributes: map[string]any{"status": "done"}}); err != nil {
		t.Fatal(err)
	}
	if _, err := s.Tx(ctx, sess, workspace.Tx{ID: "tx-x", Class: workspace.TxRemove, ObjectID: "missing"}); !errors.Is(err, ferrors.ErrNotFound) {
		t.Fatalf("remove missing error = %v", err)
	}

	found, err := s.FindAll(ctx, sess, "task", map[string]any{"status": "done"}, workspace.FindOptions{})
	if err != nil {
		t.Fatal(err)
	}
	if found.Total != 1 || found.Docs[0].ID != "b" || found.Docs[0].Attributes["title"] != "Task b" {
		t.Fatalf("FindAll = %+v", found)
	}
	limited, err := s.FindAll(ctx, sess, "task", nil, workspace.FindOptions{Limit: 1})
	if err != nil {
		t.Fatal(err)
	}
	if limited.Total != 3 || len(limited.Docs) != 1 {
		t.Fatalf("limited FindAll total=%d docs=%d", limited.Total, len(limited.Docs))
	}

	hits, err := s.SearchFulltext(ctx, sess, workspace.SearchQuery{Query: "task C"}, workspace.SearchOptions{})
	if err != nil {
		t.Fatal(err)
	}
	if hits.Total != 1 || hits.Docs[0].ID != "c" {
		t.Fatalf("SearchFulltext = %+v", hits)
	}

	last, err := s.GetLastTxHash(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if last.LastTx != "tx-u" {
		t.Fatalf("LastTx = %q, want tx-u", last.LastTx)
	}

	// Walk the default domain two documents at a time.
	first, err := s.LoadChunk(ctx, sess, "default", nil)
	if err != nil {
		t.Fatal(err)
	}
	if len(first.Docs) != 2 || first.Finished {
		t.Fatalf("first chunk = %+v", first)
	}
	idx := first.Idx
	second, err := s.LoadChunk(ctx, sess, "default", &idx)
	if err != nil {
		t.Fatal(err)
	}
	if len(second.Docs) != 1 || second.Docs[0].ID != "c" || !second.Finished {
		t.Fatalf("second chunk = %+v", second)
	}
	if err := s.CloseChunk(ctx, sess, idx); err != nil {
		t.Fatal(err)
	}
	if s.OpenChunks() != 0 {
		t.Fatal("CloseChunk left a cursor behind")
	}
}

func TestService_BackupRestore(t *testing.T) {
	s := newTestService(t, "ws-backup")
	ctx := context.Background()

	before, err := s.GetDomainHash(ctx, "files")
	if err != nil {
		t.Fatal(err)
	}
	docs := []workspace.Doc{{ID: "f1", Class: "file", ModifiedOn: 1}, {ID: "f2", Class: "file", ModifiedOn: 2, Attributes: map[string]any{"size": 10}}}
	if err := s.Upload(ctx, sess, "files", docs); err != nil {
		t.Fatal(err)
	}
	loaded, err := s.LoadDocs(ctx, sess, "files", []string{"f2", "f1", "nope"})
	if err != nil {
		t.Fatal(err)
	}
	if len(loaded) != 2 || loaded[0].ID != "f2" || loaded[0].Attributes["size"] != float64(10) {
		t.Fatalf("LoadDocs = %+v", loaded)
	}
	after, err := s.GetDomainHash(ctx, "files")
	if err != nil {
		t.Fatal(err)
	}
	if after == before {
		t.Fatal("upload did not change the domain hash")
	}
	if err := s.Clean(ctx, sess, "files", []string{"f1", "f2"}); err != nil {
		t.Fatal(err)
	}
	cleaned, err := s.GetDomainHash(ctx, "files")
	if err != nil {
		t.Fatal(err)
	}
	if cleaned != before {
		t.Fatal("clean did not restore the empty domain hash")
	}

	if err := s.Close(ctx); err != nil {
		t.Fatal(err)
	}
	if _, err := s.GetDomainHash(ctx, "files"); !errors.Is(err, ferrors.ErrClosed) {
		t.Fatalf("GetDomainHash after Close error = %v", err)
	}
}

func TestService_WorkspacesIsolated(t *testing.T) {
	s1 := newTestService(t, "ws-a")
	s2 := New(s1.db, "ws-b", nopHost{})
	ctx := context.Background()
	if _, err := s1.Tx(ctx, sess, workspace.Tx{ID: "t", Class: workspace.TxCreate, ObjectID: "o", ObjectClass: "task"}); err != nil {
		t.Fatal(err)
	}
	found, err := s2.FindAll(ctx, sess, "task", nil, workspace.FindOptions{})
	if err != nil {
		t.Fatal(err)
	}
	if found.Total != 0 {
		t.Fatalf("workspace ws-b sees %d documents of ws-a", found.Total)
	}
}
