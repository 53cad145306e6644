package discovery

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/xiaonanln/netfabric/core"
	ferrors "github.com/xiaonanln/netfabric/util/errors"
	"github.com/xiaonanln/netfabric/util/testutil"
)

func newTestRegistry(t *testing.T) *Registry {
	t.Helper()
	testutil.EtcdTestMutex.Lock()
	t.Cleanup(testutil.EtcdTestMutex.Unlock)
	cli, prefix := testutil.PrepareEtcdPrefix(t, testutil.DefaultEtcdEndpoint)
	r := New(cli, prefix, WithLeaseTTL(5))
	t.Cleanup(func() { r.Close() })
	return r
}

func TestConnect_RequiresEndpoints(t *testing.T) {
	if _, err := Connect(nil, ""); !errors.Is(err, ferrors.ErrInvalidArgument) {
		t.Fatalf("Connect(nil) error = %v", err)
	}
}

func TestKeys(t *testing.T) {
	r := New(nil, "/fabric/")
	if got := r.key(RoleAgent, "a1"); got != "/fabric/agents/a1" {
		t.Fatalf("key = %q", got)
	}
	if New(nil, "").prefix != DefaultPrefix {
		t.Fatal("empty prefix should use the default")
	}
}

func TestAnnounce_Validation(t *testing.T) {
	r := New(nil, "")
	if err := r.Announce(context.Background(), Endpoint{Role: RoleAgent, ID: "a"}); !errors.Is(err, ferrors.ErrInvalidArgument) {
		t.Fatalf("Announce without address error = %v", err)
	}
}

func TestAnnounceResolveWithdraw(t *testing.T) {
	r := newTestRegistry(t)
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	if _, err := r.ResolveNetwork(ctx); !errors.Is(err, ferrors.ErrNotFound) {
		t.Fatalf("ResolveNetwork on empty registry error = %v", err)
	}
	for _, ep := range []Endpoint{
		{Role: RoleAgent, ID: "b", Address: "127.0.0.1:2", Kinds: []core.ContainerKind{"workspace"}},
		{Role: RoleAgent, ID: "a", Address: "127.0.0.1:1"},
		{Role: RoleNetwork, ID: "net", Address: "127.0.0.1:9"},
	} {
		if err := r.Announce(ctx, ep); err != nil {
			t.Fatalf("Announce(%s) failed: %v", ep.ID, err)
		}
	}

	agents, err := r.Resolve(ctx, RoleAgent)
	if err != nil {
		t.Fatal(err)
	}
	if len(agents) != 2 || agents[0].ID != "a" || agents[1].Kinds[0] != "workspace" {
		t.Fatalf("Resolve(agents) = %+v", agents)
	}
	addr, err := r.ResolveNetwork(ctx)
	if err != nil || addr != "127.0.0.1:9" {
		t.Fatalf("ResolveNetwork = %q, %v", addr, err)
	}

	r.Withdraw(RoleAgent, "a")
	agents, err = r.Resolve(ctx, RoleAgent)
	if err != nil {
		t.Fatal(err)
	}
	if len(agents) != 1 || agents[0].ID != "b" {
		t.Fatalf("Resolve after Withdraw = %+v", agents)
	}
}

func TestWatch(t *testing.T) {
	r := newTestRegistry(t)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	var mu sync.Mutex
	var snapshots [][]Endpoint
	done := make(chan error, 1)
	go func() {
		done <- r.Watch(ctx, RoleAgent, func(eps []Endpoint) {
			mu.Lock()
			defer mu.Unlock()
			snapshots = append(snapshots, eps)
		})
	}()
	last := func() []Endpoint {
		mu.Lock()
		defer mu.Unlock()
		if len(snapshots) == 0 {
			return nil
		}
		return snapshots[len(snapshots)-1]
	}
	testutil.WaitFor(t, 5*time.Second, "initial snapshot", func() bool {
		mu.Lock()
		defer mu.Unlock()
		return len(snapshots) == 1
	})

	if err := r.Announce(ctx, Endpoint{Role: RoleAgent, ID: "a", Address: "127.0.0.1:1"}); err != nil {
		t.Fatal(err)
	}
	testutil.WaitFor(t, 5*time.Second, "announced agent", func() bool {
		eps := last()
		return len(eps) == 1 && eps[0].ID == "a"
	})

	r.Withdraw(RoleAgent, "a")
	testutil.WaitFor(t, 5*time.Second, "withdrawn agent", func() bool { return len(last()) == 0 })

	cancel()
	select {
	case err := <-done:
		if !errors.Is(err, context.Canceled) {
			t.Fatalf("Watch returned %v, want context.Canceled", err)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("Watch did not return after cancel")
	}
}
