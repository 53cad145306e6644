package agent

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"sync/atomic"
	"testing"

	"go.uber.org/goleak"

	"github.com/xiaonanln/netfabric/container"
	"github.com/xiaonanln/netfabric/core"
	ferrors "github.com/xiaonanln/netfabric/util/errors"
)

func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m, goleak.IgnoreTopFunction("google.golang.org/grpc/internal/grpcsync.(*CallbackSerializer).run"))
}

func echoFactories() map[core.ContainerKind]container.Factory {
	return map[core.ContainerKind]container.Factory{container.EchoKind: container.NewEchoFactory()}
}

func TestNewAgent_Record(t *testing.T) {
	factories := echoFactories()
	factories["workspace"] = container.NewEchoFactory()
	a := NewAgent("host:1", factories, WithAgentID("agent-1"), WithLabels("eu", "gpu"))

	rec := a.Record()
	if rec.AgentID != "agent-1" || rec.Endpoint != "host:1" {
		t.Fatalf("Record() = %+v", rec)
	}
	if len(rec.Kinds) != 2 || rec.Kinds[0] != container.EchoKind || rec.Kinds[1] != "workspace" {
		t.Fatalf("Kinds = %v, want sorted [echo workspace]", rec.Kinds)
	}
	if len(rec.Labels) != 2 {
		t.Fatalf("Labels = %v", rec.Labels)
	}
	if NewAgent("h", echoFactories()).ID() == "" {
		t.Fatal("agent id should be generated")
	}
}

func TestCreate_UnknownKind(t *testing.T) {
	a := NewAgent("host:1", echoFactories())
	_, err := a.Create(context.Background(), "workspace", core.GetOptions{})
	if !errors.Is(err, ferrors.ErrInvalidArgument) {
		t.Fatalf("Create(workspace) error = %v, want invalid argument", err)
	}
}

func TestCreate_IdempotentPerUUID(t *testing.T) {
	var calls atomic.Int32
	factories := map[core.ContainerKind]container.Factory{
		container.EchoKind: func(ctx context.Context, opts core.GetOptions) (container.Container, error) {
			calls.Add(1)
			return container.NewEchoContainer(opts), nil
		},
	}
	a := NewAgent("host:1", factories, WithAgentID("agent-1"))

	var wg sync.WaitGroup
	for i := 0; i < 10; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			rec, err := a.Create(context.Background(), container.EchoKind, core.GetOptions{UUID: "c1", Labels: []string{"x"}})
			if err != nil {
				t.Errorf("Create failed: %v", err)
				return
			}
			if rec.Endpoint != "host:1/c1" || rec.AgentID != "agent-1" {
				t.Errorf("record = %+v", rec)
			}
		}()
	}
	wg.Wait()

	if got := calls.Load(); got != 1 {
		t.Fatalf("factory called %d times, want 1", got)
	}
	if got := a.Containers(); len(got) != 1 || got[0].UUID != "c1" {
		t.Fatalf("Containers() = %+v", got)
	}
}

func TestCreate_FactoryError(t *testing.T) {
	boom := errors.New("boom")
	factories := map[core.ContainerKind]container.Factory{
		container.EchoKind: func(ctx context.Context, opts core.GetOptions) (container.Container, error) {
			return nil, boom
		},
	}
	a := NewAgent("host:1", factories)
	if _, err := a.Create(context.Background(), container.EchoKind, core.GetOptions{UUID: "c1"}); !errors.Is(err, boom) {
		t.Fatalf("Create error = %v, want boom", err)
	}
	if len(a.Containers()) != 0 {
		t.Fatal("failed creation must not be hosted")
	}
}

func TestRequest_MarshalsResult(t *testing.T) {
	a := NewAgent("host:1", echoFactories())
	ctx := context.Background()
	if _, err := a.Create(ctx, container.EchoKind, core.GetOptions{UUID: "c1"}); err != nil {
		t.Fatal(err)
	}

	out, err := a.Request(ctx, "c1", "echo", json.RawMessage(`[1,2]`), "")
	if err != nil || string(out) != "[1,2]" {
		t.Fatalf("echo = %s, %v", out, err)
	}
	out, err = a.Request(ctx, "c1", "info", nil, "")
	if err != nil {
		t.Fatal(err)
	}
	var info container.EchoInfo
	if err := json.Unmarshal(out, &info); err != nil {
		t.Fatal(err)
	}
	if info.UUID != "c1" || info.Requests != 2 {
		t.Fatalf("info = %+v", info)
	}
	if _, err := a.Request(ctx, "missing", "echo", nil, ""); !errors.Is(err, ferrors.ErrNotFound) {
		t.Fatalf("Request(missing) error = %v", err)
	}
}

func TestRequest_OperationFilter(t *testing.T) {
	filter := func(kind core.ContainerKind, operation string) error {
		if operation == "broadcast" {
			return ferrors.New(ferrors.ErrAccessDenied, "%s.%s denied", kind, operation)
		}
		return nil
	}
	a := NewAgent("host:1", echoFactories(), WithOperationFilter(filter))
	ctx := context.Background()
	if _, err := a.Create(ctx, container.EchoKind, core.GetOptions{UUID: "c1"}); err != nil {
		t.Fatal(err)
	}
	if _, err := a.Request(ctx, "c1", "broadcast", json.RawMessage(`"x"`), ""); !errors.Is(err, ferrors.ErrAccessDenied) {
		t.Fatalf("Request(broadcast) error = %v", err)
	}
	if _, err := a.Request(ctx, "c1", "echo", json.RawMessage(`"x"`), ""); err != nil {
		t.Fatalf("Request(echo) error = %v", err)
	}
}

func TestTerminate_TombstonesAndNotifies(t *testing.T) {
	a := NewAgent("host:1", echoFactories())
	ctx := context.Background()
	if _, err := a.Create(ctx, container.EchoKind, core.GetOptions{UUID: "c1"}); err != nil {
		t.Fatal(err)
	}

	var changes atomic.Int32
	stop := a.OnChange(func() { changes.Add(1) })

	if err := a.Terminate(ctx, "c1"); err != nil {
		t.Fatal(err)
	}
	if changes.Load() != 1 {
		t.Fatalf("change listeners ran %d times, want 1", changes.Load())
	}
	if _, err := a.Request(ctx, "c1", "echo", nil, ""); !errors.Is(err, ferrors.ErrTerminated) {
		t.Fatalf("Request after Terminate error = %v, want terminated", err)
	}
	if err := a.Ping(ctx, "c1"); !errors.Is(err, ferrors.ErrTerminated) {
		t.Fatalf("Ping after Terminate error = %v, want terminated", err)
	}
	// Terminating again is a no-op.
	if err := a.Terminate(ctx, "c1"); err != nil {
		t.Fatal(err)
	}
	if changes.Load() != 1 {
		t.Fatal("a no-op terminate must not notify")
	}

	stop()
	if _, err := a.Create(ctx, container.EchoKind, core.GetOptions{UUID: "c1"}); err != nil {
		t.Fatal(err)
	}
	if err := a.Ping(ctx, "c1"); err != nil {
		t.Fatalf("re-created container should answer: %v", err)
	}
	a.TerminateAll(ctx)
	if changes.Load() != 1 {
		t.Fatal("removed listener still ran")
	}
	if len(a.Containers()) != 0 {
		t.Fatal("TerminateAll left containers")
	}
}

func TestConnect_Broadcast(t *testing.T) {
	a := NewAgent("host:1", echoFactories())
	ctx := context.Background()
	if _, err := a.Create(ctx, container.EchoKind, core.GetOptions{UUID: "c1"}); err != nil {
		t.Fatal(err)
	}

	var got []any
	err := a.Connect(ctx, "c1", "client-1", func(ctx context.Context, data any) error {
		got = append(got, data)
		return nil
	})
	if err != nil {
		t.Fatal(err)
	}
	out, err := a.Request(ctx, "c1", "broadcast", json.RawMessage(`"hi"`), "client-1")
	if err != nil || string(out) != "1" {
		t.Fatalf("broadcast = %s, %v", out, err)
	}
	if len(got) != 1 {
		t.Fatalf("broadcasts received = %d, want 1", len(got))
	}
	if err := a.Disconnect(ctx, "c1", "client-1"); err != nil {
		t.Fatal(err)
	}
	out, _ = a.Request(ctx, "c1", "broadcast", json.RawMessage(`"hi"`), "")
	if string(out) != "0" {
		t.Fatalf("broadcast after Disconnect reached %s clients", out)
	}
}
