package container

import (
	"context"
	"encoding/json"
	"errors"
	"testing"

	"github.com/xiaonanln/netfabric/core"
	ferrors "github.com/xiaonanln/netfabric/util/errors"
)

func TestEchoContainer_Request(t *testing.T) {
	ctx := context.Background()
	c, err := NewEchoFactory()(ctx, core.GetOptions{UUID: "e-1", Labels: []string{"bench"}})
	if err != nil {
		t.Fatal(err)
	}

	got, err := c.Request(ctx, "echo", json.RawMessage(`{"x":1}`), "client-1")
	if err != nil {
		t.Fatalf("echo failed: %v", err)
	}
	if string(got.(json.RawMessage)) != `{"x":1}` {
		t.Fatalf("echo returned %s", got)
	}

	if _, err := c.Request(ctx, "unknown", nil, ""); !errors.Is(err, ferrors.ErrUnknownOperation) {
		t.Fatalf("unknown op err = %v", err)
	}

	info, err := c.Request(ctx, "info", nil, "")
	if err != nil {
		t.Fatal(err)
	}
	if ei := info.(EchoInfo); ei.UUID != "e-1" || ei.Requests != 3 {
		t.Fatalf("unexpected info %+v", ei)
	}
}

func TestEchoContainer_BroadcastConnectDisconnect(t *testing.T) {
	ctx := context.Background()
	c := NewEchoContainer(core.GetOptions{UUID: "e-2"})

	var received []string
	if err := c.Connect(ctx, "a", func(ctx context.Context, data any) error {
		received = append(received, string(data.(json.RawMessage)))
		return nil
	}); err != nil {
		t.Fatal(err)
	}
	n, _ := c.Request(ctx, "broadcast", json.RawMessage(`"hi"`), "a")
	if n.(int) != 1 || len(received) != 1 || received[0] != `"hi"` {
		t.Fatalf("broadcast delivered %v to %v clients", received, n)
	}

	c.Disconnect(ctx, "a")
	n, _ = c.Request(ctx, "broadcast", json.RawMessage(`"again"`), "a")
	if n.(int) != 0 || len(received) != 1 {
		t.Fatalf("disconnected client still received broadcasts")
	}
}

func TestEchoContainer_Terminate(t *testing.T) {
	ctx := context.Background()
	c := NewEchoContainer(core.GetOptions{UUID: "e-3"})
	if err := c.Ping(ctx); err != nil {
		t.Fatalf("ping failed: %v", err)
	}
	if err := c.Terminate(ctx); err != nil {
		t.Fatal(err)
	}
	if err := c.Terminate(ctx); err != nil {
		t.Fatalf("second terminate: %v", err)
	}
	if _, err := c.Request(ctx, "echo", nil, ""); !errors.Is(err, ferrors.ErrTerminated) {
		t.Fatalf("request after terminate err = %v", err)
	}
	if err := c.Ping(ctx); !errors.Is(err, ferrors.ErrTerminated) {
		t.Fatalf("ping after terminate err = %v", err)
	}
}
