package backoff

import (
	"context"
	"testing"
	"time"

	"github.com/juju/clock/testclock"
)

func TestBackoff_Growth(t *testing.T) {
	clk := testclock.NewClock(time.Now())
	b := New(100*time.Millisecond, 1*time.Second, 2.0, WithClock(clk))

	if b.CurrentDelay() != 100*time.Millisecond {
		t.Fatalf("Expected initial delay 100ms, got %v", b.CurrentDelay())
	}

	want := []time.Duration{200, 400, 800, 1000, 1000}
	for i, w := range want {
		done := make(chan error, 1)
		go func() { done <- b.Wait(context.Background()) }()

		if err := clk.WaitAdvance(b.CurrentDelay(), time.Second, 1); err != nil {
			t.Fatalf("WaitAdvance: %v", err)
		}
		if err := <-done; err != nil {
			t.Fatalf("Wait %d failed: %v", i, err)
		}
		if b.CurrentDelay() != w*time.Millisecond {
			t.Fatalf("after wait %d delay = %v, want %v", i, b.CurrentDelay(), w*time.Millisecond)
		}
	}
	if b.Attempts() != len(want) {
		t.Fatalf("Attempts() = %d, want %d", b.Attempts(), len(want))
	}
}

func TestBackoff_Reset(t *testing.T) {
	clk := testclock.NewClock(time.Now())
	b := New(10*time.Millisecond, time.Second, 3.0, WithClock(clk))

	done := make(chan error, 1)
	go func() { done <- b.Wait(context.Background()) }()
	if err := clk.WaitAdvance(10*time.Millisecond, time.Second, 1); err != nil {
		t.Fatal(err)
	}
	<-done

	b.Reset()
	if b.CurrentDelay() != 10*time.Millisecond || b.Attempts() != 0 {
		t.Fatalf("Reset did not restore initial state: %v, %d", b.CurrentDelay(), b.Attempts())
	}
}

func TestBackoff_ContextCancellation(t *testing.T) {
	b := New(time.Hour, time.Hour, 2.0)
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	if err := b.Wait(ctx); err != context.Canceled {
		t.Fatalf("Expected context.Canceled, got %v", err)
	}
	if b.CurrentDelay() != time.Hour {
		t.Fatalf("cancelled wait must not advance delay")
	}
}

func TestBackoff_JitterBounds(t *testing.T) {
	b := New(100*time.Millisecond, time.Second, 2.0, WithJitter(0.5))
	for i := 0; i < 100; i++ {
		d := b.nextDelay()
		if d < 50*time.Millisecond || d > 150*time.Millisecond {
			t.Fatalf("jittered delay %v out of bounds", d)
		}
	}
}
