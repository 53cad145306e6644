package workerpool

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"
	"time"
)

func TestWorkerPool_SubmitAndWaitOrder(t *testing.T) {
	wp := New(context.Background(), 3)
	wp.Start()
	defer wp.Stop()

	boom := errors.New("boom")
	tasks := make([]Task, 10)
	for i := range tasks {
		i := i
		tasks[i] = func(ctx context.Context) error {
			if i%3 == 0 {
				return boom
			}
			return nil
		}
	}

	results := wp.SubmitAndWait(context.Background(), tasks)
	if len(results) != len(tasks) {
		t.Fatalf("got %d results, want %d", len(results), len(tasks))
	}
	for i, r := range results {
		if r.Index != i {
			t.Fatalf("result %d has index %d", i, r.Index)
		}
		if (i%3 == 0) != errors.Is(r.Err, boom) {
			t.Fatalf("result %d err = %v", i, r.Err)
		}
	}
}

func TestWorkerPool_BoundedConcurrency(t *testing.T) {
	wp := New(context.Background(), 2)
	wp.Start()
	defer wp.Stop()

	var running, peak atomic.Int32
	tasks := make([]Task, 8)
	for i := range tasks {
		tasks[i] = func(ctx context.Context) error {
			n := running.Add(1)
			for {
				p := peak.Load()
				if n <= p || peak.CompareAndSwap(p, n) {
					break
				}
			}
			time.Sleep(5 * time.Millisecond)
			running.Add(-1)
			return nil
		}
	}
	wp.SubmitAndWait(context.Background(), tasks)
	if peak.Load() > 2 {
		t.Fatalf("peak concurrency %d exceeds pool size", peak.Load())
	}
}

func TestWorkerPool_Panic(t *testing.T) {
	wp := New(context.Background(), 1)
	wp.Start()
	defer wp.Stop()

	err := <-wp.Submit(func(ctx context.Context) error { panic("bad") })
	var pe *PanicError
	if !errors.As(err, &pe) || pe.Value != "bad" {
		t.Fatalf("expected PanicError, got %v", err)
	}
	if err := <-wp.Submit(func(ctx context.Context) error { return nil }); err != nil {
		t.Fatalf("pool unusable after panic: %v", err)
	}
}

func TestWorkerPool_SubmitAfterStop(t *testing.T) {
	wp := New(context.Background(), 1)
	wp.Start()
	wp.Stop()
	wp.Stop()

	if err := <-wp.Submit(func(ctx context.Context) error { return nil }); !errors.Is(err, context.Canceled) {
		t.Fatalf("expected context.Canceled, got %v", err)
	}
}
