// Package tick provides the periodic scheduler every fabric component uses
// for heartbeats, polling and timeouts.
package tick

import (
	"context"
	"hash/fnv"

	ferrors "github.com/xiaonanln/netfabric/util/errors"
)

// Handler is a callback invoked on due ticks.
type Handler func(ctx context.Context) error

// Manager is implemented by TickManager and FakeTickManager.
type Manager interface {
	// Register adds h, invoked every interval ticks. The returned function
	// removes it, waits for a call in flight and may be called any number
	// of times.
	Register(h Handler, interval int) (unregister func(), err error)
	// Tick advances the clock by one and runs every due handler to completion.
	Tick(ctx context.Context)
	Start()
	Stop()
	// Now returns the manager's clock in milliseconds.
	Now() int64
	// WaitTick blocks until at least n further ticks have elapsed.
	WaitTick(ctx context.Context, n int) error
	// IsMe reports whether the current instant belongs to tickID's slot in a
	// duty cycle of periodSeconds.
	IsMe(tickID string, periodSeconds int) bool
	TicksPerSecond() int
}

const (
	MinTicksPerSecond = 1
	MaxTicksPerSecond = 1000
)

func validateInterval(interval int) error {
	if interval < 1 {
		return ferrors.InvalidArgument("tick interval must be >= 1, got %d", interval)
	}
	return nil
}

func validateWait(n int) error {
	if n < 1 {
		return ferrors.InvalidArgument("Ticks must be >= 1, got %d", n)
	}
	return nil
}

func slotOf(tickID string, period int64) int64 {
	h := fnv.New32a()
	h.Write([]byte(tickID))
	return int64(h.Sum32()) % period
}

// isMe assigns each tickID one whole second out of every periodSeconds, so
// handlers running at any interval up to one second observe their slot.
func isMe(tick int64, tickID string, periodSeconds, tps int) bool {
	period := int64(periodSeconds)
	if period <= 1 {
		return true
	}
	sec := tick / int64(tps)
	return sec%period == slotOf(tickID, period)
}
