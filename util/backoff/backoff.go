package backoff

import (
	"context"
	"math/rand/v2"
	"time"

	"github.com/juju/clock"
)

// Backoff is an explicit exponential backoff state machine used by reconnect
// loops (event subscriptions, agent heartbeats). Each Wait sleeps for the
// current delay and then advances it; Reset returns to the initial delay after
// a successful attempt.
type Backoff struct {
	initialDelay time.Duration
	maxDelay     time.Duration
	multiplier   float64
	jitter       float64
	clock        clock.Clock
	currentDelay time.Duration
	attempts     int
}

// Option configures a Backoff.
type Option func(*Backoff)

// WithClock replaces the wall clock, mainly for tests.
func WithClock(c clock.Clock) Option {
	return func(b *Backoff) { b.clock = c }
}

// WithJitter randomizes each delay by up to ±fraction of its value.
// fraction is clamped to [0, 1].
func WithJitter(fraction float64) Option {
	return func(b *Backoff) {
		if fraction < 0 {
			fraction = 0
		}
		if fraction > 1 {
			fraction = 1
		}
		b.jitter = fraction
	}
}

// New creates a new Backoff with the specified parameters.
// initialDelay is the delay before the first retry.
// maxDelay is the maximum delay between retries.
// multiplier is the factor by which the delay increases after each retry.
func New(initialDelay, maxDelay time.Duration, multiplier float64, opts ...Option) *Backoff {
	b := &Backoff{
		initialDelay: initialDelay,
		maxDelay:     maxDelay,
		multiplier:   multiplier,
		clock:        clock.WallClock,
		currentDelay: initialDelay,
	}
	for _, opt := range opts {
		opt(b)
	}
	return b
}

// Wait waits for the current backoff duration, respecting context cancellation.
// Returns nil if the wait completed successfully, or ctx.Err() if the context was cancelled.
// After a successful wait, the backoff duration is increased for the next call.
func (b *Backoff) Wait(ctx context.Context) error {
	select {
	case <-b.clock.After(b.nextDelay()):
		b.attempts++
		b.currentDelay = time.Duration(float64(b.currentDelay) * b.multiplier)
		if b.currentDelay > b.maxDelay {
			b.currentDelay = b.maxDelay
		}
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (b *Backoff) nextDelay() time.Duration {
	if b.jitter == 0 {
		return b.currentDelay
	}
	spread := float64(b.currentDelay) * b.jitter
	return time.Duration(float64(b.currentDelay) - spread + rand.Float64()*2*spread)
}

// Reset resets the backoff to its initial delay.
// This is useful when starting a new retry sequence.
func (b *Backoff) Reset() {
	b.currentDelay = b.initialDelay
	b.attempts = 0
}

// CurrentDelay returns the current backoff delay, before jitter.
func (b *Backoff) CurrentDelay() time.Duration {
	return b.currentDelay
}

// Attempts returns the number of completed waits since the last Reset.
func (b *Backoff) Attempts() int {
	return b.attempts
}
