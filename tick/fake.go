package tick

import (
	"context"
	"sync"

	"github.com/xiaonanln/netfabric/util/logger"
)

// FakeTickManager is a deterministic Manager for tests. Ticks advance only
// through Tick or ExecAll, handlers run sequentially in registration order,
// and Now reads a virtual clock set with SetTime.
type FakeTickManager struct {
	mu       sync.Mutex
	tps      int
	tick     int64
	now      int64
	handlers []*handlerEntry
	logger   *logger.Logger
}

// NewFakeTickManager creates a fake manager reporting tps ticks per second.
// A non-positive tps defaults to 1.
func NewFakeTickManager(tps int) *FakeTickManager {
	if tps <= 0 {
		tps = 1
	}
	return &FakeTickManager{tps: tps, logger: logger.NewLogger("FakeTickManager")}
}

func (f *FakeTickManager) TicksPerSecond() int {
	return f.tps
}

func (f *FakeTickManager) Register(h Handler, interval int) (func(), error) {
	if err := validateInterval(interval); err != nil {
		return nil, err
	}
	e := &handlerEntry{interval: int64(interval), fn: h}
	e.active.Store(true)

	f.mu.Lock()
	f.handlers = append(f.handlers, e)
	f.mu.Unlock()

	return func() {
		if !e.deactivate() {
			return
		}
		f.mu.Lock()
		defer f.mu.Unlock()
		for i, h := range f.handlers {
			if h == e {
				f.handlers = append(f.handlers[:i:i], f.handlers[i+1:]...)
				return
			}
		}
	}, nil
}

// HandlerCount returns the number of registered handlers.
func (f *FakeTickManager) HandlerCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.handlers)
}

func (f *FakeTickManager) snapshot() []*handlerEntry {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]*handlerEntry(nil), f.handlers...)
}

func (f *FakeTickManager) Tick(ctx context.Context) {
	f.mu.Lock()
	f.tick++
	t := f.tick
	f.mu.Unlock()

	for _, h := range f.snapshot() {
		if t%h.interval == 0 {
			f.invoke(ctx, h)
		}
	}
}

// ExecAll invokes every registered handler once, in registration order,
// regardless of interval. The tick counter does not move.
func (f *FakeTickManager) ExecAll(ctx context.Context) {
	for _, h := range f.snapshot() {
		f.invoke(ctx, h)
	}
}

func (f *FakeTickManager) invoke(ctx context.Context, h *handlerEntry) {
	defer func() {
		if r := recover(); r != nil {
			f.logger.Errorf("Tick handler panicked: %v", r)
		}
	}()
	if err := h.call(ctx); err != nil {
		f.logger.Warnf("Tick handler failed: %v", err)
	}
}

func (f *FakeTickManager) Start() {}

func (f *FakeTickManager) Stop() {}

func (f *FakeTickManager) Now() int64 {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.now
}

// SetTime sets the virtual clock, in milliseconds.
func (f *FakeTickManager) SetTime(ms int64) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.now = ms
}

// Advance moves the virtual clock forward by ms milliseconds.
func (f *FakeTickManager) Advance(ms int64) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.now += ms
}

// WaitTick validates n like TickManager and then returns immediately.
func (f *FakeTickManager) WaitTick(ctx context.Context, n int) error {
	return validateWait(n)
}

func (f *FakeTickManager) IsMe(tickID string, periodSeconds int) bool {
	f.mu.Lock()
	t := f.tick
	f.mu.Unlock()
	return isMe(t, tickID, periodSeconds, f.tps)
}

var (
	_ Manager = (*TickManager)(nil)
	_ Manager = (*FakeTickManager)(nil)
)
