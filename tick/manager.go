package tick

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/juju/clock"
	ferrors "github.com/xiaonanln/netfabric/util/errors"
	"github.com/xiaonanln/netfabric/util/logger"
	"github.com/xiaonanln/netfabric/util/metrics"
)

type handlerEntry struct {
	id       uint64
	interval int64
	fn       Handler
	active   atomic.Bool

	// running is read-held for the duration of each call to fn.
	running sync.RWMutex
}

// call runs fn unless the entry has been unregistered.
func (e *handlerEntry) call(ctx context.Context) error {
	e.running.RLock()
	defer e.running.RUnlock()
	if !e.active.Load() {
		return nil
	}
	return e.fn(ctx)
}

// deactivate marks the entry unregistered and waits for a call in flight
// to return. It reports false if the entry was already inactive.
func (e *handlerEntry) deactivate() bool {
	if !e.active.CompareAndSwap(true, false) {
		return false
	}
	e.running.Lock()
	defer e.running.Unlock()
	return true
}

type waiter struct {
	target int64
	ch     chan struct{}
}

// TickManager drives handlers from a fixed-rate clock.
type TickManager struct {
	tps    int
	period time.Duration
	clock  clock.Clock
	logger *logger.Logger
	name   string

	mu       sync.Mutex
	tick     int64
	nextID   uint64
	handlers []*handlerEntry
	waiters  []waiter

	runMu   sync.Mutex
	stopCh  chan struct{}
	stopped chan struct{}
}

// Option configures a TickManager.
type Option func(*TickManager)

// WithClock sets the clock that paces Start's driver loop.
func WithClock(c clock.Clock) Option {
	return func(m *TickManager) { m.clock = c }
}

// WithName labels the manager in logs and metrics.
func WithName(name string) Option {
	return func(m *TickManager) { m.name = name }
}

// NewTickManager creates a manager running tps ticks per second once started.
func NewTickManager(tps int, opts ...Option) (*TickManager, error) {
	if tps < MinTicksPerSecond || tps > MaxTicksPerSecond {
		return nil, ferrors.InvalidArgument("ticks per second must be in [%d, %d], got %d", MinTicksPerSecond, MaxTicksPerSecond, tps)
	}
	m := &TickManager{
		tps:    tps,
		period: time.Second / time.Duration(tps),
		clock:  clock.WallClock,
		name:   "default",
	}
	for _, opt := range opts {
		opt(m)
	}
	m.logger = logger.NewLogger(fmt.Sprintf("TickManager(%s)", m.name))
	return m, nil
}

func (m *TickManager) TicksPerSecond() int {
	return m.tps
}

func (m *TickManager) Register(h Handler, interval int) (func(), error) {
	if err := validateInterval(interval); err != nil {
		return nil, err
	}
	if h == nil {
		return nil, ferrors.InvalidArgument("tick handler must not be nil")
	}

	e := &handlerEntry{interval: int64(interval), fn: h}
	e.active.Store(true)

	m.mu.Lock()
	m.nextID++
	e.id = m.nextID
	m.handlers = append(m.handlers, e)
	m.mu.Unlock()

	return func() { m.unregister(e) }, nil
}

// unregister removes e and returns once no call to its handler is running.
// A handler must not unregister itself.
func (m *TickManager) unregister(e *handlerEntry) {
	if !e.deactivate() {
		return
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	for i, h := range m.handlers {
		if h == e {
			m.handlers = append(m.handlers[:i:i], m.handlers[i+1:]...)
			return
		}
	}
}

// HandlerCount returns the number of registered handlers.
func (m *TickManager) HandlerCount() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.handlers)
}

// CurrentTick returns the tick counter.
func (m *TickManager) CurrentTick() int64 {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.tick
}

// Tick advances the counter and runs due handlers concurrently, returning once
// all of them have finished. Handler errors and panics are logged and
// otherwise ignored.
func (m *TickManager) Tick(ctx context.Context) {
	m.mu.Lock()
	m.tick++
	t := m.tick
	var due []*handlerEntry
	for _, h := range m.handlers {
		if t%h.interval == 0 {
			due = append(due, h)
		}
	}
	m.releaseWaitersLocked(t)
	m.mu.Unlock()

	start := m.clock.Now()
	var wg sync.WaitGroup
	for _, h := range due {
		wg.Add(1)
		go func(h *handlerEntry) {
			defer wg.Done()
			m.invoke(ctx, h)
		}(h)
	}
	wg.Wait()
	metrics.RecordTickDuration(m.name, m.clock.Now().Sub(start).Seconds())
}

func (m *TickManager) invoke(ctx context.Context, h *handlerEntry) {
	defer func() {
		if r := recover(); r != nil {
			metrics.RecordTickHandlerFailure(m.name)
			m.logger.Errorf("Tick handler %d panicked: %v", h.id, r)
		}
	}()
	if err := h.call(ctx); err != nil {
		metrics.RecordTickHandlerFailure(m.name)
		m.logger.Warnf("Tick handler %d failed: %v", h.id, err)
	}
}

func (m *TickManager) releaseWaitersLocked(t int64) {
	kept := m.waiters[:0]
	for _, w := range m.waiters {
		if w.target <= t {
			close(w.ch)
		} else {
			kept = append(kept, w)
		}
	}
	m.waiters = kept
}

// Start launches the driver loop. Calling Start on a running manager is a no-op.
func (m *TickManager) Start() {
	m.runMu.Lock()
	defer m.runMu.Unlock()
	if m.stopCh != nil {
		return
	}
	m.stopCh = make(chan struct{})
	m.stopped = make(chan struct{})
	go m.run(m.stopCh, m.stopped)
	m.logger.Infof("Started at %d ticks/s", m.tps)
}

func (m *TickManager) run(stop <-chan struct{}, stopped chan<- struct{}) {
	defer close(stopped)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go func() {
		<-stop
		cancel()
	}()
	for {
		select {
		case <-stop:
			return
		case <-m.clock.After(m.period):
			m.Tick(ctx)
		}
	}
}

// Stop halts the driver loop and waits for an in-flight tick to finish.
func (m *TickManager) Stop() {
	m.runMu.Lock()
	stop, stopped := m.stopCh, m.stopped
	m.stopCh, m.stopped = nil, nil
	m.runMu.Unlock()
	if stop == nil {
		return
	}
	close(stop)
	<-stopped
	m.logger.Infof("Stopped at tick %d", m.CurrentTick())
}

func (m *TickManager) Now() int64 {
	return m.clock.Now().UnixMilli()
}

func (m *TickManager) WaitTick(ctx context.Context, n int) error {
	if err := validateWait(n); err != nil {
		return err
	}
	ch := make(chan struct{})
	m.mu.Lock()
	m.waiters = append(m.waiters, waiter{target: m.tick + int64(n), ch: ch})
	m.mu.Unlock()

	select {
	case <-ch:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (m *TickManager) IsMe(tickID string, periodSeconds int) bool {
	return isMe(m.CurrentTick(), tickID, periodSeconds, m.tps)
}
