package taskpool

import (
	"context"
	"sync"
)

// Job represents a unit of work to be executed by the task pool
type Job func(ctx context.Context)

// DefaultQueueSize is the per-key buffer used when NewTaskPool receives a
// non-positive size.
const DefaultQueueSize = 128

// keyQueue manages jobs for a single key
type keyQueue struct {
	jobs   chan Job
	cancel context.CancelFunc
	done   chan struct{}
}

// TaskPool serializes jobs per key while running different keys in parallel.
//
// The network uses one key per subscribed client for ContainerEvent delivery
// and the workspace container uses one key per connected client for
// broadcasts, so a slow client only delays itself. Submission never blocks:
// when a key's queue is full, the job is dropped and Submit reports false.
//
// Usage Pattern:
//
//	pool := NewTaskPool[core.ClientUUID](0)
//	defer pool.Stop()
//
//	pool.Submit(clientID, func(ctx context.Context) {
//	    // deliver to clientID
//	})
//	pool.Remove(clientID) // after the client disconnects
type TaskPool[K comparable] struct {
	mu        sync.Mutex
	queues    map[K]*keyQueue
	queueSize int
	ctx       context.Context
	cancel    context.CancelFunc
	stopped   bool
}

// NewTaskPool creates a new TaskPool whose per-key queues hold queueSize jobs.
func NewTaskPool[K comparable](queueSize int) *TaskPool[K] {
	if queueSize <= 0 {
		queueSize = DefaultQueueSize
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &TaskPool[K]{
		queues:    make(map[K]*keyQueue),
		queueSize: queueSize,
		ctx:       ctx,
		cancel:    cancel,
	}
}

// Submit enqueues job for key. Jobs for the same key run in submission order.
// It returns false when the pool is stopped or the key's queue is full.
func (tp *TaskPool[K]) Submit(key K, job Job) bool {
	tp.mu.Lock()
	defer tp.mu.Unlock()

	if tp.stopped {
		return false
	}

	queue, exists := tp.queues[key]
	if !exists {
		queueCtx, queueCancel := context.WithCancel(tp.ctx)
		queue = &keyQueue{
			jobs:   make(chan Job, tp.queueSize),
			cancel: queueCancel,
			done:   make(chan struct{}),
		}
		tp.queues[key] = queue
		go tp.worker(queueCtx, queue)
	}

	select {
	case queue.jobs <- job:
		return true
	default:
		return false
	}
}

// worker processes jobs for a single key until its context is cancelled
func (tp *TaskPool[K]) worker(ctx context.Context, queue *keyQueue) {
	defer close(queue.done)
	for {
		select {
		case <-ctx.Done():
			return
		case job := <-queue.jobs:
			job(ctx)
		}
	}
}

// Remove cancels the queue for key and discards jobs still pending for it.
// A job already running observes a cancelled context.
func (tp *TaskPool[K]) Remove(key K) {
	tp.mu.Lock()
	queue, ok := tp.queues[key]
	if ok {
		delete(tp.queues, key)
	}
	tp.mu.Unlock()

	if ok {
		queue.cancel()
		<-queue.done
	}
}

// Stop cancels all workers and waits for them to exit.
func (tp *TaskPool[K]) Stop() {
	tp.mu.Lock()
	if tp.stopped {
		tp.mu.Unlock()
		return
	}
	tp.stopped = true
	queues := make([]*keyQueue, 0, len(tp.queues))
	for key, queue := range tp.queues {
		queues = append(queues, queue)
		delete(tp.queues, key)
	}
	tp.mu.Unlock()

	tp.cancel()
	for _, queue := range queues {
		<-queue.done
	}
}

// Len returns the number of active key queues
func (tp *TaskPool[K]) Len() int {
	tp.mu.Lock()
	defer tp.mu.Unlock()
	return len(tp.queues)
}
