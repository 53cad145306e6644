package workerpool

import (
	"context"
	"sync"
)

// Task represents a unit of work to be executed by the worker pool
type Task func(ctx context.Context) error

// Result is the outcome of one task submitted through SubmitAndWait.
// Index is the task's position in the submitted slice.
type Result struct {
	Index int
	Err   error
}

// WorkerPool is a fixed-size pool of goroutines. The network uses it to bound
// the fan-out of container liveness probes.
type WorkerPool struct {
	numWorkers int
	tasks      chan taskWrapper
	wg         sync.WaitGroup
	ctx        context.Context
	cancel     context.CancelFunc
	startOnce  sync.Once
	stopOnce   sync.Once
}

type taskWrapper struct {
	task   Task
	result chan error
}

// New creates a new worker pool with the specified number of workers.
// Workers derive their context from ctx.
func New(ctx context.Context, numWorkers int) *WorkerPool {
	if numWorkers <= 0 {
		numWorkers = 1
	}
	ctx, cancel := context.WithCancel(ctx)
	return &WorkerPool{
		numWorkers: numWorkers,
		tasks:      make(chan taskWrapper, numWorkers*2),
		ctx:        ctx,
		cancel:     cancel,
	}
}

// Start launches the worker goroutines. Calling it more than once is harmless.
func (wp *WorkerPool) Start() {
	wp.startOnce.Do(func() {
		for i := 0; i < wp.numWorkers; i++ {
			wp.wg.Add(1)
			go wp.worker()
		}
	})
}

func (wp *WorkerPool) worker() {
	defer wp.wg.Done()
	for {
		select {
		case <-wp.ctx.Done():
			return
		case tw := <-wp.tasks:
			tw.result <- wp.run(tw.task)
		}
	}
}

func (wp *WorkerPool) run(task Task) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = &PanicError{Value: r}
		}
	}()
	return task(wp.ctx)
}

// Submit queues task and returns a channel receiving its error. When the pool
// is stopped the channel receives the pool's context error instead.
func (wp *WorkerPool) Submit(task Task) <-chan error {
	result := make(chan error, 1)
	if err := wp.ctx.Err(); err != nil {
		result <- err
		return result
	}
	select {
	case <-wp.ctx.Done():
		result <- wp.ctx.Err()
	case wp.tasks <- taskWrapper{task: task, result: result}:
	}
	return result
}

// SubmitAndWait runs all tasks and returns one Result per task, in submission order.
func (wp *WorkerPool) SubmitAndWait(ctx context.Context, tasks []Task) []Result {
	if len(tasks) == 0 {
		return nil
	}

	results := make([]Result, len(tasks))
	var wg sync.WaitGroup
	for i, task := range tasks {
		wg.Add(1)
		go func(i int, t Task) {
			defer wg.Done()
			results[i].Index = i
			select {
			case <-ctx.Done():
				results[i].Err = ctx.Err()
			case err := <-wp.Submit(t):
				results[i].Err = err
			}
		}(i, task)
	}
	wg.Wait()
	return results
}

// Stop cancels the pool and waits for running tasks to return.
func (wp *WorkerPool) Stop() {
	wp.stopOnce.Do(func() {
		wp.cancel()
		wp.wg.Wait()
	})
}

// PanicError is returned for a task that panicked.
type PanicError struct {
	Value any
}

func (e *PanicError) Error() string {
	return "task panicked"
}
