package hypergrid

import (
	"context"
	"sync"

	"github.com/hyp3rd/hypergrid/internal/sentinel"
)

// JobFunc is a function that can be enqueued in a worker pool.
type JobFunc = func() error

// WorkerPool is a pool of workers that can execute jobs concurrently. It is the
// statetransfer.Executor of a node: outbound transfers and transaction pulls run on it.
type WorkerPool struct {
	workers   int
	jobs      chan JobFunc
	wg        sync.WaitGroup
	quit      chan struct{}
	errorChan chan error

	mu     sync.RWMutex
	closed bool
}

// NewWorkerPool creates a new worker pool with the given number of workers.
func NewWorkerPool(workers int) *WorkerPool {
	if workers < 0 {
		workers = 0
	}

	pool := &WorkerPool{
		workers: workers,
		jobs:    make(chan JobFunc, workers),
		// buffer quit to allow multiple resize signals without blocking immediately
		quit:      make(chan struct{}, workers),
		errorChan: make(chan error, workers),
	}
	pool.start()

	return pool
}

// Enqueue adds a job to the worker pool. It blocks while the queue is full, until ctx is
// done, and fails with ErrPoolClosed after Shutdown.
func (pool *WorkerPool) Enqueue(ctx context.Context, job JobFunc) error {
	pool.mu.RLock()
	if pool.closed {
		pool.mu.RUnlock()

		return sentinel.ErrPoolClosed
	}

	pool.wg.Add(1)
	pool.mu.RUnlock()

	select {
	case pool.jobs <- job:
		return nil
	case <-ctx.Done():
		pool.wg.Done()

		return ctx.Err()
	}
}

// Shutdown shuts down the worker pool. It waits for all queued jobs to finish.
func (pool *WorkerPool) Shutdown() {
	pool.mu.Lock()
	if pool.closed {
		pool.mu.Unlock()

		return
	}

	pool.closed = true
	pool.mu.Unlock()

	pool.wg.Wait()
	close(pool.quit)
	close(pool.errorChan)
}

// Errors returns a channel that can be used to receive errors from the worker pool.
// Errors are dropped while the channel is full.
func (pool *WorkerPool) Errors() <-chan error {
	return pool.errorChan
}

// Resize resizes the worker pool.
func (pool *WorkerPool) Resize(newSize int) {
	if newSize < 0 {
		return
	}

	pool.mu.Lock()
	defer pool.mu.Unlock()

	if pool.closed {
		return
	}

	diff := newSize - pool.workers
	if diff == 0 {
		return
	}

	pool.workers = newSize

	if diff > 0 {
		// Increase the number of workers
		for range diff {
			go pool.worker()
		}

		return
	}

	// Decrease the number of workers
	// Send only the number of quit signals needed to remove workers
	for range -diff {
		pool.quit <- struct{}{}
	}
}

// Size returns the number of workers.
func (pool *WorkerPool) Size() int {
	pool.mu.RLock()
	defer pool.mu.RUnlock()

	return pool.workers
}

// start starts the worker pool.
func (pool *WorkerPool) start() {
	for range pool.workers {
		go pool.worker()
	}
}

// worker is the main loop executed by each worker goroutine.
func (pool *WorkerPool) worker() {
	for {
		select {
		case job := <-pool.jobs:
			pool.run(job)
		case <-pool.quit:
			return
		}
	}
}

func (pool *WorkerPool) run(job JobFunc) {
	defer pool.wg.Done()

	err := job()
	if err == nil {
		return
	}

	select {
	case pool.errorChan <- err:
	default:
	}
}
