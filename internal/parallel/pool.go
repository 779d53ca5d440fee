// Package parallel provides the fixed-size worker pool used by the
// shared-memory convolution backend.
package parallel

import (
	"errors"
	"fmt"
	"runtime"
	"sync"
	"sync/atomic"
)

// ErrPoolClosed is returned by ExecuteAll after Close.
var ErrPoolClosed = errors.New("parallel: worker pool closed")

// Task is one unit of work. A non-nil error fails the whole batch.
type Task func() error

// WorkerPool is a fixed set of goroutines executing batches of tasks.
//
// Each worker has its own queue and steals from the others when its queue is
// empty, which balances rows of uneven cost.
//
// Thread safety: WorkerPool is safe for concurrent use.
type WorkerPool struct {
	// workers is the number of worker goroutines.
	workers int

	// workQueues holds per-worker work queues.
	workQueues []chan func()

	// done signals workers to stop.
	done chan struct{}

	// wg waits for all workers to finish.
	wg sync.WaitGroup

	// running indicates whether the pool is accepting work.
	running atomic.Bool

	// queueSize is the buffer size for each worker's queue.
	queueSize int

	// dispatchMu is held for reading while ExecuteAll queues a batch and
	// for writing by Close, so no task is queued after workers exit.
	dispatchMu sync.RWMutex
}

// NewWorkerPool creates a pool with the given number of workers.
// If workers is 0 or negative, GOMAXPROCS is used.
// Workers start immediately and wait for work.
func NewWorkerPool(workers int) *WorkerPool {
	if workers <= 0 {
		workers = runtime.GOMAXPROCS(0)
	}

	// 2-4x workers hides dispatch latency.
	queueSize := max(workers*4, 8)

	p := &WorkerPool{
		workers:    workers,
		workQueues: make([]chan func(), workers),
		done:       make(chan struct{}),
		queueSize:  queueSize,
	}

	for i := range workers {
		p.workQueues[i] = make(chan func(), queueSize)
	}

	p.running.Store(true)

	p.wg.Add(workers)
	for i := range workers {
		go p.worker(i)
	}

	return p
}

// worker is the main loop for each worker goroutine.
func (p *WorkerPool) worker(id int) {
	defer p.wg.Done()

	myQueue := p.workQueues[id]

	for {
		select {
		case <-p.done:
			p.drainQueue(myQueue)
			return

		case work := <-myQueue:
			work()

		default:
			if stolen := p.steal(id); stolen != nil {
				stolen()
				continue
			}
			// Nothing anywhere; block on own queue.
			select {
			case <-p.done:
				p.drainQueue(myQueue)
				return
			case work := <-myQueue:
				work()
			}
		}
	}
}

// drainQueue executes all remaining work in a queue so that no batch
// waits forever on a closed pool.
func (p *WorkerPool) drainQueue(queue chan func()) {
	for {
		select {
		case work := <-queue:
			work()
		default:
			return
		}
	}
}

// steal attempts to take work from another worker's queue.
// Returns nil if no work is available.
func (p *WorkerPool) steal(myID int) func() {
	for i := range p.workers {
		if i == myID {
			continue
		}
		select {
		case work := <-p.workQueues[i]:
			return work
		default:
		}
	}
	return nil
}

// ExecuteAll distributes tasks round-robin across workers and blocks until
// every task has finished. Task errors, and panics converted to errors, are
// combined with errors.Join; the returned error is nil only if every task
// succeeded.
//
// A batch is either queued in full or, once Close has begun, rejected with
// ErrPoolClosed. Close waits for batches being queued.
func (p *WorkerPool) ExecuteAll(tasks []Task) error {
	if len(tasks) == 0 {
		if !p.running.Load() {
			return ErrPoolClosed
		}
		return nil
	}

	p.dispatchMu.RLock()
	if !p.running.Load() {
		p.dispatchMu.RUnlock()
		return ErrPoolClosed
	}

	errs := make([]error, len(tasks))
	var completion sync.WaitGroup
	completion.Add(len(tasks))

	for i, task := range tasks {
		wrapped := func() {
			defer completion.Done()
			errs[i] = runTask(i, task)
		}

		p.workQueues[i%p.workers] <- wrapped
	}
	p.dispatchMu.RUnlock()

	completion.Wait()
	return errors.Join(errs...)
}

// runTask runs one task, turning a panic into an error.
func runTask(i int, task Task) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("parallel: task %d panicked: %v", i, r)
		}
	}()
	if task == nil {
		return nil
	}
	return task()
}

// Close stops accepting work, lets queued work finish, and stops all
// workers. Close is safe to call multiple times.
func (p *WorkerPool) Close() {
	p.dispatchMu.Lock()
	if !p.running.CompareAndSwap(true, false) {
		p.dispatchMu.Unlock()
		return
	}
	close(p.done)
	p.dispatchMu.Unlock()
	p.wg.Wait()
}

// Workers returns the number of workers in the pool.
func (p *WorkerPool) Workers() int {
	return p.workers
}

// IsRunning returns true if the pool is still accepting work.
func (p *WorkerPool) IsRunning() bool {
	return p.running.Load()
}

// QueuedWork returns the approximate number of queued work items.
func (p *WorkerPool) QueuedWork() int {
	total := 0
	for _, q := range p.workQueues {
		total += len(q)
	}
	return total
}
