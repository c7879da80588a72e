// Package events provides the scheduler's worker pool and keyed mailboxes.
// Every mailbox key (UE, carrier, or UE-carrier pair) is drained as a single
// task, so events with the same key run in enqueue order without locks.
package events

import (
	"errors"
	"runtime"
	"sync"
)

// ErrPoolStopped is returned by Submit after Stop.
var ErrPoolStopped = errors.New("events: pool stopped")

// Pool is a fixed set of goroutines executing submitted tasks.
type Pool struct {
	tasks chan func()
	wg    sync.WaitGroup

	mu      sync.RWMutex
	stopped bool
}

// NewPool starts workers goroutines. A non-positive count uses one worker
// per CPU.
func NewPool(workers int) *Pool {
	if workers <= 0 {
		workers = runtime.NumCPU()
	}
	p := &Pool{tasks: make(chan func(), workers*4)}
	p.wg.Add(workers)
	for i := 0; i < workers; i++ {
		go p.worker()
	}
	return p
}

func (p *Pool) worker() {
	defer p.wg.Done()
	for task := range p.tasks {
		task()
	}
}

// Submit queues task for execution, blocking while the queue is full.
func (p *Pool) Submit(task func()) error {
	p.mu.RLock()
	defer p.mu.RUnlock()
	if p.stopped {
		return ErrPoolStopped
	}
	p.tasks <- task
	return nil
}

// Stop lets queued tasks finish and terminates the workers. It is idempotent.
func (p *Pool) Stop() {
	p.mu.Lock()
	if p.stopped {
		p.mu.Unlock()
		return
	}
	p.stopped = true
	close(p.tasks)
	p.mu.Unlock()
	p.wg.Wait()
}
