package server

import (
	"sync"
)

// workerPool runs request tasks on a fixed set of goroutines fed by a
// buffered channel. A full queue rejects instead of blocking the read loop.
type workerPool struct {
	tasks chan func()
	wg    sync.WaitGroup

	mu     sync.RWMutex
	closed bool
}

func newWorkerPool(workers, queueSize int) *workerPool {
	p := &workerPool{tasks: make(chan func(), queueSize)}
	p.wg.Add(workers)
	for i := 0; i < workers; i++ {
		go p.run()
	}
	return p
}

func (p *workerPool) run() {
	defer p.wg.Done()
	for task := range p.tasks {
		task()
	}
}

// trySubmit queues task, returning false when the queue is full or the pool
// is closed.
func (p *workerPool) trySubmit(task func()) bool {
	p.mu.RLock()
	defer p.mu.RUnlock()
	if p.closed {
		return false
	}
	select {
	case p.tasks <- task:
		return true
	default:
		return false
	}
}

// stop rejects new tasks. Workers exit once the queue is drained.
func (p *workerPool) stop() {
	p.mu.Lock()
	defer p.mu.Unlock()
	if !p.closed {
		p.closed = true
		close(p.tasks)
	}
}

// close is stop, then waits for the workers.
func (p *workerPool) close() {
	p.stop()
	p.wg.Wait()
}
