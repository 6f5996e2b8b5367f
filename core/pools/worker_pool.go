package pools

import (
	"runtime"
	"sync"
	"sync/atomic"
)

// WorkerPool bounds the goroutines that run request lifecycles off the
// event loop. The loop itself must never block, so Submit always
// succeeds: when every worker is busy the task runs on a fresh goroutine
// rather than queueing behind a full channel.
type WorkerPool struct {
	tasks  chan func()
	wg     sync.WaitGroup
	closed atomic.Bool

	submitted atomic.Uint64
	overflow  atomic.Uint64
}

// NewWorkerPool starts size resident workers. size <= 0 means NumCPU.
func NewWorkerPool(size int) *WorkerPool {
	if size <= 0 {
		size = runtime.NumCPU()
	}
	p := &WorkerPool{
		tasks: make(chan func(), size*64),
	}
	p.wg.Add(size)
	for i := 0; i < size; i++ {
		go p.run()
	}
	return p
}

func (p *WorkerPool) run() {
	defer p.wg.Done()
	for task := range p.tasks {
		task()
	}
}

// Submit schedules task. Never blocks the caller.
func (p *WorkerPool) Submit(task func()) {
	if p.closed.Load() {
		return
	}
	p.submitted.Add(1)
	select {
	case p.tasks <- task:
	default:
		p.overflow.Add(1)
		go task()
	}
}

// Close stops the resident workers after draining queued tasks.
func (p *WorkerPool) Close() {
	if !p.closed.CompareAndSwap(false, true) {
		return
	}
	close(p.tasks)
	p.wg.Wait()
}

// Stats reports how many tasks were submitted and how many overflowed
// past the resident workers.
func (p *WorkerPool) Stats() (submitted, overflow uint64) {
	return p.submitted.Load(), p.overflow.Load()
}
