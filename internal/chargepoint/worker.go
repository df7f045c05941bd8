package chargepoint

import (
	"sync"
	"time"
)

// WorkerPool runs submitted jobs on a fixed set of goroutines.
type WorkerPool struct {
	jobs     chan func()
	done     chan struct{}
	wg       sync.WaitGroup
	stopOnce sync.Once
}

// NewWorkerPool starts the pool.
func NewWorkerPool(workers, queueSize int) *WorkerPool {
	if workers <= 0 {
		workers = 2
	}
	if queueSize <= 0 {
		queueSize = 32
	}
	p := &WorkerPool{
		jobs: make(chan func(), queueSize),
		done: make(chan struct{}),
	}
	p.wg.Add(workers)
	for i := 0; i < workers; i++ {
		go p.worker()
	}
	return p
}

func (p *WorkerPool) worker() {
	defer p.wg.Done()
	for {
		select {
		case <-p.done:
			return
		case job := <-p.jobs:
			job()
		}
	}
}

// Submit enqueues job, blocking while the queue is full. It reports
// false once the pool is stopped.
func (p *WorkerPool) Submit(job func()) bool {
	select {
	case <-p.done:
		return false
	default:
	}
	select {
	case p.jobs <- job:
		return true
	case <-p.done:
		return false
	}
}

// Stop shuts the pool down without draining queued jobs.
func (p *WorkerPool) Stop() {
	p.stopOnce.Do(func() { close(p.done) })
	p.wg.Wait()
}

// retryTimer is a restartable one-shot timer guarding the single pending
// FIFO retry.
type retryTimer struct {
	mu    sync.Mutex
	timer *time.Timer
	armed bool
}

// Restart arms the timer for d, replacing any pending expiry.
func (t *retryTimer) Restart(d time.Duration, fire func()) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.timer != nil {
		t.timer.Stop()
	}
	t.armed = true
	t.timer = time.AfterFunc(d, func() {
		t.mu.Lock()
		t.armed = false
		t.mu.Unlock()
		fire()
	})
}

// Armed reports whether an expiry is pending.
func (t *retryTimer) Armed() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.armed
}

// Stop cancels a pending expiry.
func (t *retryTimer) Stop() {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.timer != nil {
		t.timer.Stop()
		t.timer = nil
	}
	t.armed = false
}
