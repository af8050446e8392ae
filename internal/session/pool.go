package session

import (
	"context"
	"log"
	"sync"
)

// AnalysisPool runs detector work off the request path on a fixed set of
// workers. Submit never blocks; a full queue is reported to the caller.
type AnalysisPool struct {
	mu     sync.RWMutex
	closed bool
	jobs   chan func(context.Context)
	wg     sync.WaitGroup
	ctx    context.Context
	cancel context.CancelFunc
	logger *log.Logger
}

// NewAnalysisPool starts workers goroutines draining a queue of queueSize.
func NewAnalysisPool(workers, queueSize int) *AnalysisPool {
	if workers <= 0 {
		workers = 4
	}
	if queueSize <= 0 {
		queueSize = 256
	}
	ctx, cancel := context.WithCancel(context.Background())
	p := &AnalysisPool{
		jobs:   make(chan func(context.Context), queueSize),
		ctx:    ctx,
		cancel: cancel,
		logger: log.New(log.Writer(), "[ANALYSIS-POOL] ", log.LstdFlags),
	}
	for i := 0; i < workers; i++ {
		p.wg.Add(1)
		go p.worker()
	}
	return p
}

func (p *AnalysisPool) worker() {
	defer p.wg.Done()
	for job := range p.jobs {
		p.run(job)
	}
}

func (p *AnalysisPool) run(job func(context.Context)) {
	defer func() {
		if r := recover(); r != nil {
			p.logger.Printf("analysis job panicked: %v", r)
		}
	}()
	job(p.ctx)
}

// Submit queues job. It reports false when the pool is closed or full.
func (p *AnalysisPool) Submit(job func(context.Context)) bool {
	p.mu.RLock()
	defer p.mu.RUnlock()
	if p.closed {
		return false
	}
	select {
	case p.jobs <- job:
		return true
	default:
		return false
	}
}

// Pending returns the number of queued jobs.
func (p *AnalysisPool) Pending() int {
	return len(p.jobs)
}

// Shutdown stops accepting jobs and waits for queued ones to finish. Jobs
// still running when ctx expires see their context cancelled.
func (p *AnalysisPool) Shutdown(ctx context.Context) {
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return
	}
	p.closed = true
	close(p.jobs)
	p.mu.Unlock()

	done := make(chan struct{})
	go func() {
		p.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
	case <-ctx.Done():
		p.cancel()
		<-done
	}
	p.cancel()
}
