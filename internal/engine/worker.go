package engine

import (
	"context"
	"errors"
	"sync"
)

// ErrPoolShutdown is returned when work is submitted after Shutdown.
var ErrPoolShutdown = errors.New("worker pool is shut down")

// PoolMetrics is a point-in-time snapshot of pool activity.
type PoolMetrics struct {
	Active    int64 `json:"active"`
	Completed int64 `json:"completed"`
	Failed    int64 `json:"failed"`
	Panics    int64 `json:"panics"`
}

// WorkerPool bounds how many steps of a batch run at once. Submit applies
// backpressure when every slot is busy, so a batch wider than the pool
// drains through it instead of spawning unbounded goroutines. A panicking
// handler is contained and counted, never propagated.
type WorkerPool struct {
	slots chan struct{}
	wg    sync.WaitGroup
	done  chan struct{}

	mu        sync.Mutex
	closed    bool
	active    int64
	completed int64
	failed    int64
	panics    int64
}

// NewWorkerPool builds a pool with the given concurrency, minimum 1.
func NewWorkerPool(size int) *WorkerPool {
	if size < 1 {
		size = 1
	}
	return &WorkerPool{
		slots: make(chan struct{}, size),
		done:  make(chan struct{}),
	}
}

// Submit blocks until a slot frees up, the context ends, or the pool shuts
// down, then runs fn on its own goroutine.
func (p *WorkerPool) Submit(ctx context.Context, fn func(ctx context.Context) error) error {
	if p.isClosed() {
		return ErrPoolShutdown
	}

	select {
	case p.slots <- struct{}{}:
	case <-ctx.Done():
		return ctx.Err()
	case <-p.done:
		return ErrPoolShutdown
	}

	// Shutdown may have won the race while we waited for a slot. The
	// wg.Add must happen under the lock or Shutdown's wg.Wait can return
	// while this submission is still starting.
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		<-p.slots
		return ErrPoolShutdown
	}
	p.wg.Add(1)
	p.active++
	p.mu.Unlock()

	go p.run(ctx, fn)
	return nil
}

func (p *WorkerPool) run(ctx context.Context, fn func(ctx context.Context) error) {
	panicked := true
	defer func() {
		p.mu.Lock()
		if panicked {
			if r := recover(); r != nil {
				p.panics++
				p.failed++
			}
		}
		p.active--
		p.mu.Unlock()
		<-p.slots
		p.wg.Done()
	}()

	err := fn(ctx)
	panicked = false

	p.mu.Lock()
	if err != nil {
		p.failed++
	} else {
		p.completed++
	}
	p.mu.Unlock()
}

// Wait blocks until everything submitted so far has finished. The executor
// uses this as the hard barrier between batches.
func (p *WorkerPool) Wait() {
	p.wg.Wait()
}

// Shutdown rejects further submissions and waits for in-flight work.
func (p *WorkerPool) Shutdown() {
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return
	}
	p.closed = true
	close(p.done)
	p.mu.Unlock()

	p.wg.Wait()
}

func (p *WorkerPool) isClosed() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.closed
}

// Metrics snapshots the pool counters.
func (p *WorkerPool) Metrics() PoolMetrics {
	p.mu.Lock()
	defer p.mu.Unlock()
	return PoolMetrics{
		Active:    p.active,
		Completed: p.completed,
		Failed:    p.failed,
		Panics:    p.panics,
	}
}
