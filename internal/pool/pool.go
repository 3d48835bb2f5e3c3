// Package pool runs independent tasks on a bounded number of goroutines.
package pool

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
)

// ErrShutdown is returned when work is submitted to a stopped pool.
var ErrShutdown = errors.New("worker pool is shut down")

// Task is one unit of work. The key identifies it in failure reports.
type Task func(ctx context.Context) error

// FailureFunc observes tasks that returned an error or panicked. A panic is
// reported as a *PanicError.
type FailureFunc func(key string, err error)

// PanicError wraps a value recovered from a panicking task.
type PanicError struct {
	Value any
}

func (e *PanicError) Error() string { return fmt.Sprintf("task panicked: %v", e.Value) }

// Metrics is a snapshot of pool counters.
type Metrics struct {
	Active    int64 `json:"active"`
	Completed int64 `json:"completed"`
	Failed    int64 `json:"failed"`
	Panics    int64 `json:"panics"`
}

// Pool bounds concurrency with a semaphore. Submit blocks while the pool is
// full, giving callers backpressure.
type Pool struct {
	sem       chan struct{}
	done      chan struct{}
	onFailure FailureFunc

	mu     sync.Mutex
	closed bool
	wg     sync.WaitGroup

	active, completed, failed, panics atomic.Int64
}

// New creates a pool running at most size tasks at once. onFailure may be nil.
func New(size int, onFailure FailureFunc) *Pool {
	if size <= 0 {
		size = 1
	}
	return &Pool{
		sem:       make(chan struct{}, size),
		done:      make(chan struct{}),
		onFailure: onFailure,
	}
}

// Submit starts task once a slot is free. It returns ctx.Err() if ctx ends
// first and ErrShutdown after Shutdown.
func (p *Pool) Submit(ctx context.Context, key string, task Task) error {
	if p.isClosed() {
		return ErrShutdown
	}

	select {
	case p.sem <- struct{}{}:
	case <-ctx.Done():
		return ctx.Err()
	case <-p.done:
		return ErrShutdown
	}

	// wg.Add happens under the lock so Shutdown's Wait cannot miss it.
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		<-p.sem
		return ErrShutdown
	}
	p.wg.Add(1)
	p.active.Add(1)
	p.mu.Unlock()

	go p.run(ctx, key, task)
	return nil
}

func (p *Pool) run(ctx context.Context, key string, task Task) {
	defer func() {
		if r := recover(); r != nil {
			p.panics.Add(1)
			p.failed.Add(1)
			p.report(key, &PanicError{Value: r})
		}
		p.active.Add(-1)
		<-p.sem
		p.wg.Done()
	}()

	if err := task(ctx); err != nil {
		p.failed.Add(1)
		p.report(key, err)
		return
	}
	p.completed.Add(1)
}

func (p *Pool) report(key string, err error) {
	if p.onFailure != nil {
		p.onFailure(key, err)
	}
}

func (p *Pool) isClosed() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.closed
}

// Shutdown rejects new work and waits for running tasks. Safe to call twice.
func (p *Pool) Shutdown() {
	p.mu.Lock()
	if !p.closed {
		p.closed = true
		close(p.done)
	}
	p.mu.Unlock()
	p.wg.Wait()
}

// Metrics returns the current counters.
func (p *Pool) Metrics() Metrics {
	return Metrics{
		Active:    p.active.Load(),
		Completed: p.completed.Load(),
		Failed:    p.failed.Load(),
		Panics:    p.panics.Load(),
	}
}
