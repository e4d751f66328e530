// Package pool provides a fixed-size worker pool. Submitted tasks queue
// until a worker is free; each submission returns a Future the caller can
// wait on with a timeout.
package pool

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"echoattime/internal/log"

	"go.uber.org/zap"
)

var (
	ErrClosed  = errors.New("pool: closed")
	ErrTimeout = errors.New("pool: task timed out")
)

// Task is a unit of work run on a pool worker.
type Task func()

// Future tracks a submitted task.
type Future struct {
	done chan struct{}
	err  error
}

func newFuture() *Future {
	return &Future{done: make(chan struct{})}
}

func (f *Future) complete(err error) {
	f.err = err
	close(f.done)
}

// Done is closed once the task has finished or was discarded.
func (f *Future) Done() <-chan struct{} { return f.done }

// Wait blocks until the task finishes or timeout elapses. It returns
// ErrTimeout on expiry, ErrClosed if the pool discarded the task, or the
// recovered panic of a task that panicked. A timed-out task keeps running.
func (f *Future) Wait(timeout time.Duration) error {
	t := time.NewTimer(timeout)
	defer t.Stop()
	select {
	case <-f.done:
		return f.err
	case <-t.C:
		return ErrTimeout
	}
}

type job struct {
	task   Task
	future *Future
}

type Pool struct {
	size   int
	jobs   chan job
	quit   chan struct{}
	wg     sync.WaitGroup
	mu     sync.RWMutex
	closed bool
	logger *log.Logger
}

// New starts size workers. queue is the number of tasks that can wait for
// a worker before Submit blocks.
func New(size, queue int, logger *log.Logger) *Pool {
	size = max(size, 1)
	queue = max(queue, 0)
	p := &Pool{
		size:   size,
		jobs:   make(chan job, queue),
		quit:   make(chan struct{}),
		logger: logger,
	}
	for i := 0; i < size; i++ {
		p.wg.Add(1)
		go p.worker()
	}
	return p
}

// Size returns the number of workers.
func (p *Pool) Size() int { return p.size }

// Submit queues task. It blocks while the queue is full and fails if ctx is
// done or the pool is closed first.
func (p *Pool) Submit(ctx context.Context, task Task) (*Future, error) {
	// Holding the read lock keeps Close from draining the queue while a
	// send is in flight.
	p.mu.RLock()
	defer p.mu.RUnlock()
	if p.closed {
		return nil, ErrClosed
	}

	f := newFuture()
	select {
	case p.jobs <- job{task: task, future: f}:
		return f, nil
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

func (p *Pool) worker() {
	defer p.wg.Done()
	for {
		// Prefer quitting over picking up more queued work.
		select {
		case <-p.quit:
			return
		default:
		}
		select {
		case <-p.quit:
			return
		case j := <-p.jobs:
			j.future.complete(p.run(j.task))
		}
	}
}

func (p *Pool) run(task Task) (err error) {
	defer func() {
		if r := recover(); r != nil {
			p.logger.Error("Task panicked", zap.Any("panic", r), zap.Stack("stack"))
			err = fmt.Errorf("pool: task panicked: %v", r)
		}
	}()
	task()
	return nil
}

// Close stops the workers. Running tasks are allowed to finish until ctx is
// done; tasks still queued are discarded and their futures fail with
// ErrClosed.
func (p *Pool) Close(ctx context.Context) error {
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return nil
	}
	p.closed = true
	close(p.quit)
	p.mu.Unlock()

	done := make(chan struct{})
	go func() {
		p.wg.Wait()
		close(done)
	}()

	var err error
	select {
	case <-done:
	case <-ctx.Done():
		p.logger.Warn("Worker pool shutdown timed out with tasks still running")
		err = ctx.Err()
	}

	for {
		select {
		case j := <-p.jobs:
			j.future.complete(ErrClosed)
		default:
			return err
		}
	}
}
