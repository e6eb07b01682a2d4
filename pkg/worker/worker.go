// Package worker provides the bounded worker pool the engine uses for
// per-object advancement in batch starts.
package worker

import (
	"context"
	"errors"
)

var (
	ErrStopped = errors.New("worker pool is stopped")
)

type job struct {
	ctx  context.Context
	fn   func(context.Context) error
	done chan<- error
}

// Pool runs submitted jobs on a fixed set of workers with a bounded queue.
type Pool struct {
	jobs chan job
	stop chan struct{}
}

// NewPool creates a pool with size workers and a queue of the given capacity.
func NewPool(size int, queue int) *Pool {
	if size <= 0 {
		size = 1
	}
	if queue <= 0 {
		queue = 128
	}

	p := &Pool{
		jobs: make(chan job, queue),
		stop: make(chan struct{}),
	}

	for i := 0; i < size; i++ {
		go p.worker()
	}

	return p
}

func (p *Pool) worker() {
	for {
		select {
		case j := <-p.jobs:
			err := j.fn(j.ctx)
			j.done <- err
		case <-p.stop:
			return
		}
	}
}

// Stop shuts the workers down. Jobs still queued are abandoned.
func (p *Pool) Stop() {
	close(p.stop)
}

// Submit enqueues fn and returns a channel that delivers its result. Submit
// blocks while the queue is full; a cancelled ctx or a stopped pool resolves
// the returned channel with the corresponding error.
func (p *Pool) Submit(ctx context.Context, fn func(context.Context) error) <-chan error {
	done := make(chan error, 1)
	select {
	case <-p.stop:
		done <- ErrStopped
		return done
	default:
	}
	select {
	case p.jobs <- job{ctx, fn, done}:
	case <-ctx.Done():
		done <- ctx.Err()
	case <-p.stop:
		done <- ErrStopped
	}
	return done
}
