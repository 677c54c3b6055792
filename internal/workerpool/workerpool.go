// Package workerpool provides a bounded worker pool that limits how
// many CPU-bound or blocking calls (argon2 hashing, synchronous
// record-store operations, synchronous SPF lookups) run at once. Each
// call runs on the goroutine that submits it.
package workerpool

import (
	"context"

	"golang.org/x/sync/semaphore"
)

// Pool bounds the number of concurrently running blocking calls.
type Pool struct {
	sem *semaphore.Weighted
}

// New creates a Pool allowing at most size concurrent calls. A
// non-positive size means unbounded (every call runs immediately).
func New(size int) *Pool {
	if size <= 0 {
		return &Pool{}
	}
	return &Pool{sem: semaphore.NewWeighted(int64(size))}
}

// Do waits for a free pool slot and then runs fn on the caller's
// goroutine, blocking until fn returns or ctx is cancelled. If ctx is cancelled before a slot frees
// up, Do returns ctx.Err() without running fn; once fn has started it
// always runs to completion (callers wanting cancellable work must make
// fn itself ctx-aware).
func (p *Pool) Do(ctx context.Context, fn func() error) error {
	if p.sem != nil {
		if err := p.sem.Acquire(ctx, 1); err != nil {
			return err
		}
		defer p.sem.Release(1)
	}
	return fn()
}

// DoValue is the generic counterpart of Do for functions returning a
// value alongside an error.
func DoValue[T any](ctx context.Context, p *Pool, fn func() (T, error)) (T, error) {
	var (
		result T
		err    error
	)
	runErr := p.Do(ctx, func() error {
		result, err = fn()
		return err
	})
	if runErr != nil {
		var zero T
		return zero, runErr
	}
	return result, err
}
