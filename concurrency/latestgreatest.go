package concurrency

import (
	"context"
	"sync"
)

// LatestGreatest keeps only the most recently started operation
// authoritative. Every call to Exec supersedes any previous one; completions
// of superseded operations are discarded. GetLatest resolves to the result
// of whatever operation is current, retrying across supersession until one
// settles without being superseded.
type LatestGreatest[T any] struct {
	mu      sync.Mutex
	gen     uint64
	current *latestCall[T]
}

type latestCall[T any] struct {
	gen  uint64
	done chan struct{}
	val  T
	err  error
}

// Exec starts op as the new authoritative operation. op receives isOutdated,
// which reports true once a newer Exec call has superseded this one, so
// long-running operations can cooperatively cancel.
func (l *LatestGreatest[T]) Exec(ctx context.Context, op func(ctx context.Context, isOutdated func() bool) (T, error)) {
	l.mu.Lock()
	l.gen++
	gen := l.gen
	c := &latestCall[T]{gen: gen, done: make(chan struct{})}
	l.current = c
	l.mu.Unlock()

	isOutdated := func() bool {
		l.mu.Lock()
		defer l.mu.Unlock()
		return l.current == nil || l.current.gen != gen
	}

	go func() {
		val, err := op(ctx, isOutdated)
		c.val, c.err = val, err
		close(c.done)
	}()
}

// GetLatest waits for the current operation to settle. If it was superseded
// before settling, GetLatest follows the supersession chain and waits on the
// newer operation instead, repeating until one settles as the still-current
// operation.
func (l *LatestGreatest[T]) GetLatest(ctx context.Context) (T, error) {
	for {
		l.mu.Lock()
		c := l.current
		l.mu.Unlock()

		var zero T
		if c == nil {
			return zero, nil
		}

		select {
		case <-c.done:
		case <-ctx.Done():
			return zero, ctx.Err()
		}

		l.mu.Lock()
		stillLatest := l.current == c
		l.mu.Unlock()
		if stillLatest {
			return c.val, c.err
		}
		// Superseded while we waited: loop and wait on whatever is current now.
	}
}
