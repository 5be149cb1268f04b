package statetransfer

import (
	"context"
	"sync"
)

// Future is a value that becomes available once. Completing it twice keeps the first
// result.
type Future[T any] struct {
	once sync.Once
	done chan struct{}
	val  T
	err  error
}

// NewFuture returns an incomplete future.
func NewFuture[T any]() *Future[T] { return &Future[T]{done: make(chan struct{})} }

// Complete resolves the future. Reports whether this call resolved it.
func (f *Future[T]) Complete(val T, err error) bool {
	ok := false

	f.once.Do(func() {
		f.val, f.err = val, err
		ok = true

		close(f.done)
	})

	return ok
}

// Done is closed once the future completes.
func (f *Future[T]) Done() <-chan struct{} { return f.done }

// IsDone reports whether the future completed.
func (f *Future[T]) IsDone() bool {
	select {
	case <-f.done:
		return true
	default:
		return false
	}
}

// Wait blocks until the future completes or ctx ends.
func (f *Future[T]) Wait(ctx context.Context) (T, error) {
	select {
	case <-f.done:
		return f.val, f.err
	case <-ctx.Done():
		var zero T

		return zero, ctx.Err()
	}
}
