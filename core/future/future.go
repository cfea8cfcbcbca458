// Package future provides a one-shot, externally settled result.
package future

import (
	"context"
	"sync"
)

// Deferred is settled exactly once; later settle calls are ignored.
type Deferred[T any] struct {
	once  sync.Once
	done  chan struct{}
	value T
	err   error
}

// Void is a Deferred that carries only completion and an error.
type Void = Deferred[struct{}]

// New creates an unsettled Deferred.
func New[T any]() *Deferred[T] {
	return &Deferred[T]{done: make(chan struct{})}
}

// Settled creates an already settled Deferred.
func Settled[T any](value T, err error) *Deferred[T] {
	d := New[T]()
	d.Settle(value, err)
	return d
}

// Settle stores value and err and wakes every waiter. It reports whether this call settled d.
func (d *Deferred[T]) Settle(value T, err error) bool {
	settled := false
	d.once.Do(func() {
		d.value, d.err = value, err
		close(d.done)
		settled = true
	})
	return settled
}

// Resolve settles d successfully.
func (d *Deferred[T]) Resolve(value T) bool {
	return d.Settle(value, nil)
}

// Reject settles d with err.
func (d *Deferred[T]) Reject(err error) bool {
	var zero T
	return d.Settle(zero, err)
}

// Done is closed once d is settled.
func (d *Deferred[T]) Done() <-chan struct{} {
	return d.done
}

// IsSettled reports whether d has been settled.
func (d *Deferred[T]) IsSettled() bool {
	select {
	case <-d.done:
		return true
	default:
		return false
	}
}

// Wait blocks until d is settled or ctx is done.
func (d *Deferred[T]) Wait(ctx context.Context) (T, error) {
	select {
	case <-d.done:
		return d.value, d.err
	case <-ctx.Done():
		var zero T
		return zero, ctx.Err()
	}
}

// Err returns the settled error, or nil while unsettled.
func (d *Deferred[T]) Err() error {
	select {
	case <-d.done:
		return d.err
	default:
		return nil
	}
}
