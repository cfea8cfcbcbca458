// Package scheduler serialises work items on a single logical thread while letting
// work that is already running on that thread enqueue more work without deadlocking.
package scheduler

import (
	"context"
	"fmt"
	"runtime/debug"
	"sync"
	"sync/atomic"

	"go.uber.org/zap"

	errs "github.com/dotnet/interactive-sub006/core/errors"
	"github.com/dotnet/interactive-sub006/core/future"
	"github.com/dotnet/interactive-sub006/core/logger"
	"github.com/dotnet/interactive-sub006/core/metrics"
)

// Executor runs one work item. The context it receives marks the scheduler as busy with
// this item, so Schedule calls made with it (or a context derived from it) run inline.
type Executor[T any] func(ctx context.Context, value T) error

type operation[T any] struct {
	ctx     context.Context
	value   T
	execute Executor[T]
	result  *future.Void
	running atomic.Bool
}

// activeKey is keyed by scheduler so nested schedulers do not see each other's marker.
type activeKey struct{ scheduler any }

// Scheduler runs executors one at a time in enqueue order.
type Scheduler[T any] struct {
	name string

	mu       sync.Mutex
	queue    []*operation[T]
	draining bool
	closed   bool
}

// New creates a scheduler. name labels its metrics and logs.
func New[T any](name string) *Scheduler[T] {
	return &Scheduler[T]{name: name}
}

// Name returns the scheduler's label.
func (s *Scheduler[T]) Name() string { return s.name }

// Schedule enqueues value and returns a future settled with the executor's error.
// When ctx belongs to the item this scheduler is currently executing, the executor runs
// synchronously on the caller's goroutine before Schedule returns.
func (s *Scheduler[T]) Schedule(ctx context.Context, value T, execute Executor[T]) *future.Void {
	if execute == nil {
		return future.Settled(struct{}{}, fmt.Errorf("scheduler %s: executor is nil: %w", s.name, errs.ErrInvalidInput))
	}
	if op, ok := ctx.Value(activeKey{s}).(*operation[T]); ok && op.running.Load() {
		return future.Settled(struct{}{}, s.safelyExecute(ctx, value, execute))
	}

	op := &operation[T]{ctx: ctx, value: value, execute: execute, result: future.New[struct{}]()}

	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		op.result.Reject(fmt.Errorf("scheduler %s: %w", s.name, errs.ErrSchedulerClosed))
		return op.result
	}
	s.queue = append(s.queue, op)
	metrics.SchedulerQueueDepth.WithLabelValues(s.name).Set(float64(len(s.queue)))
	if !s.draining {
		s.draining = true
		go s.drain()
	}
	s.mu.Unlock()
	return op.result
}

// Run schedules value and waits for it to finish or for ctx to be done.
func (s *Scheduler[T]) Run(ctx context.Context, value T, execute Executor[T]) error {
	_, err := s.Schedule(ctx, value, execute).Wait(ctx)
	return err
}

// Pending returns the number of queued items, not counting the one in flight.
func (s *Scheduler[T]) Pending() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.queue)
}

// Close rejects queued items with ErrSchedulerClosed and refuses new ones.
// An item the drain loop has already dequeued runs to completion; anything still
// queued, including the item at the head of the queue, is rejected.
func (s *Scheduler[T]) Close() {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return
	}
	s.closed = true
	pending := s.queue
	s.queue = nil
	metrics.SchedulerQueueDepth.WithLabelValues(s.name).Set(0)
	s.mu.Unlock()

	for _, op := range pending {
		op.result.Reject(fmt.Errorf("scheduler %s: %w", s.name, errs.ErrSchedulerClosed))
	}
}

func (s *Scheduler[T]) drain() {
	for {
		s.mu.Lock()
		if len(s.queue) == 0 {
			s.draining = false
			s.mu.Unlock()
			return
		}
		op := s.queue[0]
		s.queue[0] = nil
		s.queue = s.queue[1:]
		metrics.SchedulerQueueDepth.WithLabelValues(s.name).Set(float64(len(s.queue)))
		s.mu.Unlock()

		ctx := context.WithValue(op.ctx, activeKey{s}, op)
		op.running.Store(true)
		err := s.safelyExecute(ctx, op.value, op.execute)
		op.running.Store(false)
		op.result.Settle(struct{}{}, err)
	}
}

// safelyExecute turns a panicking executor into an error so the drain loop keeps going.
func (s *Scheduler[T]) safelyExecute(ctx context.Context, value T, execute Executor[T]) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("scheduler %s: panic during execution: %v", s.name, r)
			logger.Error(ctx, "Recovered from panic in scheduled operation",
				zap.String("scheduler", s.name),
				zap.Any("panic", r),
				zap.String("stack", string(debug.Stack())))
		}
	}()
	return execute(ctx, value)
}
