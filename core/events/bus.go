package events

import (
	"runtime/debug"
	"sync"

	"go.uber.org/zap"

	"github.com/dotnet/interactive-sub006/core/logger"
)

type subscription[T any] struct {
	id       uint64
	observer func(T)
}

// Subject is a synchronous, ordered publish/subscribe stream used by kernels and
// invocation contexts. Publish delivers to every observer, in subscription order,
// before returning. The zero value is ready to use.
type Subject[T any] struct {
	mu     sync.RWMutex
	subs   []subscription[T]
	nextID uint64
	closed bool
}

// New returns a new event stream.
func New[T any]() *Subject[T] {
	return &Subject[T]{}
}

// Subscribe registers observer. The returned cancel func is idempotent.
func (s *Subject[T]) Subscribe(observer func(T)) func() {
	if observer == nil {
		return func() {}
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return func() {}
	}
	s.nextID++
	id := s.nextID
	s.subs = append(s.subs, subscription[T]{id: id, observer: observer})

	var once sync.Once
	return func() {
		once.Do(func() { s.unsubscribe(id) })
	}
}

func (s *Subject[T]) unsubscribe(id uint64) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for i, sub := range s.subs {
		if sub.id == id {
			s.subs = append(s.subs[:i:i], s.subs[i+1:]...)
			return
		}
	}
}

// Publish delivers value to a snapshot of the current observers.
// A panicking observer is logged and skipped.
func (s *Subject[T]) Publish(value T) {
	s.mu.RLock()
	if s.closed || len(s.subs) == 0 {
		s.mu.RUnlock()
		return
	}
	subs := make([]subscription[T], len(s.subs))
	copy(subs, s.subs)
	s.mu.RUnlock()

	for _, sub := range subs {
		safeCall(sub.observer, value)
	}
}

// Close drops every observer. Later publishes are no-ops.
func (s *Subject[T]) Close() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.closed = true
	s.subs = nil
}

func safeCall[T any](observer func(T), value T) {
	defer func() {
		if r := recover(); r != nil {
			logger.Logger.Error("Recovered from panic in event observer",
				zap.Any("panic", r),
				zap.String("stack", string(debug.Stack())))
		}
	}()
	observer(value)
}
