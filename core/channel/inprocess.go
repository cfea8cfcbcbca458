package channel

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"

	"go.uber.org/zap"

	errs "github.com/dotnet/interactive-sub006/core/errors"
	"github.com/dotnet/interactive-sub006/core/events"
	"github.com/dotnet/interactive-sub006/core/logger"
	"github.com/dotnet/interactive-sub006/core/protocol"
)

type messageKind int

const (
	commandMessage messageKind = iota
	eventMessage
)

type message struct {
	kind messageKind
	data []byte
}

// inbox is a FIFO drained by one goroutine.
type inbox struct {
	mu     sync.Mutex
	items  []message
	signal chan struct{}
	done   chan struct{}
	closed bool
}

func newInbox() *inbox {
	return &inbox{signal: make(chan struct{}, 1), done: make(chan struct{})}
}

func (q *inbox) push(m message) error {
	q.mu.Lock()
	if q.closed {
		q.mu.Unlock()
		return errs.ErrChannelClosed
	}
	q.items = append(q.items, m)
	q.mu.Unlock()
	select {
	case q.signal <- struct{}{}:
	default:
	}
	return nil
}

func (q *inbox) take() []message {
	q.mu.Lock()
	defer q.mu.Unlock()
	items := q.items
	q.items = nil
	return items
}

func (q *inbox) close() {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.closed {
		return
	}
	q.closed = true
	close(q.done)
}

// Endpoint is one side of an in-process channel. Messages are serialised to JSON on
// send so the two sides never share envelopes.
type Endpoint struct {
	name   string
	peer   *Endpoint
	in     *inbox
	events *events.Subject[*protocol.EventEnvelope]

	mu      sync.RWMutex
	handler CommandHandler

	stopped chan struct{}
}

var _ Channel = (*Endpoint)(nil)

// NewPair creates two connected endpoints. Close either one to stop both.
func NewPair(nameA, nameB string) (*Endpoint, *Endpoint) {
	a := newEndpoint(nameA)
	b := newEndpoint(nameB)
	a.peer, b.peer = b, a
	go a.pump()
	go b.pump()
	return a, b
}

func newEndpoint(name string) *Endpoint {
	return &Endpoint{
		name:    name,
		in:      newInbox(),
		events:  events.New[*protocol.EventEnvelope](),
		stopped: make(chan struct{}),
	}
}

// Name returns the endpoint label.
func (e *Endpoint) Name() string { return e.name }

// SubmitCommand implements Channel.
func (e *Endpoint) SubmitCommand(ctx context.Context, env *protocol.CommandEnvelope) error {
	if env == nil {
		return fmt.Errorf("submit command: %w", errs.ErrInvalidInput)
	}
	return e.send(ctx, commandMessage, env)
}

// PublishKernelEvent implements Channel.
func (e *Endpoint) PublishKernelEvent(ctx context.Context, env *protocol.EventEnvelope) error {
	if env == nil {
		return fmt.Errorf("publish event: %w", errs.ErrInvalidInput)
	}
	return e.send(ctx, eventMessage, env)
}

func (e *Endpoint) send(ctx context.Context, kind messageKind, v any) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	data, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("channel %s: encode message: %w", e.name, err)
	}
	if err := e.peer.in.push(message{kind: kind, data: data}); err != nil {
		return fmt.Errorf("channel %s: %w", e.name, err)
	}
	return nil
}

// SubscribeToKernelEvents implements Channel.
func (e *Endpoint) SubscribeToKernelEvents(observer func(*protocol.EventEnvelope)) func() {
	return e.events.Subscribe(observer)
}

// SetCommandHandler implements Channel.
func (e *Endpoint) SetCommandHandler(handler CommandHandler) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.handler = handler
}

// Close stops both endpoints. Undelivered messages are dropped.
func (e *Endpoint) Close() error {
	e.in.close()
	e.peer.in.close()
	<-e.stopped
	<-e.peer.stopped
	return nil
}

func (e *Endpoint) pump() {
	defer close(e.stopped)
	ctx := logger.WithComponentName(context.Background(), "channel."+e.name)
	for {
		select {
		case <-e.in.done:
			return
		case <-e.in.signal:
		}
		for _, m := range e.in.take() {
			select {
			case <-e.in.done:
				return
			default:
			}
			e.deliver(ctx, m)
		}
	}
}

func (e *Endpoint) deliver(ctx context.Context, m message) {
	switch m.kind {
	case commandMessage:
		var env protocol.CommandEnvelope
		if err := json.Unmarshal(m.data, &env); err != nil {
			logger.Error(ctx, "Dropping undecodable command", zap.Error(err))
			return
		}
		e.mu.RLock()
		handler := e.handler
		e.mu.RUnlock()
		if handler == nil {
			logger.Warn(ctx, "No command handler installed, dropping command", zap.Stringer("command", &env))
			return
		}
		if err := handler(ctx, &env); err != nil {
			logger.Warn(ctx, "Command handler rejected command", zap.Stringer("command", &env), zap.Error(err))
		}
	case eventMessage:
		var env protocol.EventEnvelope
		if err := json.Unmarshal(m.data, &env); err != nil {
			logger.Error(ctx, "Dropping undecodable event", zap.Error(err))
			return
		}
		e.events.Publish(&env)
	}
}
