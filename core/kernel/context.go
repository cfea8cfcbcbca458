package kernel

import (
	"context"
	"sync"

	errs "github.com/dotnet/interactive-sub006/core/errors"
	"github.com/dotnet/interactive-sub006/core/events"
	"github.com/dotnet/interactive-sub006/core/future"
	"github.com/dotnet/interactive-sub006/core/protocol"
	"github.com/dotnet/interactive-sub006/core/tokens"
)

type contextState int

const (
	stateActive contextState = iota
	stateComplete
	stateFailed
)

type invocationKey struct{}

// InvocationContext tracks one root command and the sub-commands issued while handling it.
// Events reach its observers only when they belong to that causal tree.
type InvocationContext struct {
	// deliverMu serialises state checks with deliveries so nothing is delivered after
	// the terminal event.
	deliverMu sync.Mutex

	mu             sync.Mutex
	command        *protocol.CommandEnvelope
	children       []*protocol.CommandEnvelope
	childCount     uint64
	state          contextState
	err            error
	disposed       bool
	handlingKernel *Kernel

	observers  *events.Subject[*protocol.EventEnvelope]
	completion *future.Void
}

func newInvocationContext(root *protocol.CommandEnvelope) *InvocationContext {
	return &InvocationContext{
		command:    root,
		observers:  events.New[*protocol.EventEnvelope](),
		completion: future.New[struct{}](),
	}
}

// FromContext returns the invocation context carried by ctx, or nil.
func FromContext(ctx context.Context) *InvocationContext {
	if ctx == nil {
		return nil
	}
	ic, _ := ctx.Value(invocationKey{}).(*InvocationContext)
	if ic == nil || ic.isDisposed() {
		return nil
	}
	return ic
}

// Establish returns the invocation context for env. When ctx already carries a live context,
// env joins it as a child unless it is that context's root; otherwise a new context rooted
// at env is created and attached to the returned ctx.
func Establish(ctx context.Context, env *protocol.CommandEnvelope) (*InvocationContext, context.Context) {
	if current := FromContext(ctx); current != nil {
		current.addChild(env)
		return current, ctx
	}
	ic := newInvocationContext(env)
	return ic, context.WithValue(ctx, invocationKey{}, ic)
}

// Command returns the root command.
func (c *InvocationContext) Command() *protocol.CommandEnvelope {
	return c.command
}

// IsRoot reports whether env is the root command of c.
func (c *InvocationContext) IsRoot(env *protocol.CommandEnvelope) bool {
	return c.command.SameAs(env)
}

// Children returns the tracked child commands.
func (c *InvocationContext) Children() []*protocol.CommandEnvelope {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]*protocol.CommandEnvelope(nil), c.children...)
}

// HandlingKernel returns the kernel whose handler is currently running for this context.
func (c *InvocationContext) HandlingKernel() *Kernel {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.handlingKernel
}

func (c *InvocationContext) setHandlingKernel(k *Kernel) *Kernel {
	c.mu.Lock()
	defer c.mu.Unlock()
	prev := c.handlingKernel
	c.handlingKernel = k
	return prev
}

func (c *InvocationContext) addChild(env *protocol.CommandEnvelope) {
	if env == nil || c.IsRoot(env) {
		return
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	for _, child := range c.children {
		if child.SameAs(env) {
			return
		}
	}
	c.children = append(c.children, env)
}

func (c *InvocationContext) removeChild(env *protocol.CommandEnvelope) {
	c.mu.Lock()
	defer c.mu.Unlock()
	for i, child := range c.children {
		if child.SameAs(env) {
			c.children = append(c.children[:i:i], c.children[i+1:]...)
			return
		}
	}
}

func (c *InvocationContext) nextChildToken() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.childCount++
	return tokens.Child(c.command.Token, c.childCount)
}

// belongs reports whether ev may be delivered to observers of c.
func (c *InvocationContext) belongs(ev *protocol.EventEnvelope) bool {
	if ev.Command == nil || c.IsRoot(ev.Command) {
		return true
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	for _, child := range c.children {
		if child.SameAs(ev.Command) {
			return true
		}
	}
	return false
}

// Subscribe observes events delivered through c. Observers are dropped once c is
// terminal.
func (c *InvocationContext) Subscribe(observer func(*protocol.EventEnvelope)) func() {
	return c.observers.Subscribe(observer)
}

// Publish delivers ev to observers unless c is already terminal or ev belongs to an
// unrelated command. CommandSucceeded and CommandFailed are dropped; only Complete
// and Fail emit them.
func (c *InvocationContext) Publish(ev *protocol.EventEnvelope) {
	if ev == nil || ev.IsTerminal() {
		return
	}
	c.deliverMu.Lock()
	defer c.deliverMu.Unlock()
	if c.IsTerminal() {
		return
	}
	c.deliver(ev)
}

// deliver must be called with deliverMu held.
func (c *InvocationContext) deliver(ev *protocol.EventEnvelope) {
	if !c.belongs(ev) {
		return
	}
	c.observers.Publish(ev)
}

// Complete finishes env. Completing the root publishes CommandSucceeded exactly once;
// completing a child only stops tracking it.
func (c *InvocationContext) Complete(env *protocol.CommandEnvelope) {
	if !c.IsRoot(env) {
		c.removeChild(env)
		return
	}
	c.deliverMu.Lock()
	defer c.deliverMu.Unlock()

	c.mu.Lock()
	if c.state != stateActive {
		c.mu.Unlock()
		return
	}
	c.state = stateComplete
	c.disposed = true
	c.mu.Unlock()

	c.deliver(protocol.NewEvent(protocol.CommandSucceeded{}, c.command))
	c.observers.Close()
	c.completion.Resolve(struct{}{})
}

// Fail finishes the root command with CommandFailed. It is a no-op once c is terminal.
// A nil err fails with the default message.
func (c *InvocationContext) Fail(err error) {
	c.deliverMu.Lock()
	defer c.deliverMu.Unlock()

	c.mu.Lock()
	if c.state != stateActive {
		c.mu.Unlock()
		return
	}
	msg := errs.Message(err)
	if err == nil {
		err = &errs.CommandFailedError{Message: msg}
	}
	c.state = stateFailed
	c.err = err
	c.mu.Unlock()

	c.deliver(protocol.NewEvent(protocol.CommandFailed{Message: msg}, c.command))
	c.observers.Close()
	c.completion.Reject(err)
}

// Dispose completes the root if nothing else did and detaches c from future Establish calls.
func (c *InvocationContext) Dispose() {
	c.Complete(c.command)
	c.mu.Lock()
	c.disposed = true
	c.mu.Unlock()
}

func (c *InvocationContext) isDisposed() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.disposed
}

// IsTerminal reports whether the root has succeeded or failed.
func (c *InvocationContext) IsTerminal() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state != stateActive
}

// Done is closed when the root command reaches a terminal state.
func (c *InvocationContext) Done() <-chan struct{} {
	return c.completion.Done()
}

// Err returns the failure of the root command, or nil.
func (c *InvocationContext) Err() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.err
}

// Wait blocks until the root command is terminal or ctx is done.
func (c *InvocationContext) Wait(ctx context.Context) error {
	_, err := c.completion.Wait(ctx)
	return err
}
