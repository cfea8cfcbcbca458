// Package kernel routes commands to handlers, serialises their execution on a shared
// scheduler and fans out the events they produce to causally related observers.
//
// A Kernel is one concrete type whose routing strategy decides how a command is handled:
// locally by a registered handler, by delegation to a child (Composite), or by forwarding
// over a channel (Proxy).
package kernel

import (
	"context"
	"fmt"
	"runtime/debug"
	"strings"
	"sync"
	"time"

	"go.opentelemetry.io/otel"           // Tracing for command handling.
	"go.opentelemetry.io/otel/attribute" // Span attributes.
	"go.opentelemetry.io/otel/codes"     // Span status codes.
	"go.opentelemetry.io/otel/trace"     // Span options.
	"go.uber.org/zap"

	errs "github.com/dotnet/interactive-sub006/core/errors"
	"github.com/dotnet/interactive-sub006/core/events"
	"github.com/dotnet/interactive-sub006/core/logger"
	"github.com/dotnet/interactive-sub006/core/metrics"
	"github.com/dotnet/interactive-sub006/core/protocol"
	"github.com/dotnet/interactive-sub006/core/scheduler"
	"github.com/dotnet/interactive-sub006/core/tokens"
)

const tracerName = "interactive-kernel"

// Kind identifies a kernel's routing strategy.
type Kind int

const (
	KindLocal Kind = iota
	KindComposite
	KindProxy
)

func (k Kind) String() string {
	switch k {
	case KindComposite:
		return "composite"
	case KindProxy:
		return "proxy"
	default:
		return "local"
	}
}

// Host is the part of a kernel host that kernels call back into.
type Host interface {
	// URI is the host's base URI.
	URI() string
	// AddKernelInfo registers k and returns the URI assigned to it.
	AddKernelInfo(k *Kernel, info protocol.KernelInfo) (string, error)
	// TryGetKernelInfo returns the registered info of k.
	TryGetKernelInfo(k *Kernel) (protocol.KernelInfo, bool)
}

// router is the routing strategy of a kernel.
type router interface {
	resolve(k *Kernel, env *protocol.CommandEnvelope) (*Kernel, error)
	handlerFor(k *Kernel, commandType protocol.CommandType) (CommandHandler, bool)
	supports(k *Kernel, commandType protocol.CommandType) bool
}

// Option configures a kernel at construction.
type Option func(*Kernel)

// WithAliases adds aliases to the kernel's info.
func WithAliases(aliases ...string) Option {
	return func(k *Kernel) { k.info.AddAliases(aliases...) }
}

// WithLanguage sets the language name and version reported in KernelInfo.
func WithLanguage(name, version string) Option {
	return func(k *Kernel) {
		k.info.LanguageName = name
		k.info.LanguageVersion = version
	}
}

// WithDisplayName sets the display name reported in KernelInfo.
func WithDisplayName(name string) Option {
	return func(k *Kernel) { k.info.DisplayName = name }
}

// WithDirectives lists the magic directives the kernel understands.
func WithDirectives(names ...string) Option {
	return func(k *Kernel) {
		for _, n := range names {
			k.info.SupportedDirectives = append(k.info.SupportedDirectives, protocol.KernelDirectiveInfo{Name: n})
		}
	}
}

// Kernel is a named command handler.
type Kernel struct {
	mu        sync.RWMutex
	name      string
	kind      Kind
	info      protocol.KernelInfo
	handlers  map[protocol.CommandType]CommandHandler
	parent    *Kernel
	host      Host
	scheduler *scheduler.Scheduler[*protocol.CommandEnvelope]
	events    *events.Subject[*protocol.EventEnvelope]
	router    router

	composite *Composite
	proxy     *Proxy
}

func newKernel(name string, kind Kind, r router, opts ...Option) *Kernel {
	k := &Kernel{
		name:     name,
		kind:     kind,
		info:     protocol.KernelInfo{LocalName: name},
		handlers: make(map[protocol.CommandType]CommandHandler),
		events:   events.New[*protocol.EventEnvelope](),
		router:   r,
	}
	for _, opt := range opts {
		opt(k)
	}
	return k
}

// New creates a kernel that handles commands with its own registered handlers.
// It answers RequestKernelInfo out of the box.
func New(name string, opts ...Option) *Kernel {
	k := newKernel(name, KindLocal, localRouter{}, opts...)
	k.mustRegister(CommandHandler{Type: protocol.RequestKernelInfo, Handle: k.handleRequestKernelInfo})
	return k
}

// Name returns the kernel's unique name.
func (k *Kernel) Name() string { return k.name }

// Kind returns the kernel's routing strategy.
func (k *Kernel) Kind() Kind { return k.kind }

// AsComposite returns the composite this kernel belongs to when it is one.
func (k *Kernel) AsComposite() (*Composite, bool) { return k.composite, k.composite != nil }

// AsProxy returns the proxy this kernel belongs to when it is one.
func (k *Kernel) AsProxy() (*Proxy, bool) { return k.proxy, k.proxy != nil }

// KernelInfo returns a copy of the kernel's info.
func (k *Kernel) KernelInfo() protocol.KernelInfo {
	k.mu.RLock()
	defer k.mu.RUnlock()
	return k.info.Clone()
}

// URI returns the URI assigned by the host, or "" while unattached.
func (k *Kernel) URI() string {
	k.mu.RLock()
	defer k.mu.RUnlock()
	return k.info.URI
}

// Parent returns the composite that owns k, or nil.
func (k *Kernel) Parent() *Kernel {
	k.mu.RLock()
	defer k.mu.RUnlock()
	return k.parent
}

// Root returns the outermost ancestor of k.
func (k *Kernel) Root() *Kernel {
	r := k
	for p := r.Parent(); p != nil; p = r.Parent() {
		r = p
	}
	return r
}

// Host returns the host attached to k's root, or nil.
func (k *Kernel) Host() Host {
	root := k.Root()
	root.mu.RLock()
	defer root.mu.RUnlock()
	return root.host
}

// RegisterCommandHandler installs h. A later registration for the same type replaces
// the earlier one.
func (k *Kernel) RegisterCommandHandler(h CommandHandler) error {
	if err := h.validate(); err != nil {
		return fmt.Errorf("kernel %s: %w", k.name, err)
	}
	k.mu.Lock()
	defer k.mu.Unlock()
	k.handlers[h.Type] = h
	k.info.AddSupportedCommand(h.Type)
	return nil
}

func (k *Kernel) mustRegister(h CommandHandler) {
	if err := k.RegisterCommandHandler(h); err != nil {
		panic(err)
	}
}

func (k *Kernel) registeredHandler(commandType protocol.CommandType) (CommandHandler, bool) {
	k.mu.RLock()
	defer k.mu.RUnlock()
	h, ok := k.handlers[commandType]
	return h, ok
}

// SupportsCommand reports whether k can handle commandType itself.
func (k *Kernel) SupportsCommand(commandType protocol.CommandType) bool {
	return k.router.supports(k, commandType)
}

// CanHandle reports whether env is addressed to k and k supports its type.
func (k *Kernel) CanHandle(env *protocol.CommandEnvelope) bool {
	return env != nil && k.matches(env) && k.SupportsCommand(env.CommandType)
}

// GetHandlingKernel resolves the kernel that will run env.
func (k *Kernel) GetHandlingKernel(env *protocol.CommandEnvelope) (*Kernel, error) {
	if env == nil {
		return nil, fmt.Errorf("resolve kernel: %w", errs.ErrInvalidInput)
	}
	return k.router.resolve(k, env)
}

// matches reports whether env's addressing, when present, names k. A destination URI
// takes precedence over the target name, which may be an alias known only to the sender.
func (k *Kernel) matches(env *protocol.CommandEnvelope) bool {
	if dest := env.Command.DestinationURI; dest != "" {
		return k.hasURI(dest)
	}
	if target := env.Command.TargetKernelName; target != "" {
		return k.hasName(target)
	}
	return true
}

func (k *Kernel) hasName(name string) bool {
	if strings.EqualFold(name, k.name) {
		return true
	}
	k.mu.RLock()
	defer k.mu.RUnlock()
	for _, a := range k.info.Aliases {
		if strings.EqualFold(a, name) {
			return true
		}
	}
	return false
}

func (k *Kernel) hasURI(uri string) bool {
	k.mu.RLock()
	defer k.mu.RUnlock()
	return protocol.SameURI(uri, k.info.URI) || protocol.SameURI(uri, k.info.RemoteURI)
}

// Scheduler returns the scheduler shared by k's whole tree.
func (k *Kernel) Scheduler() *scheduler.Scheduler[*protocol.CommandEnvelope] {
	k.mu.RLock()
	s, parent := k.scheduler, k.parent
	k.mu.RUnlock()
	if s != nil {
		return s
	}
	if parent != nil {
		s = parent.Scheduler()
	} else {
		s = scheduler.New[*protocol.CommandEnvelope](k.name)
	}
	k.mu.Lock()
	defer k.mu.Unlock()
	if k.scheduler == nil {
		k.scheduler = s
	}
	return k.scheduler
}

func (k *Kernel) setParent(parent *Kernel) {
	k.mu.Lock()
	k.parent = parent
	k.mu.Unlock()
	k.resetScheduler()
}

// resetScheduler drops the memoised scheduler of k and every descendant so the
// whole subtree resolves to its new root.
func (k *Kernel) resetScheduler() {
	k.mu.Lock()
	k.scheduler = nil
	k.mu.Unlock()
	if c, ok := k.AsComposite(); ok {
		for _, child := range c.ChildKernels() {
			child.resetScheduler()
		}
	}
}

// SubscribeToKernelEvents observes every event k publishes, independent of invocation contexts.
func (k *Kernel) SubscribeToKernelEvents(observer func(*protocol.EventEnvelope)) func() {
	return k.events.Subscribe(observer)
}

// PublishEvent publishes ev on k's event stream.
func (k *Kernel) PublishEvent(ev *protocol.EventEnvelope) {
	if ev == nil {
		return
	}
	metrics.EventCounter.WithLabelValues(k.name, string(ev.EventType)).Inc()
	k.events.Publish(ev)
}

// Send runs env on k's scheduler and returns once its handler has finished.
// For a root command the error reflects the final state of its invocation context;
// for a sub-command sent from inside a handler it is the sub-command's own outcome.
func (k *Kernel) Send(ctx context.Context, env *protocol.CommandEnvelope) error {
	if env == nil {
		return fmt.Errorf("send to %s: command envelope is nil: %w", k.name, errs.ErrInvalidInput)
	}
	if env.CommandType == "" {
		return fmt.Errorf("send to %s: command type is empty: %w", k.name, errs.ErrInvalidInput)
	}
	if env.Token == "" {
		if parent := FromContext(ctx); parent != nil {
			env.Token = parent.nextChildToken()
		} else {
			env.Token = tokens.NewToken()
		}
	}
	if env.ID == "" {
		env.ID = tokens.NewCommandID()
	}
	_, ctx = Establish(ctx, env)
	return k.Scheduler().Run(ctx, env, k.execute)
}

func (k *Kernel) execute(ctx context.Context, env *protocol.CommandEnvelope) error {
	ic, ctx := Establish(ctx, env)
	root := ic.IsRoot(env)
	if root {
		unsubscribe := ic.Subscribe(k.PublishEvent)
		defer func() {
			ic.Dispose()
			unsubscribe()
		}()
	}
	if err := k.handleCommand(ctx, env); err != nil {
		ic.Fail(err)
		return err
	}
	if root {
		return ic.Err()
	}
	return nil
}

func (k *Kernel) handleCommand(ctx context.Context, env *protocol.CommandEnvelope) error {
	target, err := k.router.resolve(k, env)
	if err != nil {
		logger.Warn(ctx, "Unable to route command",
			zap.String("kernel", k.name),
			zap.Stringer("command", env),
			zap.Error(err))
		return err
	}
	if target == k {
		return k.handleLocal(ctx, env)
	}
	// A parent has already matched the address; only a nested composite routes again.
	if target.kind == KindComposite {
		return target.handleCommand(ctx, env)
	}
	return target.handleLocal(ctx, env)
}

func (k *Kernel) handleLocal(ctx context.Context, env *protocol.CommandEnvelope) (err error) {
	ic, ctx := Establish(ctx, env)
	previous := ic.setHandlingKernel(k)
	defer ic.setHandlingKernel(previous)

	tracer := otel.Tracer(tracerName)
	ctx, span := tracer.Start(ctx, "Kernel.HandleCommand", trace.WithAttributes(
		attribute.String("kernel.name", k.name),
		attribute.String("command.type", string(env.CommandType)),
		attribute.String("command.token", env.Token),
	))
	defer span.End()

	started := time.Now()
	handler, ok := k.router.handlerFor(k, env.CommandType)
	if !ok {
		err = &errs.NoHandlerError{CommandType: string(env.CommandType)}
	} else {
		err = k.safelyHandle(ctx, handler, Invocation{Command: env, Context: ic})
	}
	metrics.ObserveCommand(k.name, string(env.CommandType), started, err)

	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		logger.Debug(ctx, "Command failed",
			zap.String("kernel", k.name),
			zap.Stringer("command", env),
			zap.Error(err))
		ic.Fail(err)
		return err
	}
	ic.Complete(env)
	return nil
}

// safelyHandle runs a handler and recovers from panics, returning an error instead.
func (k *Kernel) safelyHandle(ctx context.Context, h CommandHandler, inv Invocation) (err error) {
	defer func() {
		if r := recover(); r != nil {
			logger.Error(ctx, "Panic recovered in command handler",
				zap.String("kernel", k.name),
				zap.String("command_type", string(h.Type)),
				zap.Any("panic", r),
				zap.String("stack", string(debug.Stack())))
			err = fmt.Errorf("panic in %s handler for %s: %v", k.name, h.Type, r)
		}
	}()
	return h.Handle(ctx, inv)
}

func (k *Kernel) handleRequestKernelInfo(_ context.Context, inv Invocation) error {
	inv.Context.Publish(protocol.NewEvent(protocol.KernelInfoProduced{KernelInfo: k.KernelInfo()}, inv.Command))
	return nil
}

// attach registers k, and its children when k is a composite, with h.
func (k *Kernel) attach(ctx context.Context, h Host) error {
	uri, err := h.AddKernelInfo(k, k.KernelInfo())
	if err != nil {
		return fmt.Errorf("attach kernel %s: %w", k.name, err)
	}
	k.mu.Lock()
	if k.info.URI == "" {
		k.info.URI = uri
	}
	k.mu.Unlock()
	logger.Debug(ctx, "Kernel attached to host", zap.String("kernel", k.name), zap.String("uri", uri))

	if c, ok := k.AsComposite(); ok {
		for _, child := range c.ChildKernels() {
			if err := child.attach(ctx, h); err != nil {
				return err
			}
		}
	}
	return nil
}

// localRouter handles commands with the kernel's own handlers.
type localRouter struct{}

func (localRouter) resolve(k *Kernel, env *protocol.CommandEnvelope) (*Kernel, error) {
	if k.matches(env) {
		return k, nil
	}
	name := env.Command.TargetKernelName
	if name == "" {
		name = env.Command.DestinationURI
	}
	return nil, &errs.KernelNotFoundError{Name: name}
}

func (localRouter) handlerFor(k *Kernel, commandType protocol.CommandType) (CommandHandler, bool) {
	return k.registeredHandler(commandType)
}

func (localRouter) supports(k *Kernel, commandType protocol.CommandType) bool {
	_, ok := k.registeredHandler(commandType)
	return ok
}
