package kernel

import (
	"context"
	"fmt"
	"strings"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"

	"github.com/dotnet/interactive-sub006/core/channel"
	errs "github.com/dotnet/interactive-sub006/core/errors"
	"github.com/dotnet/interactive-sub006/core/future"
	"github.com/dotnet/interactive-sub006/core/logger"
	"github.com/dotnet/interactive-sub006/core/metrics"
	"github.com/dotnet/interactive-sub006/core/protocol"
)

// Proxy stands in for a kernel that lives on the other side of a channel.
// Every command type it has no explicit handler for is forwarded.
type Proxy struct {
	*Kernel
	channel channel.Channel
}

// NewProxy creates a proxy that forwards over ch.
func NewProxy(name string, ch channel.Channel, opts ...Option) *Proxy {
	p := &Proxy{channel: ch}
	p.Kernel = newKernel(name, KindProxy, proxyRouter{p}, opts...)
	p.Kernel.proxy = p
	p.Kernel.info.IsProxy = true
	return p
}

// RemoteURI returns the URI of the kernel this proxy forwards to.
func (p *Proxy) RemoteURI() string {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return p.info.RemoteURI
}

// SetRemoteURI binds the proxy to a remote kernel URI.
func (p *Proxy) SetRemoteURI(uri string) error {
	normalized, err := protocol.NormalizeURI(uri)
	if err != nil {
		return fmt.Errorf("proxy %s: %w", p.name, err)
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	p.info.RemoteURI = normalized
	return nil
}

// UpdateKernelInfo merges what the remote kernel reports about itself into the proxy's
// info and publishes the result as a host-scoped KernelInfoProduced.
func (p *Proxy) UpdateKernelInfo(remote protocol.KernelInfo) {
	p.mergeRemoteInfo(remote)
	p.PublishEvent(protocol.NewEvent(protocol.KernelInfoProduced{KernelInfo: p.KernelInfo()}, nil))
}

func (p *Proxy) mergeRemoteInfo(remote protocol.KernelInfo) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if remote.LanguageName != "" {
		p.info.LanguageName = remote.LanguageName
	}
	if remote.LanguageVersion != "" {
		p.info.LanguageVersion = remote.LanguageVersion
	}
	if remote.DisplayName != "" {
		p.info.DisplayName = remote.DisplayName
	}
	for _, c := range remote.SupportedKernelCommands {
		p.info.AddSupportedCommand(c.Name)
	}
	for _, d := range remote.SupportedDirectives {
		if !hasDirective(p.info.SupportedDirectives, d.Name) {
			p.info.SupportedDirectives = append(p.info.SupportedDirectives, d)
		}
	}
}

func hasDirective(directives []protocol.KernelDirectiveInfo, name string) bool {
	for _, d := range directives {
		if d.Name == name {
			return true
		}
	}
	return false
}

// forward submits the command over the channel, re-publishes the remote events that
// belong to it and returns once the remote side reports completion.
func (p *Proxy) forward(ctx context.Context, inv Invocation) (err error) {
	env := inv.Command
	ic := inv.Context

	tracer := otel.Tracer(tracerName)
	ctx, span := tracer.Start(ctx, "ProxyKernel.Forward", trace.WithAttributes(
		attribute.String("kernel.name", p.name),
		attribute.String("command.type", string(env.CommandType)),
		attribute.String("command.token", env.Token),
	))
	defer func() {
		status := metrics.StatusSucceeded
		if err != nil {
			status = metrics.StatusFailed
			span.RecordError(err)
			span.SetStatus(codes.Error, err.Error())
		}
		metrics.ProxyForwardCounter.WithLabelValues(p.name, status).Inc()
		span.End()
	}()
	metrics.ProxyForwardCounter.WithLabelValues(p.name, metrics.StatusAttempt).Inc()

	completion := future.New[*protocol.EventEnvelope]()
	unsubscribe := p.channel.SubscribeToKernelEvents(func(ev *protocol.EventEnvelope) {
		if ev.Command == nil || !sameOrDescendant(ev.Command, env) {
			return
		}
		if ev.IsTerminal() {
			// The local context raises its own terminal event.
			if ev.Command.SameAs(env) && ev.Command.ID == env.ID {
				completion.Resolve(ev)
			}
			return
		}
		if ev.EventType == protocol.KernelInfoProducedType {
			if produced, ok := ev.Event.(protocol.KernelInfoProduced); ok && protocol.SameURI(produced.KernelInfo.URI, p.RemoteURI()) {
				p.mergeRemoteInfo(produced.KernelInfo)
				ev = protocol.NewEvent(protocol.KernelInfoProduced{KernelInfo: p.KernelInfo()}, ev.Command)
			}
		}
		// Sub-commands issued by the remote side join this causal tree.
		ic.addChild(ev.Command)
		ic.Publish(ev)
	})
	defer unsubscribe()

	outbound := env.Clone()
	p.backfillRoutingURIs(outbound)
	logger.Debug(ctx, "Forwarding command",
		zap.String("kernel", p.name),
		zap.Stringer("command", outbound),
		zap.String("destination_uri", outbound.Command.DestinationURI))

	if err := p.channel.SubmitCommand(ctx, outbound); err != nil {
		return fmt.Errorf("proxy %s: submit %s: %w", p.name, env.CommandType, err)
	}
	terminal, err := completion.Wait(ctx)
	if err != nil {
		return fmt.Errorf("proxy %s: waiting for %s: %w", p.name, env.CommandType, err)
	}
	if failed, ok := terminal.Event.(protocol.CommandFailed); ok {
		return &errs.CommandFailedError{Message: failed.Message}
	}
	return nil
}

func (p *Proxy) backfillRoutingURIs(env *protocol.CommandEnvelope) {
	info := p.KernelInfo()
	if h := p.Host(); h != nil {
		if registered, ok := h.TryGetKernelInfo(p.Kernel); ok {
			info = registered
		}
	}
	if env.Command.OriginURI == "" {
		env.Command.OriginURI = info.URI
	}
	if env.Command.DestinationURI == "" {
		env.Command.DestinationURI = info.RemoteURI
	}
}

// sameOrDescendant reports whether cmd is env or was issued, directly or not, while handling env.
func sameOrDescendant(cmd, env *protocol.CommandEnvelope) bool {
	if cmd.SameAs(env) {
		return true
	}
	return env.Token != "" && strings.HasPrefix(cmd.Token, env.Token+".")
}

// proxyRouter forwards anything without an explicit handler.
type proxyRouter struct {
	p *Proxy
}

func (proxyRouter) resolve(k *Kernel, env *protocol.CommandEnvelope) (*Kernel, error) {
	return localRouter{}.resolve(k, env)
}

func (r proxyRouter) handlerFor(k *Kernel, commandType protocol.CommandType) (CommandHandler, bool) {
	if h, ok := k.registeredHandler(commandType); ok {
		return h, true
	}
	h := CommandHandler{Type: commandType, Handle: r.p.forward}
	k.mu.Lock()
	defer k.mu.Unlock()
	if existing, ok := k.handlers[commandType]; ok {
		return existing, true
	}
	k.handlers[commandType] = h
	k.info.AddSupportedCommand(commandType)
	return h, true
}

func (proxyRouter) supports(*Kernel, protocol.CommandType) bool {
	return true
}
