// Package host connects a composite kernel to a channel: it assigns kernel URIs, routes
// inbound commands by URI, relays kernel events to the peer and creates proxies for the
// kernels the peer announces.
package host

import (
	"context"
	"fmt"
	"sync"

	"go.uber.org/zap"

	"github.com/dotnet/interactive-sub006/core/channel"
	errs "github.com/dotnet/interactive-sub006/core/errors"
	"github.com/dotnet/interactive-sub006/core/kernel"
	"github.com/dotnet/interactive-sub006/core/logger"
	"github.com/dotnet/interactive-sub006/core/protocol"
	"github.com/dotnet/interactive-sub006/core/registry"
	"github.com/dotnet/interactive-sub006/core/scheduler"
)

// Host owns a composite kernel and its default connector.
type Host struct {
	uri       string
	kernel    *kernel.Composite
	channel   channel.Channel
	uris      *registry.Registry[*kernel.Kernel]
	scheduler *scheduler.Scheduler[*protocol.CommandEnvelope]
	ctx       context.Context

	mu            sync.Mutex
	subscriptions []func()
	connected     bool
	closed        bool
}

var _ kernel.Host = (*Host)(nil)

// New attaches a host at hostURI to composite. ch is the default connector used for
// inbound commands, outbound events and proxies.
func New(ctx context.Context, composite *kernel.Composite, ch channel.Channel, hostURI string) (*Host, error) {
	if composite == nil {
		return nil, fmt.Errorf("host: composite is nil: %w", errs.ErrInvalidInput)
	}
	if ch == nil {
		return nil, fmt.Errorf("host: channel is nil: %w", errs.ErrInvalidInput)
	}
	uri, err := protocol.NormalizeURI(hostURI)
	if err != nil {
		return nil, fmt.Errorf("host: %w", err)
	}
	h := &Host{
		uri:       uri,
		kernel:    composite,
		channel:   ch,
		uris:      registry.New[*kernel.Kernel](),
		scheduler: scheduler.New[*protocol.CommandEnvelope]("host:" + uri),
		ctx:       logger.WithComponentName(context.Background(), "host"),
	}
	if err := composite.AttachHost(ctx, h); err != nil {
		return nil, err
	}
	return h, nil
}

// URI returns the host's base URI.
func (h *Host) URI() string { return h.uri }

// Kernel returns the root composite.
func (h *Host) Kernel() *kernel.Composite { return h.kernel }

// AddKernelInfo registers k under "<host uri>/<name>" unless info already carries a URI.
// Proxies are also indexed by their remote URI.
func (h *Host) AddKernelInfo(k *kernel.Kernel, info protocol.KernelInfo) (string, error) {
	uri := info.URI
	if uri == "" {
		var err error
		if uri, err = protocol.KernelURI(h.uri, k.Name()); err != nil {
			return "", err
		}
	}
	key, err := h.uris.RegisterLocal(uri, k)
	if err != nil {
		return "", fmt.Errorf("register kernel %s: %w", k.Name(), err)
	}
	if info.RemoteURI != "" {
		if _, err := h.uris.BindRemote(info.RemoteURI, k); err != nil {
			return "", fmt.Errorf("register kernel %s: %w", k.Name(), err)
		}
	}
	logger.Debug(h.ctx, "Kernel registered", zap.String("kernel", k.Name()), zap.String("uri", key))
	return key, nil
}

// TryGetKernelInfo returns the info of a kernel registered with this host.
func (h *Host) TryGetKernelInfo(k *kernel.Kernel) (protocol.KernelInfo, bool) {
	if k == nil || k.URI() == "" {
		return protocol.KernelInfo{}, false
	}
	registered, ok := h.uris.Local(k.URI())
	if !ok || registered != k {
		return protocol.KernelInfo{}, false
	}
	return k.KernelInfo(), true
}

// GetKernel picks the kernel that receives an inbound command: by destination URI among
// local kernels, then among proxy remote URIs, then by origin URI among local kernels,
// falling back to the root composite.
func (h *Host) GetKernel(env *protocol.CommandEnvelope) *kernel.Kernel {
	if dest := env.Command.DestinationURI; dest != "" {
		if k, ok := h.uris.Local(dest); ok {
			return k
		}
		if k, ok := h.uris.Remote(dest); ok {
			return k
		}
	}
	if origin := env.Command.OriginURI; origin != "" {
		if k, ok := h.uris.Local(origin); ok {
			return k
		}
	}
	return h.kernel.Kernel
}

// RegisterRemoteURIForProxy binds the proxy named proxyName to remoteURI.
func (h *Host) RegisterRemoteURIForProxy(proxyName, remoteURI string) error {
	k := h.kernel.FindKernelByName(proxyName)
	if k == nil {
		return &errs.KernelNotFoundError{Name: proxyName}
	}
	p, ok := k.AsProxy()
	if !ok {
		return fmt.Errorf("kernel %s is not a proxy: %w", proxyName, errs.ErrInvalidInput)
	}
	key, err := h.uris.BindRemote(remoteURI, k)
	if err != nil {
		return err
	}
	return p.SetRemoteURI(key)
}

// CreateProxyKernelOnDefaultConnector adds a proxy for a remote kernel described by info.
func (h *Host) CreateProxyKernelOnDefaultConnector(info protocol.KernelInfo) (*kernel.Proxy, error) {
	if info.LocalName == "" {
		return nil, fmt.Errorf("create proxy: kernel name is empty: %w", errs.ErrInvalidInput)
	}
	p := kernel.NewProxy(info.LocalName, h.channel,
		kernel.WithLanguage(info.LanguageName, info.LanguageVersion),
		kernel.WithDisplayName(info.DisplayName))
	if info.URI != "" {
		if err := p.SetRemoteURI(info.URI); err != nil {
			return nil, err
		}
	}
	if err := h.kernel.Add(p.Kernel, info.Aliases...); err != nil {
		return nil, fmt.Errorf("create proxy %s: %w", info.LocalName, err)
	}
	p.UpdateKernelInfo(info)
	logger.Info(h.ctx, "Proxy kernel created",
		zap.String("kernel", info.LocalName),
		zap.String("remote_uri", p.RemoteURI()))
	return p, nil
}

// Connect starts serving the default connector: inbound commands are routed through a
// host-level scheduler, kernel events are sent to the peer, and kernels announced by the
// peer get proxies. It finishes by publishing KernelReady.
func (h *Host) Connect() error {
	h.mu.Lock()
	if h.closed {
		h.mu.Unlock()
		return fmt.Errorf("host %s: %w", h.uri, errs.ErrChannelClosed)
	}
	if h.connected {
		h.mu.Unlock()
		return nil
	}
	h.connected = true
	h.channel.SetCommandHandler(h.receiveCommand)
	h.subscriptions = append(h.subscriptions,
		h.kernel.SubscribeToKernelEvents(h.sendEvent),
		h.channel.SubscribeToKernelEvents(h.observeRemote),
	)
	h.mu.Unlock()

	h.kernel.PublishEvent(protocol.NewEvent(protocol.KernelReady{KernelInfos: h.readyInfos()}, nil))
	logger.Info(h.ctx, "Host connected", zap.String("uri", h.uri))
	return nil
}

// Close detaches the host from its channel and rejects queued inbound commands.
func (h *Host) Close() error {
	h.mu.Lock()
	if h.closed {
		h.mu.Unlock()
		return nil
	}
	h.closed = true
	subs := h.subscriptions
	h.subscriptions = nil
	h.mu.Unlock()

	h.channel.SetCommandHandler(nil)
	for _, unsubscribe := range subs {
		unsubscribe()
	}
	h.scheduler.Close()
	return nil
}

func (h *Host) readyInfos() []protocol.KernelInfo {
	infos := []protocol.KernelInfo{h.kernel.KernelInfo()}
	for _, child := range h.kernel.ChildKernels() {
		if child.Kind() == kernel.KindProxy {
			continue
		}
		infos = append(infos, child.KernelInfo())
	}
	return infos
}

func (h *Host) receiveCommand(ctx context.Context, env *protocol.CommandEnvelope) error {
	h.scheduler.Schedule(ctx, env, h.dispatch)
	return nil
}

func (h *Host) dispatch(ctx context.Context, env *protocol.CommandEnvelope) error {
	k := h.GetKernel(env)
	logger.Debug(h.ctx, "Dispatching inbound command",
		zap.Stringer("command", env),
		zap.String("kernel", k.Name()))
	if err := k.Send(ctx, env); err != nil {
		logger.Debug(h.ctx, "Inbound command failed", zap.Stringer("command", env), zap.Error(err))
		return err
	}
	return nil
}

func (h *Host) sendEvent(ev *protocol.EventEnvelope) {
	if err := h.channel.PublishKernelEvent(h.ctx, ev); err != nil {
		logger.Warn(h.ctx, "Failed to send event to peer", zap.Stringer("event", ev), zap.Error(err))
	}
}

// observeRemote creates or refreshes proxies for kernels the peer announces.
func (h *Host) observeRemote(ev *protocol.EventEnvelope) {
	if ev.Command != nil {
		return
	}
	switch e := ev.Event.(type) {
	case protocol.KernelInfoProduced:
		h.ensureProxy(e.KernelInfo)
	case protocol.KernelReady:
		for _, info := range e.KernelInfos {
			h.ensureProxy(info)
		}
	}
}

func (h *Host) ensureProxy(info protocol.KernelInfo) {
	// The peer's own proxies point back at somebody else's kernels, and a proxied
	// composite would fan requests back out across the channel.
	if info.URI == "" || info.RemoteURI != "" || info.IsProxy || info.IsComposite {
		return
	}
	if k, ok := h.uris.Remote(info.URI); ok {
		if p, ok := k.AsProxy(); ok {
			p.UpdateKernelInfo(info)
		}
		return
	}
	if existing := h.kernel.FindKernelByName(info.LocalName); existing != nil {
		logger.Debug(h.ctx, "Not creating proxy, name already in use",
			zap.String("kernel", info.LocalName),
			zap.String("remote_uri", info.URI))
		return
	}
	if _, err := h.CreateProxyKernelOnDefaultConnector(info); err != nil {
		logger.Warn(h.ctx, "Failed to create proxy for remote kernel",
			zap.String("kernel", info.LocalName),
			zap.Error(err))
	}
}
