package kernel

import (
	"context"
	"fmt"
	"strings"
	"sync"

	"go.uber.org/zap"

	errs "github.com/dotnet/interactive-sub006/core/errors"
	"github.com/dotnet/interactive-sub006/core/logger"
	"github.com/dotnet/interactive-sub006/core/protocol"
)

// Composite owns child kernels and routes commands to them by URI, name or alias.
// Children share the composite's scheduler.
type Composite struct {
	*Kernel

	childMu           sync.RWMutex
	children          []*Kernel
	byName            map[string]*Kernel
	defaultKernelName string
}

// NewComposite creates an empty composite kernel.
func NewComposite(name string, opts ...Option) *Composite {
	c := &Composite{
		byName: make(map[string]*Kernel),
	}
	c.Kernel = newKernel(name, KindComposite, compositeRouter{c}, opts...)
	c.Kernel.composite = c
	c.Kernel.info.IsComposite = true
	c.mustRegister(CommandHandler{Type: protocol.RequestKernelInfo, Handle: c.handleRequestKernelInfo})
	return c
}

// Add makes k a child. The first child becomes the default target. Names and aliases
// are unique within the composite, case-insensitively.
func (c *Composite) Add(k *Kernel, aliases ...string) error {
	if k == nil {
		return fmt.Errorf("add to %s: kernel is nil: %w", c.name, errs.ErrInvalidInput)
	}
	if k.name == "" {
		return fmt.Errorf("add to %s: kernel name is empty: %w", c.name, errs.ErrInvalidInput)
	}
	if k == c.Kernel {
		return fmt.Errorf("add to %s: a composite cannot contain itself: %w", c.name, errs.ErrInvalidInput)
	}

	candidate := k.KernelInfo()
	candidate.AddAliases(aliases...)
	names := append([]string{k.name}, candidate.Aliases...)

	c.childMu.Lock()
	for _, n := range names {
		key := strings.ToLower(n)
		if _, taken := c.byName[key]; taken || c.Kernel.hasName(n) {
			c.childMu.Unlock()
			return fmt.Errorf("add %s to %s: name %q: %w", k.name, c.name, n, errs.ErrDuplicate)
		}
	}
	k.mu.Lock()
	k.info.Aliases = candidate.Aliases
	k.mu.Unlock()
	for _, n := range names {
		c.byName[strings.ToLower(n)] = k
	}
	c.children = append(c.children, k)
	if c.defaultKernelName == "" {
		c.defaultKernelName = k.name
	}
	k.SubscribeToKernelEvents(c.PublishEvent)
	c.childMu.Unlock()

	k.setParent(c.Kernel)

	ctx := logger.WithComponentName(context.Background(), "kernel."+c.name)
	if h := c.Host(); h != nil {
		if err := k.attach(ctx, h); err != nil {
			return err
		}
	}
	logger.Info(ctx, "Kernel added", zap.String("kernel", k.name), zap.Strings("aliases", names[1:]))
	return nil
}

// ChildKernels returns the children in insertion order.
func (c *Composite) ChildKernels() []*Kernel {
	c.childMu.RLock()
	defer c.childMu.RUnlock()
	return append([]*Kernel(nil), c.children...)
}

// DefaultKernelName returns the name used when a command has no target.
func (c *Composite) DefaultKernelName() string {
	c.childMu.RLock()
	defer c.childMu.RUnlock()
	return c.defaultKernelName
}

// SetDefaultKernelName overrides the implicit default target.
func (c *Composite) SetDefaultKernelName(name string) {
	c.childMu.Lock()
	defer c.childMu.Unlock()
	c.defaultKernelName = name
}

// FindKernelByName resolves a name or alias, case-insensitively. The composite's own
// name resolves to the composite.
func (c *Composite) FindKernelByName(name string) *Kernel {
	if name == "" {
		return nil
	}
	if c.Kernel.hasName(name) {
		return c.Kernel
	}
	c.childMu.RLock()
	defer c.childMu.RUnlock()
	return c.byName[strings.ToLower(name)]
}

// FindKernelByURI resolves a kernel by its URI or, for proxies, its remote URI.
func (c *Composite) FindKernelByURI(uri string) *Kernel {
	if uri == "" {
		return nil
	}
	if protocol.SameURI(uri, c.URI()) {
		return c.Kernel
	}
	for _, child := range c.ChildKernels() {
		if child.hasURI(uri) {
			return child
		}
	}
	return nil
}

// AttachHost registers the composite and its current children with h. Children added
// later are registered as they are added.
func (c *Composite) AttachHost(ctx context.Context, h Host) error {
	if h == nil {
		return fmt.Errorf("attach %s: host is nil: %w", c.name, errs.ErrInvalidInput)
	}
	c.Kernel.mu.Lock()
	c.Kernel.host = h
	c.Kernel.mu.Unlock()
	return c.Kernel.attach(ctx, h)
}

func (c *Composite) handleRequestKernelInfo(ctx context.Context, inv Invocation) error {
	inv.Context.Publish(protocol.NewEvent(protocol.KernelInfoProduced{KernelInfo: c.KernelInfo()}, inv.Command))
	for _, child := range c.ChildKernels() {
		if !child.SupportsCommand(protocol.RequestKernelInfo) {
			continue
		}
		if err := child.Send(ctx, protocol.NewCommand(protocol.RequestKernelInfo).WithTarget(child.Name())); err != nil {
			return err
		}
	}
	return nil
}

// compositeRouter delegates to children.
type compositeRouter struct {
	c *Composite
}

func (r compositeRouter) resolve(k *Kernel, env *protocol.CommandEnvelope) (*Kernel, error) {
	dest := env.Command.DestinationURI
	if dest != "" {
		if found := r.c.FindKernelByURI(dest); found != nil {
			return found, nil
		}
	}

	name := env.Command.TargetKernelName
	if name == "" {
		if (dest == "" || k.hasURI(dest)) && k.SupportsCommand(env.CommandType) {
			return k, nil
		}
		name = r.c.DefaultKernelName()
		if name == "" {
			name = k.name
		}
	}
	if found := r.c.FindKernelByName(name); found != nil {
		return found, nil
	}
	return nil, &errs.KernelNotFoundError{Name: name}
}

func (compositeRouter) handlerFor(k *Kernel, commandType protocol.CommandType) (CommandHandler, bool) {
	return k.registeredHandler(commandType)
}

func (compositeRouter) supports(k *Kernel, commandType protocol.CommandType) bool {
	_, ok := k.registeredHandler(commandType)
	return ok
}
