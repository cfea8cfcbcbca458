package host_test

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"

	"github.com/dotnet/interactive-sub006/core/channel"
	errs "github.com/dotnet/interactive-sub006/core/errors"
	"github.com/dotnet/interactive-sub006/core/host"
	"github.com/dotnet/interactive-sub006/core/kernel"
	"github.com/dotnet/interactive-sub006/core/protocol"
	"github.com/dotnet/interactive-sub006/core/tokens"
)

const waitFor = 2 * time.Second

func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m)
}

type collector struct {
	mu     sync.Mutex
	events []*protocol.EventEnvelope
}

func (c *collector) observe(e *protocol.EventEnvelope) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.events = append(c.events, e)
}

func (c *collector) forCommand(env *protocol.CommandEnvelope) []*protocol.EventEnvelope {
	c.mu.Lock()
	defer c.mu.Unlock()
	var out []*protocol.EventEnvelope
	for _, e := range c.events {
		if e.Command != nil && e.Command.SameAs(env) {
			out = append(out, e)
		}
	}
	return out
}

func (c *collector) ofType(t protocol.EventType) []*protocol.EventEnvelope {
	c.mu.Lock()
	defer c.mu.Unlock()
	var out []*protocol.EventEnvelope
	for _, e := range c.events {
		if e.EventType == t {
			out = append(out, e)
		}
	}
	return out
}

func hasTerminal(events []*protocol.EventEnvelope) bool {
	for _, e := range events {
		if e.IsTerminal() {
			return true
		}
	}
	return false
}

func echoKernel(t *testing.T, name string) *kernel.Kernel {
	t.Helper()
	k := kernel.New(name, kernel.WithLanguage(name, "1.0.0"))
	require.NoError(t, k.RegisterCommandHandler(kernel.CommandHandler{
		Type: protocol.SubmitCode,
		Handle: func(ctx context.Context, inv kernel.Invocation) error {
			inv.Context.Publish(protocol.NewEvent(protocol.ValueProduced{
				Name:           name,
				FormattedValue: protocol.FormattedValue{MimeType: "text/plain", Value: inv.Command.Command.StringField("code")},
			}, inv.Command))
			return nil
		},
	}))
	return k
}

// newHost attaches a composite with one echo kernel per name to ch.
func newHost(t *testing.T, ch channel.Channel, hostURI, compositeName string, kernels ...string) *host.Host {
	t.Helper()
	root := kernel.NewComposite(compositeName)
	for _, name := range kernels {
		require.NoError(t, root.Add(echoKernel(t, name)))
	}
	h, err := host.New(context.Background(), root, ch, hostURI)
	require.NoError(t, err)
	t.Cleanup(func() { _ = h.Close() })
	return h
}

func newPair(t *testing.T) (*channel.Endpoint, *channel.Endpoint) {
	t.Helper()
	a, b := channel.NewPair("a", "b")
	t.Cleanup(func() { _ = a.Close() })
	return a, b
}

func submit(t *testing.T, ch channel.Channel, env *protocol.CommandEnvelope) *protocol.CommandEnvelope {
	t.Helper()
	env.Token = tokens.NewToken()
	env.ID = tokens.NewCommandID()
	require.NoError(t, ch.SubmitCommand(context.Background(), env))
	return env
}

func TestNewValidatesArguments(t *testing.T) {
	_, back := newPair(t)

	_, err := host.New(context.Background(), nil, back, "kernel://local")
	assert.ErrorIs(t, err, errs.ErrInvalidInput)
	_, err = host.New(context.Background(), kernel.NewComposite("local"), nil, "kernel://local")
	assert.ErrorIs(t, err, errs.ErrInvalidInput)
	_, err = host.New(context.Background(), kernel.NewComposite("local"), back, "not a uri")
	assert.Error(t, err)
}

func TestHostAssignsKernelURIs(t *testing.T) {
	_, back := newPair(t)
	h := newHost(t, back, "KERNEL://Local/", "local", "csharp")

	assert.Equal(t, "kernel://local", h.URI())
	assert.Equal(t, "kernel://local/local", h.Kernel().URI())
	csharp := h.Kernel().FindKernelByName("csharp")
	require.NotNil(t, csharp)

	info, ok := h.TryGetKernelInfo(csharp)
	require.True(t, ok)
	assert.Equal(t, "kernel://local/csharp", info.URI)

	_, ok = h.TryGetKernelInfo(kernel.New("stray"))
	assert.False(t, ok)

	_, err := h.AddKernelInfo(kernel.New("impostor"), protocol.KernelInfo{URI: "kernel://local/csharp"})
	assert.ErrorIs(t, err, errs.ErrDuplicate)
}

func TestGetKernelResolutionOrder(t *testing.T) {
	_, back := newPair(t)
	h := newHost(t, back, "kernel://local", "local", "csharp")
	proxy, err := h.CreateProxyKernelOnDefaultConnector(protocol.KernelInfo{
		LocalName: "python",
		Aliases:   []string{"py"},
		URI:       "kernel://remote/python",
	})
	require.NoError(t, err)
	csharp := h.Kernel().FindKernelByName("csharp")

	cases := []struct {
		name string
		env  *protocol.CommandEnvelope
		want *kernel.Kernel
	}{
		{"local destination", protocol.NewCommand(protocol.SubmitCode).WithDestination("kernel://local/csharp/"), csharp},
		{"remote destination", protocol.NewCommand(protocol.SubmitCode).WithDestination("kernel://remote/python"), proxy.Kernel},
		{"origin", func() *protocol.CommandEnvelope {
			env := protocol.NewCommand(protocol.SubmitCode).WithDestination("kernel://elsewhere/x")
			env.Command.OriginURI = "kernel://local/csharp"
			return env
		}(), csharp},
		{"fallback", protocol.NewCommand(protocol.SubmitCode).WithTarget("csharp"), h.Kernel().Kernel},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			assert.Same(t, tc.want, h.GetKernel(tc.env))
		})
	}

	assert.Equal(t, "kernel://local/python", proxy.URI())
	assert.Equal(t, "kernel://remote/python", proxy.RemoteURI())
	assert.Same(t, proxy.Kernel, h.Kernel().FindKernelByName("PY"))
}

func TestRegisterRemoteURIForProxy(t *testing.T) {
	_, back := newPair(t)
	h := newHost(t, back, "kernel://local", "local", "csharp")
	proxy, err := h.CreateProxyKernelOnDefaultConnector(protocol.KernelInfo{LocalName: "python", URI: "kernel://remote/python"})
	require.NoError(t, err)

	require.NoError(t, h.RegisterRemoteURIForProxy("python", "kernel://other/python"))
	assert.Equal(t, "kernel://other/python", proxy.RemoteURI())
	assert.Same(t, proxy.Kernel, h.GetKernel(protocol.NewCommand(protocol.SubmitCode).WithDestination("kernel://other/python")))
	assert.Same(t, h.Kernel().Kernel, h.GetKernel(protocol.NewCommand(protocol.SubmitCode).WithDestination("kernel://remote/python")),
		"the previous remote uri no longer resolves")

	assert.ErrorIs(t, h.RegisterRemoteURIForProxy("nope", "kernel://other/nope"), errs.ErrKernelNotFound)
	assert.ErrorIs(t, h.RegisterRemoteURIForProxy("csharp", "kernel://other/csharp"), errs.ErrInvalidInput)
}

func TestConnectAnnouncesKernelReady(t *testing.T) {
	front, back := newPair(t)
	h := newHost(t, back, "kernel://local", "local", "csharp")
	col := &collector{}
	front.SubscribeToKernelEvents(col.observe)

	require.NoError(t, h.Connect())
	require.NoError(t, h.Connect(), "connecting twice is a no-op")

	require.Eventually(t, func() bool { return len(col.ofType(protocol.KernelReadyType)) > 0 }, waitFor, time.Millisecond)
	ready := col.ofType(protocol.KernelReadyType)
	require.Len(t, ready, 1)
	assert.Nil(t, ready[0].Command)
	infos := ready[0].Event.(protocol.KernelReady).KernelInfos
	require.Len(t, infos, 2)
	assert.Equal(t, "local", infos[0].LocalName)
	assert.True(t, infos[0].IsComposite)
	assert.Equal(t, "kernel://local/csharp", infos[1].URI)
	assert.True(t, infos[1].Supports(protocol.SubmitCode))
}

func TestInboundCommandsAreRoutedAndAnswered(t *testing.T) {
	front, back := newPair(t)
	h := newHost(t, back, "kernel://local", "local", "csharp", "fsharp")
	col := &collector{}
	front.SubscribeToKernelEvents(col.observe)
	require.NoError(t, h.Connect())

	env := submit(t, front, protocol.NewCommand(protocol.SubmitCode).WithTarget("csharp").
		WithDestination("kernel://local/fsharp").
		WithField("code", "1+1"))

	require.Eventually(t, func() bool { return hasTerminal(col.forCommand(env)) }, waitFor, time.Millisecond)
	events := col.forCommand(env)
	require.Len(t, events, 2)
	produced := events[0].Event.(protocol.ValueProduced)
	assert.Equal(t, "fsharp", produced.Name, "destination uri wins over the target name")
	assert.Equal(t, "1+1", produced.FormattedValue.Value)
	assert.Equal(t, protocol.CommandSucceededType, events[1].EventType)
}

func TestInboundCommandForUnknownKernelFails(t *testing.T) {
	front, back := newPair(t)
	h := newHost(t, back, "kernel://local", "local", "csharp")
	col := &collector{}
	front.SubscribeToKernelEvents(col.observe)
	require.NoError(t, h.Connect())

	env := submit(t, front, protocol.NewCommand(protocol.SubmitCode).WithTarget("nope"))

	require.Eventually(t, func() bool { return hasTerminal(col.forCommand(env)) }, waitFor, time.Millisecond)
	events := col.forCommand(env)
	require.Len(t, events, 1)
	assert.Equal(t, "Kernel not found: nope", events[0].Event.(protocol.CommandFailed).Message)
}

func TestInboundRequestKernelInfo(t *testing.T) {
	front, back := newPair(t)
	h := newHost(t, back, "kernel://local", "local", "csharp")
	col := &collector{}
	front.SubscribeToKernelEvents(col.observe)
	require.NoError(t, h.Connect())

	env := submit(t, front, protocol.NewCommand(protocol.RequestKernelInfo))

	require.Eventually(t, func() bool { return hasTerminal(col.forCommand(env)) }, waitFor, time.Millisecond)
	var names []string
	// The composite asks each child with a sub-command of its own.
	for _, e := range col.ofType(protocol.KernelInfoProducedType) {
		if produced, ok := e.Event.(protocol.KernelInfoProduced); ok {
			names = append(names, produced.KernelInfo.LocalName)
		}
	}
	assert.Equal(t, []string{"local", "csharp"}, names)
	assert.Len(t, col.ofType(protocol.CommandSucceededType), 1)
}

func TestProxyRoundTripBetweenHosts(t *testing.T) {
	a, b := newPair(t)
	local := newHost(t, a, "kernel://local", "local", "csharp")
	remote := newHost(t, b, "kernel://remote", "remote", "python")

	proxy, err := local.CreateProxyKernelOnDefaultConnector(protocol.KernelInfo{
		LocalName: "python",
		Aliases:   []string{"py"},
		URI:       "kernel://remote/python",
	})
	require.NoError(t, err)
	require.NoError(t, local.Connect())
	require.NoError(t, remote.Connect())

	rec := &collector{}
	local.Kernel().SubscribeToKernelEvents(rec.observe)

	env := protocol.NewCommand(protocol.SubmitCode).WithTarget("py").WithField("code", "print(1)")
	done := make(chan error, 1)
	go func() { done <- local.Kernel().Send(context.Background(), env) }()
	select {
	case err := <-done:
		require.NoError(t, err)
	case <-time.After(waitFor):
		t.Fatal("proxied command never completed")
	}

	events := rec.forCommand(env)
	require.Len(t, events, 2)
	produced := events[0].Event.(protocol.ValueProduced)
	assert.Equal(t, "python", produced.Name)
	assert.Equal(t, "print(1)", produced.FormattedValue.Value)
	assert.Equal(t, protocol.CommandSucceededType, events[1].EventType)

	// The remote KernelReady refreshes the existing proxy instead of adding another.
	require.Eventually(t, func() bool { return proxy.KernelInfo().LanguageName == "python" }, waitFor, time.Millisecond)
	assert.Same(t, proxy.Kernel, local.Kernel().FindKernelByName("python"))
}

func TestRemoteFailureIsReportedLocally(t *testing.T) {
	a, b := newPair(t)
	local := newHost(t, a, "kernel://local", "local", "csharp")
	remote := newHost(t, b, "kernel://remote", "remote", "python")
	_, err := local.CreateProxyKernelOnDefaultConnector(protocol.KernelInfo{LocalName: "python", URI: "kernel://remote/python"})
	require.NoError(t, err)
	require.NoError(t, local.Connect())
	require.NoError(t, remote.Connect())

	err = local.Kernel().Send(context.Background(), protocol.NewCommand(protocol.SendValue).WithTarget("python"))
	require.ErrorIs(t, err, errs.ErrCommandFailed)
	assert.EqualError(t, err, "No handler found for command type SendValue")
}

func TestPeerKernelsGetProxies(t *testing.T) {
	a, b := newPair(t)
	local := newHost(t, a, "kernel://local", "local", "csharp")
	remote := newHost(t, b, "kernel://remote", "remote", "python")
	require.NoError(t, local.Connect())
	require.NoError(t, remote.Connect())

	var python *kernel.Kernel
	require.Eventually(t, func() bool {
		python = local.Kernel().FindKernelByName("python")
		return python != nil
	}, waitFor, time.Millisecond)

	proxy, ok := python.AsProxy()
	require.True(t, ok)
	assert.Equal(t, "kernel://remote/python", proxy.RemoteURI())
	assert.Equal(t, "kernel://local/python", proxy.URI())
	assert.True(t, proxy.KernelInfo().Supports(protocol.SubmitCode))
	assert.Equal(t, kernel.KindLocal, local.Kernel().FindKernelByName("csharp").Kind(), "local kernels are left alone")
	assert.Nil(t, local.Kernel().FindKernelByName("remote"), "the peer's composite is not proxied")

	rec := &collector{}
	local.Kernel().SubscribeToKernelEvents(rec.observe)
	env := protocol.NewCommand(protocol.SubmitCode).WithTarget("python").WithField("code", "x")
	require.NoError(t, local.Kernel().Send(context.Background(), env))
	assert.Len(t, rec.forCommand(env), 2)
}

func TestCloseDetachesFromChannel(t *testing.T) {
	front, back := newPair(t)
	h := newHost(t, back, "kernel://local", "local", "csharp")
	require.NoError(t, h.Connect())
	require.NoError(t, h.Close())
	require.NoError(t, h.Close())
	assert.ErrorIs(t, h.Connect(), errs.ErrChannelClosed)

	col := &collector{}
	front.SubscribeToKernelEvents(col.observe)
	env := submit(t, front, protocol.NewCommand(protocol.SubmitCode).WithTarget("csharp"))
	time.Sleep(20 * time.Millisecond)
	assert.Empty(t, col.forCommand(env))
}
