package kernel_test

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	errs "github.com/dotnet/interactive-sub006/core/errors"
	"github.com/dotnet/interactive-sub006/core/kernel"
	"github.com/dotnet/interactive-sub006/core/protocol"
)

func newRoutedComposite(t *testing.T) (*kernel.Composite, *kernel.Kernel, *kernel.Kernel) {
	t.Helper()
	root := kernel.NewComposite("root")
	require.NoError(t, root.AttachHost(context.Background(), newFakeHost("kernel://local")))
	a := echoKernel(t, "a")
	b := echoKernel(t, "b")
	require.NoError(t, root.Add(a, "a1"))
	require.NoError(t, root.Add(b))
	return root, a, b
}

func TestCompositeRouting(t *testing.T) {
	root, a, b := newRoutedComposite(t)

	got, err := root.GetHandlingKernel(protocol.NewCommand(protocol.SubmitCode).WithTarget("a1"))
	require.NoError(t, err)
	assert.Same(t, a, got)

	got, err = root.GetHandlingKernel(protocol.NewCommand(protocol.SubmitCode))
	require.NoError(t, err)
	assert.Same(t, a, got, "first added kernel is the default")

	got, err = root.GetHandlingKernel(protocol.NewCommand(protocol.SubmitCode).WithTarget("a1").WithDestination(b.URI()))
	require.NoError(t, err)
	assert.Same(t, b, got, "destination uri wins over target name")

	got, err = root.GetHandlingKernel(protocol.NewCommand(protocol.SubmitCode).WithTarget("B"))
	require.NoError(t, err)
	assert.Same(t, b, got)

	got, err = root.GetHandlingKernel(protocol.NewCommand(protocol.RequestKernelInfo))
	require.NoError(t, err)
	assert.Same(t, root.Kernel, got, "composite handles what it supports when no target is given")
}

func TestCompositeSendsToDestinationRegardlessOfTarget(t *testing.T) {
	root, _, b := newRoutedComposite(t)
	rec := record(root.Kernel)

	env := protocol.NewCommand(protocol.SubmitCode).WithTarget("a1").WithDestination(b.URI() + "/")
	require.NoError(t, root.Send(context.Background(), env))

	produced := rec.ofType(protocol.ValueProducedType)
	require.Len(t, produced, 1)
	assert.Equal(t, "b", produced[0].Event.(protocol.ValueProduced).Name)
}

func TestCompositeDefaultKernelOverride(t *testing.T) {
	root, _, b := newRoutedComposite(t)
	root.SetDefaultKernelName("b")
	assert.Equal(t, "b", root.DefaultKernelName())

	got, err := root.GetHandlingKernel(protocol.NewCommand(protocol.SubmitCode))
	require.NoError(t, err)
	assert.Same(t, b, got)
}

func TestCompositeUnknownKernelFails(t *testing.T) {
	root, _, _ := newRoutedComposite(t)
	rec := record(root.Kernel)

	err := root.Send(context.Background(), protocol.NewCommand(protocol.SubmitCode).WithTarget("nope"))
	require.ErrorIs(t, err, errs.ErrKernelNotFound)

	failed := rec.ofType(protocol.CommandFailedType)
	require.Len(t, failed, 1)
	assert.Equal(t, "Kernel not found: nope", failed[0].Event.(protocol.CommandFailed).Message)
}

func TestEmptyCompositeRoutesToItself(t *testing.T) {
	root := kernel.NewComposite("root")
	err := root.Send(context.Background(), protocol.NewCommand(protocol.SubmitCode))
	require.ErrorIs(t, err, errs.ErrNoHandler)
}

func TestCompositeAddRejectsDuplicates(t *testing.T) {
	root := kernel.NewComposite("root", kernel.WithAliases("top"))
	require.NoError(t, root.Add(kernel.New("csharp"), "cs", "C#"))

	assert.ErrorIs(t, root.Add(kernel.New("CSharp")), errs.ErrDuplicate)
	assert.ErrorIs(t, root.Add(kernel.New("fsharp"), "CS"), errs.ErrDuplicate)
	assert.ErrorIs(t, root.Add(kernel.New("top")), errs.ErrDuplicate)
	assert.ErrorIs(t, root.Add(nil), errs.ErrInvalidInput)
	assert.ErrorIs(t, root.Add(kernel.New("")), errs.ErrInvalidInput)
	assert.ErrorIs(t, root.Add(root.Kernel), errs.ErrInvalidInput)

	require.Len(t, root.ChildKernels(), 1)
	assert.Equal(t, []string{"cs", "C#"}, root.ChildKernels()[0].KernelInfo().Aliases)
	assert.Same(t, root.ChildKernels()[0], root.FindKernelByName("c#"))
	assert.Same(t, root.Kernel, root.FindKernelByName("TOP"))
	assert.Nil(t, root.FindKernelByName("python"))
}

func TestRejectedAddLeavesAliasesUntouched(t *testing.T) {
	root := kernel.NewComposite("root")
	require.NoError(t, root.Add(kernel.New("a"), "x"))

	b := kernel.New("b", kernel.WithAliases("bee"))
	require.ErrorIs(t, root.Add(b, "x", "y"), errs.ErrDuplicate)
	assert.Equal(t, []string{"bee"}, b.KernelInfo().Aliases)

	other := kernel.NewComposite("other")
	require.NoError(t, other.Add(b, "y"))
	assert.Equal(t, []string{"bee", "y"}, b.KernelInfo().Aliases)
}

func TestAttachHostAssignsURIs(t *testing.T) {
	host := newFakeHost("kernel://local")
	root := kernel.NewComposite("root")
	early := kernel.New("early")
	require.NoError(t, root.Add(early))
	assert.Empty(t, early.URI())

	require.NoError(t, root.AttachHost(context.Background(), host))
	assert.Equal(t, "kernel://local/root", root.URI())
	assert.Equal(t, "kernel://local/early", early.URI())

	late := kernel.New("late")
	require.NoError(t, root.Add(late))
	assert.Equal(t, "kernel://local/late", late.URI())
	assert.Same(t, late, root.FindKernelByURI("KERNEL://local/late/"))
	assert.Same(t, root.Kernel, root.FindKernelByURI("kernel://local/root"))
	assert.Nil(t, root.FindKernelByURI("kernel://local/missing"))
	assert.Same(t, host, late.Host())
}

func TestRequestKernelInfoFansOutToChildren(t *testing.T) {
	root := kernel.NewComposite("root")
	require.NoError(t, root.AttachHost(context.Background(), newFakeHost("kernel://local")))
	require.NoError(t, root.Add(echoKernel(t, "csharp"), "cs"))
	rec := record(root.Kernel)

	env := protocol.NewCommand(protocol.RequestKernelInfo)
	require.NoError(t, root.Send(context.Background(), env))

	infos := rec.ofType(protocol.KernelInfoProducedType)
	require.Len(t, infos, 2)
	first := infos[0].Event.(protocol.KernelInfoProduced).KernelInfo
	second := infos[1].Event.(protocol.KernelInfoProduced).KernelInfo
	assert.Equal(t, "root", first.LocalName)
	assert.True(t, first.IsComposite)
	assert.Equal(t, "csharp", second.LocalName)
	assert.Equal(t, []string{"cs"}, second.Aliases)
	assert.Equal(t, "kernel://local/csharp", second.URI)
	assert.True(t, second.Supports(protocol.SubmitCode))

	succeeded := rec.ofType(protocol.CommandSucceededType)
	require.Len(t, succeeded, 1)
	assert.True(t, succeeded[0].Command.SameAs(env))
}

func TestNestedCompositeRouting(t *testing.T) {
	outer := kernel.NewComposite("outer")
	inner := kernel.NewComposite("inner")
	leaf := echoKernel(t, "leaf")
	require.NoError(t, inner.Add(leaf))
	require.NoError(t, outer.Add(inner.Kernel))
	rec := record(outer.Kernel)

	// outer defaults to inner, inner defaults to leaf.
	require.NoError(t, outer.Send(context.Background(), protocol.NewCommand(protocol.SubmitCode).WithField("code", "x")))
	produced := rec.ofType(protocol.ValueProducedType)
	require.Len(t, produced, 1)
	assert.Equal(t, "leaf", produced[0].Event.(protocol.ValueProduced).Name)
	assert.Same(t, outer.Scheduler(), leaf.Scheduler())
}

func TestChildEventsAreRepublishedByTheComposite(t *testing.T) {
	root, a, _ := newRoutedComposite(t)
	rootRec := record(root.Kernel)
	childRec := record(a)

	require.NoError(t, a.Send(context.Background(), protocol.NewCommand(protocol.SubmitCode)))
	assert.Equal(t, []protocol.EventType{protocol.ValueProducedType, protocol.CommandSucceededType}, childRec.types())
	assert.Equal(t, childRec.types(), rootRec.types())
}
