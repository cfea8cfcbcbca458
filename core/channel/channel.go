// Package channel defines the bidirectional transport between two hosts and an
// in-process implementation of it.
package channel

import (
	"context"

	"github.com/dotnet/interactive-sub006/core/protocol"
)

// CommandHandler receives commands submitted by the peer.
// It must not block for the duration of the command.
type CommandHandler func(ctx context.Context, env *protocol.CommandEnvelope) error

// Channel carries commands and events between two endpoints.
// Messages sent in one direction are delivered in the order they were sent.
type Channel interface {
	// SubmitCommand sends a command to the peer.
	SubmitCommand(ctx context.Context, env *protocol.CommandEnvelope) error
	// PublishKernelEvent sends an event to the peer.
	PublishKernelEvent(ctx context.Context, env *protocol.EventEnvelope) error
	// SubscribeToKernelEvents observes events published by the peer.
	SubscribeToKernelEvents(observer func(*protocol.EventEnvelope)) (unsubscribe func())
	// SetCommandHandler installs the receiver for commands submitted by the peer. nil removes it.
	SetCommandHandler(handler CommandHandler)
}
