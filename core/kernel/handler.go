package kernel

import (
	"context"
	"fmt"

	errs "github.com/dotnet/interactive-sub006/core/errors"
	"github.com/dotnet/interactive-sub006/core/protocol"
)

// Invocation is what a handler receives besides its context.
type Invocation struct {
	Command *protocol.CommandEnvelope
	Context *InvocationContext
}

// HandlerFunc runs one command. Returning an error fails the invocation context.
// Handlers publish interim events through inv.Context and must not publish
// CommandSucceeded or CommandFailed themselves.
type HandlerFunc func(ctx context.Context, inv Invocation) error

// CommandHandler binds a HandlerFunc to a command type.
type CommandHandler struct {
	Type   protocol.CommandType
	Handle HandlerFunc
}

func (h CommandHandler) validate() error {
	if h.Type == "" {
		return fmt.Errorf("command type is empty: %w", errs.ErrInvalidHandler)
	}
	if h.Handle == nil {
		return fmt.Errorf("handler for %s is nil: %w", h.Type, errs.ErrInvalidHandler)
	}
	return nil
}
