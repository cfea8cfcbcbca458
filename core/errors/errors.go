// Package errors holds the sentinel errors shared by the kernel, scheduler, host and channel packages.
package errors

import (
	"errors"
	"fmt"
)

// Common kernel-wide errors.
var (
	ErrKernelNotFound  = errors.New("kernel not found")
	ErrNoHandler       = errors.New("no handler found")
	ErrDuplicate       = errors.New("duplicate name")
	ErrInvalidHandler  = errors.New("invalid command handler")
	ErrCommandFailed   = errors.New("command failed")
	ErrChannelClosed   = errors.New("channel closed")
	ErrSchedulerClosed = errors.New("scheduler closed")
	ErrInvalidInput    = errors.New("invalid input provided")
)

// DefaultFailureMessage is used when a context is failed without a message.
const DefaultFailureMessage = "Command Failed"

// KernelNotFoundError reports a routing failure for a kernel name or URI.
type KernelNotFoundError struct {
	Name string
}

func (e *KernelNotFoundError) Error() string { return fmt.Sprintf("Kernel not found: %s", e.Name) }

func (e *KernelNotFoundError) Unwrap() error { return ErrKernelNotFound }

// NoHandlerError reports a command type with no registered handler.
type NoHandlerError struct {
	CommandType string
}

func (e *NoHandlerError) Error() string {
	return fmt.Sprintf("No handler found for command type %s", e.CommandType)
}

func (e *NoHandlerError) Unwrap() error { return ErrNoHandler }

// CommandFailedError carries the message of a CommandFailed event, local or remote.
type CommandFailedError struct {
	Message string
}

func (e *CommandFailedError) Error() string { return e.Message }

func (e *CommandFailedError) Unwrap() error { return ErrCommandFailed }

// New creates a new error with the given message.
func New(message string) error {
	return errors.New(message)
}

// Is reports whether any error in err's tree matches target.
func Is(err, target error) bool { return errors.Is(err, target) }

// Message returns the text used for a CommandFailed event raised by err.
func Message(err error) string {
	if err == nil {
		return DefaultFailureMessage
	}
	var cf *CommandFailedError
	if errors.As(err, &cf) && cf.Message != "" {
		return cf.Message
	}
	if msg := err.Error(); msg != "" {
		return msg
	}
	return DefaultFailureMessage
}
