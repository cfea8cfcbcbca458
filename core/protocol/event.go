package protocol

import (
	"encoding/json"
	"fmt"
	"reflect"
	"sync"
)

// EventType discriminates event envelopes.
type EventType string

const (
	CommandSucceededType   EventType = "CommandSucceeded"
	CommandFailedType      EventType = "CommandFailed"
	KernelInfoProducedType EventType = "KernelInfoProduced"
	KernelReadyType        EventType = "KernelReady"
	ValueProducedType      EventType = "ValueProduced"
	ValueInfosProducedType EventType = "ValueInfosProduced"
)

// Event is implemented by every event payload.
type Event interface {
	EventType() EventType
}

// CommandSucceeded is the terminal event of a successful command.
type CommandSucceeded struct{}

func (CommandSucceeded) EventType() EventType { return CommandSucceededType }

// CommandFailed is the terminal event of a failed command.
type CommandFailed struct {
	Message string `json:"message"`
}

func (CommandFailed) EventType() EventType { return CommandFailedType }

// KernelInfoProduced describes one kernel.
type KernelInfoProduced struct {
	KernelInfo KernelInfo `json:"kernelInfo"`
}

func (KernelInfoProduced) EventType() EventType { return KernelInfoProducedType }

// KernelReady is published by a host once it is connected.
type KernelReady struct {
	KernelInfos []KernelInfo `json:"kernelInfos"`
}

func (KernelReady) EventType() EventType { return KernelReadyType }

// FormattedValue is a value rendered for one mime type.
type FormattedValue struct {
	MimeType string `json:"mimeType"`
	Value    string `json:"value"`
}

// ValueProduced answers RequestValue.
type ValueProduced struct {
	Name           string         `json:"name"`
	FormattedValue FormattedValue `json:"formattedValue"`
}

func (ValueProduced) EventType() EventType { return ValueProducedType }

// ValueInfo names one value held by a kernel.
type ValueInfo struct {
	Name           string   `json:"name"`
	TypeName       string   `json:"typeName,omitempty"`
	PreferredMimes []string `json:"preferredMimeTypes,omitempty"`
}

// ValueInfosProduced answers RequestValueInfos.
type ValueInfosProduced struct {
	ValueInfos []ValueInfo `json:"valueInfos"`
}

func (ValueInfosProduced) EventType() EventType { return ValueInfosProducedType }

// GenericEvent holds an event whose type has no registered payload struct.
type GenericEvent struct {
	Type   EventType
	Fields map[string]any
}

func (g GenericEvent) EventType() EventType { return g.Type }

func (g GenericEvent) MarshalJSON() ([]byte, error) {
	if g.Fields == nil {
		return []byte("{}"), nil
	}
	return json.Marshal(g.Fields)
}

var (
	eventTypesMu sync.RWMutex
	eventTypes   = map[EventType]func() Event{
		CommandSucceededType:   func() Event { return &CommandSucceeded{} },
		CommandFailedType:      func() Event { return &CommandFailed{} },
		KernelInfoProducedType: func() Event { return &KernelInfoProduced{} },
		KernelReadyType:        func() Event { return &KernelReady{} },
		ValueProducedType:      func() Event { return &ValueProduced{} },
		ValueInfosProducedType: func() Event { return &ValueInfosProduced{} },
	}
)

// RegisterEventType associates an event type with a payload factory used when decoding.
// The factory must return a pointer. Payloads whose value type implements Event decode
// to values, like the built-in events.
func RegisterEventType(eventType EventType, factory func() Event) error {
	if eventType == "" {
		return fmt.Errorf("event type is empty")
	}
	if factory == nil {
		return fmt.Errorf("event type %s: factory is nil", eventType)
	}
	if got := factory().EventType(); got != eventType {
		return fmt.Errorf("event type %s: factory produces %s", eventType, got)
	}
	eventTypesMu.Lock()
	defer eventTypesMu.Unlock()
	eventTypes[eventType] = factory
	return nil
}

func newEventPayload(eventType EventType) (Event, bool) {
	eventTypesMu.RLock()
	defer eventTypesMu.RUnlock()
	f, ok := eventTypes[eventType]
	if !ok {
		return nil, false
	}
	return f(), true
}

// EventEnvelope is an event plus the command that caused it.
// Command is nil for host-scoped events.
type EventEnvelope struct {
	EventType EventType        `json:"eventType"`
	Event     Event            `json:"event"`
	Command   *CommandEnvelope `json:"command,omitempty"`
}

// NewEvent wraps ev, attributing it to command.
func NewEvent(ev Event, command *CommandEnvelope) *EventEnvelope {
	return &EventEnvelope{EventType: ev.EventType(), Event: ev, Command: command}
}

// IsTerminal reports whether the envelope is a CommandSucceeded or CommandFailed.
func (e *EventEnvelope) IsTerminal() bool {
	return e.EventType == CommandSucceededType || e.EventType == CommandFailedType
}

// UnmarshalJSON decodes the event payload into its registered struct.
func (e *EventEnvelope) UnmarshalJSON(data []byte) error {
	var raw struct {
		EventType EventType        `json:"eventType"`
		Event     json.RawMessage  `json:"event"`
		Command   *CommandEnvelope `json:"command,omitempty"`
	}
	if err := json.Unmarshal(data, &raw); err != nil {
		return err
	}
	e.EventType = raw.EventType
	e.Command = raw.Command
	if payload, ok := newEventPayload(raw.EventType); ok {
		if len(raw.Event) > 0 && string(raw.Event) != "null" {
			if err := json.Unmarshal(raw.Event, payload); err != nil {
				return fmt.Errorf("decode %s event: %w", raw.EventType, err)
			}
		}
		e.Event = derefEvent(payload)
		return nil
	}
	g := GenericEvent{Type: raw.EventType}
	if len(raw.Event) > 0 && string(raw.Event) != "null" {
		if err := json.Unmarshal(raw.Event, &g.Fields); err != nil {
			return fmt.Errorf("decode %s event: %w", raw.EventType, err)
		}
	}
	e.Event = g
	return nil
}

// derefEvent turns a decoded pointer payload into its value so that callers can type-switch
// on value types regardless of whether the envelope came off the wire. Payloads whose value
// type does not implement Event stay pointers.
func derefEvent(ev Event) Event {
	v := reflect.ValueOf(ev)
	if v.Kind() != reflect.Pointer || v.IsNil() {
		return ev
	}
	if value, ok := v.Elem().Interface().(Event); ok {
		return value
	}
	return ev
}

func (e *EventEnvelope) String() string {
	if e == nil {
		return "<nil>"
	}
	return fmt.Sprintf("%s for %s", e.EventType, e.Command)
}
