// Package protocol defines the wire shapes exchanged between kernels, hosts and channels:
// command envelopes, event envelopes and KernelInfo.
package protocol

import (
	"encoding/json"
	"fmt"

	"github.com/mitchellh/mapstructure"
)

// CommandType discriminates command envelopes.
type CommandType string

// Command types known to the core. Backends may use any other value.
const (
	SubmitCode        CommandType = "SubmitCode"
	RequestKernelInfo CommandType = "RequestKernelInfo"
	SendValue         CommandType = "SendValue"
	RequestValue      CommandType = "RequestValue"
	RequestValueInfos CommandType = "RequestValueInfos"
	// Cancel is accepted at the protocol surface only; nothing in the core preempts a running handler.
	Cancel CommandType = "Cancel"
)

// Routing fields carried inside every command payload.
const (
	fieldTargetKernelName = "targetKernelName"
	fieldOriginURI        = "originUri"
	fieldDestinationURI   = "destinationUri"
)

// Command is the payload of a command envelope. Routing fields are explicit,
// everything else lives in Fields and is flattened next to them on the wire.
type Command struct {
	TargetKernelName string
	OriginURI        string
	DestinationURI   string
	Fields           map[string]any
}

// MarshalJSON flattens routing fields and payload fields into one object.
func (c Command) MarshalJSON() ([]byte, error) {
	out := make(map[string]any, len(c.Fields)+3)
	for k, v := range c.Fields {
		out[k] = v
	}
	if c.TargetKernelName != "" {
		out[fieldTargetKernelName] = c.TargetKernelName
	}
	if c.OriginURI != "" {
		out[fieldOriginURI] = c.OriginURI
	}
	if c.DestinationURI != "" {
		out[fieldDestinationURI] = c.DestinationURI
	}
	return json.Marshal(out)
}

// UnmarshalJSON splits routing fields from payload fields.
func (c *Command) UnmarshalJSON(data []byte) error {
	var raw map[string]any
	if err := json.Unmarshal(data, &raw); err != nil {
		return err
	}
	*c = Command{}
	for k, v := range raw {
		switch k {
		case fieldTargetKernelName:
			c.TargetKernelName, _ = v.(string)
		case fieldOriginURI:
			c.OriginURI, _ = v.(string)
		case fieldDestinationURI:
			c.DestinationURI, _ = v.(string)
		default:
			if c.Fields == nil {
				c.Fields = make(map[string]any)
			}
			c.Fields[k] = v
		}
	}
	return nil
}

// StringField returns a payload field as a string, or "" when absent or not a string.
func (c Command) StringField(name string) string {
	s, _ := c.Fields[name].(string)
	return s
}

// Decode copies the payload fields into target, matching on json tag names.
func (c Command) Decode(target any) error {
	dec, err := mapstructure.NewDecoder(&mapstructure.DecoderConfig{
		TagName:          "json",
		WeaklyTypedInput: true,
		Result:           target,
	})
	if err != nil {
		return fmt.Errorf("create payload decoder: %w", err)
	}
	if err := dec.Decode(c.Fields); err != nil {
		return fmt.Errorf("decode command payload: %w", err)
	}
	return nil
}

// CommandEnvelope is a command plus its correlation data.
// (CommandType, Token) identifies the command for causality; ID correlates completion.
type CommandEnvelope struct {
	Token       string      `json:"token,omitempty"`
	ID          string      `json:"id,omitempty"`
	CommandType CommandType `json:"commandType"`
	Command     Command     `json:"command"`
}

// NewCommand creates an envelope with an empty payload.
func NewCommand(commandType CommandType) *CommandEnvelope {
	return &CommandEnvelope{CommandType: commandType}
}

// WithTarget sets targetKernelName and returns the envelope.
func (e *CommandEnvelope) WithTarget(kernelName string) *CommandEnvelope {
	e.Command.TargetKernelName = kernelName
	return e
}

// WithDestination sets destinationUri and returns the envelope.
func (e *CommandEnvelope) WithDestination(uri string) *CommandEnvelope {
	e.Command.DestinationURI = uri
	return e
}

// WithField sets one payload field and returns the envelope.
func (e *CommandEnvelope) WithField(name string, value any) *CommandEnvelope {
	if e.Command.Fields == nil {
		e.Command.Fields = make(map[string]any)
	}
	e.Command.Fields[name] = value
	return e
}

// WithPayload replaces the payload fields with the json representation of payload.
func (e *CommandEnvelope) WithPayload(payload any) (*CommandEnvelope, error) {
	data, err := json.Marshal(payload)
	if err != nil {
		return nil, fmt.Errorf("marshal %s payload: %w", e.CommandType, err)
	}
	var fields map[string]any
	if err := json.Unmarshal(data, &fields); err != nil {
		return nil, fmt.Errorf("flatten %s payload: %w", e.CommandType, err)
	}
	e.Command.Fields = fields
	return e, nil
}

// SameAs reports whether both envelopes denote the same logical command.
func (e *CommandEnvelope) SameAs(other *CommandEnvelope) bool {
	if e == nil || other == nil {
		return false
	}
	if e == other {
		return true
	}
	return e.CommandType == other.CommandType && e.Token != "" && e.Token == other.Token
}

// Clone returns a deep copy of the envelope.
func (e *CommandEnvelope) Clone() *CommandEnvelope {
	if e == nil {
		return nil
	}
	c := *e
	c.Command.Fields = cloneFields(e.Command.Fields)
	return &c
}

func (e *CommandEnvelope) String() string {
	if e == nil {
		return "<nil>"
	}
	return fmt.Sprintf("%s(token=%s id=%s)", e.CommandType, e.Token, e.ID)
}

func cloneFields(in map[string]any) map[string]any {
	if in == nil {
		return nil
	}
	out := make(map[string]any, len(in))
	for k, v := range in {
		switch tv := v.(type) {
		case map[string]any:
			out[k] = cloneFields(tv)
		case []any:
			cp := make([]any, len(tv))
			copy(cp, tv)
			out[k] = cp
		default:
			out[k] = v
		}
	}
	return out
}
