// Package value is a small backend kernel that stores named values sent to it and
// hands them back on request.
package value

import (
	"context"
	"fmt"
	"sort"
	"sync"

	"github.com/mitchellh/mapstructure"
	"go.uber.org/zap"

	errs "github.com/dotnet/interactive-sub006/core/errors"
	"github.com/dotnet/interactive-sub006/core/kernel"
	"github.com/dotnet/interactive-sub006/core/logger"
	"github.com/dotnet/interactive-sub006/core/protocol"
)

// DefaultMimeType is used for values sent without a mime type.
const DefaultMimeType = "text/plain"

// Settings holds configuration specific to a value kernel.
type Settings struct {
	MimeType string            `mapstructure:"mime_type"`
	Values   map[string]string `mapstructure:"values"` // Preloaded values
}

// SendValue is the payload of a SendValue command.
type SendValue struct {
	Name           string                  `json:"name"`
	FormattedValue protocol.FormattedValue `json:"formattedValue"`
}

// RequestValue is the payload of a RequestValue command.
type RequestValue struct {
	Name     string `json:"name"`
	MimeType string `json:"mimeType,omitempty"`
}

// Kernel keeps named values.
type Kernel struct {
	*kernel.Kernel

	mu       sync.RWMutex
	values   map[string]protocol.FormattedValue
	mimeType string
}

// New creates a value kernel.
func New(name string, opts ...kernel.Option) *Kernel {
	k := &Kernel{
		Kernel:   kernel.New(name, opts...),
		values:   make(map[string]protocol.FormattedValue),
		mimeType: DefaultMimeType,
	}
	for _, h := range []kernel.CommandHandler{
		{Type: protocol.SendValue, Handle: k.handleSendValue},
		{Type: protocol.RequestValue, Handle: k.handleRequestValue},
		{Type: protocol.RequestValueInfos, Handle: k.handleRequestValueInfos},
	} {
		if err := k.RegisterCommandHandler(h); err != nil {
			// Only reachable with an invalid literal above.
			panic(err)
		}
	}
	return k
}

// Configure applies generic settings, typically a kernel entry from the config file.
func (k *Kernel) Configure(cfg map[string]interface{}) error {
	if cfg == nil {
		return nil
	}

	var settings Settings
	if err := mapstructure.WeakDecode(cfg, &settings); err != nil {
		return fmt.Errorf("failed to decode value kernel config: %w", err)
	}

	k.mu.Lock()
	defer k.mu.Unlock()
	if settings.MimeType != "" {
		k.mimeType = settings.MimeType
	}
	for name, v := range settings.Values {
		k.values[name] = protocol.FormattedValue{MimeType: k.mimeType, Value: v}
	}
	logger.Debug(logger.WithComponentName(context.Background(), "kernel."+k.Name()), "Value kernel configured",
		zap.String("mime_type", k.mimeType),
		zap.Int("values", len(settings.Values)))
	return nil
}

// TryGetValue returns the value stored under name.
func (k *Kernel) TryGetValue(name string) (protocol.FormattedValue, bool) {
	k.mu.RLock()
	defer k.mu.RUnlock()
	v, ok := k.values[name]
	return v, ok
}

// ValueInfos describes the stored values, sorted by name.
func (k *Kernel) ValueInfos() []protocol.ValueInfo {
	k.mu.RLock()
	defer k.mu.RUnlock()
	infos := make([]protocol.ValueInfo, 0, len(k.values))
	for name, v := range k.values {
		infos = append(infos, protocol.ValueInfo{
			Name:           name,
			TypeName:       "string",
			PreferredMimes: []string{v.MimeType},
		})
	}
	sort.Slice(infos, func(i, j int) bool { return infos[i].Name < infos[j].Name })
	return infos
}

func (k *Kernel) handleSendValue(_ context.Context, inv kernel.Invocation) error {
	var payload SendValue
	if err := inv.Command.Command.Decode(&payload); err != nil {
		return err
	}
	if payload.Name == "" {
		return fmt.Errorf("SendValue requires a name: %w", errs.ErrInvalidInput)
	}
	if payload.FormattedValue.MimeType == "" {
		payload.FormattedValue.MimeType = k.defaultMimeType()
	}

	k.mu.Lock()
	k.values[payload.Name] = payload.FormattedValue
	k.mu.Unlock()
	return nil
}

func (k *Kernel) handleRequestValue(_ context.Context, inv kernel.Invocation) error {
	var payload RequestValue
	if err := inv.Command.Command.Decode(&payload); err != nil {
		return err
	}
	v, ok := k.TryGetValue(payload.Name)
	if !ok {
		return errs.New(fmt.Sprintf("Value '%s' not found in kernel %s", payload.Name, k.Name()))
	}
	if payload.MimeType != "" && payload.MimeType != v.MimeType {
		return errs.New(fmt.Sprintf("Value '%s' is not available as %s in kernel %s", payload.Name, payload.MimeType, k.Name()))
	}
	inv.Context.Publish(protocol.NewEvent(protocol.ValueProduced{Name: payload.Name, FormattedValue: v}, inv.Command))
	return nil
}

func (k *Kernel) handleRequestValueInfos(_ context.Context, inv kernel.Invocation) error {
	inv.Context.Publish(protocol.NewEvent(protocol.ValueInfosProduced{ValueInfos: k.ValueInfos()}, inv.Command))
	return nil
}

func (k *Kernel) defaultMimeType() string {
	k.mu.RLock()
	defer k.mu.RUnlock()
	return k.mimeType
}
