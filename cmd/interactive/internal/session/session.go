// Package session assembles the kernels described by the configuration into a local
// host, plus a remote host reached over an in-process channel for kernels marked remote.
package session

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/dotnet/interactive-sub006/core/channel"
	"github.com/dotnet/interactive-sub006/core/config"
	"github.com/dotnet/interactive-sub006/core/host"
	"github.com/dotnet/interactive-sub006/core/kernel"
	"github.com/dotnet/interactive-sub006/core/logger"
	"github.com/dotnet/interactive-sub006/core/protocol"
	"github.com/dotnet/interactive-sub006/kernels/value"
)

const (
	localRootName  = "root"
	remoteRootName = "remote-root"
)

// Session owns both hosts and the channel between them.
type Session struct {
	Local  *host.Host
	Remote *host.Host

	localEnd  *channel.Endpoint
	remoteEnd *channel.Endpoint
	timeout   time.Duration
}

// New builds and connects a session. Kernels come from cfg, or from the minimal
// generated configuration when cfg has none.
func New(ctx context.Context, cfg *config.Config) (*Session, error) {
	ctx = logger.WithComponentName(ctx, "session")
	kernels := cfg.Kernels
	if len(kernels) == 0 {
		logger.Info(ctx, "No kernels configured, using the minimal set")
		kernels = config.GenerateMinimalConfig().Kernels
	}
	known := &config.Config{Kernels: kernels}

	s := &Session{timeout: time.Duration(cfg.Timeouts.Command) * time.Second}
	s.localEnd, s.remoteEnd = channel.NewPair("local", "remote")

	localRoot := kernel.NewComposite(localRootName)
	remoteRoot := kernel.NewComposite(remoteRootName)
	var remotes []protocol.KernelInfo

	for _, name := range known.KernelNames() {
		settings, err := known.KernelSettings(name)
		if err != nil {
			s.closeChannel()
			return nil, fmt.Errorf("kernel %s: %w", name, err)
		}
		k := value.New(name, kernel.WithLanguage(settings.LanguageName, settings.LanguageVersion))
		if err := k.Configure(kernels[name]); err != nil {
			s.closeChannel()
			return nil, fmt.Errorf("kernel %s: %w", name, err)
		}
		target := localRoot
		if settings.Remote {
			target = remoteRoot
			remotes = append(remotes, protocol.KernelInfo{
				LocalName:       name,
				Aliases:         settings.Aliases,
				LanguageName:    settings.LanguageName,
				LanguageVersion: settings.LanguageVersion,
			})
		}
		if err := target.Add(k.Kernel, settings.Aliases...); err != nil {
			s.closeChannel()
			return nil, err
		}
	}
	if name := known.DefaultKernel(); name != "" {
		localRoot.SetDefaultKernelName(name)
	}

	var err error
	if s.Local, err = host.New(ctx, localRoot, s.localEnd, cfg.Host.URI); err != nil {
		s.closeChannel()
		return nil, err
	}
	if s.Remote, err = host.New(ctx, remoteRoot, s.remoteEnd, cfg.Host.RemoteURI); err != nil {
		s.closeChannel()
		return nil, err
	}

	for _, info := range remotes {
		if info.URI, err = protocol.KernelURI(s.Remote.URI(), info.LocalName); err != nil {
			_ = s.Close()
			return nil, err
		}
		if _, err := s.Local.CreateProxyKernelOnDefaultConnector(info); err != nil {
			_ = s.Close()
			return nil, err
		}
	}

	if err := s.Local.Connect(); err != nil {
		_ = s.Close()
		return nil, err
	}
	if err := s.Remote.Connect(); err != nil {
		_ = s.Close()
		return nil, err
	}
	logger.Info(ctx, "Session ready",
		zap.String("local", s.Local.URI()),
		zap.String("remote", s.Remote.URI()),
		zap.Int("kernels", len(kernels)))
	return s, nil
}

// Kernel returns the local root composite.
func (s *Session) Kernel() *kernel.Composite {
	return s.Local.Kernel()
}

// Send runs one command on the local root, bounded by the configured command timeout.
func (s *Session) Send(ctx context.Context, env *protocol.CommandEnvelope) error {
	if s.timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, s.timeout)
		defer cancel()
	}
	return s.Kernel().Send(ctx, env)
}

// KernelInfos asks every local kernel, proxies included, to describe itself.
func (s *Session) KernelInfos(ctx context.Context) ([]protocol.KernelInfo, error) {
	var mu sync.Mutex
	var infos []protocol.KernelInfo
	env := protocol.NewCommand(protocol.RequestKernelInfo)
	unsubscribe := s.Kernel().SubscribeToKernelEvents(func(ev *protocol.EventEnvelope) {
		produced, ok := ev.Event.(protocol.KernelInfoProduced)
		if !ok || ev.Command == nil {
			return
		}
		mu.Lock()
		defer mu.Unlock()
		infos = append(infos, produced.KernelInfo)
	})
	defer unsubscribe()

	if err := s.Send(ctx, env); err != nil {
		return nil, err
	}
	mu.Lock()
	defer mu.Unlock()
	return infos, nil
}

// Serve reads one JSON command envelope per line from r and writes every event the
// local root publishes to w, one JSON envelope per line. It returns when r is exhausted
// or ctx is cancelled.
func (s *Session) Serve(ctx context.Context, r io.Reader, w io.Writer) error {
	ctx = logger.WithComponentName(ctx, "session")
	var mu sync.Mutex
	enc := json.NewEncoder(w)
	unsubscribe := s.Kernel().SubscribeToKernelEvents(func(ev *protocol.EventEnvelope) {
		mu.Lock()
		defer mu.Unlock()
		if err := enc.Encode(ev); err != nil {
			logger.Error(ctx, "Failed to write event", zap.Stringer("event", ev), zap.Error(err))
		}
	})
	defer unsubscribe()

	scanner := bufio.NewScanner(r)
	scanner.Buffer(make([]byte, 0, 64*1024), 4*1024*1024)
	for scanner.Scan() {
		if err := ctx.Err(); err != nil {
			return err
		}
		line := bytes.TrimSpace(scanner.Bytes())
		if len(line) == 0 {
			continue
		}
		var env protocol.CommandEnvelope
		if err := json.Unmarshal(line, &env); err != nil {
			logger.Warn(ctx, "Skipping malformed command", zap.Error(err))
			continue
		}
		if err := s.Send(ctx, &env); err != nil {
			// The failure has already been reported as a CommandFailed event.
			logger.Debug(ctx, "Command failed", zap.Stringer("command", &env), zap.Error(err))
		}
	}
	if err := scanner.Err(); err != nil {
		return fmt.Errorf("read commands: %w", err)
	}
	return nil
}

// Close disconnects both hosts and stops the channel.
func (s *Session) Close() error {
	if s.Local != nil {
		_ = s.Local.Close()
	}
	if s.Remote != nil {
		_ = s.Remote.Close()
	}
	return s.closeChannel()
}

func (s *Session) closeChannel() error {
	return s.localEnd.Close()
}
