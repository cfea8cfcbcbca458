package session_test

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"

	"github.com/dotnet/interactive-sub006/cmd/interactive/internal/session"
	"github.com/dotnet/interactive-sub006/core/config"
	"github.com/dotnet/interactive-sub006/core/protocol"
)

func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m)
}

func newSession(t *testing.T) *session.Session {
	t.Helper()
	s, err := session.New(context.Background(), config.GenerateMinimalConfig())
	require.NoError(t, err)
	t.Cleanup(func() { _ = s.Close() })
	return s
}

func TestSessionExposesRemoteKernelsThroughProxies(t *testing.T) {
	s := newSession(t)

	infos, err := s.KernelInfos(context.Background())
	require.NoError(t, err)

	byName := map[string]protocol.KernelInfo{}
	for _, info := range infos {
		byName[info.LocalName] = info
	}
	require.Contains(t, byName, "root")
	require.Contains(t, byName, "value")
	require.Contains(t, byName, "remote-value")

	remote := byName["remote-value"]
	assert.True(t, remote.IsProxy)
	assert.Equal(t, "kernel://local/remote-value", remote.URI)
	assert.Equal(t, "kernel://remote/remote-value", remote.RemoteURI)
	assert.True(t, remote.Supports(protocol.RequestValue))
	assert.Equal(t, "kernel://local/value", byName["value"].URI)
}

func TestServeRunsCommandsLineByLine(t *testing.T) {
	s := newSession(t)
	input := strings.Join([]string{
		`{"commandType":"SendValue","command":{"targetKernelName":"rv","name":"x","formattedValue":{"mimeType":"text/plain","value":"42"}}}`,
		`not json`,
		``,
		`{"commandType":"RequestValue","command":{"targetKernelName":"rv","name":"x"}}`,
		`{"commandType":"RequestValue","command":{"name":"x"}}`,
	}, "\n")

	var out bytes.Buffer
	require.NoError(t, s.Serve(context.Background(), strings.NewReader(input), &out))

	var events []protocol.EventEnvelope
	scanner := bufio.NewScanner(&out)
	for scanner.Scan() {
		var ev protocol.EventEnvelope
		require.NoError(t, json.Unmarshal(scanner.Bytes(), &ev))
		if ev.Command != nil {
			events = append(events, ev)
		}
	}

	var types []protocol.EventType
	for _, ev := range events {
		types = append(types, ev.EventType)
	}
	assert.Equal(t, []protocol.EventType{
		protocol.CommandSucceededType,
		protocol.ValueProducedType,
		protocol.CommandSucceededType,
		protocol.CommandFailedType,
	}, types)

	produced := events[1].Event.(protocol.ValueProduced)
	assert.Equal(t, "42", produced.FormattedValue.Value)
	// The default kernel is local and never saw x.
	assert.Equal(t, "Value 'x' not found in kernel value", events[3].Event.(protocol.CommandFailed).Message)
}

func TestServeStopsWhenCancelled(t *testing.T) {
	s := newSession(t)
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	err := s.Serve(ctx, strings.NewReader(`{"commandType":"RequestKernelInfo","command":{}}`), &bytes.Buffer{})
	assert.ErrorIs(t, err, context.Canceled)
}

func TestNewRejectsBadHostURI(t *testing.T) {
	cfg := config.GenerateMinimalConfig()
	cfg.Host.RemoteURI = "nope"
	_, err := session.New(context.Background(), cfg)
	assert.Error(t, err)
}
