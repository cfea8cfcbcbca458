package logger

import (
	"context"
	"testing"

	"go.uber.org/zap"
	"go.uber.org/zap/zaptest/observer"
)

func TestComponentNameIsAttached(t *testing.T) {
	core, logs := observer.New(zap.DebugLevel)
	prev := Logger
	SetLogger(zap.New(core))
	defer SetLogger(prev)

	ctx := WithComponentName(context.Background(), "host")
	Info(ctx, "connected", zap.String("uri", "kernel://local"))
	Debug(context.Background(), "no component")

	entries := logs.All()
	if len(entries) != 2 {
		t.Fatalf("expected 2 entries, got %d", len(entries))
	}
	if got := entries[0].ContextMap()["component"]; got != "host" {
		t.Fatalf("expected component=host, got %v", got)
	}
	if _, ok := entries[1].ContextMap()["component"]; ok {
		t.Fatal("did not expect component field")
	}
}

func TestSetLevel(t *testing.T) {
	if err := SetLevel("debug"); err != nil {
		t.Fatalf("set level: %v", err)
	}
	defer SetLevel("info")
	if err := SetLevel("loud"); err == nil {
		t.Fatal("expected error for unknown level")
	}
}
