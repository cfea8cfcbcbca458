package main

import (
	"context"
	"os"
	"os/signal"
	"syscall"

	"go.uber.org/zap"

	"github.com/dotnet/interactive-sub006/cmd/interactive/cmd"
	"github.com/dotnet/interactive-sub006/core/logger"
)

func main() {
	ctx := logger.WithComponentName(context.Background(), "main")

	// Sync fails on some terminals during shutdown; there is nowhere left to report it.
	defer func() { _ = logger.Logger.Sync() }()

	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

	go func() {
		sig := <-sigCh
		logger.Info(ctx, "Received signal, initiating graceful shutdown", zap.String("signal", sig.String()))
		cancel()
	}()

	cmd.Execute(ctx)
}
