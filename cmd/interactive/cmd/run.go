package cmd

import (
	"context"
	"errors"
	"net/http"
	"time"

	"github.com/spf13/cobra"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/dotnet/interactive-sub006/cmd/interactive/internal/session"
	"github.com/dotnet/interactive-sub006/core/config"
	"github.com/dotnet/interactive-sub006/core/logger"
	"github.com/dotnet/interactive-sub006/core/metrics"
)

func init() {
	rootCmd.AddCommand(runCmd)
}

var runCmd = &cobra.Command{
	Use:   "run",
	Short: "Read command envelopes from stdin and write event envelopes to stdout",
	Long: `Reads one JSON command envelope per line from stdin, routes it through the
local composite kernel and writes every resulting event envelope as a JSON line
to stdout. Kernels marked remote in the configuration live on a second host and
are reached through proxies.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx := logger.WithComponentName(cmd.Context(), "run")

		cfg, err := loadConfig()
		if err != nil {
			return err
		}
		s, err := session.New(ctx, cfg)
		if err != nil {
			return err
		}
		defer s.Close()

		addr := cfg.Metrics.Address
		cfg.AddConfigChangeHook(func(c *config.Config) {
			level := c.LogLevel()
			if err := logger.SetLevel(level); err != nil {
				logger.Warn(ctx, "Ignoring invalid log level", zap.String("level", level), zap.Error(err))
			}
		})
		cfg.Watch()

		ctx, cancel := context.WithCancel(ctx)
		defer cancel()
		g, ctx := errgroup.WithContext(ctx)

		if addr != "" {
			srv := &http.Server{Addr: addr, Handler: metrics.Handler(), ReadHeaderTimeout: 5 * time.Second}
			g.Go(func() error {
				logger.Info(ctx, "Serving metrics", zap.String("address", addr))
				if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
					return err
				}
				return nil
			})
			g.Go(func() error {
				<-ctx.Done()
				shutdownCtx, stop := context.WithTimeout(context.Background(), 5*time.Second)
				defer stop()
				return srv.Shutdown(shutdownCtx)
			})
		}

		g.Go(func() error {
			// End of input ends the run.
			defer cancel()
			return s.Serve(ctx, cmd.InOrStdin(), cmd.OutOrStdout())
		})

		err = g.Wait()
		if errors.Is(err, context.Canceled) {
			err = nil
		}
		logger.Info(ctx, "Run finished")
		return err
	},
}
