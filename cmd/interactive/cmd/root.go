package cmd

import (
	"context"
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/dotnet/interactive-sub006/core/config"
	"github.com/dotnet/interactive-sub006/core/logger"
)

var (
	version    = "0.1.0"
	configDirs []string
)

// rootCmd is the base command for the interactive CLI.
var rootCmd = &cobra.Command{
	Use:           "interactive",
	Short:         "Kernel host for interactive command routing",
	Long:          "Runs a composite kernel host, routes commands to local and proxied kernels, and streams their events.",
	Version:       version,
	SilenceUsage:  true,
	SilenceErrors: true,
	RunE: func(cmd *cobra.Command, args []string) error {
		return cmd.Help()
	},
}

func init() {
	rootCmd.PersistentFlags().StringSliceVar(&configDirs, "config-dir", nil,
		"directories searched for config.yaml (default ., ./configs, /etc/interactive)")
}

// Execute runs the root command with ctx, exiting non-zero on error.
func Execute(ctx context.Context) {
	rootCmd.SetContext(ctx)
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

// loadConfig loads the configuration and applies its log level.
func loadConfig() (*config.Config, error) {
	cfg, err := config.Load(configDirs...)
	if err != nil {
		return nil, err
	}
	if err := logger.SetLevel(cfg.Logging.Level); err != nil {
		return nil, fmt.Errorf("invalid logging.level: %w", err)
	}
	return cfg, nil
}
