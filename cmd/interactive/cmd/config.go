package cmd

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/dotnet/interactive-sub006/core/config"
)

func init() {
	rootCmd.AddCommand(configCmd)
	configCmd.AddCommand(configValidateCmd)
	configCmd.AddCommand(configGenerateCmd)

	configGenerateCmd.Flags().Bool("minimal", false, "Create minimal config with one local and one remote kernel")
	configGenerateCmd.Flags().StringP("output", "o", "config.yaml", "File to write")
}

var configCmd = &cobra.Command{
	Use:   "config",
	Short: "Manage configuration",
}

var configValidateCmd = &cobra.Command{
	Use:   "validate",
	Short: "Validate the configuration file",
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := config.Load(configDirs...)
		if err != nil {
			return fmt.Errorf("configuration validation failed: %w", err)
		}
		source := cfg.File()
		if source == "" {
			source = "defaults"
		}
		fmt.Fprintf(cmd.OutOrStdout(), "Configuration is valid (%s, %d kernels).\n", source, len(cfg.Kernels))
		return nil
	},
}

var configGenerateCmd = &cobra.Command{
	Use:   "generate",
	Short: "Generate configuration files",
	Long: `Generate configuration files:

interactive config generate --minimal            Create minimal config with essential settings
interactive config generate --minimal -o x.yaml  Write it somewhere else`,
	RunE: func(cmd *cobra.Command, args []string) error {
		minimal, _ := cmd.Flags().GetBool("minimal")
		output, _ := cmd.Flags().GetString("output")
		if !minimal {
			return fmt.Errorf("specify --minimal")
		}

		if err := config.SaveGeneratedConfig(config.GenerateMinimalConfig(), output); err != nil {
			return fmt.Errorf("failed to save minimal config: %w", err)
		}
		fmt.Fprintf(cmd.OutOrStdout(), "Minimal configuration written to %s.\n", output)
		return nil
	},
}
