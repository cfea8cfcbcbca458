package cmd

import (
	"encoding/json"
	"fmt"

	"github.com/spf13/cobra"

	"github.com/dotnet/interactive-sub006/cmd/interactive/internal/session"
	"github.com/dotnet/interactive-sub006/core/logger"
)

func init() {
	rootCmd.AddCommand(kernelsCmd)
	kernelsCmd.Flags().Bool("json", false, "Print each KernelInfo as a JSON line")
}

var kernelsCmd = &cobra.Command{
	Use:   "kernels",
	Short: "List the configured kernels as the host reports them",
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx := logger.WithComponentName(cmd.Context(), "kernels")
		asJSON, _ := cmd.Flags().GetBool("json")

		cfg, err := loadConfig()
		if err != nil {
			return err
		}
		s, err := session.New(ctx, cfg)
		if err != nil {
			return err
		}
		defer s.Close()

		infos, err := s.KernelInfos(ctx)
		if err != nil {
			return fmt.Errorf("request kernel info: %w", err)
		}

		out := cmd.OutOrStdout()
		if asJSON {
			enc := json.NewEncoder(out)
			for _, info := range infos {
				if err := enc.Encode(info); err != nil {
					return err
				}
			}
			return nil
		}
		for _, info := range infos {
			kind := "local"
			switch {
			case info.IsComposite:
				kind = "composite"
			case info.IsProxy:
				kind = "proxy -> " + info.RemoteURI
			}
			fmt.Fprintf(out, "%-16s %-32s %s", info.LocalName, info.URI, kind)
			if len(info.Aliases) > 0 {
				fmt.Fprintf(out, " aliases=%v", info.Aliases)
			}
			if info.LanguageName != "" {
				fmt.Fprintf(out, " language=%s %s", info.LanguageName, info.LanguageVersion)
			}
			fmt.Fprintln(out)
		}
		return nil
	},
}
