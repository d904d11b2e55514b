// Package config prints the effective configuration.
package config

import (
	"fmt"

	"github.com/spf13/cobra"
	"gopkg.in/yaml.v3"

	"github.com/emberwatch/emberwatch/internal/conf"
)

// Command returns the config command group.
func Command(settings *conf.Settings) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "config",
		Short: "Inspect the effective configuration",
	}
	cmd.AddCommand(showCommand(settings))
	return cmd
}

func showCommand(settings *conf.Settings) *cobra.Command {
	var reveal bool
	cmd := &cobra.Command{
		Use:   "show",
		Short: "Print settings after defaults, config file and environment are merged",
		RunE: func(cmd *cobra.Command, args []string) error {
			s := settings
			if !reveal {
				s = settings.Redacted()
			}
			enc := yaml.NewEncoder(cmd.OutOrStdout())
			enc.SetIndent(2)
			if err := enc.Encode(s); err != nil {
				return fmt.Errorf("failed to encode settings: %w", err)
			}
			return enc.Close()
		},
	}
	cmd.Flags().BoolVar(&reveal, "reveal-secrets", false, "Print credentials in clear text")
	return cmd
}
