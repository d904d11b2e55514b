package cmd

import (
	"fmt"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/emberwatch/emberwatch/cmd/config"
	"github.com/emberwatch/emberwatch/cmd/ledger"
	"github.com/emberwatch/emberwatch/cmd/notify"
	"github.com/emberwatch/emberwatch/cmd/serve"
	"github.com/emberwatch/emberwatch/internal/buildinfo"
	"github.com/emberwatch/emberwatch/internal/conf"
)

// RootCommand creates and returns the root command. Settings are loaded once
// in PersistentPreRunE and shared with every subcommand through the settings
// pointer.
func RootCommand(build *buildinfo.Context) *cobra.Command {
	settings := &conf.Settings{}
	var configFile string

	rootCmd := &cobra.Command{
		Use:           "emberwatch",
		Short:         "Fire detection escalation service",
		Version:       build.GetVersion(),
		SilenceUsage:  true,
		SilenceErrors: true,
	}

	rootCmd.PersistentFlags().StringVarP(&configFile, "config", "c", "", "Path to a YAML config file")
	rootCmd.PersistentFlags().BoolP("debug", "d", false, "Enable debug output")

	rootCmd.AddCommand(
		serve.Command(settings, build),
		notify.Command(settings),
		ledger.Command(settings),
		config.Command(settings),
		versionCommand(build),
	)

	rootCmd.PersistentPreRunE = func(cmd *cobra.Command, args []string) error {
		if cmd.Name() == "version" {
			return nil
		}

		v, err := conf.NewViper()
		if err != nil {
			return err
		}
		// Flags take precedence over the environment and the config file.
		if err := bindFlags(v, cmd); err != nil {
			return err
		}

		loaded, err := conf.Load(v, configFile)
		if err != nil {
			return err
		}
		*settings = *loaded
		return nil
	}

	return rootCmd
}

// bindFlags binds the persistent flags and the running command's own flags.
// Flag names with dots address nested settings, e.g. --server.listen.
func bindFlags(v *viper.Viper, cmd *cobra.Command) error {
	if err := v.BindPFlags(cmd.Root().PersistentFlags()); err != nil {
		return fmt.Errorf("error binding flags: %w", err)
	}
	if err := v.BindPFlags(cmd.LocalFlags()); err != nil {
		return fmt.Errorf("error binding flags: %w", err)
	}
	return nil
}

func versionCommand(build *buildinfo.Context) *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print version information",
		Run: func(cmd *cobra.Command, args []string) {
			fmt.Fprintln(cmd.OutOrStdout(), build.String())
		},
	}
}
