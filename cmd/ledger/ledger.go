// Package ledger holds the operator commands for the notification ledger.
package ledger

import (
	"context"
	"fmt"
	"time"

	"github.com/spf13/cobra"

	"github.com/emberwatch/emberwatch/internal/conf"
	"github.com/emberwatch/emberwatch/internal/ledger"
	"github.com/emberwatch/emberwatch/internal/logger"
)

// Command returns the ledger command group.
func Command(settings *conf.Settings) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "ledger",
		Short: "Inspect and maintain the notification ledger",
	}
	cmd.AddCommand(purgeCommand(settings), resetCommand(settings), lookupCommand(settings))
	return cmd
}

// withLedger opens the configured ledger for one command run. The memory
// backend lives inside the serve process, so there is nothing to act on.
func withLedger(cmd *cobra.Command, settings *conf.Settings, fn func(context.Context, *ledger.Ledger) error) error {
	if settings.Ledger.Backend == "" || settings.Ledger.Backend == "memory" {
		return fmt.Errorf("ledger.backend is %q; ledger commands need sqlite or mysql", "memory")
	}

	central, err := logger.NewCentralLogger(settings.Log.LoggerConfig(settings.Debug))
	if err != nil {
		return fmt.Errorf("failed to initialize logging: %w", err)
	}
	defer func() { _ = central.Close() }()

	store, err := ledger.OpenStore(&settings.Ledger, central.Module("cli"))
	if err != nil {
		return err
	}
	l := ledger.New(store, central.Module("cli"))
	defer func() { _ = l.Close() }()

	ctx, cancel := context.WithTimeout(cmd.Context(), time.Minute)
	defer cancel()
	return fn(ctx, l)
}

func purgeCommand(settings *conf.Settings) *cobra.Command {
	return &cobra.Command{
		Use:   "purge",
		Short: "Delete fired keys and contacts past their retention",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withLedger(cmd, settings, func(ctx context.Context, l *ledger.Ledger) error {
				n, err := l.Purge(ctx, time.Now())
				if err != nil {
					return err
				}
				fmt.Fprintf(cmd.OutOrStdout(), "Purged %d ledger entries\n", n)
				return nil
			})
		},
	}
}

func resetCommand(settings *conf.Settings) *cobra.Command {
	var (
		subject string
		frame   int64
	)
	cmd := &cobra.Command{
		Use:   "reset",
		Short: "Allow a subject bucket to alert again",
		RunE: func(cmd *cobra.Command, args []string) error {
			if subject == "" {
				return fmt.Errorf("--subject is required")
			}
			bucketSize := settings.Escalation.BucketSize
			if bucketSize <= 0 {
				bucketSize = conf.DefaultBucketSize
			}
			key := ledger.KeyFor(subject, frame, bucketSize)
			return withLedger(cmd, settings, func(ctx context.Context, l *ledger.Ledger) error {
				if err := l.Reset(ctx, key); err != nil {
					return err
				}
				fmt.Fprintf(cmd.OutOrStdout(), "Reset %s\n", key)
				return nil
			})
		},
	}
	cmd.Flags().StringVar(&subject, "subject", "", "Subject id")
	cmd.Flags().Int64Var(&frame, "frame", 0, "Any frame number inside the bucket")
	return cmd
}

func lookupCommand(settings *conf.Settings) *cobra.Command {
	return &cobra.Command{
		Use:   "lookup <email>",
		Short: "Show the subject most recently alerted to an address",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withLedger(cmd, settings, func(ctx context.Context, l *ledger.Ledger) error {
				subject, err := l.ResolveSubject(ctx, args[0])
				if err != nil {
					return err
				}
				fmt.Fprintln(cmd.OutOrStdout(), subject)
				return nil
			})
		},
	}
}
