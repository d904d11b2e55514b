// Package serve runs the HTTP API together with the background workers.
package serve

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/getsentry/sentry-go"
	"github.com/spf13/cobra"

	"github.com/emberwatch/emberwatch/internal/api"
	"github.com/emberwatch/emberwatch/internal/buildinfo"
	"github.com/emberwatch/emberwatch/internal/conf"
	"github.com/emberwatch/emberwatch/internal/errors"
	"github.com/emberwatch/emberwatch/internal/logger"
)

// Command returns the serve command.
func Command(settings *conf.Settings, build *buildinfo.Context) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Run the detection API, voice webhooks and reply poller",
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()
			return run(ctx, settings, build)
		},
	}

	cmd.Flags().String("server.listen", ":8000", "HTTP listen address")
	cmd.Flags().String("server.publicurl", "", "Externally reachable base URL")
	cmd.Flags().String("ledger.backend", "memory", "Ledger backend: memory, sqlite or mysql")

	return cmd
}

func run(ctx context.Context, settings *conf.Settings, build *buildinfo.Context) error {
	central, err := logger.NewCentralLogger(settings.Log.LoggerConfig(settings.Debug))
	if err != nil {
		return fmt.Errorf("failed to initialize logging: %w", err)
	}
	defer func() { _ = central.Close() }()
	log := central.Module("emberwatch")

	if settings.Sentry.DSN != "" {
		if err := sentry.Init(sentry.ClientOptions{
			Dsn:         settings.Sentry.DSN,
			Environment: settings.Sentry.Environment,
			Release:     build.GetVersion(),
		}); err != nil {
			log.Warn("sentry disabled", logger.Error(err))
		} else {
			errors.SetTelemetryReporter(errors.NewSentryReporter(true))
			defer sentry.Flush(2 * time.Second)
		}
	}

	a, err := assemble(ctx, settings, log)
	if err != nil {
		return err
	}
	defer a.close()

	server, err := api.New(settings, log, a.serverOptions(build)...)
	if err != nil {
		return err
	}

	a.start(ctx)
	server.Start()
	log.Info("emberwatch started",
		logger.String("version", build.GetVersion()),
		logger.String("listen", settings.Server.Listen),
		logger.String("storage", a.store.Name()),
		logger.String("ledger", settings.Ledger.Backend))

	<-ctx.Done()
	log.Info("shutting down")

	if err := server.Shutdown(); err != nil {
		return err
	}
	return nil
}
