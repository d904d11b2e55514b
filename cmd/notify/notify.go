// Package notify sends a test alert email through the configured provider.
package notify

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/spf13/cobra"

	"github.com/emberwatch/emberwatch/internal/conf"
	"github.com/emberwatch/emberwatch/internal/httpclient"
	"github.com/emberwatch/emberwatch/internal/logger"
	"github.com/emberwatch/emberwatch/internal/mail"
)

// Command returns a cobra command that sends one alert email, bypassing the
// notification ledger.
func Command(settings *conf.Settings) *cobra.Command {
	var (
		to       string
		subject  string
		frame    int64
		imageURL string
		status   bool
		timeout  time.Duration
	)

	cmd := &cobra.Command{
		Use:   "notify",
		Short: "Send a test alert or status email",
		Long: `Send a test email through the configured email provider.

Examples:
  # Alert email for subject cam-1, frame 120
  emberwatch notify --to=owner@example.com --subject=cam-1 --frame=120

  # Status report email
  emberwatch notify --to=owner@example.com --status`,
		RunE: func(cmd *cobra.Command, args []string) error {
			if strings.TrimSpace(to) == "" {
				return fmt.Errorf("--to is required")
			}

			central, err := logger.NewCentralLogger(settings.Log.LoggerConfig(settings.Debug))
			if err != nil {
				return fmt.Errorf("failed to initialize logging: %w", err)
			}
			defer func() { _ = central.Close() }()
			log := central.Module("notify")

			client := httpclient.New(nil)
			defer client.Close()

			sender, err := mail.NewSender(&settings.Email, client, log)
			if err != nil {
				return err
			}
			if sender == nil {
				return fmt.Errorf("email provider is not configured (email.provider=%q)", settings.Email.Provider)
			}
			mailer, err := mail.NewMailer(sender, log)
			if err != nil {
				return err
			}

			ctx, cancel := context.WithTimeout(cmd.Context(), timeout)
			defer cancel()

			if status {
				err = mailer.SendStatus(ctx, to, "This is a test status report.", imageURL)
			} else {
				err = mailer.SendAlert(ctx, to, mail.AlertData{
					SubjectID:   subject,
					FrameNumber: frame,
					DetectedAt:  time.Now(),
					ImageURL:    imageURL,
				})
			}
			if err != nil {
				return err
			}

			fmt.Fprintf(cmd.OutOrStdout(), "Test email sent to %s via %s\n", to, mailer.Provider())
			return nil
		},
	}

	cmd.Flags().StringVar(&to, "to", "", "Recipient address")
	cmd.Flags().StringVar(&subject, "subject", "test-subject", "Subject id shown in the alert")
	cmd.Flags().Int64Var(&frame, "frame", 0, "Frame number shown in the alert")
	cmd.Flags().StringVar(&imageURL, "image-url", "", "Image link included in the email")
	cmd.Flags().BoolVar(&status, "status", false, "Send a status report instead of an alert")
	cmd.Flags().DurationVar(&timeout, "timeout", 30*time.Second, "Send timeout")

	return cmd
}
