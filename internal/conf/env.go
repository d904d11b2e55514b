package conf

import (
	"fmt"
	"net/mail"
	"net/url"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// envBinding maps an unprefixed environment variable onto a config key.
type envBinding struct {
	ConfigKey string
	EnvVar    string
	Validate  func(string) error
}

// getEnvBindings lists the environment names deployments already use.
// Prefixed EMBERWATCH_* variables are handled by viper.AutomaticEnv.
func getEnvBindings() []envBinding {
	return []envBinding{
		{"server.publicurl", "PUBLIC_URL", validateEnvURL},

		{"storage.bucket", "STORAGE_BUCKET", nil},
		{"storage.supabase.url", "SUPABASE_URL", validateEnvURL},
		{"storage.supabase.key", "SUPABASE_KEY", nil},

		{"email.from", "EMAIL_FROM", validateEnvEmail},
		{"email.fromname", "EMAIL_FROM_NAME", nil},
		{"email.mailjet.apikey", "MAILJET_API_KEY", nil},
		{"email.mailjet.secretkey", "MAILJET_SECRET_KEY", nil},
		{"email.smtp.url", "SMTP_URL", validateEnvURL},
		{"email.imap.host", "EMAIL_IMAP_SERVER", nil},
		{"email.imap.port", "EMAIL_IMAP_PORT", validateEnvPort},
		{"email.imap.username", "EMAIL_USERNAME", nil},
		{"email.imap.password", "EMAIL_PASSWORD", nil},
		{"email.imap.pollinterval", "EMAIL_POLL_INTERVAL", validateEnvDuration},

		{"voice.accountsid", "TWILIO_ACCOUNT_SID", nil},
		{"voice.authtoken", "TWILIO_AUTH_TOKEN", nil},
		{"voice.from", "TWILIO_FROM_NUMBER", validateEnvPhone},
		{"voice.emergencynumber", "EMERGENCY_CONTACT_NUMBER", validateEnvPhone},

		{"classifier.endpoint", "CLASSIFIER_ENDPOINT", validateEnvURL},
		{"classifier.apikey", "CLASSIFIER_API_KEY", nil},

		{"sentry.dsn", "SENTRY_DSN", nil},
	}
}

// bindEnvVars binds every listed variable.
func bindEnvVars(v *viper.Viper) error {
	var warnings []string

	for _, b := range getEnvBindings() {
		if b.Validate != nil {
			if value := os.Getenv(b.EnvVar); value != "" {
				if err := b.Validate(value); err != nil {
					warnings = append(warnings, fmt.Sprintf("invalid %s value: %v", b.EnvVar, err))
				}
			}
		}
		if err := v.BindEnv(b.ConfigKey, b.EnvVar); err != nil {
			warnings = append(warnings, fmt.Sprintf("failed to bind %s: %v", b.ConfigKey, err))
		}
	}

	if len(warnings) > 0 {
		return fmt.Errorf("environment variable issues:\n  - %s", strings.Join(warnings, "\n  - "))
	}
	return nil
}

// llmKeyEnvVars names the vendor variable holding each provider's API key.
var llmKeyEnvVars = map[string]string{
	"gemini":    "GEMINI_API_KEY",
	"openai":    "OPENAI_API_KEY",
	"anthropic": "ANTHROPIC_API_KEY",
}

// applyLLMKeyEnv fills an unset llm.apikey from the variable of the
// configured provider only.
func applyLLMKeyEnv(s *LLMSettings) {
	if s.APIKey != "" {
		return
	}
	if name, ok := llmKeyEnvVars[strings.ToLower(strings.TrimSpace(s.Provider))]; ok {
		s.APIKey = strings.TrimSpace(os.Getenv(name))
	}
}

func validateEnvURL(value string) error {
	u, err := url.Parse(strings.TrimSpace(value))
	if err != nil {
		return err
	}
	if u.Scheme == "" || u.Host == "" {
		return fmt.Errorf("must be an absolute URL")
	}
	return nil
}

func validateEnvEmail(value string) error {
	_, err := mail.ParseAddress(strings.TrimSpace(value))
	return err
}

func validateEnvPort(value string) error {
	port, err := strconv.Atoi(strings.TrimSpace(value))
	if err != nil {
		return fmt.Errorf("must be a number")
	}
	if port < 1 || port > 65535 {
		return fmt.Errorf("must be between 1 and 65535")
	}
	return nil
}

func validateEnvDuration(value string) error {
	d, err := time.ParseDuration(strings.TrimSpace(value))
	if err != nil {
		return err
	}
	if d <= 0 {
		return fmt.Errorf("must be positive")
	}
	return nil
}

// validateEnvPhone accepts E.164 numbers.
func validateEnvPhone(value string) error {
	value = strings.TrimSpace(value)
	if !strings.HasPrefix(value, "+") || len(value) < 8 || len(value) > 16 {
		return fmt.Errorf("must be an E.164 number such as +15551234567")
	}
	if _, err := strconv.ParseUint(value[1:], 10, 64); err != nil {
		return fmt.Errorf("must contain only digits after '+'")
	}
	return nil
}
