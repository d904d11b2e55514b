package conf

import (
	"fmt"
	"net/url"
	"slices"
	"strings"
	"time"

	"github.com/robfig/cron/v3"

	"github.com/emberwatch/emberwatch/internal/errors"
)

// ValidationError aggregates every problem found in a Settings value.
type ValidationError struct {
	Errors []string
}

func (ve ValidationError) Error() string {
	return fmt.Sprintf("validation errors: %s", strings.Join(ve.Errors, "; "))
}

// ValidateSettings validates the entire Settings struct
func ValidateSettings(s *Settings) error {
	ve := ValidationError{}

	validators := []func(*Settings) []string{
		validateServer,
		validateStorage,
		validateEmail,
		validateLLM,
		validateVoice,
		validateClassifier,
		validateEscalation,
		validateLedger,
		validatePublish,
	}
	for _, validate := range validators {
		ve.Errors = append(ve.Errors, validate(s)...)
	}

	if len(ve.Errors) > 0 {
		return errors.New(ve).
			Component("conf").
			Category(errors.CategoryConfiguration).
			Context("error_count", len(ve.Errors)).
			Build()
	}
	return nil
}

func validateServer(s *Settings) []string {
	var errs []string
	if s.Server.Listen == "" {
		errs = append(errs, "server.listen must be set")
	}
	if u, err := url.Parse(s.Server.PublicURL); err != nil || u.Scheme == "" || u.Host == "" {
		errs = append(errs, "server.publicurl must be an absolute URL")
	}
	return errs
}

func validateStorage(s *Settings) []string {
	var errs []string
	st := &s.Storage
	switch st.Backend {
	case "local":
		if st.Local.Path == "" {
			errs = append(errs, "storage.local.path must be set")
		}
	case "supabase":
		if st.Supabase.URL == "" || st.Supabase.Key == "" {
			errs = append(errs, "storage.supabase.url and storage.supabase.key are required")
		}
		if st.Bucket == "" {
			errs = append(errs, "storage.bucket must be set")
		}
	case "sftp":
		errs = append(errs, validateRemoteTarget("storage.sftp", &st.SFTP)...)
		if st.SFTP.Password == "" && st.SFTP.KeyFile == "" {
			errs = append(errs, "storage.sftp requires a password or keyfile")
		}
	case "ftp":
		errs = append(errs, validateRemoteTarget("storage.ftp", &st.FTP)...)
	default:
		errs = append(errs, fmt.Sprintf("storage.backend %q is not one of local, supabase, sftp, ftp", st.Backend))
	}
	return errs
}

func validateRemoteTarget(prefix string, t *RemoteFileTarget) []string {
	var errs []string
	if t.Host == "" {
		errs = append(errs, prefix+".host must be set")
	}
	if t.Port < 1 || t.Port > 65535 {
		errs = append(errs, prefix+".port must be between 1 and 65535")
	}
	if t.PublicURL == "" {
		errs = append(errs, prefix+".publicurl must be set so alert emails can link the image")
	}
	return errs
}

func validateEmail(s *Settings) []string {
	var errs []string
	e := &s.Email
	switch e.Provider {
	case "none":
	case "mailjet":
		if e.Mailjet.APIKey == "" || e.Mailjet.SecretKey == "" {
			errs = append(errs, "email.mailjet.apikey and email.mailjet.secretkey are required")
		}
	case "smtp":
		if e.SMTP.URL == "" {
			errs = append(errs, "email.smtp.url is required")
		}
	default:
		errs = append(errs, fmt.Sprintf("email.provider %q is not one of mailjet, smtp, none", e.Provider))
	}
	if e.Provider != "none" && e.From == "" {
		errs = append(errs, "email.from is required when an email provider is configured")
	}
	if e.IMAP.Enabled {
		if e.IMAP.Host == "" || e.IMAP.Username == "" || e.IMAP.Password == "" {
			errs = append(errs, "email.imap host, username and password are required when polling is enabled")
		}
		if e.IMAP.PollInterval <= 0 {
			errs = append(errs, "email.imap.pollinterval must be positive")
		}
	}
	return errs
}

func validateLLM(s *Settings) []string {
	if !slices.Contains([]string{"gemini", "openai", "anthropic", "none"}, s.LLM.Provider) {
		return []string{fmt.Sprintf("llm.provider %q is not one of gemini, openai, anthropic, none", s.LLM.Provider)}
	}
	if s.LLM.Provider != "none" && s.LLM.APIKey == "" {
		return []string{"llm.apikey is required when an llm provider is configured"}
	}
	return nil
}

func validateVoice(s *Settings) []string {
	v := &s.Voice
	if !v.Enabled {
		return nil
	}
	var errs []string
	if v.AccountSID == "" || v.AuthToken == "" {
		errs = append(errs, "voice.accountsid and voice.authtoken are required")
	}
	if err := validateEnvPhone(v.From); err != nil {
		errs = append(errs, "voice.from: "+err.Error())
	}
	if err := validateEnvPhone(v.EmergencyNumber); err != nil {
		errs = append(errs, "voice.emergencynumber: "+err.Error())
	}
	return errs
}

func validateClassifier(s *Settings) []string {
	var errs []string
	c := &s.Classifier
	switch c.Mode {
	case "stub":
		if c.StubRate < 0 || c.StubRate > 1 {
			errs = append(errs, "classifier.stubrate must be between 0 and 1")
		}
	case "remote":
		if c.Endpoint == "" {
			errs = append(errs, "classifier.endpoint is required in remote mode")
		}
	default:
		errs = append(errs, fmt.Sprintf("classifier.mode %q is not one of remote, stub", c.Mode))
	}
	if c.Threshold < 0 || c.Threshold > 1 {
		errs = append(errs, "classifier.threshold must be between 0 and 1")
	}
	return errs
}

func validateEscalation(s *Settings) []string {
	var errs []string
	e := &s.Escalation
	if e.BucketSize <= 0 {
		errs = append(errs, "escalation.bucketsize must be positive")
	}
	if e.MaxInFlight <= 0 {
		errs = append(errs, "escalation.maxinflight must be positive")
	}
	if e.CallRateLimit <= 0 {
		errs = append(errs, "escalation.callratelimit must be positive")
	}
	t := e.Timeouts
	for name, d := range map[string]time.Duration{
		"classify": t.Classify, "storage": t.Storage, "email": t.Email,
		"analysis": t.Analysis, "call": t.Call, "chat": t.Chat,
	} {
		if d <= 0 {
			errs = append(errs, fmt.Sprintf("escalation.timeouts.%s must be positive", name))
		}
	}
	if e.EventQueue.Size <= 0 || e.EventQueue.Workers <= 0 {
		errs = append(errs, "escalation.eventqueue size and workers must be positive")
	}
	slices.Sort(errs)
	return errs
}

func validateLedger(s *Settings) []string {
	var errs []string
	l := &s.Ledger
	switch l.Backend {
	case "memory":
	case "sqlite", "mysql":
		if l.DSN == "" {
			errs = append(errs, "ledger.dsn is required for the "+l.Backend+" backend")
		}
		if _, err := cron.ParseStandard(l.PurgeSchedule); err != nil {
			errs = append(errs, fmt.Sprintf("ledger.purgeschedule: %v", err))
		}
	default:
		errs = append(errs, fmt.Sprintf("ledger.backend %q is not one of memory, sqlite, mysql", l.Backend))
	}
	if l.Retention <= 0 || l.ContactRetention <= 0 {
		errs = append(errs, "ledger retention periods must be positive")
	}
	return errs
}

func validatePublish(s *Settings) []string {
	var errs []string
	if s.Publish.MQTT.Enabled && s.Publish.MQTT.Broker == "" {
		errs = append(errs, "publish.mqtt.broker is required when mqtt is enabled")
	}
	if s.Publish.NATS.Enabled && s.Publish.NATS.URL == "" {
		errs = append(errs, "publish.nats.url is required when nats is enabled")
	}
	return errs
}
