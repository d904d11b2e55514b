package conf

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
)

const (
	// secretFilePrefix marks a credential read from a mounted secret file,
	// e.g. "file:/run/secrets/twilio_token".
	secretFilePrefix = "file:"

	maxSecretFileSize = 64 * 1024
)

// credentials lists every settings field that may hold a secret reference.
func (s *Settings) credentials() map[string]*string {
	return map[string]*string{
		"storage.supabase.key":    &s.Storage.Supabase.Key,
		"storage.sftp.password":   &s.Storage.SFTP.Password,
		"storage.ftp.password":    &s.Storage.FTP.Password,
		"email.mailjet.apikey":    &s.Email.Mailjet.APIKey,
		"email.mailjet.secretkey": &s.Email.Mailjet.SecretKey,
		"email.smtp.url":          &s.Email.SMTP.URL,
		"email.imap.password":     &s.Email.IMAP.Password,
		"llm.apikey":              &s.LLM.APIKey,
		"voice.authtoken":         &s.Voice.AuthToken,
		"classifier.apikey":       &s.Classifier.APIKey,
		"ledger.dsn":              &s.Ledger.DSN,
		"publish.mqtt.password":   &s.Publish.MQTT.Password,
		"sentry.dsn":              &s.Sentry.DSN,
	}
}

// resolveSecrets replaces file: references and ${VAR} expansions in
// credential fields with their values.
func resolveSecrets(s *Settings) error {
	for key, field := range s.credentials() {
		v, err := resolveSecret(*field)
		if err != nil {
			return fmt.Errorf("%s: %w", key, err)
		}
		*field = v
	}
	return nil
}

func resolveSecret(value string) (string, error) {
	if path, ok := strings.CutPrefix(value, secretFilePrefix); ok {
		return readSecretFile(path)
	}
	if !strings.Contains(value, "${") {
		return value, nil
	}
	return expandString(value)
}

// expandString expands ${VAR} and ${VAR:-default}. A variable without a
// default must be set.
func expandString(s string) (string, error) {
	var missing []string
	expanded := os.Expand(s, func(key string) string {
		name, def, hasDefault := strings.Cut(key, ":-")
		if v := os.Getenv(name); v != "" {
			return v
		}
		if !hasDefault {
			missing = append(missing, name)
		}
		return def
	})
	if len(missing) > 0 {
		return "", fmt.Errorf("missing required environment variable(s): %s", strings.Join(missing, ", "))
	}
	return expanded, nil
}

// readSecretFile reads a Docker or Kubernetes secret file. Trailing newlines
// are dropped.
func readSecretFile(path string) (string, error) {
	if path == "" {
		return "", fmt.Errorf("secret file path is empty")
	}
	clean := filepath.Clean(path)

	info, err := os.Stat(clean)
	if err != nil {
		return "", fmt.Errorf("failed to stat secret file %s: %w", clean, err)
	}
	if !info.Mode().IsRegular() {
		return "", fmt.Errorf("secret path is not a regular file: %s", clean)
	}
	if info.Size() > maxSecretFileSize {
		return "", fmt.Errorf("secret file too large (max %d bytes): %s", maxSecretFileSize, clean)
	}

	data, err := os.ReadFile(clean)
	if err != nil {
		return "", fmt.Errorf("failed to read secret file %s: %w", clean, err)
	}
	secret := strings.TrimRight(string(data), "\r\n")
	if secret == "" {
		return "", fmt.Errorf("secret file is empty: %s", clean)
	}
	return secret, nil
}

// Redacted returns a copy of s with every non-empty credential masked.
func (s *Settings) Redacted() *Settings {
	c := *s
	for _, field := range c.credentials() {
		if *field != "" {
			*field = "[REDACTED]"
		}
	}
	return &c
}
