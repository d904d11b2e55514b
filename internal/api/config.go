// Package api is the HTTP surface of Emberwatch: frame ingestion, the voice
// call webhooks, the inbound mail webhook, health and metrics.
package api

import (
	"fmt"
	"time"

	"github.com/emberwatch/emberwatch/internal/conf"
)

// Default constants for the HTTP server.
const (
	DefaultListen          = ":8000"
	DefaultReadTimeout     = 30 * time.Second
	DefaultWriteTimeout    = 2 * time.Minute
	DefaultIdleTimeout     = 120 * time.Second
	DefaultShutdownTimeout = 10 * time.Second
	DefaultBodyLimit       = "20M"
)

// Config holds the HTTP server configuration.
type Config struct {
	Listen         string
	PublicURL      string
	AllowedOrigins []string
	BodyLimit      string

	ReadTimeout     time.Duration
	WriteTimeout    time.Duration
	IdleTimeout     time.Duration
	ShutdownTimeout time.Duration

	// ValidateSignature enables Twilio signature checks on /voice routes.
	ValidateSignature bool
	VoiceAuthToken    string
}

// DefaultConfig returns a Config with sensible defaults.
func DefaultConfig() *Config {
	return &Config{
		Listen:          DefaultListen,
		AllowedOrigins:  []string{"*"},
		BodyLimit:       DefaultBodyLimit,
		ReadTimeout:     DefaultReadTimeout,
		WriteTimeout:    DefaultWriteTimeout,
		IdleTimeout:     DefaultIdleTimeout,
		ShutdownTimeout: DefaultShutdownTimeout,
	}
}

// ConfigFromSettings maps application settings onto a Config.
func ConfigFromSettings(settings *conf.Settings) *Config {
	cfg := DefaultConfig()
	if settings.Server.Listen != "" {
		cfg.Listen = settings.Server.Listen
	}
	cfg.PublicURL = settings.Server.PublicURL
	if len(settings.Server.CORSOrigins) > 0 {
		cfg.AllowedOrigins = settings.Server.CORSOrigins
	}
	if settings.Server.BodyLimit != "" {
		cfg.BodyLimit = settings.Server.BodyLimit
	}
	if settings.Server.ReadTimeout > 0 {
		cfg.ReadTimeout = settings.Server.ReadTimeout
	}
	cfg.ValidateSignature = settings.Voice.Enabled && settings.Voice.ValidateSignature
	cfg.VoiceAuthToken = settings.Voice.AuthToken
	return cfg
}

// Validate checks the configuration for errors.
func (c *Config) Validate() error {
	if c.Listen == "" {
		return fmt.Errorf("listen address is required")
	}
	if c.ReadTimeout <= 0 || c.WriteTimeout <= 0 {
		return fmt.Errorf("read and write timeouts must be positive")
	}
	if c.ValidateSignature {
		if c.VoiceAuthToken == "" {
			return fmt.Errorf("twilio signature validation requires an auth token")
		}
		if c.PublicURL == "" {
			return fmt.Errorf("twilio signature validation requires the public URL")
		}
	}
	return nil
}
