package api

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/labstack/echo/v4"
	echomw "github.com/labstack/echo/v4/middleware"

	mw "github.com/emberwatch/emberwatch/internal/api/middleware"
	"github.com/emberwatch/emberwatch/internal/conf"
	"github.com/emberwatch/emberwatch/internal/conversation"
	"github.com/emberwatch/emberwatch/internal/escalation"
	"github.com/emberwatch/emberwatch/internal/logger"
	"github.com/emberwatch/emberwatch/internal/mail"
	"github.com/emberwatch/emberwatch/internal/observability"
	"github.com/emberwatch/emberwatch/internal/voice"
)

// Escalator classifies and escalates frames.
type Escalator interface {
	Classify(ctx context.Context, image []byte) (isFire bool, confidence *float64)
	HandleDetection(ctx context.Context, ev escalation.DetectionEvent) (escalation.Result, error)
}

// Dialogue drives the voice follow-up of a call.
type Dialogue interface {
	Opening(sessionID string) string
	Advance(ctx context.Context, sessionID, utterance string) string
	End(sessionID string)
}

// ReplyHandler executes email commands.
type ReplyHandler interface {
	Handle(ctx context.Context, msg mail.InboundMessage) (conversation.Outcome, error)
}

// Server is the Emberwatch HTTP server.
type Server struct {
	echo   *echo.Echo
	config *Config
	log    logger.Logger

	escalator Escalator
	dialogue  Dialogue
	replies   ReplyHandler
	seen      *mail.Dedup
	metrics   *observability.Metrics
	imageDir  string
	version   string

	wg        sync.WaitGroup
	startTime time.Time
}

// ServerOption is a functional option for configuring the Server.
type ServerOption func(*Server)

// WithEscalator enables POST /detections.
func WithEscalator(e Escalator) ServerOption {
	return func(s *Server) { s.escalator = e }
}

// WithDialogue enables the /voice/session webhooks.
func WithDialogue(d Dialogue) ServerOption {
	return func(s *Server) { s.dialogue = d }
}

// WithReplyHandler enables POST /mail/inbound.
func WithReplyHandler(h ReplyHandler) ServerOption {
	return func(s *Server) { s.replies = h }
}

// WithInboundDedup shares the Message-ID set of the inbox poller with
// POST /mail/inbound.
func WithInboundDedup(d *mail.Dedup) ServerOption {
	return func(s *Server) { s.seen = d }
}

// WithMetrics exposes /metrics and records request metrics.
func WithMetrics(m *observability.Metrics) ServerOption {
	return func(s *Server) { s.metrics = m }
}

// WithImageDir serves locally stored images under /images.
func WithImageDir(dir string) ServerOption {
	return func(s *Server) { s.imageDir = dir }
}

// WithVersion sets the version reported by /healthz.
func WithVersion(v string) ServerOption {
	return func(s *Server) { s.version = v }
}

// New creates a new HTTP server with the given settings and options.
func New(settings *conf.Settings, log logger.Logger, opts ...ServerOption) (*Server, error) {
	return NewWithConfig(ConfigFromSettings(settings), log, opts...)
}

// NewWithConfig creates a server from an explicit Config.
func NewWithConfig(config *Config, log logger.Logger, opts ...ServerOption) (*Server, error) {
	if err := config.Validate(); err != nil {
		return nil, fmt.Errorf("invalid server configuration: %w", err)
	}

	s := &Server{
		config:    config,
		log:       log.Module("api"),
		startTime: time.Now(),
	}
	for _, opt := range opts {
		opt(s)
	}
	if s.replies != nil && s.seen == nil {
		s.seen = mail.NewDedup(0)
	}

	s.echo = echo.New()
	s.echo.HideBanner = true
	s.echo.HidePort = true
	s.echo.HTTPErrorHandler = s.errorHandler
	s.echo.Server.ReadTimeout = config.ReadTimeout
	s.echo.Server.WriteTimeout = config.WriteTimeout
	s.echo.Server.IdleTimeout = config.IdleTimeout

	s.setupMiddleware()
	s.setupRoutes()

	s.log.Info("HTTP server initialized",
		logger.String("address", config.Listen),
		logger.Bool("signature_validation", config.ValidateSignature))
	return s, nil
}

func (s *Server) setupMiddleware() {
	s.echo.Use(echomw.Recover())
	s.echo.Use(mw.NewRequestLoggerWithSkipper(s.log, func(c echo.Context) bool {
		p := c.Path()
		return p == "/healthz" || p == "/metrics"
	}))
	if s.metrics != nil {
		s.echo.Use(mw.NewMetrics(s.metrics.HTTP))
	}
	s.echo.Use(mw.NewCORS(mw.SecurityConfig{AllowedOrigins: s.config.AllowedOrigins}))
	s.echo.Use(mw.NewBodyLimit(s.config.BodyLimit))
	s.echo.Use(mw.NewSecureHeaders())
}

func (s *Server) setupRoutes() {
	s.echo.GET("/healthz", s.healthCheck)
	if s.metrics != nil {
		s.echo.GET("/metrics", echo.WrapHandler(s.metrics.Handler()))
	}
	if s.imageDir != "" {
		s.echo.Static("/images", s.imageDir)
	}

	if s.escalator != nil {
		s.echo.POST("/detections", s.handleDetection)
	}

	if s.dialogue != nil {
		var voiceMW []echo.MiddlewareFunc
		if s.config.ValidateSignature {
			voiceMW = append(voiceMW, mw.NewTwilioSignature(
				voice.NewSignatureValidator(s.config.VoiceAuthToken), s.config.PublicURL, s.log))
		}
		s.echo.POST(voice.SessionPath, s.handleVoiceSession, voiceMW...)
		s.echo.POST(voice.TurnPath, s.handleVoiceTurn, voiceMW...)
		s.echo.POST(voice.StatusPath, s.handleVoiceStatus, voiceMW...)
	}

	if s.replies != nil {
		s.echo.POST("/mail/inbound", s.handleInboundMail)
	}
}

func (s *Server) healthCheck(c echo.Context) error {
	uptime := time.Since(s.startTime)
	return c.JSON(http.StatusOK, map[string]any{
		"status":         "healthy",
		"version":        s.version,
		"uptime":         uptime.Round(time.Second).String(),
		"uptime_seconds": uptime.Seconds(),
		"timestamp":      time.Now().Format(time.RFC3339),
	})
}

// Start begins serving HTTP requests in a background goroutine. Use
// Shutdown to stop the server.
func (s *Server) Start() {
	s.wg.Go(func() {
		s.log.Info("HTTP server starting", logger.String("address", s.config.Listen))
		if err := s.echo.Start(s.config.Listen); err != nil && !errors.Is(err, http.ErrServerClosed) {
			s.log.Error("HTTP server error", logger.Error(err))
		}
	})
}

// Shutdown gracefully stops the server.
func (s *Server) Shutdown() error {
	ctx, cancel := context.WithTimeout(context.Background(), s.config.ShutdownTimeout)
	defer cancel()

	if err := s.echo.Shutdown(ctx); err != nil {
		s.log.Error("error during server shutdown", logger.Error(err))
		return fmt.Errorf("shutdown error: %w", err)
	}
	s.wg.Wait()
	s.log.Info("HTTP server shutdown complete")
	return nil
}

// Echo returns the underlying Echo instance.
func (s *Server) Echo() *echo.Echo {
	return s.echo
}
