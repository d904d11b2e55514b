// Package escalation turns a classified frame into its notification cascade:
// image upload, one deduplicated alert email per bucket, image analysis and
// an emergency call when the analysis warrants one.
package escalation

import (
	"context"
	"strings"
	"sync"
	"time"

	"github.com/patrickmn/go-cache"
	"github.com/prometheus/client_golang/prometheus"
	"golang.org/x/sync/errgroup"
	"golang.org/x/time/rate"

	"github.com/emberwatch/emberwatch/internal/classifier"
	"github.com/emberwatch/emberwatch/internal/conf"
	"github.com/emberwatch/emberwatch/internal/errors"
	"github.com/emberwatch/emberwatch/internal/events"
	"github.com/emberwatch/emberwatch/internal/ledger"
	"github.com/emberwatch/emberwatch/internal/llm"
	"github.com/emberwatch/emberwatch/internal/logger"
	"github.com/emberwatch/emberwatch/internal/mail"
	"github.com/emberwatch/emberwatch/internal/notification"
	"github.com/emberwatch/emberwatch/internal/observability/metrics"
	"github.com/emberwatch/emberwatch/internal/storage"
)

// DetectionEvent is one classified frame.
type DetectionEvent struct {
	SubjectID        string
	FrameNumber      int64
	TimestampSeconds float64
	Image            []byte
	IsFire           bool
	// Confidence is nil when classification failed.
	Confidence   *float64
	ContactEmail string
}

// EmailStatus is the alert email outcome.
type EmailStatus string

const (
	EmailSent            EmailStatus = "sent"
	EmailFailed          EmailStatus = "failed"
	EmailAlreadyNotified EmailStatus = "already_notified"
)

// Result reports what happened for one event.
type Result struct {
	Message      string      `json:"message"`
	SubjectID    string      `json:"subjectId"`
	FrameNumber  int64       `json:"frameNumber"`
	FireDetected bool        `json:"fireDetected"`
	Confidence   *float64    `json:"confidence"`
	ContactEmail string      `json:"contactEmail,omitempty"`
	ImageURL     string      `json:"imageUrl,omitempty"`
	StorageError string      `json:"storageError,omitempty"`
	EmailAlert   EmailStatus `json:"emailAlert,omitempty"`
	AnalysisText string      `json:"analysisText,omitempty"`
	CallPlaced   bool        `json:"callPlaced,omitempty"`
	CallID       string      `json:"callId,omitempty"`
	CallError    string      `json:"callError,omitempty"`
}

// Ledger is the deduplication capability.
type Ledger interface {
	TryMark(ctx context.Context, key ledger.Key) (bool, error)
	Release(ctx context.Context, key ledger.Key) error
	RecordContact(ctx context.Context, email, subjectID string) error
}

// ImageStore uploads frames.
type ImageStore interface {
	Put(ctx context.Context, key string, data []byte, contentType string) (string, error)
}

// AlertMailer sends the alert email.
type AlertMailer interface {
	SendAlert(ctx context.Context, recipient string, data mail.AlertData) error
}

// Caller places the emergency call and returns its id. prepare runs with
// the call id once the provider has accepted the call and before the callee
// can answer.
type Caller interface {
	PlaceCall(ctx context.Context, subjectID string, prepare func(callID string)) (string, error)
}

// SessionStarter seeds the voice dialogue of a placed call.
type SessionStarter interface {
	Start(sessionID, systemContext string) string
}

// EventPublisher receives the finished alert without blocking.
type EventPublisher interface {
	TryPublish(event events.AlertEvent) bool
}

// Timeouts bound each capability call.
type Timeouts struct {
	Classify time.Duration
	Storage  time.Duration
	Email    time.Duration
	Analysis time.Duration
	Call     time.Duration
}

// Config tunes a Coordinator.
type Config struct {
	BucketSize  int64
	MaxInFlight int64
	// CallRateLimit is the number of outbound calls allowed per subject and
	// minute.
	CallRateLimit int
	Timeouts      Timeouts
	Breaker       notification.CircuitBreakerConfig
}

// ConfigFrom maps escalation settings.
func ConfigFrom(s *conf.EscalationSettings) Config {
	breaker := notification.DefaultCircuitBreakerConfig()
	if s.Breaker.MaxFailures > 0 {
		breaker.MaxFailures = s.Breaker.MaxFailures
	}
	if s.Breaker.Cooldown > 0 {
		breaker.Timeout = s.Breaker.Cooldown
	}
	return Config{
		BucketSize:    s.BucketSize,
		MaxInFlight:   s.MaxInFlight,
		CallRateLimit: s.CallRateLimit,
		Timeouts: Timeouts{
			Classify: s.Timeouts.Classify,
			Storage:  s.Timeouts.Storage,
			Email:    s.Timeouts.Email,
			Analysis: s.Timeouts.Analysis,
			Call:     s.Timeouts.Call,
		},
		Breaker: breaker,
	}
}

func (c *Config) applyDefaults() {
	if c.BucketSize <= 0 {
		c.BucketSize = conf.DefaultBucketSize
	}
	if c.MaxInFlight <= 0 {
		c.MaxInFlight = 16
	}
	if c.CallRateLimit <= 0 {
		c.CallRateLimit = 6
	}
	setDefault(&c.Timeouts.Classify, 10*time.Second)
	setDefault(&c.Timeouts.Storage, 15*time.Second)
	setDefault(&c.Timeouts.Email, 10*time.Second)
	setDefault(&c.Timeouts.Analysis, 30*time.Second)
	setDefault(&c.Timeouts.Call, 15*time.Second)
	if c.Breaker.MaxFailures <= 0 {
		c.Breaker = notification.DefaultCircuitBreakerConfig()
	}
}

func setDefault(d *time.Duration, v time.Duration) {
	if *d <= 0 {
		*d = v
	}
}

// Deps are the capabilities a Coordinator drives. Ledger and Store are
// required; a nil optional capability skips its step.
type Deps struct {
	Ledger     Ledger
	Store      ImageStore
	Classifier classifier.Classifier
	Mailer     AlertMailer
	Analyzer   llm.Analyzer
	Caller     Caller
	Sessions   SessionStarter
	Events     EventPublisher

	Metrics             *metrics.EscalationMetrics
	NotificationMetrics *metrics.NotificationMetrics
}

// Coordinator runs the escalation cascade. It is safe for concurrent use.
type Coordinator struct {
	config Config
	deps   Deps
	gate   *gate

	emailBreaker    *notification.CircuitBreaker
	analysisBreaker *notification.CircuitBreaker
	callBreaker     *notification.CircuitBreaker

	limiterMu    sync.Mutex
	callLimiters *cache.Cache // subject id -> *rate.Limiter

	metrics *metrics.EscalationMetrics
	log     logger.Logger
}

// New validates deps and builds a Coordinator.
func New(cfg Config, deps Deps, log logger.Logger) (*Coordinator, error) {
	if deps.Ledger == nil || deps.Store == nil {
		return nil, errors.Newf("escalation requires a ledger and an image store").
			Component("escalation").
			Category(errors.CategoryConfiguration).
			Build()
	}
	cfg.applyDefaults()

	m := deps.Metrics
	if m == nil {
		// Unregistered collectors keep the hot path free of nil checks.
		var err error
		if m, err = metrics.NewEscalationMetrics(prometheus.NewRegistry()); err != nil {
			return nil, err
		}
	}

	log = log.Module("escalation")
	return &Coordinator{
		config:          cfg,
		deps:            deps,
		gate:            newGate(cfg.MaxInFlight, m),
		emailBreaker:    notification.NewCircuitBreaker(cfg.Breaker, "email", deps.NotificationMetrics, log),
		analysisBreaker: notification.NewCircuitBreaker(cfg.Breaker, "analysis", deps.NotificationMetrics, log),
		callBreaker:     notification.NewCircuitBreaker(cfg.Breaker, "call", deps.NotificationMetrics, log),
		callLimiters:    cache.New(limiterIdleTTL, 0),
		metrics:         m,
		log:             log,
	}, nil
}

// BucketSize is the number of frames sharing one notification key.
func (c *Coordinator) BucketSize() int64 { return c.config.BucketSize }

// Classify runs the classifier. Failures degrade to "not fire" with an
// unknown confidence.
func (c *Coordinator) Classify(ctx context.Context, image []byte) (isFire bool, confidence *float64) {
	if c.deps.Classifier == nil {
		return false, nil
	}
	var res classifier.Result
	err := c.gate.run(ctx, stage{name: stageClassify, timeout: c.config.Timeouts.Classify}, func(ctx context.Context) error {
		var err error
		res, err = c.deps.Classifier.Classify(ctx, image)
		return err
	})
	if err != nil {
		c.log.Warn("classification failed, treating frame as not fire", logger.Error(err))
		return false, nil
	}
	return res.IsFire, &res.Confidence
}

// ValidateEvent rejects events that cannot be keyed or stored.
func ValidateEvent(ev *DetectionEvent) error {
	var problem string
	switch {
	case strings.TrimSpace(ev.SubjectID) == "":
		problem = "subjectId is required"
	case strings.ContainsAny(ev.SubjectID, `/\`) || strings.Contains(ev.SubjectID, ".."):
		problem = "subjectId must not contain path separators"
	case ev.FrameNumber < 0:
		problem = "frameNumber must be non-negative"
	case ev.TimestampSeconds < 0:
		problem = "timestampSeconds must be non-negative"
	}
	if problem == "" {
		return nil
	}
	return errors.Newf("invalid detection event: %s", problem).
		Component("escalation").
		Category(errors.CategoryValidation).
		Build()
}

// HandleDetection escalates ev. Channel failures are reported in the result;
// the returned error is only set for an invalid event.
func (c *Coordinator) HandleDetection(ctx context.Context, ev DetectionEvent) (Result, error) {
	if err := ValidateEvent(&ev); err != nil {
		return Result{}, err
	}

	res := Result{
		SubjectID:    ev.SubjectID,
		FrameNumber:  ev.FrameNumber,
		FireDetected: ev.IsFire,
		Confidence:   ev.Confidence,
		ContactEmail: ev.ContactEmail,
	}

	if !ev.IsFire {
		outcome := "no_fire"
		if ev.Confidence == nil {
			outcome = "classification_error"
		}
		c.metrics.RecordDetection(outcome)
		res.Message = "No fire detected"
		return res, nil
	}
	c.metrics.RecordDetection("fire")
	c.metrics.InFlight.Inc()
	defer c.metrics.InFlight.Dec()

	log := c.log.With(
		logger.String("subject_id", ev.SubjectID),
		logger.Int64("frame", ev.FrameNumber))
	log.Info("fire detected, escalating")

	imageURL, err := c.store(ctx, ev)
	if err != nil {
		log.Error("image upload failed, skipping alerts", logger.Error(err))
		res.StorageError = err.Error()
		res.Message = "Fire detected, but the image could not be stored"
		if c.deps.Caller != nil {
			c.metrics.RecordCall("skipped")
		}
		c.publish(ev, res, ledger.KeyFor(ev.SubjectID, ev.FrameNumber, c.config.BucketSize))
		return res, nil
	}
	res.ImageURL = imageURL

	key := ledger.KeyFor(ev.SubjectID, ev.FrameNumber, c.config.BucketSize)

	var g errgroup.Group
	if ev.ContactEmail != "" {
		g.Go(func() error {
			res.EmailAlert = c.emailAlert(ctx, log, ev, key, imageURL)
			c.metrics.RecordEmail(string(res.EmailAlert))
			return nil
		})
	}
	if c.deps.Analyzer != nil {
		g.Go(func() error {
			res.AnalysisText = c.analyze(ctx, log, ev.Image)
			return nil
		})
	}
	_ = g.Wait()

	c.call(ctx, log, ev, key, &res)

	res.Message = "Fire detected and alerts processed"
	c.publish(ev, res, key)
	return res, nil
}

func (c *Coordinator) store(ctx context.Context, ev DetectionEvent) (string, error) {
	var url string
	err := c.gate.run(ctx, stage{name: stageStorage, timeout: c.config.Timeouts.Storage}, func(ctx context.Context) error {
		var err error
		url, err = c.deps.Store.Put(ctx, storage.ImageKey(ev.SubjectID, ev.FrameNumber), ev.Image, "image/jpeg")
		return err
	})
	return url, err
}

// emailAlert sends at most one alert per key. A failed send releases the
// reservation so a later frame of the bucket can retry.
func (c *Coordinator) emailAlert(ctx context.Context, log logger.Logger, ev DetectionEvent, key ledger.Key, imageURL string) EmailStatus {
	if c.deps.Mailer == nil {
		log.Warn("contact email given but no email provider is configured")
		return EmailFailed
	}

	won, err := c.deps.Ledger.TryMark(ctx, key)
	if err != nil {
		log.Error("ledger reservation failed", logger.Error(err))
		c.metrics.RecordStageError("ledger", string(errors.CategoryOf(err)))
		return EmailFailed
	}
	if !won {
		log.Debug("alert already sent for bucket", logger.String("key", key.String()))
		return EmailAlreadyNotified
	}

	data := mail.AlertData{
		SubjectID:        ev.SubjectID,
		FrameNumber:      ev.FrameNumber,
		TimestampSeconds: ev.TimestampSeconds,
		DetectedAt:       time.Now(),
		ImageURL:         imageURL,
	}
	err = c.gate.run(ctx, stage{name: stageEmail, timeout: c.config.Timeouts.Email, breaker: c.emailBreaker}, func(ctx context.Context) error {
		return c.deps.Mailer.SendAlert(ctx, ev.ContactEmail, data)
	})

	// Ledger writes must land even when the request context is gone.
	lctx := context.WithoutCancel(ctx)
	if err != nil {
		log.Error("alert email failed", logger.Error(err))
		if rerr := c.deps.Ledger.Release(lctx, key); rerr != nil {
			log.Error("failed to release ledger reservation", logger.Error(rerr))
		}
		return EmailFailed
	}
	if err := c.deps.Ledger.RecordContact(lctx, ev.ContactEmail, ev.SubjectID); err != nil {
		log.Warn("failed to record contact", logger.Error(err))
	}
	log.Info("alert email sent")
	return EmailSent
}

func (c *Coordinator) analyze(ctx context.Context, log logger.Logger, image []byte) string {
	var text string
	err := c.gate.run(ctx, stage{name: stageAnalysis, timeout: c.config.Timeouts.Analysis, breaker: c.analysisBreaker}, func(ctx context.Context) error {
		var err error
		text, err = c.deps.Analyzer.AnalyzeImage(ctx, image)
		return err
	})
	if err != nil || strings.TrimSpace(text) == "" {
		log.Warn("image analysis failed, using fallback text", logger.Error(err))
		return llm.FallbackAnalysis
	}
	return text
}

// call places at most one emergency call per key. The reservation is
// released when the call cannot be placed so a later frame can retry.
func (c *Coordinator) call(ctx context.Context, log logger.Logger, ev DetectionEvent, key ledger.Key, res *Result) {
	if c.deps.Caller == nil {
		return
	}
	severity := llm.ParseSeverity(res.AnalysisText)
	if severity.Trivial() {
		log.Info("severity does not warrant a call", logger.String("severity", severity.String()))
		c.metrics.RecordCall("skipped")
		return
	}

	callKey := key.Call()
	won, err := c.deps.Ledger.TryMark(ctx, callKey)
	if err != nil {
		log.Error("call reservation failed", logger.Error(err))
		c.metrics.RecordStageError("ledger", string(errors.CategoryOf(err)))
		res.CallError = err.Error()
		c.metrics.RecordCall("failed")
		return
	}
	if !won {
		log.Debug("call already placed for bucket", logger.String("key", callKey.String()))
		c.metrics.RecordCall("already_placed")
		return
	}

	var callID string
	err = c.gate.run(ctx, stage{
		name:    stageCall,
		timeout: c.config.Timeouts.Call,
		breaker: c.callBreaker,
		limiter: c.callLimiter(ev.SubjectID),
	}, func(ctx context.Context) error {
		var err error
		callID, err = c.deps.Caller.PlaceCall(ctx, ev.SubjectID, func(id string) {
			if c.deps.Sessions != nil {
				c.deps.Sessions.Start(id, res.AnalysisText)
			}
		})
		return err
	})
	if err != nil {
		log.Error("emergency call failed", logger.Error(err))
		res.CallError = err.Error()
		c.metrics.RecordCall("failed")
		if rerr := c.deps.Ledger.Release(context.WithoutCancel(ctx), callKey); rerr != nil {
			log.Error("failed to release call reservation", logger.Error(rerr))
		}
		return
	}

	res.CallPlaced = true
	res.CallID = callID
	c.metrics.RecordCall("placed")
	log.Info("emergency call placed",
		logger.String("call_id", callID),
		logger.String("severity", severity.String()))
}

// limiterIdleTTL outlives the time a limiter needs to refill, so an evicted
// limiter was full and a fresh one is equivalent.
const limiterIdleTTL = 10 * time.Minute

// callLimiter returns the call limiter of subjectID.
func (c *Coordinator) callLimiter(subjectID string) *rate.Limiter {
	c.limiterMu.Lock()
	defer c.limiterMu.Unlock()

	c.callLimiters.DeleteExpired()
	l, ok := c.callLimiters.Get(subjectID)
	if !ok {
		n := c.config.CallRateLimit
		l = rate.NewLimiter(rate.Every(time.Minute/time.Duration(n)), n)
	}
	c.callLimiters.Set(subjectID, l, cache.DefaultExpiration)
	return l.(*rate.Limiter)
}

func (c *Coordinator) publish(ev DetectionEvent, res Result, key ledger.Key) {
	if c.deps.Events == nil {
		return
	}
	var confidence float64
	if res.Confidence != nil {
		confidence = *res.Confidence
	}
	var severity string
	if res.AnalysisText != "" {
		severity = llm.ParseSeverity(res.AnalysisText).String()
	}
	published := c.deps.Events.TryPublish(events.AlertEvent{
		SubjectID:   ev.SubjectID,
		FrameNumber: ev.FrameNumber,
		Bucket:      key.Bucket,
		Confidence:  confidence,
		ImageURL:    res.ImageURL,
		Severity:    severity,
		Analysis:    res.AnalysisText,
		EmailStatus: string(res.EmailAlert),
		CallID:      res.CallID,
		Timestamp:   time.Now(),
	})
	if !published {
		c.log.Debug("alert event not published", logger.String("subject_id", ev.SubjectID))
	}
}
