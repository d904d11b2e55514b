package notification

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/emberwatch/emberwatch/internal/errors"
	"github.com/emberwatch/emberwatch/internal/events"
	"github.com/emberwatch/emberwatch/internal/logger"
)

// Publisher delivers an encoded payload to one broker.
type Publisher interface {
	Name() string
	Publish(ctx context.Context, payload []byte) error
	Close() error
}

// AlertPublisher is an events.Consumer that forwards alert events to a
// Publisher through a circuit breaker.
type AlertPublisher struct {
	pub     Publisher
	breaker *CircuitBreaker
	log     logger.Logger
}

// NewAlertPublisher wraps pub. breaker may be nil.
func NewAlertPublisher(pub Publisher, breaker *CircuitBreaker, log logger.Logger) *AlertPublisher {
	return &AlertPublisher{
		pub:     pub,
		breaker: breaker,
		log:     log.Module("publisher").With(logger.String("publisher", pub.Name())),
	}
}

func (p *AlertPublisher) Name() string { return p.pub.Name() }

// ProcessAlert encodes event as JSON and publishes it.
func (p *AlertPublisher) ProcessAlert(ctx context.Context, event events.AlertEvent) error {
	payload, err := json.Marshal(event)
	if err != nil {
		return fmt.Errorf("failed to encode alert event: %w", err)
	}

	publish := func(ctx context.Context) error { return p.pub.Publish(ctx, payload) }
	if p.breaker != nil {
		err = p.breaker.Call(ctx, publish)
	} else {
		err = publish(ctx)
	}
	if err != nil {
		return errors.New(err).
			Component("notification").
			Category(errors.CategoryPublish).
			Context("publisher", p.pub.Name()).
			Context("subject_id", event.SubjectID).
			Build()
	}

	p.log.Debug("alert published",
		logger.String("subject_id", event.SubjectID),
		logger.Int64("frame_number", event.FrameNumber))
	return nil
}
