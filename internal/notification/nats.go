package notification

import (
	"context"
	"fmt"
	"time"

	"github.com/nats-io/nats.go"

	"github.com/emberwatch/emberwatch/internal/logger"
)

// NATSConfig configures a NATSPublisher.
type NATSConfig struct {
	URL     string
	Subject string
	Name    string
}

// NATSPublisher publishes alert payloads on a NATS subject.
type NATSPublisher struct {
	conn    *nats.Conn
	subject string
	log     logger.Logger
}

// NewNATSPublisher connects to the server at cfg.URL. The connection
// reconnects on its own after the initial dial succeeds.
func NewNATSPublisher(cfg NATSConfig, log logger.Logger) (*NATSPublisher, error) {
	log = log.Module("nats")
	name := cfg.Name
	if name == "" {
		name = "emberwatch"
	}

	conn, err := nats.Connect(cfg.URL,
		nats.Name(name),
		nats.Timeout(5*time.Second),
		nats.MaxReconnects(-1),
		nats.ReconnectWait(2*time.Second),
		nats.DisconnectErrHandler(func(_ *nats.Conn, err error) {
			if err != nil {
				log.Warn("nats disconnected", logger.Error(err))
			}
		}),
		nats.ReconnectHandler(func(c *nats.Conn) {
			log.Info("nats reconnected", logger.String("url", c.ConnectedUrl()))
		}),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to nats at %s: %w", cfg.URL, err)
	}

	return &NATSPublisher{conn: conn, subject: cfg.Subject, log: log}, nil
}

func (p *NATSPublisher) Name() string { return "nats" }

// Publish sends payload and flushes so delivery errors surface within ctx.
func (p *NATSPublisher) Publish(ctx context.Context, payload []byte) error {
	if err := p.conn.Publish(p.subject, payload); err != nil {
		return err
	}
	return p.conn.FlushWithContext(ctx)
}

func (p *NATSPublisher) Close() error {
	return p.conn.Drain()
}
