package mail

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"time"

	"github.com/emberwatch/emberwatch/internal/errors"
	"github.com/emberwatch/emberwatch/internal/logger"
)

// Handler processes one inbound reply.
type Handler interface {
	HandleInbound(ctx context.Context, msg InboundMessage) error
}

// HandlerFunc adapts a function to Handler.
type HandlerFunc func(ctx context.Context, msg InboundMessage) error

func (f HandlerFunc) HandleInbound(ctx context.Context, msg InboundMessage) error {
	return f(ctx, msg)
}

// PollerConfig tunes the inbox poller.
type PollerConfig struct {
	Interval       time.Duration
	CycleTimeout   time.Duration
	HandlerTimeout time.Duration
	// DedupTTL bounds how long processed Message-IDs are remembered.
	DedupTTL time.Duration
	// Seen is shared with other inbound paths. Nil gives the poller a
	// private set.
	Seen *Dedup
}

func (c *PollerConfig) applyDefaults() {
	if c.Interval <= 0 {
		c.Interval = 2 * time.Second
	}
	if c.CycleTimeout <= 0 {
		c.CycleTimeout = time.Minute
	}
	if c.HandlerTimeout <= 0 {
		c.HandlerTimeout = 45 * time.Second
	}
	if c.DedupTTL <= 0 {
		c.DedupTTL = 24 * time.Hour
	}
}

// Poller periodically reads unseen replies from a mailbox and hands each
// new Message-ID to a Handler exactly once.
type Poller struct {
	dial    MailboxDialer
	handler Handler
	config  PollerConfig
	seen    *Dedup
	log     logger.Logger
}

// NewPoller returns a Poller. Call Run to start it.
func NewPoller(dial MailboxDialer, handler Handler, cfg PollerConfig, log logger.Logger) *Poller {
	cfg.applyDefaults()
	seen := cfg.Seen
	if seen == nil {
		seen = NewDedup(cfg.DedupTTL)
	}
	return &Poller{
		dial:    dial,
		handler: handler,
		config:  cfg,
		seen:    seen,
		log:     log.Module("mail.poller"),
	}
}

// Run polls until ctx is canceled.
func (p *Poller) Run(ctx context.Context) {
	p.log.Info("inbox poller started", logger.Duration("interval", p.config.Interval))
	defer p.log.Info("inbox poller stopped")

	ticker := time.NewTicker(p.config.Interval)
	defer ticker.Stop()

	for {
		if _, err := p.PollOnce(ctx); err != nil && ctx.Err() == nil {
			p.log.Warn("inbox poll failed", logger.Error(err))
		}
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
	}
}

// PollOnce runs a single connect, fetch, process, mark-seen cycle and returns
// the number of messages handed to the handler.
func (p *Poller) PollOnce(ctx context.Context) (int, error) {
	cycleCtx, cancel := context.WithTimeout(ctx, p.config.CycleTimeout)
	defer cancel()

	box, err := p.dial(cycleCtx)
	if err != nil {
		return 0, p.wrap(err, "connect")
	}
	defer func() {
		if err := box.Close(); err != nil {
			p.log.Debug("mailbox logout failed", logger.Error(err))
		}
	}()

	raws, fetchErr := box.FetchUnseen(cycleCtx)
	if len(raws) == 0 {
		if fetchErr != nil {
			return 0, p.wrap(fetchErr, "fetch")
		}
		return 0, nil
	}

	handled := 0
	seqNums := make([]uint32, 0, len(raws))
	for _, raw := range raws {
		seqNums = append(seqNums, raw.SeqNum)
		if p.process(ctx, raw) {
			handled++
		}
	}

	if err := box.MarkSeen(cycleCtx, seqNums); err != nil {
		return handled, p.wrap(err, "mark_seen")
	}
	if fetchErr != nil {
		return handled, p.wrap(fetchErr, "fetch")
	}
	return handled, nil
}

// process parses and dispatches one message. It reports whether the handler
// was invoked.
func (p *Poller) process(ctx context.Context, raw RawMessage) bool {
	msg, err := ParseMessage(raw.Body)
	if err != nil {
		p.log.Debug("skipping unparseable message", logger.Error(err))
		return false
	}

	id := msg.MessageID
	if id == "" {
		sum := sha256.Sum256(raw.Body)
		id = "sha256:" + hex.EncodeToString(sum[:])
	}
	if !p.seen.First(id) {
		// Already processed in an earlier cycle or by the webhook.
		return false
	}

	hctx, cancel := context.WithTimeout(ctx, p.config.HandlerTimeout)
	defer cancel()
	if err := p.handler.HandleInbound(hctx, msg); err != nil {
		p.log.Warn("reply handling failed",
			logger.String("message_id", id),
			logger.Error(err))
	}
	return true
}

func (p *Poller) wrap(err error, op string) error {
	return errors.New(fmt.Errorf("inbox %s: %w", op, err)).
		Component("mail").
		Category(errors.CategoryMail).
		Context("operation", op).
		Build()
}
