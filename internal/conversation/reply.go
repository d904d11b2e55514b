package conversation

import (
	"context"
	"strings"
	"time"

	"golang.org/x/text/cases"
	"golang.org/x/text/language"

	"github.com/emberwatch/emberwatch/internal/errors"
	"github.com/emberwatch/emberwatch/internal/ledger"
	"github.com/emberwatch/emberwatch/internal/llm"
	"github.com/emberwatch/emberwatch/internal/logger"
	"github.com/emberwatch/emberwatch/internal/mail"
	"github.com/emberwatch/emberwatch/internal/observability/metrics"
	"github.com/emberwatch/emberwatch/internal/storage"
)

// Command is an instruction found in a reply body.
type Command int

const (
	CommandNone Command = iota
	CommandStatus
	CommandCall
)

func (c Command) String() string {
	switch c {
	case CommandStatus:
		return "STATUS"
	case CommandCall:
		return "CALL"
	default:
		return "NONE"
	}
}

var upper = cases.Upper(language.Und)

// ParseCommand finds a command anywhere in body, ignoring case. STATUS wins
// when both appear.
func ParseCommand(body string) Command {
	u := upper.String(body)
	switch {
	case strings.Contains(u, "STATUS"):
		return CommandStatus
	case strings.Contains(u, "CALL"):
		return CommandCall
	default:
		return CommandNone
	}
}

// Outcome of handling one reply.
type Outcome string

const (
	OutcomeStatusSent     Outcome = "status_sent"
	OutcomeStatusFailed   Outcome = "status_failed"
	OutcomeNoImage        Outcome = "no_image"
	OutcomeNotImplemented Outcome = "not_implemented"
	OutcomeIgnored        Outcome = "ignored"
	OutcomeUnknownSender  Outcome = "unknown_sender"
	// OutcomeDuplicate marks a Message-ID that was already handled.
	OutcomeDuplicate Outcome = "duplicate"
)

// SubjectResolver maps a contact address to its subject.
type SubjectResolver interface {
	ResolveSubject(ctx context.Context, email string) (string, error)
}

// ImageSource finds and reads stored frames.
type ImageSource interface {
	Latest(ctx context.Context, prefix string) (storage.Object, error)
	Fetch(ctx context.Context, key string) ([]byte, error)
}

// StatusMailer sends the STATUS report.
type StatusMailer interface {
	SendStatus(ctx context.Context, recipient, analysis, imageURL string) error
}

// ReplyTimeouts bound each external call made for a reply.
type ReplyTimeouts struct {
	Storage  time.Duration
	Analysis time.Duration
	Email    time.Duration
}

// ReplyHandler executes email commands. The IMAP poller and the inbound
// mail webhook both feed it.
type ReplyHandler struct {
	contacts SubjectResolver
	images   ImageSource
	analyzer llm.Analyzer
	mailer   StatusMailer
	timeouts ReplyTimeouts
	metrics  *metrics.ConversationMetrics
	log      logger.Logger
}

// ReplyHandlerConfig collects the collaborators of a ReplyHandler. Analyzer,
// Mailer and Metrics may be nil.
type ReplyHandlerConfig struct {
	Contacts SubjectResolver
	Images   ImageSource
	Analyzer llm.Analyzer
	Mailer   StatusMailer
	Timeouts ReplyTimeouts
	Metrics  *metrics.ConversationMetrics
}

// NewReplyHandler returns a ReplyHandler.
func NewReplyHandler(cfg ReplyHandlerConfig, log logger.Logger) *ReplyHandler {
	t := cfg.Timeouts
	if t.Storage <= 0 {
		t.Storage = 15 * time.Second
	}
	if t.Analysis <= 0 {
		t.Analysis = 30 * time.Second
	}
	if t.Email <= 0 {
		t.Email = 10 * time.Second
	}
	return &ReplyHandler{
		contacts: cfg.Contacts,
		images:   cfg.Images,
		analyzer: cfg.Analyzer,
		mailer:   cfg.Mailer,
		timeouts: t,
		metrics:  cfg.Metrics,
		log:      log.Module("conversation.mail"),
	}
}

// HandleInbound satisfies mail.Handler.
func (h *ReplyHandler) HandleInbound(ctx context.Context, msg mail.InboundMessage) error {
	_, err := h.Handle(ctx, msg)
	return err
}

// Handle runs the command in msg and reports the outcome. Only senders that
// previously received an alert are served.
func (h *ReplyHandler) Handle(ctx context.Context, msg mail.InboundMessage) (Outcome, error) {
	outcome, err := h.handle(ctx, msg)
	if h.metrics != nil {
		h.metrics.MailRepliesTotal.WithLabelValues(string(outcome)).Inc()
	}
	h.log.Info("email reply handled",
		logger.String("outcome", string(outcome)),
		logger.String("message_id", msg.MessageID))
	return outcome, err
}

func (h *ReplyHandler) handle(ctx context.Context, msg mail.InboundMessage) (Outcome, error) {
	subjectID, err := h.contacts.ResolveSubject(ctx, msg.From)
	if err != nil {
		if errors.Is(err, ledger.ErrNotFound) {
			return OutcomeUnknownSender, nil
		}
		return OutcomeUnknownSender, err
	}

	switch ParseCommand(msg.Text) {
	case CommandStatus:
		return h.status(ctx, msg.From, subjectID)
	case CommandCall:
		return OutcomeNotImplemented, nil
	default:
		return OutcomeIgnored, nil
	}
}

func (h *ReplyHandler) status(ctx context.Context, recipient, subjectID string) (Outcome, error) {
	sctx, cancel := context.WithTimeout(ctx, h.timeouts.Storage)
	obj, err := h.images.Latest(sctx, storage.SubjectPrefix(subjectID))
	var image []byte
	if err == nil {
		image, err = h.images.Fetch(sctx, obj.Key)
	}
	cancel()
	if errors.Is(err, storage.ErrNoObjects) {
		return OutcomeNoImage, nil
	}
	if err != nil {
		return OutcomeStatusFailed, err
	}

	analysis := h.analyze(ctx, image)

	if h.mailer == nil {
		return OutcomeStatusFailed, errors.Newf("no email sender configured").
			Component("conversation").
			Category(errors.CategoryConfiguration).
			Build()
	}
	ectx, cancel := context.WithTimeout(ctx, h.timeouts.Email)
	defer cancel()
	if err := h.mailer.SendStatus(ectx, recipient, analysis, obj.URL); err != nil {
		return OutcomeStatusFailed, err
	}
	return OutcomeStatusSent, nil
}

func (h *ReplyHandler) analyze(ctx context.Context, image []byte) string {
	if h.analyzer == nil {
		return llm.FallbackAnalysis
	}
	actx, cancel := context.WithTimeout(ctx, h.timeouts.Analysis)
	defer cancel()
	text, err := h.analyzer.AnalyzeImage(actx, image)
	if err != nil {
		h.log.Warn("status analysis failed, using fallback text", logger.Error(err))
		return llm.FallbackAnalysis
	}
	return text
}
