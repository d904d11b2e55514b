package mail

import (
	"context"
	"fmt"
	"time"

	"github.com/emberwatch/emberwatch/internal/errors"
	"github.com/emberwatch/emberwatch/internal/logger"
)

// Mailer renders alert and status emails and hands them to a Sender.
type Mailer struct {
	sender Sender
	tmpl   *renderer
	now    func() time.Time
	log    logger.Logger
}

// NewMailer returns a Mailer delivering through sender.
func NewMailer(sender Sender, log logger.Logger) (*Mailer, error) {
	if sender == nil {
		return nil, fmt.Errorf("mail sender is required")
	}
	tmpl, err := newRenderer()
	if err != nil {
		return nil, err
	}
	return &Mailer{sender: sender, tmpl: tmpl, now: time.Now, log: log.Module("mail")}, nil
}

// Provider names the underlying transport.
func (m *Mailer) Provider() string { return m.sender.Name() }

// SendAlert emails the fire alert for one detection to recipient.
func (m *Mailer) SendAlert(ctx context.Context, recipient string, data AlertData) error {
	if data.DetectedAt.IsZero() {
		data.DetectedAt = m.now()
	}
	text, html, err := m.tmpl.render("alert", data)
	if err != nil {
		return m.wrap(err, "alert", recipient)
	}

	msg := Message{
		To:       recipient,
		Subject:  AlertSubject,
		Text:     text,
		HTML:     html,
		CustomID: fmt.Sprintf("fire_alert_%s_%d", data.SubjectID, data.FrameNumber),
	}
	if err := m.sender.Send(ctx, msg); err != nil {
		return m.wrap(err, "alert", recipient)
	}

	m.log.Info("alert email sent",
		logger.String("subject_id", data.SubjectID),
		logger.Int64("frame", data.FrameNumber),
		logger.String("provider", m.sender.Name()))
	return nil
}

// SendStatus emails an analysis report in reply to a STATUS command.
func (m *Mailer) SendStatus(ctx context.Context, recipient, analysis, imageURL string) error {
	now := m.now()
	text, html, err := m.tmpl.render("status", StatusData{Analysis: analysis, ImageURL: imageURL, ReportedAt: now})
	if err != nil {
		return m.wrap(err, "status", recipient)
	}

	msg := Message{
		To:       recipient,
		Subject:  StatusSubject,
		Text:     text,
		HTML:     html,
		CustomID: fmt.Sprintf("fire_status_%d", now.Unix()),
	}
	if err := m.sender.Send(ctx, msg); err != nil {
		return m.wrap(err, "status", recipient)
	}
	m.log.Info("status email sent", logger.String("provider", m.sender.Name()))
	return nil
}

func (m *Mailer) wrap(err error, kind, recipient string) error {
	return errors.New(err).
		Component("mail").
		Category(errors.CategoryNotification).
		Context("kind", kind).
		Context("provider", m.sender.Name()).
		Context("recipient_domain", domainOf(recipient)).
		Build()
}

func domainOf(addr string) string {
	for i := len(addr) - 1; i >= 0; i-- {
		if addr[i] == '@' {
			return addr[i+1:]
		}
	}
	return ""
}
