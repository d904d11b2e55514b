package mail

import (
	"context"
	"fmt"
	"io"
	"log"
	"net/url"
	"time"

	shoutrrr "github.com/nicholas-fedor/shoutrrr"
	stypes "github.com/nicholas-fedor/shoutrrr/pkg/types"

	"github.com/emberwatch/emberwatch/internal/logger"
)

// SMTPSender sends through a shoutrrr smtp:// URL. The recipient is set per
// message, so the configured URL only needs host, credentials and sender.
type SMTPSender struct {
	base *url.URL
	from Address
	log  logger.Logger
}

// NewSMTPSender parses rawURL.
func NewSMTPSender(rawURL string, from Address, log logger.Logger) (*SMTPSender, error) {
	if rawURL == "" {
		return nil, fmt.Errorf("smtp url is required")
	}
	u, err := url.Parse(rawURL)
	if err != nil {
		return nil, fmt.Errorf("invalid smtp url: %w", err)
	}
	if u.Scheme != "smtp" {
		return nil, fmt.Errorf("smtp url must use the smtp:// scheme, got %q", u.Scheme)
	}
	return &SMTPSender{base: u, from: from, log: log.Module("smtp")}, nil
}

func (s *SMTPSender) Name() string { return "smtp" }

// serviceURL returns the shoutrrr URL addressed to recipient.
func (s *SMTPSender) serviceURL(recipient string, html bool) string {
	u := *s.base
	q := u.Query()
	q.Set("toaddresses", recipient)
	if q.Get("fromaddress") == "" && s.from.Email != "" {
		q.Set("fromaddress", s.from.Email)
	}
	if q.Get("fromname") == "" && s.from.Name != "" {
		q.Set("fromname", s.from.Name)
	}
	if html {
		q.Set("usehtml", "yes")
	}
	u.RawQuery = q.Encode()
	return u.String()
}

func (s *SMTPSender) Send(ctx context.Context, msg Message) error {
	body, html := msg.Text, false
	if msg.HTML != "" {
		body, html = msg.HTML, true
	}

	sender, err := shoutrrr.CreateSender(s.serviceURL(msg.To, html))
	if err != nil {
		// The URL carries credentials, keep it out of the error.
		return fmt.Errorf("failed to create smtp sender")
	}
	if deadline, ok := ctx.Deadline(); ok {
		sender.Timeout = time.Until(deadline)
	}
	sender.SetLogger(log.New(io.Discard, "", 0))

	params := stypes.Params{}
	params.SetTitle(msg.Subject)

	for _, e := range sender.Send(body, &params) {
		if e != nil {
			return fmt.Errorf("smtp send failed: %w", e)
		}
	}
	s.log.Debug("email sent", logger.String("custom_id", msg.CustomID))
	return nil
}
