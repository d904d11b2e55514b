// Package mail sends alert and status emails and polls a mailbox for replies.
package mail

import (
	"context"
	"fmt"
	"net/mail"
	"strings"

	"github.com/emberwatch/emberwatch/internal/conf"
	"github.com/emberwatch/emberwatch/internal/httpclient"
	"github.com/emberwatch/emberwatch/internal/logger"
)

// Message is one outbound email.
type Message struct {
	To       string
	Subject  string
	Text     string
	HTML     string
	CustomID string
}

// Sender delivers a Message through a transport.
type Sender interface {
	Name() string
	Send(ctx context.Context, msg Message) error
}

// Address is the From identity used by senders.
type Address struct {
	Email string
	Name  string
}

func (a Address) String() string {
	return (&mail.Address{Name: a.Name, Address: a.Email}).String()
}

// NewSender builds the configured sender. It returns nil, nil when email is
// disabled.
func NewSender(settings *conf.EmailSettings, client *httpclient.Client, log logger.Logger) (Sender, error) {
	from := Address{Email: settings.From, Name: settings.FromName}
	switch strings.ToLower(settings.Provider) {
	case "", "none":
		return nil, nil
	case "mailjet":
		return NewMailjetSender(MailjetConfig{
			APIKey:    settings.Mailjet.APIKey,
			SecretKey: settings.Mailjet.SecretKey,
			BaseURL:   settings.Mailjet.BaseURL,
			From:      from,
		}, client, log)
	case "smtp":
		return NewSMTPSender(settings.SMTP.URL, from, log)
	default:
		return nil, fmt.Errorf("unsupported email provider %q", settings.Provider)
	}
}
