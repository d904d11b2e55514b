package mail

import (
	"context"
	"fmt"
	"net/http"
	"strings"

	"github.com/emberwatch/emberwatch/internal/httpclient"
	"github.com/emberwatch/emberwatch/internal/logger"
)

const defaultMailjetURL = "https://api.mailjet.com"

// MailjetConfig configures a MailjetSender.
type MailjetConfig struct {
	APIKey    string
	SecretKey string
	BaseURL   string
	From      Address
}

// MailjetSender sends through the Mailjet v3.1 send API.
type MailjetSender struct {
	config MailjetConfig
	client *httpclient.Client
	log    logger.Logger
}

// NewMailjetSender validates cfg.
func NewMailjetSender(cfg MailjetConfig, client *httpclient.Client, log logger.Logger) (*MailjetSender, error) {
	if cfg.APIKey == "" || cfg.SecretKey == "" {
		return nil, fmt.Errorf("mailjet api key and secret key are required")
	}
	if cfg.From.Email == "" {
		return nil, fmt.Errorf("email from address is required")
	}
	if cfg.BaseURL == "" {
		cfg.BaseURL = defaultMailjetURL
	}
	cfg.BaseURL = strings.TrimRight(cfg.BaseURL, "/")
	if client == nil {
		client = httpclient.New(nil)
	}
	return &MailjetSender{config: cfg, client: client, log: log.Module("mailjet")}, nil
}

func (s *MailjetSender) Name() string { return "mailjet" }

type mailjetContact struct {
	Email string `json:"Email"`
	Name  string `json:"Name,omitempty"`
}

type mailjetMessage struct {
	From     mailjetContact   `json:"From"`
	To       []mailjetContact `json:"To"`
	Subject  string           `json:"Subject"`
	TextPart string           `json:"TextPart,omitempty"`
	HTMLPart string           `json:"HTMLPart,omitempty"`
	CustomID string           `json:"CustomID,omitempty"`
}

type mailjetRequest struct {
	Messages []mailjetMessage `json:"Messages"`
}

type mailjetResponse struct {
	Messages []struct {
		Status string `json:"Status"`
		Errors []struct {
			ErrorMessage string `json:"ErrorMessage"`
		} `json:"Errors"`
	} `json:"Messages"`
}

func (s *MailjetSender) Send(ctx context.Context, msg Message) error {
	body := mailjetRequest{Messages: []mailjetMessage{{
		From:     mailjetContact{Email: s.config.From.Email, Name: s.config.From.Name},
		To:       []mailjetContact{{Email: msg.To}},
		Subject:  msg.Subject,
		TextPart: msg.Text,
		HTMLPart: msg.HTML,
		CustomID: msg.CustomID,
	}}}

	req, err := httpclient.NewRequest(ctx, http.MethodPost, s.config.BaseURL+"/v3.1/send", "", body)
	if err != nil {
		return err
	}
	req.SetBasicAuth(s.config.APIKey, s.config.SecretKey)

	var resp mailjetResponse
	if err := s.client.DoJSON(ctx, req, &resp); err != nil {
		return fmt.Errorf("mailjet send failed: %w", err)
	}
	for _, m := range resp.Messages {
		if !strings.EqualFold(m.Status, "success") {
			reason := m.Status
			if len(m.Errors) > 0 {
				reason = m.Errors[0].ErrorMessage
			}
			return fmt.Errorf("mailjet rejected message: %s", reason)
		}
	}

	s.log.Debug("email sent", logger.String("custom_id", msg.CustomID))
	return nil
}
