package api

import (
	"context"
	"net/http"
	netmail "net/mail"
	"strings"

	"github.com/labstack/echo/v4"

	"github.com/emberwatch/emberwatch/internal/conversation"
	"github.com/emberwatch/emberwatch/internal/logger"
	"github.com/emberwatch/emberwatch/internal/mail"
)

// inboundMail is the webhook body, accepted as JSON or form fields.
type inboundMail struct {
	From      string `json:"from" form:"from"`
	Text      string `json:"text" form:"text"`
	HTML      string `json:"html" form:"html"`
	MessageID string `json:"messageId" form:"messageId"`
}

// InboundMailResponse reports what was done with a reply.
type InboundMailResponse struct {
	Outcome   conversation.Outcome `json:"outcome"`
	MessageID string               `json:"messageId,omitempty"`
	Error     string               `json:"error,omitempty"`
}

// handleInboundMail runs the same command contract as the IMAP poller for
// providers that push replies over HTTP.
func (s *Server) handleInboundMail(c echo.Context) error {
	var body inboundMail
	if err := c.Bind(&body); err != nil {
		return badRequest("invalid inbound mail body")
	}

	addr, err := netmail.ParseAddress(strings.TrimSpace(body.From))
	if err != nil {
		return badRequest("from must be an email address")
	}
	text := body.Text
	if strings.TrimSpace(text) == "" && body.HTML != "" {
		text = mail.HTMLToText(body.HTML)
	}

	msg := mail.InboundMessage{
		MessageID: body.MessageID,
		From:      addr.Address,
		Text:      text,
	}
	dedup := strings.TrimSpace(body.MessageID) != ""
	if dedup && !s.seen.First(body.MessageID) {
		s.log.Debug("duplicate inbound mail ignored", logger.String("message_id", body.MessageID))
		return c.JSON(http.StatusOK, InboundMailResponse{Outcome: conversation.OutcomeDuplicate, MessageID: body.MessageID})
	}

	outcome, err := s.replies.Handle(context.WithoutCancel(c.Request().Context()), msg)
	resp := InboundMailResponse{Outcome: outcome, MessageID: body.MessageID}
	if err != nil {
		s.log.Error("inbound mail handling failed",
			logger.String("outcome", string(outcome)),
			logger.Error(err))
		// The provider retries on 502; let the retry through.
		if dedup {
			s.seen.Forget(body.MessageID)
		}
		resp.Error = err.Error()
		return c.JSON(http.StatusBadGateway, resp)
	}
	return c.JSON(http.StatusOK, resp)
}
