package mail

import (
	"bytes"
	"fmt"
	"io"
	"strings"

	_ "github.com/emersion/go-message/charset" // registers non-UTF-8 decoders
	gomail "github.com/emersion/go-message/mail"
	"github.com/k3a/html2text"
)

// maxPartSize bounds how much of a single body part is read.
const maxPartSize = 256 << 10

// InboundMessage is a reply received by the poller or the inbound webhook.
type InboundMessage struct {
	MessageID string
	From      string
	Subject   string
	Text      string
}

// ParseMessage extracts the sender, Message-ID and the first readable text
// part of an RFC 5322 message. HTML-only bodies are converted to text and
// attachments are skipped.
func ParseMessage(raw []byte) (InboundMessage, error) {
	r, err := gomail.CreateReader(bytes.NewReader(raw))
	if err != nil && r == nil {
		return InboundMessage{}, fmt.Errorf("failed to read message: %w", err)
	}
	defer r.Close()

	var msg InboundMessage
	if from, err := r.Header.AddressList("From"); err == nil && len(from) > 0 {
		msg.From = from[0].Address
	}
	msg.MessageID, _ = r.Header.MessageID()
	msg.Subject, _ = r.Header.Subject()

	var htmlBody string
	for {
		p, err := r.NextPart()
		if err == io.EOF {
			break
		}
		if err != nil {
			// Keep whatever was readable before a malformed part.
			break
		}
		h, ok := p.Header.(*gomail.InlineHeader)
		if !ok {
			continue
		}
		ct, _, _ := h.ContentType()
		body, err := io.ReadAll(io.LimitReader(p.Body, maxPartSize))
		if err != nil {
			continue
		}
		switch ct {
		case "text/plain", "":
			if msg.Text == "" {
				msg.Text = string(body)
			}
		case "text/html":
			if htmlBody == "" {
				htmlBody = string(body)
			}
		}
		if msg.Text != "" {
			break
		}
	}
	if msg.Text == "" && htmlBody != "" {
		msg.Text = html2text.HTML2Text(htmlBody)
	}
	msg.Text = strings.TrimSpace(msg.Text)

	if msg.From == "" {
		return msg, fmt.Errorf("message has no From address")
	}
	return msg, nil
}

// HTMLToText converts an HTML body to plain text.
func HTMLToText(html string) string {
	return strings.TrimSpace(html2text.HTML2Text(html))
}
