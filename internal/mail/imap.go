package mail

import (
	"context"
	"crypto/tls"
	"fmt"
	"io"
	"net"
	"strconv"
	"time"

	"github.com/emersion/go-imap"
	imapclient "github.com/emersion/go-imap/client"

	"github.com/emberwatch/emberwatch/internal/conf"
)

// RawMessage is one fetched message with its mailbox sequence number.
type RawMessage struct {
	SeqNum uint32
	Body   []byte
}

// Mailbox is one connected mailbox session.
type Mailbox interface {
	// FetchUnseen returns every message without the \Seen flag. Fetching
	// must not set the flag.
	FetchUnseen(ctx context.Context) ([]RawMessage, error)
	MarkSeen(ctx context.Context, seqNums []uint32) error
	Close() error
}

// MailboxDialer opens a Mailbox session for one poll cycle.
type MailboxDialer func(ctx context.Context) (Mailbox, error)

// IMAPConfig configures IMAP dialing.
type IMAPConfig struct {
	Host     string
	Port     int
	Username string
	Password string
	Mailbox  string
	Timeout  time.Duration
}

// IMAPConfigFrom maps settings to an IMAPConfig.
func IMAPConfigFrom(s *conf.IMAPSettings) IMAPConfig {
	return IMAPConfig{
		Host:     s.Host,
		Port:     s.Port,
		Username: s.Username,
		Password: s.Password,
		Mailbox:  s.Mailbox,
		Timeout:  30 * time.Second,
	}
}

// NewIMAPDialer returns a MailboxDialer that logs into cfg over implicit TLS.
func NewIMAPDialer(cfg IMAPConfig) (MailboxDialer, error) {
	if cfg.Host == "" || cfg.Username == "" {
		return nil, fmt.Errorf("imap host and username are required")
	}
	if cfg.Port == 0 {
		cfg.Port = 993
	}
	if cfg.Mailbox == "" {
		cfg.Mailbox = "INBOX"
	}
	if cfg.Timeout == 0 {
		cfg.Timeout = 30 * time.Second
	}

	return func(ctx context.Context) (Mailbox, error) {
		addr := net.JoinHostPort(cfg.Host, strconv.Itoa(cfg.Port))
		dialer := &net.Dialer{Timeout: cfg.Timeout}
		if deadline, ok := ctx.Deadline(); ok {
			dialer.Deadline = deadline
		}

		c, err := imapclient.DialWithDialerTLS(dialer, addr, &tls.Config{ServerName: cfg.Host, MinVersion: tls.VersionTLS12})
		if err != nil {
			return nil, fmt.Errorf("imap: dial %s failed: %w", addr, err)
		}
		c.Timeout = cfg.Timeout

		if err := c.Login(cfg.Username, cfg.Password); err != nil {
			_ = c.Logout()
			return nil, fmt.Errorf("imap: login failed: %w", err)
		}
		if _, err := c.Select(cfg.Mailbox, false); err != nil {
			_ = c.Logout()
			return nil, fmt.Errorf("imap: select %s failed: %w", cfg.Mailbox, err)
		}
		return &imapMailbox{client: c}, nil
	}, nil
}

type imapMailbox struct {
	client *imapclient.Client
}

func (m *imapMailbox) FetchUnseen(ctx context.Context) ([]RawMessage, error) {
	criteria := imap.NewSearchCriteria()
	criteria.WithoutFlags = []string{imap.SeenFlag}
	seqNums, err := m.client.Search(criteria)
	if err != nil {
		return nil, fmt.Errorf("imap: search failed: %w", err)
	}
	if len(seqNums) == 0 {
		return nil, nil
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	seqset := new(imap.SeqSet)
	seqset.AddNum(seqNums...)
	section := &imap.BodySectionName{Peek: true}
	items := []imap.FetchItem{section.FetchItem()}

	messages := make(chan *imap.Message, 10)
	done := make(chan error, 1)
	go func() {
		done <- m.client.Fetch(seqset, items, messages)
	}()

	out := make([]RawMessage, 0, len(seqNums))
	for msg := range messages {
		for _, literal := range msg.Body {
			body, err := io.ReadAll(io.LimitReader(literal, 4*maxPartSize))
			if err == nil {
				out = append(out, RawMessage{SeqNum: msg.SeqNum, Body: body})
			}
			break
		}
	}
	if err := <-done; err != nil {
		return out, fmt.Errorf("imap: fetch failed: %w", err)
	}
	return out, nil
}

func (m *imapMailbox) MarkSeen(_ context.Context, seqNums []uint32) error {
	if len(seqNums) == 0 {
		return nil
	}
	seqset := new(imap.SeqSet)
	seqset.AddNum(seqNums...)
	item := imap.FormatFlagsOp(imap.AddFlags, true)
	if err := m.client.Store(seqset, item, []any{imap.SeenFlag}, nil); err != nil {
		return fmt.Errorf("imap: store flags failed: %w", err)
	}
	return nil
}

func (m *imapMailbox) Close() error {
	return m.client.Logout()
}
