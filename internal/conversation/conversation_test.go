package conversation

import (
	"context"
	"fmt"
	"io"
	"sync"
	"testing"
	"testing/synctest"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/emberwatch/emberwatch/internal/errors"
	"github.com/emberwatch/emberwatch/internal/ledger"
	"github.com/emberwatch/emberwatch/internal/llm"
	"github.com/emberwatch/emberwatch/internal/logger"
	"github.com/emberwatch/emberwatch/internal/mail"
	"github.com/emberwatch/emberwatch/internal/observability/metrics"
	"github.com/emberwatch/emberwatch/internal/storage"
	"github.com/emberwatch/emberwatch/internal/voice"
)

func testLogger() logger.Logger {
	return logger.NewSlogLogger(io.Discard, logger.LogLevelError, time.UTC)
}

func testMetrics(t *testing.T) *metrics.ConversationMetrics {
	t.Helper()
	m, err := metrics.NewConversationMetrics(prometheus.NewRegistry())
	require.NoError(t, err)
	return m
}

type fakeChatter struct {
	mu      sync.Mutex
	reply   string
	err     error
	history [][]llm.Message
}

func (f *fakeChatter) Chat(_ context.Context, history []llm.Message) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.history = append(f.history, append([]llm.Message(nil), history...))
	return f.reply, f.err
}

func TestStartSeedsOpeningWithSeverity(t *testing.T) {
	t.Parallel()

	mgr := NewManager(Config{}, nil, nil, testLogger())
	opening := mgr.Start("CA1", "Flames on the east wall.\nSeverity: high")

	assert.Contains(t, opening, voice.AlertScript)
	assert.Contains(t, opening, "severity as high")

	s, ok := mgr.Get("CA1")
	require.True(t, ok)
	assert.Equal(t, AwaitingFirstTurn, s.State)
	require.Len(t, s.History, 2)
	assert.Equal(t, llm.RoleSystem, s.History[0].Role)
	assert.Contains(t, s.History[0].Content, "Flames on the east wall.")
	assert.Equal(t, opening, mgr.Opening("CA1"))
}

func TestOpeningLineWithoutAnalysis(t *testing.T) {
	t.Parallel()

	line := OpeningLine("")
	assert.Contains(t, line, voice.AlertScript)
	assert.NotContains(t, line, "severity")
}

func TestAdvanceAppendsTurns(t *testing.T) {
	t.Parallel()

	chat := &fakeChatter{reply: "The fire is in the kitchen."}
	m := testMetrics(t)
	mgr := NewManager(Config{}, chat, m, testLogger())
	mgr.Start("CA1", "kitchen fire")

	reply := mgr.Advance(t.Context(), "CA1", "Where is the fire?")
	assert.Equal(t, "The fire is in the kitchen.", reply)

	s, ok := mgr.Get("CA1")
	require.True(t, ok)
	assert.Equal(t, InDialogue, s.State)
	require.Len(t, s.History, 4)
	assert.Equal(t, llm.Message{Role: llm.RoleUser, Content: "Where is the fire?"}, s.History[2])
	assert.Equal(t, llm.RoleAssistant, s.History[3].Role)

	require.Len(t, chat.history, 1)
	assert.Len(t, chat.history[0], 3, "model sees system, opening and the caller turn")
	assert.InDelta(t, 1, testutil.ToFloat64(m.TurnsTotal), 0)
}

func TestAdvanceApologizesWhenChatFails(t *testing.T) {
	t.Parallel()

	chat := &fakeChatter{err: fmt.Errorf("upstream 503")}
	mgr := NewManager(Config{}, chat, nil, testLogger())
	mgr.Start("CA1", "")

	assert.Equal(t, ApologyReply, mgr.Advance(t.Context(), "CA1", "hello?"))

	s, _ := mgr.Get("CA1")
	assert.Equal(t, ApologyReply, s.History[len(s.History)-1].Content)
}

func TestAdvanceRecoversUnknownSession(t *testing.T) {
	t.Parallel()

	chat := &fakeChatter{reply: "I am here."}
	m := testMetrics(t)
	mgr := NewManager(Config{}, chat, m, testLogger())

	reply := mgr.Advance(t.Context(), "CA-missing", "is anyone there")
	assert.Equal(t, "I am here.", reply)

	s, ok := mgr.Get("CA-missing")
	require.True(t, ok)
	assert.Equal(t, InDialogue, s.State)
	assert.Empty(t, s.Context)
	assert.InDelta(t, 1, testutil.ToFloat64(m.SessionsTotal.WithLabelValues("recovered")), 0)
}

func TestAdvanceAfterEndStartsFreshSession(t *testing.T) {
	t.Parallel()

	chat := &fakeChatter{reply: "ok"}
	mgr := NewManager(Config{}, chat, nil, testLogger())
	mgr.Start("CA1", "garage fire")
	mgr.Advance(t.Context(), "CA1", "first")
	mgr.End("CA1")

	s, _ := mgr.Get("CA1")
	assert.Equal(t, Ended, s.State)

	mgr.Advance(t.Context(), "CA1", "again")
	s, _ = mgr.Get("CA1")
	assert.Equal(t, InDialogue, s.State)
	assert.Empty(t, s.Context, "ended context is not carried over")
	assert.Len(t, s.History, 4)
}

func TestStartMergesIntoRecoveredSession(t *testing.T) {
	t.Parallel()

	chat := &fakeChatter{reply: "Leave the house."}
	mgr := NewManager(Config{}, chat, nil, testLogger())

	// The answer webhook arrives before the call is seeded.
	assert.NotContains(t, mgr.Opening("CA7"), "severity")
	opening := mgr.Start("CA7", "Smoke in the attic.\nSeverity: extreme")
	assert.Contains(t, opening, "severity as extreme")
	assert.Equal(t, opening, mgr.Opening("CA7"))

	mgr.Advance(t.Context(), "CA7", "what should I do")
	require.Len(t, chat.history, 1)
	assert.Contains(t, chat.history[0][0].Content, "Smoke in the attic.")

	s, ok := mgr.Get("CA7")
	require.True(t, ok)
	assert.Equal(t, "Smoke in the attic.\nSeverity: extreme", s.Context)
	assert.Len(t, s.History, 4)
}

func TestStartAfterFirstTurnKeepsDialogue(t *testing.T) {
	t.Parallel()

	mgr := NewManager(Config{}, &fakeChatter{reply: "Stay calm."}, nil, testLogger())
	mgr.Advance(t.Context(), "CA9", "hello?")
	mgr.Start("CA9", "Severity: high")

	s, ok := mgr.Get("CA9")
	require.True(t, ok)
	assert.Equal(t, InDialogue, s.State)
	require.Len(t, s.History, 4)
	assert.Contains(t, s.History[0].Content, "Severity: high")
	assert.Equal(t, "Stay calm.", s.History[3].Content)
}

func TestStartReplacesEndedSession(t *testing.T) {
	t.Parallel()

	mgr := NewManager(Config{}, &fakeChatter{reply: "ok"}, nil, testLogger())
	mgr.Start("CA8", "old fire")
	mgr.Advance(t.Context(), "CA8", "hi")
	mgr.End("CA8")

	mgr.Start("CA8", "new fire")
	s, ok := mgr.Get("CA8")
	require.True(t, ok)
	assert.Equal(t, AwaitingFirstTurn, s.State)
	assert.Equal(t, "new fire", s.Context)
	assert.Len(t, s.History, 2)
}

func TestEndUnknownSessionIsNoop(t *testing.T) {
	t.Parallel()

	mgr := NewManager(Config{}, nil, nil, testLogger())
	mgr.End("nope")
	assert.Equal(t, 0, mgr.Len())
}

func TestHistoryIsTrimmed(t *testing.T) {
	t.Parallel()

	chat := &fakeChatter{reply: "ok"}
	mgr := NewManager(Config{MaxHistory: 6}, chat, nil, testLogger())
	mgr.Start("CA1", "")
	for i := range 10 {
		mgr.Advance(t.Context(), "CA1", fmt.Sprintf("turn %d", i))
	}

	s, _ := mgr.Get("CA1")
	require.Len(t, s.History, 6)
	assert.Equal(t, llm.RoleSystem, s.History[0].Role)
	assert.Equal(t, "turn 9", s.History[4].Content)
}

func TestConcurrentTurnsShareOneSession(t *testing.T) {
	t.Parallel()

	chat := &fakeChatter{reply: "ok"}
	m := testMetrics(t)
	mgr := NewManager(Config{MaxHistory: 200}, chat, m, testLogger())

	var wg sync.WaitGroup
	for i := range 20 {
		wg.Go(func() {
			mgr.Advance(t.Context(), "CA1", fmt.Sprintf("turn %d", i))
		})
	}
	wg.Wait()

	s, ok := mgr.Get("CA1")
	require.True(t, ok)
	assert.Len(t, s.History, 2+20*2)
	assert.InDelta(t, 1, testutil.ToFloat64(m.SessionsTotal.WithLabelValues("recovered")), 0)
}

func TestSessionExpiresAfterInactivity(t *testing.T) {
	synctest.Test(t, func(t *testing.T) {
		m := testMetrics(t)
		mgr := NewManager(Config{InactivityTimeout: time.Minute}, &fakeChatter{reply: "ok"}, m, testLogger())
		mgr.Start("CA1", "")

		time.Sleep(45 * time.Second)
		mgr.Advance(t.Context(), "CA1", "still there")
		time.Sleep(45 * time.Second)
		mgr.Sweep()
		_, ok := mgr.Get("CA1")
		require.True(t, ok, "a turn refreshes the inactivity deadline")

		time.Sleep(16 * time.Second)
		mgr.Sweep()
		_, ok = mgr.Get("CA1")
		assert.False(t, ok)
		assert.InDelta(t, 1, testutil.ToFloat64(m.SessionsEnded.WithLabelValues("inactivity")), 0)
		assert.InDelta(t, 0, testutil.ToFloat64(m.SessionsActive), 0)
	})
}

func TestRunSweepsUntilCanceled(t *testing.T) {
	synctest.Test(t, func(t *testing.T) {
		mgr := NewManager(Config{InactivityTimeout: 20 * time.Second}, nil, nil, testLogger())
		mgr.Start("CA1", "")

		ctx, cancel := context.WithCancel(t.Context())
		done := make(chan struct{})
		go func() {
			mgr.Run(ctx)
			close(done)
		}()

		time.Sleep(30 * time.Second)
		synctest.Wait()
		assert.Equal(t, 0, mgr.Len())

		cancel()
		<-done
	})
}

func TestParseCommand(t *testing.T) {
	t.Parallel()

	tests := []struct {
		body string
		want Command
	}{
		{"STATUS", CommandStatus},
		{"status please", CommandStatus},
		{"what's the Status?", CommandStatus},
		{"call", CommandCall},
		{"please CALL 911", CommandCall},
		{"call me with the status", CommandStatus},
		{"CALL then STATUS", CommandStatus},
		{"thanks", CommandNone},
		{"", CommandNone},
		{"recall", CommandCall},
	}
	for _, tt := range tests {
		t.Run(tt.body, func(t *testing.T) {
			t.Parallel()
			assert.Equal(t, tt.want, ParseCommand(tt.body))
		})
	}
}

type fakeContacts map[string]string

func (f fakeContacts) ResolveSubject(_ context.Context, email string) (string, error) {
	if s, ok := f[email]; ok {
		return s, nil
	}
	return "", ledger.ErrNotFound
}

type fakeImages struct {
	objects map[string]storage.Object
	data    []byte
	err     error
}

func (f *fakeImages) Latest(_ context.Context, prefix string) (storage.Object, error) {
	if f.err != nil {
		return storage.Object{}, f.err
	}
	obj, ok := f.objects[prefix]
	if !ok {
		return storage.Object{}, storage.ErrNoObjects
	}
	return obj, nil
}

func (f *fakeImages) Fetch(_ context.Context, _ string) ([]byte, error) {
	return f.data, nil
}

type fakeStatusMailer struct {
	mu   sync.Mutex
	sent []string
	err  error
}

func (f *fakeStatusMailer) SendStatus(_ context.Context, recipient, analysis, imageURL string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.err != nil {
		return f.err
	}
	f.sent = append(f.sent, recipient+"|"+analysis+"|"+imageURL)
	return nil
}

type fakeAnalyzer struct {
	text string
	err  error
}

func (f fakeAnalyzer) AnalyzeImage(context.Context, []byte) (string, error) { return f.text, f.err }

func newReplyHandler(t *testing.T, analyzer llm.Analyzer, mailer StatusMailer, images *fakeImages) (*ReplyHandler, *metrics.ConversationMetrics) {
	t.Helper()
	m := testMetrics(t)
	h := NewReplyHandler(ReplyHandlerConfig{
		Contacts: fakeContacts{"owner@example.com": "u1"},
		Images:   images,
		Analyzer: analyzer,
		Mailer:   mailer,
		Metrics:  m,
	}, testLogger())
	return h, m
}

func withImage() *fakeImages {
	return &fakeImages{
		objects: map[string]storage.Object{
			"u1/": {Key: "u1/u1_fire_frame_105.jpg", URL: "https://img.test/u1/u1_fire_frame_105.jpg"},
		},
		data: []byte{0xff, 0xd8},
	}
}

func TestReplyStatusSendsAnalysis(t *testing.T) {
	t.Parallel()

	mailer := &fakeStatusMailer{}
	h, m := newReplyHandler(t, fakeAnalyzer{text: "Small fire.\nSeverity: low"}, mailer, withImage())

	outcome, err := h.Handle(t.Context(), mail.InboundMessage{From: "owner@example.com", Text: "Status?"})
	require.NoError(t, err)
	assert.Equal(t, OutcomeStatusSent, outcome)
	require.Len(t, mailer.sent, 1)
	assert.Equal(t, "owner@example.com|Small fire.\nSeverity: low|https://img.test/u1/u1_fire_frame_105.jpg", mailer.sent[0])
	assert.InDelta(t, 1, testutil.ToFloat64(m.MailRepliesTotal.WithLabelValues("status_sent")), 0)
}

func TestReplyStatusWinsOverCall(t *testing.T) {
	t.Parallel()

	mailer := &fakeStatusMailer{}
	h, _ := newReplyHandler(t, fakeAnalyzer{text: "ok"}, mailer, withImage())

	outcome, err := h.Handle(t.Context(), mail.InboundMessage{From: "owner@example.com", Text: "call me or send status"})
	require.NoError(t, err)
	assert.Equal(t, OutcomeStatusSent, outcome)
	assert.Len(t, mailer.sent, 1)
}

func TestReplyStatusFallsBackWhenAnalysisFails(t *testing.T) {
	t.Parallel()

	mailer := &fakeStatusMailer{}
	h, _ := newReplyHandler(t, fakeAnalyzer{err: fmt.Errorf("quota")}, mailer, withImage())

	outcome, err := h.Handle(t.Context(), mail.InboundMessage{From: "owner@example.com", Text: "STATUS"})
	require.NoError(t, err)
	assert.Equal(t, OutcomeStatusSent, outcome)
	require.Len(t, mailer.sent, 1)
	assert.Contains(t, mailer.sent[0], llm.FallbackAnalysis)
}

func TestReplyOutcomes(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name    string
		msg     mail.InboundMessage
		images  *fakeImages
		mailErr error
		want    Outcome
		wantErr bool
	}{
		{"call is not implemented", mail.InboundMessage{From: "owner@example.com", Text: "CALL"}, withImage(), nil, OutcomeNotImplemented, false},
		{"no command", mail.InboundMessage{From: "owner@example.com", Text: "thank you"}, withImage(), nil, OutcomeIgnored, false},
		{"unknown sender", mail.InboundMessage{From: "stranger@example.com", Text: "STATUS"}, withImage(), nil, OutcomeUnknownSender, false},
		{"no stored image", mail.InboundMessage{From: "owner@example.com", Text: "STATUS"}, &fakeImages{}, nil, OutcomeNoImage, false},
		{"storage failure", mail.InboundMessage{From: "owner@example.com", Text: "STATUS"}, &fakeImages{err: fmt.Errorf("disk gone")}, nil, OutcomeStatusFailed, true},
		{"send failure", mail.InboundMessage{From: "owner@example.com", Text: "STATUS"}, withImage(), fmt.Errorf("smtp down"), OutcomeStatusFailed, true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			mailer := &fakeStatusMailer{err: tt.mailErr}
			h, m := newReplyHandler(t, nil, mailer, tt.images)

			outcome, err := h.Handle(t.Context(), tt.msg)
			assert.Equal(t, tt.want, outcome)
			if tt.wantErr {
				require.Error(t, err)
			} else {
				require.NoError(t, err)
			}
			assert.Empty(t, mailer.sent)
			assert.InDelta(t, 1, testutil.ToFloat64(m.MailRepliesTotal.WithLabelValues(string(tt.want))), 0)
		})
	}
}

func TestReplyWithoutMailerFails(t *testing.T) {
	t.Parallel()

	h := NewReplyHandler(ReplyHandlerConfig{
		Contacts: fakeContacts{"owner@example.com": "u1"},
		Images:   withImage(),
	}, testLogger())

	outcome, err := h.Handle(t.Context(), mail.InboundMessage{From: "owner@example.com", Text: "status"})
	assert.Equal(t, OutcomeStatusFailed, outcome)
	assert.True(t, errors.IsCategory(err, errors.CategoryConfiguration))
}
