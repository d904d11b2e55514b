// Package conversation keeps the per-call dialogue state of the voice
// follow-up and handles command replies to alert emails.
package conversation

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/patrickmn/go-cache"

	"github.com/emberwatch/emberwatch/internal/errors"
	"github.com/emberwatch/emberwatch/internal/llm"
	"github.com/emberwatch/emberwatch/internal/logger"
	"github.com/emberwatch/emberwatch/internal/observability/metrics"
	"github.com/emberwatch/emberwatch/internal/voice"
)

// State of a session.
type State int

const (
	AwaitingFirstTurn State = iota
	InDialogue
	Ended
)

func (s State) String() string {
	switch s {
	case AwaitingFirstTurn:
		return "AWAITING_FIRST_TURN"
	case InDialogue:
		return "IN_DIALOGUE"
	case Ended:
		return "ENDED"
	default:
		return "UNKNOWN"
	}
}

func (s State) MarshalText() ([]byte, error) { return []byte(s.String()), nil }

// ErrSessionNotFound is logged when a turn arrives for an unknown or ended
// session. It is never returned to transports.
var ErrSessionNotFound = errors.Newf("conversation session not found").
	Component("conversation").
	Category(errors.CategorySessionNotFound).
	Build()

const (
	// ApologyReply answers a turn the model could not.
	ApologyReply = "I'm sorry, I'm having trouble answering right now. " +
		"If you are in danger, leave the area and call emergency services."

	systemPrompt = "You are the voice assistant of an automated fire detection system, speaking " +
		"with a person on an emergency phone call. Answer in at most two short spoken sentences " +
		"without lists or formatting. Be calm and factual. If anyone may be in danger, tell them " +
		"to leave the area and call emergency services."

	inviteText = " You can ask me about the situation, or hang up at any time."
)

// Session is a snapshot of one dialogue.
type Session struct {
	ID         string        `json:"id"`
	State      State         `json:"state"`
	Context    string        `json:"context,omitempty"`
	History    []llm.Message `json:"history"`
	CreatedAt  time.Time     `json:"createdAt"`
	LastActive time.Time     `json:"lastActive"`
}

type session struct {
	mu sync.Mutex
	Session
}

func (s *session) snapshot() Session {
	out := s.Session
	out.History = append([]llm.Message(nil), s.History...)
	return out
}

// Config tunes a Manager.
type Config struct {
	InactivityTimeout time.Duration
	MaxHistory        int
	ChatTimeout       time.Duration
}

// Manager owns every live session. Sessions idle longer than the inactivity
// timeout are ended and evicted.
type Manager struct {
	config   Config
	sessions *cache.Cache
	chat     llm.Chatter
	metrics  *metrics.ConversationMetrics
	log      logger.Logger
	// create serializes get-or-create so concurrent webhooks for one call
	// share a session.
	create sync.Mutex
}

// NewManager returns a Manager. chat and m may be nil.
func NewManager(cfg Config, chat llm.Chatter, m *metrics.ConversationMetrics, log logger.Logger) *Manager {
	if cfg.InactivityTimeout <= 0 {
		cfg.InactivityTimeout = 10 * time.Minute
	}
	if cfg.MaxHistory <= 0 {
		cfg.MaxHistory = 40
	}
	if cfg.ChatTimeout <= 0 {
		cfg.ChatTimeout = 20 * time.Second
	}
	mgr := &Manager{
		config: cfg,
		// Expiry is swept by Run, so no janitor goroutine here.
		sessions: cache.New(cfg.InactivityTimeout, 0),
		chat:     chat,
		metrics:  m,
		log:      log.Module("conversation"),
	}
	mgr.sessions.OnEvicted(mgr.onEvicted)
	return mgr
}

// OpeningLine is the first thing said on a call, summarizing analysis when
// one is available.
func OpeningLine(analysis string) string {
	line := voice.AlertScript
	if sev := llm.ParseSeverity(analysis); sev != llm.SeverityUnknown {
		line += fmt.Sprintf(" The automated analysis rates the fire severity as %s.", sev)
	}
	return line + inviteText
}

// Start seeds sessionID with systemContext and returns the opening
// utterance. A live session recovered before Start keeps its dialogue and
// gains the context; any other existing session is replaced.
func (m *Manager) Start(sessionID, systemContext string) string {
	m.create.Lock()
	defer m.create.Unlock()

	fresh := m.newSession(sessionID, systemContext)
	if s, ok := m.lookup(sessionID); ok && m.merge(s, fresh) {
		m.count("started")
		m.log.Info("voice session started on recovered dialogue", logger.String("session_id", sessionID))
		return fresh.History[len(fresh.History)-1].Content
	}
	m.put(fresh)
	m.count("started")
	m.log.Info("voice session started", logger.String("session_id", sessionID))
	return fresh.History[len(fresh.History)-1].Content
}

// merge copies the context of fresh into the live, context-free session s
// and reports whether it did.
func (m *Manager) merge(s, fresh *session) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.State == Ended || s.Context != "" {
		return false
	}
	s.Context = fresh.Context
	s.History[0] = fresh.History[0]
	if s.State == AwaitingFirstTurn {
		s.History[len(s.History)-1] = fresh.History[len(fresh.History)-1]
	}
	s.LastActive = fresh.LastActive
	m.touch(s)
	return true
}

func (m *Manager) newSession(id, systemContext string) *session {
	now := time.Now()
	system := systemPrompt
	if ctx := strings.TrimSpace(systemContext); ctx != "" {
		system += "\n\nLatest fire analysis:\n" + ctx
	}
	return &session{Session: Session{
		ID:      id,
		State:   AwaitingFirstTurn,
		Context: systemContext,
		History: []llm.Message{
			{Role: llm.RoleSystem, Content: system},
			{Role: llm.RoleAssistant, Content: OpeningLine(systemContext)},
		},
		CreatedAt:  now,
		LastActive: now,
	}}
}

// Opening returns the pending opening utterance of sessionID, starting a
// default session when none exists. Once the dialogue has begun it returns
// the last assistant utterance.
func (m *Manager) Opening(sessionID string) string {
	s, _ := m.lookupOrRecover(sessionID)
	s.mu.Lock()
	defer s.mu.Unlock()
	for i := len(s.History) - 1; i >= 0; i-- {
		if s.History[i].Role == llm.RoleAssistant {
			return s.History[i].Content
		}
	}
	return OpeningLine("")
}

// Advance records the caller's utterance and returns the assistant reply.
// Unknown or ended sessions are replaced by a fresh default session first.
func (m *Manager) Advance(ctx context.Context, sessionID, utterance string) string {
	s, _ := m.lookupOrRecover(sessionID)

	s.mu.Lock()
	defer s.mu.Unlock()

	s.History = append(s.History, llm.Message{Role: llm.RoleUser, Content: utterance})
	s.State = InDialogue
	s.LastActive = time.Now()

	reply := m.reply(ctx, s.History)
	s.History = append(s.History, llm.Message{Role: llm.RoleAssistant, Content: reply})
	s.History = trimHistory(s.History, m.config.MaxHistory)
	m.touch(s)

	if m.metrics != nil {
		m.metrics.TurnsTotal.Inc()
	}
	return reply
}

func (m *Manager) reply(ctx context.Context, history []llm.Message) string {
	if m.chat == nil {
		return ApologyReply
	}
	cctx, cancel := context.WithTimeout(ctx, m.config.ChatTimeout)
	defer cancel()

	reply, err := m.chat.Chat(cctx, history)
	if err != nil || strings.TrimSpace(reply) == "" {
		m.log.Warn("chat turn failed, answering with apology", logger.Error(err))
		return ApologyReply
	}
	return reply
}

// End marks sessionID ENDED, for example when the call disconnects. Ending
// an unknown session is a no-op.
func (m *Manager) End(sessionID string) {
	s, ok := m.lookup(sessionID)
	if !ok {
		return
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.State == Ended {
		return
	}
	s.State = Ended
	s.LastActive = time.Now()
	m.touch(s)
	m.ended("hangup")
	m.log.Info("voice session ended", logger.String("session_id", sessionID))
}

// Get returns a snapshot of sessionID.
func (m *Manager) Get(sessionID string) (Session, bool) {
	s, ok := m.lookup(sessionID)
	if !ok {
		return Session{}, false
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.snapshot(), true
}

// Len is the number of sessions held, including ended ones not yet evicted.
func (m *Manager) Len() int {
	return m.sessions.ItemCount()
}

// Sweep evicts sessions whose inactivity timeout has elapsed.
func (m *Manager) Sweep() {
	m.sessions.DeleteExpired()
}

// Run sweeps expired sessions until ctx is canceled.
func (m *Manager) Run(ctx context.Context) {
	interval := max(m.config.InactivityTimeout/4, time.Second)
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			m.Sweep()
		}
	}
}

func (m *Manager) lookup(id string) (*session, bool) {
	v, ok := m.sessions.Get(id)
	if !ok {
		return nil, false
	}
	return v.(*session), true
}

// lookupOrRecover returns the live session for id, replacing a missing or
// ended one with a default session. recovered reports the replacement.
func (m *Manager) lookupOrRecover(id string) (s *session, recovered bool) {
	m.create.Lock()
	defer m.create.Unlock()

	if s, ok := m.lookup(id); ok {
		s.mu.Lock()
		ended := s.State == Ended
		s.mu.Unlock()
		if !ended {
			return s, false
		}
	}

	m.log.Warn("recovering voice session",
		logger.String("session_id", id),
		logger.Error(ErrSessionNotFound))
	s = m.newSession(id, "")
	m.put(s)
	m.count("recovered")
	return s, true
}

func (m *Manager) put(s *session) {
	m.sessions.Set(s.ID, s, cache.DefaultExpiration)
	if m.metrics != nil {
		m.metrics.SessionsActive.Set(float64(m.sessions.ItemCount()))
	}
}

// touch refreshes the inactivity deadline of s. Callers hold s.mu.
func (m *Manager) touch(s *session) {
	m.sessions.Set(s.ID, s, cache.DefaultExpiration)
}

func (m *Manager) onEvicted(id string, v any) {
	s, ok := v.(*session)
	if !ok {
		return
	}
	s.mu.Lock()
	wasLive := s.State != Ended
	s.State = Ended
	s.mu.Unlock()
	if wasLive {
		m.ended("inactivity")
		m.log.Info("voice session expired", logger.String("session_id", id))
	}
	if m.metrics != nil {
		m.metrics.SessionsActive.Set(float64(m.sessions.ItemCount()))
	}
}

func (m *Manager) count(origin string) {
	if m.metrics != nil {
		m.metrics.SessionsTotal.WithLabelValues(origin).Inc()
	}
}

func (m *Manager) ended(reason string) {
	if m.metrics != nil {
		m.metrics.SessionsEnded.WithLabelValues(reason).Inc()
	}
}

// trimHistory keeps system messages and the newest turns so the total stays
// within limit.
func trimHistory(history []llm.Message, limit int) []llm.Message {
	if len(history) <= limit {
		return history
	}
	var system, turns []llm.Message
	for _, msg := range history {
		if msg.Role == llm.RoleSystem {
			system = append(system, msg)
		} else {
			turns = append(turns, msg)
		}
	}
	keep := max(limit-len(system), 0)
	if len(turns) > keep {
		turns = turns[len(turns)-keep:]
	}
	return append(system, turns...)
}
