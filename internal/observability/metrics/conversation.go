package metrics

import (
	"fmt"

	"github.com/prometheus/client_golang/prometheus"
)

// ConversationMetrics tracks voice sessions and inbound mail handling.
type ConversationMetrics struct {
	SessionsActive   prometheus.Gauge
	SessionsTotal    *prometheus.CounterVec // sessions by how they began: started, recovered
	SessionsEnded    *prometheus.CounterVec // sessions by end reason: hangup, inactivity
	TurnsTotal       prometheus.Counter
	MailRepliesTotal *prometheus.CounterVec // inbound mail by result

	registry *prometheus.Registry
}

// NewConversationMetrics creates and registers conversation metrics.
func NewConversationMetrics(registry *prometheus.Registry) (*ConversationMetrics, error) {
	m := &ConversationMetrics{registry: registry}
	m.SessionsActive = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "emberwatch_voice_sessions_active",
		Help: "Number of live voice sessions",
	})
	m.SessionsTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "emberwatch_voice_sessions_total",
		Help: "Total number of voice sessions by origin",
	}, []string{"origin"})
	m.SessionsEnded = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "emberwatch_voice_sessions_ended_total",
		Help: "Total number of ended voice sessions by reason",
	}, []string{"reason"})
	m.TurnsTotal = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "emberwatch_voice_turns_total",
		Help: "Total number of caller turns answered",
	})
	m.MailRepliesTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "emberwatch_mail_replies_total",
		Help: "Total number of inbound emails by handling result",
	}, []string{"result"})

	if err := registry.Register(m); err != nil {
		return nil, fmt.Errorf("failed to register conversation metrics: %w", err)
	}
	return m, nil
}

// Collect implements the prometheus.Collector interface.
func (m *ConversationMetrics) Collect(ch chan<- prometheus.Metric) {
	m.SessionsActive.Collect(ch)
	m.SessionsTotal.Collect(ch)
	m.SessionsEnded.Collect(ch)
	m.TurnsTotal.Collect(ch)
	m.MailRepliesTotal.Collect(ch)
}

// Describe implements the prometheus.Collector interface.
func (m *ConversationMetrics) Describe(ch chan<- *prometheus.Desc) {
	m.SessionsActive.Describe(ch)
	m.SessionsTotal.Describe(ch)
	m.SessionsEnded.Describe(ch)
	m.TurnsTotal.Describe(ch)
	m.MailRepliesTotal.Describe(ch)
}
