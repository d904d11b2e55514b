// Package metrics provides custom Prometheus metrics for Emberwatch components.
package metrics

import (
	"fmt"
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

// EscalationMetrics contains metrics for the detection escalation pipeline.
type EscalationMetrics struct {
	DetectionsTotal  *prometheus.CounterVec   // detections by outcome: fire, no_fire, classification_error
	EmailsTotal      *prometheus.CounterVec   // alert emails by status: sent, failed, already_notified
	CallsTotal       *prometheus.CounterVec   // calls by status: placed, failed, skipped
	StageDuration    *prometheus.HistogramVec // latency of each external capability call
	StageErrors      *prometheus.CounterVec   // failures by stage and error category
	InFlight         prometheus.Gauge         // detections currently being handled
	EventsDropped    prometheus.Counter       // alert events dropped by a full event bus
	SlotWaitDuration prometheus.Histogram     // time spent waiting for a worker slot

	registry *prometheus.Registry
}

// NewEscalationMetrics creates and registers escalation metrics.
func NewEscalationMetrics(registry *prometheus.Registry) (*EscalationMetrics, error) {
	m := &EscalationMetrics{registry: registry}
	m.initMetrics()
	if err := registry.Register(m); err != nil {
		return nil, fmt.Errorf("failed to register escalation metrics: %w", err)
	}
	return m, nil
}

func (m *EscalationMetrics) initMetrics() {
	m.DetectionsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "emberwatch_detections_total",
			Help: "Total number of detection events by classification outcome",
		},
		[]string{"outcome"},
	)

	m.EmailsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "emberwatch_alert_emails_total",
			Help: "Total number of alert email decisions by status",
		},
		[]string{"status"},
	)

	m.CallsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "emberwatch_alert_calls_total",
			Help: "Total number of emergency call decisions by status",
		},
		[]string{"status"},
	)

	m.StageDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "emberwatch_stage_duration_seconds",
			Help:    "Time taken by each escalation stage",
			Buckets: []float64{0.01, 0.05, 0.1, 0.5, 1.0, 2.0, 5.0, 10.0, 30.0},
		},
		[]string{"stage"},
	)

	m.StageErrors = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "emberwatch_stage_errors_total",
			Help: "Total number of escalation stage failures by stage and error category",
		},
		[]string{"stage", "error_category"},
	)

	m.InFlight = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "emberwatch_detections_in_flight",
		Help: "Number of detection events currently being escalated",
	})

	m.EventsDropped = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "emberwatch_alert_events_dropped_total",
		Help: "Alert events dropped because the event bus buffer was full",
	})

	m.SlotWaitDuration = prometheus.NewHistogram(prometheus.HistogramOpts{
		Name:    "emberwatch_worker_slot_wait_seconds",
		Help:    "Time spent waiting for an external call slot",
		Buckets: prometheus.ExponentialBuckets(0.001, 4, 8),
	})
}

// RecordDetection counts a classified detection.
func (m *EscalationMetrics) RecordDetection(outcome string) {
	m.DetectionsTotal.WithLabelValues(outcome).Inc()
}

// RecordEmail counts an email decision.
func (m *EscalationMetrics) RecordEmail(status string) {
	m.EmailsTotal.WithLabelValues(status).Inc()
}

// RecordCall counts a call decision.
func (m *EscalationMetrics) RecordCall(status string) {
	m.CallsTotal.WithLabelValues(status).Inc()
}

// ObserveStage records the duration of a stage.
func (m *EscalationMetrics) ObserveStage(stage string, d time.Duration) {
	m.StageDuration.WithLabelValues(stage).Observe(d.Seconds())
}

// RecordStageError counts a failed stage.
func (m *EscalationMetrics) RecordStageError(stage, category string) {
	m.StageErrors.WithLabelValues(stage, category).Inc()
}

// Collect implements the prometheus.Collector interface.
func (m *EscalationMetrics) Collect(ch chan<- prometheus.Metric) {
	m.DetectionsTotal.Collect(ch)
	m.EmailsTotal.Collect(ch)
	m.CallsTotal.Collect(ch)
	m.StageDuration.Collect(ch)
	m.StageErrors.Collect(ch)
	m.InFlight.Collect(ch)
	m.EventsDropped.Collect(ch)
	m.SlotWaitDuration.Collect(ch)
}

// Describe implements the prometheus.Collector interface.
func (m *EscalationMetrics) Describe(ch chan<- *prometheus.Desc) {
	m.DetectionsTotal.Describe(ch)
	m.EmailsTotal.Describe(ch)
	m.CallsTotal.Describe(ch)
	m.StageDuration.Describe(ch)
	m.StageErrors.Describe(ch)
	m.InFlight.Describe(ch)
	m.EventsDropped.Describe(ch)
	m.SlotWaitDuration.Describe(ch)
}
