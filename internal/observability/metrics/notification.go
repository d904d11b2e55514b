package metrics

import (
	"fmt"
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

// NotificationMetrics contains metrics for outbound providers: mail, voice,
// LLM and the alert publishers.
type NotificationMetrics struct {
	ProviderDeliveriesTotal     *prometheus.CounterVec   // deliveries by provider and status
	ProviderDeliveryDuration    *prometheus.HistogramVec // latency by provider
	ProviderHealthStatus        *prometheus.GaugeVec     // 1=healthy, 0=unhealthy
	ProviderCircuitBreakerState *prometheus.GaugeVec     // 0=closed, 1=half-open, 2=open
	ProviderConsecutiveFailures *prometheus.GaugeVec
	ProviderTimeouts            *prometheus.CounterVec

	registry *prometheus.Registry
}

// NewNotificationMetrics creates and registers provider metrics.
func NewNotificationMetrics(registry *prometheus.Registry) (*NotificationMetrics, error) {
	m := &NotificationMetrics{registry: registry}
	m.initMetrics()
	if err := registry.Register(m); err != nil {
		return nil, fmt.Errorf("failed to register notification metrics: %w", err)
	}
	return m, nil
}

func (m *NotificationMetrics) initMetrics() {
	m.ProviderDeliveriesTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "emberwatch_provider_deliveries_total",
			Help: "Total number of provider requests by provider and status",
		},
		[]string{"provider", "status"}, // status: success, error, timeout, rejected
	)

	m.ProviderDeliveryDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "emberwatch_provider_delivery_duration_seconds",
			Help:    "Time taken by provider requests",
			Buckets: []float64{0.01, 0.05, 0.1, 0.5, 1.0, 2.0, 5.0, 10.0, 30.0},
		},
		[]string{"provider"},
	)

	m.ProviderHealthStatus = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "emberwatch_provider_health_status",
			Help: "Current health status of a provider (1=healthy, 0=unhealthy)",
		},
		[]string{"provider"},
	)

	m.ProviderCircuitBreakerState = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "emberwatch_provider_circuit_breaker_state",
			Help: "Circuit breaker state for a provider (0=closed, 1=half-open, 2=open)",
		},
		[]string{"provider"},
	)

	m.ProviderConsecutiveFailures = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "emberwatch_provider_consecutive_failures",
			Help: "Number of consecutive failures for a provider",
		},
		[]string{"provider"},
	)

	m.ProviderTimeouts = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "emberwatch_provider_timeouts_total",
			Help: "Total number of provider requests that hit their deadline",
		},
		[]string{"provider"},
	)
}

// RecordDelivery records a provider request outcome and its latency.
func (m *NotificationMetrics) RecordDelivery(provider, status string, d time.Duration) {
	m.ProviderDeliveriesTotal.WithLabelValues(provider, status).Inc()
	m.ProviderDeliveryDuration.WithLabelValues(provider).Observe(d.Seconds())
}

func (m *NotificationMetrics) RecordTimeout(provider string) {
	m.ProviderTimeouts.WithLabelValues(provider).Inc()
}

func (m *NotificationMetrics) UpdateHealthStatus(provider string, healthy bool) {
	v := 0.0
	if healthy {
		v = 1.0
		m.ProviderConsecutiveFailures.WithLabelValues(provider).Set(0)
	}
	m.ProviderHealthStatus.WithLabelValues(provider).Set(v)
}

func (m *NotificationMetrics) UpdateCircuitBreakerState(provider string, state int) {
	m.ProviderCircuitBreakerState.WithLabelValues(provider).Set(float64(state))
}

func (m *NotificationMetrics) IncrementConsecutiveFailures(provider string) {
	m.ProviderConsecutiveFailures.WithLabelValues(provider).Inc()
}

// Collect implements the prometheus.Collector interface.
func (m *NotificationMetrics) Collect(ch chan<- prometheus.Metric) {
	m.ProviderDeliveriesTotal.Collect(ch)
	m.ProviderDeliveryDuration.Collect(ch)
	m.ProviderHealthStatus.Collect(ch)
	m.ProviderCircuitBreakerState.Collect(ch)
	m.ProviderConsecutiveFailures.Collect(ch)
	m.ProviderTimeouts.Collect(ch)
}

// Describe implements the prometheus.Collector interface.
func (m *NotificationMetrics) Describe(ch chan<- *prometheus.Desc) {
	m.ProviderDeliveriesTotal.Describe(ch)
	m.ProviderDeliveryDuration.Describe(ch)
	m.ProviderHealthStatus.Describe(ch)
	m.ProviderCircuitBreakerState.Describe(ch)
	m.ProviderConsecutiveFailures.Describe(ch)
	m.ProviderTimeouts.Describe(ch)
}
