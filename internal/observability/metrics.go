// Package observability provides Prometheus metrics for Emberwatch.
// Sentry error telemetry lives in the errors package.
package observability

import (
	"fmt"
	"log"
	"net/http"
	"os"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/emberwatch/emberwatch/internal/observability/metrics"
)

// Metrics holds all the metric collectors for the application.
type Metrics struct {
	registry     *prometheus.Registry
	Escalation   *metrics.EscalationMetrics
	Notification *metrics.NotificationMetrics
	HTTP         *metrics.HTTPMetrics
	Conversation *metrics.ConversationMetrics
}

// NewMetrics creates a registry with every collector registered.
func NewMetrics() (*Metrics, error) {
	registry := prometheus.NewRegistry()
	registry.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)

	escalation, err := metrics.NewEscalationMetrics(registry)
	if err != nil {
		return nil, fmt.Errorf("failed to create escalation metrics: %w", err)
	}

	notification, err := metrics.NewNotificationMetrics(registry)
	if err != nil {
		return nil, fmt.Errorf("failed to create notification metrics: %w", err)
	}

	httpMetrics, err := metrics.NewHTTPMetrics(registry)
	if err != nil {
		return nil, fmt.Errorf("failed to create HTTP metrics: %w", err)
	}

	conversation, err := metrics.NewConversationMetrics(registry)
	if err != nil {
		return nil, fmt.Errorf("failed to create conversation metrics: %w", err)
	}

	return &Metrics{
		registry:     registry,
		Escalation:   escalation,
		Notification: notification,
		HTTP:         httpMetrics,
		Conversation: conversation,
	}, nil
}

// Registry exposes the underlying registry, mainly for tests.
func (m *Metrics) Registry() *prometheus.Registry {
	return m.registry
}

// Handler serves the registry in the Prometheus exposition format.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{
		ErrorLog:      log.New(os.Stderr, "metrics handler: ", log.LstdFlags),
		ErrorHandling: promhttp.HTTPErrorOnError,
	})
}
