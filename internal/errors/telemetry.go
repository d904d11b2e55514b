package errors

import (
	"fmt"
	"regexp"
	"strings"
	"sync/atomic"

	"github.com/getsentry/sentry-go"
)

// TelemetryReporter receives every built EnhancedError.
type TelemetryReporter interface {
	ReportError(err *EnhancedError)
	IsEnabled() bool
}

type reporterHolder struct{ r TelemetryReporter }

var globalReporter atomic.Pointer[reporterHolder]

// SetTelemetryReporter installs reporter; nil disables reporting.
func SetTelemetryReporter(reporter TelemetryReporter) {
	if reporter == nil {
		globalReporter.Store(nil)
		return
	}
	globalReporter.Store(&reporterHolder{r: reporter})
}

func reportToTelemetry(ee *EnhancedError) {
	h := globalReporter.Load()
	if h == nil || !h.r.IsEnabled() || ee.IsReported() {
		return
	}
	h.r.ReportError(ee)
}

// SentryReporter forwards high and critical priority errors to Sentry.
// sentry.Init must have been called by the process.
type SentryReporter struct {
	enabled bool
}

func NewSentryReporter(enabled bool) *SentryReporter {
	return &SentryReporter{enabled: enabled}
}

func (sr *SentryReporter) IsEnabled() bool { return sr.enabled }

func (sr *SentryReporter) ReportError(ee *EnhancedError) {
	if ee.Priority != PriorityHigh && ee.Priority != PriorityCritical {
		return
	}

	msg := scrubMessage(fmt.Sprintf("[%s] %s", ee.Category, ee.Err.Error()))

	sentry.WithScope(func(scope *sentry.Scope) {
		scope.SetTag("component", ee.Component)
		scope.SetTag("category", string(ee.Category))
		scope.SetTag("priority", ee.Priority)
		for key, value := range ee.Context {
			if s, ok := value.(string); ok {
				value = scrubMessage(s)
			}
			scope.SetContext(key, map[string]any{"value": value})
		}
		scope.SetFingerprint([]string{ee.Component, string(ee.Category)})

		event := sentry.NewEvent()
		event.Message = msg
		event.Level = sentry.LevelError
		if ee.Priority == PriorityCritical {
			event.Level = sentry.LevelFatal
		}
		event.Exception = []sentry.Exception{{
			Type:  fmt.Sprintf("%s %s error", ee.Component, ee.Category),
			Value: msg,
		}}
		sentry.CaptureEvent(event)
	})

	ee.MarkReported()
}

var (
	emailPattern  = regexp.MustCompile(`[a-zA-Z0-9._%+\-]+@[a-zA-Z0-9.\-]+\.[a-zA-Z]{2,}`)
	secretPattern = regexp.MustCompile(`(?i)(api_key|apikey|token|password|secret|auth)=([^&\s]+)`)
	phonePattern  = regexp.MustCompile(`\+\d{8,15}`)
)

// scrubMessage removes contact addresses, phone numbers and credentials.
func scrubMessage(s string) string {
	s = emailPattern.ReplaceAllString(s, "[EMAIL]")
	s = phonePattern.ReplaceAllString(s, "[PHONE]")
	s = secretPattern.ReplaceAllString(s, "$1=[REDACTED]")
	return strings.TrimSpace(s)
}
