// Package events provides an asynchronous event bus that fans confirmed fire
// alerts out to secondary consumers such as MQTT and NATS publishers, without
// blocking the escalation path.
package events

import (
	"context"
	"time"
)

// AlertEvent describes one escalated fire detection. It is published after
// the escalation result is known.
type AlertEvent struct {
	SubjectID   string    `json:"subjectId"`
	FrameNumber int64     `json:"frameNumber"`
	Bucket      int64     `json:"bucket"`
	Confidence  float64   `json:"confidence"`
	ImageURL    string    `json:"imageUrl"`
	Severity    string    `json:"severity,omitempty"`
	Analysis    string    `json:"analysis,omitempty"`
	EmailStatus string    `json:"emailStatus"`
	CallID      string    `json:"callId,omitempty"`
	Timestamp   time.Time `json:"timestamp"`
}

// Consumer processes alert events.
type Consumer interface {
	// Name identifies the consumer in logs and must be unique per bus.
	Name() string

	// ProcessAlert handles a single event. ctx carries the bus' per-event
	// deadline.
	ProcessAlert(ctx context.Context, event AlertEvent) error
}

// Stats contains runtime statistics for monitoring.
type Stats struct {
	EventsReceived  uint64
	EventsProcessed uint64
	EventsDropped   uint64
	ConsumerErrors  uint64
}
