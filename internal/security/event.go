// Package security defines the event type the runtime components emit
// when they observe something worth flagging. Producers (sandbox,
// governor, siem) hand events to a Sink; the gateway wires the sink to
// the audit log and the threat responder.
package security

import (
	"context"
	"time"

	"github.com/google/uuid"
)

// Severity orders events for response. Higher is worse.
type Severity int

const (
	SeverityLow Severity = iota
	SeverityMedium
	SeverityHigh
	SeverityCritical
)

func (s Severity) String() string {
	switch s {
	case SeverityLow:
		return "low"
	case SeverityMedium:
		return "medium"
	case SeverityHigh:
		return "high"
	case SeverityCritical:
		return "critical"
	default:
		return "unknown"
	}
}

// Event is one observed security-relevant occurrence.
type Event struct {
	ID        string            `json:"id"`
	Kind      string            `json:"kind"`
	Severity  Severity          `json:"severity"`
	PluginID  string            `json:"plugin_id,omitempty"`
	Message   string            `json:"message"`
	Details   map[string]string `json:"details,omitempty"`
	Timestamp time.Time         `json:"timestamp"`
}

// NewEvent builds an event with a fresh id and timestamp.
func NewEvent(kind string, severity Severity, pluginID, message string) Event {
	return Event{
		ID:        "sec_" + uuid.NewString(),
		Kind:      kind,
		Severity:  severity,
		PluginID:  pluginID,
		Message:   message,
		Timestamp: time.Now().UTC(),
	}
}

// Sink receives emitted events. Implementations must be safe for
// concurrent use and must not block the producer for long.
type Sink interface {
	Record(ctx context.Context, event Event)
}

// SinkFunc adapts a function to Sink.
type SinkFunc func(ctx context.Context, event Event)

func (f SinkFunc) Record(ctx context.Context, event Event) { f(ctx, event) }

// NopSink discards events.
type NopSink struct{}

func (NopSink) Record(context.Context, Event) {}
