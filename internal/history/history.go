package history

import (
	"context"
	"time"

	"github.com/google/uuid"
)

// EventType defines the kind of supervisor event.
type EventType string

const (
	EventGuardianStartup     EventType = "guardian_startup"
	EventGuardianShutdown    EventType = "guardian_shutdown"
	EventProcessStart        EventType = "process_start"
	EventProcessStop         EventType = "process_stop"
	EventProcessCrash        EventType = "process_crash"
	EventHealthCheckFailed   EventType = "health_check_failed"
	EventRecoveryAction      EventType = "recovery_action"
	EventRecoveryEscalated   EventType = "recovery_escalated"
	EventCompressionComplete EventType = "compression_complete"
)

// Severity orders events for filtering.
type Severity string

const (
	SeverityInfo     Severity = "info"
	SeverityWarning  Severity = "warning"
	SeverityCritical Severity = "critical"
)

// Rank returns 0 for info, 1 for warning and 2 for critical. Unknown values
// rank as info.
func (s Severity) Rank() int {
	switch s {
	case SeverityWarning:
		return 1
	case SeverityCritical:
		return 2
	default:
		return 0
	}
}

// ParseSeverity maps a config string to a Severity, defaulting to info.
func ParseSeverity(s string) Severity {
	switch Severity(s) {
	case SeverityWarning, SeverityCritical:
		return Severity(s)
	default:
		return SeverityInfo
	}
}

// Event is a supervisor event exported to external systems.
type Event struct {
	ID         string    `json:"id"`
	Type       EventType `json:"type"`
	Process    string    `json:"process"`
	Severity   Severity  `json:"severity"`
	Message    string    `json:"message"`
	PID        int       `json:"pid,omitempty"`
	OccurredAt time.Time `json:"occurred_at"`
}

// NewEvent stamps a fresh id and the current UTC time.
func NewEvent(t EventType, process string, sev Severity, msg string) Event {
	return Event{
		ID:         uuid.NewString(),
		Type:       t,
		Process:    process,
		Severity:   sev,
		Message:    msg,
		OccurredAt: time.Now().UTC(),
	}
}

// Sink is a destination for events. Implementations must be safe for
// concurrent use.
type Sink interface {
	Send(ctx context.Context, e Event) error
}
