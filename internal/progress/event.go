// Package progress implements the rate-limited audit event stream: a
// token-bucket-paced emitter with priority dropping, finding batching,
// heartbeat pacing, and EMA-based completion-time estimation.
package progress

import (
	"math/rand"
	"time"

	"github.com/oklog/ulid/v2"
)

// Priority orders events under queue pressure. Lower value is more
// important; CRITICAL events are never dropped.
type Priority int

const (
	PriorityCritical Priority = 0
	PriorityHigh     Priority = 1
	PriorityMedium   Priority = 2
	PriorityLow      Priority = 3
)

func (p Priority) String() string {
	switch p {
	case PriorityCritical:
		return "critical"
	case PriorityHigh:
		return "high"
	case PriorityMedium:
		return "medium"
	case PriorityLow:
		return "low"
	default:
		return "unknown"
	}
}

// EventType names a progress event kind on the wire.
type EventType string

const (
	EventPhaseStart    EventType = "phase_start"
	EventPhaseComplete EventType = "phase_complete"
	EventPhaseError    EventType = "phase_error"
	EventAgentStatus   EventType = "agent_status"
	EventFinding       EventType = "finding"
	EventFindingsBatch EventType = "findings_batch"
	EventScreenshot    EventType = "screenshot"
	EventStatsUpdate   EventType = "stats_update"
	EventLogEntry      EventType = "log_entry"
	EventHeartbeat     EventType = "heartbeat"
	EventHighlight     EventType = "interesting_highlight"
	EventAuditResult   EventType = "audit_result"
	EventAuditComplete EventType = "audit_complete"
)

// Event is one JSON-serializable progress event.
type Event struct {
	ID          string    `json:"id"`
	Type        EventType `json:"type"`
	TimestampMs int64     `json:"timestamp_ms"`
	Priority    Priority  `json:"priority"`
	Phase       string    `json:"phase,omitempty"`
	Payload     any       `json:"payload,omitempty"`
	ETASeconds  float64   `json:"eta_seconds,omitempty"`
}

// defaultPriority assigns the wire priority for an event type.
func defaultPriority(t EventType) Priority {
	switch t {
	case EventPhaseError, EventAuditResult, EventAuditComplete:
		return PriorityCritical
	case EventPhaseStart, EventPhaseComplete:
		return PriorityHigh
	case EventAgentStatus, EventFinding, EventFindingsBatch, EventStatsUpdate:
		return PriorityMedium
	default:
		return PriorityLow
	}
}

var entropy = ulid.Monotonic(rand.New(rand.NewSource(time.Now().UnixNano())), 0)

func newEventID(now time.Time) string {
	return ulid.MustNew(ulid.Timestamp(now), entropy).String()
}

// Sink receives delivered events. Write is called from a single dispatcher
// goroutine; implementations need not be reentrant.
type Sink interface {
	Write(Event) error
	Close() error
}
