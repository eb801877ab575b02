package audit

import "time"

// Event is an immutable, append-only record of something an operator should
// be able to look back on: broadcast lifecycle changes, failures, and
// operator actions taken through the API.
//
// Invariants:
// - Events are never updated or deleted.
// - Every event names a broadcast or a schedule entry.
// - Recording is best-effort; callers never fail a flow on an audit error.
//
// Storage (Postgres): table audit_events, insert-only.
type Event struct {
	ID   string    `json:"id" db:"id"`
	Type EventType `json:"type" db:"type"`

	BroadcastID string `json:"broadcast_id,omitempty" db:"broadcast_id"`
	ScheduleID  string `json:"schedule_id,omitempty" db:"schedule_id"`
	// CallIDs are provider call ids the event concerns, if any.
	CallIDs []string `json:"call_ids,omitempty" db:"call_ids"`

	// Actor fields are set for operator actions only.
	ActorUserID string `json:"actor_user_id,omitempty" db:"actor_user_id"`
	ActorRole   string `json:"actor_role,omitempty" db:"actor_role"`
	IPAddress   string `json:"ip_address,omitempty" db:"ip_address"`

	Message string `json:"message,omitempty" db:"message"`
	// Metadata is optional JSON for full details.
	Metadata string `json:"metadata,omitempty" db:"metadata"`

	CreatedAt time.Time `json:"created_at" db:"created_at"`
}

type EventType string

const (
	EventTypeBroadcastStarted   EventType = "broadcast_started"
	EventTypeBroadcastCompleted EventType = "broadcast_completed"
	EventTypeBroadcastCancelled EventType = "broadcast_cancelled"
	EventTypeBroadcastAborted   EventType = "broadcast_aborted"
	EventTypeBroadcastPaused    EventType = "broadcast_paused"
	EventTypeBroadcastResumed   EventType = "broadcast_resumed"
	EventTypeBatchFailed        EventType = "batch_failed"
	EventTypeCancelFailed       EventType = "cancel_failed"
	EventTypeConnectivity       EventType = "connectivity_warning"
	EventTypeScheduleFailed     EventType = "schedule_failed"
	EventTypeOperatorAction     EventType = "operator_action"
)
