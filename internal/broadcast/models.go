package broadcast

import (
	"errors"
	"math"
	"time"

	"voicecast/internal/calls"
	"voicecast/internal/registry"
)

var (
	ErrNotFound          = errors.New("broadcast: not found")
	ErrInvalidTransition = errors.New("broadcast: invalid state transition")
	ErrNoContacts        = errors.New("broadcast: no dialable contacts")
	ErrInvalidTemplate   = errors.New("broadcast: template content is empty")
	ErrAlreadyExists     = errors.New("broadcast: already exists")
	ErrShuttingDown      = errors.New("broadcast: controller is shutting down")
)

type Status string

const (
	StatusIdle        Status = "idle"
	StatusDispatching Status = "dispatching"
	StatusActive      Status = "active"
	StatusPaused      Status = "paused"
	StatusCompleted   Status = "completed"
	StatusCancelled   Status = "cancelled"
)

// Terminal reports whether no further transition is possible.
func (s Status) Terminal() bool { return s == StatusCompleted || s == StatusCancelled }

// Live reports whether the broadcast is owned by a running controller.
func (s Status) Live() bool {
	return s == StatusDispatching || s == StatusActive || s == StatusPaused
}

type StartRequest struct {
	// ID is optional; a new id is generated when empty. An aborted (idle)
	// broadcast may be started again under its id.
	ID       string          `json:"id,omitempty"`
	Name     string          `json:"name,omitempty"`
	Template calls.Template  `json:"template"`
	Contacts []calls.Contact `json:"contacts"`

	ScheduledFor *time.Time `json:"scheduled_for,omitempty"`
	ScheduleID   string     `json:"schedule_id,omitempty"`
}

// Broadcast is a point-in-time view of one campaign run.
type Broadcast struct {
	ID           string         `json:"id"`
	Name         string         `json:"name,omitempty"`
	Status       Status         `json:"status"`
	Template     calls.Template `json:"template"`
	StartedAt    time.Time      `json:"started_at"`
	FinishedAt   *time.Time     `json:"finished_at,omitempty"`
	ScheduledFor *time.Time     `json:"scheduled_for,omitempty"`
	ScheduleID   string         `json:"schedule_id,omitempty"`

	BatchCount   int  `json:"batch_count"`
	NextBatch    int  `json:"next_batch"`
	DispatchDone bool `json:"dispatch_done"`

	LastError string `json:"last_error,omitempty"`
	Warning   string `json:"warning,omitempty"`

	Progress Progress `json:"progress"`
}

// Progress is derived from the Registry every time it is read.
type Progress struct {
	// Planned is the number of dialable contacts.
	Planned int `json:"planned"`
	// Skipped contacts had no phone number.
	Skipped int `json:"skipped"`
	// DispatchFailed contacts belonged to batches that could not be sent.
	DispatchFailed int `json:"dispatch_failed"`

	Total     int `json:"total"`
	Completed int `json:"completed"`
	Failed    int `json:"failed"`
	Active    int `json:"active"`

	Percent        float64 `json:"percent"`
	ElapsedSeconds int64   `json:"elapsed_seconds"`
}

func newProgress(c registry.Counts, planned, skipped, dispatchFailed int, elapsed time.Duration) Progress {
	p := Progress{
		Planned:        planned,
		Skipped:        skipped,
		DispatchFailed: dispatchFailed,
		Total:          c.Total,
		Completed:      c.Completed,
		Failed:         c.Failed,
		Active:         c.Active,
		ElapsedSeconds: int64(elapsed / time.Second),
	}
	den := planned - dispatchFailed
	if den < c.Total {
		den = c.Total
	}
	if den > 0 {
		p.Percent = math.Round(float64(c.Completed+c.Failed)/float64(den)*1000) / 10
	}
	return p
}

type EventType string

const (
	EventStarted      EventType = "started"
	EventDispatched   EventType = "dispatched"
	EventBatchFailed  EventType = "batch_failed"
	EventCompleted    EventType = "completed"
	EventCancelled    EventType = "cancelled"
	EventCancelFailed EventType = "cancel_failed"
	EventAborted      EventType = "aborted"
	EventPaused       EventType = "paused"
	EventResumed      EventType = "resumed"
	EventConnectivity EventType = "connectivity_warning"
)

// Event is delivered to subscribers after the state change it describes.
type Event struct {
	Type        EventType `json:"type"`
	BroadcastID string    `json:"broadcast_id"`
	ScheduleID  string    `json:"schedule_id,omitempty"`

	// ProviderCallIDs is set on EventDispatched (the batch's ids) and on
	// EventConnectivity (the unreachable ids).
	ProviderCallIDs []string `json:"provider_call_ids,omitempty"`
	Batch           int      `json:"batch,omitempty"`

	Counts  registry.Counts `json:"counts"`
	Message string          `json:"message,omitempty"`
	Err     error           `json:"-"`
	At      time.Time       `json:"at"`
}
