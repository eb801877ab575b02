package snapshot

import (
	"context"
	"errors"
	"time"

	"voicecast/internal/calls"
	"voicecast/internal/registry"
)

var ErrNotFound = errors.New("snapshot: not found")

// Statuses a snapshot may be restored from.
const (
	StatusDispatching = "dispatching"
	StatusActive      = "active"
	StatusPaused      = "paused"
)

// Snapshot is the persisted state of one broadcast: controller bookkeeping
// plus the broadcast's call records.
type Snapshot struct {
	BroadcastID  string         `json:"broadcast_id"`
	Name         string         `json:"name,omitempty"`
	Status       string         `json:"status"`
	Template     calls.Template `json:"template"`
	StartedAt    time.Time      `json:"started_at"`
	ScheduledFor *time.Time     `json:"scheduled_for,omitempty"`
	ScheduleID   string         `json:"schedule_id,omitempty"`
	FinishedAt   *time.Time     `json:"finished_at,omitempty"`

	Counts    registry.Counts `json:"counts"`
	ActiveIDs []string        `json:"active_ids"`
	Jobs      []calls.CallJob `json:"jobs"`

	// Remaining holds contacts not yet dispatched; NextBatch is the index of
	// the first batch built from them.
	Remaining      []calls.Contact `json:"remaining,omitempty"`
	NextBatch      int             `json:"next_batch"`
	BatchCount     int             `json:"batch_count"`
	Planned        int             `json:"planned"`
	Skipped        int             `json:"skipped"`
	DispatchFailed int             `json:"dispatch_failed"`
	LastError      string          `json:"last_error,omitempty"`

	SavedAt time.Time `json:"saved_at"`
}

// Resumable reports whether the broadcast should be restored on startup.
func (s Snapshot) Resumable() bool {
	switch s.Status {
	case StatusDispatching, StatusActive, StatusPaused:
		return true
	default:
		return false
	}
}

// Store persists broadcast snapshots. Save overwrites by BroadcastID.
type Store interface {
	Save(ctx context.Context, s Snapshot) error
	Load(ctx context.Context, broadcastID string) (Snapshot, error)
	ListResumable(ctx context.Context) ([]Snapshot, error)
	// ListFinished returns the ids of non-resumable snapshots last saved
	// before t, oldest first.
	ListFinished(ctx context.Context, before time.Time) ([]string, error)
	Delete(ctx context.Context, broadcastID string) error
}
