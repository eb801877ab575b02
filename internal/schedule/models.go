package schedule

import (
	"context"
	"errors"
	"fmt"
	"time"

	"voicecast/internal/calls"
)

var (
	ErrNotFound           = errors.New("schedule: not found")
	ErrInvalidEntry       = errors.New("schedule: invalid entry")
	ErrNotCancellable     = errors.New("schedule: only scheduled entries can be cancelled")
	ErrContactSetNotFound = errors.New("schedule: contact set not found")
)

type Status string

const (
	StatusScheduled  Status = "scheduled"
	StatusInProgress Status = "in-progress"
	StatusCompleted  Status = "completed"
	StatusCancelled  Status = "cancelled"
	StatusFailed     Status = "failed"
)

func ParseStatus(raw string) (Status, bool) {
	switch s := Status(raw); s {
	case StatusScheduled, StatusInProgress, StatusCompleted, StatusCancelled, StatusFailed:
		return s, true
	default:
		return "", false
	}
}

// Entry is a broadcast planned for a future time.
//
// The scheduler owns Status; dispatch and reconciliation only reach the entry
// through controller events.
type Entry struct {
	ID           string         `json:"id"`
	Name         string         `json:"name,omitempty"`
	ScheduledFor time.Time      `json:"scheduled_for"`
	Template     calls.Template `json:"template"`
	ContactSetID string         `json:"contact_set_id"`
	Status       Status         `json:"status"`

	BroadcastID     string   `json:"broadcast_id,omitempty"`
	ProviderCallIDs []string `json:"provider_call_ids,omitempty"`
	Completed       int      `json:"completed"`
	Failed          int      `json:"failed"`
	ClientCount     int      `json:"client_count"`
	LastError       string   `json:"last_error,omitempty"`

	CreatedAt  time.Time  `json:"created_at"`
	UpdatedAt  time.Time  `json:"updated_at"`
	StartedAt  *time.Time `json:"started_at,omitempty"`
	FinishedAt *time.Time `json:"finished_at,omitempty"`
}

// ContactSet is a stored, ordered contact list referenced by entries.
type ContactSet struct {
	ID        string          `json:"id"`
	Name      string          `json:"name"`
	Contacts  []calls.Contact `json:"contacts"`
	CreatedAt time.Time       `json:"created_at"`
}

// ResolutionError fails one entry when its contact set or template cannot be
// resolved, or the broadcast refuses to start. Other entries are unaffected.
type ResolutionError struct {
	EntryID string
	Reason  string
	Err     error
}

func (e *ResolutionError) Error() string {
	if e.Err == nil {
		return fmt.Sprintf("schedule %s: %s", e.EntryID, e.Reason)
	}
	return fmt.Sprintf("schedule %s: %s: %v", e.EntryID, e.Reason, e.Err)
}

func (e *ResolutionError) Unwrap() error { return e.Err }

type Repository interface {
	Insert(ctx context.Context, e Entry) error
	Get(ctx context.Context, id string) (Entry, error)
	// List returns entries ordered by ScheduledFor; an empty status lists all.
	List(ctx context.Context, status Status) ([]Entry, error)
	// Due returns scheduled entries whose time is at or before now.
	Due(ctx context.Context, now time.Time) ([]Entry, error)
	// Claim moves a scheduled entry to in-progress. It reports false when the
	// entry was no longer scheduled.
	Claim(ctx context.Context, id string, now time.Time) (bool, error)
	// Transition changes status only when the current status is from.
	Transition(ctx context.Context, id string, from, to Status, now time.Time) (bool, error)
	Update(ctx context.Context, e Entry) error
}

type ContactSetRepository interface {
	InsertContactSet(ctx context.Context, cs ContactSet) error
	GetContactSet(ctx context.Context, id string) (ContactSet, error)
}
