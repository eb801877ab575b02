package calls

import (
	"strings"
	"time"
)

// Contact is one campaign recipient.
//
// Contacts are supplied by the caller of the engine and never mutated.
// Fields beyond ID/Name/Phone are only used for template substitution.
type Contact struct {
	ID    string `json:"id"`
	Name  string `json:"name"`
	Phone string `json:"phone"`

	FirstName  string `json:"first_name,omitempty"`
	LastName   string `json:"last_name,omitempty"`
	FileNumber string `json:"file_number,omitempty"`
	Email      string `json:"email,omitempty"`
	Company    string `json:"company,omitempty"`
	Position   string `json:"position,omitempty"`
}

// DisplayName prefers the explicit name, then "first last".
func (c Contact) DisplayName() string {
	if n := strings.TrimSpace(c.Name); n != "" {
		return n
	}
	return strings.TrimSpace(c.FirstName + " " + c.LastName)
}

// Template is the message the provider voices for every contact.
type Template struct {
	ID      string `json:"id,omitempty"`
	Name    string `json:"name,omitempty"`
	Content string `json:"content"`
}

// CallJob is one outbound call attempt tied to exactly one contact.
//
// Ownership: jobs live in the registry. Callers receive copies; mutation goes
// through registry.UpdateStatus / ApplyRound only.
//
// Invariant: PendingSince != nil iff Status.Class() == ClassPending.
type CallJob struct {
	JobID       string `json:"job_id"`
	BroadcastID string `json:"broadcast_id"`

	ContactID   string `json:"contact_id"`
	ContactName string `json:"contact_name"`
	Phone       string `json:"phone"`

	// ProviderCallID is assigned by the call-origination service.
	ProviderCallID string `json:"provider_call_id"`

	Status CallStatus `json:"status"`

	LastUpdated  time.Time  `json:"last_updated"`
	PendingSince *time.Time `json:"pending_since,omitempty"`

	// FailureReason is only set on failure-terminal statuses.
	FailureReason string `json:"failure_reason,omitempty"`

	DurationSeconds int    `json:"duration,omitempty"`
	Direction       string `json:"direction,omitempty"`

	CreatedAt time.Time `json:"created_at"`
}

// Terminal reports whether the job reached a final status.
func (j CallJob) Terminal() bool { return j.Status.Terminal() }

type CallStatus string

const (
	CallStatusPending    CallStatus = "pending"
	CallStatusQueued     CallStatus = "queued"
	CallStatusInitiated  CallStatus = "initiated"
	CallStatusRinging    CallStatus = "ringing"
	CallStatusInProgress CallStatus = "in-progress"
	CallStatusAnswered   CallStatus = "answered"

	CallStatusCompleted CallStatus = "completed"
	CallStatusVoicemail CallStatus = "voicemail"

	CallStatusFailed   CallStatus = "failed"
	CallStatusNoAnswer CallStatus = "no-answer"
	CallStatusBusy     CallStatus = "busy"
	CallStatusCanceled CallStatus = "canceled"
)

// StatusClass groups call statuses the way progress is counted.
type StatusClass int

const (
	ClassUnknown StatusClass = iota
	ClassPending
	ClassSuccess
	ClassFailure
)

func (c StatusClass) String() string {
	switch c {
	case ClassPending:
		return "pending"
	case ClassSuccess:
		return "success"
	case ClassFailure:
		return "failure"
	default:
		return "unknown"
	}
}

// Class is the canonical classification table. busy is a failure and
// in-progress/answered are still in flight.
func (s CallStatus) Class() StatusClass {
	switch s {
	case CallStatusPending, CallStatusQueued, CallStatusInitiated,
		CallStatusRinging, CallStatusInProgress, CallStatusAnswered:
		return ClassPending
	case CallStatusCompleted, CallStatusVoicemail:
		return ClassSuccess
	case CallStatusFailed, CallStatusNoAnswer, CallStatusBusy, CallStatusCanceled:
		return ClassFailure
	default:
		return ClassUnknown
	}
}

func (s CallStatus) Terminal() bool {
	c := s.Class()
	return c == ClassSuccess || c == ClassFailure
}

// ParseCallStatus normalizes a provider status string ("In_Progress",
// "no answer", "cancelled") into the closed status set.
func ParseCallStatus(raw string) (CallStatus, bool) {
	v := strings.ToLower(strings.TrimSpace(raw))
	v = strings.NewReplacer("_", "-", " ", "-").Replace(v)
	if v == "cancelled" {
		v = string(CallStatusCanceled)
	}
	s := CallStatus(v)
	if s.Class() == ClassUnknown {
		return "", false
	}
	return s, true
}
