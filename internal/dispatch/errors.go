package dispatch

import (
	"errors"
	"fmt"

	"voicecast/internal/telephony"
)

type ErrorKind string

const (
	KindTransport         ErrorKind = "transport"
	KindRateLimited       ErrorKind = "rate_limited"
	KindMalformedResponse ErrorKind = "malformed_response"
	// KindRejected is a non-retryable 4xx answer from the provider.
	KindRejected ErrorKind = "rejected"
)

// Error is returned when one batch could not be dispatched. Prior batches of
// the same broadcast are unaffected.
type Error struct {
	Kind        ErrorKind
	BroadcastID string
	Batch       int
	Contacts    int
	Attempts    int
	Err         error
}

func (e *Error) Error() string {
	return fmt.Sprintf("dispatch: broadcast %s batch %d (%d contacts): %s after %d attempt(s): %v",
		e.BroadcastID, e.Batch, e.Contacts, e.Kind, e.Attempts, e.Err)
}

func (e *Error) Unwrap() error { return e.Err }

// IsKind reports whether err is a dispatch Error of the given kind.
func IsKind(err error, kind ErrorKind) bool {
	var de *Error
	return errors.As(err, &de) && de.Kind == kind
}

// classify maps a provider error to a kind and whether retrying may help.
// Cancellation of the caller's context is checked separately.
func classify(err error) (ErrorKind, bool) {
	var se *telephony.StatusError
	switch {
	case errors.Is(err, telephony.ErrMalformedResponse):
		return KindMalformedResponse, false
	case errors.Is(err, telephony.ErrNotConfigured):
		return KindTransport, false
	case errors.As(err, &se):
		if se.RateLimited() {
			return KindRateLimited, true
		}
		if se.Retryable() {
			return KindTransport, true
		}
		return KindRejected, false
	default:
		return KindTransport, true
	}
}
