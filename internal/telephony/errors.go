package telephony

import (
	"errors"
	"fmt"
	"net/http"
)

var (
	ErrMalformedResponse = errors.New("telephony: malformed provider response")
	ErrNotConfigured     = errors.New("telephony: provider not configured")
)

// StatusError is returned when the provider answers with a non-2xx status.
type StatusError struct {
	Op   string
	Code int
	Body string
}

func (e *StatusError) Error() string {
	if e.Body == "" {
		return fmt.Sprintf("telephony: %s: http %d", e.Op, e.Code)
	}
	return fmt.Sprintf("telephony: %s: http %d: %s", e.Op, e.Code, e.Body)
}

// RateLimited reports whether the provider throttled the request.
func (e *StatusError) RateLimited() bool { return e.Code == http.StatusTooManyRequests }

// Retryable reports whether the request may succeed when repeated.
func (e *StatusError) Retryable() bool {
	return e.RateLimited() || e.Code >= http.StatusInternalServerError
}
