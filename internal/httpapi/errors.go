package httpapi

import (
	"errors"
	"net/http"

	"voicecast/internal/broadcast"
	"voicecast/internal/reporting"
	"voicecast/internal/schedule"
	"voicecast/pkg/logger"

	"github.com/gin-gonic/gin"
)

// writeError maps domain errors onto HTTP statuses. Unknown errors are
// logged and answered with 500 without leaking details.
func writeError(c *gin.Context, err error) {
	status := statusFor(err)
	if status == http.StatusInternalServerError {
		logger.FromGin(c).Error("request failed", "err", err)
		c.AbortWithStatusJSON(status, gin.H{"error": "internal error"})
		return
	}
	c.AbortWithStatusJSON(status, gin.H{"error": err.Error()})
}

func statusFor(err error) int {
	switch {
	case errors.Is(err, broadcast.ErrNotFound),
		errors.Is(err, schedule.ErrNotFound),
		errors.Is(err, schedule.ErrContactSetNotFound),
		errors.Is(err, reporting.ErrNotFound):
		return http.StatusNotFound
	case errors.Is(err, broadcast.ErrInvalidTransition),
		errors.Is(err, broadcast.ErrAlreadyExists),
		errors.Is(err, schedule.ErrNotCancellable):
		return http.StatusConflict
	case errors.Is(err, broadcast.ErrNoContacts),
		errors.Is(err, broadcast.ErrInvalidTemplate),
		errors.Is(err, schedule.ErrInvalidEntry),
		errors.Is(err, reporting.ErrInvalidRequest):
		return http.StatusUnprocessableEntity
	case errors.Is(err, broadcast.ErrShuttingDown):
		return http.StatusServiceUnavailable
	default:
		return http.StatusInternalServerError
	}
}
