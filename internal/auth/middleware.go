package auth

import (
	"errors"
	"net/http"
	"strings"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/golang-jwt/jwt/v5"
)

const (
	authorizationHeader = "Authorization"
	bearerPrefix        = "Bearer "

	// OperatorKey holds the caller's Operator on the gin context.
	OperatorKey = "operator"
)

// RequireAccessToken verifies an access token and attaches the Operator to the
// request context. Role checks belong to internal/rbac.
func RequireAccessToken(m *Manager) gin.HandlerFunc {
	return func(c *gin.Context) {
		raw := strings.TrimSpace(c.GetHeader(authorizationHeader))
		if raw == "" || !strings.HasPrefix(raw, bearerPrefix) {
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "missing bearer token"})
			return
		}

		claims, err := m.Verify(strings.TrimPrefix(raw, bearerPrefix), TokenTypeAccess, time.Now())
		if err != nil {
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": rejection(err)})
			return
		}

		op := claims.Operator()
		c.Request = c.Request.WithContext(WithOperator(c.Request.Context(), op))
		c.Set(OperatorKey, op)
		c.Next()
	}
}

// rejection is the client-facing reason; signature details are not exposed.
func rejection(err error) string {
	switch {
	case errors.Is(err, jwt.ErrTokenExpired):
		return "token expired"
	case errors.Is(err, ErrDevTokenDisabled):
		return "dev tokens are disabled"
	default:
		return "invalid token"
	}
}
