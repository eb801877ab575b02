package auth

import "github.com/golang-jwt/jwt/v5"

type TokenType string

const (
	TokenTypeAccess  TokenType = "access"
	TokenTypeRefresh TokenType = "refresh"
)

// Claims identify the operator behind a broadcast action. What the role may
// do is decided by internal/rbac.
type Claims struct {
	jwt.RegisteredClaims

	UserID    string    `json:"user_id"`
	Role      string    `json:"role"`
	TokenType TokenType `json:"token_type"`
	// Dev marks tokens minted without credentials by POST /v1/auth/token.
	Dev bool `json:"dev,omitempty"`
}

func (c Claims) Operator() Operator {
	return Operator{UserID: c.UserID, Role: c.Role, Dev: c.Dev}
}
