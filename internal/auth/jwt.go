package auth

import (
	"errors"
	"time"

	"voicecast/internal/config"

	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"
)

var (
	ErrTokenType        = errors.New("auth: token_type mismatch")
	ErrDevTokenDisabled = errors.New("auth: dev tokens are disabled")
)

type Manager struct {
	secret     []byte
	issuer     string
	audience   string
	accessTTL  time.Duration
	refreshTTL time.Duration
	devTokens  bool
}

func NewManager(cfg config.AuthConfig) (*Manager, error) {
	if cfg.JWTSecret == "" {
		return nil, errors.New("JWT_SECRET is required")
	}

	return &Manager{
		secret:     []byte(cfg.JWTSecret),
		issuer:     cfg.JWTIssuer,
		audience:   cfg.JWTAudience,
		accessTTL:  cfg.AccessTokenTTL,
		refreshTTL: cfg.RefreshTokenTTL,
		devTokens:  cfg.DevTokens,
	}, nil
}

// DevTokens reports whether credential-less token issuance is enabled. When
// it is off, dev tokens minted earlier no longer verify.
func (m *Manager) DevTokens() bool { return m.devTokens }

type TokenPair struct {
	AccessToken  string
	RefreshToken string
}

/* ===================== ISSUE ===================== */

func (m *Manager) IssuePair(now time.Time, op Operator) (TokenPair, error) {
	if op.Dev && !m.devTokens {
		return TokenPair{}, ErrDevTokenDisabled
	}
	access, err := m.issue(now, TokenTypeAccess, op, m.accessTTL)
	if err != nil {
		return TokenPair{}, err
	}

	// refresh tokens do not carry a role
	refresh, err := m.issue(now, TokenTypeRefresh, Operator{UserID: op.UserID, Dev: op.Dev}, m.refreshTTL)
	if err != nil {
		return TokenPair{}, err
	}

	return TokenPair{
		AccessToken:  access,
		RefreshToken: refresh,
	}, nil
}

/* ===================== VERIFY ===================== */

func (m *Manager) Verify(tokenString string, expected TokenType, now time.Time) (Claims, error) {
	var claims Claims

	parser := jwt.NewParser(
		jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}),
		jwt.WithoutClaimsValidation(),
	)
	_, err := parser.ParseWithClaims(tokenString, &claims, func(token *jwt.Token) (any, error) {
		return m.secret, nil
	})
	if err != nil {
		return Claims{}, err
	}

	opts := []jwt.ParserOption{
		jwt.WithTimeFunc(func() time.Time { return now }),
		jwt.WithLeeway(30 * time.Second), // clock skew tolerance
		jwt.WithIssuedAt(),
		jwt.WithExpirationRequired(),
	}
	if m.issuer != "" {
		opts = append(opts, jwt.WithIssuer(m.issuer))
	}
	if m.audience != "" {
		opts = append(opts, jwt.WithAudience(m.audience))
	}
	if err := jwt.NewValidator(opts...).Validate(claims.RegisteredClaims); err != nil {
		return Claims{}, err
	}

	if claims.TokenType != expected {
		return Claims{}, ErrTokenType
	}
	if claims.UserID == "" {
		return Claims{}, errors.New("auth: user_id missing")
	}
	// role is required for access tokens only
	if expected == TokenTypeAccess && claims.Role == "" {
		return Claims{}, errors.New("auth: role missing in access token")
	}
	if claims.Dev && !m.devTokens {
		return Claims{}, ErrDevTokenDisabled
	}

	return claims, nil
}

func (m *Manager) issue(now time.Time, tokenType TokenType, op Operator, ttl time.Duration) (string, error) {
	claims := Claims{
		RegisteredClaims: jwt.RegisteredClaims{
			Issuer:    m.issuer,
			Audience:  audienceOrNil(m.audience),
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(now.Add(ttl)),
			ID:        uuid.NewString(),
		},
		UserID:    op.UserID,
		Role:      op.Role,
		TokenType: tokenType,
		Dev:       op.Dev,
	}

	t := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	return t.SignedString(m.secret)
}

func audienceOrNil(aud string) jwt.ClaimStrings {
	if aud == "" {
		return nil
	}
	return jwt.ClaimStrings{aud}
}
