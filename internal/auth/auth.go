package auth

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"
)

const defaultIssuer = "sarraf"

var errMissingSecret = errors.New("auth secret is not configured")

// Claims carries the principal supplied by the identity provider.
type Claims struct {
	Username       string   `json:"username,omitempty"`
	Email          string   `json:"email,omitempty"`
	Roles          []string `json:"roles"`
	OrganizationID string   `json:"org_id"`
	OfficeID       string   `json:"office_id"`
	jwt.RegisteredClaims
}

// User converts verified claims to the principal handed to the ledger.
func (c *Claims) User() AuthenticatedUser {
	return AuthenticatedUser{
		ID:             c.Subject,
		Username:       c.Username,
		Email:          c.Email,
		Roles:          dedupeRoles(c.Roles),
		OrganizationID: c.OrganizationID,
		OfficeID:       c.OfficeID,
	}
}

// Tokens issues and verifies HS256 bearer tokens signed with a shared secret.
type Tokens struct {
	secret []byte
	issuer string
	skew   time.Duration
	now    func() time.Time
}

// Option configures Tokens.
type Option func(*Tokens)

// WithIssuer overrides the expected and issued "iss" claim.
func WithIssuer(iss string) Option {
	return func(t *Tokens) {
		if iss = strings.TrimSpace(iss); iss != "" {
			t.issuer = iss
		}
	}
}

// WithClockSkew sets the tolerance applied to issued-at checks.
func WithClockSkew(d time.Duration) Option {
	return func(t *Tokens) {
		if d >= 0 {
			t.skew = d
		}
	}
}

// WithClock replaces the time source; used by tests.
func WithClock(now func() time.Time) Option {
	return func(t *Tokens) {
		if now != nil {
			t.now = now
		}
	}
}

// NewTokens builds a verifier for secret.
func NewTokens(secret string, opts ...Option) (*Tokens, error) {
	secret = strings.TrimSpace(secret)
	if secret == "" {
		return nil, errMissingSecret
	}
	t := &Tokens{
		secret: []byte(secret),
		issuer: defaultIssuer,
		skew:   5 * time.Second,
		now:    func() time.Time { return time.Now().UTC() },
	}
	for _, opt := range opts {
		opt(t)
	}
	return t, nil
}

// Generate signs a token for user valid for ttl.
func (t *Tokens) Generate(user AuthenticatedUser, ttl time.Duration) (string, error) {
	if strings.TrimSpace(user.ID) == "" {
		return "", errors.New("user id is required")
	}
	if strings.TrimSpace(user.OfficeID) == "" {
		return "", errors.New("office id is required")
	}
	if ttl <= 0 {
		return "", errors.New("ttl must be greater than zero")
	}

	now := t.now()
	claims := Claims{
		Username:       user.Username,
		Email:          user.Email,
		Roles:          dedupeRoles(user.Roles),
		OrganizationID: user.OrganizationID,
		OfficeID:       user.OfficeID,
		RegisteredClaims: jwt.RegisteredClaims{
			Issuer:    t.issuer,
			Subject:   user.ID,
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(now.Add(ttl)),
			ID:        uuid.NewString(),
		},
	}

	token := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	signed, err := token.SignedString(t.secret)
	if err != nil {
		return "", fmt.Errorf("sign token: %w", err)
	}
	return signed, nil
}

// Verify checks the signature and required claims and returns the principal.
func (t *Tokens) Verify(token string) (AuthenticatedUser, error) {
	token = strings.TrimSpace(token)
	if token == "" {
		return AuthenticatedUser{}, ErrInvalidToken
	}
	parsed, err := jwt.ParseWithClaims(token, &Claims{}, func(tok *jwt.Token) (any, error) {
		if tok.Method != jwt.SigningMethodHS256 {
			return nil, ErrInvalidToken
		}
		return t.secret, nil
	}, jwt.WithTimeFunc(t.now))
	if err != nil {
		return AuthenticatedUser{}, ErrInvalidToken
	}
	claims, ok := parsed.Claims.(*Claims)
	if !ok || !parsed.Valid {
		return AuthenticatedUser{}, ErrInvalidToken
	}
	if err := t.validateClaims(claims); err != nil {
		return AuthenticatedUser{}, ErrInvalidToken
	}
	return claims.User(), nil
}

func (t *Tokens) validateClaims(claims *Claims) error {
	if claims.Issuer != t.issuer {
		return fmt.Errorf("unexpected issuer: %s", claims.Issuer)
	}
	if strings.TrimSpace(claims.Subject) == "" {
		return errors.New("subject missing")
	}
	if strings.TrimSpace(claims.OfficeID) == "" {
		return errors.New("office scope missing")
	}
	if claims.ExpiresAt == nil || claims.IssuedAt == nil {
		return errors.New("timestamps missing")
	}
	now := t.now()
	if now.After(claims.ExpiresAt.Time) {
		return errors.New("token expired")
	}
	if claims.IssuedAt.Time.After(now.Add(t.skew)) {
		return errors.New("token issued in the future")
	}
	if claims.ExpiresAt.Time.Before(claims.IssuedAt.Time) {
		return errors.New("token expiry precedes issued-at")
	}
	return nil
}

func dedupeRoles(roles []string) []string {
	if len(roles) == 0 {
		return nil
	}
	seen := make(map[string]struct{}, len(roles))
	var normalized []string
	for _, role := range roles {
		role = strings.TrimSpace(strings.ToLower(role))
		if role == "" {
			continue
		}
		if _, ok := seen[role]; ok {
			continue
		}
		seen[role] = struct{}{}
		normalized = append(normalized, role)
	}
	return normalized
}
