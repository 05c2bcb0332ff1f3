package auth

import (
	"context"
	"strings"
)

// AuthenticatedUser is the principal the identity provider vouches for.
// Office and organization ids scope every ledger operation.
type AuthenticatedUser struct {
	ID             string   `json:"id"`
	Username       string   `json:"username"`
	Email          string   `json:"email"`
	Roles          []string `json:"roles"`
	OrganizationID string   `json:"organization_id"`
	OfficeID       string   `json:"office_id"`
}

// HasRole reports whether the user carries role (case-insensitive).
func (u AuthenticatedUser) HasRole(role string) bool {
	role = strings.TrimSpace(strings.ToLower(role))
	if role == "" {
		return false
	}
	for _, r := range u.Roles {
		if strings.ToLower(r) == role {
			return true
		}
	}
	return false
}

type userContextKey struct{}
type tokenContextKey struct{}

// ContextWithUser attaches the authenticated principal to the context.
func ContextWithUser(ctx context.Context, user AuthenticatedUser) context.Context {
	user.ID = strings.TrimSpace(user.ID)
	user.Roles = dedupeRoles(user.Roles)
	return context.WithValue(ctx, userContextKey{}, user)
}

// UserFromContext extracts the authenticated principal from the context.
func UserFromContext(ctx context.Context) (AuthenticatedUser, bool) {
	if ctx == nil {
		return AuthenticatedUser{}, false
	}
	u, ok := ctx.Value(userContextKey{}).(AuthenticatedUser)
	if !ok || u.ID == "" {
		return AuthenticatedUser{}, false
	}
	return u, true
}

// UserIDFromContext extracts the authenticated user ID from context.
func UserIDFromContext(ctx context.Context) (string, bool) {
	u, ok := UserFromContext(ctx)
	if !ok {
		return "", false
	}
	return u.ID, true
}

// HasRole checks whether the context principal has role.
func HasRole(ctx context.Context, role string) bool {
	u, ok := UserFromContext(ctx)
	return ok && u.HasRole(role)
}

// ContextWithToken stores the raw bearer token inside the context.
func ContextWithToken(ctx context.Context, token string) context.Context {
	if token == "" {
		return ctx
	}
	return context.WithValue(ctx, tokenContextKey{}, token)
}

// TokenFromContext returns the bearer token if it was previously attached.
func TokenFromContext(ctx context.Context) (string, bool) {
	if ctx == nil {
		return "", false
	}
	v, ok := ctx.Value(tokenContextKey{}).(string)
	if !ok || v == "" {
		return "", false
	}
	return v, true
}
