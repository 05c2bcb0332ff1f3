package httpapi

import (
	"errors"
	"net/http"
	"strings"

	"sarraf.org/internal/auth"
)

const (
	authHeader = "Authorization"
	bearer     = "Bearer "
)

// withAuth verifies the bearer token and stores the user in the context.
// Every /v1 route is office-scoped, so a missing verifier rejects everything.
func (a *API) withAuth(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if a.tokens == nil {
			writeError(w, r, http.StatusServiceUnavailable, "UNAUTHORIZED", "authentication is not configured")
			return
		}
		token, err := extractBearerToken(r.Header.Get(authHeader))
		if err != nil {
			challenge(w, "invalid_request")
			writeError(w, r, http.StatusUnauthorized, "UNAUTHORIZED", err.Error())
			return
		}
		user, err := a.tokens.Verify(token)
		if err != nil {
			switch {
			case errors.Is(err, auth.ErrInvalidToken):
				challenge(w, "invalid_token")
				writeError(w, r, http.StatusUnauthorized, "UNAUTHORIZED", "invalid token")
			default:
				writeError(w, r, http.StatusInternalServerError, "INTERNAL", "authentication error")
			}
			return
		}
		ctx := auth.ContextWithUser(r.Context(), user)
		ctx = auth.ContextWithToken(ctx, token)
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

// requireRole lets the request through when the user holds one of roles.
func requireRole(roles ...string) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			user, ok := auth.UserFromContext(r.Context())
			if !ok {
				challenge(w, "invalid_request")
				writeError(w, r, http.StatusUnauthorized, "UNAUTHORIZED", "authentication required")
				return
			}
			if err := auth.Require(user, roles...); err != nil {
				challenge(w, "insufficient_scope")
				writeError(w, r, http.StatusForbidden, "FORBIDDEN", err.Error())
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}

func challenge(w http.ResponseWriter, reason string) {
	w.Header().Set("WWW-Authenticate", `Bearer realm="sarraf", error="`+reason+`"`)
}

func currentUser(r *http.Request) auth.AuthenticatedUser {
	user, _ := auth.UserFromContext(r.Context())
	return user
}

func extractBearerToken(header string) (string, error) {
	header = strings.TrimSpace(header)
	if header == "" {
		return "", errors.New("missing bearer token")
	}
	if !strings.HasPrefix(strings.ToLower(header), strings.ToLower(bearer)) {
		return "", errors.New("invalid authorization scheme")
	}
	token := strings.TrimSpace(header[len(bearer):])
	if token == "" {
		return "", errors.New("missing bearer token")
	}
	return token, nil
}
