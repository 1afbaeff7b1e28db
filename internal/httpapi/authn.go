package httpapi

import (
	"context"
	"crypto/subtle"
	"errors"
	"net/http"
	"strings"

	"abrahamoflondon.org/internal/session"
)

const (
	authHeader = "Authorization"
	bearer     = "Bearer "
)

// withSession attaches verified session claims to the context when a
// bearer token is present. A missing token is not an error here; handlers
// that need identity decide for themselves.
func (a *API) withSession(next http.Handler) http.Handler {
	if a == nil || a.sessions == nil {
		return next
	}
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		// Admin routes authenticate with the operator token, not a session.
		if strings.HasPrefix(r.URL.Path, "/v1/admin/") {
			next.ServeHTTP(w, r)
			return
		}

		token, err := extractBearerToken(r.Header.Get(authHeader))
		if err != nil {
			next.ServeHTTP(w, r)
			return
		}

		claims, err := a.sessions.Verify(token)
		if err != nil {
			if errors.Is(err, session.ErrInvalidToken) {
				writeError(w, r, http.StatusUnauthorized, "invalid session token")
				return
			}
			writeError(w, r, http.StatusInternalServerError, "authentication error")
			return
		}

		ctx := session.ContextWithMember(r.Context(), claims.Subject, claims.Roles)
		ctx = contextWithClaims(ctx, claims)
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

// requireAdmin guards the admin surface with the static operator token.
func (a *API) requireAdmin(w http.ResponseWriter, r *http.Request) bool {
	if a.cfg.AdminToken == "" {
		writeError(w, r, http.StatusForbidden, "admin surface disabled")
		return false
	}
	token, err := extractBearerToken(r.Header.Get(authHeader))
	if err != nil {
		writeError(w, r, http.StatusUnauthorized, err.Error())
		return false
	}
	if subtle.ConstantTimeCompare([]byte(token), []byte(a.cfg.AdminToken)) != 1 {
		writeError(w, r, http.StatusForbidden, "invalid admin token")
		return false
	}
	return true
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

type claimsKey struct{}

func contextWithClaims(ctx context.Context, claims *session.Claims) context.Context {
	return context.WithValue(ctx, claimsKey{}, claims)
}

func claimsFromContext(ctx context.Context) *session.Claims {
	if c, ok := ctx.Value(claimsKey{}).(*session.Claims); ok {
		return c
	}
	return nil
}
