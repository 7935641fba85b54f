package httpapi

import (
	"errors"
	"net/http"
	"strings"

	"gatehouse.org/internal/identity"
	"gatehouse.org/internal/token"
)

const (
	authHeader = "Authorization"
	bearer     = "Bearer "
)

// Registration and token issuance are reachable without a session; so are
// the operational endpoints.
var publicPaths = []string{
	"/v1/users",
	"/v1/auth/token",
	"/metrics",
	"/healthz",
	"/readyz",
	"/v1/info",
	"/",
}

// withAuth resolves the acting identity for every non-public request. The
// user row is re-read from the store on each request, so a deleted account
// or revoked role is never honored from a stale token.
func (a *API) withAuth(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Method == http.MethodOptions || isPublicPath(r.URL.Path) {
			next.ServeHTTP(w, r)
			return
		}

		raw, err := extractBearerToken(r.Header.Get(authHeader))
		if err != nil {
			writeError(w, r, http.StatusUnauthorized, err.Error())
			return
		}

		claims, err := token.Parse(raw)
		if err != nil {
			writeError(w, r, http.StatusUnauthorized, "invalid token")
			return
		}

		user, err := a.store.UserByID(r.Context(), claims.Subject)
		if err != nil {
			if errors.Is(err, identity.ErrNotFound) {
				writeError(w, r, http.StatusUnauthorized, "invalid token")
				return
			}
			writeError(w, r, http.StatusInternalServerError, "authentication error")
			return
		}

		ctx := identity.ContextWithPrincipal(r.Context(), user)
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

func extractBearerToken(header string) (string, error) {
	header = strings.TrimSpace(header)
	if header == "" {
		return "", errors.New("missing bearer token")
	}
	if !strings.HasPrefix(strings.ToLower(header), strings.ToLower(bearer)) {
		return "", errors.New("invalid authorization scheme")
	}
	tok := strings.TrimSpace(header[len(bearer):])
	if tok == "" {
		return "", errors.New("missing bearer token")
	}
	return tok, nil
}

func isPublicPath(path string) bool {
	for _, p := range publicPaths {
		if path == p {
			return true
		}
	}
	return false
}
