// Package api implements the weave admin REST API using chi.
package api

import (
	"context"
	"net/http"

	"github.com/starford/weave/internal/auth"
)

// Authenticator validates bearer tokens.
type Authenticator interface {
	Enabled() bool
	ValidateCredentials(ctx context.Context, token, resource string) (auth.Principal, error)
}

// AuthMiddleware returns middleware that validates a Bearer token.
// When authn is disabled all requests pass through.
func AuthMiddleware(authn Authenticator) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if !authn.Enabled() {
				next.ServeHTTP(w, r)
				return
			}
			if _, err := authn.ValidateCredentials(r.Context(), auth.BearerToken(r), ""); err != nil {
				writeJSON(w, http.StatusUnauthorized, errorBody("unauthorized"))
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}
