package server

import (
	"context"
	"errors"
	"net/http"

	"github.com/graphide/graphide/internal/auth"
	"github.com/graphide/graphide/internal/core/domain"
)

type principalKey struct{}

// AuthMiddleware rejects requests without a configured API key and stores
// the key's description as the request principal.
func AuthMiddleware(authenticator *auth.Authenticator) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			apiKey, err := auth.ExtractAPIKey(r)
			if err == nil {
				var key auth.Key
				key, err = authenticator.ValidateAPIKey(apiKey)
				if err == nil {
					ctx := context.WithValue(r.Context(), principalKey{}, key.Description)
					AddLogField(ctx, "principal", key.Description)
					next.ServeHTTP(w, r.WithContext(ctx))
					return
				}
			}

			msg := "Invalid API key"
			if errors.Is(err, auth.ErrMissingKey) {
				msg = "Missing Authorization header"
			}
			WriteError(w, r, domain.ErrAuthentication(msg))
		})
	}
}

// GetPrincipal returns the authenticated key description, or "" when the
// request was not authenticated.
func GetPrincipal(ctx context.Context) string {
	p, _ := ctx.Value(principalKey{}).(string)
	return p
}
