package server

import (
	"context"
	"net/http"
	"time"
)

// TimeoutMiddleware bounds request contexts. Requests for which exempt
// returns true keep their context; they wait on a run whose own deadline
// bounds them.
func TimeoutMiddleware(timeout time.Duration, exempt func(*http.Request) bool) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if timeout <= 0 || (exempt != nil && exempt(r)) {
				next.ServeHTTP(w, r)
				return
			}
			ctx, cancel := context.WithTimeout(r.Context(), timeout)
			defer cancel()
			next.ServeHTTP(w, r.WithContext(ctx))
		})
	}
}

// WaitRequested reports whether the request asks to wait for a run to
// finish.
func WaitRequested(r *http.Request) bool {
	switch r.URL.Query().Get("wait") {
	case "true", "1":
		return true
	default:
		return false
	}
}
