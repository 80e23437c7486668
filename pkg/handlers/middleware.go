package handlers

import (
	"net/http"

	"github.com/d4l-data4life/go-mcp-gateway/pkg/auth"
	"github.com/d4l-data4life/go-svc/pkg/logging"
)

// AuthMiddleware authenticates every request and stores the principal in its context.
// The token query parameter is accepted for websocket clients that cannot set headers.
func AuthMiddleware(authn auth.Authenticator) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			principal, err := authn.Authenticate(r)
			if err != nil {
				logging.LogDebugf("rejected %s %s: %v", r.Method, r.URL.Path, err)
				renderError(w, r, err)
				return
			}
			next.ServeHTTP(w, r.WithContext(auth.WithPrincipal(r.Context(), principal)))
		})
	}
}
