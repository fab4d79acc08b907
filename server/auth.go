package server

import (
	"crypto/subtle"
	"net/http"
	"strings"
)

// publicPaths are reachable without an API key.
var publicPaths = map[string]bool{
	"/health": true,
}

// NewAPIKeyMiddleware authenticates requests via the X-API-Key header or a
// Bearer token. Comparison is constant time.
func NewAPIKeyMiddleware(apiKey string) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if publicPaths[r.URL.Path] {
				next.ServeHTTP(w, r)
				return
			}

			provided := r.Header.Get("X-API-Key")
			if provided == "" {
				auth := r.Header.Get("Authorization")
				if strings.HasPrefix(auth, "Bearer ") {
					provided = strings.TrimPrefix(auth, "Bearer ")
				}
			}

			if subtle.ConstantTimeCompare([]byte(provided), []byte(apiKey)) != 1 {
				unauthorized := &Error{
					StatusCode: http.StatusUnauthorized,
					Code:       "unauthorized",
					Message:    "missing or invalid API key",
				}
				unauthorized.send(w)
				return
			}

			next.ServeHTTP(w, r)
		})
	}
}
