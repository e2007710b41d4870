// Package middleware provides HTTP middleware for the gateway.
package middleware

import (
	"crypto/subtle"
	"log/slog"
	"net/http"
	"strings"

	"github.com/geminibiz/gateway/internal/openai"
)

// APIKeyValidator is a function that validates an API key.
type APIKeyValidator func(key string) bool

// publicPaths skip authentication.
var publicPaths = map[string]bool{
	"/health":    true,
	"/v1/health": true,
}

// Auth creates an authentication middleware that validates API keys.
func Auth(validate APIKeyValidator, logger *slog.Logger) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if publicPaths[r.URL.Path] {
				next.ServeHTTP(w, r)
				return
			}

			apiKey := r.Header.Get("x-api-key")
			if apiKey == "" {
				if auth := r.Header.Get("Authorization"); strings.HasPrefix(auth, "Bearer ") {
					apiKey = strings.TrimSpace(auth[len("Bearer "):])
				}
			}

			if apiKey == "" {
				logger.Warn("missing API key",
					"path", r.URL.Path,
					"remote_addr", r.RemoteAddr,
				)
				openai.NewAuthenticationError("Missing API key").WriteError(w)
				return
			}

			if !validate(apiKey) {
				logger.Warn("invalid API key",
					"path", r.URL.Path,
					"remote_addr", r.RemoteAddr,
				)
				openai.NewAuthenticationError("Invalid API key").WriteError(w)
				return
			}

			next.ServeHTTP(w, r)
		})
	}
}

// StaticKey returns a validator accepting only key. An empty key accepts
// every request.
func StaticKey(key string) APIKeyValidator {
	return func(candidate string) bool {
		if key == "" {
			return true
		}
		return subtleEqual(candidate, key)
	}
}

func subtleEqual(a, b string) bool {
	return subtle.ConstantTimeCompare([]byte(a), []byte(b)) == 1
}
