// Package middleware wraps the widget routes with cross-origin and metrics handling.
package middleware

import (
	"net/http"
	"slices"

	"github.com/ashureev/beatdown/internal/identity"
	"github.com/go-chi/cors"
)

// CORS lets the widget API be called from the configured frontend origins.
// The identity cookie is only allowed cross-origin when every origin is
// listed explicitly; a wildcard never gets credentials.
func CORS(allowedOrigins []string) func(http.Handler) http.Handler {
	return cors.Handler(cors.Options{
		AllowedOrigins:   allowedOrigins,
		AllowedMethods:   []string{http.MethodGet, http.MethodPost, http.MethodOptions},
		AllowedHeaders:   []string{"Accept", "Content-Type", identity.SessionHeaderName},
		AllowCredentials: !slices.Contains(allowedOrigins, "*"),
		MaxAge:           600,
	})
}
