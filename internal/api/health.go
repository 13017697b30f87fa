package api

import (
	"context"
	"log/slog"
	"net/http"
	"time"

	"github.com/ashureev/beatdown/internal/store"
	"github.com/go-chi/chi/v5"
)

const healthCheckTimeout = 5 * time.Second

// HealthHandler handles health check endpoints.
type HealthHandler struct {
	kv       store.KV
	backend  string
	sessions func() int
}

// NewHealthHandler creates a new health handler. sessions may be nil.
func NewHealthHandler(kv store.KV, backend string, sessions func() int) *HealthHandler {
	return &HealthHandler{kv: kv, backend: backend, sessions: sessions}
}

// Health returns the health status of the API and its dependencies.
func (h *HealthHandler) Health(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), healthCheckTimeout)
	defer cancel()

	checks := map[string]string{"api": "ok"}
	status := map[string]interface{}{
		"status":  "healthy",
		"backend": h.backend,
		"checks":  checks,
	}
	if h.sessions != nil {
		status["sessions"] = h.sessions()
	}
	statusCode := http.StatusOK

	if err := h.kv.Ping(ctx); err != nil {
		slog.Error("Health check failed", "error", err, "backend", h.backend)
		status["status"] = "degraded"
		checks["store"] = "unreachable"
		statusCode = http.StatusServiceUnavailable
	} else {
		checks["store"] = "ok"
	}

	JSON(w, statusCode, status)
}

// RegisterHealth registers the health check route.
func (h *HealthHandler) RegisterHealth(r chi.Router) {
	r.Get("/health", h.Health)
}
