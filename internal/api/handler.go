// Package api provides HTTP handlers for the widget API.
package api

import (
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"

	"github.com/ashureev/beatdown/internal/identity"
	"github.com/ashureev/beatdown/internal/ledger"
	"github.com/ashureev/beatdown/internal/session"
)

// maxBodyBytes caps JSON request bodies.
const maxBodyBytes = 64 << 10

// Handler provides common handler utilities.
type Handler struct {
	registry *session.Registry
	logger   *slog.Logger
}

// NewHandler creates a new Handler with common dependencies.
func NewHandler(registry *session.Registry, logger *slog.Logger) *Handler {
	if logger == nil {
		logger = slog.Default()
	}
	return &Handler{
		registry: registry,
		logger:   logger,
	}
}

// JSON writes a JSON response with the given status code.
func JSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		http.Error(w, `{"error": "failed to encode response"}`, http.StatusInternalServerError)
	}
}

// Error writes a JSON error response.
func Error(w http.ResponseWriter, status int, message string) {
	JSON(w, status, map[string]string{"error": message})
}

// decodeJSON reads a bounded JSON body into v. An empty body leaves v untouched.
func decodeJSON(w http.ResponseWriter, r *http.Request, v interface{}) error {
	r.Body = http.MaxBytesReader(w, r.Body, maxBodyBytes)
	err := json.NewDecoder(r.Body).Decode(v)
	if err != nil && !errors.Is(err, io.EOF) {
		return err
	}
	return nil
}

// tab resolves the caller's tab session, writing the error response on failure.
func (h *Handler) tab(w http.ResponseWriter, r *http.Request) (*session.Tab, bool) {
	userID := identity.UserIDFromContext(r.Context())
	if userID == "" {
		Error(w, http.StatusUnauthorized, "unauthorized")
		return nil, false
	}
	sessionID := identity.SessionIDFromContext(r.Context())

	tab, err := h.registry.GetOrCreate(r.Context(), userID, sessionID)
	if err != nil {
		if errors.Is(err, ledger.ErrMalformedBalance) {
			h.logger.Error("Stored balance is malformed", "error", err, "user_id", userID)
			Error(w, http.StatusInternalServerError, "malformed_balance")
			return nil, false
		}
		h.logger.Error("Failed to load tab session", "error", err, "user_id", userID, "session_id", sessionID)
		Error(w, http.StatusInternalServerError, "failed to load session")
		return nil, false
	}
	return tab, true
}
