// Package live streams transcript snapshots to the widget over a websocket.
package live

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"sync"

	"github.com/ashureev/beatdown/internal/conversation"
	"github.com/ashureev/beatdown/internal/identity"
	"github.com/ashureev/beatdown/internal/metrics"
	"github.com/ashureev/beatdown/internal/session"
	"github.com/coder/websocket"
)

// Frame is a server-to-client message.
type Frame struct {
	Type     string                 `json:"type"`
	Snapshot *conversation.Snapshot `json:"snapshot,omitempty"`
	Reason   string                 `json:"reason,omitempty"`
	Error    string                 `json:"error,omitempty"`
}

// wsMessage is a client-to-server message.
type wsMessage struct {
	Type    string `json:"type"`
	Content string `json:"content,omitempty"`
}

// Handler serves the live transcript websocket.
type Handler struct {
	registry       *session.Registry
	allowedOrigins []string
	isDev          bool
	logger         *slog.Logger
}

// NewHandler creates a websocket handler.
func NewHandler(registry *session.Registry, allowedOrigins []string, isDev bool, logger *slog.Logger) *Handler {
	if logger == nil {
		logger = slog.Default()
	}
	return &Handler{
		registry:       registry,
		allowedOrigins: allowedOrigins,
		isDev:          isDev,
		logger:         logger,
	}
}

// latest holds the most recent snapshot not yet written. Snapshots are full
// state, so intermediate ones may be skipped but the last one never is.
type latest struct {
	mu     sync.Mutex
	frame  *Frame
	signal chan struct{}
}

func newLatest() *latest {
	return &latest{signal: make(chan struct{}, 1)}
}

func (l *latest) push(f Frame) {
	l.mu.Lock()
	l.frame = &f
	l.mu.Unlock()
	select {
	case l.signal <- struct{}{}:
	default:
	}
}

func (l *latest) take() *Frame {
	l.mu.Lock()
	defer l.mu.Unlock()
	f := l.frame
	l.frame = nil
	return f
}

// ServeHTTP implements http.Handler for WebSocket upgrade.
func (h *Handler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	userID := identity.UserIDFromContext(r.Context())
	sessionID := identity.SessionIDFromContext(r.Context())
	h.logger.Info("WebSocket connection request", "user_id", userID, "session_id", sessionID, "ip", r.RemoteAddr)

	if !h.checkOrigin(r) {
		http.Error(w, "origin not allowed", http.StatusForbidden)
		return
	}

	tab, err := h.registry.GetOrCreate(r.Context(), userID, sessionID)
	if err != nil {
		h.logger.Error("Failed to load tab session", "error", err, "user_id", userID, "session_id", sessionID)
		http.Error(w, "failed to load session", http.StatusInternalServerError)
		return
	}

	ws, err := websocket.Accept(w, r, &websocket.AcceptOptions{
		OriginPatterns: []string{"*"},
	})
	if err != nil {
		h.logger.Error("Failed to accept WebSocket", "error", err, "user_id", userID)
		return
	}
	defer func() {
		if closeErr := ws.Close(websocket.StatusNormalClosure, "session ended"); closeErr != nil {
			h.logger.Debug("Failed to close websocket", "error", closeErr, "user_id", userID)
		}
	}()

	release := tab.Watch()
	defer release()

	ctx, cancel := context.WithCancel(r.Context())
	defer cancel()

	pending := newLatest()
	unsubscribe := tab.Controller.Subscribe(func(ev conversation.Event) {
		snap := ev.Snapshot
		pending.push(Frame{Type: "snapshot", Snapshot: &snap})
	})
	defer unsubscribe()

	initial := tab.Controller.Snapshot()
	pending.push(Frame{Type: "snapshot", Snapshot: &initial})

	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		defer cancel()
		h.outputLoop(ctx, ws, pending, userID)
	}()

	h.inputLoop(ctx, ws, tab)
	cancel()
	wg.Wait()
	h.logger.Info("Live session ended", "user_id", userID, "session_id", sessionID)
}

func (h *Handler) checkOrigin(r *http.Request) bool {
	if h.isDev {
		return true
	}
	origin := r.Header.Get("Origin")
	if origin == "" {
		return true
	}
	for _, allowed := range h.allowedOrigins {
		if allowed == "*" || allowed == origin {
			return true
		}
	}
	h.logger.Warn("WebSocket origin rejected", "origin", origin, "allowed", h.allowedOrigins)
	return false
}

func (h *Handler) inputLoop(ctx context.Context, ws *websocket.Conn, tab *session.Tab) {
	for {
		_, message, err := ws.Read(ctx)
		if err != nil {
			if websocket.CloseStatus(err) != -1 || ctx.Err() != nil {
				h.logger.Debug("WebSocket closed", "user_id", tab.UserID)
			} else {
				h.logger.Warn("WebSocket read error", "error", err, "user_id", tab.UserID)
			}
			return
		}
		tab.Touch()

		var msg wsMessage
		if err := json.Unmarshal(message, &msg); err != nil {
			h.writeFrame(ws, Frame{Type: "error", Error: "invalid message"})
			continue
		}

		switch msg.Type {
		case "input":
			tab.Controller.SetInput(msg.Content)
		case "send":
			// The reply is applied even if the connection closes first.
			go h.send(context.WithoutCancel(ctx), ws, tab, msg.Content)
		case "ping":
			h.writeFrame(ws, Frame{Type: "pong"})
		default:
			h.writeFrame(ws, Frame{Type: "error", Error: "unknown message type"})
		}
	}
}

func (h *Handler) send(ctx context.Context, ws *websocket.Conn, tab *session.Tab, content string) {
	outcome, err := tab.Controller.SendText(ctx, content)
	if err != nil {
		h.logger.Error("Send failed", "error", err, "user_id", tab.UserID, "session_id", tab.SessionID)
		h.writeFrame(ws, Frame{Type: "error", Error: "failed to send message"})
		return
	}
	metrics.RecordSend(outcome.Accepted, string(outcome.Reason))
	if !outcome.Accepted {
		h.writeFrame(ws, Frame{Type: "rejected", Reason: string(outcome.Reason)})
	}
}

func (h *Handler) outputLoop(ctx context.Context, ws *websocket.Conn, pending *latest, userID string) {
	for {
		select {
		case <-ctx.Done():
			return
		case <-pending.signal:
			f := pending.take()
			if f == nil {
				continue
			}
			if err := h.write(ctx, ws, *f); err != nil {
				if ctx.Err() == nil {
					h.logger.Debug("WebSocket write error", "error", err, "user_id", userID)
				}
				return
			}
		}
	}
}

func (h *Handler) write(ctx context.Context, ws *websocket.Conn, f Frame) error {
	data, err := json.Marshal(f)
	if err != nil {
		return err
	}
	return ws.Write(ctx, websocket.MessageText, data)
}

// writeFrame writes a reply frame, ignoring failures on a closing connection.
func (h *Handler) writeFrame(ws *websocket.Conn, f Frame) {
	if err := h.write(context.Background(), ws, f); err != nil {
		h.logger.Debug("Failed to write frame", "type", f.Type, "error", err)
	}
}
