// Package session holds the per-tab conversation state of every browser.
package session

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/ashureev/beatdown/internal/conversation"
	"github.com/ashureev/beatdown/internal/ledger"
	"github.com/ashureev/beatdown/internal/metrics"
	"github.com/ashureev/beatdown/internal/store"
	"github.com/ashureev/beatdown/internal/transcript"
)

const ttlWorkerInterval = time.Minute

// Key identifies one tab of one browser.
type Key struct {
	UserID    string
	SessionID string
}

// Tab is the state of one page load: its own ledger mirror and controller.
type Tab struct {
	Key
	Ledger     *ledger.Ledger
	Controller *conversation.Controller

	mu          sync.Mutex
	lastSeen    time.Time
	watchers    int
	unsubscribe func()
	release     func()
}

// Touch marks the tab as used now.
func (t *Tab) Touch() {
	t.mu.Lock()
	t.lastSeen = time.Now()
	t.mu.Unlock()
}

// LastSeen returns when the tab was last used.
func (t *Tab) LastSeen() time.Time {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.lastSeen
}

// Watch registers a live connection. The returned func releases it.
func (t *Tab) Watch() func() {
	t.mu.Lock()
	t.watchers++
	t.lastSeen = time.Now()
	t.mu.Unlock()

	var once sync.Once
	return func() {
		once.Do(func() {
			t.mu.Lock()
			t.watchers--
			t.lastSeen = time.Now()
			t.mu.Unlock()
		})
	}
}

// Watchers returns the number of live connections on the tab.
func (t *Tab) Watchers() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.watchers
}

func (t *Tab) close() {
	if t.unsubscribe != nil {
		t.unsubscribe()
	}
	if t.release != nil {
		t.release()
	}
}

// Factory builds tabs.
type Factory struct {
	KV       store.KV
	Endpoint conversation.Endpoint
	// Ledger carries the credit rules; Scope is set per browser.
	Ledger     ledger.Options
	Transcript transcript.Logger
}

// Registry maps browsers and tabs to their Tab.
type Registry struct {
	factory Factory
	logger  *slog.Logger

	mu   sync.RWMutex
	tabs map[Key]*Tab
}

// NewRegistry creates an empty registry.
func NewRegistry(factory Factory, logger *slog.Logger) *Registry {
	if logger == nil {
		logger = slog.Default()
	}
	if factory.Transcript == nil {
		factory.Transcript = transcript.Noop()
	}
	return &Registry{
		factory: factory,
		logger:  logger,
		tabs:    make(map[Key]*Tab),
	}
}

// Get returns the tab for key if it exists.
func (r *Registry) Get(userID, sessionID string) (*Tab, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	tab, ok := r.tabs[Key{UserID: userID, SessionID: sessionID}]
	return tab, ok
}

// GetOrCreate returns the tab for key, initializing a new one on first use.
// A new tab loads (or seeds) the browser's balance from the store.
func (r *Registry) GetOrCreate(ctx context.Context, userID, sessionID string) (*Tab, error) {
	key := Key{UserID: userID, SessionID: sessionID}

	if tab, ok := r.Get(userID, sessionID); ok {
		tab.Touch()
		return tab, nil
	}

	tab, err := r.build(ctx, key)
	if err != nil {
		return nil, err
	}

	r.mu.Lock()
	if existing, ok := r.tabs[key]; ok {
		r.mu.Unlock()
		// The loser shares the winner's transcript file; only drop its subscription.
		tab.unsubscribe()
		existing.Touch()
		return existing, nil
	}
	r.tabs[key] = tab
	n := len(r.tabs)
	r.mu.Unlock()

	metrics.ActiveSessions.Set(float64(n))
	r.logger.Info("Tab session created",
		"user_id", userID,
		"session_id", sessionID,
		"credits", tab.Ledger.Balance())
	return tab, nil
}

func (r *Registry) build(ctx context.Context, key Key) (*Tab, error) {
	opts := r.factory.Ledger
	opts.Scope = key.UserID
	l := ledger.New(r.factory.KV, opts, r.logger)
	if _, err := l.Initialize(ctx); err != nil {
		return nil, fmt.Errorf("initialize ledger for %s: %w", key.UserID, err)
	}

	ctrl := conversation.New(l, r.factory.Endpoint, r.logger.With("user_id", key.UserID, "session_id", key.SessionID))
	tab := &Tab{
		Key:        key,
		Ledger:     l,
		Controller: ctrl,
		lastSeen:   time.Now(),
	}

	logger := r.factory.Transcript
	tab.unsubscribe = ctrl.Subscribe(func(ev conversation.Event) {
		if ev.Message == nil {
			return
		}
		logger.Log(transcript.Event{
			UserID:    key.UserID,
			SessionID: key.SessionID,
			Role:      string(ev.Message.Role),
			Label:     ev.Message.Label(),
			Content:   ev.Message.Content,
			ThreadID:  ev.Snapshot.ThreadID,
			Credits:   ev.Snapshot.Credits,
		})
	})
	tab.release = func() { logger.Release(key.UserID, key.SessionID) }
	return tab, nil
}

// Remove drops a tab.
func (r *Registry) Remove(userID, sessionID string) {
	key := Key{UserID: userID, SessionID: sessionID}

	r.mu.Lock()
	tab, ok := r.tabs[key]
	if ok {
		delete(r.tabs, key)
	}
	n := len(r.tabs)
	r.mu.Unlock()

	if ok {
		tab.close()
		metrics.ActiveSessions.Set(float64(n))
		r.logger.Info("Tab session removed", "user_id", userID, "session_id", sessionID)
	}
}

// Len returns the number of tabs held.
func (r *Registry) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.tabs)
}

// SweepIdle evicts tabs unused for longer than ttl. Tabs with live
// connections or an outstanding send are kept. Returns the number evicted.
func (r *Registry) SweepIdle(now time.Time, ttl time.Duration) int {
	r.mu.RLock()
	candidates := make([]*Tab, 0, len(r.tabs))
	for _, tab := range r.tabs {
		candidates = append(candidates, tab)
	}
	r.mu.RUnlock()

	var idle []*Tab
	for _, tab := range candidates {
		if tab.Watchers() > 0 || tab.Controller.State().Busy() {
			continue
		}
		if now.Sub(tab.LastSeen()) > ttl {
			idle = append(idle, tab)
		}
	}
	if len(idle) == 0 {
		return 0
	}

	r.mu.Lock()
	var expired []*Tab
	for _, tab := range idle {
		// Skip tabs replaced or reused since the scan.
		if r.tabs[tab.Key] != tab || tab.Watchers() > 0 || now.Sub(tab.LastSeen()) <= ttl {
			continue
		}
		delete(r.tabs, tab.Key)
		expired = append(expired, tab)
	}
	n := len(r.tabs)
	r.mu.Unlock()

	for _, tab := range expired {
		tab.close()
		r.logger.Info("TTL worker evicted idle tab",
			"user_id", tab.UserID,
			"session_id", tab.SessionID)
	}
	if len(expired) > 0 {
		metrics.ActiveSessions.Set(float64(n))
	}
	return len(expired)
}

// StartTTLWorker runs a background goroutine that periodically evicts idle tabs.
func (r *Registry) StartTTLWorker(ctx context.Context, ttl time.Duration) {
	ticker := time.NewTicker(ttlWorkerInterval)
	go func() {
		defer ticker.Stop()
		r.logger.Info("TTL worker started", "interval", ttlWorkerInterval, "ttl", ttl)

		for {
			select {
			case now := <-ticker.C:
				if n := r.SweepIdle(now, ttl); n > 0 {
					r.logger.Info("TTL worker cleanup completed", "evicted", n, "remaining", r.Len())
				}
			case <-ctx.Done():
				r.logger.Info("TTL worker shutting down", "reason", ctx.Err())
				return
			}
		}
	}()
}
