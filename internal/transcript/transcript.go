// Package transcript writes transcript entries to per-tab NDJSON files.
package transcript

import (
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"sync/atomic"
	"time"
)

// Config controls transcript logging.
type Config struct {
	Enabled   bool
	Dir       string
	QueueSize int
}

// Event is one NDJSON line.
type Event struct {
	Timestamp time.Time `json:"ts"`
	UserID    string    `json:"user_id"`
	SessionID string    `json:"session_id"`
	Role      string    `json:"role"`
	Label     string    `json:"label"`
	Content   string    `json:"content"`
	ThreadID  string    `json:"thread_id,omitempty"`
	Credits   int       `json:"credits"`
}

// Logger accepts events without blocking the caller.
type Logger interface {
	Log(Event)
	// Release closes the tab's file once its queued events are written.
	// A later event for the same tab reopens it in append mode.
	Release(userID, sessionID string)
	Close() error
}

type noopLogger struct{}

func (noopLogger) Log(Event)              {}
func (noopLogger) Release(string, string) {}
func (noopLogger) Close() error           { return nil }

// Noop returns a logger that discards everything.
func Noop() Logger { return noopLogger{} }

// New returns a file-backed logger, or a no-op logger when disabled.
func New(cfg Config, logger *slog.Logger) (Logger, error) {
	if !cfg.Enabled {
		return Noop(), nil
	}
	if logger == nil {
		logger = slog.Default()
	}
	if cfg.QueueSize <= 0 {
		cfg.QueueSize = 1000
	}
	if err := os.MkdirAll(cfg.Dir, 0o750); err != nil {
		return nil, fmt.Errorf("create transcript log dir: %w", err)
	}

	l := &fileLogger{
		dir:    cfg.Dir,
		queue:  make(chan entry, cfg.QueueSize),
		files:  make(map[string]*os.File),
		logger: logger,
	}
	l.wg.Add(1)
	go l.run()
	return l, nil
}

type entry struct {
	ev      Event
	release bool
}

type fileLogger struct {
	dir    string
	queue  chan entry
	files  map[string]*os.File // owned by run
	logger *slog.Logger

	mu      sync.RWMutex
	closed  bool
	wg      sync.WaitGroup
	dropped atomic.Int64
	open    atomic.Int64
}

func (l *fileLogger) Log(ev Event) {
	if ev.Timestamp.IsZero() {
		ev.Timestamp = time.Now().UTC()
	}

	l.mu.RLock()
	defer l.mu.RUnlock()
	if l.closed {
		return
	}

	select {
	case l.queue <- entry{ev: ev}:
	default:
		n := l.dropped.Add(1)
		l.logger.Warn("Transcript log queue full, dropping event",
			"user_id", ev.UserID,
			"session_id", ev.SessionID,
			"dropped_total", n)
	}
}

// Release is never dropped: it waits for queue space so the file is closed.
func (l *fileLogger) Release(userID, sessionID string) {
	l.mu.RLock()
	defer l.mu.RUnlock()
	if l.closed {
		return
	}
	l.queue <- entry{ev: Event{UserID: userID, SessionID: sessionID}, release: true}
}

func (l *fileLogger) run() {
	defer l.wg.Done()
	for e := range l.queue {
		if e.release {
			if err := l.closeFile(l.path(e.ev)); err != nil {
				l.logger.Warn("Failed to close transcript file",
					"user_id", e.ev.UserID,
					"session_id", e.ev.SessionID,
					"error", err)
			}
			continue
		}
		if err := l.write(e.ev); err != nil {
			l.logger.Error("Failed to write transcript event",
				"user_id", e.ev.UserID,
				"session_id", e.ev.SessionID,
				"error", err)
		}
	}
}

func (l *fileLogger) path(ev Event) string {
	return filepath.Join(l.dir, safeComponent(ev.UserID), safeComponent(ev.SessionID)+".ndjson")
}

func (l *fileLogger) closeFile(path string) error {
	f, ok := l.files[path]
	if !ok {
		return nil
	}
	delete(l.files, path)
	l.open.Add(-1)
	return f.Close()
}

func (l *fileLogger) write(ev Event) error {
	path := l.path(ev)

	f, ok := l.files[path]
	if !ok {
		if err := os.MkdirAll(filepath.Dir(path), 0o750); err != nil {
			return fmt.Errorf("create user dir: %w", err)
		}
		var err error
		f, err = os.OpenFile(path, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0o640)
		if err != nil {
			return fmt.Errorf("open transcript file: %w", err)
		}
		l.files[path] = f
		l.open.Add(1)
	}

	line, err := json.Marshal(ev)
	if err != nil {
		return fmt.Errorf("encode transcript event: %w", err)
	}
	if _, err := f.Write(append(line, '\n')); err != nil {
		return fmt.Errorf("append transcript event: %w", err)
	}
	return nil
}

// Close drains the queue and closes all open files.
func (l *fileLogger) Close() error {
	l.mu.Lock()
	if l.closed {
		l.mu.Unlock()
		return nil
	}
	l.closed = true
	close(l.queue)
	l.mu.Unlock()

	l.wg.Wait()

	var firstErr error
	for path := range l.files {
		if err := l.closeFile(path); err != nil && firstErr == nil {
			firstErr = fmt.Errorf("close %s: %w", path, err)
		}
	}
	return firstErr
}

// safeComponent keeps ids usable as a single path element.
func safeComponent(s string) string {
	s = strings.Map(func(r rune) rune {
		switch {
		case r >= 'a' && r <= 'z', r >= 'A' && r <= 'Z', r >= '0' && r <= '9', r == '-', r == '_':
			return r
		default:
			return '_'
		}
	}, s)
	if s == "" {
		return "_"
	}
	return s
}
