package middleware

import (
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/ashureev/beatdown/internal/identity"
)

func TestCORSExplicitOrigin(t *testing.T) {
	t.Parallel()

	h := CORS([]string{"https://beatdown.ai"})(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusTeapot)
	}))

	req := httptest.NewRequest(http.MethodGet, "/api/session", nil)
	req.Header.Set("Origin", "https://beatdown.ai")
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)

	if rec.Code != http.StatusTeapot {
		t.Fatalf("expected request to reach handler, got %d", rec.Code)
	}
	if got := rec.Header().Get("Access-Control-Allow-Origin"); got != "https://beatdown.ai" {
		t.Fatalf("unexpected allow origin %q", got)
	}
	if rec.Header().Get("Access-Control-Allow-Credentials") != "true" {
		t.Fatal("expected credentials for explicit origin")
	}
}

func TestCORSPreflightAllowsSessionHeader(t *testing.T) {
	t.Parallel()

	h := CORS([]string{"https://beatdown.ai"})(http.HandlerFunc(func(http.ResponseWriter, *http.Request) {
		t.Error("preflight must not reach the handler")
	}))

	req := httptest.NewRequest(http.MethodOptions, "/api/send", nil)
	req.Header.Set("Origin", "https://beatdown.ai")
	req.Header.Set("Access-Control-Request-Method", http.MethodPost)
	req.Header.Set("Access-Control-Request-Headers", "content-type, "+strings.ToLower(identity.SessionHeaderName))
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)

	if rec.Code/100 != 2 {
		t.Fatalf("expected successful preflight, got %d", rec.Code)
	}
	allowed := strings.ToLower(rec.Header().Get("Access-Control-Allow-Headers"))
	if !strings.Contains(allowed, strings.ToLower(identity.SessionHeaderName)) {
		t.Fatalf("session header must be allowed, got %q", allowed)
	}
	if rec.Header().Get("Access-Control-Max-Age") == "" {
		t.Fatal("expected preflight max age")
	}
}

func TestCORSWildcardNoCredentials(t *testing.T) {
	t.Parallel()

	h := CORS([]string{"*"})(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {}))

	req := httptest.NewRequest(http.MethodGet, "/api/session", nil)
	req.Header.Set("Origin", "https://elsewhere.example")
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)

	if rec.Header().Get("Access-Control-Allow-Origin") == "" {
		t.Fatal("wildcard must allow any origin")
	}
	if rec.Header().Get("Access-Control-Allow-Credentials") != "" {
		t.Fatal("wildcard origins must not get credentials")
	}
}

func TestCORSRejectsUnknownOrigin(t *testing.T) {
	t.Parallel()

	h := CORS([]string{"https://beatdown.ai"})(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {}))
	req := httptest.NewRequest(http.MethodGet, "/", nil)
	req.Header.Set("Origin", "https://evil.example")
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)

	if rec.Header().Get("Access-Control-Allow-Origin") != "" {
		t.Fatal("unknown origin must not be allowed")
	}
}

func TestMetricsCapturesStatus(t *testing.T) {
	t.Parallel()

	var seen *statusWriter
	h := Metrics(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		seen = w.(*statusWriter)
		w.WriteHeader(http.StatusFound)
	}))

	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/api/checkout", nil))

	if seen == nil || seen.status != http.StatusFound {
		t.Fatalf("expected captured 302, got %+v", seen)
	}
	if _, ok := http.ResponseWriter(seen).(http.Hijacker); !ok {
		t.Fatal("statusWriter must expose Hijack for websocket upgrades")
	}
}

func TestNormalizePath(t *testing.T) {
	t.Parallel()

	tests := map[string]string{
		"/api/send":         "/api/send",
		"/ws/chat":          "/ws/chat",
		"/assets/widget.js": "/other",
		"/wp-admin.php":     "/other",
	}
	for in, want := range tests {
		if got := normalizePath(in); got != want {
			t.Fatalf("normalizePath(%q) = %q, want %q", in, got, want)
		}
	}
}
