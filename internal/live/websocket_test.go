package live

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/ashureev/beatdown/internal/conversation"
	"github.com/ashureev/beatdown/internal/domain"
	"github.com/ashureev/beatdown/internal/identity"
	"github.com/ashureev/beatdown/internal/session"
	"github.com/ashureev/beatdown/internal/store"
	"github.com/coder/websocket"
)

type echoEndpoint struct{}

func (echoEndpoint) Chat(_ context.Context, req domain.ChatRequest) (*domain.ChatReply, error) {
	return &domain.ChatReply{ThreadID: "t1", Response: "echo: " + req.Input}, nil
}

func startLiveServer(t *testing.T) (*httptest.Server, *session.Registry) {
	t.Helper()
	reg := session.NewRegistry(session.Factory{KV: store.NewMemory(), Endpoint: echoEndpoint{}}, nil)
	h := identity.Middleware(true)(NewHandler(reg, []string{"*"}, true, nil))
	srv := httptest.NewServer(h)
	t.Cleanup(srv.Close)
	return srv, reg
}

func dial(t *testing.T, srv *httptest.Server, sessionID string) *websocket.Conn {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	header := http.Header{}
	header.Set(identity.SessionHeaderName, sessionID)
	url := "ws" + strings.TrimPrefix(srv.URL, "http")
	ws, _, err := websocket.Dial(ctx, url, &websocket.DialOptions{HTTPHeader: header})
	if err != nil {
		t.Fatalf("dial failed: %v", err)
	}
	t.Cleanup(func() { _ = ws.Close(websocket.StatusNormalClosure, "") })
	return ws
}

func readFrame(t *testing.T, ws *websocket.Conn) Frame {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	_, data, err := ws.Read(ctx)
	if err != nil {
		t.Fatalf("read failed: %v", err)
	}
	var f Frame
	if err := json.Unmarshal(data, &f); err != nil {
		t.Fatalf("decode frame: %v", err)
	}
	return f
}

func writeMessage(t *testing.T, ws *websocket.Conn, msg wsMessage) {
	t.Helper()
	data, err := json.Marshal(msg)
	if err != nil {
		t.Fatalf("encode message: %v", err)
	}
	if err := ws.Write(context.Background(), websocket.MessageText, data); err != nil {
		t.Fatalf("write failed: %v", err)
	}
}

func TestInitialSnapshot(t *testing.T) {
	t.Parallel()
	srv, reg := startLiveServer(t)
	ws := dial(t, srv, "tab-1")

	f := readFrame(t, ws)
	if f.Type != "snapshot" || f.Snapshot == nil {
		t.Fatalf("expected snapshot frame, got %+v", f)
	}
	if f.Snapshot.Credits != 10 || f.Snapshot.State != conversation.StateIdle {
		t.Fatalf("unexpected initial snapshot %+v", f.Snapshot)
	}
	if reg.Len() != 1 {
		t.Fatalf("expected one tab, got %d", reg.Len())
	}
}

func TestSendStreamsReply(t *testing.T) {
	t.Parallel()
	srv, _ := startLiveServer(t)
	ws := dial(t, srv, "tab-1")
	_ = readFrame(t, ws)

	writeMessage(t, ws, wsMessage{Type: "send", Content: "hi"})

	deadline := time.Now().Add(5 * time.Second)
	for time.Now().Before(deadline) {
		f := readFrame(t, ws)
		if f.Type != "snapshot" {
			continue
		}
		s := f.Snapshot
		if len(s.Messages) == 2 && s.State == conversation.StateIdle {
			if s.Messages[1].Content != "echo: hi" || s.Credits != 9 || s.ThreadID != "t1" {
				t.Fatalf("unexpected final snapshot %+v", s)
			}
			return
		}
	}
	t.Fatal("timed out waiting for the reply snapshot")
}

func TestRejectedSendAndPing(t *testing.T) {
	t.Parallel()
	srv, _ := startLiveServer(t)
	ws := dial(t, srv, "tab-1")
	_ = readFrame(t, ws)

	writeMessage(t, ws, wsMessage{Type: "send", Content: ""})
	writeMessage(t, ws, wsMessage{Type: "ping"})

	var sawRejected, sawPong bool
	for i := 0; i < 4 && !(sawRejected && sawPong); i++ {
		f := readFrame(t, ws)
		switch f.Type {
		case "rejected":
			if f.Reason != string(conversation.RejectEmptyInput) {
				t.Fatalf("unexpected reason %q", f.Reason)
			}
			sawRejected = true
		case "pong":
			sawPong = true
		}
	}
	if !sawRejected || !sawPong {
		t.Fatalf("expected rejected and pong frames, rejected=%v pong=%v", sawRejected, sawPong)
	}
}
