package statusserver

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/afk-relay/afk-supervisor/internal/config"
	"github.com/afk-relay/afk-supervisor/internal/store"
	"github.com/gorilla/websocket"
)

func newTestStore(t *testing.T) *store.Store {
	t.Helper()
	st, err := store.Open(filepath.Join(t.TempDir(), "sessions.db"))
	if err != nil {
		t.Fatalf("store.Open: %v", err)
	}
	t.Cleanup(func() { st.Close() })
	return st
}

func TestHandleSessionsReturnsAllSessions(t *testing.T) {
	st := newTestStore(t)
	if _, err := st.Create(store.CreateParams{Task: "t1", IterationsPlanned: 3}); err != nil {
		t.Fatalf("Create: %v", err)
	}
	if _, err := st.Create(store.CreateParams{Task: "t2", IterationsPlanned: 3}); err != nil {
		t.Fatalf("Create: %v", err)
	}

	cfg := config.Default()
	b := NewBroadcaster(st, time.Hour, time.Hour, 10)
	defer b.Stop()
	s := NewServer(cfg, st, b)

	mux := http.NewServeMux()
	s.SetupRoutes(mux)

	rec := httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodGet, "/api/sessions", nil)
	mux.ServeHTTP(rec, req)

	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200", rec.Code)
	}
	var got []*store.Session
	if err := json.Unmarshal(rec.Body.Bytes(), &got); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if len(got) != 2 {
		t.Fatalf("len(got) = %d, want 2", len(got))
	}
}

func TestHandleSessionByIDNotFound(t *testing.T) {
	st := newTestStore(t)
	cfg := config.Default()
	b := NewBroadcaster(st, time.Hour, time.Hour, 10)
	defer b.Stop()
	s := NewServer(cfg, st, b)

	mux := http.NewServeMux()
	s.SetupRoutes(mux)

	rec := httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodGet, "/api/sessions/does-not-exist", nil)
	mux.ServeHTTP(rec, req)

	if rec.Code != http.StatusNotFound {
		t.Errorf("status = %d, want 404", rec.Code)
	}
}

func TestWSClientReceivesInitialSnapshot(t *testing.T) {
	st := newTestStore(t)
	sess, err := st.Create(store.CreateParams{Task: "t1", IterationsPlanned: 3})
	if err != nil {
		t.Fatalf("Create: %v", err)
	}

	cfg := config.Default()
	b := NewBroadcaster(st, 20*time.Millisecond, time.Hour, 10)
	defer b.Stop()
	s := NewServer(cfg, st, b)

	mux := http.NewServeMux()
	s.SetupRoutes(mux)

	srv := httptest.NewServer(mux)
	defer srv.Close()

	wsURL := "ws" + strings.TrimPrefix(srv.URL, "http") + "/ws"
	conn, _, err := websocket.DefaultDialer.Dial(wsURL, nil)
	if err != nil {
		t.Fatalf("Dial: %v", err)
	}
	defer conn.Close()

	conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	_, data, err := conn.ReadMessage()
	if err != nil {
		t.Fatalf("ReadMessage: %v", err)
	}

	var msg WSMessage
	if err := json.Unmarshal(data, &msg); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if msg.Type != MsgSnapshot {
		t.Fatalf("Type = %q, want %q", msg.Type, MsgSnapshot)
	}

	payloadBytes, _ := json.Marshal(msg.Payload)
	var payload SnapshotPayload
	if err := json.Unmarshal(payloadBytes, &payload); err != nil {
		t.Fatalf("unmarshal payload: %v", err)
	}
	if len(payload.Sessions) != 1 || payload.Sessions[0].ID != sess.ID {
		t.Errorf("unexpected snapshot payload: %+v", payload)
	}
}

func TestWSClientReceivesDeltaOnUpdate(t *testing.T) {
	st := newTestStore(t)
	sess, err := st.Create(store.CreateParams{Task: "t1", IterationsPlanned: 3})
	if err != nil {
		t.Fatalf("Create: %v", err)
	}

	cfg := config.Default()
	b := NewBroadcaster(st, 20*time.Millisecond, time.Hour, 10)
	defer b.Stop()
	s := NewServer(cfg, st, b)

	mux := http.NewServeMux()
	s.SetupRoutes(mux)

	srv := httptest.NewServer(mux)
	defer srv.Close()

	wsURL := "ws" + strings.TrimPrefix(srv.URL, "http") + "/ws"
	conn, _, err := websocket.DefaultDialer.Dial(wsURL, nil)
	if err != nil {
		t.Fatalf("Dial: %v", err)
	}
	defer conn.Close()

	conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	if _, _, err := conn.ReadMessage(); err != nil { // initial snapshot
		t.Fatalf("ReadMessage (snapshot): %v", err)
	}

	pid := 4242
	if _, err := st.Update(sess.ID, store.Patch{PID: &pid}); err != nil {
		t.Fatalf("Update: %v", err)
	}

	deadline := time.Now().Add(3 * time.Second)
	for time.Now().Before(deadline) {
		conn.SetReadDeadline(time.Now().Add(500 * time.Millisecond))
		_, data, err := conn.ReadMessage()
		if err != nil {
			continue
		}
		var msg WSMessage
		if err := json.Unmarshal(data, &msg); err != nil {
			t.Fatalf("unmarshal: %v", err)
		}
		if msg.Type == MsgDelta {
			return // success
		}
	}
	t.Fatal("did not observe a delta frame after updating the session")
}
