package http

import (
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"

	"digitserve/ml"
)

func dialStatusWS(t *testing.T, hub *StatusHub) (*websocket.Conn, func()) {
	t.Helper()
	mux := http.NewServeMux()
	RegisterStatusWS(mux, hub)
	server := httptest.NewServer(mux)

	url := "ws" + strings.TrimPrefix(server.URL, "http") + "/api/ws/status"
	conn, _, err := websocket.DefaultDialer.Dial(url, nil)
	if err != nil {
		server.Close()
		t.Fatalf("dial websocket: %v", err)
	}
	return conn, func() {
		conn.Close()
		server.Close()
	}
}

func TestStatusHubBroadcast(t *testing.T) {
	hub := NewStatusHub()
	defer hub.Close()

	conn, cleanup := dialStatusWS(t, hub)
	defer cleanup()

	// the register and the broadcast race; give the hub a moment
	deadline := time.Now().Add(time.Second)
	for time.Now().Before(deadline) {
		hub.mu.Lock()
		n := len(hub.clients)
		hub.mu.Unlock()
		if n == 1 {
			break
		}
		time.Sleep(5 * time.Millisecond)
	}

	hub.Broadcast(ml.StateInProgress, "model is training, retry shortly")

	conn.SetReadDeadline(time.Now().Add(time.Second))
	var event StatusEvent
	if err := conn.ReadJSON(&event); err != nil {
		t.Fatalf("read event: %v", err)
	}
	if event.State != "in_progress" {
		t.Fatalf("state = %q", event.State)
	}
	if event.Message == "" {
		t.Fatal("missing message")
	}
	if event.Timestamp.IsZero() {
		t.Fatal("missing timestamp")
	}
}

func TestStatusHubRemovesDisconnectedClient(t *testing.T) {
	hub := NewStatusHub()
	defer hub.Close()

	conn, cleanup := dialStatusWS(t, hub)
	conn.Close()
	defer cleanup()

	deadline := time.Now().Add(time.Second)
	for time.Now().Before(deadline) {
		hub.mu.Lock()
		n := len(hub.clients)
		hub.mu.Unlock()
		if n == 0 {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatal("disconnected client was not removed")
}

func TestStatusHubCloseRejectsNewClients(t *testing.T) {
	hub := NewStatusHub()
	hub.Close()

	// broadcasting into a closed hub must not panic
	hub.Broadcast(ml.StateCompleted, "model is ready")
}
