package relay

import (
	"context"
	"errors"
	"log"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/gorilla/websocket"
)

// dialSession spins up an httptest server that upgrades a single
// WebSocket connection into a Session bound to registry/table, and
// returns a client-side *websocket.Conn connected to it.
func dialSession(t *testing.T, connID string, registry *Registry, table *CorrelationTable) *websocket.Conn {
	t.Helper()
	upgrader := websocket.Upgrader{}
	logger := log.New(testWriter{}, "", 0)

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		session := NewSession(connID, registry, table, logger)
		if err := session.Attach(); err != nil {
			t.Errorf("session attach: %v", err)
			http.Error(w, "attach failed", http.StatusConflict)
			return
		}
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			t.Errorf("server upgrade: %v", err)
			return
		}
		session.BindConn(conn)
		go session.Run()
	}))
	t.Cleanup(srv.Close)

	wsURL := "ws" + srv.URL[len("http"):]
	conn, _, err := websocket.DefaultDialer.Dial(wsURL, nil)
	if err != nil {
		t.Fatalf("client dial: %v", err)
	}
	t.Cleanup(func() { conn.Close() })
	return conn
}

func TestSessionRoundTrip(t *testing.T) {
	registry := NewRegistry(4)
	table := NewCorrelationTable()
	connID := "conn-session-1"

	clientConn := dialSession(t, connID, registry, table)

	waitForAttach(t, registry, connID)

	tunnel, _ := registry.Lookup(connID)
	waiter, err := table.Register("corr-1")
	if err != nil {
		t.Fatalf("Register: %v", err)
	}
	frame := &RequestFrame{CorrelationID: "corr-1", Method: MethodGet, URLPath: "x"}
	if err := tunnel.Enqueue(frame); err != nil {
		t.Fatalf("Enqueue: %v", err)
	}

	_, data, err := clientConn.ReadMessage()
	if err != nil {
		t.Fatalf("client ReadMessage: %v", err)
	}
	got, err := DecodeRequestFrame(data)
	if err != nil {
		t.Fatalf("DecodeRequestFrame: %v", err)
	}
	if got.CorrelationID != "corr-1" {
		t.Fatalf("CorrelationID: got %s, want corr-1", got.CorrelationID)
	}

	resp, err := EncodeFrame(&ResponseFrame{CorrelationID: "corr-1", StatusCode: 200, Body: []byte("ok")})
	if err != nil {
		t.Fatalf("EncodeFrame: %v", err)
	}
	if err := clientConn.WriteMessage(websocket.TextMessage, resp); err != nil {
		t.Fatalf("client WriteMessage: %v", err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	response, err := table.Await(ctx, waiter)
	if err != nil {
		t.Fatalf("Await: %v", err)
	}
	if string(response.Body) != "ok" {
		t.Fatalf("response body: got %q, want ok", response.Body)
	}
}

func TestSessionTeardownCancelsOutstanding(t *testing.T) {
	registry := NewRegistry(4)
	table := NewCorrelationTable()
	connID := "conn-session-2"

	clientConn := dialSession(t, connID, registry, table)
	waitForAttach(t, registry, connID)

	tunnel, _ := registry.Lookup(connID)
	w, err := table.Register("pending")
	if err != nil {
		t.Fatalf("Register: %v", err)
	}
	if err := tunnel.Enqueue(&RequestFrame{CorrelationID: "pending"}); err != nil {
		t.Fatalf("Enqueue: %v", err)
	}

	clientConn.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	r, err := table.Await(ctx, w)
	_ = r
	if !errors.Is(err, ErrTunnelClosed) {
		t.Fatalf("Await: got %v, want ErrTunnelClosed once the session tears down", err)
	}
}

func waitForAttach(t *testing.T, registry *Registry, connID string) {
	t.Helper()
	for i := 0; i < 1000; i++ {
		if tun, ok := registry.Lookup(connID); ok && tun.Attached() {
			return
		}
		time.Sleep(time.Millisecond)
	}
	t.Fatalf("session for %s never attached", connID)
}
