package relay

import (
	"log"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"
)

func newTestIngress() (*Ingress, *Registry, *CorrelationTable) {
	registry := NewRegistry(4)
	table := NewCorrelationTable()
	logger := log.New(testWriter{}, "", 0)
	in := NewIngress(registry, table, logger)
	in.Timeout = 200 * time.Millisecond
	return in, registry, table
}

type testWriter struct{}

func (testWriter) Write(p []byte) (int, error) { return len(p), nil }

func TestIngressHandleFulfilled(t *testing.T) {
	in, registry, table := newTestIngress()

	req := httptest.NewRequest(http.MethodGet, "/conn-1/widgets/42?x=1", strings.NewReader(""))
	w := httptest.NewRecorder()

	done := make(chan struct{})
	go func() {
		in.Handle(w, req, "conn-1", "widgets/42")
		close(done)
	}()

	var tunnel *TunnelState
	var ok bool
	for i := 0; i < 1000 && !ok; i++ {
		tunnel, ok = registry.Lookup("conn-1")
		if !ok {
			time.Sleep(time.Millisecond)
		}
	}
	if !ok {
		t.Fatalf("tunnel for conn-1 never appeared")
	}
	frame, err := tunnel.Dequeue()
	if err != nil {
		t.Fatalf("Dequeue: %v", err)
	}
	if frame.Method != MethodGet {
		t.Fatalf("frame.Method: got %s, want GET", frame.Method)
	}
	if frame.URLPath != "widgets/42" {
		t.Fatalf("frame.URLPath: got %q, want widgets/42", frame.URLPath)
	}
	if frame.URLQuery["x"][0] != "1" {
		t.Fatalf("frame.URLQuery[x]: got %v, want [1]", frame.URLQuery["x"])
	}

	if err := table.Fulfill(frame.CorrelationID, &ResponseFrame{
		CorrelationID: frame.CorrelationID,
		StatusCode:    http.StatusCreated,
		Headers:       map[string]string{"X-Test": "yes"},
		Body:          []byte("hello"),
	}); err != nil {
		t.Fatalf("Fulfill: %v", err)
	}

	<-done

	if w.Code != http.StatusCreated {
		t.Fatalf("status: got %d, want 201", w.Code)
	}
	if got := w.Header().Get("X-Test"); got != "yes" {
		t.Fatalf("header X-Test: got %q, want yes", got)
	}
	if w.Body.String() != "hello" {
		t.Fatalf("body: got %q, want hello", w.Body.String())
	}
}

func TestIngressHandleTimeout(t *testing.T) {
	in, registry, _ := newTestIngress()

	req := httptest.NewRequest(http.MethodGet, "/conn-2/", nil)
	w := httptest.NewRecorder()

	in.Handle(w, req, "conn-2", "")

	if w.Code != http.StatusGatewayTimeout {
		t.Fatalf("status: got %d, want 504", w.Code)
	}
	tunnel, ok := registry.Lookup("conn-2")
	if !ok {
		t.Fatalf("expected tunnel to exist")
	}
	if tunnel.QueueDepth() != 1 {
		t.Fatalf("QueueDepth: got %d after timeout, want 1 (request never dequeued, should remain until session attaches)", tunnel.QueueDepth())
	}
}

func TestIngressHandleMethodNotAllowed(t *testing.T) {
	in, _, _ := newTestIngress()

	req := httptest.NewRequest("TRACE", "/conn-3/", nil)
	w := httptest.NewRecorder()

	in.Handle(w, req, "conn-3", "")

	if w.Code != http.StatusMethodNotAllowed {
		t.Fatalf("status: got %d, want 405", w.Code)
	}
}

func TestIngressHandleTunnelSaturated(t *testing.T) {
	in, registry, table := newTestIngress()
	in.Timeout = time.Hour

	// Fill the queue to its soft cap directly.
	tunnel := registry.GetOrCreate("conn-4")
	for i := 0; i < 4; i++ {
		if err := tunnel.Enqueue(&RequestFrame{CorrelationID: string(rune('a' + i))}); err != nil {
			t.Fatalf("priming Enqueue: %v", err)
		}
	}

	req := httptest.NewRequest(http.MethodGet, "/conn-4/", nil)
	w := httptest.NewRecorder()
	in.Handle(w, req, "conn-4", "")

	if w.Code != http.StatusServiceUnavailable {
		t.Fatalf("status: got %d, want 503", w.Code)
	}
	if got := table.Len(); got != 0 {
		t.Fatalf("Len: got %d, want 0 (waiter must be removed on enqueue failure)", got)
	}
}
