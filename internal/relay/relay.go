// Package relay implements the request-multiplexing core of the
// pipegate reverse-tunnel gateway: the Correlation Table, the Tunnel
// Registry, the Tunnel Session, and the HTTP Ingress Handler described
// by spec.md §4.
//
// A Relay is an explicit value passed by reference to the HTTP handler
// and the WebSocket handler, not a process-wide singleton (spec.md §9,
// "Global mutable state") — tests construct a fresh Relay per case.
package relay

import (
	"context"
	"errors"
	"fmt"
	"log"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/pipegate/pipegate/internal/auth"
)

// Options configures a Relay.
type Options struct {
	// Verifier authenticates inbound WebSocket upgrades. Required.
	Verifier auth.Verifier

	// QueueSoftCap is the outbound-queue soft cap per tunnel
	// (DefaultQueueSoftCap if zero).
	QueueSoftCap int

	// WaiterTimeout is the Ingress Waiter deadline (DefaultWaiterTimeout
	// if zero).
	WaiterTimeout time.Duration

	// Logger receives operational log lines. Defaults to log.Default().
	Logger *log.Logger
}

// Relay wires together the Correlation Table, the Tunnel Registry, and
// the Ingress Handler, and exposes the public HTTP and WebSocket
// surfaces of spec.md §6.
type Relay struct {
	Table    *CorrelationTable
	Registry *Registry
	Ingress  *Ingress
	Verifier auth.Verifier
	Logger   *log.Logger

	upgrader websocket.Upgrader

	mu          sync.Mutex
	sessions    map[*Session]struct{}
	shutdownErr error
}

// New constructs a Relay ready to accept connections.
func New(opts Options) *Relay {
	logger := opts.Logger
	if logger == nil {
		logger = log.Default()
	}
	table := NewCorrelationTable()
	registry := NewRegistry(opts.QueueSoftCap)
	ingress := NewIngress(registry, table, logger)
	if opts.WaiterTimeout > 0 {
		ingress.Timeout = opts.WaiterTimeout
	}
	return &Relay{
		Table:    table,
		Registry: registry,
		Ingress:  ingress,
		Verifier: opts.Verifier,
		Logger:   logger,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  4096,
			WriteBufferSize: 4096,
			CheckOrigin:     func(r *http.Request) bool { return true },
		},
		sessions: make(map[*Session]struct{}),
	}
}

// Handler returns an http.Handler serving both the HTTP ingress surface
// (`/<connectionId>/<tailPath>`) and the WebSocket surface
// (`/<connectionId>`), per spec.md §6.
func (rl *Relay) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.Handle("/debug/tunnels", rl.StatusHandler())
	mux.HandleFunc("/{connectionId}/{tail...}", rl.serveIngress)
	mux.HandleFunc("/{connectionId}", rl.serveRoot)
	return mux
}

func (rl *Relay) serveRoot(w http.ResponseWriter, r *http.Request) {
	connID, ok := ParseConnectionID(r.PathValue("connectionId"))
	if !ok {
		http.Error(w, "malformed connection id", http.StatusBadRequest)
		return
	}
	if isWebSocketUpgrade(r) {
		rl.serveWebSocket(w, r, connID)
		return
	}
	rl.Ingress.Handle(w, r, connID, "")
}

func (rl *Relay) serveIngress(w http.ResponseWriter, r *http.Request) {
	connID, ok := ParseConnectionID(r.PathValue("connectionId"))
	if !ok {
		http.Error(w, "malformed connection id", http.StatusBadRequest)
		return
	}
	rl.Ingress.Handle(w, r, connID, r.PathValue("tail"))
}

func isWebSocketUpgrade(r *http.Request) bool {
	return strings.EqualFold(r.Header.Get("Upgrade"), "websocket")
}

// serveWebSocket authenticates and upgrades an inbound WebSocket request
// for connID, then runs the resulting Session until it tears down
// (spec.md §4.3, §6).
func (rl *Relay) serveWebSocket(w http.ResponseWriter, r *http.Request, connID string) {
	if rl.Verifier == nil {
		http.Error(w, "server misconfigured: no authentication verifier", http.StatusInternalServerError)
		return
	}
	if err := rl.Verifier.Verify(r, connID); err != nil {
		switch {
		case errors.Is(err, auth.ErrMissingCredential):
			http.Error(w, "missing credential", http.StatusUnauthorized)
		default:
			http.Error(w, "invalid credential", http.StatusForbidden)
		}
		return
	}

	// Reserve this connection id's tunnel slot before accepting the
	// handshake, so AlreadyAttached (and friends) reject the handshake
	// itself instead of upgrading and then immediately disconnecting.
	session := NewSession(connID, rl.Registry, rl.Table, rl.Logger)
	if err := session.Attach(); err != nil {
		rl.writeAttachError(w, err)
		return
	}

	conn, err := rl.upgrader.Upgrade(w, r, nil)
	if err != nil {
		rl.Registry.DetachSession(connID, session)
		rl.Logger.Printf("relay: websocket upgrade failed for %s: %v", connID, err)
		return
	}
	session.BindConn(conn)

	rl.mu.Lock()
	rl.sessions[session] = struct{}{}
	rl.mu.Unlock()

	session.Run()

	rl.mu.Lock()
	delete(rl.sessions, session)
	rl.mu.Unlock()
}

// writeAttachError maps a failed tunnel-slot reservation to a rejected
// handshake status (spec.md §7's AlreadyAttached row, plus the
// rate-limit and closed-tunnel guards that surface the same way).
func (rl *Relay) writeAttachError(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, ErrAlreadyAttached):
		http.Error(w, "connection id already has a live session", http.StatusConflict)
	case errors.Is(err, ErrAttachRateLimited):
		http.Error(w, "too many attach attempts", http.StatusTooManyRequests)
	case errors.Is(err, ErrTunnelClosed):
		http.Error(w, "tunnel unavailable", http.StatusServiceUnavailable)
	default:
		http.Error(w, "failed to attach session", http.StatusInternalServerError)
	}
}

// Shutdown refuses new inbound requests (the caller is expected to stop
// the HTTP server first), cancels every outstanding Waiter with
// ErrShutdown, and closes every live Session (spec.md §4.5).
func (rl *Relay) Shutdown(ctx context.Context) error {
	rl.Table.CancelAll(ErrShutdown)

	rl.mu.Lock()
	sessions := make([]*Session, 0, len(rl.sessions))
	for s := range rl.sessions {
		sessions = append(sessions, s)
	}
	rl.mu.Unlock()

	for _, s := range sessions {
		s.Close()
	}

	done := make(chan struct{})
	go func() {
		for {
			rl.mu.Lock()
			n := len(rl.sessions)
			rl.mu.Unlock()
			if n == 0 {
				close(done)
				return
			}
			time.Sleep(10 * time.Millisecond)
		}
	}()

	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return fmt.Errorf("relay: shutdown: %w", ctx.Err())
	}
}
