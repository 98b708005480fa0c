package relay

import (
	"fmt"
	"log"
	"sync"
	"time"

	"github.com/gorilla/websocket"
)

// SessionState is the Tunnel Session's lifecycle state (spec.md §4.3):
// Connecting -> Ready -> Closing -> Closed. Transitions are one-way.
type SessionState int32

const (
	StateConnecting SessionState = iota
	StateReady
	StateClosing
	StateClosed
)

func (s SessionState) String() string {
	switch s {
	case StateConnecting:
		return "connecting"
	case StateReady:
		return "ready"
	case StateClosing:
		return "closing"
	case StateClosed:
		return "closed"
	default:
		return "unknown"
	}
}

// writeTimeout bounds a single WebSocket frame write.
const writeTimeout = 10 * time.Second

// Session owns one WebSocket for its lifetime and drives bidirectional
// frame transport for a single connection id (spec.md §4.3). It runs a
// reader and a writer as peers under a shared close latch: the first to
// fail signals the latch and both exit, rather than nesting one under a
// coordinator that awaits both (spec.md §9, "Bidirectional fiber pair").
type Session struct {
	ConnectionID string

	conn     *websocket.Conn
	registry *Registry
	table    *CorrelationTable
	logger   *log.Logger

	mu    sync.Mutex
	state SessionState

	closeOnce sync.Once
	closed    chan struct{}
}

// NewSession constructs a Session for connID. The caller is responsible
// for having verified credentials, then calling Attach before accepting
// the WebSocket handshake, and BindConn once the handshake succeeds,
// before calling Run.
func NewSession(connID string, registry *Registry, table *CorrelationTable, logger *log.Logger) *Session {
	if logger == nil {
		logger = log.Default()
	}
	return &Session{
		ConnectionID: connID,
		registry:     registry,
		table:        table,
		logger:       logger,
		state:        StateConnecting,
		closed:       make(chan struct{}),
	}
}

// Attach reserves this session's slot in the Tunnel Registry. It must
// succeed before the caller accepts the WebSocket handshake: spec.md §7
// requires AlreadyAttached (and a rate-limited or closed tunnel) to
// reject the handshake itself, not upgrade and then immediately
// disconnect.
func (s *Session) Attach() error {
	return s.registry.AttachSession(s.ConnectionID, s)
}

// BindConn attaches the live WebSocket connection after a successful
// upgrade. Must be called after Attach succeeds and before Run.
func (s *Session) BindConn(conn *websocket.Conn) {
	s.conn = conn
}

// State reports the session's current lifecycle state.
func (s *Session) State() SessionState {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

func (s *Session) setState(st SessionState) {
	s.mu.Lock()
	s.state = st
	s.mu.Unlock()
}

// Run transitions an already-Attach'd, already-BindConn'd session to
// Ready and drives the reader/writer pair until one of them fails or the
// session is closed from outside (e.g. server shutdown). It blocks until
// Teardown has completed.
func (s *Session) Run() {
	s.setState(StateReady)

	tunnel := s.registry.GetOrCreate(s.ConnectionID)

	var wg sync.WaitGroup
	wg.Add(2)
	go func() {
		defer wg.Done()
		s.writeLoop(tunnel)
	}()
	go func() {
		defer wg.Done()
		s.readLoop(tunnel)
	}()

	<-s.closed
	s.setState(StateClosing)
	// Teardown closes the tunnel, which is what wakes a writer parked in
	// Dequeue; only then can both loops be waited for.
	s.teardown(tunnel)
	wg.Wait()
	s.setState(StateClosed)
}

// signalClose fires the close latch at most once; both the reader and
// the writer call this the moment they hit a terminal error, and
// whichever does so first wakes the other path in Run.
func (s *Session) signalClose() {
	s.closeOnce.Do(func() {
		close(s.closed)
		s.conn.Close()
	})
}

// Close tears the session down from outside, e.g. during server
// shutdown. Safe to call concurrently with Run and safe to call more
// than once.
func (s *Session) Close() {
	s.signalClose()
}

// writeLoop repeatedly dequeues a Request Frame from the tunnel's
// outbound queue, serializes it as a text frame, and writes it. On write
// failure or queue/socket close it signals the shared latch and returns
// (spec.md §4.3).
func (s *Session) writeLoop(tunnel *TunnelState) {
	for {
		frame, err := tunnel.Dequeue()
		if err != nil {
			s.signalClose()
			return
		}
		data, err := EncodeFrame(frame)
		if err != nil {
			// Should not happen for a well-formed RequestFrame; treat as a
			// local bug, not a transport failure — log and move on rather
			// than tearing down a healthy socket over it.
			s.logger.Printf("relay: session %s: failed to encode request frame %s: %v", s.ConnectionID, frame.CorrelationID, err)
			s.table.Cancel(frame.CorrelationID, fmt.Errorf("relay: encode failure: %w", err))
			tunnel.complete(frame.CorrelationID)
			continue
		}
		s.conn.SetWriteDeadline(time.Now().Add(writeTimeout))
		if err := s.conn.WriteMessage(websocket.TextMessage, data); err != nil {
			s.logger.Printf("relay: session %s: write failed: %v", s.ConnectionID, err)
			s.signalClose()
			return
		}
	}
}

// readLoop reads text frames, decodes each as a Response Frame, and
// fulfils the matching waiter. A frame that fails to decode is logged
// and discarded; the session continues. On socket close or I/O error it
// signals the shared latch and returns (spec.md §4.3).
func (s *Session) readLoop(tunnel *TunnelState) {
	for {
		messageType, data, err := s.conn.ReadMessage()
		if err != nil {
			s.logger.Printf("relay: session %s: read ended: %v", s.ConnectionID, err)
			s.signalClose()
			return
		}
		if messageType != websocket.TextMessage {
			s.logger.Printf("relay: session %s: ignoring non-text frame (type %d)", s.ConnectionID, messageType)
			continue
		}

		resp, err := DecodeResponseFrame(data)
		if err != nil {
			s.logger.Printf("relay: session %s: %v", s.ConnectionID, err)
			continue
		}

		tunnel.complete(resp.CorrelationID)
		if err := s.table.Fulfill(resp.CorrelationID, resp); err != nil {
			s.logger.Printf("relay: session %s: %v for correlation id %s", s.ConnectionID, err, resp.CorrelationID)
		}
	}
}

// teardown runs spec.md §4.3's Teardown sequence: detach from the
// registry, cancel every outstanding waiter on this tunnel with
// TunnelClosed, and release the tunnel once it is empty.
func (s *Session) teardown(tunnel *TunnelState) {
	s.registry.DetachSession(s.ConnectionID, s)
	pending := tunnel.close()
	for _, id := range pending {
		s.table.Cancel(id, ErrTunnelClosed)
	}
	s.registry.Remove(s.ConnectionID)
}
