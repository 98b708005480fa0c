package relay

import (
	"sync"
	"time"

	"golang.org/x/time/rate"
)

// DefaultQueueSoftCap is the default soft cap on a tunnel's outbound
// queue (spec.md §4.2, §5 "Backpressure"). Enqueue past this point fails
// immediately with ErrTunnelSaturated instead of blocking the producer,
// because requests already park for up to 300s and an offline Client
// would otherwise accumulate unbounded memory.
const DefaultQueueSoftCap = 256

// TunnelState is the per-connection-id live state the Tunnel Registry
// owns (spec.md §3): an outbound request queue and the set of in-flight
// correlation ids for this tunnel, plus a reference to the attached
// Session, if any.
//
// A TunnelState exclusively owns its outbound queue. The Session borrows
// but does not own the TunnelState.
type TunnelState struct {
	ConnectionID string

	mu          sync.Mutex
	outstanding map[string]struct{}
	session     *Session
	closed      bool
	createdAt   time.Time

	queue chan *RequestFrame
	done  chan struct{}
}

func newTunnelState(connID string, softCap int) *TunnelState {
	return &TunnelState{
		ConnectionID: connID,
		outstanding:  make(map[string]struct{}),
		queue:        make(chan *RequestFrame, softCap),
		done:         make(chan struct{}),
		createdAt:    time.Now(),
	}
}

// Enqueue appends frame to the tunnel's outbound queue. It never blocks
// the producer: if the tunnel is torn down it fails with
// ErrTunnelClosed, and if the queue is at its soft cap it fails with
// ErrTunnelSaturated (spec.md §4.2). The outbound queue never contains
// duplicate correlation ids.
func (t *TunnelState) Enqueue(frame *RequestFrame) error {
	t.mu.Lock()
	if t.closed {
		t.mu.Unlock()
		return ErrTunnelClosed
	}
	if _, dup := t.outstanding[frame.CorrelationID]; dup {
		t.mu.Unlock()
		return ErrDuplicateCorrelation
	}
	t.outstanding[frame.CorrelationID] = struct{}{}
	t.mu.Unlock()

	select {
	case t.queue <- frame:
		return nil
	default:
		t.mu.Lock()
		delete(t.outstanding, frame.CorrelationID)
		t.mu.Unlock()
		return ErrTunnelSaturated
	}
}

// Dequeue suspends until a frame is available or the tunnel closes.
func (t *TunnelState) Dequeue() (*RequestFrame, error) {
	select {
	case f := <-t.queue:
		return f, nil
	case <-t.done:
		// A frame may have raced the close; drain what's left before
		// giving up, so Teardown doesn't have to catch it separately.
		select {
		case f := <-t.queue:
			return f, nil
		default:
			return nil, ErrTunnelClosed
		}
	}
}

// complete removes id from the outstanding set once its Response Frame
// has been delivered (or its waiter cancelled).
func (t *TunnelState) complete(id string) {
	t.mu.Lock()
	delete(t.outstanding, id)
	t.mu.Unlock()
}

// attach binds session as this tunnel's live session. It fails with
// ErrAlreadyAttached if a different live session is already bound, or
// with ErrTunnelClosed if this TunnelState has already been torn down —
// the latter means the registry is still holding a stale entry that lost
// a race with Session.teardown's Remove, and the caller should replace
// it with a fresh TunnelState rather than attach to a dead one.
func (t *TunnelState) attach(s *Session) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.closed {
		return ErrTunnelClosed
	}
	if t.session != nil {
		return ErrAlreadyAttached
	}
	t.session = s
	return nil
}

// detach unbinds session iff it is the current one. Idempotent against
// double-close.
func (t *TunnelState) detach(s *Session) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.session == s {
		t.session = nil
	}
}

// close marks the tunnel closed and returns the correlation ids of every
// request that has neither been answered nor definitively failed: both
// frames still sitting in the outbound queue (never sent to a Client)
// and frames already sent but not yet answered when the session died.
// The caller (Session Teardown) cancels each one's waiter with
// ErrTunnelClosed — this is spec.md §4.3's "drain the outbound queue,
// cancelling each frame's waiter", generalized to also cover in-flight
// requests, so a dead session fails fast rather than making an
// already-sent request wait out its full 300s deadline.
func (t *TunnelState) close() []string {
	t.mu.Lock()
	if t.closed {
		t.mu.Unlock()
		return nil
	}
	t.closed = true
	ids := make([]string, 0, len(t.outstanding))
	for id := range t.outstanding {
		ids = append(ids, id)
	}
	t.outstanding = make(map[string]struct{})
	t.mu.Unlock()
	close(t.done)

	// Drain the channel so it can be garbage collected promptly; the
	// frames themselves are no longer needed once we have their ids.
	for {
		select {
		case <-t.queue:
		default:
			return ids
		}
	}
}

// QueueDepth reports the number of frames currently queued, for the
// status endpoint.
func (t *TunnelState) QueueDepth() int {
	return len(t.queue)
}

// Attached reports whether a live session is currently bound.
func (t *TunnelState) Attached() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.session != nil
}

// Age reports how long ago this tunnel was first created.
func (t *TunnelState) Age() time.Duration {
	return time.Since(t.createdAt)
}

// CreatedAt reports when this tunnel was first created, for the status
// endpoint's humanized timestamp.
func (t *TunnelState) CreatedAt() time.Time {
	return t.createdAt
}

// Registry maps connection id to live Tunnel State (spec.md §4.2). It is
// the single process-wide owner of every TunnelState; the Session
// borrows but never owns one.
type Registry struct {
	softCap int

	mu      sync.Mutex
	tunnels map[string]*TunnelState

	// attachLimiters guards against a flapping Client hammering
	// AttachSession for the same connection id; distinct from
	// AlreadyAttached, which rejects a genuinely concurrent second
	// session. One token bucket per connection id, created lazily.
	limiterMu sync.Mutex
	limiters  map[string]*rate.Limiter
}

// NewRegistry constructs an empty Registry with the given outbound queue
// soft cap (DefaultQueueSoftCap if zero).
func NewRegistry(softCap int) *Registry {
	if softCap <= 0 {
		softCap = DefaultQueueSoftCap
	}
	return &Registry{
		softCap:  softCap,
		tunnels:  make(map[string]*TunnelState),
		limiters: make(map[string]*rate.Limiter),
	}
}

// GetOrCreate returns the existing tunnel for connID or atomically
// creates one with an empty queue and no attached session. Creation is
// atomic under the registry's own mutex rather than relying on a
// language's implicit default-map-value lookup, which does not
// guarantee atomicity across concurrent creators (spec.md §9, "Lazy
// default-map idiom").
func (r *Registry) GetOrCreate(connID string) *TunnelState {
	r.mu.Lock()
	defer r.mu.Unlock()
	t, ok := r.tunnels[connID]
	if !ok {
		t = newTunnelState(connID, r.softCap)
		r.tunnels[connID] = t
	}
	return t
}

// Lookup returns the tunnel for connID if one exists, without creating
// it.
func (r *Registry) Lookup(connID string) (*TunnelState, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	t, ok := r.tunnels[connID]
	return t, ok
}

// allowAttach reports whether a new attach attempt for connID is within
// the per-connection rate limit, creating its limiter on first use.
func (r *Registry) allowAttach(connID string) bool {
	r.limiterMu.Lock()
	lim, ok := r.limiters[connID]
	if !ok {
		// 1 attach every 2 seconds, bursting up to 3 — generous enough
		// for a legitimate reconnect storm, tight enough to blunt a
		// hot-looping misbehaving client.
		lim = rate.NewLimiter(rate.Every(2*time.Second), 3)
		r.limiters[connID] = lim
	}
	r.limiterMu.Unlock()
	return lim.Allow()
}

// AttachSession binds session to connID's tunnel. It fails with
// ErrAlreadyAttached if a live session is already bound, or with
// ErrAttachRateLimited if attach attempts for connID are arriving too
// fast — both surface as a rejected WebSocket handshake (HTTP 409 and
// 429 respectively; spec.md §7's AlreadyAttached row); the rate limit is an additional
// guard not named by spec.md, so it gets its own sentinel rather than
// overloading AlreadyAttached's meaning.
func (r *Registry) AttachSession(connID string, session *Session) error {
	if !r.allowAttach(connID) {
		return ErrAttachRateLimited
	}
	// At most one retry: if the registry's current entry for connID is a
	// stale, already-torn-down TunnelState (a race with a just-finished
	// Session.teardown), swap in a fresh one and try again.
	for attempts := 0; attempts < 2; attempts++ {
		t := r.GetOrCreate(connID)
		err := t.attach(session)
		if err == ErrTunnelClosed {
			r.mu.Lock()
			if r.tunnels[connID] == t {
				delete(r.tunnels, connID)
			}
			r.mu.Unlock()
			continue
		}
		return err
	}
	return ErrTunnelClosed
}

// DetachSession unbinds session from connID's tunnel iff it is the
// current one. Idempotent against double-close.
func (r *Registry) DetachSession(connID string, session *Session) {
	if t, ok := r.Lookup(connID); ok {
		t.detach(session)
	}
}

// Enumerate returns every live TunnelState, for shutdown (spec.md §4.2).
func (r *Registry) Enumerate() []*TunnelState {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]*TunnelState, 0, len(r.tunnels))
	for _, t := range r.tunnels {
		out = append(out, t)
	}
	return out
}

// Remove deletes connID's tunnel from the registry entirely. Called once
// a Session's Teardown has drained the queue and the tunnel is no longer
// useful to keep around.
func (r *Registry) Remove(connID string) {
	r.mu.Lock()
	delete(r.tunnels, connID)
	r.mu.Unlock()
}
