package relay

import (
	"context"
	"sync"
)

// result is what a Waiter's one-shot slot delivers: either a completed
// Response Frame, or an ErrorKind sentinel (Timeout, TunnelClosed,
// Shutdown).
type result struct {
	frame *ResponseFrame
	err   error
}

// Waiter is a one-shot completion slot, created when an Ingress handler
// enqueues a request and removed on fulfilment, timeout, or tunnel
// teardown (spec.md §3, §4.1). It is deliberately a single-element
// channel rather than a general queue: at most one producer, at most one
// consumer, delivery exactly once or cancelled (spec.md §9).
type Waiter struct {
	id   string
	ch   chan result
	once sync.Once
}

func newWaiter(id string) *Waiter {
	return &Waiter{id: id, ch: make(chan result, 1)}
}

// deliver fulfils the slot exactly once; subsequent calls are no-ops,
// which gives Fulfill and Cancel their idempotence.
func (w *Waiter) deliver(r result) (delivered bool) {
	w.once.Do(func() {
		w.ch <- r
		delivered = true
	})
	return delivered
}

// CorrelationTable is the process-wide registry from correlation id to
// Waiter (spec.md §4.1). It is safe for concurrent Register/Fulfill/
// Cancel/Await from many goroutines at once: every Ingress handler, every
// Session reader, and every Session writer shares one table (spec.md §5).
type CorrelationTable struct {
	mu      sync.Mutex
	waiters map[string]*Waiter
}

// NewCorrelationTable constructs an empty table.
func NewCorrelationTable() *CorrelationTable {
	return &CorrelationTable{waiters: make(map[string]*Waiter)}
}

// Register allocates a one-shot slot for id. It fails with
// ErrDuplicateCorrelation if id is already registered — callers are
// expected to generate fresh ids, so this should never happen.
func (t *CorrelationTable) Register(id string) (*Waiter, error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if _, exists := t.waiters[id]; exists {
		return nil, ErrDuplicateCorrelation
	}
	w := newWaiter(id)
	t.waiters[id] = w
	return w, nil
}

// Fulfill delivers a Response Frame to id's waiter. If no slot exists, or
// it is already fulfilled, Fulfill is a no-op and returns ErrNoWaiter,
// which callers log and drop (spec.md's invariant: "A Response Frame
// whose correlation id has no waiter is logged and dropped — never
// retained").
func (t *CorrelationTable) Fulfill(id string, frame *ResponseFrame) error {
	t.mu.Lock()
	w, exists := t.waiters[id]
	if exists {
		delete(t.waiters, id)
	}
	t.mu.Unlock()
	if !exists {
		return ErrNoWaiter
	}
	w.deliver(result{frame: frame})
	return nil
}

// Cancel fulfils id's waiter with an error sentinel. It is idempotent:
// cancelling a waiter that is already fulfilled or already cancelled is a
// no-op.
func (t *CorrelationTable) Cancel(id string, reason error) {
	t.mu.Lock()
	w, exists := t.waiters[id]
	if exists {
		delete(t.waiters, id)
	}
	t.mu.Unlock()
	if exists {
		w.deliver(result{err: reason})
	}
}

// Remove withdraws id's waiter without delivering a result, used when the
// caller is about to stop listening (e.g. on deadline) and wants to
// ensure a late Fulfill finds ErrNoWaiter rather than succeeding.
func (t *CorrelationTable) Remove(id string) {
	t.mu.Lock()
	delete(t.waiters, id)
	t.mu.Unlock()
}

// Await suspends until w's slot is fulfilled, the deadline carried by ctx
// elapses, or ctx is otherwise cancelled. On deadline, the waiter is
// unregistered first so a later-arriving Fulfill finds ErrNoWaiter
// (spec.md §5, "Cancellation and timeouts").
func (t *CorrelationTable) Await(ctx context.Context, w *Waiter) (*ResponseFrame, error) {
	select {
	case r := <-w.ch:
		return r.frame, r.err
	case <-ctx.Done():
		t.Remove(w.id)
		// A delivery may have raced the deadline; prefer it if present.
		select {
		case r := <-w.ch:
			return r.frame, r.err
		default:
			return nil, ErrTimeout
		}
	}
}

// Len reports the number of outstanding waiters, for diagnostics.
func (t *CorrelationTable) Len() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return len(t.waiters)
}

// CancelAll cancels every outstanding waiter with reason, used during
// server-wide graceful shutdown (spec.md §4.5).
func (t *CorrelationTable) CancelAll(reason error) {
	t.mu.Lock()
	waiters := make([]*Waiter, 0, len(t.waiters))
	for _, w := range t.waiters {
		waiters = append(waiters, w)
	}
	t.waiters = make(map[string]*Waiter)
	t.mu.Unlock()
	for _, w := range waiters {
		w.deliver(result{err: reason})
	}
}
