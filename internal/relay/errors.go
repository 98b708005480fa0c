package relay

import "errors"

// ErrorKind sentinels surfaced by the relay, per spec.md §7. Each is
// compared with errors.Is at the ingress boundary and mapped to an HTTP
// status there; none of these propagate past the ingress handler as a
// process-level error.
var (
	// ErrDuplicateCorrelation is returned by the Correlation Table when a
	// caller registers a correlation id that already has a waiter. The
	// caller is expected to generate fresh ids, so this should never occur
	// in practice.
	ErrDuplicateCorrelation = errors.New("relay: duplicate correlation id")

	// ErrNoWaiter is returned by Fulfill (and logged, not surfaced) when a
	// Response Frame arrives for a correlation id with no registered
	// waiter — the waiter already timed out, was already fulfilled or
	// cancelled, or never existed.
	ErrNoWaiter = errors.New("relay: no waiter for correlation id")

	// ErrTimeout is delivered to a waiter whose deadline elapsed before a
	// Response Frame arrived. Surfaces as HTTP 504.
	ErrTimeout = errors.New("relay: waiter deadline exceeded")

	// ErrTunnelClosed is delivered to every waiter whose request is still
	// outstanding on a tunnel (queued, or sent but unanswered) when that
	// tunnel's session tears down, and is returned by Enqueue on a tunnel
	// that is already torn down. Surfaces as HTTP 502.
	ErrTunnelClosed = errors.New("relay: tunnel closed")

	// ErrTunnelSaturated is returned by Enqueue when a tunnel's outbound
	// queue is already at its soft cap. Surfaces as HTTP 503.
	ErrTunnelSaturated = errors.New("relay: tunnel outbound queue saturated")

	// ErrShutdown is delivered to every outstanding waiter during graceful
	// server shutdown. Surfaces as HTTP 504.
	ErrShutdown = errors.New("relay: server shutting down")

	// ErrAlreadyAttached is returned when a second WebSocket attempts to
	// attach to a connection id that already has a live session.
	ErrAlreadyAttached = errors.New("relay: connection id already has a live session")

	// ErrMalformedFrame marks a frame that failed to decode off the wire.
	// The session logs and discards it; the session itself continues.
	ErrMalformedFrame = errors.New("relay: malformed wire frame")

	// ErrAttachRateLimited rejects a WebSocket handshake when attach
	// attempts for a connection id are arriving faster than the
	// Registry's per-id token bucket allows. Not one of spec.md §7's
	// named error kinds; an additional guard against a flapping Client.
	// Like ErrAlreadyAttached it rejects the handshake, but with HTTP 429
	// rather than 409.
	ErrAttachRateLimited = errors.New("relay: attach attempts rate limited for this connection id")
)
