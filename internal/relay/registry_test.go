package relay

import (
	"errors"
	"testing"
)

func TestTunnelStateEnqueueDequeue(t *testing.T) {
	tun := newTunnelState("conn-1", 2)

	f1 := &RequestFrame{CorrelationID: "r1", Method: MethodGet}
	if err := tun.Enqueue(f1); err != nil {
		t.Fatalf("Enqueue: %v", err)
	}

	got, err := tun.Dequeue()
	if err != nil {
		t.Fatalf("Dequeue: %v", err)
	}
	if got.CorrelationID != "r1" {
		t.Fatalf("Dequeue: got %s, want r1", got.CorrelationID)
	}
}

func TestTunnelStateDuplicateCorrelation(t *testing.T) {
	tun := newTunnelState("conn-1", 4)
	f := &RequestFrame{CorrelationID: "dup"}
	if err := tun.Enqueue(f); err != nil {
		t.Fatalf("Enqueue: %v", err)
	}
	if err := tun.Enqueue(f); !errors.Is(err, ErrDuplicateCorrelation) {
		t.Fatalf("second Enqueue: got %v, want ErrDuplicateCorrelation", err)
	}
}

func TestTunnelStateSaturation(t *testing.T) {
	tun := newTunnelState("conn-1", 1)
	if err := tun.Enqueue(&RequestFrame{CorrelationID: "r1"}); err != nil {
		t.Fatalf("Enqueue 1: %v", err)
	}
	if err := tun.Enqueue(&RequestFrame{CorrelationID: "r2"}); !errors.Is(err, ErrTunnelSaturated) {
		t.Fatalf("Enqueue 2: got %v, want ErrTunnelSaturated", err)
	}
}

func TestTunnelStateCloseReturnsOutstanding(t *testing.T) {
	tun := newTunnelState("conn-1", 4)
	if err := tun.Enqueue(&RequestFrame{CorrelationID: "in-flight"}); err != nil {
		t.Fatalf("Enqueue: %v", err)
	}
	if err := tun.Enqueue(&RequestFrame{CorrelationID: "queued"}); err != nil {
		t.Fatalf("Enqueue: %v", err)
	}
	if _, err := tun.Dequeue(); err != nil {
		t.Fatalf("Dequeue: %v", err)
	}

	ids := tun.close()
	if len(ids) != 2 {
		t.Fatalf("close: got %d outstanding ids, want 2 (queued and in-flight)", len(ids))
	}

	if err := tun.Enqueue(&RequestFrame{CorrelationID: "too-late"}); !errors.Is(err, ErrTunnelClosed) {
		t.Fatalf("Enqueue after close: got %v, want ErrTunnelClosed", err)
	}
}

func TestTunnelStateAttachDetach(t *testing.T) {
	tun := newTunnelState("conn-1", 4)
	s1 := &Session{ConnectionID: "conn-1"}
	s2 := &Session{ConnectionID: "conn-1"}

	if err := tun.attach(s1); err != nil {
		t.Fatalf("attach s1: %v", err)
	}
	if err := tun.attach(s2); !errors.Is(err, ErrAlreadyAttached) {
		t.Fatalf("attach s2: got %v, want ErrAlreadyAttached", err)
	}

	tun.detach(s2) // not current session: no-op
	if !tun.Attached() {
		t.Fatalf("Attached: got false after no-op detach, want true")
	}

	tun.detach(s1)
	if tun.Attached() {
		t.Fatalf("Attached: got true after detach, want false")
	}
}

func TestTunnelStateAttachAfterClose(t *testing.T) {
	tun := newTunnelState("conn-1", 4)
	tun.close()
	if err := tun.attach(&Session{ConnectionID: "conn-1"}); !errors.Is(err, ErrTunnelClosed) {
		t.Fatalf("attach after close: got %v, want ErrTunnelClosed", err)
	}
}

func TestRegistryGetOrCreateIsStable(t *testing.T) {
	r := NewRegistry(0)
	a := r.GetOrCreate("x")
	b := r.GetOrCreate("x")
	if a != b {
		t.Fatalf("GetOrCreate returned distinct TunnelStates for the same connection id")
	}
}

func TestRegistryAttachSessionReplacesStaleClosedTunnel(t *testing.T) {
	r := NewRegistry(0)
	stale := r.GetOrCreate("conn-1")
	stale.close()

	s := &Session{ConnectionID: "conn-1"}
	if err := r.AttachSession("conn-1", s); err != nil {
		t.Fatalf("AttachSession: got %v, want nil (should retry past the stale closed tunnel)", err)
	}

	fresh, ok := r.Lookup("conn-1")
	if !ok {
		t.Fatalf("Lookup: tunnel missing after AttachSession")
	}
	if fresh == stale {
		t.Fatalf("AttachSession attached to the stale closed tunnel instead of creating a fresh one")
	}
	if !fresh.Attached() {
		t.Fatalf("fresh tunnel not attached after AttachSession")
	}
}

func TestRegistryRemoveAndEnumerate(t *testing.T) {
	r := NewRegistry(0)
	r.GetOrCreate("a")
	r.GetOrCreate("b")
	if got := len(r.Enumerate()); got != 2 {
		t.Fatalf("Enumerate: got %d tunnels, want 2", got)
	}
	r.Remove("a")
	if got := len(r.Enumerate()); got != 1 {
		t.Fatalf("Enumerate after Remove: got %d tunnels, want 1", got)
	}
}
