package relay

import (
	"strings"

	"github.com/google/uuid"
)

// NewCorrelationID generates a fresh 128-bit correlation id for one
// inbound HTTP request, per spec.md §3. It is globally unique across the
// process for the lifetime of the Relay.
func NewCorrelationID() string {
	return uuid.New().String()
}

// ParseConnectionID validates a path segment as a 128-bit connection id
// in canonical hyphenated or bare-hex form (spec.md §6) and returns its
// canonical hyphenated string form.
func ParseConnectionID(raw string) (string, bool) {
	if raw == "" {
		return "", false
	}
	if id, err := uuid.Parse(raw); err == nil {
		return id.String(), true
	}
	// Bare hex (no hyphens) is also accepted, matching
	// original_source/pipegate/auth.py's `uuid.uuid4().hex`.
	compact := strings.ReplaceAll(raw, "-", "")
	if len(compact) != 32 {
		return "", false
	}
	id, err := uuid.Parse(compact[0:8] + "-" + compact[8:12] + "-" + compact[12:16] + "-" + compact[16:20] + "-" + compact[20:32])
	if err != nil {
		return "", false
	}
	return id.String(), true
}
