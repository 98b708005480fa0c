// Package auth implements the two WebSocket authentication modes
// spec.md §6 allows: a shared static header token, and a signed bearer
// JWT whose subject must match the connection id in the URL.
package auth

import (
	"crypto/subtle"
	"errors"
	"net/http"
)

// ErrMissingCredential is returned when the request carries no
// credential at all. Surfaces as HTTP 401 (spec.md §7, AuthFailed).
var ErrMissingCredential = errors.New("auth: missing credential")

// ErrInvalidCredential is returned when a credential is present but
// fails verification (wrong secret, bad signature, subject mismatch,
// expired token). Surfaces as HTTP 403.
var ErrInvalidCredential = errors.New("auth: invalid credential")

// Verifier authenticates an inbound WebSocket upgrade request for the
// given connection id. Exactly one Verifier is configured per Server,
// selected by configuration (spec.md §4.3, "Authentication policy").
type Verifier interface {
	Verify(r *http.Request, connectionID string) error
}

// SharedTokenVerifier implements the shared-token auth mode: the Client
// sends a configured header containing a shared secret, compared in
// constant time (spec.md §6).
type SharedTokenVerifier struct {
	Header string
	Secret string
}

// NewSharedTokenVerifier constructs a SharedTokenVerifier. header
// defaults to "PIPEGATE-CLIENT-TOKEN" if empty, matching
// original_source/pipegate/server.py's PIPEGATE_CLIENT_TOKEN header.
func NewSharedTokenVerifier(header, secret string) *SharedTokenVerifier {
	if header == "" {
		header = "PIPEGATE-CLIENT-TOKEN"
	}
	return &SharedTokenVerifier{Header: header, Secret: secret}
}

// Verify compares the configured header's value against the shared
// secret in constant time.
func (v *SharedTokenVerifier) Verify(r *http.Request, connectionID string) error {
	presented := r.Header.Get(v.Header)
	if presented == "" {
		return ErrMissingCredential
	}
	if subtle.ConstantTimeCompare([]byte(presented), []byte(v.Secret)) != 1 {
		return ErrInvalidCredential
	}
	return nil
}
