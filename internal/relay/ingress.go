package relay

import (
	"context"
	"errors"
	"io"
	"log"
	"net/http"
	"strings"
	"time"
)

// DefaultWaiterTimeout is the 300-second deadline spec.md §4.4 and §5
// mandate for every Ingress Waiter, including one parked on a tunnel
// that has no Session attached yet.
const DefaultWaiterTimeout = 300 * time.Second

// MaxRequestBodyBytes bounds how much of an inbound request body Ingress
// will buffer before giving up, since spec.md's Non-goals rule out
// streaming bodies — everything is buffered end-to-end.
const MaxRequestBodyBytes = 32 << 20 // 32MiB

// Ingress translates an inbound HTTP request into an outbound Request
// Frame, parks a Waiter on the Correlation Table, and assembles the HTTP
// response from the returned Response Frame or a timeout (spec.md §4.4).
type Ingress struct {
	Registry *Registry
	Table    *CorrelationTable
	Logger   *log.Logger
	Timeout  time.Duration
}

// NewIngress constructs an Ingress handler bound to the given Registry
// and Correlation Table.
func NewIngress(registry *Registry, table *CorrelationTable, logger *log.Logger) *Ingress {
	if logger == nil {
		logger = log.Default()
	}
	return &Ingress{Registry: registry, Table: table, Logger: logger, Timeout: DefaultWaiterTimeout}
}

// Handle drives one inbound HTTP request through the tunnel identified
// by connID, with tailPath as everything after the connection id segment
// (never beginning with "/"). It implements spec.md §4.4's algorithm
// end to end.
func (in *Ingress) Handle(w http.ResponseWriter, r *http.Request, connID, tailPath string) {
	method, ok := AllowedMethods[r.Method]
	if !ok {
		w.Header().Set("Allow", allowedMethodsHeader())
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}

	body, err := io.ReadAll(io.LimitReader(r.Body, MaxRequestBodyBytes+1))
	if err != nil {
		http.Error(w, "failed to read request body", http.StatusBadGateway)
		return
	}
	if len(body) > MaxRequestBodyBytes {
		http.Error(w, "request body too large", http.StatusRequestEntityTooLarge)
		return
	}

	correlationID := NewCorrelationID()

	headers := make(map[string]string, len(r.Header)+1)
	for name := range r.Header {
		headers[strings.ToLower(name)] = r.Header.Get(name)
	}
	headers[CorrelationHeader] = strings.ReplaceAll(correlationID, "-", "")

	frame := &RequestFrame{
		CorrelationID: correlationID,
		Method:        method,
		URLPath:       strings.TrimPrefix(tailPath, "/"),
		URLQuery:      map[string][]string(r.URL.Query()),
		Headers:       headers,
		Body:          body,
	}

	waiter, err := in.Table.Register(correlationID)
	if err != nil {
		in.Logger.Printf("relay: ingress: %v", err)
		http.Error(w, "internal error", http.StatusInternalServerError)
		return
	}

	tunnel := in.Registry.GetOrCreate(connID)
	if err := tunnel.Enqueue(frame); err != nil {
		in.Table.Remove(correlationID)
		in.writeEnqueueError(w, err)
		return
	}

	ctx, cancel := context.WithTimeout(r.Context(), in.effectiveTimeout())
	defer cancel()

	resp, err := in.Table.Await(ctx, waiter)
	if err != nil {
		tunnel.complete(correlationID)
		in.writeWaitError(w, err)
		return
	}

	for name, value := range resp.Headers {
		w.Header().Set(name, value)
	}
	w.WriteHeader(resp.StatusCode)
	w.Write(resp.Body)
}

func (in *Ingress) effectiveTimeout() time.Duration {
	if in.Timeout > 0 {
		return in.Timeout
	}
	return DefaultWaiterTimeout
}

func (in *Ingress) writeEnqueueError(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, ErrTunnelSaturated):
		http.Error(w, "tunnel queue saturated", http.StatusServiceUnavailable)
	case errors.Is(err, ErrTunnelClosed):
		http.Error(w, "tunnel closed", http.StatusBadGateway)
	case errors.Is(err, ErrDuplicateCorrelation):
		// Should never happen: correlation ids are freshly generated.
		http.Error(w, "internal error", http.StatusInternalServerError)
	default:
		http.Error(w, "failed to enqueue request", http.StatusInternalServerError)
	}
}

func (in *Ingress) writeWaitError(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, ErrTimeout):
		http.Error(w, "gateway timeout", http.StatusGatewayTimeout)
	case errors.Is(err, ErrTunnelClosed):
		http.Error(w, "bad gateway", http.StatusBadGateway)
	case errors.Is(err, ErrShutdown):
		http.Error(w, "gateway timeout", http.StatusGatewayTimeout)
	default:
		http.Error(w, "bad gateway", http.StatusBadGateway)
	}
}

func allowedMethodsHeader() string {
	return "GET, POST, PUT, DELETE, PATCH, OPTIONS, HEAD"
}
