package relay

import (
	"fmt"

	json "github.com/segmentio/encoding/json"
)

// Method is one of the seven HTTP methods spec.md's data model allows
// across the wire. Anything else is rejected by the ingress handler with
// HTTP 405 before a Request Frame is ever built.
type Method string

const (
	MethodGet     Method = "GET"
	MethodPost    Method = "POST"
	MethodPut     Method = "PUT"
	MethodDelete  Method = "DELETE"
	MethodPatch   Method = "PATCH"
	MethodOptions Method = "OPTIONS"
	MethodHead    Method = "HEAD"
)

// AllowedMethods is the fixed set of methods the ingress surface accepts.
var AllowedMethods = map[string]Method{
	"GET":     MethodGet,
	"POST":    MethodPost,
	"PUT":     MethodPut,
	"DELETE":  MethodDelete,
	"PATCH":   MethodPatch,
	"OPTIONS": MethodOptions,
	"HEAD":    MethodHead,
}

// CorrelationHeader is injected into every outbound Request Frame's
// headers so the origin can observe and echo a tracing identifier, per
// spec.md §4.4.
const CorrelationHeader = "x-pipegate-correlation-id"

// RequestFrame is the wire shape of a Request Frame (spec.md §3, §6).
// Once constructed it is treated as immutable; nothing mutates a
// RequestFrame after the Ingress handler has built it.
type RequestFrame struct {
	CorrelationID string              `json:"correlation_id"`
	Method        Method              `json:"method"`
	URLPath       string              `json:"url_path"`
	URLQuery      map[string][]string `json:"url_query"`
	Headers       map[string]string   `json:"headers"`
	// Body is base64-encoded by the JSON marshaler's []byte handling
	// (see SPEC_FULL.md's "body transport" decision): the wire field
	// stays a JSON string, but the bytes it carries are opaque, not
	// coerced through a text encoding first.
	Body []byte `json:"body"`
}

// ResponseFrame is the wire shape of a Response Frame (spec.md §3, §6).
type ResponseFrame struct {
	CorrelationID string            `json:"correlation_id"`
	StatusCode    int               `json:"status_code"`
	Headers       map[string]string `json:"headers"`
	Body          []byte            `json:"body"`
}

// EncodeFrame serializes a Request or Response Frame as a single
// WebSocket text message payload.
func EncodeFrame(v any) ([]byte, error) {
	b, err := json.Marshal(v)
	if err != nil {
		return nil, fmt.Errorf("relay: encode frame: %w", err)
	}
	return b, nil
}

// DecodeRequestFrame decodes a wire payload into a RequestFrame.
func DecodeRequestFrame(data []byte) (*RequestFrame, error) {
	var f RequestFrame
	if err := json.Unmarshal(data, &f); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrMalformedFrame, err)
	}
	if f.CorrelationID == "" {
		return nil, fmt.Errorf("%w: missing correlation_id", ErrMalformedFrame)
	}
	return &f, nil
}

// DecodeResponseFrame decodes a wire payload into a ResponseFrame.
func DecodeResponseFrame(data []byte) (*ResponseFrame, error) {
	var f ResponseFrame
	if err := json.Unmarshal(data, &f); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrMalformedFrame, err)
	}
	if f.CorrelationID == "" {
		return nil, fmt.Errorf("%w: missing correlation_id", ErrMalformedFrame)
	}
	return &f, nil
}
