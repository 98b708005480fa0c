package relay

import (
	"testing"

	"github.com/google/go-cmp/cmp"
)

func TestFrameRoundTrip(t *testing.T) {
	want := &RequestFrame{
		CorrelationID: "abc",
		Method:        MethodPost,
		URLPath:       "widgets",
		URLQuery:      map[string][]string{"q": {"1", "2"}},
		Headers:       map[string]string{"content-type": "application/json"},
		Body:          []byte{0x00, 0xff, 0x10},
	}

	encoded, err := EncodeFrame(want)
	if err != nil {
		t.Fatalf("EncodeFrame: %v", err)
	}

	got, err := DecodeRequestFrame(encoded)
	if err != nil {
		t.Fatalf("DecodeRequestFrame: %v", err)
	}

	if diff := cmp.Diff(want, got); diff != "" {
		t.Errorf("round trip mismatch (-want +got):\n%s", diff)
	}
}

func TestDecodeRequestFrameRejectsMissingCorrelationID(t *testing.T) {
	_, err := DecodeRequestFrame([]byte(`{"method":"GET"}`))
	if err == nil {
		t.Fatalf("expected an error for a frame with no correlation_id")
	}
}

func TestDecodeRequestFrameRejectsMalformedJSON(t *testing.T) {
	_, err := DecodeRequestFrame([]byte(`not json`))
	if err == nil {
		t.Fatalf("expected an error for malformed JSON")
	}
}
