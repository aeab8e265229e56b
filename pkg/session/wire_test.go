package session

import (
	"encoding/json"
	"testing"

	"github.com/voxstream/voxstream/pkg/errorsx"
)

func TestConfigRequestShape(t *testing.T) {
	req := ConfigRequest(StreamingConfig{
		LanguageCode:               "en-US",
		SampleRateHertz:            16000,
		Encoding:                   "LINEAR16",
		EnableAutomaticPunctuation: true,
		InterimResults:             true,
	})
	payload, err := json.Marshal(req)
	if err != nil {
		t.Fatalf("marshal: %v", err)
	}
	var decoded map[string]any
	if err := json.Unmarshal(payload, &decoded); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if decoded["event"] != "request" {
		t.Fatalf("expected request event, got %v", decoded["event"])
	}
	data := decoded["data"].(map[string]any)
	cfg := data["streamingConfig"].(map[string]any)["config"].(map[string]any)
	if cfg["languageCode"] != "en-US" || cfg["sampleRateHertz"] != float64(16000) {
		t.Fatalf("unexpected config payload: %v", cfg)
	}
}

func TestEOFRequestIsLiteralString(t *testing.T) {
	payload, err := json.Marshal(EOFRequest())
	if err != nil {
		t.Fatalf("marshal: %v", err)
	}
	if string(payload) != `{"event":"request","data":"EOF"}` {
		t.Fatalf("unexpected EOF frame: %s", payload)
	}
}

func TestParseResponseResults(t *testing.T) {
	raw := []byte(`{"event":"response","data":{"results":[{"alternatives":[{"transcript":"hello","confidence":0.9}],"isFinal":true}]}}`)
	resp, err := ParseResponse(raw)
	if err != nil {
		t.Fatalf("parse error: %v", err)
	}
	if len(resp.Results) != 1 || !resp.Results[0].IsFinal {
		t.Fatalf("unexpected results: %+v", resp.Results)
	}
	alt := resp.Results[0].Alternatives[0]
	if alt.Transcript != "hello" || alt.Confidence != 0.9 {
		t.Fatalf("unexpected alternative: %+v", alt)
	}
}

func TestParseResponseEOFAck(t *testing.T) {
	resp, err := ParseResponse([]byte(`{"event":"response","data":"EOF"}`))
	if err != nil {
		t.Fatalf("parse error: %v", err)
	}
	if !resp.EOFAck {
		t.Fatalf("expected EOF acknowledgement")
	}
}

func TestParseResponseMalformed(t *testing.T) {
	_, err := ParseResponse([]byte(`{"event":"response","data":`))
	if err == nil {
		t.Fatalf("expected parse error")
	}
	if !errorsx.HasReason(err, errorsx.ReasonProtocolParse) {
		t.Fatalf("expected protocol_parse reason, got %s", errorsx.Reason(err))
	}
}

func TestBackendErrorClasses(t *testing.T) {
	deadline := &BackendError{Code: 4, Message: "Deadline exceeded while processing"}
	if !deadline.DeadlineExceeded() {
		t.Fatalf("expected deadline classification")
	}
	if deadline.Reason() != errorsx.ReasonBackendDeadline {
		t.Fatalf("expected deadline reason")
	}

	quota := &BackendError{Code: 8, Message: "resource exhausted"}
	if !quota.ResourceExhausted() {
		t.Fatalf("expected resource exhaustion classification")
	}

	other := &BackendError{Code: 4, Message: "bad audio"}
	if other.DeadlineExceeded() {
		t.Fatalf("code 4 without deadline marker must not be recoverable")
	}
}

func TestRequestPredicates(t *testing.T) {
	if !EOFRequest().IsEOF() || EOFRequest().IsAudio() || EOFRequest().IsConfig() {
		t.Fatalf("EOF predicate mismatch")
	}
	if !AudioRequest("abc").IsAudio() {
		t.Fatalf("audio predicate mismatch")
	}
	if !ConfigRequest(StreamingConfig{}).IsConfig() {
		t.Fatalf("config predicate mismatch")
	}
}
