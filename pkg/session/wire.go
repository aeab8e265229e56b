package session

import (
	"encoding/json"
	"fmt"
	"strings"

	"github.com/voxstream/voxstream/pkg/errorsx"
)

// Frame event names on the gateway wire.
const (
	EventRequest  = "request"
	EventResponse = "response"
	EventError    = "error"
	EventAuth     = "auth"
)

// EOFMarker is the literal payload that ends an audio turn in either
// direction: the client sends it after the last audio-content frame and the
// gateway echoes it back to acknowledge the turn.
const EOFMarker = "EOF"

// Backend error codes with dedicated handling.
const (
	CodeDeadlineExceeded  = 4
	CodeResourceExhausted = 8
)

// StreamingConfig is the per-turn recognition configuration.
type StreamingConfig struct {
	LanguageCode               string `json:"languageCode"`
	SampleRateHertz            int    `json:"sampleRateHertz"`
	Encoding                   string `json:"encoding"`
	EnableAutomaticPunctuation bool   `json:"enableAutomaticPunctuation"`
	SingleUtterance            bool   `json:"singleUtterance"`
	InterimResults             bool   `json:"interimResults"`
}

// Request is one outbound protocol frame.
type Request struct {
	Event string `json:"event"`
	Data  any    `json:"data"`
}

type streamingConfigData struct {
	StreamingConfig streamingConfigBody `json:"streamingConfig"`
}

type streamingConfigBody struct {
	Config StreamingConfig `json:"config"`
}

type audioContentData struct {
	AudioContent string `json:"audioContent"`
}

type authData struct {
	Token string `json:"token"`
}

func ConfigRequest(cfg StreamingConfig) Request {
	return Request{Event: EventRequest, Data: streamingConfigData{StreamingConfig: streamingConfigBody{Config: cfg}}}
}

func AudioRequest(base64Content string) Request {
	return Request{Event: EventRequest, Data: audioContentData{AudioContent: base64Content}}
}

func EOFRequest() Request {
	return Request{Event: EventRequest, Data: EOFMarker}
}

func AuthRequest(token string) Request {
	return Request{Event: EventAuth, Data: authData{Token: token}}
}

// IsEOF reports whether the request is an end-of-stream marker.
func (r Request) IsEOF() bool {
	s, ok := r.Data.(string)
	return ok && s == EOFMarker
}

// IsConfig reports whether the request carries a streaming configuration.
func (r Request) IsConfig() bool {
	_, ok := r.Data.(streamingConfigData)
	return ok
}

// IsAudio reports whether the request carries audio content.
func (r Request) IsAudio() bool {
	_, ok := r.Data.(audioContentData)
	return ok
}

// Alternative is one hypothesis for a result.
type Alternative struct {
	Transcript string          `json:"transcript"`
	Confidence float64         `json:"confidence"`
	Words      json.RawMessage `json:"words,omitempty"`
}

// Result is one recognition result from the gateway.
type Result struct {
	Alternatives []Alternative `json:"alternatives"`
	IsFinal      bool          `json:"isFinal"`
	Stability    float64       `json:"stability,omitempty"`
}

// BackendError is a structured error frame from the service.
type BackendError struct {
	Code    int    `json:"code"`
	Message string `json:"message"`
}

func (e *BackendError) Error() string {
	return fmt.Sprintf("backend error %d: %s", e.Code, e.Message)
}

// DeadlineExceeded reports the one error class with special recovery
// handling: code 4 plus a deadline marker in the message.
func (e *BackendError) DeadlineExceeded() bool {
	return e.Code == CodeDeadlineExceeded && strings.Contains(strings.ToLower(e.Message), "deadline")
}

// ResourceExhausted reports the quota error class, logged distinctly but
// otherwise handled as any terminal turn error.
func (e *BackendError) ResourceExhausted() bool {
	return e.Code == CodeResourceExhausted
}

// Reason maps the backend error onto an errorsx reason code.
func (e *BackendError) Reason() errorsx.ReasonCode {
	switch {
	case e.DeadlineExceeded():
		return errorsx.ReasonBackendDeadline
	case e.ResourceExhausted():
		return errorsx.ReasonBackendExhausted
	default:
		return errorsx.ReasonBackendError
	}
}

// Response is one parsed inbound frame.
type Response struct {
	Event   string
	Results []Result
	Err     *BackendError
	EOFAck  bool
}

// ParseResponse decodes an inbound frame. Malformed frames return an error
// wrapped with the protocol_parse reason; the caller still has the raw
// payload and treats the failure as diagnostic, not fatal.
func ParseResponse(raw []byte) (Response, error) {
	var frame struct {
		Event string          `json:"event"`
		Data  json.RawMessage `json:"data"`
	}
	if err := json.Unmarshal(raw, &frame); err != nil {
		return Response{}, errorsx.Wrap(err, errorsx.ReasonProtocolParse)
	}
	resp := Response{Event: frame.Event}
	if len(frame.Data) == 0 {
		return resp, nil
	}

	var marker string
	if err := json.Unmarshal(frame.Data, &marker); err == nil {
		if marker == EOFMarker {
			resp.EOFAck = true
			return resp, nil
		}
		return resp, errorsx.Wrap(fmt.Errorf("unexpected string payload %q", marker), errorsx.ReasonProtocolParse)
	}

	var body struct {
		Results []Result      `json:"results"`
		Error   *BackendError `json:"error"`
	}
	if err := json.Unmarshal(frame.Data, &body); err != nil {
		return resp, errorsx.Wrap(err, errorsx.ReasonProtocolParse)
	}
	resp.Results = body.Results
	resp.Err = body.Error
	return resp, nil
}
