// Package stt defines the vendor-neutral streaming speech-to-text contract.
// The gateway protocol client is the default backend; alternate vendors plug
// in behind this interface.
package stt

import (
	"context"

	"github.com/voxstream/voxstream/pkg/frames"
)

// StreamingSTT is the contract any STT vendor implementation satisfies.
type StreamingSTT interface {
	// Name returns the vendor name for logging and metrics.
	Name() string
	// Start opens the vendor connection.
	Start(ctx context.Context) error
	// Close shuts the vendor connection down.
	Close() error
	// SendAudio forwards one PCM16 audio frame.
	SendAudio(frame frames.AudioFrame) error
	// Results streams transcription text frames and control frames.
	Results() <-chan frames.Frame
}

// Config is the vendor-agnostic recognition configuration.
type Config struct {
	SessionID  string
	SampleRate int
	Language   string
	Interim    bool
}
