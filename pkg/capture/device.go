// Package capture acquires an audio input device and pumps normalized PCM16
// mono audio into two independent products: a short-cadence chunk callback
// for level metering, and a longer interval flush used for live streaming.
package capture

import (
	"context"
	"fmt"
	"io"
)

// ErrorKind categorizes device-acquisition failures. All are fatal to the
// current start attempt; retry is a caller decision.
type ErrorKind string

const (
	ErrPermissionDenied ErrorKind = "permission-denied"
	ErrDeviceNotFound   ErrorKind = "device-not-found"
	ErrDeviceBusy       ErrorKind = "device-busy"
	ErrUnsupported      ErrorKind = "unsupported"
)

// DeviceError wraps a device failure with its category.
type DeviceError struct {
	Kind ErrorKind
	Err  error
}

func (e *DeviceError) Error() string {
	if e.Err == nil {
		return string(e.Kind)
	}
	return fmt.Sprintf("%s: %v", e.Kind, e.Err)
}

func (e *DeviceError) Unwrap() error { return e.Err }

// Constraints describe the target audio format the device must deliver.
type Constraints struct {
	SampleRate int
	Channels   int
	DeviceName string
}

func (c Constraints) withDefaults() Constraints {
	if c.SampleRate <= 0 {
		c.SampleRate = 16000
	}
	if c.Channels <= 0 {
		c.Channels = 1
	}
	if c.DeviceName == "" {
		c.DeviceName = "default"
	}
	return c
}

// Stream is an open device delivering raw PCM16 little-endian bytes.
type Stream interface {
	io.Reader
	Close() error
}

// Device opens audio input streams. The ffmpeg-backed implementation is the
// production one; tests substitute synthetic devices.
type Device interface {
	Open(ctx context.Context, c Constraints) (Stream, error)
}
