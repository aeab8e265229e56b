package capture

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"os/exec"
	"strconv"
	"strings"
	"sync"
	"time"
)

// FFmpegDevice captures microphone PCM by spawning ffmpeg and reading s16le
// from its stdout.
type FFmpegDevice struct {
	command string
	format  string
}

// NewFFmpegDevice builds a device around the given ffmpeg binary and input
// format (pulse, alsa, avfoundation). Empty values fall back to "ffmpeg" and
// "pulse".
func NewFFmpegDevice(command, format string) *FFmpegDevice {
	if command == "" {
		command = "ffmpeg"
	}
	if format == "" {
		format = "pulse"
	}
	return &FFmpegDevice{command: command, format: format}
}

func (d *FFmpegDevice) Open(ctx context.Context, c Constraints) (Stream, error) {
	c = c.withDefaults()

	args := []string{
		"-nostdin",
		"-hide_banner",
		"-loglevel", "warning",
		"-f", d.format,
		"-i", c.DeviceName,
		"-ac", strconv.Itoa(c.Channels),
		"-ar", strconv.Itoa(c.SampleRate),
		"-f", "s16le",
		"-",
	}

	cmd := exec.CommandContext(ctx, d.command, args...)
	var stderr bytes.Buffer
	cmd.Stderr = &stderr

	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return nil, &DeviceError{Kind: ErrUnsupported, Err: fmt.Errorf("ffmpeg stdout pipe: %w", err)}
	}
	if err := cmd.Start(); err != nil {
		return nil, classifyStartErr(err)
	}

	waitErr := make(chan error, 1)
	go func() {
		waitErr <- cmd.Wait()
		close(waitErr)
	}()

	// ffmpeg reports bad devices by exiting quickly; give it a moment.
	select {
	case err := <-waitErr:
		return nil, classifyStderr(stderr.String(), err)
	case <-time.After(250 * time.Millisecond):
	}

	return &ffmpegStream{
		stdout:  stdout,
		stderr:  &stderr,
		process: cmd.Process,
		waitErr: waitErr,
	}, nil
}

type ffmpegStream struct {
	stdout io.ReadCloser
	stderr *bytes.Buffer

	process *os.Process
	waitErr <-chan error

	closeOnce sync.Once
	closeErr  error
}

func (s *ffmpegStream) Read(p []byte) (int, error) {
	return s.stdout.Read(p)
}

func (s *ffmpegStream) Close() error {
	s.closeOnce.Do(func() {
		if s.process != nil {
			_ = s.process.Signal(os.Interrupt)
		}
		select {
		case err, ok := <-s.waitErr:
			if ok {
				s.closeErr = normalizeExitErr(err)
			}
		case <-time.After(1200 * time.Millisecond):
			if s.process != nil {
				_ = s.process.Kill()
			}
			err, ok := <-s.waitErr
			if ok {
				s.closeErr = normalizeExitErr(err)
			}
		}
		if err := s.stdout.Close(); err != nil && !errors.Is(err, os.ErrClosed) && s.closeErr == nil {
			s.closeErr = err
		}
	})
	return s.closeErr
}

// normalizeExitErr drops the expected nonzero exit from an interrupt.
func normalizeExitErr(err error) error {
	var exitErr *exec.ExitError
	if errors.As(err, &exitErr) {
		return nil
	}
	return err
}

func classifyStartErr(err error) *DeviceError {
	if errors.Is(err, exec.ErrNotFound) {
		return &DeviceError{Kind: ErrUnsupported, Err: err}
	}
	if errors.Is(err, os.ErrPermission) {
		return &DeviceError{Kind: ErrPermissionDenied, Err: err}
	}
	return &DeviceError{Kind: ErrUnsupported, Err: err}
}

// classifyStderr maps ffmpeg's diagnostics onto device error categories.
func classifyStderr(stderr string, exitErr error) *DeviceError {
	msg := strings.ToLower(strings.TrimSpace(stderr))
	err := exitErr
	if msg != "" {
		err = fmt.Errorf("ffmpeg: %s", strings.TrimSpace(stderr))
	}
	switch {
	case strings.Contains(msg, "permission denied") || strings.Contains(msg, "access denied"):
		return &DeviceError{Kind: ErrPermissionDenied, Err: err}
	case strings.Contains(msg, "no such") || strings.Contains(msg, "not found") || strings.Contains(msg, "cannot find"):
		return &DeviceError{Kind: ErrDeviceNotFound, Err: err}
	case strings.Contains(msg, "busy") || strings.Contains(msg, "in use"):
		return &DeviceError{Kind: ErrDeviceBusy, Err: err}
	default:
		return &DeviceError{Kind: ErrUnsupported, Err: err}
	}
}
