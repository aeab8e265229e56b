// Package voxstream is the top-level facade: it loads configuration, builds
// the capture pump, the protocol client and the orchestrator (or an
// alternate STT vendor), and exposes the recording and upload operations.
package voxstream

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"strconv"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/voxstream/voxstream/pkg/adapters/stt"
	"github.com/voxstream/voxstream/pkg/capture"
	"github.com/voxstream/voxstream/pkg/configutil"
	"github.com/voxstream/voxstream/pkg/frames"
	"github.com/voxstream/voxstream/pkg/logging"
	"github.com/voxstream/voxstream/pkg/metrics"
	"github.com/voxstream/voxstream/pkg/orchestrator"
	"github.com/voxstream/voxstream/pkg/pcm"
	"github.com/voxstream/voxstream/pkg/providers/deepgram"
	"github.com/voxstream/voxstream/pkg/session"
	"github.com/voxstream/voxstream/pkg/transcript"
)

// Callbacks deliver client output to the consumer (typically a UI).
type Callbacks struct {
	OnTranscript            func(seg transcript.Segment)
	OnAudioLevel            func(level float64)
	OnConnectionStateChange func(st session.Status)
	OnRecoveryProgress      func(attempt, max int)
	OnProcessing            func(active bool)
	OnRecordingComplete     func(duration time.Duration, bytes int)
	OnError                 func(err error)
}

type deepgramSettings struct {
	APIKey         string `mapstructure:"api_key"`
	Model          string `mapstructure:"model"`
	Language       string `mapstructure:"language"`
	SampleRate     int    `mapstructure:"sample_rate"`
	Encoding       string `mapstructure:"encoding"`
	Interim        *bool  `mapstructure:"interim"`
	Punctuation    *bool  `mapstructure:"punctuation"`
	UtteranceEndMS *int   `mapstructure:"utterance_end_ms"`
}

// Client wires capture, codec, orchestration and transport together.
type Client struct {
	cfg    Config
	logger *slog.Logger
	cb     Callbacks

	obs         metrics.Observer
	async       *metrics.AsyncObserver
	memory      *metrics.MemoryObserver
	metricsFile *os.File

	device capture.Device

	// Gateway provider.
	sess *session.Client
	orch *orchestrator.Orchestrator

	// Alternate vendor provider.
	dgSettings *deepgramSettings
	vendorBuf  *transcript.Buffer

	mu        sync.Mutex
	pump      *capture.Pump
	vendor    stt.StreamingSTT
	vendorCtx context.CancelFunc

	closeOnce sync.Once
}

type Option func(*Client)

// WithDevice substitutes the audio device, used by tests and non-ffmpeg
// platforms.
func WithDevice(d capture.Device) Option {
	return func(c *Client) { c.device = d }
}

func New(cfg Config, cb Callbacks, opts ...Option) (*Client, error) {
	logging.SetDefaultLogger(cfg.LogLevel, cfg.LogFormat)

	c := &Client{
		cfg:       cfg,
		logger:    logging.NewComponentLogger(slog.Default(), "voxstream"),
		cb:        cb,
		memory:    metrics.NewMemoryObserver(),
		device:    capture.NewFFmpegDevice(cfg.Audio.FFmpegPath, cfg.Audio.InputFormat),
		vendorBuf: transcript.NewBuffer(),
	}
	for _, opt := range opts {
		opt(c)
	}

	observers := metrics.MultiObserver{c.memory}
	if cfg.Observability.MetricsPath != "" {
		f, err := os.OpenFile(cfg.Observability.MetricsPath, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
		if err != nil {
			return nil, fmt.Errorf("open metrics file: %w", err)
		}
		c.metricsFile = f
		observers = append(observers, metrics.NewJSONLObserver(f))
	}
	c.async = metrics.NewAsyncObserver(observers, 512)
	c.obs = c.async

	switch cfg.Vendors.STT.Provider {
	case "", "gateway":
		c.sess = session.New(cfg.Gateway,
			session.WithObserver(c.obs),
			session.WithLogger(slog.Default()))
		c.orch = orchestrator.New(cfg.Streaming, c.sess, orchestrator.Callbacks{
			OnTranscript:       cb.OnTranscript,
			OnConnectionState:  cb.OnConnectionStateChange,
			OnRecoveryProgress: cb.OnRecoveryProgress,
			OnProcessing:       cb.OnProcessing,
			OnError:            cb.OnError,
		}, orchestrator.WithObserver(c.obs), orchestrator.WithLogger(slog.Default()))

	case "deepgram":
		var settings deepgramSettings
		if err := configutil.DecodeSettings(cfg.Vendors.STT.Settings, &settings); err != nil {
			c.async.Close()
			return nil, fmt.Errorf("decode deepgram settings: %w", err)
		}
		if err := configutil.RequireString(settings.APIKey, "vendors.stt.settings.api_key"); err != nil {
			c.async.Close()
			return nil, err
		}
		c.dgSettings = &settings

	default:
		c.async.Close()
		return nil, fmt.Errorf("unknown stt provider %q", cfg.Vendors.STT.Provider)
	}
	return c, nil
}

// StartRecording begins a live microphone turn.
func (c *Client) StartRecording(ctx context.Context) (string, error) {
	c.mu.Lock()
	if c.pump != nil {
		c.mu.Unlock()
		return "", errors.New("voxstream: recording already active")
	}
	c.mu.Unlock()

	if c.orch != nil {
		return c.startGatewayRecording(ctx)
	}
	return c.startVendorRecording(ctx)
}

func (c *Client) startGatewayRecording(ctx context.Context) (string, error) {
	id, err := c.orch.StartRecording(ctx)
	if err != nil {
		return "", err
	}
	pump := capture.NewPump(c.cfg.CaptureConfig(id), c.device, capture.Callbacks{
		OnFlush: func(f frames.AudioFrame) {
			if err := c.orch.HandleAudioFrame(f); err != nil {
				c.logger.Warn("audio_frame_send_failed", slog.String("error", err.Error()))
			}
		},
		OnLevel:    c.cb.OnAudioLevel,
		OnComplete: c.recordingComplete,
		OnError:    c.captureFailed,
	}, capture.WithLogger(slog.Default()), capture.WithObserver(c.obs))

	if err := pump.Start(ctx); err != nil {
		_ = c.orch.StopRecording()
		return "", err
	}
	c.mu.Lock()
	c.pump = pump
	c.mu.Unlock()
	return id, nil
}

func (c *Client) startVendorRecording(ctx context.Context) (string, error) {
	id := uuid.NewString()
	s := c.dgSettings
	vendor := deepgram.New(deepgram.Config{
		APIKey:         s.APIKey,
		Model:          s.Model,
		Language:       s.Language,
		SampleRate:     s.SampleRate,
		Encoding:       s.Encoding,
		Interim:        configutil.BoolValue(s.Interim, true),
		Punctuation:    configutil.BoolValue(s.Punctuation, true),
		UtteranceEndMS: configutil.IntValue(s.UtteranceEndMS, 0),
		SessionID:      id,
	})
	if err := vendor.Start(ctx); err != nil {
		return "", err
	}
	c.vendorBuf.Reset()

	resultCtx, cancel := context.WithCancel(context.Background())
	go c.forwardVendorResults(resultCtx, vendor)

	pump := capture.NewPump(c.cfg.CaptureConfig(id), c.device, capture.Callbacks{
		OnFlush: func(f frames.AudioFrame) {
			if err := vendor.SendAudio(f); err != nil {
				c.logger.Warn("vendor_audio_send_failed", slog.String("error", err.Error()))
			}
		},
		OnLevel:    c.cb.OnAudioLevel,
		OnComplete: c.recordingComplete,
		OnError:    c.captureFailed,
	}, capture.WithLogger(slog.Default()), capture.WithObserver(c.obs))

	if err := pump.Start(ctx); err != nil {
		cancel()
		_ = vendor.Close()
		return "", err
	}
	c.mu.Lock()
	c.pump = pump
	c.vendor = vendor
	c.vendorCtx = cancel
	c.mu.Unlock()
	return id, nil
}

func (c *Client) forwardVendorResults(ctx context.Context, vendor stt.StreamingSTT) {
	for {
		select {
		case <-ctx.Done():
			return
		case f, ok := <-vendor.Results():
			if !ok {
				return
			}
			tf, isText := f.(frames.TextFrame)
			if !isText {
				continue
			}
			meta := tf.Meta()
			isFinal, _ := strconv.ParseBool(meta[frames.MetaIsFinal])
			confidence, _ := strconv.ParseFloat(meta[frames.MetaConfidence], 64)
			seg := transcript.Segment{
				ID:         uuid.NewString(),
				Text:       tf.Text(),
				Confidence: confidence,
				IsFinal:    isFinal,
			}
			c.vendorBuf.Add(seg)
			if c.cb.OnTranscript != nil {
				c.cb.OnTranscript(seg)
			}
		}
	}
}

func (c *Client) recordingComplete(pcm []byte, dur time.Duration) {
	c.obs.RecordEvent(metrics.MetricsEvent{
		Name:  "recording_complete_seconds",
		Time:  time.Now(),
		Value: dur.Seconds(),
		Fields: map[string]any{
			"bytes": len(pcm),
		},
	})
	if c.cb.OnRecordingComplete != nil {
		c.cb.OnRecordingComplete(dur, len(pcm))
	}
}

func (c *Client) captureFailed(err error) {
	c.logger.Error("capture_failed", slog.String("error", err.Error()))
	if c.cb.OnError != nil {
		c.cb.OnError(err)
	}
}

// PauseRecording flushes buffered interval audio and suspends capture.
func (c *Client) PauseRecording() error {
	if p := c.currentPump(); p != nil {
		return p.Pause()
	}
	return errors.New("voxstream: no active recording")
}

// ResumeRecording continues capture on the same device stream.
func (c *Client) ResumeRecording() error {
	if p := c.currentPump(); p != nil {
		return p.Resume()
	}
	return errors.New("voxstream: no active recording")
}

// StopRecording performs the final flush, then ends the turn with the
// end-of-stream marker (gateway) or by closing the vendor connection.
func (c *Client) StopRecording() error {
	c.mu.Lock()
	pump := c.pump
	vendor := c.vendor
	cancel := c.vendorCtx
	c.pump = nil
	c.vendor = nil
	c.vendorCtx = nil
	c.mu.Unlock()

	if pump == nil {
		return nil
	}
	// Stop returns after the final interval flush has been delivered, so
	// the end marker always follows the last audio frame.
	if err := pump.Stop(); err != nil {
		return err
	}
	if c.orch != nil {
		return c.orch.StopRecording()
	}
	if vendor != nil {
		err := vendor.Close()
		if cancel != nil {
			cancel()
		}
		return err
	}
	return nil
}

// Upload transcribes a complete PCM16 little-endian payload in one turn.
func (c *Client) Upload(ctx context.Context, audio []byte) (string, error) {
	if c.orch == nil {
		return "", errors.New("voxstream: upload requires the gateway provider")
	}
	return c.orch.Upload(ctx, audio)
}

// UploadSamples resamples float PCM from an arbitrary source rate to the
// configured target rate, quantizes it to PCM16, and uploads it.
func (c *Client) UploadSamples(ctx context.Context, samples []float64, sourceRate int) (string, error) {
	target := c.cfg.Streaming.SampleRate
	if target <= 0 {
		target = 16000
	}
	resampled := pcm.Resample(samples, sourceRate, target)
	return c.Upload(ctx, pcm.Bytes(pcm.ToInt16(resampled)))
}

// UploadFile reads a raw PCM16 file and uploads it.
func (c *Client) UploadFile(ctx context.Context, path string) (string, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return "", fmt.Errorf("read audio file: %w", err)
	}
	return c.Upload(ctx, data)
}

// Transcript returns the visible transcript text.
func (c *Client) Transcript() string {
	if c.orch != nil {
		return c.orch.Transcript().Text()
	}
	return c.vendorBuf.Text()
}

// Segments returns the ordered final transcript segments.
func (c *Client) Segments() []transcript.Segment {
	if c.orch != nil {
		return c.orch.Transcript().Finals()
	}
	return c.vendorBuf.Finals()
}

// ConnectionStatus reports the gateway connection status.
func (c *Client) ConnectionStatus() session.Status {
	if c.sess != nil {
		return c.sess.Status()
	}
	return session.Status{State: session.StateDisconnected}
}

// MetricsSummary tallies recorded telemetry events by name.
func (c *Client) MetricsSummary() map[string]int {
	return c.memory.CountByName()
}

// Close stops any active recording and releases every resource.
func (c *Client) Close() error {
	var err error
	c.closeOnce.Do(func() {
		err = c.StopRecording()
		if c.orch != nil {
			c.orch.Close()
		}
		if c.sess != nil {
			_ = c.sess.Disconnect()
		}
		c.async.Close()
		if c.metricsFile != nil {
			_ = c.metricsFile.Close()
		}
	})
	return err
}

func (c *Client) currentPump() *capture.Pump {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.pump
}
