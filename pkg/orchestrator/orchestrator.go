// Package orchestrator ties the capture pump and the protocol client
// together: it emits the per-turn configuration frame, routes interval audio
// onto the connection, merges the live-recording and file-upload producers,
// and recovers in-flight work after a reconnect.
package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/voxstream/voxstream/pkg/errorsx"
	"github.com/voxstream/voxstream/pkg/frames"
	"github.com/voxstream/voxstream/pkg/logging"
	"github.com/voxstream/voxstream/pkg/metrics"
	"github.com/voxstream/voxstream/pkg/pcm"
	"github.com/voxstream/voxstream/pkg/resilience"
	"github.com/voxstream/voxstream/pkg/session"
	"github.com/voxstream/voxstream/pkg/transcript"
)

// ProtocolClient is the connection surface the orchestrator drives.
// *session.Client implements it.
type ProtocolClient interface {
	Connect(ctx context.Context) error
	Disconnect() error
	Send(req session.Request) error
	Events() <-chan session.Event
	StatusChanges() <-chan session.Status
	Status() session.Status
	Generation() uint64
	SetResumePreface(fn func() []session.Request)
}

type Config struct {
	Language                   string `mapstructure:"language"`
	SampleRate                 int    `mapstructure:"sample_rate"`
	Encoding                   string `mapstructure:"encoding"`
	EnableAutomaticPunctuation bool   `mapstructure:"enable_automatic_punctuation"`
	SingleUtterance            bool   `mapstructure:"single_utterance"`
	InterimResults             bool   `mapstructure:"interim_results"`

	// ManagedRecovery makes the orchestrator run its own reconnect loop on
	// unexpected disconnects. Pair it with a client whose automatic
	// reconnection is disabled.
	ManagedRecovery  bool `mapstructure:"managed_recovery"`
	RecoveryAttempts int  `mapstructure:"recovery_attempts"`
	RecoveryBaseMS   int  `mapstructure:"recovery_base_ms"`
	RecoveryCapMS    int  `mapstructure:"recovery_cap_ms"`

	// ResendDelayMS is the fixed wait before the single upload resend after
	// a backend deadline-exceeded error.
	ResendDelayMS int `mapstructure:"resend_delay_ms"`

	// Bounded wait used when a user action arrives before the connection
	// exists.
	ConnectWaitAttempts int `mapstructure:"connect_wait_attempts"`
	ConnectWaitDelayMS  int `mapstructure:"connect_wait_delay_ms"`
}

func (c Config) withDefaults() Config {
	if c.Language == "" {
		c.Language = "en-US"
	}
	if c.SampleRate <= 0 {
		c.SampleRate = 16000
	}
	if c.Encoding == "" {
		c.Encoding = "LINEAR16"
	}
	if c.RecoveryAttempts <= 0 {
		c.RecoveryAttempts = 5
	}
	if c.RecoveryBaseMS <= 0 {
		c.RecoveryBaseMS = 1000
	}
	if c.RecoveryCapMS <= 0 {
		c.RecoveryCapMS = 30000
	}
	if c.ResendDelayMS <= 0 {
		c.ResendDelayMS = 1000
	}
	if c.ConnectWaitAttempts <= 0 {
		c.ConnectWaitAttempts = 50
	}
	if c.ConnectWaitDelayMS <= 0 {
		c.ConnectWaitDelayMS = 100
	}
	return c
}

// Callbacks deliver orchestrator output to the consumer. Nil callbacks are
// skipped; all run on the orchestrator's event loop goroutine.
type Callbacks struct {
	OnTranscript       func(seg transcript.Segment)
	OnConnectionState  func(st session.Status)
	OnRecoveryProgress func(attempt, max int)
	OnProcessing       func(active bool)
	OnError            func(err error)
}

type Orchestrator struct {
	cfg    Config
	client ProtocolClient
	logger *slog.Logger
	obs    metrics.Observer

	visible *transcript.Buffer
	shadow  *transcript.Buffer
	cb      Callbacks

	mu                sync.Mutex
	sessionID         string
	recording         bool
	uploading         bool
	recovering        bool
	recoveryRunning   bool
	hasActiveRequest  bool
	eofSent           bool
	eofGeneration     uint64
	deadlineRetryUsed bool
	lastUpload        *session.Request

	done      chan struct{}
	closeOnce sync.Once
}

type Option func(*Orchestrator)

func WithLogger(logger *slog.Logger) Option {
	return func(o *Orchestrator) { o.logger = logging.NewComponentLogger(logger, "orchestrator") }
}

func WithObserver(obs metrics.Observer) Option {
	return func(o *Orchestrator) { o.obs = obs }
}

func New(cfg Config, client ProtocolClient, cb Callbacks, opts ...Option) *Orchestrator {
	o := &Orchestrator{
		cfg:     cfg.withDefaults(),
		client:  client,
		logger:  logging.NewComponentLogger(slog.Default(), "orchestrator"),
		obs:     metrics.NoopObserver{},
		visible: transcript.NewBuffer(),
		shadow:  transcript.NewBuffer(),
		cb:      cb,
		done:    make(chan struct{}),
	}
	for _, opt := range opts {
		opt(o)
	}
	client.SetResumePreface(o.resumePreface)
	go o.loop()
	return o
}

// Transcript returns the visible transcript buffer.
func (o *Orchestrator) Transcript() *transcript.Buffer { return o.visible }

// SessionID returns the id of the current turn, if any.
func (o *Orchestrator) SessionID() string {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.sessionID
}

// Close stops the event loop. It does not close the protocol client.
func (o *Orchestrator) Close() {
	o.closeOnce.Do(func() { close(o.done) })
}

func (o *Orchestrator) streamingConfig() session.StreamingConfig {
	return session.StreamingConfig{
		LanguageCode:               o.cfg.Language,
		SampleRateHertz:            o.cfg.SampleRate,
		Encoding:                   o.cfg.Encoding,
		EnableAutomaticPunctuation: o.cfg.EnableAutomaticPunctuation,
		SingleUtterance:            o.cfg.SingleUtterance,
		InterimResults:             o.cfg.InterimResults,
	}
}

// resumePreface supplies the frames the client must send on every
// (re)connect before draining its pending queue. The configuration frame
// must precede any replayed audio.
func (o *Orchestrator) resumePreface() []session.Request {
	o.mu.Lock()
	active := o.recording || o.uploading
	o.mu.Unlock()
	if !active {
		return nil
	}
	return []session.Request{session.ConfigRequest(o.streamingConfig())}
}

// StartRecording opens a live-recording turn: it ensures the connection
// exists, resets transcript and recovery state, and sends the configuration
// frame once. Audio then flows through HandleAudioFrame.
func (o *Orchestrator) StartRecording(ctx context.Context) (string, error) {
	o.mu.Lock()
	if o.recording {
		o.mu.Unlock()
		return "", errors.New("orchestrator: recording already active")
	}
	if o.uploading {
		o.mu.Unlock()
		return "", errors.New("orchestrator: upload in progress")
	}
	id := uuid.NewString()
	o.sessionID = id
	o.recovering = false
	o.eofSent = false
	o.deadlineRetryUsed = false
	o.mu.Unlock()

	o.visible.Reset()
	o.shadow.Reset()

	if err := o.ensureConnected(ctx); err != nil {
		o.mu.Lock()
		o.sessionID = ""
		o.mu.Unlock()
		return "", err
	}

	o.mu.Lock()
	o.recording = true
	o.hasActiveRequest = true
	o.mu.Unlock()

	if err := o.client.Send(session.ConfigRequest(o.streamingConfig())); err != nil {
		o.mu.Lock()
		o.recording = false
		o.hasActiveRequest = false
		o.sessionID = ""
		o.mu.Unlock()
		return "", err
	}
	o.setProcessing(true)
	o.obs.RecordEvent(metrics.MetricsEvent{Name: "turn_started", Time: time.Now(), Value: 1,
		Tags: map[string]string{"mode": "live"}})
	o.logger.Info("recording_turn_started", slog.String("session_id", id))
	return id, nil
}

// HandleAudioFrame encodes one interval flush and sends or queues it. Frames
// arriving while disconnected land on the client's bounded pending queue.
func (o *Orchestrator) HandleAudioFrame(frame frames.AudioFrame) error {
	o.mu.Lock()
	active := o.recording
	o.mu.Unlock()
	if !active {
		return nil
	}
	payload := pcm.EncodeBytesBase64(frame.RawPayload())
	if payload == "" {
		return nil
	}
	return o.client.Send(session.AudioRequest(payload))
}

// StopRecording ends the live turn by sending the end-of-stream marker.
// Duplicate stop signals on the same connection generation never send a
// second marker.
func (o *Orchestrator) StopRecording() error {
	o.mu.Lock()
	if !o.recording {
		o.mu.Unlock()
		return nil
	}
	o.recording = false
	gen := o.client.Generation()
	if o.eofSent && o.eofGeneration == gen {
		o.mu.Unlock()
		return nil
	}
	o.eofSent = true
	o.eofGeneration = gen
	o.mu.Unlock()

	o.logger.Info("recording_turn_stopping", slog.Uint64("generation", gen))
	return o.client.Send(session.EOFRequest())
}

// Upload performs a one-shot file turn: configuration, a single
// audio-content frame carrying the whole payload, then the end marker.
func (o *Orchestrator) Upload(ctx context.Context, audio []byte) (string, error) {
	o.mu.Lock()
	if o.recording || o.uploading {
		o.mu.Unlock()
		return "", errors.New("orchestrator: another turn is active")
	}
	id := uuid.NewString()
	o.sessionID = id
	o.uploading = true
	o.deadlineRetryUsed = false
	o.mu.Unlock()

	o.visible.Reset()
	o.shadow.Reset()

	if err := o.ensureConnected(ctx); err != nil {
		o.resetUpload()
		return "", err
	}

	audioReq := session.AudioRequest(pcm.EncodeBytesBase64(audio))
	o.mu.Lock()
	o.lastUpload = &audioReq
	o.hasActiveRequest = true
	o.eofSent = false
	o.mu.Unlock()

	for _, req := range []session.Request{
		session.ConfigRequest(o.streamingConfig()),
		audioReq,
		session.EOFRequest(),
	} {
		if err := o.client.Send(req); err != nil {
			o.resetUpload()
			return "", err
		}
	}
	o.setProcessing(true)
	o.obs.RecordEvent(metrics.MetricsEvent{Name: "turn_started", Time: time.Now(), Value: 1,
		Tags: map[string]string{"mode": "upload"}})
	o.logger.Info("upload_turn_started",
		slog.String("session_id", id),
		slog.Int("audio_bytes", len(audio)))
	return id, nil
}

func (o *Orchestrator) resetUpload() {
	o.mu.Lock()
	o.uploading = false
	o.hasActiveRequest = false
	o.lastUpload = nil
	o.sessionID = ""
	o.mu.Unlock()
}

// ensureConnected connects if needed and then waits, via a bounded poll,
// for the client to report connected.
func (o *Orchestrator) ensureConnected(ctx context.Context) error {
	if st := o.client.Status(); st.State == session.StateConnected {
		return nil
	}
	if err := o.client.Connect(ctx); err != nil {
		return err
	}
	delay := time.Duration(o.cfg.ConnectWaitDelayMS) * time.Millisecond
	for i := 0; i < o.cfg.ConnectWaitAttempts; i++ {
		st := o.client.Status()
		switch st.State {
		case session.StateConnected:
			return nil
		case session.StateError, session.StateDisconnected:
			if st.Err != nil {
				return st.Err
			}
			return errorsx.New(errorsx.ReasonTransportDial, "connection not established")
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(delay):
		}
	}
	return errorsx.New(errorsx.ReasonTransportDial, "timed out waiting for connection")
}

func (o *Orchestrator) loop() {
	for {
		select {
		case <-o.done:
			return
		case ev, ok := <-o.client.Events():
			if !ok {
				return
			}
			o.handleEvent(ev)
		case st, ok := <-o.client.StatusChanges():
			if !ok {
				return
			}
			o.handleStatus(st)
		}
	}
}

func (o *Orchestrator) handleEvent(ev session.Event) {
	if ev.ParseErr != nil {
		// Malformed frames never abort the turn.
		o.logger.Warn("malformed_server_frame", slog.String("error", ev.ParseErr.Error()))
		return
	}
	resp := ev.Response

	if resp.EOFAck {
		o.mu.Lock()
		o.hasActiveRequest = false
		o.uploading = false
		o.lastUpload = nil
		o.mu.Unlock()
		o.setProcessing(false)
		o.logger.Info("turn_acknowledged")
		return
	}

	if resp.Err != nil {
		o.handleBackendError(resp.Err)
		return
	}

	for _, res := range resp.Results {
		if len(res.Alternatives) == 0 {
			continue
		}
		alt := res.Alternatives[0]
		seg := transcript.Segment{
			ID:         uuid.NewString(),
			Text:       alt.Transcript,
			Confidence: alt.Confidence,
			IsFinal:    res.IsFinal,
		}
		o.mu.Lock()
		diverted := o.recovering
		o.mu.Unlock()
		if diverted {
			o.shadow.Add(seg)
			continue
		}
		o.visible.Add(seg)
		if o.cb.OnTranscript != nil {
			o.cb.OnTranscript(seg)
		}
	}
}

func (o *Orchestrator) handleBackendError(be *session.BackendError) {
	err := errorsx.Wrap(be, be.Reason())
	o.logger.Error("backend_error",
		slog.Int("code", be.Code),
		slog.String("message", be.Message),
		slog.String("reason_code", string(be.Reason())))
	o.obs.RecordEvent(metrics.MetricsEvent{Name: "backend_error", Time: time.Now(), Value: float64(be.Code)})

	// A backend error payload always terminates the turn's processing
	// indicator, whatever the connection health.
	o.setProcessing(false)

	o.mu.Lock()
	retryable := be.DeadlineExceeded() && o.uploading && o.lastUpload != nil && !o.deadlineRetryUsed
	if retryable {
		o.deadlineRetryUsed = true
	} else {
		o.hasActiveRequest = false
		o.uploading = false
		o.lastUpload = nil
	}
	o.mu.Unlock()

	if retryable {
		go o.resendUpload()
		return
	}
	if o.cb.OnError != nil {
		o.cb.OnError(err)
	}
}

// resendUpload handles the one recoverable backend error class for upload
// turns: reconnect after a fixed delay and resend the last request verbatim
// exactly once.
func (o *Orchestrator) resendUpload() {
	o.logger.Info("upload_deadline_retry", slog.Int("delay_ms", o.cfg.ResendDelayMS))
	_ = o.client.Disconnect()
	time.Sleep(time.Duration(o.cfg.ResendDelayMS) * time.Millisecond)

	if err := o.ensureConnected(context.Background()); err != nil {
		o.resetUpload()
		o.setProcessing(false)
		if o.cb.OnError != nil {
			o.cb.OnError(err)
		}
		return
	}

	o.mu.Lock()
	upload := o.lastUpload
	o.mu.Unlock()
	if upload == nil {
		return
	}
	// The resume preface already re-sent the configuration frame.
	for _, req := range []session.Request{*upload, session.EOFRequest()} {
		if err := o.client.Send(req); err != nil {
			o.resetUpload()
			o.setProcessing(false)
			if o.cb.OnError != nil {
				o.cb.OnError(errorsx.Wrap(err, errorsx.ReasonTransportSend))
			}
			return
		}
	}
	o.setProcessing(true)
}

func (o *Orchestrator) handleStatus(st session.Status) {
	if o.cb.OnConnectionState != nil {
		o.cb.OnConnectionState(st)
	}

	switch st.State {
	case session.StateReconnecting:
		o.mu.Lock()
		live := o.recording
		o.recovering = o.recovering || live
		o.mu.Unlock()
		if live && o.cb.OnRecoveryProgress != nil && st.ReconnectAttempts > 0 {
			o.cb.OnRecoveryProgress(st.ReconnectAttempts, o.cfg.RecoveryAttempts)
		}

	case session.StateConnected:
		o.completeRecovery()

	case session.StateError:
		o.failRecovery(st.Err)

	case session.StateDisconnected:
		if st.Err == nil {
			return
		}
		// Terminal server close in the managed-recovery variant: the client
		// will not reconnect on its own.
		o.mu.Lock()
		live := o.recording
		uploading := o.uploading
		start := o.cfg.ManagedRecovery && live && !o.recoveryRunning
		if start {
			o.recoveryRunning = true
			o.recovering = true
		}
		o.mu.Unlock()
		if start {
			go o.managedRecoveryLoop()
			return
		}
		// An upload turn cannot outlive its connection when nothing will
		// retry it.
		if uploading {
			o.resetUpload()
			o.setProcessing(false)
		}
		if !live {
			if o.cb.OnError != nil {
				o.cb.OnError(st.Err)
			}
		}
	}
}

// managedRecoveryLoop reconnects with the same backoff schedule the client
// uses in its automatic variant.
func (o *Orchestrator) managedRecoveryLoop() {
	defer func() {
		o.mu.Lock()
		o.recoveryRunning = false
		o.mu.Unlock()
	}()

	policy := resilience.NewBackoffPolicy(o.cfg.RecoveryAttempts,
		time.Duration(o.cfg.RecoveryBaseMS)*time.Millisecond,
		time.Duration(o.cfg.RecoveryCapMS)*time.Millisecond)

	for attempt := 1; attempt <= policy.MaxAttempts; attempt++ {
		o.mu.Lock()
		live := o.recording
		o.mu.Unlock()
		if !live {
			return
		}
		if o.cb.OnRecoveryProgress != nil {
			o.cb.OnRecoveryProgress(attempt, policy.MaxAttempts)
		}
		time.Sleep(policy.Delay(attempt))

		if err := o.client.Connect(context.Background()); err == nil {
			// The connected status event completes the recovery merge.
			return
		}
		o.logger.Warn("managed_recovery_attempt_failed", slog.Int("attempt", attempt))
	}
	o.failRecovery(errorsx.New(errorsx.ReasonRecoveryExhausted, "reconnect budget exhausted"))
}

// completeRecovery merges the shadow transcript into the visible one and
// clears recovery state after a successful reconnect.
func (o *Orchestrator) completeRecovery() {
	o.mu.Lock()
	wasRecovering := o.recovering
	o.recovering = false
	o.mu.Unlock()
	if !wasRecovering {
		return
	}

	merged := o.visible.MergeFrom(o.shadow)
	for _, seg := range merged {
		if o.cb.OnTranscript != nil {
			o.cb.OnTranscript(seg)
		}
	}
	if interim, ok := o.visible.Interim(); ok {
		if o.cb.OnTranscript != nil {
			o.cb.OnTranscript(interim)
		}
	}
	o.obs.RecordEvent(metrics.MetricsEvent{Name: "recovery_completed", Time: time.Now(),
		Value: float64(len(merged))})
	o.logger.Info("recovery_completed", slog.Int("merged_segments", len(merged)))
}

// failRecovery force-stops the recording and discards anything still queued.
// Exceeding the reconnect budget is the only fatal failure for live
// recording.
func (o *Orchestrator) failRecovery(err error) {
	o.mu.Lock()
	wasLive := o.recording
	o.recording = false
	o.recovering = false
	o.hasActiveRequest = false
	o.uploading = false
	o.lastUpload = nil
	o.mu.Unlock()

	// Disconnect marks the closure manual and drops anything still queued,
	// so a later connection never replays this session's audio.
	_ = o.client.Disconnect()
	o.shadow.Reset()
	o.setProcessing(false)
	if err == nil {
		err = errorsx.New(errorsx.ReasonRecoveryExhausted, "connection entered error state")
	}
	o.obs.RecordEvent(metrics.MetricsEvent{Name: "recovery_failed", Time: time.Now(), Value: 1})
	o.logger.Error("recovery_failed",
		slog.Bool("was_recording", wasLive),
		slog.String("error", err.Error()))
	if o.cb.OnError != nil {
		o.cb.OnError(fmt.Errorf("recovery failed: %w", err))
	}
}

func (o *Orchestrator) setProcessing(active bool) {
	o.mu.Lock()
	o.hasActiveRequest = active
	o.mu.Unlock()
	if o.cb.OnProcessing != nil {
		o.cb.OnProcessing(active)
	}
}

// Processing reports whether a turn is awaiting its terminal response.
func (o *Orchestrator) Processing() bool {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.hasActiveRequest
}
