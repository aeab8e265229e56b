package capture

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"math"
	"sync"
	"time"

	"github.com/voxstream/voxstream/pkg/frames"
	"github.com/voxstream/voxstream/pkg/logging"
	"github.com/voxstream/voxstream/pkg/metrics"
)

// Pump states.
type State string

const (
	StateIdle         State = "idle"
	StateInitializing State = "initializing"
	StateRecording    State = "recording"
	StatePaused       State = "paused"
	StateStopped      State = "stopped"
	StateError        State = "error"
)

type Config struct {
	Constraints     Constraints
	SessionID       string
	ChunkMS         int `mapstructure:"chunk_ms"`
	FlushIntervalMS int `mapstructure:"flush_interval_ms"`
}

func (c Config) withDefaults() Config {
	c.Constraints = c.Constraints.withDefaults()
	if c.ChunkMS <= 0 {
		c.ChunkMS = 100
	}
	if c.FlushIntervalMS <= 0 {
		c.FlushIntervalMS = 5000
	}
	return c
}

// Callbacks receive the pump's two data products plus lifecycle
// notifications. Nil callbacks are skipped. All callbacks run on the pump's
// event loop goroutine; they must not block.
type Callbacks struct {
	// OnChunk fires at chunk cadence with each raw chunk frame.
	OnChunk func(frames.AudioFrame)
	// OnFlush fires at the interval cadence with the merged interval buffer.
	// This is the product used for live streaming.
	OnFlush func(frames.AudioFrame)
	// OnLevel fires at chunk cadence with the normalized RMS level in [0,1].
	OnLevel func(float64)
	// OnComplete fires once on stop with the full take and its duration.
	// The take is for statistics only and is never retransmitted.
	OnComplete func(pcm []byte, dur time.Duration)
	// OnError fires on a device failure after the pump enters the error state.
	OnError func(error)
}

type pumpCmd struct {
	op  string
	ack chan error
}

// Pump owns one device stream and the recording state machine:
// idle, initializing, recording and paused alternate, stopped; error is
// reachable from any state on device failure.
type Pump struct {
	cfg    Config
	device Device
	cb     Callbacks
	logger *slog.Logger
	obs    metrics.Observer
	pts    *frames.PTSGen

	mu      sync.Mutex
	state   State
	stream  Stream
	closing bool

	chunkCh chan []byte
	errCh   chan error
	cmdCh   chan pumpCmd
	done    chan struct{}
}

type Option func(*Pump)

func WithLogger(logger *slog.Logger) Option {
	return func(p *Pump) { p.logger = logging.NewComponentLogger(logger, "capture_pump") }
}

func WithObserver(obs metrics.Observer) Option {
	return func(p *Pump) { p.obs = obs }
}

func NewPump(cfg Config, device Device, cb Callbacks, opts ...Option) *Pump {
	p := &Pump{
		cfg:    cfg.withDefaults(),
		device: device,
		cb:     cb,
		logger: logging.NewComponentLogger(slog.Default(), "capture_pump"),
		obs:    metrics.NoopObserver{},
		pts:    frames.NewPTSGen(),
		state:  StateIdle,
	}
	for _, opt := range opts {
		opt(p)
	}
	return p
}

func (p *Pump) State() State {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.state
}

// Start acquires the device and begins recording. Device-acquisition
// failures are categorized (*DeviceError) and fatal to this attempt.
func (p *Pump) Start(ctx context.Context) error {
	p.mu.Lock()
	if p.state == StateInitializing || p.state == StateRecording || p.state == StatePaused {
		p.mu.Unlock()
		return errors.New("capture: already started")
	}
	p.state = StateInitializing
	p.mu.Unlock()

	stream, err := p.device.Open(ctx, p.cfg.Constraints)
	if err != nil {
		p.mu.Lock()
		p.state = StateError
		p.mu.Unlock()
		p.logger.Error("device_open_failed", slog.String("error", err.Error()))
		return err
	}

	p.mu.Lock()
	p.stream = stream
	p.closing = false
	p.state = StateRecording
	p.chunkCh = make(chan []byte, 16)
	p.errCh = make(chan error, 1)
	p.cmdCh = make(chan pumpCmd)
	p.done = make(chan struct{})
	p.mu.Unlock()

	go p.readLoop(stream)
	go p.run()

	p.logger.Info("recording_started",
		slog.Int("sample_rate", p.cfg.Constraints.SampleRate),
		slog.Int("channels", p.cfg.Constraints.Channels),
		slog.Int("chunk_ms", p.cfg.ChunkMS),
		slog.Int("flush_interval_ms", p.cfg.FlushIntervalMS))
	return nil
}

// Pause suspends chunk delivery and immediately flushes any buffered
// interval audio so nothing is silently dropped. The device stream stays
// open so Resume never re-prompts for the device.
func (p *Pump) Pause() error { return p.command("pause") }

// Resume restarts chunk delivery and the interval timer on the same stream.
func (p *Pump) Resume() error { return p.command("resume") }

// Stop performs a final flush of any non-empty interval buffer, delivers the
// recording-complete notification, and releases the device.
func (p *Pump) Stop() error {
	p.mu.Lock()
	if p.state == StateIdle || p.state == StateStopped || p.state == StateError {
		p.mu.Unlock()
		return nil
	}
	p.mu.Unlock()
	return p.command("stop")
}

func (p *Pump) command(op string) error {
	p.mu.Lock()
	done := p.done
	cmdCh := p.cmdCh
	p.mu.Unlock()
	if cmdCh == nil {
		return errors.New("capture: not running")
	}
	cmd := pumpCmd{op: op, ack: make(chan error, 1)}
	select {
	case cmdCh <- cmd:
		return <-cmd.ack
	case <-done:
		return errors.New("capture: not running")
	}
}

func (p *Pump) readLoop(stream Stream) {
	chunkBytes := p.cfg.Constraints.SampleRate * p.cfg.Constraints.Channels * 2 * p.cfg.ChunkMS / 1000
	for {
		buf := make([]byte, chunkBytes)
		n, err := io.ReadFull(stream, buf)
		if n > 0 {
			select {
			case p.chunkCh <- buf[:n]:
			case <-p.done:
				return
			}
		}
		if err != nil {
			p.mu.Lock()
			closing := p.closing
			p.mu.Unlock()
			if closing || errors.Is(err, io.EOF) || errors.Is(err, io.ErrUnexpectedEOF) {
				return
			}
			select {
			case p.errCh <- err:
			case <-p.done:
			}
			return
		}
	}
}

func (p *Pump) run() {
	interval := make([]byte, 0, 64*1024)
	take := make([]byte, 0, 256*1024)
	paused := false

	flushEvery := time.Duration(p.cfg.FlushIntervalMS) * time.Millisecond
	ticker := time.NewTicker(flushEvery)
	defer ticker.Stop()

	flush := func() {
		if len(interval) == 0 {
			return
		}
		frame := frames.NewAudioFrame(p.cfg.SessionID, p.pts.Next(p.cfg.SessionID),
			append([]byte(nil), interval...),
			p.cfg.Constraints.SampleRate, p.cfg.Constraints.Channels,
			map[string]string{frames.MetaSource: "mic"})
		if p.cb.OnFlush != nil {
			p.cb.OnFlush(frame)
		}
		p.obs.RecordEvent(metrics.MetricsEvent{
			Name:  "capture_interval_flush_bytes",
			Time:  time.Now(),
			Value: float64(len(interval)),
		})
		interval = interval[:0]
	}

	for {
		select {
		case chunk := <-p.chunkCh:
			if paused {
				continue
			}
			if p.cb.OnChunk != nil {
				frame := frames.NewAudioFrame(p.cfg.SessionID, p.pts.Next(p.cfg.SessionID),
					chunk, p.cfg.Constraints.SampleRate, p.cfg.Constraints.Channels,
					map[string]string{frames.MetaSource: "mic"})
				p.cb.OnChunk(frame)
			}
			if p.cb.OnLevel != nil {
				p.cb.OnLevel(rmsLevel(chunk))
			}
			interval = append(interval, chunk...)
			take = append(take, chunk...)

		case <-ticker.C:
			if !paused {
				flush()
			}

		case err := <-p.errCh:
			p.mu.Lock()
			p.state = StateError
			p.closing = true
			stream := p.stream
			p.stream = nil
			p.mu.Unlock()
			if stream != nil {
				_ = stream.Close()
			}
			close(p.done)
			p.logger.Error("device_stream_failed", slog.String("error", err.Error()))
			if p.cb.OnError != nil {
				p.cb.OnError(err)
			}
			return

		case cmd := <-p.cmdCh:
			switch cmd.op {
			case "pause":
				if paused {
					cmd.ack <- errors.New("capture: already paused")
					continue
				}
				flush()
				paused = true
				ticker.Stop()
				p.setState(StatePaused)
				p.logger.Info("recording_paused")
				cmd.ack <- nil

			case "resume":
				if !paused {
					cmd.ack <- errors.New("capture: not paused")
					continue
				}
				paused = false
				ticker.Reset(flushEvery)
				p.setState(StateRecording)
				p.logger.Info("recording_resumed")
				cmd.ack <- nil

			case "stop":
				flush()
				p.mu.Lock()
				p.state = StateStopped
				p.closing = true
				stream := p.stream
				p.stream = nil
				p.mu.Unlock()
				if stream != nil {
					_ = stream.Close()
				}
				close(p.done)
				dur := pcmDuration(len(take), p.cfg.Constraints.SampleRate, p.cfg.Constraints.Channels)
				p.logger.Info("recording_stopped",
					slog.Int("take_bytes", len(take)),
					slog.Duration("duration", dur))
				if p.cb.OnComplete != nil {
					p.cb.OnComplete(take, dur)
				}
				cmd.ack <- nil
				return
			}
		}
	}
}

func (p *Pump) setState(s State) {
	p.mu.Lock()
	p.state = s
	p.mu.Unlock()
}

// rmsLevel computes the normalized RMS level of a PCM16LE buffer in [0,1].
func rmsLevel(pcm []byte) float64 {
	n := len(pcm) / 2
	if n == 0 {
		return 0
	}
	var sum float64
	for i := 0; i < n; i++ {
		s := int16(uint16(pcm[2*i]) | uint16(pcm[2*i+1])<<8)
		v := float64(s)
		sum += v * v
	}
	return math.Sqrt(sum/float64(n)) / 32768
}

func pcmDuration(byteLen, rate, ch int) time.Duration {
	if rate <= 0 || ch <= 0 {
		return 0
	}
	samples := byteLen / (2 * ch)
	return time.Duration(samples) * time.Second / time.Duration(rate)
}
