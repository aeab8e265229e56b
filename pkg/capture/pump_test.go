package capture

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/voxstream/voxstream/pkg/frames"
)

type fakeStream struct {
	data   chan []byte
	errCh  chan error
	closed chan struct{}
	once   sync.Once
	rest   []byte
}

func newFakeStream() *fakeStream {
	return &fakeStream{
		data:   make(chan []byte, 16),
		errCh:  make(chan error, 1),
		closed: make(chan struct{}),
	}
}

func (s *fakeStream) Read(p []byte) (int, error) {
	if len(s.rest) == 0 {
		select {
		case b := <-s.data:
			s.rest = b
		case err := <-s.errCh:
			return 0, err
		case <-s.closed:
			return 0, errors.New("stream closed")
		}
	}
	n := copy(p, s.rest)
	s.rest = s.rest[n:]
	return n, nil
}

func (s *fakeStream) Close() error {
	s.once.Do(func() { close(s.closed) })
	return nil
}

type fakeDevice struct {
	stream  *fakeStream
	openErr error
	opens   int
}

func (d *fakeDevice) Open(context.Context, Constraints) (Stream, error) {
	d.opens++
	if d.openErr != nil {
		return nil, d.openErr
	}
	return d.stream, nil
}

type recorder struct {
	mu       sync.Mutex
	chunks   [][]byte
	flushes  [][]byte
	levels   []float64
	take     []byte
	dur      time.Duration
	complete bool
	errs     []error
}

func (r *recorder) callbacks() Callbacks {
	return Callbacks{
		OnChunk: func(f frames.AudioFrame) {
			r.mu.Lock()
			r.chunks = append(r.chunks, f.Data())
			r.mu.Unlock()
		},
		OnFlush: func(f frames.AudioFrame) {
			r.mu.Lock()
			r.flushes = append(r.flushes, f.Data())
			r.mu.Unlock()
		},
		OnLevel: func(v float64) {
			r.mu.Lock()
			r.levels = append(r.levels, v)
			r.mu.Unlock()
		},
		OnComplete: func(pcm []byte, dur time.Duration) {
			r.mu.Lock()
			r.take = append([]byte(nil), pcm...)
			r.dur = dur
			r.complete = true
			r.mu.Unlock()
		},
		OnError: func(err error) {
			r.mu.Lock()
			r.errs = append(r.errs, err)
			r.mu.Unlock()
		},
	}
}

func (r *recorder) chunkCount() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.chunks)
}

func (r *recorder) flushCount() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.flushes)
}

func (r *recorder) errCount() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.errs)
}

// testConfig yields 20-byte chunks: 1000Hz mono * 2 bytes * 10ms.
func testConfig(flushMS int) Config {
	return Config{
		Constraints:     Constraints{SampleRate: 1000, Channels: 1},
		SessionID:       "sess-1",
		ChunkMS:         10,
		FlushIntervalMS: flushMS,
	}
}

func pcmChunk(val int16) []byte {
	b := make([]byte, 20)
	for i := 0; i < 10; i++ {
		b[2*i] = byte(uint16(val))
		b[2*i+1] = byte(uint16(val) >> 8)
	}
	return b
}

func waitCond(t *testing.T, cond func() bool, msg string) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(2 * time.Millisecond)
	}
	t.Fatalf("timed out waiting for %s", msg)
}

func TestStartEmitsChunksAndLevels(t *testing.T) {
	stream := newFakeStream()
	dev := &fakeDevice{stream: stream}
	rec := &recorder{}
	p := NewPump(testConfig(60000), dev, rec.callbacks())

	if err := p.Start(context.Background()); err != nil {
		t.Fatalf("start: %v", err)
	}
	if p.State() != StateRecording {
		t.Fatalf("expected recording state, got %s", p.State())
	}

	stream.data <- pcmChunk(0)
	stream.data <- pcmChunk(16384)
	waitCond(t, func() bool { return rec.chunkCount() == 2 }, "2 chunks")

	rec.mu.Lock()
	silence, loud := rec.levels[0], rec.levels[1]
	rec.mu.Unlock()
	if silence != 0 {
		t.Fatalf("silence level = %v, want 0", silence)
	}
	if loud < 0.49 || loud > 0.51 {
		t.Fatalf("half-scale level = %v, want ~0.5", loud)
	}

	if err := p.Stop(); err != nil {
		t.Fatalf("stop: %v", err)
	}
}

func TestIntervalFlushMergesChunks(t *testing.T) {
	stream := newFakeStream()
	dev := &fakeDevice{stream: stream}
	rec := &recorder{}
	p := NewPump(testConfig(30), dev, rec.callbacks())

	if err := p.Start(context.Background()); err != nil {
		t.Fatalf("start: %v", err)
	}
	stream.data <- pcmChunk(1)
	stream.data <- pcmChunk(2)
	waitCond(t, func() bool { return rec.flushCount() >= 1 }, "interval flush")

	rec.mu.Lock()
	flush := rec.flushes[0]
	rec.mu.Unlock()
	if len(flush)%20 != 0 || len(flush) == 0 {
		t.Fatalf("flush should merge whole chunks, got %d bytes", len(flush))
	}
	if err := p.Stop(); err != nil {
		t.Fatalf("stop: %v", err)
	}
}

func TestPauseFlushesImmediatelyAndDiscards(t *testing.T) {
	stream := newFakeStream()
	dev := &fakeDevice{stream: stream}
	rec := &recorder{}
	p := NewPump(testConfig(60000), dev, rec.callbacks())

	if err := p.Start(context.Background()); err != nil {
		t.Fatalf("start: %v", err)
	}
	stream.data <- pcmChunk(3)
	waitCond(t, func() bool { return rec.chunkCount() == 1 }, "first chunk")

	if err := p.Pause(); err != nil {
		t.Fatalf("pause: %v", err)
	}
	if p.State() != StatePaused {
		t.Fatalf("expected paused state")
	}
	// Pause must flush the buffered interval audio even though the interval
	// timer never fired.
	if rec.flushCount() != 1 {
		t.Fatalf("expected immediate flush on pause, got %d", rec.flushCount())
	}

	stream.data <- pcmChunk(4)
	time.Sleep(30 * time.Millisecond)
	if rec.chunkCount() != 1 {
		t.Fatalf("chunks must be discarded while paused")
	}

	if err := p.Resume(); err != nil {
		t.Fatalf("resume: %v", err)
	}
	if dev.opens != 1 {
		t.Fatalf("resume must not re-acquire the device")
	}
	stream.data <- pcmChunk(5)
	waitCond(t, func() bool { return rec.chunkCount() == 2 }, "chunk after resume")

	if err := p.Stop(); err != nil {
		t.Fatalf("stop: %v", err)
	}
}

func TestStopFinalFlushAndComplete(t *testing.T) {
	stream := newFakeStream()
	dev := &fakeDevice{stream: stream}
	rec := &recorder{}
	p := NewPump(testConfig(60000), dev, rec.callbacks())

	if err := p.Start(context.Background()); err != nil {
		t.Fatalf("start: %v", err)
	}
	stream.data <- pcmChunk(6)
	stream.data <- pcmChunk(7)
	waitCond(t, func() bool { return rec.chunkCount() == 2 }, "2 chunks")

	if err := p.Stop(); err != nil {
		t.Fatalf("stop: %v", err)
	}
	if p.State() != StateStopped {
		t.Fatalf("expected stopped state")
	}

	rec.mu.Lock()
	defer rec.mu.Unlock()
	if !rec.complete {
		t.Fatalf("expected completion callback")
	}
	if len(rec.flushes) != 1 || len(rec.flushes[0]) != 40 {
		t.Fatalf("expected one final flush of 40 bytes, got %v", rec.flushes)
	}
	if len(rec.take) != 40 {
		t.Fatalf("take = %d bytes, want 40", len(rec.take))
	}
	// 20 samples at 1000Hz.
	if rec.dur != 20*time.Millisecond {
		t.Fatalf("duration = %v, want 20ms", rec.dur)
	}
}

func TestStopIsIdempotent(t *testing.T) {
	stream := newFakeStream()
	dev := &fakeDevice{stream: stream}
	p := NewPump(testConfig(60000), dev, Callbacks{})
	if err := p.Start(context.Background()); err != nil {
		t.Fatalf("start: %v", err)
	}
	if err := p.Stop(); err != nil {
		t.Fatalf("stop: %v", err)
	}
	if err := p.Stop(); err != nil {
		t.Fatalf("second stop: %v", err)
	}
}

func TestDeviceOpenFailureIsCategorized(t *testing.T) {
	devErr := &DeviceError{Kind: ErrPermissionDenied, Err: errors.New("pulse: access denied")}
	dev := &fakeDevice{openErr: devErr}
	p := NewPump(testConfig(60000), dev, Callbacks{})

	err := p.Start(context.Background())
	if err == nil {
		t.Fatalf("expected start failure")
	}
	var de *DeviceError
	if !errors.As(err, &de) || de.Kind != ErrPermissionDenied {
		t.Fatalf("expected permission-denied device error, got %v", err)
	}
	if p.State() != StateError {
		t.Fatalf("expected error state")
	}
}

func TestStreamFailureReportsError(t *testing.T) {
	stream := newFakeStream()
	dev := &fakeDevice{stream: stream}
	rec := &recorder{}
	p := NewPump(testConfig(60000), dev, rec.callbacks())

	if err := p.Start(context.Background()); err != nil {
		t.Fatalf("start: %v", err)
	}
	stream.errCh <- errors.New("device unplugged")

	waitCond(t, func() bool { return rec.errCount() == 1 }, "error callback")
	if p.State() != StateError {
		t.Fatalf("expected error state, got %s", p.State())
	}
}
