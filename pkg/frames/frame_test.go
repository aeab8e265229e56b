package frames

import (
	"testing"
	"time"
)

func TestAudioFrameDuration(t *testing.T) {
	// 16000 samples of mono PCM16 at 16kHz is exactly one second.
	data := make([]byte, 16000*2)
	af := NewAudioFrame("sess-1", 1, data, 16000, 1, nil)
	if af.Duration() != time.Second {
		t.Fatalf("expected 1s duration, got %s", af.Duration())
	}
	if af.Meta()[MetaSessionID] != "sess-1" {
		t.Fatalf("expected session id in meta")
	}
}

func TestPooledFrameRelease(t *testing.T) {
	data := []byte{1, 2, 3, 4}
	af := NewAudioFrameFromPool("sess-1", 1, data, 16000, 1, nil)
	if string(af.RawPayload()) != string(data) {
		t.Fatalf("pooled frame payload mismatch")
	}
	if !ReleaseAudioFrame(af) {
		t.Fatalf("expected pooled frame to be released")
	}

	plain := NewAudioFrame("sess-1", 2, data, 16000, 1, nil)
	if ReleaseAudioFrame(plain) {
		t.Fatalf("non-pooled frame must not be released")
	}
}

func TestPTSGenMonotonic(t *testing.T) {
	gen := NewPTSGen()
	prev := int64(0)
	for i := 0; i < 10; i++ {
		v := gen.Next("sess-1")
		if v <= prev {
			t.Fatalf("pts not monotonic: %d after %d", v, prev)
		}
		prev = v
	}
}
