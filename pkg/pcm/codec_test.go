package pcm

import (
	"bytes"
	"math"
	"testing"
)

func TestResampleIdentity(t *testing.T) {
	samples := []float64{0, 0.5, -0.5, 1, -1}
	for _, rate := range []int{8000, 16000, 44100, 48000} {
		out := Resample(samples, rate, rate)
		if len(out) != len(samples) {
			t.Fatalf("rate %d: expected identity length", rate)
		}
		for i := range out {
			if out[i] != samples[i] {
				t.Fatalf("rate %d: sample %d changed", rate, i)
			}
		}
	}
}

func TestResampleLength(t *testing.T) {
	samples := make([]float64, 48000)
	out := Resample(samples, 48000, 16000)
	want := int(math.Round(48000 / (48000.0 / 16000.0)))
	if len(out) != want {
		t.Fatalf("expected %d samples, got %d", want, len(out))
	}

	up := Resample(samples[:100], 8000, 16000)
	if len(up) != 200 {
		t.Fatalf("expected 200 samples upsampled, got %d", len(up))
	}
}

func TestToInt16AsymmetricScaling(t *testing.T) {
	out := ToInt16([]float64{-1, 1, -2, 2, 0})
	if out[0] != -32768 {
		t.Fatalf("expected -1 to map to -32768, got %d", out[0])
	}
	if out[1] != 32767 {
		t.Fatalf("expected 1 to map to 32767, got %d", out[1])
	}
	if out[2] != -32768 || out[3] != 32767 {
		t.Fatalf("expected out-of-range input to clamp, got %d %d", out[2], out[3])
	}
	if out[4] != 0 {
		t.Fatalf("expected 0 to map to 0, got %d", out[4])
	}
}

func TestQuantizationIdempotent(t *testing.T) {
	in := []float64{-1, -0.731, -0.25, 0, 0.125, 0.5, 0.999, 1}
	first := ToInt16(in)
	second := ToInt16(ToFloat(first))
	for i := range first {
		if first[i] != second[i] {
			t.Fatalf("sample %d: %d != %d after round trip", i, first[i], second[i])
		}
	}
}

func TestBase64RoundTrip(t *testing.T) {
	cases := [][]byte{
		nil,
		{0x7f},
		bytes.Repeat([]byte{0xab, 0xcd, 0x01}, 1),
	}
	// Cross the 32KB window boundary.
	big := make([]byte, 100*1024)
	for i := range big {
		big[i] = byte(i * 31)
	}
	cases = append(cases, big)

	for i, buf := range cases {
		enc := EncodeBytesBase64(buf)
		dec, err := DecodeBase64(enc)
		if err != nil {
			t.Fatalf("case %d: decode error: %v", i, err)
		}
		if !bytes.Equal(dec, buf) {
			t.Fatalf("case %d: round trip mismatch (%d vs %d bytes)", i, len(dec), len(buf))
		}
	}

	if EncodeBase64(nil) != "" {
		t.Fatalf("empty input must encode to empty string")
	}
}

func TestBytesSamplesRoundTrip(t *testing.T) {
	in := []int16{0, 1, -1, 32767, -32768, 256, -257}
	out := Samples(Bytes(in))
	if len(out) != len(in) {
		t.Fatalf("length mismatch")
	}
	for i := range in {
		if in[i] != out[i] {
			t.Fatalf("sample %d: %d != %d", i, in[i], out[i])
		}
	}
}
