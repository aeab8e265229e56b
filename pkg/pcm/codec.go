// Package pcm converts captured audio into the wire representation the
// transcription gateway expects: PCM16 little-endian at a fixed sample rate,
// framed as base64.
package pcm

import (
	"encoding/base64"
	"math"
)

// encodeWindow bounds how many bytes are encoded per pass. The output is
// byte-identical regardless of window size; windowing only keeps very large
// buffers off the stack.
const encodeWindow = 32 * 1024

// Resample converts float PCM from one sample rate to another using linear
// interpolation. It returns the input unchanged when the rates match.
// Output length is round(len(samples) / (fromRate/toRate)).
func Resample(samples []float64, fromRate, toRate int) []float64 {
	if fromRate == toRate || len(samples) == 0 || fromRate <= 0 || toRate <= 0 {
		return samples
	}
	ratio := float64(fromRate) / float64(toRate)
	outLen := int(math.Round(float64(len(samples)) / ratio))
	out := make([]float64, outLen)
	for i := range out {
		pos := float64(i) * ratio
		idx := int(pos)
		frac := pos - float64(idx)
		if idx+1 < len(samples) {
			out[i] = samples[idx]*(1-frac) + samples[idx+1]*frac
		} else if idx < len(samples) {
			out[i] = samples[idx]
		}
	}
	return out
}

// ToInt16 quantizes float PCM in [-1,1] to PCM16. Inputs outside the range
// are clamped. Negative values scale by 32768 and non-negative values by
// 32767 so the full two's-complement range is used; the asymmetry is part of
// the wire contract and must not be "fixed".
func ToInt16(samples []float64) []int16 {
	out := make([]int16, len(samples))
	for i, s := range samples {
		if s < -1 {
			s = -1
		} else if s > 1 {
			s = 1
		}
		if s < 0 {
			out[i] = int16(s * 32768)
		} else {
			out[i] = int16(s * 32767)
		}
	}
	return out
}

// ToFloat expands PCM16 back to float PCM using the same asymmetric scale
// as ToInt16, so quantization is idempotent.
func ToFloat(samples []int16) []float64 {
	out := make([]float64, len(samples))
	for i, s := range samples {
		if s < 0 {
			out[i] = float64(s) / 32768
		} else {
			out[i] = float64(s) / 32767
		}
	}
	return out
}

// Bytes serializes PCM16 samples as little-endian bytes.
func Bytes(samples []int16) []byte {
	out := make([]byte, len(samples)*2)
	for i, s := range samples {
		out[i*2] = byte(s)
		out[i*2+1] = byte(uint16(s) >> 8)
	}
	return out
}

// Samples deserializes little-endian bytes into PCM16 samples. A trailing
// odd byte is ignored.
func Samples(data []byte) []int16 {
	out := make([]int16, len(data)/2)
	for i := range out {
		out[i] = int16(data[i*2]) | int16(data[i*2+1])<<8
	}
	return out
}

// EncodeBase64 encodes the little-endian bytes of PCM16 samples as standard
// base64. Empty input yields an empty string.
func EncodeBase64(samples []int16) string {
	return EncodeBytesBase64(Bytes(samples))
}

// EncodeBytesBase64 encodes raw PCM bytes as standard base64, processing the
// input in fixed windows.
func EncodeBytesBase64(data []byte) string {
	if len(data) == 0 {
		return ""
	}
	enc := base64.StdEncoding
	out := make([]byte, 0, enc.EncodedLen(len(data)))
	// Window on a multiple of 3 so no padding appears mid-stream.
	window := encodeWindow - encodeWindow%3
	for start := 0; start < len(data); start += window {
		end := start + window
		if end > len(data) {
			end = len(data)
		}
		chunk := make([]byte, enc.EncodedLen(end-start))
		enc.Encode(chunk, data[start:end])
		out = append(out, chunk...)
	}
	return string(out)
}

// DecodeBase64 is the inverse of EncodeBytesBase64.
func DecodeBase64(payload string) ([]byte, error) {
	if payload == "" {
		return nil, nil
	}
	return base64.StdEncoding.DecodeString(payload)
}
