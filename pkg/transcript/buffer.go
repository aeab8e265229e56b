// Package transcript holds the ordered transcript state for one session:
// an append-only sequence of final segments plus at most one interim
// hypothesis that is replaced, never appended.
package transcript

import (
	"strings"
	"sync"
	"time"
)

// Segment is one transcription hypothesis. Final segments are immutable
// once added to a buffer.
type Segment struct {
	ID         string
	Text       string
	Confidence float64
	IsFinal    bool
	Start      time.Duration
	End        time.Duration
}

type Buffer struct {
	mu      sync.Mutex
	finals  []Segment
	interim *Segment
}

func NewBuffer() *Buffer {
	return &Buffer{}
}

// Add appends a final segment or replaces the current interim one.
// A final segment supersedes any pending interim text.
func (b *Buffer) Add(seg Segment) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if seg.IsFinal {
		b.finals = append(b.finals, seg)
		b.interim = nil
		return
	}
	s := seg
	b.interim = &s
}

// Finals returns the ordered final segments.
func (b *Buffer) Finals() []Segment {
	b.mu.Lock()
	defer b.mu.Unlock()
	out := make([]Segment, len(b.finals))
	copy(out, b.finals)
	return out
}

// Interim returns the pending interim segment, if any.
func (b *Buffer) Interim() (Segment, bool) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.interim == nil {
		return Segment{}, false
	}
	return *b.interim, true
}

// Text joins the final segments with single spaces.
func (b *Buffer) Text() string {
	b.mu.Lock()
	defer b.mu.Unlock()
	parts := make([]string, 0, len(b.finals))
	for _, seg := range b.finals {
		if t := strings.TrimSpace(seg.Text); t != "" {
			parts = append(parts, t)
		}
	}
	return strings.Join(parts, " ")
}

// Len returns the number of final segments.
func (b *Buffer) Len() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.finals)
}

// Reset discards all segments.
func (b *Buffer) Reset() {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.finals = nil
	b.interim = nil
}

// MergeFrom atomically appends every final segment buffered in shadow,
// adopts its interim hypothesis, and empties shadow. Used when recovery
// succeeds and diverted results rejoin the visible transcript.
func (b *Buffer) MergeFrom(shadow *Buffer) []Segment {
	if shadow == nil || shadow == b {
		return nil
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	shadow.mu.Lock()
	defer shadow.mu.Unlock()

	merged := make([]Segment, len(shadow.finals))
	copy(merged, shadow.finals)
	b.finals = append(b.finals, shadow.finals...)
	if shadow.interim != nil {
		s := *shadow.interim
		b.interim = &s
	}
	shadow.finals = nil
	shadow.interim = nil
	return merged
}
