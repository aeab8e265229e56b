package transcript

import "testing"

func TestInterimReplacedNotAppended(t *testing.T) {
	b := NewBuffer()
	b.Add(Segment{ID: "1", Text: "hel"})
	b.Add(Segment{ID: "2", Text: "hell"})

	if b.Len() != 0 {
		t.Fatalf("interim segments must not append, got %d finals", b.Len())
	}
	interim, ok := b.Interim()
	if !ok || interim.Text != "hell" {
		t.Fatalf("expected latest interim 'hell', got %q (ok=%v)", interim.Text, ok)
	}
}

func TestFinalSupersedesInterim(t *testing.T) {
	b := NewBuffer()
	b.Add(Segment{ID: "1", Text: "hel"})
	b.Add(Segment{ID: "2", Text: "hello", Confidence: 0.9, IsFinal: true})

	if got := b.Text(); got != "hello" {
		t.Fatalf("expected transcript 'hello', got %q", got)
	}
	if _, ok := b.Interim(); ok {
		t.Fatalf("expected no interim after final segment")
	}
}

func TestMergeFromEmptiesShadow(t *testing.T) {
	visible := NewBuffer()
	shadow := NewBuffer()
	shadow.Add(Segment{ID: "a", Text: "A", IsFinal: true})
	shadow.Add(Segment{ID: "b", Text: "B", IsFinal: true})

	merged := visible.MergeFrom(shadow)
	if len(merged) != 2 {
		t.Fatalf("expected 2 merged segments, got %d", len(merged))
	}
	if got := visible.Text(); got != "A B" {
		t.Fatalf("expected merged transcript 'A B', got %q", got)
	}
	if shadow.Len() != 0 {
		t.Fatalf("expected shadow emptied after merge")
	}
	if _, ok := shadow.Interim(); ok {
		t.Fatalf("expected shadow interim cleared after merge")
	}
}

func TestMergeFromSelfIsNoop(t *testing.T) {
	b := NewBuffer()
	b.Add(Segment{ID: "a", Text: "A", IsFinal: true})
	if merged := b.MergeFrom(b); merged != nil {
		t.Fatalf("merging a buffer into itself must be a no-op")
	}
	if b.Len() != 1 {
		t.Fatalf("expected buffer unchanged")
	}
}
