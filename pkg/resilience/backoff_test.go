package resilience

import (
	"errors"
	"testing"
	"time"
)

func TestBackoffDelaysDoubleThenCap(t *testing.T) {
	p := NewBackoffPolicy(5, time.Second, 30*time.Second)

	want := []time.Duration{
		time.Second,
		2 * time.Second,
		4 * time.Second,
		8 * time.Second,
		16 * time.Second,
		30 * time.Second,
		30 * time.Second,
	}
	for i, expected := range want {
		got := p.Delay(i + 1)
		if got != expected {
			t.Fatalf("attempt %d: expected delay %s, got %s", i+1, expected, got)
		}
	}
}

func TestBackoffBudget(t *testing.T) {
	p := NewBackoffPolicy(5, time.Millisecond, 4*time.Millisecond)

	calls := 0
	err := p.Do(func() error {
		calls++
		return errors.New("still down")
	})
	if err == nil {
		t.Fatalf("expected error after exhausting budget")
	}
	if calls != 5 {
		t.Fatalf("expected exactly 5 attempts, got %d", calls)
	}
	if !p.Exhausted(6) {
		t.Fatalf("expected attempt 6 to be past budget")
	}
	if p.Exhausted(5) {
		t.Fatalf("attempt 5 is within budget")
	}
}

func TestBackoffDefaults(t *testing.T) {
	p := NewBackoffPolicy(0, 0, 0)
	if p.MaxAttempts != 5 || p.Base != time.Second || p.Cap != 30*time.Second {
		t.Fatalf("unexpected defaults: %+v", p)
	}
}
