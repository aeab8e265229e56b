package resilience

import "time"

// BackoffPolicy defines exponential backoff behavior for reconnect attempts.
// Delays start at Base, double on every attempt, and never exceed Cap.
type BackoffPolicy struct {
	MaxAttempts int
	Base        time.Duration
	Cap         time.Duration
}

func NewBackoffPolicy(maxAttempts int, base, cap time.Duration) BackoffPolicy {
	if maxAttempts <= 0 {
		maxAttempts = 5
	}
	if base <= 0 {
		base = time.Second
	}
	if cap <= 0 {
		cap = 30 * time.Second
	}
	return BackoffPolicy{MaxAttempts: maxAttempts, Base: base, Cap: cap}
}

// Delay returns the wait before the given attempt (1-based).
func (p BackoffPolicy) Delay(attempt int) time.Duration {
	if attempt < 1 {
		attempt = 1
	}
	d := p.Base
	for i := 1; i < attempt; i++ {
		d *= 2
		if d >= p.Cap {
			return p.Cap
		}
	}
	if d > p.Cap {
		return p.Cap
	}
	return d
}

// Exhausted reports whether the attempt budget has been spent.
func (p BackoffPolicy) Exhausted(attempt int) bool {
	return attempt > p.MaxAttempts
}

// Do runs fn up to MaxAttempts times, sleeping the backoff delay between
// failures. The last error is returned when the budget is exhausted.
func (p BackoffPolicy) Do(fn func() error) error {
	var err error
	for attempt := 1; attempt <= p.MaxAttempts; attempt++ {
		err = fn()
		if err == nil {
			return nil
		}
		if attempt == p.MaxAttempts {
			return err
		}
		time.Sleep(p.Delay(attempt))
	}
	return err
}
