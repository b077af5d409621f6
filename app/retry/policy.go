package retry

import "time"

// Policy describes a bounded exponential backoff.
type Policy struct {
	MaxAttempts int
	BaseDelay   time.Duration
	MaxDelay    time.Duration
}

// Unbounded reports whether the policy never gives up.
func (p Policy) Unbounded() bool {
	return p.MaxAttempts <= 0
}

// Exhausted reports whether the given (1-based) attempt was the last allowed one.
func (p Policy) Exhausted(attempt int) bool {
	if p.Unbounded() {
		return false
	}
	return attempt >= p.MaxAttempts
}

// Backoff returns the wait before the attempt following the given one:
// BaseDelay * 2^(attempt-1), capped at MaxDelay.
func (p Policy) Backoff(attempt int) time.Duration {
	if p.BaseDelay <= 0 {
		return 0
	}
	if attempt < 1 {
		attempt = 1
	}
	delay := p.BaseDelay
	for i := 1; i < attempt; i++ {
		delay *= 2
		if p.MaxDelay > 0 && delay >= p.MaxDelay {
			return p.MaxDelay
		}
		// overflow guard
		if delay <= 0 {
			return p.MaxDelay
		}
	}
	if p.MaxDelay > 0 && delay > p.MaxDelay {
		return p.MaxDelay
	}
	return delay
}
