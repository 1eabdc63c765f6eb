package peer

import "time"

// backoff yields base * 2^n for n = 0..max-1, then stops.
type backoff struct {
	base        time.Duration
	maxAttempts int
}

func newBackoff(base time.Duration, maxAttempts int) backoff {
	if base <= 0 {
		base = time.Second
	}
	if maxAttempts < 0 {
		maxAttempts = 0
	}
	return backoff{base: base, maxAttempts: maxAttempts}
}

// Delay returns the wait before retry number attempt (zero based) and false
// once the attempt budget is spent.
func (b backoff) Delay(attempt int) (time.Duration, bool) {
	if attempt < 0 || attempt >= b.maxAttempts {
		return 0, false
	}
	return b.base << uint(attempt), true
}
