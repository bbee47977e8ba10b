package reliability

import "time"

// IsRetryableHTTPStatus classifies retryable HTTP status codes.
func IsRetryableHTTPStatus(code int) bool {
	switch code {
	case 429, 500, 502, 503, 504:
		return true
	default:
		return false
	}
}

// ExponentialBackoff computes a deterministic capped backoff duration.
func ExponentialBackoff(attempt int, base, cap time.Duration) time.Duration {
	if attempt <= 0 {
		return base
	}
	d := base
	for i := 0; i < attempt; i++ {
		d *= 2
		if d >= cap {
			return cap
		}
	}
	return d
}

// RetryMode selects how reconnect delays grow between attempts.
type RetryMode string

const (
	// RetryFixed waits the same interval before every attempt and never
	// gives up on its own.
	RetryFixed RetryMode = "fixed"
	// RetryBackoff doubles the delay up to Cap and stops after MaxAttempts.
	RetryBackoff RetryMode = "backoff"
)

// RetryPolicy describes one stream kind's reconnect behavior. Fixed-interval
// and bounded-backoff modes are separate settings; do not unify them.
type RetryPolicy struct {
	Mode        RetryMode
	Interval    time.Duration // fixed mode
	Base        time.Duration // backoff mode
	Cap         time.Duration // backoff mode
	MaxAttempts int           // backoff mode; <=0 means unbounded
}

// FixedInterval returns the unbounded fixed-interval policy used by task and
// message streams.
func FixedInterval(interval time.Duration) RetryPolicy {
	if interval <= 0 {
		interval = 5 * time.Second
	}
	return RetryPolicy{Mode: RetryFixed, Interval: interval}
}

// BoundedBackoff returns the capped exponential policy used by the log
// stream.
func BoundedBackoff(base, cap time.Duration, maxAttempts int) RetryPolicy {
	if base <= 0 {
		base = time.Second
	}
	if cap <= 0 {
		cap = 30 * time.Second
	}
	if maxAttempts <= 0 {
		maxAttempts = 5
	}
	return RetryPolicy{Mode: RetryBackoff, Base: base, Cap: cap, MaxAttempts: maxAttempts}
}

// Delay returns how long to wait before the given attempt (1-based).
func (p RetryPolicy) Delay(attempt int) time.Duration {
	switch p.Mode {
	case RetryBackoff:
		return ExponentialBackoff(attempt-1, p.Base, p.Cap)
	default:
		return p.Interval
	}
}

// Exhausted reports whether the policy refuses further attempts after the
// given number of completed attempts.
func (p RetryPolicy) Exhausted(attempts int) bool {
	if p.Mode != RetryBackoff || p.MaxAttempts <= 0 {
		return false
	}
	return attempts >= p.MaxAttempts
}
