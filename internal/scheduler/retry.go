package scheduler

import (
	"crypto/rand"
	"math"
	"math/big"
	"time"
)

// RetryPolicy bounds attempts and spaces retries exponentially with jitter.
type RetryPolicy struct {
	MaxAttempts int
	BaseDelay   time.Duration
	MaxDelay    time.Duration
}

// NewRetryPolicy builds a policy, filling zero values with defaults.
func NewRetryPolicy(maxAttempts int, base, maxDelay time.Duration) RetryPolicy {
	if maxAttempts <= 0 {
		maxAttempts = 3
	}
	if base <= 0 {
		base = time.Second
	}
	if maxDelay < base {
		maxDelay = 5 * time.Minute
	}
	return RetryPolicy{MaxAttempts: maxAttempts, BaseDelay: base, MaxDelay: maxDelay}
}

// Exhausted reports whether a job that has failed attempt times may not retry.
func (p RetryPolicy) Exhausted(attempt int) bool {
	return attempt >= p.MaxAttempts
}

// Backoff returns the delay before retry number attempt (1-based): the base
// delay doubled per attempt, capped, with the upper half jittered.
func (p RetryPolicy) Backoff(attempt int) time.Duration {
	if attempt < 1 {
		attempt = 1
	}
	delay := float64(p.BaseDelay) * math.Pow(2, float64(attempt-1))
	if delay > float64(p.MaxDelay) {
		delay = float64(p.MaxDelay)
	}
	half := time.Duration(delay / 2)
	return half + randomJitter(half)
}

func randomJitter(limit time.Duration) time.Duration {
	if limit <= 0 {
		return 0
	}
	n, err := rand.Int(rand.Reader, big.NewInt(int64(limit)))
	if err != nil {
		return limit / 2
	}
	return time.Duration(n.Int64())
}
