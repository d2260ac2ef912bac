package crawler

import (
	"context"
	"errors"
	"time"
)

// RetryPolicy decides whether and when a failed page job runs again.
type RetryPolicy interface {
	ShouldRetry(err error, attempt int) bool
	Backoff(attempt int) time.Duration
}

// FixedBackoffPolicy retries transient failures on a fixed delay table.
type FixedBackoffPolicy struct {
	maxAttempts int
	schedule    []time.Duration
}

// NewFixedBackoffPolicy builds the default policy: three attempts backed
// off at 1s, 5s, 30s.
func NewFixedBackoffPolicy() *FixedBackoffPolicy {
	return &FixedBackoffPolicy{
		maxAttempts: 3,
		schedule:    []time.Duration{time.Second, 5 * time.Second, 30 * time.Second},
	}
}

// MaxAttempts reports the attempt ceiling before a job fails permanently.
func (p *FixedBackoffPolicy) MaxAttempts() int { return p.maxAttempts }

// ShouldRetry reports whether the error deserves another attempt.
// Structural and security failures never retry; neither does a cancelled
// context.
func (p *FixedBackoffPolicy) ShouldRetry(err error, attempt int) bool {
	if err == nil {
		return false
	}
	if attempt >= p.maxAttempts {
		return false
	}
	if errors.Is(err, context.Canceled) {
		return false
	}
	return KindOf(err) == KindTransient
}

// Backoff returns the delay before the given attempt number (1-based)
// runs again, clamped to the last table entry.
func (p *FixedBackoffPolicy) Backoff(attempt int) time.Duration {
	if attempt < 1 {
		attempt = 1
	}
	idx := attempt - 1
	if idx >= len(p.schedule) {
		idx = len(p.schedule) - 1
	}
	return p.schedule[idx]
}
