// Package ratelimit implements the token bucket throttle shared by all outbound fetches.
package ratelimit

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"golang.org/x/time/rate"
)

// ErrRateLimited is returned by TryAcquire when no token is available.
var ErrRateLimited = errors.New("rate limited")

// ErrAcquireTimeout is returned by Acquire when the token did not arrive in time.
var ErrAcquireTimeout = errors.New("rate limit acquire timed out")

// Config holds token bucket parameters.
type Config struct {
	// Rate is the refill rate in tokens per second.
	Rate float64
	// Burst is the bucket capacity.
	Burst int
}

// Limiter is a token bucket with blocking and non-blocking acquisition.
// Blocked callers are served in arrival order as tokens refill.
type Limiter struct {
	limiter *rate.Limiter

	mu               sync.Mutex
	waiting          int
	totalRequests    uint64
	totalAcquired    uint64
	totalTimeouts    uint64
	totalRateLimited uint64
	totalWait        time.Duration
}

// Stats is a point-in-time snapshot of limiter state and counters.
type Stats struct {
	TokensAvailable  float64
	Waiting          int
	TotalRequests    uint64
	TotalAcquired    uint64
	TotalTimeouts    uint64
	TotalRateLimited uint64
	AvgWait          time.Duration
}

// New creates a Limiter. A non-positive rate disables throttling and a
// non-positive burst is clamped to 1.
func New(cfg Config) *Limiter {
	r := rate.Limit(cfg.Rate)
	if cfg.Rate <= 0 {
		r = rate.Inf
	}
	burst := cfg.Burst
	if burst <= 0 {
		burst = 1
	}
	return &Limiter{
		limiter: rate.NewLimiter(r, burst),
	}
}

// Acquire blocks until a token is available or ctx ends. A deadline hit maps
// to ErrAcquireTimeout; plain cancellation is passed through.
func (l *Limiter) Acquire(ctx context.Context) error {
	start := time.Now()

	l.mu.Lock()
	l.totalRequests++
	l.waiting++
	l.mu.Unlock()

	err := l.limiter.Wait(ctx)
	waited := time.Since(start)

	l.mu.Lock()
	l.waiting--
	switch {
	case err == nil:
		l.totalAcquired++
		l.totalWait += waited
	case !errors.Is(ctx.Err(), context.Canceled):
		l.totalTimeouts++
	}
	l.mu.Unlock()

	if err != nil {
		if errors.Is(ctx.Err(), context.Canceled) {
			return fmt.Errorf("rate limit wait: %w", err)
		}
		return fmt.Errorf("rate limit wait after %s: %w", waited.Round(time.Millisecond), ErrAcquireTimeout)
	}
	return nil
}

// AcquireTimeout is Acquire bounded by an explicit timeout.
func (l *Limiter) AcquireTimeout(ctx context.Context, timeout time.Duration) error {
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()
	return l.Acquire(ctx)
}

// TryAcquire takes a token without blocking, returning ErrRateLimited when
// the bucket is empty.
func (l *Limiter) TryAcquire() error {
	ok := l.limiter.Allow()

	l.mu.Lock()
	l.totalRequests++
	if ok {
		l.totalAcquired++
	} else {
		l.totalRateLimited++
	}
	l.mu.Unlock()

	if !ok {
		return ErrRateLimited
	}
	return nil
}

// Stats reports available tokens, queue depth, and cumulative counters.
func (l *Limiter) Stats() Stats {
	tokens := l.limiter.Tokens()

	l.mu.Lock()
	defer l.mu.Unlock()

	s := Stats{
		TokensAvailable:  tokens,
		Waiting:          l.waiting,
		TotalRequests:    l.totalRequests,
		TotalAcquired:    l.totalAcquired,
		TotalTimeouts:    l.totalTimeouts,
		TotalRateLimited: l.totalRateLimited,
	}
	if l.totalAcquired > 0 {
		s.AvgWait = l.totalWait / time.Duration(l.totalAcquired)
	}
	return s
}
