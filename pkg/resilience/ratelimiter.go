package resilience

import (
	"context"
	"sync"
	"time"
)

// LimiterOpts sizes the token bucket.
type LimiterOpts struct {
	// Rate is tokens replenished per second.
	Rate float64
	// Burst is the bucket capacity; admissions beyond it must wait
	// for refill.
	Burst int
}

// Limiter is a token-bucket rate limiter. Construct with NewLimiter.
type Limiter struct {
	mu     sync.Mutex
	rate   float64
	burst  float64
	tokens float64
	stamp  time.Time
	now    func() time.Time
}

// NewLimiter builds a full bucket. A non-positive burst is raised to 1.
func NewLimiter(opts LimiterOpts) *Limiter {
	burst := opts.Burst
	if burst <= 0 {
		burst = 1
	}
	return &Limiter{
		rate:   opts.Rate,
		burst:  float64(burst),
		tokens: float64(burst),
		now:    time.Now,
	}
}

// take refills the bucket for elapsed time, then either spends one
// token or reports how long until one is available. Callers hold mu.
func (l *Limiter) take() (ok bool, wait time.Duration) {
	now := l.now()
	if !l.stamp.IsZero() {
		l.tokens += now.Sub(l.stamp).Seconds() * l.rate
		if l.tokens > l.burst {
			l.tokens = l.burst
		}
	}
	l.stamp = now
	if l.tokens >= 1 {
		l.tokens--
		return true, 0
	}
	if l.rate <= 0 {
		return false, time.Hour
	}
	return false, time.Duration((1 - l.tokens) / l.rate * float64(time.Second))
}

// Allow spends a token if one is available, without blocking.
func (l *Limiter) Allow() bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	ok, _ := l.take()
	return ok
}

// Wait blocks until a token is spent or ctx ends.
func (l *Limiter) Wait(ctx context.Context) error {
	for {
		l.mu.Lock()
		ok, wait := l.take()
		l.mu.Unlock()
		if ok {
			return nil
		}
		if wait < time.Millisecond {
			wait = time.Millisecond
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(wait):
		}
	}
}
