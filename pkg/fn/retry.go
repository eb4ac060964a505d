package fn

import (
	"context"
	"math/rand"
	"time"
)

// RetryOpts bounds a Retry loop.
type RetryOpts struct {
	// MaxAttempts counts the first call too; 3 means one call and up
	// to two retries.
	MaxAttempts int
	// InitialWait is the delay before the first retry; it doubles
	// after every failed attempt.
	InitialWait time.Duration
	// MaxWait caps the doubling.
	MaxWait time.Duration
	// Jitter randomizes each wait to between 50% and 150% of its
	// nominal value, so concurrent workers don't retry in lockstep.
	Jitter bool
}

// DefaultRetry is a conservative schedule for transient provider faults.
var DefaultRetry = RetryOpts{
	MaxAttempts: 3,
	InitialWait: time.Second,
	MaxWait:     30 * time.Second,
	Jitter:      true,
}

// Retry calls f until it succeeds, the attempt budget runs out, or ctx
// is cancelled. The last Result is returned; on cancellation mid-wait
// the ctx error wins.
func Retry[T any](ctx context.Context, opts RetryOpts, f func(context.Context) Result[T]) Result[T] {
	if opts.MaxAttempts < 1 {
		opts.MaxAttempts = 1
	}
	var last Result[T]
	for attempt := 1; attempt <= opts.MaxAttempts; attempt++ {
		last = f(ctx)
		if last.IsOk() || attempt == opts.MaxAttempts {
			return last
		}
		select {
		case <-ctx.Done():
			return Err[T](ctx.Err())
		case <-time.After(backoff(opts, attempt)):
		}
	}
	return last
}

// backoff computes the wait after the attempt-th failure (1-based).
func backoff(opts RetryOpts, attempt int) time.Duration {
	wait := opts.InitialWait
	for i := 1; i < attempt; i++ {
		wait *= 2
		if wait >= opts.MaxWait {
			wait = opts.MaxWait
			break
		}
	}
	if opts.Jitter {
		wait = time.Duration(float64(wait) * (0.5 + rand.Float64()))
	}
	if wait > opts.MaxWait {
		wait = opts.MaxWait
	}
	return wait
}
