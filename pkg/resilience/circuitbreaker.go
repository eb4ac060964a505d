// Package resilience guards outbound provider calls with a circuit
// breaker and a token-bucket rate limiter.
package resilience

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/darwin-ai/darwin/pkg/fn"
)

// ErrCircuitOpen is returned without calling the wrapped function while
// the breaker is rejecting traffic.
var ErrCircuitOpen = errors.New("circuit breaker is open")

// State is the breaker's admission mode.
type State int

const (
	StateClosed   State = iota // passing all calls
	StateOpen                  // rejecting until the cooldown deadline
	StateHalfOpen              // passing a limited number of probes
)

func (s State) String() string {
	switch s {
	case StateClosed:
		return "closed"
	case StateOpen:
		return "open"
	case StateHalfOpen:
		return "half-open"
	}
	return "unknown"
}

// BreakerOpts tunes when the breaker trips and recovers.
type BreakerOpts struct {
	// FailThreshold is the consecutive-failure count that opens the
	// breaker from closed.
	FailThreshold int
	// Timeout is how long an open breaker rejects before letting
	// probes through.
	Timeout time.Duration
	// HalfOpenMax bounds concurrent-window probes while half-open.
	HalfOpenMax int
}

// DefaultBreakerOpts trips after 5 straight failures and probes once
// per 30s cooldown.
var DefaultBreakerOpts = BreakerOpts{
	FailThreshold: 5,
	Timeout:       30 * time.Second,
	HalfOpenMax:   1,
}

// Breaker is a closed/open/half-open circuit breaker. The zero value is
// not usable; construct with NewBreaker.
type Breaker struct {
	mu     sync.Mutex
	opts   BreakerOpts
	state  State
	fails  int       // consecutive failures while closed
	until  time.Time // cooldown deadline while open
	probes int       // probes admitted while half-open
	now    func() time.Time
}

// NewBreaker builds a Breaker, substituting defaults for any
// non-positive option.
func NewBreaker(opts BreakerOpts) *Breaker {
	if opts.FailThreshold <= 0 {
		opts.FailThreshold = DefaultBreakerOpts.FailThreshold
	}
	if opts.Timeout <= 0 {
		opts.Timeout = DefaultBreakerOpts.Timeout
	}
	if opts.HalfOpenMax <= 0 {
		opts.HalfOpenMax = DefaultBreakerOpts.HalfOpenMax
	}
	return &Breaker{opts: opts, now: time.Now}
}

// State reports the current admission mode, applying the open→half-open
// cooldown transition first.
func (b *Breaker) State() State {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.mode()
}

// mode returns the state after any elapsed cooldown. Callers hold mu.
func (b *Breaker) mode() State {
	if b.state == StateOpen && !b.now().Before(b.until) {
		b.state = StateHalfOpen
		b.probes = 0
	}
	return b.state
}

// admit decides whether one call may proceed. Callers hold mu.
func (b *Breaker) admit() error {
	switch b.mode() {
	case StateOpen:
		return ErrCircuitOpen
	case StateHalfOpen:
		if b.probes >= b.opts.HalfOpenMax {
			return ErrCircuitOpen
		}
		b.probes++
	}
	return nil
}

// settle records a call outcome. Callers hold mu.
func (b *Breaker) settle(failed bool) {
	if !failed {
		b.state = StateClosed
		b.fails = 0
		return
	}
	b.fails++
	if b.state == StateHalfOpen || b.fails >= b.opts.FailThreshold {
		b.state = StateOpen
		b.until = b.now().Add(b.opts.Timeout)
		b.fails = 0
	}
}

// Call runs f unless the breaker is rejecting, and feeds the outcome
// back into the trip state. The error from f is returned unchanged.
func (b *Breaker) Call(ctx context.Context, f func(context.Context) error) error {
	b.mu.Lock()
	if err := b.admit(); err != nil {
		b.mu.Unlock()
		return err
	}
	b.mu.Unlock()

	err := f(ctx)

	b.mu.Lock()
	b.settle(err != nil)
	b.mu.Unlock()
	return err
}

// CallResult is Call for functions returning a typed fn.Result.
func CallResult[T any](b *Breaker, ctx context.Context, f func(context.Context) fn.Result[T]) fn.Result[T] {
	var out fn.Result[T]
	ran := false
	err := b.Call(ctx, func(ctx context.Context) error {
		ran = true
		out = f(ctx)
		_, e := out.Unwrap()
		return e
	})
	if !ran {
		return fn.Err[T](err)
	}
	return out
}
