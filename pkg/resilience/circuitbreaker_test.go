package resilience

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/darwin-ai/darwin/pkg/fn"
)

// fakeClock lets tests step through the cooldown without sleeping.
type fakeClock struct{ t time.Time }

func (c *fakeClock) now() time.Time          { return c.t }
func (c *fakeClock) advance(d time.Duration) { c.t = c.t.Add(d) }

func newFakeClock() *fakeClock { return &fakeClock{t: time.Unix(1000, 0)} }

func withClock(b *Breaker, c *fakeClock) *Breaker {
	b.now = c.now
	return b
}

func failing(context.Context) error { return errors.New("downstream fault") }

func TestBreakerStartsClosed(t *testing.T) {
	b := NewBreaker(DefaultBreakerOpts)
	if b.State() != StateClosed {
		t.Fatalf("state = %v, want closed", b.State())
	}
	if err := b.Call(context.Background(), func(context.Context) error { return nil }); err != nil {
		t.Fatalf("Call = %v", err)
	}
}

func TestBreakerTripsAtThreshold(t *testing.T) {
	b := NewBreaker(BreakerOpts{FailThreshold: 3, Timeout: time.Minute})
	ctx := context.Background()
	for i := 0; i < 3; i++ {
		if err := b.Call(ctx, failing); errors.Is(err, ErrCircuitOpen) {
			t.Fatalf("call %d rejected before threshold", i)
		}
	}
	if b.State() != StateOpen {
		t.Fatalf("state = %v, want open after 3 failures", b.State())
	}
	if err := b.Call(ctx, failing); !errors.Is(err, ErrCircuitOpen) {
		t.Fatalf("err = %v, want ErrCircuitOpen", err)
	}
}

func TestBreakerSuccessResetsFailureStreak(t *testing.T) {
	b := NewBreaker(BreakerOpts{FailThreshold: 2, Timeout: time.Minute})
	ctx := context.Background()
	b.Call(ctx, failing)
	b.Call(ctx, func(context.Context) error { return nil })
	b.Call(ctx, failing)
	if b.State() != StateClosed {
		t.Fatal("interleaved success should keep the breaker closed")
	}
}

func TestBreakerHalfOpenProbeRecovers(t *testing.T) {
	clock := newFakeClock()
	b := withClock(NewBreaker(BreakerOpts{FailThreshold: 1, Timeout: 10 * time.Second}), clock)
	ctx := context.Background()

	b.Call(ctx, failing)
	if b.State() != StateOpen {
		t.Fatal("want open after tripping")
	}

	clock.advance(11 * time.Second)
	if b.State() != StateHalfOpen {
		t.Fatalf("state = %v, want half-open after cooldown", b.State())
	}
	if err := b.Call(ctx, func(context.Context) error { return nil }); err != nil {
		t.Fatalf("probe failed: %v", err)
	}
	if b.State() != StateClosed {
		t.Fatal("successful probe should close the breaker")
	}
}

func TestBreakerHalfOpenProbeFailureReopens(t *testing.T) {
	clock := newFakeClock()
	b := withClock(NewBreaker(BreakerOpts{FailThreshold: 1, Timeout: 10 * time.Second}), clock)
	ctx := context.Background()

	b.Call(ctx, failing)
	clock.advance(11 * time.Second)
	b.Call(ctx, failing)
	if b.State() != StateOpen {
		t.Fatal("failed probe should reopen the breaker")
	}
	if err := b.Call(ctx, failing); !errors.Is(err, ErrCircuitOpen) {
		t.Fatal("reopened breaker should reject immediately")
	}
}

func TestBreakerHalfOpenProbeBudget(t *testing.T) {
	clock := newFakeClock()
	b := withClock(NewBreaker(BreakerOpts{FailThreshold: 1, Timeout: time.Second, HalfOpenMax: 1}), clock)
	ctx := context.Background()

	b.Call(ctx, failing)
	clock.advance(2 * time.Second)

	// First probe is admitted; a second in the same window is not.
	started := make(chan struct{})
	release := make(chan struct{})
	go b.Call(ctx, func(context.Context) error {
		close(started)
		<-release
		return nil
	})
	<-started
	if err := b.Call(ctx, failing); !errors.Is(err, ErrCircuitOpen) {
		t.Fatalf("second probe err = %v, want ErrCircuitOpen", err)
	}
	close(release)
}

func TestCallResultPassesValueThrough(t *testing.T) {
	b := NewBreaker(DefaultBreakerOpts)
	r := CallResult(b, context.Background(), func(context.Context) fn.Result[string] {
		return fn.Ok("payload")
	})
	v, err := r.Unwrap()
	if err != nil || v != "payload" {
		t.Fatalf("CallResult = (%q, %v)", v, err)
	}
}

func TestCallResultRejectsWhenOpen(t *testing.T) {
	b := NewBreaker(BreakerOpts{FailThreshold: 1, Timeout: time.Minute})
	ctx := context.Background()
	b.Call(ctx, failing)

	called := false
	r := CallResult(b, ctx, func(context.Context) fn.Result[int] {
		called = true
		return fn.Ok(1)
	})
	if called {
		t.Fatal("function must not run while the breaker is open")
	}
	if _, err := r.Unwrap(); !errors.Is(err, ErrCircuitOpen) {
		t.Fatalf("err = %v, want ErrCircuitOpen", err)
	}
}

func TestCallResultFailureTrips(t *testing.T) {
	b := NewBreaker(BreakerOpts{FailThreshold: 2, Timeout: time.Minute})
	ctx := context.Background()
	for i := 0; i < 2; i++ {
		CallResult(b, ctx, func(context.Context) fn.Result[int] {
			return fn.Err[int](errors.New("bad reply"))
		})
	}
	if b.State() != StateOpen {
		t.Fatal("typed failures should trip the breaker like plain errors")
	}
}

func TestStateString(t *testing.T) {
	cases := map[State]string{
		StateClosed:   "closed",
		StateOpen:     "open",
		StateHalfOpen: "half-open",
		State(99):     "unknown",
	}
	for s, want := range cases {
		if s.String() != want {
			t.Errorf("State(%d).String() = %q, want %q", int(s), s.String(), want)
		}
	}
}
