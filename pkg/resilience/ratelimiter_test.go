package resilience

import (
	"context"
	"testing"
	"time"
)

func limiterWithClock(opts LimiterOpts, c *fakeClock) *Limiter {
	l := NewLimiter(opts)
	l.now = c.now
	return l
}

func TestLimiterBurstThenEmpty(t *testing.T) {
	clock := newFakeClock()
	l := limiterWithClock(LimiterOpts{Rate: 1, Burst: 3}, clock)
	for i := 0; i < 3; i++ {
		if !l.Allow() {
			t.Fatalf("allow %d should succeed within burst", i)
		}
	}
	if l.Allow() {
		t.Fatal("fourth allow should fail on an empty bucket")
	}
}

func TestLimiterRefillsOverTime(t *testing.T) {
	clock := newFakeClock()
	l := limiterWithClock(LimiterOpts{Rate: 2, Burst: 1}, clock)
	if !l.Allow() {
		t.Fatal("initial token missing")
	}
	if l.Allow() {
		t.Fatal("bucket should be empty")
	}
	clock.advance(500 * time.Millisecond) // one token at 2/s
	if !l.Allow() {
		t.Fatal("token should have refilled after 500ms")
	}
}

func TestLimiterRefillCapsAtBurst(t *testing.T) {
	clock := newFakeClock()
	l := limiterWithClock(LimiterOpts{Rate: 100, Burst: 2}, clock)
	l.Allow()
	clock.advance(time.Hour)
	for i := 0; i < 2; i++ {
		if !l.Allow() {
			t.Fatalf("allow %d should succeed, bucket refilled to burst", i)
		}
	}
	if l.Allow() {
		t.Fatal("refill must not exceed burst capacity")
	}
}

func TestLimiterZeroBurstRaisedToOne(t *testing.T) {
	l := NewLimiter(LimiterOpts{Rate: 1})
	if !l.Allow() {
		t.Fatal("burst 0 should still admit one call")
	}
}

func TestWaitReturnsOnCancel(t *testing.T) {
	l := NewLimiter(LimiterOpts{Rate: 0.001, Burst: 1})
	l.Allow() // drain

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	if err := l.Wait(ctx); err == nil {
		t.Fatal("Wait should fail once the context expires")
	}
}

func TestWaitBlocksUntilRefill(t *testing.T) {
	l := NewLimiter(LimiterOpts{Rate: 50, Burst: 1})
	l.Allow() // drain; next token in ~20ms

	start := time.Now()
	if err := l.Wait(context.Background()); err != nil {
		t.Fatalf("Wait = %v", err)
	}
	if elapsed := time.Since(start); elapsed > time.Second {
		t.Fatalf("Wait took %v, expected a short refill wait", elapsed)
	}
}
