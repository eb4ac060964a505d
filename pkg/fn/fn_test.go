package fn

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"
	"time"
)

func TestResultOk(t *testing.T) {
	r := Ok("hello")
	if !r.IsOk() || r.IsErr() {
		t.Fatal("Ok result should report ok")
	}
	v, err := r.Unwrap()
	if v != "hello" || err != nil {
		t.Fatalf("Unwrap = (%q, %v)", v, err)
	}
}

func TestResultErr(t *testing.T) {
	boom := errors.New("boom")
	r := Err[int](boom)
	if r.IsOk() || !r.IsErr() {
		t.Fatal("Err result should report err")
	}
	if _, err := r.Unwrap(); !errors.Is(err, boom) {
		t.Fatalf("Unwrap err = %v", err)
	}
	if got := r.UnwrapOr(11); got != 11 {
		t.Fatalf("UnwrapOr = %d", got)
	}
}

func TestResultZeroValueIsOk(t *testing.T) {
	var r Result[int]
	if !r.IsOk() {
		t.Fatal("zero Result should be an empty Ok")
	}
}

func TestFromPair(t *testing.T) {
	if r := FromPair(5, nil); r.IsErr() {
		t.Fatal("nil error should produce Ok")
	}
	if r := FromPair(0, errors.New("x")); r.IsOk() {
		t.Fatal("non-nil error should produce Err")
	}
}

func TestRetrySucceedsAfterFailures(t *testing.T) {
	calls := 0
	r := Retry(context.Background(), RetryOpts{MaxAttempts: 5, InitialWait: time.Millisecond, MaxWait: 10 * time.Millisecond},
		func(context.Context) Result[int] {
			calls++
			if calls < 3 {
				return Err[int](errors.New("transient"))
			}
			return Ok(calls)
		})
	v, err := r.Unwrap()
	if err != nil || v != 3 {
		t.Fatalf("Retry = (%d, %v), want (3, nil)", v, err)
	}
	if calls != 3 {
		t.Fatalf("calls = %d, want 3", calls)
	}
}

func TestRetryExhaustsBudget(t *testing.T) {
	boom := errors.New("still down")
	calls := 0
	r := Retry(context.Background(), RetryOpts{MaxAttempts: 3, InitialWait: time.Millisecond, MaxWait: 5 * time.Millisecond},
		func(context.Context) Result[int] {
			calls++
			return Err[int](boom)
		})
	if _, err := r.Unwrap(); !errors.Is(err, boom) {
		t.Fatalf("err = %v, want last failure", err)
	}
	if calls != 3 {
		t.Fatalf("calls = %d, want 3", calls)
	}
}

func TestRetryHonorsCancellation(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	calls := 0
	r := Retry(ctx, RetryOpts{MaxAttempts: 10, InitialWait: time.Hour, MaxWait: time.Hour},
		func(context.Context) Result[int] {
			calls++
			cancel()
			return Err[int](errors.New("fail"))
		})
	if _, err := r.Unwrap(); !errors.Is(err, context.Canceled) {
		t.Fatalf("err = %v, want context.Canceled", err)
	}
	if calls != 1 {
		t.Fatalf("calls = %d, want 1 (no retry after cancel)", calls)
	}
}

func TestRetryZeroAttemptsStillCallsOnce(t *testing.T) {
	calls := 0
	Retry(context.Background(), RetryOpts{}, func(context.Context) Result[int] {
		calls++
		return Ok(0)
	})
	if calls != 1 {
		t.Fatalf("calls = %d, want 1", calls)
	}
}

func TestBackoffDoublesAndCaps(t *testing.T) {
	opts := RetryOpts{InitialWait: 100 * time.Millisecond, MaxWait: 300 * time.Millisecond}
	cases := []struct {
		attempt int
		want    time.Duration
	}{
		{1, 100 * time.Millisecond},
		{2, 200 * time.Millisecond},
		{3, 300 * time.Millisecond},
		{4, 300 * time.Millisecond},
	}
	for _, c := range cases {
		if got := backoff(opts, c.attempt); got != c.want {
			t.Errorf("backoff(attempt=%d) = %v, want %v", c.attempt, got, c.want)
		}
	}
}

func TestBackoffJitterStaysUnderCap(t *testing.T) {
	opts := RetryOpts{InitialWait: 100 * time.Millisecond, MaxWait: 150 * time.Millisecond, Jitter: true}
	for i := 0; i < 100; i++ {
		if got := backoff(opts, 5); got > opts.MaxWait {
			t.Fatalf("jittered backoff %v exceeds cap %v", got, opts.MaxWait)
		}
	}
}

func TestParMapPreservesOrder(t *testing.T) {
	in := []int{5, 4, 3, 2, 1}
	out := ParMap(in, 2, func(v int) int { return v * 10 })
	for i, v := range out {
		if v != in[i]*10 {
			t.Fatalf("out[%d] = %d, want %d", i, v, in[i]*10)
		}
	}
}

func TestParMapBoundsConcurrency(t *testing.T) {
	var active, peak int64
	in := make([]int, 50)
	ParMap(in, 4, func(int) int {
		n := atomic.AddInt64(&active, 1)
		for {
			p := atomic.LoadInt64(&peak)
			if n <= p || atomic.CompareAndSwapInt64(&peak, p, n) {
				break
			}
		}
		time.Sleep(time.Millisecond)
		atomic.AddInt64(&active, -1)
		return 0
	})
	if p := atomic.LoadInt64(&peak); p > 4 {
		t.Fatalf("peak concurrency %d exceeds worker bound 4", p)
	}
}

func TestParMapEmptyInput(t *testing.T) {
	out := ParMap(nil, 3, func(v int) int { return v })
	if len(out) != 0 {
		t.Fatalf("len = %d, want 0", len(out))
	}
}

func TestParMapUnboundedWorkers(t *testing.T) {
	out := ParMap([]int{1, 2, 3}, 0, func(v int) int { return v + 1 })
	if out[0] != 2 || out[1] != 3 || out[2] != 4 {
		t.Fatalf("out = %v", out)
	}
}
