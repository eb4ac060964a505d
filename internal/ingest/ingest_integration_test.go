//go:build integration

package ingest

import (
	"context"
	"os"
	"testing"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/darwin-ai/darwin/internal/domain"
	"github.com/darwin-ai/darwin/internal/store"
)

func redisURL() string {
	if v := os.Getenv("REDIS_URL"); v != "" {
		return v
	}
	return "redis://localhost:6379/9"
}

func testStore(t *testing.T) *store.Store {
	t.Helper()
	opts, err := redis.ParseURL(redisURL())
	if err != nil {
		t.Fatalf("parse REDIS_URL: %v", err)
	}
	rdb := redis.NewClient(opts)
	if err := rdb.Ping(context.Background()).Err(); err != nil {
		t.Skipf("redis unavailable at %s: %v", redisURL(), err)
	}
	if err := rdb.FlushDB(context.Background()).Err(); err != nil {
		t.Fatalf("flush test db: %v", err)
	}
	t.Cleanup(func() { rdb.Close() })
	return &store.Store{KV: store.NewKV(rdb), Queue: store.NewQueue(nil, rdb)}
}

// Duplicate ingestion: the same text twice in one batch yields exactly
// one queued outcome, one Signal record, and one embed-queue entry.
func TestIngestDuplicateInOneBatch(t *testing.T) {
	st := testStore(t)
	svc := New(st, nil, nil, 0)
	ctx := context.Background()

	in := Input{Text: "Sync fails", Source: "forum", Product: "joplin"}
	result, err := svc.Ingest(ctx, []Input{in, in})
	if err != nil {
		t.Fatalf("ingest: %v", err)
	}

	if result.Total != 2 || result.Queued != 1 || result.Duplicates != 1 || result.Invalid != 0 {
		t.Fatalf("result = total %d queued %d duplicates %d invalid %d, want 2/1/1/0",
			result.Total, result.Queued, result.Duplicates, result.Invalid)
	}

	hash := domain.ContentHash(domain.Normalize(in.Text))
	keys, err := st.KV.Keys(ctx, "signal:*")
	if err != nil {
		t.Fatalf("keys: %v", err)
	}
	if len(keys) != 1 || keys[0] != "signal:"+hash {
		t.Fatalf("signal keys = %v, want exactly [signal:%s]", keys, hash)
	}

	if n, _ := st.Queue.Len(ctx, store.QueueToEmbed); n != 1 {
		t.Fatalf("embed queue length = %d, want 1", n)
	}
}

func TestIngestDuplicateBumpsLastSeenOnly(t *testing.T) {
	st := testStore(t)
	svc := New(st, nil, nil, 0)
	ctx := context.Background()

	in := Input{Text: "Dark mode resets on restart", Source: "reddit", Product: "joplin"}
	if _, err := svc.Ingest(ctx, []Input{in}); err != nil {
		t.Fatalf("first ingest: %v", err)
	}

	hash := domain.ContentHash(domain.Normalize(in.Text))
	rec, ok, err := st.KV.GetRecord(ctx, "signal:"+hash)
	if err != nil || !ok {
		t.Fatalf("load after first ingest: (%v, %v)", ok, err)
	}
	first := domain.UnmarshalSignal(rec)

	time.Sleep(10 * time.Millisecond)
	result, err := svc.Ingest(ctx, []Input{in})
	if err != nil {
		t.Fatalf("second ingest: %v", err)
	}
	if result.Duplicates != 1 {
		t.Fatalf("second ingest duplicates = %d, want 1", result.Duplicates)
	}

	rec, _, _ = st.KV.GetRecord(ctx, "signal:"+hash)
	second := domain.UnmarshalSignal(rec)
	if !second.FirstSeen.Equal(first.FirstSeen) {
		t.Fatalf("first_seen changed on duplicate: %v -> %v", first.FirstSeen, second.FirstSeen)
	}
	if second.LastSeen.Before(first.LastSeen) {
		t.Fatalf("last_seen went backwards: %v -> %v", first.LastSeen, second.LastSeen)
	}
	if second.Text != first.Text || second.Source != first.Source {
		t.Fatal("duplicate ingest must not overwrite other fields")
	}
}

func TestIngestRejectsInvalidWithoutAbortingBatch(t *testing.T) {
	st := testStore(t)
	svc := New(st, nil, nil, 0)
	ctx := context.Background()

	// One too-short text, one missing product, one valid signal.
	result, err := svc.Ingest(ctx, []Input{
		{Text: "ab", Source: "forum", Product: "joplin"},
		{Text: "Crashes when exporting PDF", Source: "forum", Product: ""},
		{Text: "Crashes when exporting PDF", Source: "forum", Product: "joplin"},
	})
	if err != nil {
		t.Fatalf("ingest: %v", err)
	}
	if result.Invalid != 2 || result.Queued != 1 {
		t.Fatalf("result = invalid %d queued %d, want 2/1", result.Invalid, result.Queued)
	}
	if n, _ := st.Queue.Len(ctx, store.QueueToEmbed); n != 1 {
		t.Fatalf("embed queue length = %d, want 1 (invalid items never enqueue)", n)
	}
}

func TestIngestDelayedHintPastBacklogThreshold(t *testing.T) {
	st := testStore(t)
	svc := New(st, nil, nil, 2)
	ctx := context.Background()

	for _, text := range []string{"first issue report", "second issue report", "third issue report"} {
		if _, err := svc.Ingest(ctx, []Input{{Text: text, Source: "forum", Product: "joplin"}}); err != nil {
			t.Fatalf("ingest %q: %v", text, err)
		}
	}

	result, err := svc.Ingest(ctx, []Input{{Text: "fourth issue report", Source: "forum", Product: "joplin"}})
	if err != nil {
		t.Fatalf("ingest: %v", err)
	}
	if !result.Delayed {
		t.Fatal("backlog past threshold should set delayed=true")
	}
	if result.Queued != 1 {
		t.Fatalf("queued = %d, the batch must still be accepted", result.Queued)
	}
}
