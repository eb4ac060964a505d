//go:build integration

package embedworker

import (
	"context"
	"math"
	"os"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"

	"github.com/darwin-ai/darwin/internal/cluster"
	"github.com/darwin-ai/darwin/internal/config"
	"github.com/darwin-ai/darwin/internal/domain"
	"github.com/darwin-ai/darwin/internal/store"
)

const testDim = 4

func envOr(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}

// stubEmbedder returns a fixed vector per normalized text, so tests can
// place each signal at an exact cosine distance from a seeded centroid.
type stubEmbedder struct {
	byText map[string][]float32
}

func (s stubEmbedder) Embed(_ context.Context, text string) ([]float32, error) {
	return s.byText[text], nil
}

func (s stubEmbedder) Dim() int { return testDim }

func testBackends(t *testing.T) *store.Store {
	t.Helper()

	opts, err := redis.ParseURL(envOr("REDIS_URL", "redis://localhost:6379/9"))
	if err != nil {
		t.Fatalf("parse REDIS_URL: %v", err)
	}
	rdb := redis.NewClient(opts)
	ctx := context.Background()
	if err := rdb.Ping(ctx).Err(); err != nil {
		t.Skipf("redis unavailable: %v", err)
	}
	if err := rdb.FlushDB(ctx).Err(); err != nil {
		t.Fatalf("flush test db: %v", err)
	}
	t.Cleanup(func() { rdb.Close() })

	topics, err := store.NewVectorIndex(envOr("QDRANT_URL", "localhost:6334"), "test_darwin_topics")
	if err != nil {
		t.Fatalf("qdrant connect: %v", err)
	}
	if err := topics.EnsureCollection(ctx, testDim); err != nil {
		t.Skipf("qdrant unavailable: %v", err)
	}
	t.Cleanup(func() {
		topics.DeleteCollection(context.Background())
		topics.Close()
	})

	return &store.Store{KV: store.NewKV(rdb), Queue: store.NewQueue(nil, rdb), Topics: topics}
}

func testConfig() config.Config {
	return config.Config{
		ClusterThresholdHigh: 0.75,
		ClusterThresholdLow:  0.60,
		EmbedTimeout:         5 * time.Second,
		EmbedMaxRetries:      2,
		EmbedRetryBaseWait:   time.Millisecond,
		EmbedRetryMaxWait:    10 * time.Millisecond,
		PollInterval:         100 * time.Millisecond,
	}
}

func unit(v []float32) []float32 {
	var sumSq float64
	for _, f := range v {
		sumSq += float64(f) * float64(f)
	}
	norm := math.Sqrt(sumSq)
	out := make([]float32, len(v))
	for i, f := range v {
		out[i] = float32(float64(f) / norm)
	}
	return out
}

func seedTopic(t *testing.T, st *store.Store, product string, centroid []float32) string {
	t.Helper()
	ctx := context.Background()
	id := uuid.New().String()
	now := time.Now().UTC()
	topic := domain.Topic{
		ID:          id,
		Title:       "seeded topic",
		Status:      domain.TopicOpen,
		Product:     product,
		SignalCount: 1,
		Centroid:    centroid,
		CreatedAt:   now,
		UpdatedAt:   now,
	}
	if err := st.KV.PutRecord(ctx, topic.Key(), topic.MarshalRecord()); err != nil {
		t.Fatalf("seed topic record: %v", err)
	}
	if err := st.Topics.Upsert(ctx, []store.VectorRecord{{
		ID:        id,
		Embedding: centroid,
		Payload: map[string]string{
			"status":       string(domain.TopicOpen),
			"product":      product,
			"created_at":   domain.FormatTime(now),
			"signal_count": "1",
		},
	}}); err != nil {
		t.Fatalf("seed topic index: %v", err)
	}
	return id
}

func seedSignal(t *testing.T, st *store.Store, product, text string) (hash, normalized string) {
	t.Helper()
	normalized = domain.Normalize(text)
	hash = domain.ContentHash(normalized)
	sig := domain.Signal{
		Hash:       hash,
		Text:       text,
		Normalized: normalized,
		Source:     "forum",
		Product:    product,
		FirstSeen:  time.Now().UTC(),
		LastSeen:   time.Now().UTC(),
	}
	if err := st.KV.PutRecord(context.Background(), sig.Key(), sig.MarshalRecord()); err != nil {
		t.Fatalf("seed signal: %v", err)
	}
	return hash, normalized
}

// Attach: a signal at cosine ~0.95 from the only open topic joins it,
// bumping signal_count and moving the centroid to the normalized mean.
func TestProcessAttachesToNearbyTopic(t *testing.T) {
	st := testBackends(t)
	ctx := context.Background()
	cfg := testConfig()

	centroid := []float32{1, 0, 0, 0}
	topicID := seedTopic(t, st, "joplin", centroid)

	hash, normalized := seedSignal(t, st, "joplin", "Sync fails after the latest android update")
	v := unit([]float32{0.95, 0.31, 0, 0})

	w := New(st, stubEmbedder{byText: map[string][]float32{normalized: v}}, cluster.New(st, cfg, nil), cfg, nil, nil)
	w.process(ctx, store.Envelope{Value: hash})

	rec, ok, err := st.KV.GetRecord(ctx, "signal:"+hash)
	if err != nil || !ok {
		t.Fatalf("load signal: (%v, %v)", ok, err)
	}
	if got := domain.UnmarshalSignal(rec).TopicID; got != topicID {
		t.Fatalf("signal topic_id = %q, want %q", got, topicID)
	}

	trec, _, _ := st.KV.GetRecord(ctx, "topic:"+topicID)
	topic := domain.UnmarshalTopic(trec)
	if topic.SignalCount != 2 {
		t.Fatalf("signal_count = %d, want 2", topic.SignalCount)
	}

	want := unit([]float32{(centroid[0] + v[0]) / 2, (centroid[1] + v[1]) / 2, (centroid[2] + v[2]) / 2, (centroid[3] + v[3]) / 2})
	for i := range want {
		if math.Abs(float64(topic.Centroid[i]-want[i])) > 1e-5 {
			t.Fatalf("centroid[%d] = %v, want %v (normalized mean)", i, topic.Centroid[i], want[i])
		}
	}

	if n, _ := st.Queue.Len(ctx, store.QueueToClassify); n != 0 {
		t.Fatalf("classify queue length = %d, attach must not enqueue classification", n)
	}
}

// Triage: a signal whose best neighbor sits in the ambiguous band is
// parked on queue:triage with no topic mutation.
func TestProcessTriagesAmbiguousSignal(t *testing.T) {
	st := testBackends(t)
	ctx := context.Background()
	cfg := testConfig()

	topicID := seedTopic(t, st, "obsidian", []float32{1, 0, 0, 0})

	hash, normalized := seedSignal(t, st, "obsidian", "Graph view occasionally feels sluggish")
	v := unit([]float32{0.65, float32(math.Sqrt(1 - 0.65*0.65)), 0, 0}) // cosine 0.65 vs the centroid

	w := New(st, stubEmbedder{byText: map[string][]float32{normalized: v}}, cluster.New(st, cfg, nil), cfg, nil, nil)
	w.process(ctx, store.Envelope{Value: hash})

	rec, _, _ := st.KV.GetRecord(ctx, "signal:"+hash)
	if got := domain.UnmarshalSignal(rec).TopicID; got != "" {
		t.Fatalf("signal topic_id = %q, want empty on triage", got)
	}

	trec, _, _ := st.KV.GetRecord(ctx, "topic:"+topicID)
	if topic := domain.UnmarshalTopic(trec); topic.SignalCount != 1 {
		t.Fatalf("signal_count = %d, triage must not mutate the topic", topic.SignalCount)
	}

	env, err := st.Queue.Pop(ctx, store.QueueTriage, time.Second)
	if err != nil {
		t.Fatalf("pop triage queue: %v", err)
	}
	if env.Value != hash {
		t.Fatalf("triage entry = %q, want %q", env.Value, hash)
	}
}

// New topic: a signal with no neighbor above either threshold promotes a
// fresh topic and enqueues it for classification.
func TestProcessPromotesNewTopic(t *testing.T) {
	st := testBackends(t)
	ctx := context.Background()
	cfg := testConfig()

	hash, normalized := seedSignal(t, st, "logseq", "Export to org-mode drops nested blocks")
	v := unit([]float32{0, 0, 1, 0})

	w := New(st, stubEmbedder{byText: map[string][]float32{normalized: v}}, cluster.New(st, cfg, nil), cfg, nil, nil)
	w.process(ctx, store.Envelope{Value: hash})

	rec, _, _ := st.KV.GetRecord(ctx, "signal:"+hash)
	topicID := domain.UnmarshalSignal(rec).TopicID
	if topicID == "" {
		t.Fatal("signal topic_id empty, want a freshly promoted topic")
	}

	trec, ok, err := st.KV.GetRecord(ctx, "topic:"+topicID)
	if err != nil || !ok {
		t.Fatalf("load new topic: (%v, %v)", ok, err)
	}
	topic := domain.UnmarshalTopic(trec)
	if topic.SignalCount != 1 || topic.Status != domain.TopicOpen {
		t.Fatalf("new topic = count %d status %q, want 1/open", topic.SignalCount, topic.Status)
	}

	env, err := st.Queue.Pop(ctx, store.QueueToClassify, time.Second)
	if err != nil {
		t.Fatalf("pop classify queue: %v", err)
	}
	if env.Value != topicID {
		t.Fatalf("classify entry = %q, want %q", env.Value, topicID)
	}
}

// Idempotent re-processing: a signal that already carries a topic_id is
// skipped without touching its topic again.
func TestProcessSkipsAlreadyClusteredSignal(t *testing.T) {
	st := testBackends(t)
	ctx := context.Background()
	cfg := testConfig()

	topicID := seedTopic(t, st, "joplin", []float32{1, 0, 0, 0})
	hash, normalized := seedSignal(t, st, "joplin", "Sync fails after the latest android update")
	if err := st.KV.UpdateFields(ctx, "signal:"+hash, map[string]string{"topic_id": topicID}); err != nil {
		t.Fatalf("preset topic_id: %v", err)
	}

	w := New(st, stubEmbedder{byText: map[string][]float32{normalized: unit([]float32{1, 0, 0, 0})}}, cluster.New(st, cfg, nil), cfg, nil, nil)
	w.process(ctx, store.Envelope{Value: hash})

	trec, _, _ := st.KV.GetRecord(ctx, "topic:"+topicID)
	if topic := domain.UnmarshalTopic(trec); topic.SignalCount != 1 {
		t.Fatalf("signal_count = %d, re-processing must be a no-op", topic.SignalCount)
	}
}
