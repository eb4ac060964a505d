// Package cluster makes the online nearest-neighbor decision
// (attach/triage/new-topic) for every embedded signal and maintains
// topic centroids under optimistic concurrency.
package cluster

import (
	"context"
	"fmt"
	"log/slog"
	"math"
	"sort"
	"strconv"
	"strings"
	"time"
	"unicode/utf8"

	"github.com/google/uuid"

	"github.com/darwin-ai/darwin/internal/config"
	"github.com/darwin-ai/darwin/internal/domain"
	"github.com/darwin-ai/darwin/internal/store"
)

// knnK is the number of candidate topics fetched per assignment.
const knnK = 5

// maxCASAttempts bounds the centroid compare-and-swap retry loop; a
// conflict means another EmbedWorker attached to the same topic in the
// same instant, which self-resolves within a handful of retries.
const maxCASAttempts = 8

// tieEpsilon is the similarity tolerance within which two candidates
// are considered tied.
const tieEpsilon = 1e-6

// DecisionKind is the outcome of Clusterer.Assign.
type DecisionKind string

const (
	DecisionAttach DecisionKind = "attach"
	DecisionTriage DecisionKind = "triage"
	DecisionNew    DecisionKind = "new"
)

// Decision is the result of assigning one embedded signal to a topic.
type Decision struct {
	Kind    DecisionKind
	TopicID string // set for Attach and New; empty for Triage
}

// Clusterer assigns embedded signals to topics.
type Clusterer struct {
	st     *store.Store
	cfg    config.Config
	logger *slog.Logger
}

// New constructs a Clusterer.
func New(st *store.Store, cfg config.Config, logger *slog.Logger) *Clusterer {
	if logger == nil {
		logger = slog.Default()
	}
	return &Clusterer{st: st, cfg: cfg, logger: logger}
}

// candidate is one KNN hit, carrying the fields needed for tie-breaking
// and the centroid CAS.
type candidate struct {
	topicID     string
	score       float32
	createdAt   time.Time
	signalCount int
}

// Assign implements Clusterer.assign: KNN search, threshold decision, and
// (for attach) the centroid recompute under optimistic concurrency.
func (c *Clusterer) Assign(ctx context.Context, v []float32, product, signalText string) (Decision, error) {
	hits, err := c.st.Topics.SearchFiltered(ctx, v, knnK, map[string]string{
		"status":  string(domain.TopicOpen),
		"product": product,
	})
	if err != nil {
		return Decision{}, fmt.Errorf("cluster: search topics: %w", err)
	}

	best, ok := bestCandidate(hits)
	if !ok {
		return c.createTopic(ctx, v, product, signalText)
	}

	switch {
	case best.score >= float32(c.cfg.ClusterThresholdHigh):
		return c.attach(ctx, best.topicID, v)
	case best.score >= float32(c.cfg.ClusterThresholdLow):
		return Decision{Kind: DecisionTriage}, nil
	default:
		return c.createTopic(ctx, v, product, signalText)
	}
}

// bestCandidate picks the top-scoring hit. Ties go to the lowest
// created_at, then the lexicographically smallest id, so replays are
// deterministic.
func bestCandidate(hits []store.SearchResult) (candidate, bool) {
	if len(hits) == 0 {
		return candidate{}, false
	}
	cands := make([]candidate, len(hits))
	for i, h := range hits {
		count, _ := strconv.Atoi(h.Payload["signal_count"])
		cands[i] = candidate{
			topicID:     h.ID,
			score:       h.Score,
			createdAt:   domain.ParseTime(h.Payload["created_at"]),
			signalCount: count,
		}
	}
	sort.Slice(cands, func(i, j int) bool {
		if math.Abs(float64(cands[i].score-cands[j].score)) <= tieEpsilon {
			if !cands[i].createdAt.Equal(cands[j].createdAt) {
				return cands[i].createdAt.Before(cands[j].createdAt)
			}
			return cands[i].topicID < cands[j].topicID
		}
		return cands[i].score > cands[j].score
	})
	return cands[0], true
}

// attach recomputes the topic centroid under optimistic concurrency,
// retrying on a lost race against another worker's concurrent attach.
func (c *Clusterer) attach(ctx context.Context, topicID string, v []float32) (Decision, error) {
	key := "topic:" + topicID

	for attempt := 0; attempt < maxCASAttempts; attempt++ {
		rec, ok, err := c.st.KV.GetRecord(ctx, key)
		if err != nil {
			return Decision{}, fmt.Errorf("cluster: load topic %s: %w", topicID, err)
		}
		if !ok {
			return Decision{}, fmt.Errorf("cluster: attach: %w: topic %s", domain.ErrNotFound, topicID)
		}
		topic := domain.UnmarshalTopic(rec)

		n := topic.SignalCount
		newCentroid := recomputeCentroid(topic.Centroid, v, n)
		now := time.Now().UTC()

		ok, err = c.st.KV.CompareAndSwapField(ctx, key, "signal_count", strconv.Itoa(n), map[string]string{
			"signal_count": strconv.Itoa(n + 1),
			"centroid":     encodeForCAS(newCentroid),
			"updated_at":   domain.FormatTime(now),
		})
		if err != nil {
			return Decision{}, fmt.Errorf("cluster: centroid CAS: %w", err)
		}
		if !ok {
			continue // lost the race; reload and retry
		}

		if err := c.st.Topics.Upsert(ctx, []store.VectorRecord{{
			ID:        topicID,
			Embedding: newCentroid,
			Payload: map[string]string{
				"status":       string(topic.Status),
				"product":      topic.Product,
				"created_at":   domain.FormatTime(topic.CreatedAt),
				"signal_count": strconv.Itoa(n + 1),
			},
		}}); err != nil {
			return Decision{}, fmt.Errorf("cluster: reindex topic %s: %w", topicID, err)
		}

		return Decision{Kind: DecisionAttach, TopicID: topicID}, nil
	}
	return Decision{}, fmt.Errorf("cluster: centroid CAS exhausted retries for topic %s", topicID)
}

// createTopic materializes a brand-new Topic seeded by v.
func (c *Clusterer) createTopic(ctx context.Context, v []float32, product, signalText string) (Decision, error) {
	id := uuid.New().String()
	now := time.Now().UTC()

	topic := domain.Topic{
		ID:          id,
		Title:       firstLineTruncated(signalText, 120),
		Status:      domain.TopicOpen,
		Product:     product,
		SignalCount: 1,
		Centroid:    v,
		CreatedAt:   now,
		UpdatedAt:   now,
	}

	if err := c.st.KV.PutRecord(ctx, topic.Key(), topic.MarshalRecord()); err != nil {
		return Decision{}, fmt.Errorf("cluster: write new topic: %w", err)
	}
	if err := c.st.Topics.Upsert(ctx, []store.VectorRecord{{
		ID:        id,
		Embedding: v,
		Payload: map[string]string{
			"status":       string(domain.TopicOpen),
			"product":      product,
			"created_at":   domain.FormatTime(now),
			"signal_count": "1",
		},
	}}); err != nil {
		return Decision{}, fmt.Errorf("cluster: index new topic: %w", err)
	}

	return Decision{Kind: DecisionNew, TopicID: id}, nil
}

// recomputeCentroid applies the running-mean update:
// normalize((centroid*n + v)/(n+1)).
func recomputeCentroid(centroid, v []float32, n int) []float32 {
	if len(centroid) == 0 {
		return append([]float32(nil), v...)
	}
	out := make([]float32, len(centroid))
	for i := range out {
		out[i] = (centroid[i]*float32(n) + v[i]) / float32(n+1)
	}
	return normalize(out)
}

func normalize(v []float32) []float32 {
	var sumSq float64
	for _, f := range v {
		sumSq += float64(f) * float64(f)
	}
	if sumSq == 0 {
		return v
	}
	norm := math.Sqrt(sumSq)
	out := make([]float32, len(v))
	for i, f := range v {
		out[i] = float32(float64(f) / norm)
	}
	return out
}

// encodeForCAS renders a centroid the same way domain.Topic.MarshalRecord
// does, so the CAS write and a subsequent UnmarshalTopic round-trip
// agree on format.
func encodeForCAS(v []float32) string {
	return domain.Topic{Centroid: v}.MarshalRecord()["centroid"]
}

// firstLineTruncated returns the first line of text, truncated to max
// runes, used to seed a new topic's title.
func firstLineTruncated(text string, max int) string {
	line := text
	if idx := strings.IndexAny(text, "\r\n"); idx >= 0 {
		line = text[:idx]
	}
	line = strings.TrimSpace(line)
	if utf8.RuneCountInString(line) <= max {
		return line
	}
	runes := []rune(line)
	return string(runes[:max])
}
