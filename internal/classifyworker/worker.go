// Package classifyworker is the long-lived loop that drains
// queue:to-classify, classifies a topic's recent signals via the LLM,
// and materializes either an updated Topic or an actionable Task.
package classifyworker

import (
	"context"
	"errors"
	"log/slog"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/darwin-ai/darwin/internal/config"
	"github.com/darwin-ai/darwin/internal/domain"
	"github.com/darwin-ai/darwin/internal/fixrunner"
	"github.com/darwin-ai/darwin/internal/llm"
	"github.com/darwin-ai/darwin/internal/store"
	"github.com/darwin-ai/darwin/pkg/metrics"
)

// recentSignalsLimit is how many of a topic's most-recently attached
// signals feed one classification prompt.
const recentSignalsLimit = 10

// Each excerpt is truncated to excerptPerItemCap characters and the
// concatenation capped at excerptTotalCap.
const (
	excerptPerItemCap = 500
	excerptTotalCap   = 4000
)

// errSchemaInvalid marks a classification response with an unknown
// category or out-of-range confidence. Not a transport failure, so it
// follows the one-retry-then-dead-letter path rather than the transport
// retry schedule.
var errSchemaInvalid = errors.New("classifyworker: llm response failed schema validation")

// Worker is one classify-worker loop instance. Run exactly one per
// process; scale by running more processes.
type Worker struct {
	st       *store.Store
	provider llm.Provider
	runner   *fixrunner.Runner // nil unless cfg.AutoFixOnClassify is honored by the caller
	cfg      config.Config
	logger   *slog.Logger
	pm       *metrics.PipelineMetrics
}

// New constructs a Worker. runner may be nil when cfg.AutoFixOnClassify
// is false; pm may be nil.
func New(st *store.Store, provider llm.Provider, runner *fixrunner.Runner, cfg config.Config, logger *slog.Logger, pm *metrics.PipelineMetrics) *Worker {
	if logger == nil {
		logger = slog.Default()
	}
	return &Worker{st: st, provider: provider, runner: runner, cfg: cfg, logger: logger, pm: pm}
}

// Run blocks, draining queue:to-classify until ctx is cancelled. On
// cancellation it pops nothing more; the in-flight item runs on a context
// that is cancelled only cfg.DrainTimeout after ctx, then Run returns.
func (w *Worker) Run(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		default:
		}

		env, err := w.st.Queue.Pop(ctx, store.QueueToClassify, w.cfg.PollInterval)
		if err != nil {
			if errors.Is(err, store.ErrQueueEmpty) {
				continue
			}
			if ctx.Err() != nil {
				return
			}
			w.logger.Error("classifyworker: queue pop failed", "err", err)
			continue
		}

		itemCtx, cancel := context.WithCancel(context.WithoutCancel(ctx))
		stop := context.AfterFunc(ctx, func() { time.AfterFunc(w.cfg.DrainTimeout, cancel) })
		w.process(itemCtx, env.Value)
		stop()
		cancel()
	}
}

func (w *Worker) process(ctx context.Context, topicID string) {
	rec, ok, err := w.st.KV.GetRecord(ctx, "topic:"+topicID)
	if err != nil {
		w.logger.Error("classifyworker: load topic failed", "topic_id", topicID, "err", err)
		return
	}
	if !ok {
		w.logger.Warn("classifyworker: topic not found, dropping", "topic_id", topicID)
		return
	}
	topic := domain.UnmarshalTopic(rec)

	excerpts, err := w.loadExcerpts(ctx, topicID)
	if err != nil {
		w.logger.Error("classifyworker: load signal excerpts failed", "topic_id", topicID, "err", err)
		return
	}

	in := llm.ClassifyInput{Product: topic.Product, Title: topic.Title, Excerpts: excerpts}

	result, err := w.classifyWithTransportRetry(ctx, in)
	if err != nil {
		w.logger.Error("classifyworker: classify exhausted retries", "topic_id", topicID, "err", err)
		w.deadLetter(ctx, topicID, err)
		return
	}

	if err := validateClassifyResult(result); err != nil {
		// Exactly one retry for a schema-validation failure before
		// dead-lettering.
		result, err = w.classifyOnce(ctx, in)
		if err == nil {
			err = validateClassifyResult(result)
		}
		if err != nil {
			w.logger.Error("classifyworker: schema validation failed after retry", "topic_id", topicID, "err", err)
			w.deadLetter(ctx, topicID, errSchemaInvalid)
			return
		}
	}

	w.materialize(ctx, topic, result)
}

// loadExcerpts loads up to recentSignalsLimit of a topic's most-recently
// attached signals and builds the capped excerpt list for the prompt.
func (w *Worker) loadExcerpts(ctx context.Context, topicID string) ([]string, error) {
	hashes, err := w.st.KV.RecentTopicSignals(ctx, topicID, recentSignalsLimit)
	if err != nil {
		return nil, err
	}

	texts := make([]string, 0, len(hashes))
	for _, hash := range hashes {
		rec, ok, err := w.st.KV.GetRecord(ctx, "signal:"+hash)
		if err != nil {
			return nil, err
		}
		if !ok {
			continue
		}
		texts = append(texts, domain.UnmarshalSignal(rec).Text)
	}
	return buildExcerpts(texts, excerptPerItemCap, excerptTotalCap), nil
}

// classifyWithTransportRetry retries a transport failure (network error,
// 5xx, timeout) on the same backoff schedule the embed worker uses. A
// schema-validation failure is not a transport error and is returned to
// the caller unmodified on the first successful call.
func (w *Worker) classifyWithTransportRetry(ctx context.Context, in llm.ClassifyInput) (llm.ClassifyResult, error) {
	wait := w.cfg.ClassifyRetryBaseWait
	var lastErr error
	for attempt := 0; attempt < w.cfg.ClassifyMaxRetries; attempt++ {
		result, err := w.classifyOnce(ctx, in)
		if err == nil {
			return result, nil
		}
		lastErr = err
		if ctx.Err() != nil {
			return llm.ClassifyResult{}, ctx.Err()
		}
		if attempt == w.cfg.ClassifyMaxRetries-1 {
			break
		}
		w.logger.Warn("classifyworker: classify call failed, retrying", "err", err, "wait", wait)
		select {
		case <-ctx.Done():
			return llm.ClassifyResult{}, ctx.Err()
		case <-time.After(wait):
		}
		wait *= 2
		if wait > w.cfg.ClassifyRetryMaxWait {
			wait = w.cfg.ClassifyRetryMaxWait
		}
	}
	return llm.ClassifyResult{}, lastErr
}

// classifyOnce bounds a single provider call to cfg.ClassifyTimeout,
// independent of the retry loop around it.
func (w *Worker) classifyOnce(ctx context.Context, in llm.ClassifyInput) (llm.ClassifyResult, error) {
	callCtx, cancel := context.WithTimeout(ctx, w.cfg.ClassifyTimeout)
	defer cancel()
	return w.provider.Classify(callCtx, in)
}

func (w *Worker) deadLetter(ctx context.Context, topicID string, cause error) {
	if err := w.st.Queue.DeadLetter(ctx, store.QueueToClassify, store.DeadLetter{
		Value:   topicID,
		Error:   cause.Error(),
		Retries: w.cfg.ClassifyMaxRetries,
		At:      time.Now().UTC(),
	}); err != nil {
		w.logger.Error("classifyworker: dead-letter write failed", "topic_id", topicID, "err", err)
	}
}

// materialize applies a classification: a low-confidence or OTHER
// result only updates the topic, an actionable one creates or updates a
// Task idempotently per topic.
func (w *Worker) materialize(ctx context.Context, topic domain.Topic, result llm.ClassifyResult) {
	category := domain.TaskCategory(result.Category)
	now := time.Now().UTC()

	if !shouldCreateTask(category, result.Confidence, w.cfg.ClassifyConfidenceMin) {
		if err := w.st.KV.UpdateFields(ctx, topic.Key(), map[string]string{
			"title":      result.Title,
			"summary":    result.Summary,
			"category":   string(category),
			"updated_at": domain.FormatTime(now),
		}); err != nil {
			w.logger.Error("classifyworker: update topic failed", "topic_id", topic.ID, "err", err)
		}
		return
	}

	task, created, err := w.upsertTask(ctx, topic, result, now)
	if err != nil {
		w.logger.Error("classifyworker: upsert task failed", "topic_id", topic.ID, "err", err)
		return
	}

	store.SwallowError(w.logger, "classifyworker: publish task.classified",
		w.st.Queue.PublishEvent(ctx, store.EventTaskCreated, map[string]string{"task_id": task.ID, "topic_id": topic.ID}))

	if created {
		w.linkLineage(ctx, topic.ID, task.ID)
		w.pm.IncTaskClassified(task.Product, string(task.Category))
	}

	if w.cfg.AutoFixOnClassify && w.runner != nil {
		if _, err := w.runner.Start(ctx, task.ID, ""); err != nil {
			w.logger.Error("classifyworker: auto fix start failed", "task_id", task.ID, "err", err)
		}
	}
}

// upsertTask keeps task creation idempotent per topic: a non-done Task
// already materialized for this topic is updated in place rather than
// duplicated. created reports whether a brand new Task row was written.
func (w *Worker) upsertTask(ctx context.Context, topic domain.Topic, result llm.ClassifyResult, now time.Time) (domain.Task, bool, error) {
	category := domain.TaskCategory(result.Category)

	if existingID, ok, err := w.st.KV.GetTopicTask(ctx, topic.ID); err != nil {
		return domain.Task{}, false, err
	} else if ok {
		rec, found, err := w.st.KV.GetRecord(ctx, "task:"+existingID)
		if err != nil {
			return domain.Task{}, false, err
		}
		if found {
			existing := domain.UnmarshalTask(rec)
			if existing.Status != domain.TaskDone {
				fields := map[string]string{
					"category":         string(category),
					"title":            result.Title,
					"summary":          result.Summary,
					"severity":         result.Severity,
					"suggested_action": result.SuggestedAction,
					"confidence":       strconv.FormatFloat(result.Confidence, 'g', -1, 64),
					"updated_at":       domain.FormatTime(now),
				}
				if err := w.st.KV.UpdateFields(ctx, existing.Key(), fields); err != nil {
					return domain.Task{}, false, err
				}
				existing.Category = category
				existing.Title = result.Title
				existing.Summary = result.Summary
				existing.Severity = result.Severity
				existing.SuggestedAction = result.SuggestedAction
				existing.Confidence = result.Confidence
				existing.UpdatedAt = now
				return existing, false, nil
			}
		}
	}

	task := domain.Task{
		ID:              uuid.New().String(),
		TopicID:         topic.ID,
		Category:        category,
		Title:           result.Title,
		Summary:         result.Summary,
		Severity:        result.Severity,
		SuggestedAction: result.SuggestedAction,
		Confidence:      result.Confidence,
		Product:         topic.Product,
		Status:          domain.TaskOpen,
		FixStatus:       domain.FixNone,
		CreatedAt:       now,
		UpdatedAt:       now,
	}
	if err := domain.ValidateTask(task); err != nil {
		return domain.Task{}, false, err
	}
	if err := w.st.KV.PutRecord(ctx, task.Key(), task.MarshalRecord()); err != nil {
		return domain.Task{}, false, err
	}
	if err := w.st.KV.SetTopicTask(ctx, topic.ID, task.ID); err != nil {
		return domain.Task{}, false, err
	}
	return task, true, nil
}

func (w *Worker) linkLineage(ctx context.Context, topicID, taskID string) {
	if w.st.Lineage == nil {
		return
	}
	store.SwallowError(w.logger, "classifyworker: lineage topic->task", w.st.Lineage.LinkTopicToTask(ctx, topicID, taskID))
}

// validateClassifyResult checks the category enumeration and the
// confidence range; any other value is a schema-validation error, not a
// transport failure.
func validateClassifyResult(result llm.ClassifyResult) error {
	if !domain.ValidTaskCategories[domain.TaskCategory(result.Category)] {
		return errSchemaInvalid
	}
	if result.Confidence < 0 || result.Confidence > 1 {
		return errSchemaInvalid
	}
	return nil
}

// shouldCreateTask: OTHER or below-threshold confidence updates the
// topic only.
func shouldCreateTask(category domain.TaskCategory, confidence, threshold float64) bool {
	if category == domain.CategoryOther {
		return false
	}
	return confidence >= threshold
}

// truncateExcerpt cuts s to at most max runes, a byte-safe truncation so
// a multi-byte rune is never split.
func truncateExcerpt(s string, max int) string {
	r := []rune(s)
	if len(r) <= max {
		return s
	}
	return string(r[:max])
}

// buildExcerpts truncates each signal's text to perItemCap and caps the
// concatenation at totalCap characters. Excerpts are taken newest-first
// (the order texts is already in); the excerpt that would overflow the
// total cap is cut to the remaining length and the list ends there.
func buildExcerpts(texts []string, perItemCap, totalCap int) []string {
	out := make([]string, 0, len(texts))
	total := 0
	for _, t := range texts {
		t = strings.TrimSpace(t)
		if t == "" {
			continue
		}
		excerpt := truncateExcerpt(t, perItemCap)
		if total+len(excerpt) > totalCap {
			remaining := totalCap - total
			if remaining <= 0 {
				break
			}
			excerpt = truncateExcerpt(excerpt, remaining)
		}
		out = append(out, excerpt)
		total += len(excerpt)
		if total >= totalCap {
			break
		}
	}
	return out
}
