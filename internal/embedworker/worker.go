// Package embedworker is the long-lived loop that drains
// queue:to-embed, embeds each signal, and hands it to the Clusterer for
// assignment.
package embedworker

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/darwin-ai/darwin/internal/cluster"
	"github.com/darwin-ai/darwin/internal/config"
	"github.com/darwin-ai/darwin/internal/domain"
	"github.com/darwin-ai/darwin/internal/embedding"
	"github.com/darwin-ai/darwin/internal/store"
	"github.com/darwin-ai/darwin/pkg/fn"
	"github.com/darwin-ai/darwin/pkg/metrics"
)

// missingSignalMaxRetries bounds how many times a worker requeues a hash
// whose record has not yet landed (ingest enqueues after the record
// write, but another process can pop before the write is visible)
// before dropping it.
const missingSignalMaxRetries = 5

// Worker is one embed-worker loop instance. Run exactly one per
// process; scale by running more processes.
type Worker struct {
	st        *store.Store
	embedder  embedding.Embedder
	clusterer *cluster.Clusterer
	cfg       config.Config
	logger    *slog.Logger
	pm        *metrics.PipelineMetrics
}

// New constructs a Worker. pm may be nil.
func New(st *store.Store, embedder embedding.Embedder, clusterer *cluster.Clusterer, cfg config.Config, logger *slog.Logger, pm *metrics.PipelineMetrics) *Worker {
	if logger == nil {
		logger = slog.Default()
	}
	return &Worker{st: st, embedder: embedder, clusterer: clusterer, cfg: cfg, logger: logger, pm: pm}
}

// Run blocks, draining queue:to-embed until ctx is cancelled. On
// cancellation it pops nothing more; the in-flight item runs on a context
// that is cancelled only cfg.DrainTimeout after ctx, then Run returns.
func (w *Worker) Run(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		default:
		}

		env, err := w.st.Queue.Pop(ctx, store.QueueToEmbed, w.cfg.PollInterval)
		if err != nil {
			if errors.Is(err, store.ErrQueueEmpty) {
				continue
			}
			if ctx.Err() != nil {
				return
			}
			w.logger.Error("embedworker: queue pop failed", "err", err)
			continue
		}

		itemCtx, cancel := context.WithCancel(context.WithoutCancel(ctx))
		stop := context.AfterFunc(ctx, func() { time.AfterFunc(w.cfg.DrainTimeout, cancel) })
		w.process(itemCtx, env)
		stop()
		cancel()
	}
}

func (w *Worker) process(ctx context.Context, env store.Envelope) {
	hash := env.Value
	key := "signal:" + hash

	rec, ok, err := w.retryStore(ctx, func(ctx context.Context) (domain.Record, bool, error) {
		return w.st.KV.GetRecord(ctx, key)
	})
	if err != nil {
		w.logger.Error("embedworker: load signal failed permanently", "hash", hash, "err", err)
		return
	}
	if !ok {
		if env.Retries >= missingSignalMaxRetries {
			w.logger.Warn("embedworker: signal never materialized, dropping", "hash", hash)
			return
		}
		env.Retries++
		if err := w.st.Queue.Requeue(ctx, store.QueueToEmbed, env); err != nil {
			w.logger.Error("embedworker: requeue missing signal failed", "hash", hash, "err", err)
		}
		return
	}

	sig := domain.UnmarshalSignal(rec)
	if sig.TopicID != "" {
		// Already clustered; idempotent re-processing is a no-op.
		return
	}

	v, err := w.embedWithRetry(ctx, sig.Normalized)
	if err != nil {
		w.logger.Error("embedworker: embedding exhausted retries", "hash", hash, "err", err)
		_ = w.st.Queue.DeadLetter(ctx, store.QueueToEmbed, store.DeadLetter{
			Value:   hash,
			Error:   err.Error(),
			Retries: w.cfg.EmbedMaxRetries,
			At:      time.Now().UTC(),
		})
		return
	}

	decision, err := w.retryStoreDecision(ctx, func(ctx context.Context) (cluster.Decision, error) {
		return w.clusterer.Assign(ctx, v, sig.Product, sig.Text)
	})
	if err != nil {
		w.logger.Error("embedworker: cluster assign failed permanently", "hash", hash, "err", err)
		return
	}

	w.applyDecision(ctx, hash, sig, decision)
}

func (w *Worker) applyDecision(ctx context.Context, hash string, sig domain.Signal, decision cluster.Decision) {
	switch decision.Kind {
	case cluster.DecisionAttach:
		if err := w.st.KV.UpdateFields(ctx, sig.Key(), map[string]string{"topic_id": decision.TopicID}); err != nil {
			w.logger.Error("embedworker: set topic_id failed", "hash", hash, "err", err)
		}
		if err := w.st.KV.AppendTopicSignal(ctx, decision.TopicID, hash); err != nil {
			w.logger.Warn("embedworker: append topic signal failed", "hash", hash, "topic_id", decision.TopicID, "err", err)
		}
		store.SwallowError(w.logger, "embedworker: publish topic.attached",
			w.st.Queue.PublishEvent(ctx, store.EventTopicAttached, map[string]string{"hash": hash, "topic_id": decision.TopicID}))
		w.linkLineage(ctx, hash, decision.TopicID)
		w.pm.IncTopicsAttached(sig.Product)

	case cluster.DecisionNew:
		if err := w.st.KV.UpdateFields(ctx, sig.Key(), map[string]string{"topic_id": decision.TopicID}); err != nil {
			w.logger.Error("embedworker: set topic_id failed", "hash", hash, "err", err)
		}
		if err := w.st.KV.AppendTopicSignal(ctx, decision.TopicID, hash); err != nil {
			w.logger.Warn("embedworker: append topic signal failed", "hash", hash, "topic_id", decision.TopicID, "err", err)
		}
		if err := w.st.Queue.Enqueue(ctx, store.QueueToClassify, decision.TopicID); err != nil {
			w.logger.Error("embedworker: enqueue classify failed", "topic_id", decision.TopicID, "err", err)
		}
		store.SwallowError(w.logger, "embedworker: publish topic.created",
			w.st.Queue.PublishEvent(ctx, store.EventTopicCreated, map[string]string{"hash": hash, "topic_id": decision.TopicID}))
		w.linkLineage(ctx, hash, decision.TopicID)
		w.pm.IncTopicsCreated(sig.Product)

	case cluster.DecisionTriage:
		if err := w.st.Queue.Enqueue(ctx, store.QueueTriage, hash); err != nil {
			w.logger.Error("embedworker: enqueue triage failed", "hash", hash, "err", err)
		}
		w.pm.IncSignalsTriaged(sig.Product)
	}
}

func (w *Worker) linkLineage(ctx context.Context, hash, topicID string) {
	if w.st.Lineage == nil {
		return
	}
	store.SwallowError(w.logger, "embedworker: lineage signal->topic", w.st.Lineage.LinkSignalToTopic(ctx, hash, topicID))
}

// embedWithRetry retries transient embedding failures with exponential
// backoff (base EmbedRetryBaseWait, cap EmbedRetryMaxWait), bounded by
// cfg.EmbedMaxRetries.
func (w *Worker) embedWithRetry(ctx context.Context, text string) ([]float32, error) {
	opts := fn.RetryOpts{
		MaxAttempts: w.cfg.EmbedMaxRetries,
		InitialWait: w.cfg.EmbedRetryBaseWait,
		MaxWait:     w.cfg.EmbedRetryMaxWait,
		Jitter:      true,
	}
	result := fn.Retry(ctx, opts, func(ctx context.Context) fn.Result[[]float32] {
		callCtx, cancel := context.WithTimeout(ctx, w.cfg.EmbedTimeout)
		defer cancel()
		v, err := w.embedder.Embed(callCtx, text)
		if err != nil {
			return fn.Err[[]float32](err)
		}
		return fn.Ok(v)
	})
	return result.Unwrap()
}

// retryStore retries a store read indefinitely with capped backoff;
// only context cancellation breaks the loop, so shutdown is never
// blocked forever.
func (w *Worker) retryStore(ctx context.Context, f func(context.Context) (domain.Record, bool, error)) (domain.Record, bool, error) {
	wait := w.cfg.EmbedRetryBaseWait
	for {
		rec, ok, err := f(ctx)
		if err == nil {
			return rec, ok, nil
		}
		if ctx.Err() != nil {
			return nil, false, ctx.Err()
		}
		w.logger.Warn("embedworker: store op failed, retrying", "err", err, "wait", wait)
		select {
		case <-ctx.Done():
			return nil, false, ctx.Err()
		case <-time.After(wait):
		}
		wait *= 2
		if wait > w.cfg.EmbedRetryMaxWait {
			wait = w.cfg.EmbedRetryMaxWait
		}
	}
}

func (w *Worker) retryStoreDecision(ctx context.Context, f func(context.Context) (cluster.Decision, error)) (cluster.Decision, error) {
	wait := w.cfg.EmbedRetryBaseWait
	for {
		d, err := f(ctx)
		if err == nil {
			return d, nil
		}
		if ctx.Err() != nil {
			return cluster.Decision{}, ctx.Err()
		}
		if errors.Is(err, domain.ErrNotFound) {
			// Not a transient store fault: the topic this attach targeted
			// is gone. Surface immediately rather than spinning forever.
			return cluster.Decision{}, fmt.Errorf("embedworker: %w", err)
		}
		w.logger.Warn("embedworker: cluster assign failed, retrying", "err", err, "wait", wait)
		select {
		case <-ctx.Done():
			return cluster.Decision{}, ctx.Err()
		case <-time.After(wait):
		}
		wait *= 2
		if wait > w.cfg.EmbedRetryMaxWait {
			wait = w.cfg.EmbedRetryMaxWait
		}
	}
}
