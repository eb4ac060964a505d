// Package ingest normalizes inbound signals, deduplicates them by
// content hash, and enqueues new ones for embedding.
package ingest

import (
	"context"
	"log/slog"
	"time"

	"github.com/darwin-ai/darwin/internal/domain"
	"github.com/darwin-ai/darwin/internal/store"
	"github.com/darwin-ai/darwin/pkg/fn"
	"github.com/darwin-ai/darwin/pkg/metrics"
)

// DefaultWorkers bounds per-batch ingest concurrency.
const DefaultWorkers = 8

// Input is one raw candidate signal handed to Ingest, prior to
// normalization and hashing.
type Input struct {
	Text    string
	Source  string
	URL     string
	Title   string
	Author  string
	Product string
}

// Service implements IngestService.
type Service struct {
	st          *store.Store
	logger      *slog.Logger
	workers     int
	metrics     *metrics.PipelineMetrics
	backlogWarn int
}

// New constructs a Service. pm may be nil, in which case ingest metrics
// are not recorded. backlogWarn is the embed-queue depth past which
// batches are flagged delayed; 0 or negative disables the hint.
func New(st *store.Store, logger *slog.Logger, pm *metrics.PipelineMetrics, backlogWarn int) *Service {
	if logger == nil {
		logger = slog.Default()
	}
	return &Service{st: st, logger: logger, workers: DefaultWorkers, metrics: pm, backlogWarn: backlogWarn}
}

// Ingest processes one batch. The returned error is always nil: invalid
// and duplicate items, and items whose store or queue write failed
// (reported as invalid with a reason), are all listed per-item in
// BatchResult.Items.
func (s *Service) Ingest(ctx context.Context, inputs []Input) (domain.BatchResult, error) {
	results := fn.ParMap(inputs, s.workers, func(in Input) domain.ItemResult {
		return s.ingestOne(ctx, in)
	})

	out := domain.BatchResult{Total: len(inputs), Items: results}
	for _, r := range results {
		switch r.Outcome {
		case domain.OutcomeQueued:
			out.Queued++
		case domain.OutcomeDuplicate:
			out.Duplicates++
		case domain.OutcomeInvalid:
			out.Invalid++
		}
	}
	out.Delayed = s.backlogDelayed(ctx)
	return out, nil
}

// backlogDelayed reports whether the embed queue is past the configured
// backlog threshold. The batch is still accepted either way; the flag
// only tells callers their signals will sit in the queue for a while.
func (s *Service) backlogDelayed(ctx context.Context) bool {
	if s.backlogWarn <= 0 {
		return false
	}
	n, err := s.st.Queue.Len(ctx, store.QueueToEmbed)
	if err != nil {
		s.logger.Warn("ingest: backlog length check failed", "err", err)
		return false
	}
	return n > int64(s.backlogWarn)
}

func (s *Service) ingestOne(ctx context.Context, in Input) domain.ItemResult {
	normalized := domain.Normalize(in.Text)
	now := time.Now().UTC()

	sig := domain.Signal{
		Text:       in.Text,
		Normalized: normalized,
		Source:     in.Source,
		URL:        in.URL,
		Title:      in.Title,
		Author:     in.Author,
		Product:    in.Product,
		FirstSeen:  now,
		LastSeen:   now,
	}
	if err := domain.ValidateSignal(sig); err != nil {
		s.metrics.IncSignalsInvalid(in.Product)
		return domain.ItemResult{Outcome: domain.OutcomeInvalid, Reason: err.Error()}
	}

	hash := domain.ContentHash(normalized)
	sig.Hash = hash

	rec := sig.MarshalRecord()

	created, err := s.st.KV.PutRecordIfAbsent(ctx, sig.Key(), rec)
	if err != nil {
		s.logger.Error("ingest: store write failed", "hash", hash, "err", err)
		return domain.ItemResult{Hash: hash, Outcome: domain.OutcomeInvalid, Reason: "store unavailable"}
	}

	if !created {
		if err := s.st.KV.UpdateFields(ctx, sig.Key(), map[string]string{
			"last_seen": domain.FormatTime(now),
		}); err != nil {
			s.logger.Warn("ingest: last_seen bump failed", "hash", hash, "err", err)
		}
		s.metrics.IncSignalsDuplicate(in.Product)
		return domain.ItemResult{Hash: hash, Outcome: domain.OutcomeDuplicate}
	}

	if err := s.st.Queue.Enqueue(ctx, store.QueueToEmbed, hash); err != nil {
		s.logger.Error("ingest: enqueue failed", "hash", hash, "err", err)
		return domain.ItemResult{Hash: hash, Outcome: domain.OutcomeInvalid, Reason: "queue unavailable"}
	}
	store.SwallowError(s.logger, "ingest: publish signal.queued",
		s.st.Queue.PublishEvent(ctx, store.EventSignalQueued, map[string]string{"hash": hash, "product": in.Product}))

	s.metrics.IncSignalsIngested(in.Product)
	return domain.ItemResult{Hash: hash, Outcome: domain.OutcomeQueued}
}
