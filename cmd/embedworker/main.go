// Package main runs Darwin's EmbedWorker: the long-lived loop that
// embeds queued signals and assigns them to a topic.
package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/darwin-ai/darwin/internal/cluster"
	"github.com/darwin-ai/darwin/internal/config"
	"github.com/darwin-ai/darwin/internal/embedding"
	"github.com/darwin-ai/darwin/internal/embedworker"
	"github.com/darwin-ai/darwin/internal/store"
	"github.com/darwin-ai/darwin/pkg/metrics"
)

func main() {
	logger := slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{Level: slog.LevelInfo}))
	slog.SetDefault(logger)

	cfg := config.Load()
	if err := cfg.Validate(); err != nil {
		logger.Error("config invalid", "err", err)
		os.Exit(1)
	}

	if err := run(cfg, logger); err != nil {
		logger.Error("embedworker exited with error", "err", err)
		os.Exit(2)
	}
}

func run(cfg config.Config, logger *slog.Logger) error {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	st, closeStore, err := store.Open(ctx, cfg, cfg.EmbeddingDim)
	if err != nil {
		return fmt.Errorf("open store: %w", err)
	}
	defer closeStore()

	registry := metrics.New()
	pm := metrics.NewPipelineMetrics(registry)
	if cfg.MetricsPort > 0 {
		registry.ServeAsync(cfg.MetricsPort)
	}

	embedder := newEmbedder(cfg)
	clusterer := cluster.New(st, cfg, logger)
	worker := embedworker.New(st, embedder, clusterer, cfg, logger, pm)

	done := make(chan struct{})
	go func() {
		defer close(done)
		worker.Run(ctx)
	}()

	<-ctx.Done()
	logger.Info("shutdown signal received, draining in-flight item", "timeout", cfg.DrainTimeout)

	select {
	case <-done:
	case <-time.After(cfg.DrainTimeout):
		logger.Warn("drain timeout elapsed, exiting anyway")
	}
	return nil
}

func newEmbedder(cfg config.Config) embedding.Embedder {
	if cfg.EmbeddingProvider == "local" {
		return embedding.NewLocal(cfg.EmbeddingDim)
	}
	return embedding.NewRemote(cfg.EmbeddingURL, cfg.EmbeddingProvider, cfg.EmbeddingDim)
}
