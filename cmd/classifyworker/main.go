// Package main runs Darwin's ClassifyWorker: the long-lived loop that
// turns a triaged Topic into a structured Task via an LLM, and
// optionally kicks off FixRunner immediately on classification.
package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"golang.org/x/time/rate"

	"github.com/darwin-ai/darwin/internal/classifyworker"
	"github.com/darwin-ai/darwin/internal/config"
	"github.com/darwin-ai/darwin/internal/embedding"
	"github.com/darwin-ai/darwin/internal/fixrunner"
	"github.com/darwin-ai/darwin/internal/learning"
	"github.com/darwin-ai/darwin/internal/llm"
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
		logger.Error("classifyworker exited with error", "err", err)
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

	provider, err := newProvider(cfg)
	if err != nil {
		return err
	}

	registry := metrics.New()
	pm := metrics.NewPipelineMetrics(registry)
	if cfg.MetricsPort > 0 {
		registry.ServeAsync(cfg.MetricsPort)
	}

	runner := newFixRunner(cfg, st, logger, pm)

	worker := classifyworker.New(st, provider, runner, cfg, logger, pm)

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

func newProvider(cfg config.Config) (llm.Provider, error) {
	switch cfg.LLMProvider {
	case "anthropic":
		if cfg.AnthropicAPIKey == "" {
			return nil, fmt.Errorf("classifyworker: ANTHROPIC_API_KEY required for LLM_PROVIDER=anthropic")
		}
		return llm.NewAnthropic(cfg.AnthropicAPIKey, cfg.AnthropicModel, rate.NewLimiter(rate.Limit(5), 5)), nil
	default:
		return nil, fmt.Errorf("classifyworker: unknown LLM_PROVIDER %q", cfg.LLMProvider)
	}
}

// newFixRunner wires an optional FixRunner, used only when
// AUTO_FIX_ON_CLASSIFY is enabled. A nil return is valid: classifyworker
// treats a nil runner as "materialize the Task only".
func newFixRunner(cfg config.Config, st *store.Store, logger *slog.Logger, pm *metrics.PipelineMetrics) *fixrunner.Runner {
	if !cfg.AutoFixOnClassify {
		return nil
	}
	embedder := newEmbedder(cfg)
	learn := learning.New(st, embedder, logger)
	limiter := rate.NewLimiter(rate.Limit(cfg.AgentRatePerSec), 1)
	agent := fixrunner.NewHTTPAgent(cfg.AgentURL, cfg.AgentToken, cfg.AgentTimeout, limiter)
	return fixrunner.New(st, learn, embedder, agent, logger, pm)
}

func newEmbedder(cfg config.Config) embedding.Embedder {
	if cfg.EmbeddingProvider == "local" {
		return embedding.NewLocal(cfg.EmbeddingDim)
	}
	return embedding.NewRemote(cfg.EmbeddingURL, cfg.EmbeddingProvider, cfg.EmbeddingDim)
}
