// Package main implements Darwin's API server: the HTTP surface over
// IngestService, the read-only pipeline views, Task lifecycle actions,
// rule management, and the forge webhook that closes the review loop.
package main

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"golang.org/x/time/rate"

	"github.com/darwin-ai/darwin/internal/config"
	"github.com/darwin-ai/darwin/internal/embedding"
	"github.com/darwin-ai/darwin/internal/fixrunner"
	"github.com/darwin-ai/darwin/internal/forge"
	"github.com/darwin-ai/darwin/internal/ingest"
	"github.com/darwin-ai/darwin/internal/learning"
	"github.com/darwin-ai/darwin/internal/llm"
	"github.com/darwin-ai/darwin/internal/review"
	"github.com/darwin-ai/darwin/internal/store"
	"github.com/darwin-ai/darwin/pkg/metrics"
	"github.com/darwin-ai/darwin/pkg/mid"
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
		logger.Error("api server exited with error", "err", err)
		os.Exit(2)
	}
}

// deps bundles everything the handlers close over; one struct threaded
// into HandlerFunc closures rather than package-level state.
type deps struct {
	st       *store.Store
	ingest   *ingest.Service
	learn    *learning.Store
	runner   *fixrunner.Runner
	forge    forge.Client
	review   *review.Handler
	cfg      config.Config
	logger   *slog.Logger
	registry *metrics.Registry
	pm       *metrics.PipelineMetrics
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

	embedder := newEmbedder(cfg)
	learn := learning.New(st, embedder, logger)
	ingestSvc := ingest.New(st, logger, pm, cfg.QueueBacklogWarn)

	provider, err := newProvider(cfg)
	if err != nil {
		logger.Warn("llm provider unavailable, rule extraction on review events will fail", "err", err)
	}

	var runner *fixrunner.Runner
	if cfg.AgentURL != "" {
		limiter := rate.NewLimiter(rate.Limit(cfg.AgentRatePerSec), 1)
		agent := fixrunner.NewHTTPAgent(cfg.AgentURL, cfg.AgentToken, cfg.AgentTimeout, limiter)
		runner = fixrunner.New(st, learn, embedder, agent, logger, pm)
	}

	var forgeClient forge.Client
	if cfg.ForgeBaseURL != "" {
		forgeClient = forge.NewRESTClient(cfg.ForgeBaseURL, cfg.ForgeToken)
	}

	reviewHandler := review.New(st, learn, runner, provider, cfg, logger, pm)

	d := &deps{
		st:       st,
		ingest:   ingestSvc,
		learn:    learn,
		runner:   runner,
		forge:    forgeClient,
		review:   reviewHandler,
		cfg:      cfg,
		logger:   logger,
		registry: registry,
		pm:       pm,
	}

	mux := http.NewServeMux()
	d.registerRoutes(mux)

	handler := mid.Chain(mux,
		mid.Recover(logger),
		mid.Logger(logger),
		mid.Metrics(pm),
		mid.CORS(cfg.CORSOrigin),
		mid.OTel("darwin-api"),
	)

	srv := &http.Server{
		Addr:         ":" + cfg.Port,
		Handler:      handler,
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 60 * time.Second,
		IdleTimeout:  120 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		logger.Info("api server starting", "port", cfg.Port)
		errCh <- srv.ListenAndServe()
	}()

	select {
	case err := <-errCh:
		if err != nil && err != http.ErrServerClosed {
			return err
		}
	case <-ctx.Done():
		logger.Info("shutdown signal received")
	}

	shutCtx, cancel := context.WithTimeout(context.Background(), cfg.DrainTimeout)
	defer cancel()
	return srv.Shutdown(shutCtx)
}

func (d *deps) registerRoutes(mux *http.ServeMux) {
	mux.HandleFunc("POST /ingest", d.handleIngest)
	mux.HandleFunc("GET /signals", d.handleListSignals)

	mux.HandleFunc("GET /topics", d.handleListTopics)
	mux.HandleFunc("GET /topics/{id}", d.handleGetTopic)
	mux.HandleFunc("GET /topics/{id}/lineage", d.handleTopicLineage)

	mux.HandleFunc("GET /tasks", d.handleListTasks)
	mux.HandleFunc("GET /tasks/{id}", d.handleGetTask)
	mux.HandleFunc("PATCH /tasks/{id}", d.handlePatchTask)
	mux.HandleFunc("POST /tasks/{id}/create-issue", d.handleCreateIssue)
	mux.HandleFunc("POST /tasks/{id}/fix", d.handleStartFix)

	mux.HandleFunc("GET /products/{product}/rules", d.handleListRules)
	mux.HandleFunc("POST /products/{product}/rules", d.handleCreateRule)
	mux.HandleFunc("DELETE /products/{product}/rules/{id}", d.handleDeleteRule)

	mux.HandleFunc("POST /webhooks/forge", d.handleForgeWebhook)

	mux.HandleFunc("GET /health", d.handleHealth)
	mux.Handle("GET /metrics", d.registry.Handler())
}

func newEmbedder(cfg config.Config) embedding.Embedder {
	if cfg.EmbeddingProvider == "local" {
		return embedding.NewLocal(cfg.EmbeddingDim)
	}
	return embedding.NewRemote(cfg.EmbeddingURL, cfg.EmbeddingProvider, cfg.EmbeddingDim)
}

func newProvider(cfg config.Config) (llm.Provider, error) {
	switch cfg.LLMProvider {
	case "anthropic":
		if cfg.AnthropicAPIKey == "" {
			return nil, fmt.Errorf("api: ANTHROPIC_API_KEY required for LLM_PROVIDER=anthropic")
		}
		return llm.NewAnthropic(cfg.AnthropicAPIKey, cfg.AnthropicModel, rate.NewLimiter(rate.Limit(5), 5)), nil
	default:
		return nil, fmt.Errorf("api: unknown LLM_PROVIDER %q", cfg.LLMProvider)
	}
}
