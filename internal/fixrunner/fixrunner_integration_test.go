//go:build integration

package fixrunner

import (
	"context"
	"errors"
	"os"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"

	"github.com/darwin-ai/darwin/internal/domain"
	"github.com/darwin-ai/darwin/internal/embedding"
	"github.com/darwin-ai/darwin/internal/learning"
	"github.com/darwin-ai/darwin/internal/store"
)

const testDim = 4

func envOr(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}

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

	fixes, err := store.NewVectorIndex(envOr("QDRANT_URL", "localhost:6334"), "test_darwin_fixes")
	if err != nil {
		t.Fatalf("qdrant connect: %v", err)
	}
	if err := fixes.EnsureCollection(ctx, testDim); err != nil {
		t.Skipf("qdrant unavailable: %v", err)
	}
	t.Cleanup(func() {
		fixes.DeleteCollection(context.Background())
		fixes.Close()
	})

	return &store.Store{KV: store.NewKV(rdb), Queue: store.NewQueue(nil, rdb), Fixes: fixes}
}

func seedTask(t *testing.T, st *store.Store, fixStatus domain.FixStatus) domain.Task {
	t.Helper()
	now := time.Now().UTC()
	task := domain.Task{
		ID:         uuid.New().String(),
		TopicID:    uuid.New().String(),
		Category:   domain.CategoryBug,
		Title:      "Sync fails after the latest android update",
		Summary:    "Multiple reports of sync silently stalling",
		Confidence: 0.9,
		Product:    "joplin",
		Status:     domain.TaskOpen,
		FixStatus:  fixStatus,
		CreatedAt:  now,
		UpdatedAt:  now,
	}
	if err := st.KV.PutRecord(context.Background(), task.Key(), task.MarshalRecord()); err != nil {
		t.Fatalf("seed task: %v", err)
	}
	return task
}

// blockingAgent parks inside Run until released, so a test can hold one
// fix in flight while a second caller attempts to start another.
type blockingAgent struct {
	started chan struct{}
	release chan struct{}
}

func (a *blockingAgent) Run(ctx context.Context, req AgentRequest) (AgentResult, error) {
	close(a.started)
	select {
	case <-a.release:
		return AgentResult{Branch: "darwin/fix-sync", PRURL: "https://forge.example/pr/1"}, nil
	case <-ctx.Done():
		return AgentResult{}, ctx.Err()
	}
}

type failingAgent struct{}

func (failingAgent) Run(context.Context, AgentRequest) (AgentResult, error) {
	return AgentResult{}, errors.New("executor sandbox crashed")
}

// Concurrent start attempts: exactly one caller wins the none→running
// transition; the loser observes ErrAlreadyRunning while the winner's
// run is still in flight.
func TestStartAtMostOnceUnderConcurrency(t *testing.T) {
	st := testBackends(t)
	ctx := context.Background()

	embedder := embedding.NewLocal(testDim)
	learn := learning.New(st, embedder, nil)
	agent := &blockingAgent{started: make(chan struct{}), release: make(chan struct{})}
	runner := New(st, learn, embedder, agent, nil, nil)

	task := seedTask(t, st, domain.FixNone)

	type outcome struct {
		task domain.Task
		err  error
	}
	winner := make(chan outcome, 1)
	go func() {
		got, err := runner.Start(ctx, task.ID, "")
		winner <- outcome{got, err}
	}()

	select {
	case <-agent.started:
	case <-time.After(5 * time.Second):
		t.Fatal("first Start never reached the agent")
	}

	if _, err := runner.Start(ctx, task.ID, ""); !errors.Is(err, ErrAlreadyRunning) {
		t.Fatalf("second Start err = %v, want ErrAlreadyRunning", err)
	}

	rec, _, _ := st.KV.GetRecord(ctx, task.Key())
	if got := domain.UnmarshalTask(rec).FixStatus; got != domain.FixRunning {
		t.Fatalf("fix_status mid-run = %q, want running", got)
	}

	close(agent.release)
	out := <-winner
	if out.err != nil {
		t.Fatalf("winning Start: %v", out.err)
	}
	if out.task.FixStatus != domain.FixCompleted || out.task.PRURL == "" || out.task.Branch == "" {
		t.Fatalf("winning task = %+v, want completed with pr_url and branch", out.task)
	}

	rec, _, _ = st.KV.GetRecord(ctx, task.Key())
	final := domain.UnmarshalTask(rec)
	if final.FixStatus != domain.FixCompleted || final.PRURL != out.task.PRURL {
		t.Fatalf("stored task = fix_status %q pr_url %q, want completed/%q", final.FixStatus, final.PRURL, out.task.PRURL)
	}
}

func TestStartRejectsCompletedFix(t *testing.T) {
	st := testBackends(t)

	embedder := embedding.NewLocal(testDim)
	runner := New(st, learning.New(st, embedder, nil), embedder, failingAgent{}, nil, nil)

	task := seedTask(t, st, domain.FixCompleted)
	if _, err := runner.Start(context.Background(), task.ID, ""); !errors.Is(err, ErrAlreadyRunning) {
		t.Fatalf("Start on completed fix err = %v, want ErrAlreadyRunning", err)
	}
}

// A failed run records fix_status=failed and permits a manual re-entry.
func TestStartFailureThenReentry(t *testing.T) {
	st := testBackends(t)
	ctx := context.Background()

	embedder := embedding.NewLocal(testDim)
	learn := learning.New(st, embedder, nil)
	task := seedTask(t, st, domain.FixNone)

	runner := New(st, learn, embedder, failingAgent{}, nil, nil)
	if _, err := runner.Start(ctx, task.ID, ""); err == nil {
		t.Fatal("Start with a failing agent should report the failure")
	}

	rec, _, _ := st.KV.GetRecord(ctx, task.Key())
	if got := domain.UnmarshalTask(rec).FixStatus; got != domain.FixFailed {
		t.Fatalf("fix_status after failure = %q, want failed", got)
	}

	agent := &blockingAgent{started: make(chan struct{}), release: make(chan struct{})}
	close(agent.release)
	retry := New(st, learn, embedder, agent, nil, nil)
	got, err := retry.Start(ctx, task.ID, "")
	if err != nil {
		t.Fatalf("re-entry from failed: %v", err)
	}
	if got.FixStatus != domain.FixCompleted {
		t.Fatalf("fix_status after re-entry = %q, want completed", got.FixStatus)
	}
}
