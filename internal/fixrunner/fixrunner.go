// Package fixrunner coordinates fix runs between the pipeline core and
// the external coding agent. It owns the fix_status transition guards
// and the retrieval-backed context handed to the agent; the agent's own
// sandboxing, tool use, and git plumbing live behind the CodingAgent
// interface.
package fixrunner

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/darwin-ai/darwin/internal/domain"
	"github.com/darwin-ai/darwin/internal/embedding"
	"github.com/darwin-ai/darwin/internal/learning"
	"github.com/darwin-ai/darwin/internal/store"
	"github.com/darwin-ai/darwin/pkg/metrics"
)

// CodingAgent is the narrow boundary to the external coding-agent
// executor: one call in, a branch and PR out.
type CodingAgent interface {
	Run(ctx context.Context, req AgentRequest) (AgentResult, error)
}

// AgentRequest is the context assembled for one fix run: the task
// itself plus retrieval from the learning store, and optional reviewer
// feedback when re-entering after a changes-requested review.
type AgentRequest struct {
	Task             domain.Task
	SimilarFixes     []domain.SuccessfulFix
	Rules            []domain.Rule
	ReviewerFeedback string // non-empty only on an auto-iterate re-entry
}

// AgentResult is what a successful agent run produces.
type AgentResult struct {
	Branch       string
	PRURL        string
	FilesChanged []string
}

// ErrAlreadyRunning is returned when a fix is already running or
// completed for the task; at most one fix runs per task at a time.
var ErrAlreadyRunning = domain.ErrFixAlreadyRunning

// Runner drives one fix run per Start call.
type Runner struct {
	st       *store.Store
	learn    *learning.Store
	embedder embedding.Embedder
	agent    CodingAgent
	logger   *slog.Logger
	pm       *metrics.PipelineMetrics
}

// New constructs a Runner. pm may be nil.
func New(st *store.Store, learn *learning.Store, embedder embedding.Embedder, agent CodingAgent, logger *slog.Logger, pm *metrics.PipelineMetrics) *Runner {
	if logger == nil {
		logger = slog.Default()
	}
	return &Runner{st: st, learn: learn, embedder: embedder, agent: agent, logger: logger, pm: pm}
}

// Start runs one fix end to end: the at-most-once none→running
// transition guard, context assembly from the learning store, the agent
// invocation, and the completed/failed outcome write.
//
// feedback is the reviewer's comment text on an auto-iterate re-entry;
// pass "" for a first attempt.
func (r *Runner) Start(ctx context.Context, taskID, feedback string) (domain.Task, error) {
	task, err := r.transitionToRunning(ctx, taskID)
	if err != nil {
		return domain.Task{}, err
	}

	req, err := r.buildContext(ctx, task, feedback)
	if err != nil {
		return r.markFailed(ctx, task, fmt.Sprintf("build context: %v", err))
	}

	result, err := r.agent.Run(ctx, req)
	if err != nil {
		return r.markFailed(ctx, task, err.Error())
	}

	return r.markCompleted(ctx, task, result, req.Rules)
}

// transitionToRunning admits at most one concurrent fix via a
// compare-and-swap on fix_status. Re-entry from failed is permitted;
// running and completed reject.
func (r *Runner) transitionToRunning(ctx context.Context, taskID string) (domain.Task, error) {
	key := "task:" + taskID
	rec, ok, err := r.st.KV.GetRecord(ctx, key)
	if err != nil {
		return domain.Task{}, fmt.Errorf("fixrunner: load task %s: %w", taskID, err)
	}
	if !ok {
		return domain.Task{}, fmt.Errorf("fixrunner: %w: task %s", domain.ErrNotFound, taskID)
	}
	task := domain.UnmarshalTask(rec)

	if !canTransitionToRunning(task.FixStatus) {
		return domain.Task{}, ErrAlreadyRunning
	}

	now := time.Now().UTC()
	swapped, err := r.st.KV.CompareAndSwapField(ctx, key, "fix_status", string(task.FixStatus), map[string]string{
		"fix_status": string(domain.FixRunning),
		"updated_at": domain.FormatTime(now),
	})
	if err != nil {
		return domain.Task{}, fmt.Errorf("fixrunner: transition to running: %w", err)
	}
	if !swapped {
		// Another caller won the race between our read and our CAS.
		return domain.Task{}, ErrAlreadyRunning
	}

	r.pm.IncFixRunStarted(task.Product)
	task.FixStatus = domain.FixRunning
	task.UpdatedAt = now
	return task, nil
}

// buildContext gathers the retrieval half of the agent request: the
// most similar past fixes and the product's top-ranked rules.
func (r *Runner) buildContext(ctx context.Context, task domain.Task, feedback string) (AgentRequest, error) {
	taskEmbedding, err := r.embedder.Embed(ctx, task.Title+"\n"+task.Summary)
	if err != nil {
		return AgentRequest{}, fmt.Errorf("embed task: %w", err)
	}

	fixes, err := r.learn.SimilarFixes(ctx, taskEmbedding, task.Product, learning.DefaultSimilarFixesK)
	if err != nil {
		return AgentRequest{}, fmt.Errorf("similar fixes: %w", err)
	}

	rules, err := r.learn.TopRules(ctx, task.Product, learning.DefaultTopRulesK)
	if err != nil {
		return AgentRequest{}, fmt.Errorf("top rules: %w", err)
	}

	return AgentRequest{
		Task:             task,
		SimilarFixes:     fixes,
		Rules:            rules,
		ReviewerFeedback: feedback,
	}, nil
}

// markCompleted records the successful run: fix_status=completed,
// pr_url/branch written, and times_applied bumped for every rule handed
// to the agent.
func (r *Runner) markCompleted(ctx context.Context, task domain.Task, result AgentResult, rules []domain.Rule) (domain.Task, error) {
	now := time.Now().UTC()
	key := task.Key()
	if err := r.st.KV.UpdateFields(ctx, key, map[string]string{
		"fix_status": string(domain.FixCompleted),
		"pr_url":     result.PRURL,
		"branch":     result.Branch,
		"updated_at": domain.FormatTime(now),
	}); err != nil {
		return domain.Task{}, fmt.Errorf("fixrunner: write completed task: %w", err)
	}

	for _, rule := range rules {
		if err := r.st.KV.IncrRuleUsage(ctx, rule.Key(), domain.FormatTime(now)); err != nil {
			r.logger.Warn("fixrunner: rule usage increment failed", "rule_id", rule.ID, "err", err)
			continue
		}
		rule.TimesApplied++
		rule.LastAppliedAt = now
		if err := r.st.KV.AddToRuleSet(ctx, task.Product, rule.ID, ruleScoreFor(rule)); err != nil {
			r.logger.Warn("fixrunner: rule set rescoring failed", "rule_id", rule.ID, "err", err)
		}
	}

	store.SwallowError(r.logger, "fixrunner: publish fix.completed",
		r.st.Queue.PublishEvent(ctx, store.EventFixCompleted, map[string]string{"task_id": task.ID, "pr_url": result.PRURL}))

	r.pm.IncFixRunCompleted(task.Product)
	task.FixStatus = domain.FixCompleted
	task.PRURL = result.PRURL
	task.Branch = result.Branch
	task.UpdatedAt = now
	return task, nil
}

// markFailed records fix_status=failed with a reason. Failed runs are
// surfaced to operators, never retried automatically.
func (r *Runner) markFailed(ctx context.Context, task domain.Task, reason string) (domain.Task, error) {
	now := time.Now().UTC()
	if err := r.st.KV.UpdateFields(ctx, task.Key(), map[string]string{
		"fix_status": string(domain.FixFailed),
		"updated_at": domain.FormatTime(now),
	}); err != nil {
		r.logger.Error("fixrunner: write failed-task status failed", "task_id", task.ID, "err", err)
	}
	r.logger.Error("fixrunner: fix run failed", "task_id", task.ID, "reason", reason)

	r.pm.IncFixRunFailed(task.Product)
	task.FixStatus = domain.FixFailed
	task.UpdatedAt = now
	return task, fmt.Errorf("fixrunner: fix run failed: %s", reason)
}

// canTransitionToRunning: only none→running and failed→running are
// allowed; running and completed reject a concurrent start attempt.
func canTransitionToRunning(current domain.FixStatus) bool {
	return current == domain.FixNone || current == domain.FixFailed
}

// ruleScoreFor mirrors learning.ruleScore (unexported there) so a
// completed fix can rescore the product's rule sorted set without
// importing learning's internals.
func ruleScoreFor(r domain.Rule) float64 {
	return float64(r.TimesApplied)*1e12 + float64(r.LastAppliedAt.Unix())
}
