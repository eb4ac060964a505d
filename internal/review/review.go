// Package review is the webhook-driven Task state machine and the rule
// extraction it triggers on changes-requested review feedback.
package review

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/darwin-ai/darwin/internal/config"
	"github.com/darwin-ai/darwin/internal/domain"
	"github.com/darwin-ai/darwin/internal/fixrunner"
	"github.com/darwin-ai/darwin/internal/learning"
	"github.com/darwin-ai/darwin/internal/llm"
	"github.com/darwin-ai/darwin/internal/store"
	"github.com/darwin-ai/darwin/pkg/metrics"
)

// EventKind enumerates the webhook events the state machine keys on.
// The HTTP layer passes every kind through; Handler logs and ignores
// unrecognised ones.
type EventKind string

const (
	EventPROpened         EventKind = "pr_opened"
	EventPRMerged         EventKind = "pr_merged"
	EventPRClosed         EventKind = "pr_closed"
	EventReviewChangesReq EventKind = "review_changes_requested"
	EventReviewApproved   EventKind = "review_approved"
	EventReviewCommented  EventKind = "review_commented"
)

// Event is one parsed, signature-verified webhook delivery.
type Event struct {
	Kind     EventKind
	TaskID   string
	Reviewer string
	Feedback string // review comment body; only set for changes-requested
}

// Handler applies webhook events to task state.
type Handler struct {
	st       *store.Store
	learn    *learning.Store
	runner   *fixrunner.Runner
	provider llm.Provider
	cfg      config.Config
	logger   *slog.Logger
	pm       *metrics.PipelineMetrics
}

// New constructs a Handler. pm may be nil.
func New(st *store.Store, learn *learning.Store, runner *fixrunner.Runner, provider llm.Provider, cfg config.Config, logger *slog.Logger, pm *metrics.PipelineMetrics) *Handler {
	if logger == nil {
		logger = slog.Default()
	}
	return &Handler{st: st, learn: learn, runner: runner, provider: provider, cfg: cfg, logger: logger, pm: pm}
}

// Handle dispatches one verified webhook event. An unknown task_id is
// logged and discarded, since the PR may be human-authored.
func (h *Handler) Handle(ctx context.Context, ev Event) error {
	rec, ok, err := h.st.KV.GetRecord(ctx, "task:"+ev.TaskID)
	if err != nil {
		return fmt.Errorf("review: load task %s: %w", ev.TaskID, err)
	}
	if !ok {
		h.logger.Info("review: unknown task_id, discarding", "task_id", ev.TaskID, "event", ev.Kind)
		return nil
	}
	task := domain.UnmarshalTask(rec)

	switch ev.Kind {
	case EventPROpened:
		return h.handlePROpened(ctx, task)
	case EventPRMerged:
		return h.handlePRMerged(ctx, task)
	case EventPRClosed:
		return h.handlePRClosed(ctx, task)
	case EventReviewChangesReq:
		return h.handleChangesRequested(ctx, task, ev)
	case EventReviewApproved, EventReviewCommented:
		return nil // no state change
	default:
		h.logger.Warn("review: unrecognised event kind", "task_id", ev.TaskID, "event", ev.Kind)
		return nil
	}
}

// handlePROpened moves a task with a running fix to in_progress.
func (h *Handler) handlePROpened(ctx context.Context, task domain.Task) error {
	if !appliesOnPROpened(task.Status, task.FixStatus) {
		return nil
	}
	return h.updateTaskStatus(ctx, task, domain.TaskInProgress)
}

// appliesOnPROpened: only open or in_progress tasks with a running fix
// react to a PR-opened event.
func appliesOnPROpened(status domain.TaskStatus, fixStatus domain.FixStatus) bool {
	if fixStatus != domain.FixRunning {
		return false
	}
	return status == domain.TaskOpen || status == domain.TaskInProgress
}

// handlePRMerged closes out a merged fix: status=done,
// fix_status=completed, then the success record for future retrieval.
// A re-delivered merge event for a task that already has a
// SuccessfulFix is an idempotent no-op.
func (h *Handler) handlePRMerged(ctx context.Context, task domain.Task) error {
	if task.Status != domain.TaskInProgress || task.FixStatus != domain.FixRunning {
		return nil
	}

	exists, err := h.st.KV.Exists(ctx, "fix:success:"+task.ID)
	if err != nil {
		return fmt.Errorf("review: check existing success record: %w", err)
	}

	now := time.Now().UTC()
	if err := h.st.KV.UpdateFields(ctx, task.Key(), map[string]string{
		"status":     string(domain.TaskDone),
		"fix_status": string(domain.FixCompleted),
		"updated_at": domain.FormatTime(now),
	}); err != nil {
		return fmt.Errorf("review: write done task: %w", err)
	}
	if err := h.st.KV.ClearTopicTask(ctx, task.TopicID); err != nil {
		h.logger.Warn("review: clear topic task pointer failed", "task_id", task.ID, "err", err)
	}

	if exists {
		return nil
	}
	if _, err := h.learn.StoreSuccess(ctx, task, task.PRURL, "", task.Branch, nil, now); err != nil {
		return fmt.Errorf("review: store success: %w", err)
	}
	if h.st.Lineage != nil {
		store.SwallowError(h.logger, "review: lineage task->fix", h.st.Lineage.LinkTaskToFix(ctx, task.ID))
	}
	return nil
}

// handlePRClosed handles a PR closed without merging: the fix failed,
// the task reopens, and nothing is learned from it.
func (h *Handler) handlePRClosed(ctx context.Context, task domain.Task) error {
	if task.Status != domain.TaskInProgress {
		return nil
	}
	now := time.Now().UTC()
	return h.st.KV.UpdateFields(ctx, task.Key(), map[string]string{
		"status":     string(domain.TaskOpen),
		"fix_status": string(domain.FixFailed),
		"updated_at": domain.FormatTime(now),
	})
}

// handleChangesRequested always extracts rules from the feedback; a
// re-entry into the fix runner only happens if auto-iterate is enabled
// and the iteration counter hasn't exceeded FixAutoIterMax.
func (h *Handler) handleChangesRequested(ctx context.Context, task domain.Task, ev Event) error {
	if task.Status != domain.TaskInProgress {
		return nil
	}

	if err := h.extractRules(ctx, task, ev.Feedback, ev.Reviewer); err != nil {
		h.logger.Error("review: rule extraction failed", "task_id", task.ID, "err", err)
	}

	if !h.cfg.FixAutoIterate {
		return nil
	}
	iteration, err := h.st.KV.IncrIterationCount(ctx, task.Key())
	if err != nil {
		return fmt.Errorf("review: increment iteration count: %w", err)
	}
	if !withinIterationBudget(iteration, h.cfg.FixAutoIterMax) {
		h.logger.Info("review: auto-iterate budget exhausted", "task_id", task.ID, "iteration", iteration)
		return nil
	}

	if h.runner == nil {
		return nil
	}
	if _, err := h.runner.Start(ctx, task.ID, ev.Feedback); err != nil {
		h.logger.Error("review: auto-iterate fix start failed", "task_id", task.ID, "err", err)
	}
	return nil
}

// extractRules calls the provider, then upserts each returned rule with
// source=review_feedback. A rule whose content exceeds 500 chars after
// strip is rejected by learning.Store.UpsertRule via
// domain.ValidateRule; this function logs and skips such a rule rather
// than failing the whole extraction.
func (h *Handler) extractRules(ctx context.Context, task domain.Task, feedback, reviewer string) error {
	rules, err := h.provider.ExtractRules(ctx, llm.ExtractRulesInput{FeedbackText: feedback, Task: task})
	if err != nil {
		return fmt.Errorf("extract rules: %w", err)
	}

	for _, r := range rules {
		category := domain.RuleCategory(r.Category)
		if !domain.ValidRuleCategories[category] {
			h.logger.Warn("review: extracted rule has unrecognised category, skipping", "task_id", task.ID, "category", r.Category)
			continue
		}
		if _, err := h.learn.UpsertRule(ctx, task.Product, r.Content, category, domain.SourceReviewFeedback, task.ID, reviewer); err != nil {
			h.logger.Warn("review: upsert extracted rule failed", "task_id", task.ID, "err", err)
			continue
		}
		h.pm.IncRuleExtracted(task.Product)
	}
	return nil
}

// withinIterationBudget guards the auto-iterate re-entry against
// runaway review loops.
func withinIterationBudget(iteration, max int) bool {
	return iteration <= max
}

func (h *Handler) updateTaskStatus(ctx context.Context, task domain.Task, status domain.TaskStatus) error {
	return h.st.KV.UpdateFields(ctx, task.Key(), map[string]string{
		"status":     string(status),
		"updated_at": domain.FormatTime(time.Now().UTC()),
	})
}
