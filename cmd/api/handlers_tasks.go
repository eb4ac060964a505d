package main

import (
	"encoding/json"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/darwin-ai/darwin/internal/domain"
	"github.com/darwin-ai/darwin/internal/forge"
)

func (d *deps) handleListTasks(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	statusFilter := domain.TaskStatus(q.Get("status"))
	categoryFilter := domain.TaskCategory(q.Get("category"))
	limit := 100
	if v := q.Get("limit"); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n > 0 {
			limit = n
		}
	}

	keys, err := d.st.KV.Keys(r.Context(), "task:*")
	if err != nil {
		writeStoreError(w, d.logger, "api: list tasks failed", err)
		return
	}

	out := make([]domain.Task, 0, limit)
	for _, key := range keys {
		if !strings.HasPrefix(key, "task:") || strings.Contains(key, ":iterations") {
			continue
		}
		if len(out) >= limit {
			break
		}
		rec, ok, err := d.st.KV.GetRecord(r.Context(), key)
		if err != nil || !ok {
			continue
		}
		task := domain.UnmarshalTask(rec)
		if statusFilter != "" && task.Status != statusFilter {
			continue
		}
		if categoryFilter != "" && task.Category != categoryFilter {
			continue
		}
		out = append(out, task)
	}
	writeJSON(w, http.StatusOK, out)
}

func (d *deps) handleGetTask(w http.ResponseWriter, r *http.Request) {
	task, ok, err := d.loadTask(r, r.PathValue("id"))
	if err != nil {
		writeStoreError(w, d.logger, "api: get task failed", err)
		return
	}
	if !ok {
		writeError(w, http.StatusNotFound, "not_found", "task not found")
		return
	}
	writeJSON(w, http.StatusOK, task)
}

func (d *deps) loadTask(r *http.Request, id string) (domain.Task, bool, error) {
	rec, ok, err := d.st.KV.GetRecord(r.Context(), "task:"+id)
	if err != nil || !ok {
		return domain.Task{}, ok, err
	}
	return domain.UnmarshalTask(rec), true, nil
}

type patchTaskRequest struct {
	Status domain.TaskStatus `json:"status"`
}

// handlePatchTask allows only explicit status transitions: a caller may
// move a task between open and in_progress by hand, but done is only
// ever set by the review handler on a merged PR, never by a direct API
// write.
func (d *deps) handlePatchTask(w http.ResponseWriter, r *http.Request) {
	var req patchTaskRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid_request", "body must be {\"status\": ...}")
		return
	}

	task, ok, err := d.loadTask(r, r.PathValue("id"))
	if err != nil {
		writeStoreError(w, d.logger, "api: patch task load failed", err)
		return
	}
	if !ok {
		writeError(w, http.StatusNotFound, "not_found", "task not found")
		return
	}

	if !canPatchTaskStatus(task.Status, req.Status) {
		writeError(w, http.StatusBadRequest, "invalid_transition", "status transition not permitted via this endpoint")
		return
	}

	now := time.Now().UTC()
	if err := d.st.KV.UpdateFields(r.Context(), task.Key(), map[string]string{
		"status":     string(req.Status),
		"updated_at": domain.FormatTime(now),
	}); err != nil {
		writeStoreError(w, d.logger, "api: patch task write failed", err)
		return
	}
	task.Status = req.Status
	task.UpdatedAt = now
	writeJSON(w, http.StatusOK, task)
}

// canPatchTaskStatus implements the permitted subset of manual status
// transitions: open and in_progress may be toggled by hand; done is
// reachable only through the review webhook's merge path.
func canPatchTaskStatus(current, target domain.TaskStatus) bool {
	if !domain.ValidTaskStatuses[target] || target == domain.TaskDone {
		return false
	}
	return current == domain.TaskOpen || current == domain.TaskInProgress
}

func (d *deps) handleCreateIssue(w http.ResponseWriter, r *http.Request) {
	if d.forge == nil {
		writeError(w, http.StatusServiceUnavailable, "forge_unavailable", "no forge provider configured")
		return
	}
	task, ok, err := d.loadTask(r, r.PathValue("id"))
	if err != nil {
		writeStoreError(w, d.logger, "api: create-issue task load failed", err)
		return
	}
	if !ok {
		writeError(w, http.StatusNotFound, "not_found", "task not found")
		return
	}

	repoID, ok := d.cfg.ProductRepos[task.Product]
	if !ok {
		writeError(w, http.StatusBadRequest, "invalid_request", "no forge repository configured for this task's product")
		return
	}

	result, err := d.forge.CreateIssue(r.Context(), forge.IssueRequest{
		RepoID: repoID,
		Title:  task.Title,
		Body:   task.Summary,
	})
	if err != nil {
		d.logger.Error("api: create issue failed", "task_id", task.ID, "err", err)
		writeError(w, http.StatusBadGateway, "forge_error", "failed to create issue with forge provider")
		return
	}

	if err := d.st.KV.UpdateFields(r.Context(), task.Key(), map[string]string{
		"issue_url":    result.URL,
		"issue_number": strconv.Itoa(result.Number),
		"updated_at":   domain.FormatTime(time.Now().UTC()),
	}); err != nil {
		d.logger.Warn("api: issue fields write failed", "task_id", task.ID, "err", err)
	}

	writeJSON(w, http.StatusOK, map[string]any{"issue_url": result.URL, "issue_number": result.Number})
}

func (d *deps) handleStartFix(w http.ResponseWriter, r *http.Request) {
	if d.runner == nil {
		writeError(w, http.StatusServiceUnavailable, "fix_runner_unavailable", "no coding-agent configured")
		return
	}
	id := r.PathValue("id")

	task, err := d.runner.Start(r.Context(), id, "")
	if err != nil {
		writeStoreError(w, d.logger, "api: fix start failed", err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"fix_status":    task.FixStatus,
		"pr_url":        task.PRURL,
		"branch":        task.Branch,
	})
}
