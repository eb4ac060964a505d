package fixrunner

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"golang.org/x/time/rate"
)

// HTTPAgent is a reference CodingAgent implementation calling an
// external coding-agent executor over HTTP, the same plain
// http.Client-over-JSON shape internal/embedding.Remote and
// internal/forge.RESTClient use for their own provider boundaries. The
// executor itself (sandboxing, tool use, git plumbing) stays external.
type HTTPAgent struct {
	baseURL string
	token   string
	client  *http.Client
	limiter *rate.Limiter
}

// NewHTTPAgent constructs an HTTPAgent. limiter may be nil, in which
// case calls are unthrottled. timeout bounds a single agent invocation.
func NewHTTPAgent(baseURL, token string, timeout time.Duration, limiter *rate.Limiter) *HTTPAgent {
	return &HTTPAgent{
		baseURL: baseURL,
		token:   token,
		client:  &http.Client{Timeout: timeout},
		limiter: limiter,
	}
}

type agentRunRequest struct {
	TaskID           string   `json:"task_id"`
	Title            string   `json:"title"`
	Summary          string   `json:"summary"`
	Product          string   `json:"product"`
	SimilarFixes     []string `json:"similar_fix_summaries"`
	Rules            []string `json:"rules"`
	ReviewerFeedback string   `json:"reviewer_feedback,omitempty"`
}

type agentRunResponse struct {
	Branch       string   `json:"branch"`
	PRURL        string   `json:"pr_url"`
	FilesChanged []string `json:"files_changed"`
}

// Run implements CodingAgent.
func (a *HTTPAgent) Run(ctx context.Context, req AgentRequest) (AgentResult, error) {
	if a.limiter != nil {
		if err := a.limiter.Wait(ctx); err != nil {
			return AgentResult{}, fmt.Errorf("fixrunner: agent rate limit wait: %w", err)
		}
	}

	fixSummaries := make([]string, 0, len(req.SimilarFixes))
	for _, f := range req.SimilarFixes {
		fixSummaries = append(fixSummaries, f.Title+": "+f.Summary)
	}
	rules := make([]string, 0, len(req.Rules))
	for _, r := range req.Rules {
		rules = append(rules, r.Content)
	}

	body, err := json.Marshal(agentRunRequest{
		TaskID:           req.Task.ID,
		Title:            req.Task.Title,
		Summary:          req.Task.Summary,
		Product:          req.Task.Product,
		SimilarFixes:     fixSummaries,
		Rules:            rules,
		ReviewerFeedback: req.ReviewerFeedback,
	})
	if err != nil {
		return AgentResult{}, err
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, a.baseURL+"/run", bytes.NewReader(body))
	if err != nil {
		return AgentResult{}, err
	}
	httpReq.Header.Set("Content-Type", "application/json")
	if a.token != "" {
		httpReq.Header.Set("Authorization", "Bearer "+a.token)
	}

	resp, err := a.client.Do(httpReq)
	if err != nil {
		return AgentResult{}, fmt.Errorf("fixrunner: agent run: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return AgentResult{}, fmt.Errorf("fixrunner: agent run: status %d", resp.StatusCode)
	}

	var out agentRunResponse
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return AgentResult{}, fmt.Errorf("fixrunner: agent run decode: %w", err)
	}
	return AgentResult{Branch: out.Branch, PRURL: out.PRURL, FilesChanged: out.FilesChanged}, nil
}
