// Package llm defines Darwin's boundary to the LLM provider: structured
// classification of topics into tasks, and rule extraction from review
// feedback. The pipeline core never constructs a prompt string by hand
// outside this package.
package llm

import (
	"context"

	"github.com/darwin-ai/darwin/internal/domain"
)

// ClassifyInput carries everything the classify worker assembles for
// one topic classification call.
type ClassifyInput struct {
	Product  string
	Title    string
	Excerpts []string // already truncated/capped by the caller
}

// ClassifyResult is the structured output the provider must return.
// The caller validates Category against domain's enumeration and
// Confidence against [0, 1]; anything outside them is a classification
// failure. Severity is not checked.
type ClassifyResult struct {
	Category        string
	Title           string
	Summary         string
	Severity        string
	SuggestedAction string
	Confidence      float64
}

// ExtractRulesInput carries the review feedback and task context used to
// mine reusable rules.
type ExtractRulesInput struct {
	FeedbackText string
	Task         domain.Task
}

// ExtractedRule is one rule candidate returned by the provider, prior to
// the core's length check and upsert-dedup.
type ExtractedRule struct {
	Content  string
	Category string
}

// Provider is Darwin's LLM boundary. Implementations must be safe for
// concurrent use by both ClassifyWorker and ReviewHandler.
type Provider interface {
	Classify(ctx context.Context, in ClassifyInput) (ClassifyResult, error)
	ExtractRules(ctx context.Context, in ExtractRulesInput) ([]ExtractedRule, error)
}
