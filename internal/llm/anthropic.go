package llm

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/anthropics/anthropic-sdk-go"
	"github.com/anthropics/anthropic-sdk-go/option"
	"golang.org/x/time/rate"
)

// Anthropic is the reference Provider, backed by anthropic-sdk-go's
// structured tool-use support: each call forces a single named tool so
// the model's response is a validated JSON object rather than free
// text.
type Anthropic struct {
	client  anthropic.Client
	model   anthropic.Model
	limiter *rate.Limiter
}

// NewAnthropic constructs a Provider. limiter may be nil, in which case
// calls are unthrottled.
func NewAnthropic(apiKey, model string, limiter *rate.Limiter) *Anthropic {
	return &Anthropic{
		client:  anthropic.NewClient(option.WithAPIKey(apiKey)),
		model:   anthropic.Model(model),
		limiter: limiter,
	}
}

func (a *Anthropic) wait(ctx context.Context) error {
	if a.limiter == nil {
		return nil
	}
	return a.limiter.Wait(ctx)
}

const classifyToolName = "classify_topic"

var classifySchema = anthropic.ToolInputSchemaParam{
	Properties: map[string]any{
		"category": map[string]any{
			"type": "string",
			"enum": []string{"BUG", "FEATURE", "UX", "OTHER"},
		},
		"title":            map[string]any{"type": "string"},
		"summary":          map[string]any{"type": "string"},
		"severity":         map[string]any{"type": "string"},
		"suggested_action": map[string]any{"type": "string"},
		"confidence":       map[string]any{"type": "number"},
	},
	Required: []string{"category", "title", "summary", "confidence"},
}

type classifyToolOutput struct {
	Category        string  `json:"category"`
	Title           string  `json:"title"`
	Summary         string  `json:"summary"`
	Severity        string  `json:"severity"`
	SuggestedAction string  `json:"suggested_action"`
	Confidence      float64 `json:"confidence"`
}

// Classify implements Provider.
func (a *Anthropic) Classify(ctx context.Context, in ClassifyInput) (ClassifyResult, error) {
	if err := a.wait(ctx); err != nil {
		return ClassifyResult{}, fmt.Errorf("llm: rate limit wait: %w", err)
	}

	prompt := buildClassifyPrompt(in)

	msg, err := a.client.Messages.New(ctx, anthropic.MessageNewParams{
		Model:     a.model,
		MaxTokens: 1024,
		Messages: []anthropic.MessageParam{
			anthropic.NewUserMessage(anthropic.NewTextBlock(prompt)),
		},
		Tools: []anthropic.ToolUnionParam{
			{
				OfTool: &anthropic.ToolParam{
					Name:        classifyToolName,
					Description: anthropic.String("Classify a cluster of user feedback into a single actionable task."),
					InputSchema: classifySchema,
				},
			},
		},
		ToolChoice: anthropic.ToolChoiceUnionParam{
			OfTool: &anthropic.ToolChoiceToolParam{Name: classifyToolName},
		},
	})
	if err != nil {
		return ClassifyResult{}, fmt.Errorf("llm: classify: %w", err)
	}

	raw, err := extractToolInput(msg, classifyToolName)
	if err != nil {
		return ClassifyResult{}, err
	}

	var out classifyToolOutput
	if err := json.Unmarshal(raw, &out); err != nil {
		return ClassifyResult{}, fmt.Errorf("llm: classify: decode tool output: %w", err)
	}

	return ClassifyResult{
		Category:        out.Category,
		Title:           out.Title,
		Summary:         out.Summary,
		Severity:        out.Severity,
		SuggestedAction: out.SuggestedAction,
		Confidence:      out.Confidence,
	}, nil
}

const extractRulesToolName = "extract_rules"

var extractRulesSchema = anthropic.ToolInputSchemaParam{
	Properties: map[string]any{
		"rules": map[string]any{
			"type": "array",
			"items": map[string]any{
				"type": "object",
				"properties": map[string]any{
					"content": map[string]any{"type": "string"},
					"category": map[string]any{
						"type": "string",
						"enum": []string{"style", "convention", "workflow", "constraint"},
					},
				},
				"required": []string{"content", "category"},
			},
		},
	},
	Required: []string{"rules"},
}

type extractRulesToolOutput struct {
	Rules []ExtractedRule `json:"rules"`
}

// ExtractRules implements Provider.
func (a *Anthropic) ExtractRules(ctx context.Context, in ExtractRulesInput) ([]ExtractedRule, error) {
	if err := a.wait(ctx); err != nil {
		return nil, fmt.Errorf("llm: rate limit wait: %w", err)
	}

	prompt := buildExtractRulesPrompt(in)

	msg, err := a.client.Messages.New(ctx, anthropic.MessageNewParams{
		Model:     a.model,
		MaxTokens: 1024,
		Messages: []anthropic.MessageParam{
			anthropic.NewUserMessage(anthropic.NewTextBlock(prompt)),
		},
		Tools: []anthropic.ToolUnionParam{
			{
				OfTool: &anthropic.ToolParam{
					Name:        extractRulesToolName,
					Description: anthropic.String("Extract zero or more generic, reusable engineering rules from review feedback."),
					InputSchema: extractRulesSchema,
				},
			},
		},
		ToolChoice: anthropic.ToolChoiceUnionParam{
			OfTool: &anthropic.ToolChoiceToolParam{Name: extractRulesToolName},
		},
	})
	if err != nil {
		return nil, fmt.Errorf("llm: extract rules: %w", err)
	}

	raw, err := extractToolInput(msg, extractRulesToolName)
	if err != nil {
		return nil, err
	}

	var out extractRulesToolOutput
	if err := json.Unmarshal(raw, &out); err != nil {
		return nil, fmt.Errorf("llm: extract rules: decode tool output: %w", err)
	}
	return out.Rules, nil
}

// extractToolInput finds the named tool_use block in msg and returns its
// raw JSON input. A response that omits the forced tool is returned as a
// plain error that callers cannot tell apart from a transport error;
// classifyworker retries it on its transport retry schedule.
func extractToolInput(msg *anthropic.Message, toolName string) (json.RawMessage, error) {
	for _, block := range msg.Content {
		if tu := block.AsToolUse(); tu.Name == toolName {
			return tu.Input, nil
		}
	}
	return nil, fmt.Errorf("llm: no %q tool_use block in response", toolName)
}

func buildClassifyPrompt(in ClassifyInput) string {
	s := fmt.Sprintf("Product: %s\nTopic title: %s\n\nUser feedback excerpts:\n", in.Product, in.Title)
	for _, e := range in.Excerpts {
		s += "- " + e + "\n"
	}
	s += "\nClassify this topic using the classify_topic tool."
	return s
}

func buildExtractRulesPrompt(in ExtractRulesInput) string {
	return fmt.Sprintf(
		"Task: %s\nSummary: %s\n\nCode review feedback:\n%s\n\n"+
			"Extract any generic, reusable engineering rules implied by this feedback "+
			"using the extract_rules tool. Rules must be phrased generically, not tied "+
			"to this specific task. Return zero rules if none generalize.",
		in.Task.Title, in.Task.Summary, in.FeedbackText,
	)
}
