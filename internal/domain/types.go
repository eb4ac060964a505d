// Package domain defines Darwin's core record types, enumerations, and
// validation. It is the typing gate every pipeline stage reads and writes
// through; nothing downstream touches a raw field map.
package domain

import "time"

// TopicStatus is the lifecycle state of a Topic.
type TopicStatus string

const (
	TopicOpen   TopicStatus = "open"
	TopicClosed TopicStatus = "closed"
)

// ValidTopicStatuses is the set of recognised topic statuses.
var ValidTopicStatuses = map[TopicStatus]bool{
	TopicOpen:   true,
	TopicClosed: true,
}

// TaskCategory classifies the kind of change a Task represents.
type TaskCategory string

const (
	CategoryBug     TaskCategory = "BUG"
	CategoryFeature TaskCategory = "FEATURE"
	CategoryUX      TaskCategory = "UX"
	CategoryOther   TaskCategory = "OTHER"
)

// ValidTaskCategories is the set of recognised task categories.
var ValidTaskCategories = map[TaskCategory]bool{
	CategoryBug:     true,
	CategoryFeature: true,
	CategoryUX:      true,
	CategoryOther:   true,
}

// TaskStatus is the lifecycle state of a Task.
type TaskStatus string

const (
	TaskOpen       TaskStatus = "open"
	TaskInProgress TaskStatus = "in_progress"
	TaskDone       TaskStatus = "done"
)

// ValidTaskStatuses is the set of recognised task statuses.
var ValidTaskStatuses = map[TaskStatus]bool{
	TaskOpen:       true,
	TaskInProgress: true,
	TaskDone:       true,
}

// FixStatus is the lifecycle state of a Task's fix-runner coordination.
type FixStatus string

const (
	FixNone      FixStatus = "none"
	FixRunning   FixStatus = "running"
	FixCompleted FixStatus = "completed"
	FixFailed    FixStatus = "failed"
)

// ValidFixStatuses is the set of recognised fix statuses.
var ValidFixStatuses = map[FixStatus]bool{
	FixNone:      true,
	FixRunning:   true,
	FixCompleted: true,
	FixFailed:    true,
}

// RuleCategory classifies the kind of instruction a Rule encodes.
type RuleCategory string

const (
	RuleStyle      RuleCategory = "style"
	RuleConvention RuleCategory = "convention"
	RuleWorkflow   RuleCategory = "workflow"
	RuleConstraint RuleCategory = "constraint"
)

// ValidRuleCategories is the set of recognised rule categories.
var ValidRuleCategories = map[RuleCategory]bool{
	RuleStyle:      true,
	RuleConvention: true,
	RuleWorkflow:   true,
	RuleConstraint: true,
}

// RuleSource identifies how a Rule came into existence.
type RuleSource string

const (
	SourceManual         RuleSource = "manual"
	SourceReviewFeedback RuleSource = "review_feedback"
)

// ValidRuleSources is the set of recognised rule sources.
var ValidRuleSources = map[RuleSource]bool{
	SourceManual:         true,
	SourceReviewFeedback: true,
}

// Signal is a single normalized piece of user feedback, identified by the
// content hash of its normalized text. It is never deleted by the pipeline.
type Signal struct {
	Hash       string    `json:"hash"`
	Text       string    `json:"text"`
	Normalized string    `json:"normalized"`
	Source     string    `json:"source"`
	URL        string    `json:"url,omitempty"`
	Title      string    `json:"title,omitempty"`
	Author     string    `json:"author,omitempty"`
	Product    string    `json:"product"`
	TopicID    string    `json:"topic_id,omitempty"`
	FirstSeen  time.Time `json:"first_seen"`
	LastSeen   time.Time `json:"last_seen"`
}

// Key returns the Store key for this Signal.
func (s Signal) Key() string { return "signal:" + s.Hash }

// Topic is an online cluster of semantically similar signals, represented
// by a running centroid.
type Topic struct {
	ID          string      `json:"id"`
	Title       string      `json:"title"`
	Summary     string      `json:"summary,omitempty"`
	Status      TopicStatus `json:"status"`
	Product     string      `json:"product"`
	Category    TaskCategory `json:"category,omitempty"`
	SignalCount int         `json:"signal_count"`
	Centroid    []float32   `json:"centroid"`
	CreatedAt   time.Time   `json:"created_at"`
	UpdatedAt   time.Time   `json:"updated_at"`
}

// Key returns the Store key for this Topic.
func (t Topic) Key() string { return "topic:" + t.ID }

// Task is a classified, actionable topic targeted for a code change.
type Task struct {
	ID              string       `json:"id"`
	TopicID         string       `json:"topic_id"`
	Category        TaskCategory `json:"category"`
	Title           string       `json:"title"`
	Summary         string       `json:"summary,omitempty"`
	Severity        string       `json:"severity,omitempty"`
	SuggestedAction string       `json:"suggested_action,omitempty"`
	Confidence      float64      `json:"confidence"`
	Product         string       `json:"product"`
	Status          TaskStatus   `json:"status"`
	IssueURL        string       `json:"issue_url,omitempty"`
	IssueNumber     int          `json:"issue_number,omitempty"`
	FixStatus       FixStatus    `json:"fix_status"`
	PRURL           string       `json:"pr_url,omitempty"`
	Branch          string       `json:"branch,omitempty"`
	CreatedAt       time.Time    `json:"created_at"`
	UpdatedAt       time.Time    `json:"updated_at"`
}

// Key returns the Store key for this Task.
func (t Task) Key() string { return "task:" + t.ID }

// SuccessfulFix records a merged pull request produced by the fix runner,
// indexed by embedding for future retrieval. Immutable once written.
type SuccessfulFix struct {
	TaskID        string       `json:"task_id"`
	TopicID       string       `json:"topic_id"`
	Category      TaskCategory `json:"category"`
	Title         string       `json:"title"`
	Summary       string       `json:"summary,omitempty"`
	Product       string       `json:"product"`
	PRURL         string       `json:"pr_url"`
	PRTitle       string       `json:"pr_title,omitempty"`
	Branch        string       `json:"branch,omitempty"`
	FilesChanged  []string     `json:"files_changed,omitempty"`
	MergedAt      time.Time    `json:"merged_at"`
	Embedding     []float32    `json:"embedding"`
}

// Key returns the Store key for this SuccessfulFix.
func (f SuccessfulFix) Key() string { return "fix:success:" + f.TaskID }

// Rule is a short, reusable instruction included in future fix prompts.
type Rule struct {
	ID            string       `json:"id"`
	Product       string       `json:"product"`
	Content       string       `json:"content"`
	Category      RuleCategory `json:"category"`
	Source        RuleSource   `json:"source"`
	SourceTaskID  string       `json:"source_task_id,omitempty"`
	Reviewer      string       `json:"reviewer,omitempty"`
	TimesApplied  int          `json:"times_applied"`
	LastAppliedAt time.Time    `json:"last_applied_at,omitempty"`
	CreatedAt     time.Time    `json:"created_at"`
}

// Key returns the Store key for this Rule.
func (r Rule) Key() string { return "rule:" + r.Product + ":" + r.ID }

// BatchResult summarizes the outcome of an IngestService.Ingest call.
// Delayed warns that the embed-queue backlog is past the configured
// threshold; the batch was still accepted.
type BatchResult struct {
	Total      int          `json:"total"`
	Queued     int          `json:"queued"`
	Duplicates int          `json:"duplicates"`
	Invalid    int          `json:"invalid"`
	Delayed    bool         `json:"delayed,omitempty"`
	Items      []ItemResult `json:"items"`
}

// ItemOutcome is the per-signal outcome recorded in a BatchResult.
type ItemOutcome string

const (
	OutcomeQueued    ItemOutcome = "queued"
	OutcomeDuplicate ItemOutcome = "duplicate"
	OutcomeInvalid   ItemOutcome = "invalid"
)

// ItemResult is the per-item outcome of one signal within a batch ingest.
type ItemResult struct {
	Hash    string      `json:"hash,omitempty"`
	Outcome ItemOutcome `json:"outcome"`
	Reason  string      `json:"reason,omitempty"`
}
