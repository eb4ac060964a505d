package domain

import (
	"fmt"
	"strconv"
	"strings"
	"time"
)

// Record is a flat string map, the wire shape every Store backend
// persists regardless of whether it is an in-memory map or Redis hash.
type Record map[string]string

const timeLayout = time.RFC3339Nano

// FormatTime renders t in the canonical Record timestamp layout, shared
// by every package that writes a timestamp field into a Store record
// (ingest's `last_seen` bump, cluster's `updated_at`, fixrunner's status
// transitions).
func FormatTime(t time.Time) string {
	if t.IsZero() {
		return ""
	}
	return t.Format(timeLayout)
}

// ParseTime parses a Record timestamp field, returning the zero time for
// an empty or malformed value.
func ParseTime(s string) time.Time {
	if s == "" {
		return time.Time{}
	}
	t, err := time.Parse(timeLayout, s)
	if err != nil {
		return time.Time{}
	}
	return t
}

func formatTime(t time.Time) string { return FormatTime(t) }
func parseTime(s string) time.Time  { return ParseTime(s) }

// encodeVector renders a vector as a single comma-separated field. There
// is one canonical encoding; no base64 duplicate is kept alongside it.
func encodeVector(v []float32) string {
	if len(v) == 0 {
		return ""
	}
	parts := make([]string, len(v))
	for i, f := range v {
		parts[i] = strconv.FormatFloat(float64(f), 'g', -1, 32)
	}
	return strings.Join(parts, ",")
}

func decodeVector(s string) []float32 {
	if s == "" {
		return nil
	}
	parts := strings.Split(s, ",")
	out := make([]float32, len(parts))
	for i, p := range parts {
		f, err := strconv.ParseFloat(p, 32)
		if err != nil {
			continue
		}
		out[i] = float32(f)
	}
	return out
}

// MarshalRecord converts a Signal into its flat Store representation.
func (s Signal) MarshalRecord() Record {
	return Record{
		"hash":       s.Hash,
		"text":       s.Text,
		"normalized": s.Normalized,
		"source":     s.Source,
		"url":        s.URL,
		"title":      s.Title,
		"author":     s.Author,
		"product":    s.Product,
		"topic_id":   s.TopicID,
		"first_seen": formatTime(s.FirstSeen),
		"last_seen":  formatTime(s.LastSeen),
	}
}

// UnmarshalSignal reconstructs a Signal from its flat Store representation.
func UnmarshalSignal(r Record) Signal {
	return Signal{
		Hash:       r["hash"],
		Text:       r["text"],
		Normalized: r["normalized"],
		Source:     r["source"],
		URL:        r["url"],
		Title:      r["title"],
		Author:     r["author"],
		Product:    r["product"],
		TopicID:    r["topic_id"],
		FirstSeen:  parseTime(r["first_seen"]),
		LastSeen:   parseTime(r["last_seen"]),
	}
}

// MarshalRecord converts a Topic into its flat Store representation.
func (t Topic) MarshalRecord() Record {
	return Record{
		"id":           t.ID,
		"title":        t.Title,
		"summary":      t.Summary,
		"status":       string(t.Status),
		"product":      t.Product,
		"category":     string(t.Category),
		"signal_count": strconv.Itoa(t.SignalCount),
		"centroid":     encodeVector(t.Centroid),
		"created_at":   formatTime(t.CreatedAt),
		"updated_at":   formatTime(t.UpdatedAt),
	}
}

// UnmarshalTopic reconstructs a Topic from its flat Store representation.
func UnmarshalTopic(r Record) Topic {
	count, _ := strconv.Atoi(r["signal_count"])
	return Topic{
		ID:          r["id"],
		Title:       r["title"],
		Summary:     r["summary"],
		Status:      TopicStatus(r["status"]),
		Product:     r["product"],
		Category:    TaskCategory(r["category"]),
		SignalCount: count,
		Centroid:    decodeVector(r["centroid"]),
		CreatedAt:   parseTime(r["created_at"]),
		UpdatedAt:   parseTime(r["updated_at"]),
	}
}

// MarshalRecord converts a Task into its flat Store representation.
func (t Task) MarshalRecord() Record {
	return Record{
		"id":               t.ID,
		"topic_id":         t.TopicID,
		"category":         string(t.Category),
		"title":            t.Title,
		"summary":          t.Summary,
		"severity":         t.Severity,
		"suggested_action": t.SuggestedAction,
		"confidence":       strconv.FormatFloat(t.Confidence, 'g', -1, 64),
		"product":          t.Product,
		"status":           string(t.Status),
		"issue_url":        t.IssueURL,
		"issue_number":     strconv.Itoa(t.IssueNumber),
		"fix_status":       string(t.FixStatus),
		"pr_url":           t.PRURL,
		"branch":           t.Branch,
		"created_at":       formatTime(t.CreatedAt),
		"updated_at":       formatTime(t.UpdatedAt),
	}
}

// UnmarshalTask reconstructs a Task from its flat Store representation.
func UnmarshalTask(r Record) Task {
	confidence, _ := strconv.ParseFloat(r["confidence"], 64)
	issueNum, _ := strconv.Atoi(r["issue_number"])
	return Task{
		ID:              r["id"],
		TopicID:         r["topic_id"],
		Category:        TaskCategory(r["category"]),
		Title:           r["title"],
		Summary:         r["summary"],
		Severity:        r["severity"],
		SuggestedAction: r["suggested_action"],
		Confidence:      confidence,
		Product:         r["product"],
		Status:          TaskStatus(r["status"]),
		IssueURL:        r["issue_url"],
		IssueNumber:     issueNum,
		FixStatus:       FixStatus(r["fix_status"]),
		PRURL:           r["pr_url"],
		Branch:          r["branch"],
		CreatedAt:       parseTime(r["created_at"]),
		UpdatedAt:       parseTime(r["updated_at"]),
	}
}

// MarshalRecord converts a SuccessfulFix into its flat Store representation.
func (f SuccessfulFix) MarshalRecord() Record {
	return Record{
		"task_id":       f.TaskID,
		"topic_id":      f.TopicID,
		"category":      string(f.Category),
		"title":         f.Title,
		"summary":       f.Summary,
		"product":       f.Product,
		"pr_url":        f.PRURL,
		"pr_title":      f.PRTitle,
		"branch":        f.Branch,
		"files_changed": strings.Join(f.FilesChanged, ","),
		"merged_at":     formatTime(f.MergedAt),
		"embedding":     encodeVector(f.Embedding),
	}
}

// UnmarshalSuccessfulFix reconstructs a SuccessfulFix from its flat Store
// representation.
func UnmarshalSuccessfulFix(r Record) SuccessfulFix {
	var files []string
	if fc := r["files_changed"]; fc != "" {
		files = strings.Split(fc, ",")
	}
	return SuccessfulFix{
		TaskID:       r["task_id"],
		TopicID:      r["topic_id"],
		Category:     TaskCategory(r["category"]),
		Title:        r["title"],
		Summary:      r["summary"],
		Product:      r["product"],
		PRURL:        r["pr_url"],
		PRTitle:      r["pr_title"],
		Branch:       r["branch"],
		FilesChanged: files,
		MergedAt:     parseTime(r["merged_at"]),
		Embedding:    decodeVector(r["embedding"]),
	}
}

// MarshalRecord converts a Rule into its flat Store representation.
func (r Rule) MarshalRecord() Record {
	return Record{
		"id":              r.ID,
		"product":         r.Product,
		"content":         r.Content,
		"category":        string(r.Category),
		"source":          string(r.Source),
		"source_task_id":  r.SourceTaskID,
		"reviewer":        r.Reviewer,
		"times_applied":   strconv.Itoa(r.TimesApplied),
		"last_applied_at": formatTime(r.LastAppliedAt),
		"created_at":      formatTime(r.CreatedAt),
	}
}

// UnmarshalRule reconstructs a Rule from its flat Store representation.
func UnmarshalRule(rec Record) Rule {
	applied, _ := strconv.Atoi(rec["times_applied"])
	return Rule{
		ID:            rec["id"],
		Product:       rec["product"],
		Content:       rec["content"],
		Category:      RuleCategory(rec["category"]),
		Source:        RuleSource(rec["source"]),
		SourceTaskID:  rec["source_task_id"],
		Reviewer:      rec["reviewer"],
		TimesApplied:  applied,
		LastAppliedAt: parseTime(rec["last_applied_at"]),
		CreatedAt:     parseTime(rec["created_at"]),
	}
}

// NormalizedRuleKey returns the per-product dedup key for rule upserts:
// normalized content, used to detect an existing rule with equal meaning.
func NormalizedRuleKey(product, content string) string {
	return fmt.Sprintf("%s:%s", product, Normalize(content))
}
