package domain

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"strings"
	"unicode/utf8"
)

const minNormalizedLength = 3

const maxRuleContentLength = 500

// Normalize collapses whitespace and lowercases text, per the ingest
// contract: normalize(text) = collapse_whitespace(strip(lowercase(text))).
func Normalize(text string) string {
	lower := strings.ToLower(strings.TrimSpace(text))
	fields := strings.Fields(lower)
	return strings.Join(fields, " ")
}

// ContentHash returns the hex sha256 of normalized text, Darwin's sole
// identity key for a Signal.
func ContentHash(normalized string) string {
	sum := sha256.Sum256([]byte(normalized))
	return hex.EncodeToString(sum[:])
}

// ValidateSignal validates a candidate Signal prior to ingest. Text and
// Normalized are expected to already be populated by the caller.
func ValidateSignal(s Signal) error {
	if utf8.RuneCountInString(s.Normalized) < minNormalizedLength {
		return NewValidationError("text", s.Normalized, ErrTextTooShort)
	}
	if strings.TrimSpace(s.Product) == "" {
		return NewValidationError("product", s.Product, ErrProductRequired)
	}
	if strings.TrimSpace(s.Source) == "" {
		return NewValidationError("source", s.Source, ErrSourceRequired)
	}
	return nil
}

// ValidateTask validates a Task's enum fields and confidence range,
// applied before a new Task is written; store reads do not call it.
func ValidateTask(t Task) error {
	if !ValidTaskCategories[t.Category] {
		return NewValidationError("category", string(t.Category), ErrInvalidCategory)
	}
	if !ValidTaskStatuses[t.Status] {
		return NewValidationError("status", string(t.Status), ErrInvalidStatus)
	}
	if !ValidFixStatuses[t.FixStatus] {
		return NewValidationError("fix_status", string(t.FixStatus), ErrInvalidFixStatus)
	}
	if t.Confidence < 0 || t.Confidence > 1 {
		return NewValidationError("confidence", fmt.Sprintf("%.3f", t.Confidence), ErrConfidenceRange)
	}
	return nil
}

// ValidateTopic validates a Topic's enum fields.
func ValidateTopic(t Topic) error {
	if !ValidTopicStatuses[t.Status] {
		return NewValidationError("status", string(t.Status), ErrInvalidStatus)
	}
	if t.Category != "" && !ValidTaskCategories[t.Category] {
		return NewValidationError("category", string(t.Category), ErrInvalidCategory)
	}
	return nil
}

// ValidateRule validates a Rule's enum fields and content length. The
// 500-char cap applies after stripping, per the rule-extraction contract.
func ValidateRule(r Rule) error {
	if !ValidRuleCategories[r.Category] {
		return NewValidationError("category", string(r.Category), ErrInvalidRuleCat)
	}
	if !ValidRuleSources[r.Source] {
		return NewValidationError("source", string(r.Source), ErrInvalidRuleSrc)
	}
	content := strings.TrimSpace(r.Content)
	if utf8.RuneCountInString(content) > maxRuleContentLength {
		return NewValidationError("content", content, ErrRuleTooLong)
	}
	return nil
}
