// Package learning indexes successful fixes by embedding and
// style/convention rules by usage, and serves both back as retrieval
// context for future fix prompts.
package learning

import (
	"context"
	"fmt"
	"log/slog"
	"sort"
	"time"

	"github.com/google/uuid"

	"github.com/darwin-ai/darwin/internal/domain"
	"github.com/darwin-ai/darwin/internal/embedding"
	"github.com/darwin-ai/darwin/internal/store"
)

// Default result sizes for the two retrieval calls.
const (
	DefaultSimilarFixesK  = 3
	DefaultTopRulesK      = 20
	similarFixesMinScore  = 0.5
)

// Store is the learning store.
type Store struct {
	st       *store.Store
	embedder embedding.Embedder
	logger   *slog.Logger
}

// New constructs a learning Store.
func New(st *store.Store, embedder embedding.Embedder, logger *slog.Logger) *Store {
	if logger == nil {
		logger = slog.Default()
	}
	return &Store{st: st, embedder: embedder, logger: logger}
}

// SimilarFixes returns the k most similar SuccessfulFix records for
// product, filtered to cosine similarity at least 0.5.
func (s *Store) SimilarFixes(ctx context.Context, taskEmbedding []float32, product string, k int) ([]domain.SuccessfulFix, error) {
	if k <= 0 {
		k = DefaultSimilarFixesK
	}
	hits, err := s.st.Fixes.SearchFiltered(ctx, taskEmbedding, k, map[string]string{"product": product})
	if err != nil {
		return nil, fmt.Errorf("learning: search fixes: %w", err)
	}

	out := make([]domain.SuccessfulFix, 0, len(hits))
	for _, h := range hits {
		if h.Score < similarFixesMinScore {
			continue
		}
		rec, ok, err := s.st.KV.GetRecord(ctx, "fix:success:"+h.ID)
		if err != nil {
			return nil, fmt.Errorf("learning: load fix %s: %w", h.ID, err)
		}
		if !ok {
			continue // indexed point outlived its KV record; skip rather than fail the whole lookup
		}
		out = append(out, domain.UnmarshalSuccessfulFix(rec))
	}
	return out, nil
}

// TopRules returns the product's rules sorted by (times_applied desc,
// last_applied_at desc, created_at asc), truncated to k. A Redis sorted
// set keyed by product makes this an O(log n) ZREVRANGE rather than a
// full per-product scan; the in-process sort below only breaks ties the
// sorted-set score can't express (last_applied_at/created_at).
func (s *Store) TopRules(ctx context.Context, product string, k int) ([]domain.Rule, error) {
	if k <= 0 {
		k = DefaultTopRulesK
	}
	ids, err := s.st.KV.TopRuleIDs(ctx, product, k*3) // overfetch; composite score collisions are resolved below
	if err != nil {
		return nil, fmt.Errorf("learning: top rule ids: %w", err)
	}

	rules := make([]domain.Rule, 0, len(ids))
	for _, id := range ids {
		rec, ok, err := s.st.KV.GetRecord(ctx, "rule:"+product+":"+id)
		if err != nil {
			return nil, fmt.Errorf("learning: load rule %s: %w", id, err)
		}
		if !ok {
			continue
		}
		rules = append(rules, domain.UnmarshalRule(rec))
	}

	sortRulesByUsage(rules)
	if len(rules) > k {
		rules = rules[:k]
	}
	return rules, nil
}

// sortRulesByUsage orders rules by times_applied desc, last_applied_at
// desc, created_at asc. Split out from TopRules so the ordering itself
// is testable without a live store.
func sortRulesByUsage(rules []domain.Rule) {
	sort.Slice(rules, func(i, j int) bool {
		if rules[i].TimesApplied != rules[j].TimesApplied {
			return rules[i].TimesApplied > rules[j].TimesApplied
		}
		if !rules[i].LastAppliedAt.Equal(rules[j].LastAppliedAt) {
			return rules[i].LastAppliedAt.After(rules[j].LastAppliedAt)
		}
		return rules[i].CreatedAt.Before(rules[j].CreatedAt)
	})
}

// StoreSuccess records one merged fix: the embedding is computed from
// task.title + "\n" + task.summary, the record is written, and the fix
// is indexed for future SimilarFixes lookups.
func (s *Store) StoreSuccess(ctx context.Context, task domain.Task, prURL, prTitle, branch string, filesChanged []string, mergedAt time.Time) (domain.SuccessfulFix, error) {
	v, err := s.embedder.Embed(ctx, task.Title+"\n"+task.Summary)
	if err != nil {
		return domain.SuccessfulFix{}, fmt.Errorf("learning: embed task for fix record: %w", err)
	}

	fix := domain.SuccessfulFix{
		TaskID:       task.ID,
		TopicID:      task.TopicID,
		Category:     task.Category,
		Title:        task.Title,
		Summary:      task.Summary,
		Product:      task.Product,
		PRURL:        prURL,
		PRTitle:      prTitle,
		Branch:       branch,
		FilesChanged: filesChanged,
		MergedAt:     mergedAt,
		Embedding:    v,
	}

	if err := s.st.KV.PutRecord(ctx, fix.Key(), fix.MarshalRecord()); err != nil {
		return domain.SuccessfulFix{}, fmt.Errorf("learning: write fix record: %w", err)
	}
	if err := s.st.Fixes.Upsert(ctx, []store.VectorRecord{{
		ID:        task.ID,
		Embedding: v,
		Payload: map[string]string{
			"product":  task.Product,
			"category": string(task.Category),
		},
	}}); err != nil {
		return domain.SuccessfulFix{}, fmt.Errorf("learning: index fix: %w", err)
	}
	return fix, nil
}

// UpsertRule deduplicates rules by normalized content per product. An
// existing match has its last_applied_at/times_applied bumped instead
// of a new record being created, keeping times_applied monotonically
// non-decreasing.
func (s *Store) UpsertRule(ctx context.Context, product, content string, category domain.RuleCategory, source domain.RuleSource, sourceTaskID, reviewer string) (domain.Rule, error) {
	now := time.Now().UTC()
	dedupKey := domain.NormalizedRuleKey(product, content)

	existingID, ok, err := s.st.KV.GetDedupRuleID(ctx, dedupKey)
	if err != nil {
		return domain.Rule{}, fmt.Errorf("learning: dedup lookup: %w", err)
	}
	if ok {
		key := "rule:" + product + ":" + existingID
		rec, found, err := s.st.KV.GetRecord(ctx, key)
		if err != nil {
			return domain.Rule{}, fmt.Errorf("learning: load existing rule %s: %w", existingID, err)
		}
		if found {
			if err := s.st.KV.IncrRuleUsage(ctx, key, domain.FormatTime(now)); err != nil {
				return domain.Rule{}, fmt.Errorf("learning: bump rule usage: %w", err)
			}
			rule := domain.UnmarshalRule(rec)
			rule.TimesApplied++
			rule.LastAppliedAt = now
			if err := s.st.KV.AddToRuleSet(ctx, product, existingID, ruleScore(rule)); err != nil {
				s.logger.Warn("learning: rule set score update failed", "rule_id", existingID, "err", err)
			}
			return rule, nil
		}
	}

	rule := domain.Rule{
		ID:            uuid.New().String(),
		Product:       product,
		Content:       content,
		Category:      category,
		Source:        source,
		SourceTaskID:  sourceTaskID,
		Reviewer:      reviewer,
		TimesApplied:  1,
		LastAppliedAt: now,
		CreatedAt:     now,
	}
	if err := domain.ValidateRule(rule); err != nil {
		return domain.Rule{}, err
	}

	if err := s.st.KV.PutRecord(ctx, rule.Key(), rule.MarshalRecord()); err != nil {
		return domain.Rule{}, fmt.Errorf("learning: write rule: %w", err)
	}
	if err := s.st.KV.SetDedupRuleID(ctx, dedupKey, rule.ID); err != nil {
		return domain.Rule{}, fmt.Errorf("learning: write dedup index: %w", err)
	}
	if err := s.st.KV.AddToRuleSet(ctx, product, rule.ID, ruleScore(rule)); err != nil {
		s.logger.Warn("learning: rule set insert failed", "rule_id", rule.ID, "err", err)
	}
	return rule, nil
}

// DeleteRule removes a rule and its sorted-set/dedup-index entries. The
// underlying record is looked up first so the dedup key can be recomputed
// from its content; a rule that no longer exists is treated as already
// deleted rather than an error.
func (s *Store) DeleteRule(ctx context.Context, product, ruleID string) error {
	key := "rule:" + product + ":" + ruleID
	rec, ok, err := s.st.KV.GetRecord(ctx, key)
	if err != nil {
		return fmt.Errorf("learning: load rule %s: %w", ruleID, err)
	}
	if !ok {
		return nil
	}
	rule := domain.UnmarshalRule(rec)

	if err := s.st.KV.Delete(ctx, key); err != nil {
		return fmt.Errorf("learning: delete rule %s: %w", ruleID, err)
	}
	if err := s.st.KV.RemoveFromRuleSet(ctx, product, ruleID); err != nil {
		s.logger.Warn("learning: rule set removal failed", "rule_id", ruleID, "err", err)
	}
	dedupKey := domain.NormalizedRuleKey(product, rule.Content)
	if err := s.st.KV.DeleteDedupRuleID(ctx, dedupKey); err != nil {
		s.logger.Warn("learning: dedup index removal failed", "rule_id", ruleID, "err", err)
	}
	return nil
}

// ruleScore computes the composite sort key backing the Redis sorted
// set: times_applied dominates, with last_applied_at as a tiebreaker,
// so ZREVRANGE alone gets close to the final order without a full scan.
// Remaining ties are broken in TopRules.
func ruleScore(r domain.Rule) float64 {
	return float64(r.TimesApplied)*1e12 + float64(r.LastAppliedAt.Unix())
}
