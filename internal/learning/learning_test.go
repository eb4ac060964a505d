package learning

import (
	"testing"
	"time"

	"github.com/darwin-ai/darwin/internal/domain"
)

func TestSortRulesByUsageOrdersByTimesAppliedThenRecency(t *testing.T) {
	older := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	newer := time.Date(2026, 2, 1, 0, 0, 0, 0, time.UTC)

	rules := []domain.Rule{
		{ID: "low-usage", TimesApplied: 1, LastAppliedAt: newer},
		{ID: "high-usage-old", TimesApplied: 5, LastAppliedAt: older},
		{ID: "high-usage-new", TimesApplied: 5, LastAppliedAt: newer},
	}
	sortRulesByUsage(rules)

	want := []string{"high-usage-new", "high-usage-old", "low-usage"}
	for i, id := range want {
		if rules[i].ID != id {
			t.Fatalf("position %d: got %q, want %q", i, rules[i].ID, id)
		}
	}
}

func TestSortRulesByUsageTiesBreakOnCreatedAtAscending(t *testing.T) {
	same := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	rules := []domain.Rule{
		{ID: "later", TimesApplied: 2, LastAppliedAt: same, CreatedAt: same.Add(time.Hour)},
		{ID: "earlier", TimesApplied: 2, LastAppliedAt: same, CreatedAt: same},
	}
	sortRulesByUsage(rules)
	if rules[0].ID != "earlier" {
		t.Fatalf("expected earlier-created rule first, got %q", rules[0].ID)
	}
}

func TestRuleScoreOrdersByTimesAppliedDominantly(t *testing.T) {
	a := domain.Rule{TimesApplied: 2, LastAppliedAt: time.Unix(1_000_000_000, 0)}
	b := domain.Rule{TimesApplied: 1, LastAppliedAt: time.Unix(2_000_000_000, 0)}
	if ruleScore(a) <= ruleScore(b) {
		t.Fatalf("expected higher times_applied to dominate score regardless of recency: a=%v b=%v", ruleScore(a), ruleScore(b))
	}
}
