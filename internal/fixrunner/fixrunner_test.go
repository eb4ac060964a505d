package fixrunner

import (
	"testing"

	"github.com/darwin-ai/darwin/internal/domain"
)

func TestCanTransitionToRunning(t *testing.T) {
	tests := []struct {
		status domain.FixStatus
		want   bool
	}{
		{domain.FixNone, true},
		{domain.FixFailed, true},
		{domain.FixRunning, false},
		{domain.FixCompleted, false},
	}
	for _, tt := range tests {
		if got := canTransitionToRunning(tt.status); got != tt.want {
			t.Errorf("canTransitionToRunning(%q) = %v, want %v", tt.status, got, tt.want)
		}
	}
}

func TestRuleScoreForDominatesByUsage(t *testing.T) {
	heavilyUsed := domain.Rule{TimesApplied: 3}
	rarelyUsed := domain.Rule{TimesApplied: 1}
	if ruleScoreFor(heavilyUsed) <= ruleScoreFor(rarelyUsed) {
		t.Fatalf("expected higher times_applied to score higher")
	}
}
