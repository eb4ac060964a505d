package review

import (
	"testing"

	"github.com/darwin-ai/darwin/internal/domain"
)

func TestAppliesOnPROpened(t *testing.T) {
	tests := []struct {
		name      string
		status    domain.TaskStatus
		fixStatus domain.FixStatus
		want      bool
	}{
		{"open+running applies", domain.TaskOpen, domain.FixRunning, true},
		{"in_progress+running applies", domain.TaskInProgress, domain.FixRunning, true},
		{"done+running does not apply", domain.TaskDone, domain.FixRunning, false},
		{"open+none does not apply", domain.TaskOpen, domain.FixNone, false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := appliesOnPROpened(tt.status, tt.fixStatus); got != tt.want {
				t.Errorf("appliesOnPROpened(%q, %q) = %v, want %v", tt.status, tt.fixStatus, got, tt.want)
			}
		})
	}
}

func TestWithinIterationBudget(t *testing.T) {
	tests := []struct {
		iteration int
		max       int
		want      bool
	}{
		{1, 3, true},
		{3, 3, true},
		{4, 3, false},
		{0, 3, true},
	}
	for _, tt := range tests {
		if got := withinIterationBudget(tt.iteration, tt.max); got != tt.want {
			t.Errorf("withinIterationBudget(%d, %d) = %v, want %v", tt.iteration, tt.max, got, tt.want)
		}
	}
}
