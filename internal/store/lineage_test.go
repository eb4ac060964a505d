package store

import "testing"

func TestDepthLiteralClampsRange(t *testing.T) {
	tests := []struct {
		in   int
		want string
	}{
		{0, "1"},
		{-5, "1"},
		{3, "3"},
		{20, "9"},
	}
	for _, tt := range tests {
		if got := depthLiteral(tt.in); got != tt.want {
			t.Errorf("depthLiteral(%d) = %q, want %q", tt.in, got, tt.want)
		}
	}
}
