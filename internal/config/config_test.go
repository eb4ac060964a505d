package config

import "testing"

func TestLoadDefaults(t *testing.T) {
	cfg := Load()
	if cfg.EmbeddingDim != 384 {
		t.Errorf("EmbeddingDim = %d, want 384", cfg.EmbeddingDim)
	}
	if cfg.ClusterThresholdHigh != 0.75 || cfg.ClusterThresholdLow != 0.60 {
		t.Errorf("unexpected cluster thresholds: %v / %v", cfg.ClusterThresholdHigh, cfg.ClusterThresholdLow)
	}
	if err := cfg.Validate(); err != nil {
		t.Fatalf("default config should validate: %v", err)
	}
}

func TestValidateRejectsBadThresholds(t *testing.T) {
	cfg := Load()
	cfg.ClusterThresholdHigh = 0.5
	cfg.ClusterThresholdLow = 0.6
	if err := cfg.Validate(); err == nil {
		t.Fatal("expected error when high <= low")
	}
}

func TestEnvOrInt(t *testing.T) {
	t.Setenv("DARWIN_TEST_INT", "42")
	if got := envOrInt("DARWIN_TEST_INT", 1); got != 42 {
		t.Errorf("envOrInt = %d, want 42", got)
	}
	if got := envOrInt("DARWIN_TEST_INT_MISSING", 7); got != 7 {
		t.Errorf("envOrInt fallback = %d, want 7", got)
	}
}
