package embedding

import (
	"context"
	"math"
	"testing"
)

func TestNormalizeUnitLength(t *testing.T) {
	v := []float32{3, 4}
	got := Normalize(v)
	var sumSq float64
	for _, f := range got {
		sumSq += float64(f) * float64(f)
	}
	if diff := math.Abs(sumSq - 1); diff > 1e-6 {
		t.Fatalf("expected unit length, got sum-of-squares %v", sumSq)
	}
}

func TestNormalizeZeroVector(t *testing.T) {
	v := []float32{0, 0, 0}
	got := Normalize(v)
	for _, f := range got {
		if f != 0 {
			t.Fatalf("expected zero vector unchanged, got %v", got)
		}
	}
}

func TestLocalEmbedDeterministic(t *testing.T) {
	l := NewLocal(16)
	a, err := l.Embed(context.Background(), "sync fails")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	b, err := l.Embed(context.Background(), "sync fails")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	for i := range a {
		if a[i] != b[i] {
			t.Fatalf("expected deterministic embedding, differed at %d: %v vs %v", i, a[i], b[i])
		}
	}
	if len(a) != 16 {
		t.Fatalf("expected dim 16, got %d", len(a))
	}
}

func TestLocalEmbedDiffersByText(t *testing.T) {
	l := NewLocal(16)
	a, _ := l.Embed(context.Background(), "sync fails")
	b, _ := l.Embed(context.Background(), "login crashes")
	equal := true
	for i := range a {
		if a[i] != b[i] {
			equal = false
			break
		}
	}
	if equal {
		t.Fatal("expected distinct texts to produce distinct embeddings")
	}
}
