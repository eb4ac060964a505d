// Package embedding provides Darwin's Embedder contract: a deterministic
// mapping from text to a unit-norm vector of fixed dimension.
package embedding

import (
	"context"
	"math"
)

// Embedder produces a unit-normalized vector for a piece of normalized
// text. Implementations must be deterministic for equal input.
type Embedder interface {
	Embed(ctx context.Context, text string) ([]float32, error)
	Dim() int
}

// Normalize returns a unit-length copy of v; v itself is not modified. A
// zero-length vector is returned unchanged; callers never hand the
// embedder empty text past domain.ValidateSignal's length floor, so this
// only guards against a degenerate provider response.
func Normalize(v []float32) []float32 {
	var sumSq float64
	for _, f := range v {
		sumSq += float64(f) * float64(f)
	}
	if sumSq == 0 {
		return v
	}
	norm := math.Sqrt(sumSq)
	out := make([]float32, len(v))
	for i, f := range v {
		out[i] = float32(float64(f) / norm)
	}
	return out
}
