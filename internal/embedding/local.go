package embedding

import (
	"context"
	"crypto/sha256"
	"encoding/binary"
)

// Local is a deterministic, dependency-free Embedder suitable for tests
// and for environments with no remote embedding provider configured. It
// fills a fixed-width vector from a generator seeded by the text's SHA-256
// digest, not semantically meaningful, but stable, collision-resistant for distinct
// inputs, and exercises every code path that depends on Embedder without
// a network call.
type Local struct {
	dim int
}

// NewLocal creates a Local embedder producing vectors of width dim.
func NewLocal(dim int) *Local {
	if dim <= 0 {
		dim = 384
	}
	return &Local{dim: dim}
}

// Dim returns the embedder's vector width.
func (l *Local) Dim() int { return l.dim }

// Embed hashes text into a dim-wide vector and unit-normalizes it.
func (l *Local) Embed(_ context.Context, text string) ([]float32, error) {
	v := make([]float32, l.dim)
	sum := sha256.Sum256([]byte(text))
	seed := binary.BigEndian.Uint64(sum[:8])
	state := seed
	for i := range v {
		state = state*6364136223846793005 + 1442695040888963407 // LCG, deterministic per seed
		v[i] = float32(int32(state>>32)) / float32(1<<31)
	}
	return Normalize(v), nil
}
