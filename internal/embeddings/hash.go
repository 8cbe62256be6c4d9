package embeddings

import (
	"context"
	"hash/fnv"
	"math"
)

// Hash is a deterministic local embedder. It hashes the text and expands the
// hash into a unit vector with an LCG. It carries no semantics, but it is
// stable, dependency-free and dimension-correct, which makes it the default
// for local runs and the test double everywhere.
type Hash struct {
	dim int
}

// NewHash creates a hash embedder producing dim-length vectors.
func NewHash(dim int) *Hash {
	if dim <= 0 {
		dim = 384
	}
	return &Hash{dim: dim}
}

// Embed produces a deterministic unit vector for text.
func (h *Hash) Embed(_ context.Context, text string) ([]float32, error) {
	hasher := fnv.New64a()
	hasher.Write([]byte(text))
	seed := hasher.Sum64()

	vec := make([]float32, h.dim)
	for i := range vec {
		seed = seed*6364136223846793005 + 1442695040888963407
		vec[i] = float32(int64(seed)) / float32(math.MaxInt64)
	}
	return normalize(vec), nil
}

// Dimensions returns the vector length.
func (h *Hash) Dimensions() int { return h.dim }

func normalize(vec []float32) []float32 {
	var norm float32
	for _, v := range vec {
		norm += v * v
	}
	if norm == 0 {
		return vec
	}
	norm = float32(math.Sqrt(float64(norm)))
	for i, v := range vec {
		vec[i] = v / norm
	}
	return vec
}
