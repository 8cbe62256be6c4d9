package embeddings

import (
	"context"
	"errors"
)

// ErrUnavailable reports that the embedding service could not produce a
// vector. Callers degrade to keyword-only scoring; this is never fatal.
var ErrUnavailable = errors.New("embedding service unavailable")

// Provider converts text to fixed-dimension float32 vectors.
// Implementations: Hash (local default, tests), remote model clients.
type Provider interface {
	Embed(ctx context.Context, text string) ([]float32, error)
	Dimensions() int
}
