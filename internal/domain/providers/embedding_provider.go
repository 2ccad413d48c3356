package providers

import (
	"context"
	"errors"
)

// ErrEmbeddingUnavailable marks the embedding dependency as down
// (authorization or transport failure). The provider never substitutes a
// zero or placeholder vector for a real failure.
var ErrEmbeddingUnavailable = errors.New("embedding service unavailable")

// EmbeddingProvider turns text into a fixed-dimension vector.
type EmbeddingProvider interface {
	Embed(ctx context.Context, text, model string) ([]float32, error)
}
