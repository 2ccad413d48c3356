package providers

import (
	"context"
	"errors"
)

// ErrGenerationUnavailable marks the completion endpoint as down. Callers
// must surface this as an explicit failure, never a fabricated answer.
var ErrGenerationUnavailable = errors.New("generation service unavailable")

// GenerationRequest is one completion call under the structured-output
// contract: the endpoint is instructed to return parseable data within a
// bounded output length.
type GenerationRequest struct {
	Prompt          string
	Model           string
	MaxOutputTokens int
	Temperature     float64
}

// GenerationProvider invokes a completion-style endpoint and returns the raw
// output text.
type GenerationProvider interface {
	Complete(ctx context.Context, req GenerationRequest) (string, error)
}
