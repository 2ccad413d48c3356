package rerank

import (
	"context"
	"math"

	"github.com/meridianhealth/procedure-advisor/internal/application/embedding"
	"github.com/meridianhealth/procedure-advisor/internal/domain/entities"
)

// EmbeddingScorer is a secondary cross-comparison pass that re-embeds each
// candidate's description and scores it by cosine similarity against a fresh
// query embedding. Noticeably more expensive than the primary signals, which
// is why the skip heuristic exists.
type EmbeddingScorer struct {
	embeddings *embedding.Service
	model      string
}

// NewEmbeddingScorer creates an embedding-based secondary scorer.
func NewEmbeddingScorer(embeddings *embedding.Service, model string) *EmbeddingScorer {
	return &EmbeddingScorer{embeddings: embeddings, model: model}
}

// Score implements SecondaryScorer.
func (s *EmbeddingScorer) Score(ctx context.Context, query string, hits []entities.ScenarioHit) ([]float64, error) {
	queryVec, err := s.embeddings.Embed(ctx, query, s.model)
	if err != nil {
		return nil, err
	}

	scores := make([]float64, len(hits))
	for i, hit := range hits {
		candidateVec, err := s.embeddings.Embed(ctx, hit.Scenario.Description, s.model)
		if err != nil {
			return nil, err
		}
		scores[i] = cosine(queryVec, candidateVec)
	}
	return scores, nil
}

func cosine(a, b []float32) float64 {
	if len(a) != len(b) || len(a) == 0 {
		return 0
	}
	var dot, normA, normB float64
	for i := range a {
		dot += float64(a[i]) * float64(b[i])
		normA += float64(a[i]) * float64(a[i])
		normB += float64(b[i]) * float64(b[i])
	}
	if normA == 0 || normB == 0 {
		return 0
	}
	return dot / (math.Sqrt(normA) * math.Sqrt(normB))
}
