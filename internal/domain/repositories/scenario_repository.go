package repositories

import (
	"context"

	"github.com/meridianhealth/procedure-advisor/internal/domain/entities"
)

// ScenarioRepository is the vector store gateway contract: nearest-neighbor
// candidate retrieval plus a secondary fetch for recommendation-level detail.
type ScenarioRepository interface {
	// SearchScenarios returns up to topK scenarios ranked by similarity to
	// the query vector, most similar first.
	SearchScenarios(ctx context.Context, vector []float32, topK int) ([]entities.ScenarioHit, error)

	// FetchRecommendations returns up to perScenario recommendations for each
	// of the given scenarios, best rating first.
	FetchRecommendations(ctx context.Context, scenarioIDs []string, perScenario int) (map[string][]entities.ProcedureRecommendation, error)
}
