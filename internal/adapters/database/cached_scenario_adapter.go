package database

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/meridianhealth/procedure-advisor/internal/domain/entities"
	"github.com/meridianhealth/procedure-advisor/internal/domain/providers"
	"github.com/meridianhealth/procedure-advisor/internal/domain/repositories"
)

// CachedScenarioAdapter wraps a ScenarioRepository with recommendation-level
// caching. Vector searches are never cached; their result depends on the
// query embedding, which has its own cache.
type CachedScenarioAdapter struct {
	adapter repositories.ScenarioRepository
	cache   providers.CacheProvider
}

// NewCachedScenarioAdapter creates a new cached scenario adapter
func NewCachedScenarioAdapter(adapter repositories.ScenarioRepository, cache providers.CacheProvider) repositories.ScenarioRepository {
	return &CachedScenarioAdapter{
		adapter: adapter,
		cache:   cache,
	}
}

const recommendationsTTL = 10 * time.Minute

func recommendationsCacheKey(scenarioID string, perScenario int) string {
	return fmt.Sprintf("scenario:recs:%s:%d", scenarioID, perScenario)
}

// SearchScenarios delegates to the underlying adapter.
func (a *CachedScenarioAdapter) SearchScenarios(ctx context.Context, vector []float32, topK int) ([]entities.ScenarioHit, error) {
	return a.adapter.SearchScenarios(ctx, vector, topK)
}

// FetchRecommendations serves per-scenario recommendation lists from cache
// and fetches only the missing scenarios from the store.
func (a *CachedScenarioAdapter) FetchRecommendations(ctx context.Context, scenarioIDs []string, perScenario int) (map[string][]entities.ProcedureRecommendation, error) {
	result := make(map[string][]entities.ProcedureRecommendation, len(scenarioIDs))
	var missing []string

	for _, id := range scenarioIDs {
		cached, err := a.cache.Get(ctx, recommendationsCacheKey(id, perScenario))
		if err != nil {
			missing = append(missing, id)
			continue
		}
		var recs []entities.ProcedureRecommendation
		if err := json.Unmarshal(cached, &recs); err != nil {
			missing = append(missing, id)
			continue
		}
		result[id] = recs
	}

	if len(missing) == 0 {
		return result, nil
	}

	fetched, err := a.adapter.FetchRecommendations(ctx, missing, perScenario)
	if err != nil {
		return nil, err
	}

	for _, id := range missing {
		recs := fetched[id]
		result[id] = recs
		if data, err := json.Marshal(recs); err == nil {
			// Best effort; a failed cache write never fails the read path.
			_ = a.cache.Set(ctx, recommendationsCacheKey(id, perScenario), data, recommendationsTTL)
		}
	}

	return result, nil
}
