package embedding

import (
	"context"
	"crypto/sha1"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	lru "github.com/hashicorp/golang-lru/v2"
	"github.com/meridianhealth/procedure-advisor/internal/domain/providers"
	apperrors "github.com/meridianhealth/procedure-advisor/pkg/errors"
)

// Service wraps an EmbeddingProvider with a bounded in-process LRU cache and
// an optional shared second-level cache. Failures are surfaced as
// RETRIEVAL_UNAVAILABLE; a placeholder vector is never returned.
type Service struct {
	provider providers.EmbeddingProvider
	local    *lru.Cache[string, []float32]
	shared   providers.CacheProvider
	ttl      time.Duration
}

// NewService creates a new embedding service. shared may be nil.
func NewService(provider providers.EmbeddingProvider, cacheSize int, shared providers.CacheProvider, ttl time.Duration) (*Service, error) {
	if cacheSize <= 0 {
		cacheSize = 1024
	}
	local, err := lru.New[string, []float32](cacheSize)
	if err != nil {
		return nil, err
	}
	return &Service{
		provider: provider,
		local:    local,
		shared:   shared,
		ttl:      ttl,
	}, nil
}

// NormalizeQuery lowercases and collapses whitespace so equivalent queries
// share one cache entry.
func NormalizeQuery(text string) string {
	return strings.Join(strings.Fields(strings.ToLower(text)), " ")
}

func cacheKey(text, model string) string {
	sum := sha1.Sum([]byte(model + "\x00" + text))
	return "emb:" + hex.EncodeToString(sum[:])
}

// Embed returns the embedding for the given text, serving repeats from
// cache.
func (s *Service) Embed(ctx context.Context, text, model string) ([]float32, error) {
	normalized := NormalizeQuery(text)
	if normalized == "" {
		return nil, apperrors.NewValidationError("embedding input is empty")
	}
	key := cacheKey(normalized, model)

	if vector, ok := s.local.Get(key); ok {
		return vector, nil
	}

	if s.shared != nil {
		if data, err := s.shared.Get(ctx, key); err == nil {
			var vector []float32
			if json.Unmarshal(data, &vector) == nil && len(vector) > 0 {
				s.local.Add(key, vector)
				return vector, nil
			}
		}
	}

	vector, err := s.provider.Embed(ctx, normalized, model)
	if err != nil {
		return nil, apperrors.NewRetrievalUnavailableError(
			fmt.Sprintf("embedding failed for model %s", model), err)
	}

	s.local.Add(key, vector)
	if s.shared != nil {
		if data, err := json.Marshal(vector); err == nil {
			_ = s.shared.Set(ctx, key, data, s.ttl)
		}
	}

	return vector, nil
}
