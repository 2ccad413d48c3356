package rerank

import (
	"context"
	"sort"
	"strings"

	"github.com/meridianhealth/procedure-advisor/internal/domain/entities"
	"github.com/meridianhealth/procedure-advisor/internal/infrastructure/observability"
)

// ScoredCandidate is a retrieval hit annotated with rerank signals.
type ScoredCandidate struct {
	entities.ScenarioHit
	KeywordBoost   float64
	SecondaryScore float64
	RerankScore    float64
}

// SecondaryScorer is the optional, more expensive cross-comparison pass.
// Scores are expected in [0,1], one per candidate, in input order.
type SecondaryScorer interface {
	Score(ctx context.Context, query string, hits []entities.ScenarioHit) ([]float64, error)
}

// Config holds the reranker weights and the dynamic skip heuristic
// parameters. All values come from configuration; the defaults are not
// assumed optimal.
type Config struct {
	KeywordBoostWeight float64
	SecondaryWeight    float64
	SkipConfidence     float64
	SkipMargin         float64
}

// Reranker blends similarity with keyword-overlap boosts and an optional
// secondary score. Output ordering is deterministic: the sort is stable and
// ties break by original retrieval order.
type Reranker struct {
	cfg       Config
	secondary SecondaryScorer
}

// NewReranker creates a reranker. secondary may be nil.
func NewReranker(cfg Config, secondary SecondaryScorer) *Reranker {
	return &Reranker{cfg: cfg, secondary: secondary}
}

// Result carries the reranked candidates plus the skip decision for the
// diagnostic trace.
type Result struct {
	Candidates       []ScoredCandidate
	SecondarySkipped bool
}

// Rerank scores and reorders the retrieval hits.
func (r *Reranker) Rerank(ctx context.Context, query string, hits []entities.ScenarioHit) Result {
	if len(hits) == 0 {
		return Result{}
	}

	queryTokens := tokenize(query)
	candidates := make([]ScoredCandidate, len(hits))
	for i, hit := range hits {
		boost := r.keywordBoost(queryTokens, hit.Scenario)
		candidates[i] = ScoredCandidate{
			ScenarioHit:  hit,
			KeywordBoost: boost,
			RerankScore:  hit.Similarity + boost,
		}
	}

	skip := r.ShouldSkipSecondary(hits)
	if r.secondary != nil && !skip {
		scores, err := r.secondary.Score(ctx, query, hits)
		if err != nil || len(scores) != len(hits) {
			// Secondary scoring is an enhancement; fall back to the primary
			// signals when it fails.
			observability.LoggerFromContext(ctx).Warn().Err(err).Msg("secondary rerank scoring failed, using primary signals only")
		} else {
			for i := range candidates {
				candidates[i].SecondaryScore = scores[i]
				candidates[i].RerankScore += r.cfg.SecondaryWeight * scores[i]
			}
		}
	}

	sort.SliceStable(candidates, func(i, j int) bool {
		if candidates[i].RerankScore != candidates[j].RerankScore {
			return candidates[i].RerankScore > candidates[j].RerankScore
		}
		return candidates[i].Rank < candidates[j].Rank
	})

	return Result{Candidates: candidates, SecondarySkipped: skip}
}

// ShouldSkipSecondary implements the dynamic skip heuristic: the secondary
// pass is bypassed when the leading candidate is both confidently similar
// and clearly ahead of the runner-up.
func (r *Reranker) ShouldSkipSecondary(hits []entities.ScenarioHit) bool {
	if len(hits) == 0 {
		return true
	}
	top := hits[0].Similarity
	if top < r.cfg.SkipConfidence {
		return false
	}
	if len(hits) == 1 {
		return true
	}
	return top-hits[1].Similarity >= r.cfg.SkipMargin
}

func (r *Reranker) keywordBoost(queryTokens map[string]struct{}, scenario entities.ClinicalScenario) float64 {
	if len(queryTokens) == 0 {
		return 0
	}
	boost := 0.0
	for _, field := range []string{scenario.Description, scenario.Panel, scenario.Topic} {
		boost += r.cfg.KeywordBoostWeight * overlapFraction(queryTokens, field)
	}
	return boost
}

// overlapFraction is the share of query tokens present in the field text.
func overlapFraction(queryTokens map[string]struct{}, field string) float64 {
	if field == "" {
		return 0
	}
	fieldTokens := tokenize(field)
	matched := 0
	for token := range queryTokens {
		if _, ok := fieldTokens[token]; ok {
			matched++
		}
	}
	return float64(matched) / float64(len(queryTokens))
}

var stopwords = map[string]struct{}{
	"a": {}, "an": {}, "and": {}, "at": {}, "for": {}, "in": {}, "of": {},
	"on": {}, "or": {}, "the": {}, "to": {}, "with": {}, "without": {},
}

func tokenize(text string) map[string]struct{} {
	tokens := make(map[string]struct{})
	for _, field := range strings.Fields(strings.ToLower(text)) {
		token := strings.Trim(field, ".,;:!?()[]\"'")
		if token == "" {
			continue
		}
		if _, skip := stopwords[token]; skip {
			continue
		}
		tokens[token] = struct{}{}
	}
	return tokens
}
