package pipeline

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/meridianhealth/procedure-advisor/internal/application/embedding"
	"github.com/meridianhealth/procedure-advisor/internal/application/generation"
	"github.com/meridianhealth/procedure-advisor/internal/application/prompt"
	"github.com/meridianhealth/procedure-advisor/internal/application/rerank"
	"github.com/meridianhealth/procedure-advisor/internal/domain/entities"
	"github.com/meridianhealth/procedure-advisor/internal/domain/providers"
	"github.com/meridianhealth/procedure-advisor/internal/evaluation"
	"github.com/meridianhealth/procedure-advisor/internal/modelcontext"
	"github.com/meridianhealth/procedure-advisor/internal/rules"
	"github.com/meridianhealth/procedure-advisor/pkg/config"
)

const validAnswer = `{
  "summary": "Coronary CT angiography is usually appropriate for this presentation.",
  "recommendations": [
    {"procedure_name": "Coronary CT angiography", "category": "usually_appropriate", "rating": 9, "rationale": "first-line"},
    {"procedure_name": "CT chest with contrast", "category": "may_be_appropriate", "rating": 5, "rationale": "alternative"},
    {"procedure_name": "Chest radiograph", "category": "may_be_appropriate", "rating": 4, "rationale": "baseline"}
  ]
}`

type fakeEmbedder struct {
	err error
}

func (f *fakeEmbedder) Embed(ctx context.Context, text, model string) ([]float32, error) {
	if f.err != nil {
		return nil, f.err
	}
	return []float32{0.1, 0.2, 0.3}, nil
}

type fakeRepo struct {
	hits      []entities.ScenarioHit
	searchErr error
	recs      map[string][]entities.ProcedureRecommendation
	fetched   bool
}

func (f *fakeRepo) SearchScenarios(ctx context.Context, vector []float32, topK int) ([]entities.ScenarioHit, error) {
	if f.searchErr != nil {
		return nil, f.searchErr
	}
	if topK < len(f.hits) {
		return f.hits[:topK], nil
	}
	return f.hits, nil
}

func (f *fakeRepo) FetchRecommendations(ctx context.Context, scenarioIDs []string, perScenario int) (map[string][]entities.ProcedureRecommendation, error) {
	f.fetched = true
	return f.recs, nil
}

type fakeCompleter struct {
	output     string
	err        error
	lastPrompt string
	lastModel  string
}

func (f *fakeCompleter) Complete(ctx context.Context, req providers.GenerationRequest) (string, error) {
	f.lastPrompt = req.Prompt
	f.lastModel = req.Model
	if f.err != nil {
		return "", f.err
	}
	return f.output, nil
}

func strongHits() []entities.ScenarioHit {
	return []entities.ScenarioHit{
		{
			Scenario: entities.ClinicalScenario{
				ID: "scn-1", Description: "acute chest pain with elevated troponin",
				Panel: "Cardiac", Topic: "Acute Chest Pain", Population: "adult",
			},
			Similarity: 0.88, Rank: 1,
		},
		{
			Scenario: entities.ClinicalScenario{
				ID: "scn-2", Description: "atypical chest pain at rest",
				Panel: "Cardiac", Topic: "Acute Chest Pain", Population: "adult",
			},
			Similarity: 0.71, Rank: 2,
		},
	}
}

type fixture struct {
	orchestrator *Orchestrator
	repo         *fakeRepo
	completer    *fakeCompleter
	evaluator    *evaluation.Worker
}

func newFixture(t *testing.T, edit func(*fixture)) *fixture {
	t.Helper()

	f := &fixture{
		repo:      &fakeRepo{hits: strongHits()},
		completer: &fakeCompleter{output: validAnswer},
	}
	if edit != nil {
		edit(f)
	}

	embedSvc, err := embedding.NewService(&fakeEmbedder{}, 16, nil, time.Hour)
	require.NoError(t, err)

	cfg := config.PipelineConfig{
		TopScenarios:        5,
		TopRecommendations:  10,
		IncludeRationale:    true,
		SimilarityThreshold: 0.6,
		SkipConfidence:      0.85,
		SkipMargin:          0.15,
		KeywordBoostWeight:  0.1,
		PromptCharBudget:    8000,
		MaxOutputTokens:     1200,
		Temperature:         0.2,
	}

	f.orchestrator = NewOrchestrator(Options{
		Config:         cfg,
		Embedder:       embedSvc,
		EmbeddingModel: "text-embedding-3-small",
		Repository:     f.repo,
		Reranker: rerank.NewReranker(rerank.Config{
			KeywordBoostWeight: cfg.KeywordBoostWeight,
			SkipConfidence:     cfg.SkipConfidence,
			SkipMargin:         cfg.SkipMargin,
		}, nil),
		RuleLoader:    rules.NewEmptyLoader(),
		RuleEngine:    rules.NewEngine(rules.ModeEnforce),
		PromptBuilder: prompt.NewBuilder(cfg.PromptCharBudget),
		ModelContext: modelcontext.NewStaticManager(modelcontext.Snapshot{
			Inference: modelcontext.Params{Model: "gpt-4o-mini", MaxOutputTokens: 1200, Temperature: 0.2},
		}),
		Generator: generation.NewService(f.completer, time.Second),
		Evaluator: f.evaluator,
	})
	return f
}

func TestRecommend_GroundedSuccess(t *testing.T) {
	f := newFixture(t, nil)

	res := f.orchestrator.Recommend(context.Background(), entities.PipelineRequest{
		Query: "acute chest pain with elevated troponin",
	})

	require.True(t, res.Success)
	assert.Empty(t, res.Error)
	assert.False(t, res.IsLowSimilarityMode)
	assert.InDelta(t, 0.88, res.MaxSimilarity, 1e-9)
	require.Len(t, res.Recommendations, 3)
	assert.Equal(t, "Coronary CT angiography", res.Recommendations[0].ProcedureName)
	assert.True(t, f.repo.fetched)
	assert.Equal(t, "gpt-4o-mini", f.completer.lastModel)
	assert.Contains(t, f.completer.lastPrompt, "acute chest pain")
	assert.Positive(t, res.ProcessingTime)
}

func TestRecommend_LowSimilarityBelowThreshold(t *testing.T) {
	f := newFixture(t, func(f *fixture) {
		f.repo.hits = []entities.ScenarioHit{{
			Scenario:   entities.ClinicalScenario{ID: "weak", Description: "unrelated"},
			Similarity: 0.45, Rank: 1,
		}}
	})

	res := f.orchestrator.Recommend(context.Background(), entities.PipelineRequest{Query: "obscure symptoms"})

	require.True(t, res.Success)
	assert.True(t, res.IsLowSimilarityMode)
	assert.InDelta(t, 0.45, res.MaxSimilarity, 1e-9)
	// The reduced branch prompts without the weak retrieval context.
	assert.NotContains(t, f.completer.lastPrompt, "unrelated")
	assert.False(t, f.repo.fetched)
}

func TestRecommend_BranchDecisionIgnoresKeywordBoosts(t *testing.T) {
	f := newFixture(t, func(f *fixture) {
		f.repo.hits = []entities.ScenarioHit{
			{
				Scenario: entities.ClinicalScenario{
					ID: "most-similar", Description: "nonspecific abdominal complaint",
					Panel: "Gastrointestinal", Topic: "Abdominal Pain",
				},
				Similarity: 0.62, Rank: 1,
			},
			{
				Scenario: entities.ClinicalScenario{
					ID: "boosted", Description: "pediatric head trauma imaging",
					Panel: "Neurologic", Topic: "Head Trauma",
				},
				Similarity: 0.58, Rank: 2,
			},
		}
	})

	res := f.orchestrator.Recommend(context.Background(), entities.PipelineRequest{
		Query: "pediatric head trauma imaging",
		Debug: true,
	})

	require.True(t, res.Success)
	// The keyword boost lifts the 0.58 hit above the 0.62 one in rerank
	// order, but the maximum similarity and the branch decision come from
	// retrieval output alone.
	assert.InDelta(t, 0.62, res.MaxSimilarity, 1e-9)
	assert.False(t, res.IsLowSimilarityMode)
	assert.True(t, f.repo.fetched)
	assert.Greater(t, res.Trace.RerankScores["boosted"], res.Trace.RerankScores["most-similar"])
}

func TestRecommend_LowSimilaritySkipsRerank(t *testing.T) {
	f := newFixture(t, func(f *fixture) {
		f.repo.hits = []entities.ScenarioHit{{
			Scenario:   entities.ClinicalScenario{ID: "weak", Description: "unrelated"},
			Similarity: 0.3, Rank: 1,
		}}
	})

	res := f.orchestrator.Recommend(context.Background(), entities.PipelineRequest{
		Query: "obscure symptoms",
		Debug: true,
	})

	require.True(t, res.Success)
	assert.True(t, res.IsLowSimilarityMode)
	assert.Empty(t, res.Trace.RerankScores)
	for _, stage := range res.Trace.Stages {
		assert.NotEqual(t, StageRerank, stage.Stage)
	}
}

func TestRecommend_PerRequestThresholdOverride(t *testing.T) {
	f := newFixture(t, nil)

	strict := 0.95
	res := f.orchestrator.Recommend(context.Background(), entities.PipelineRequest{
		Query:               "acute chest pain",
		SimilarityThreshold: &strict,
	})

	require.True(t, res.Success)
	assert.True(t, res.IsLowSimilarityMode)
	assert.InDelta(t, 0.95, res.SimilarityThreshold, 1e-9)
}

func TestRecommend_RetrievalFailureDegradesToLowSimilarity(t *testing.T) {
	f := newFixture(t, func(f *fixture) {
		f.repo.searchErr = errors.New("pgvector down")
	})

	res := f.orchestrator.Recommend(context.Background(), entities.PipelineRequest{Query: "chest pain"})

	require.True(t, res.Success)
	assert.True(t, res.IsLowSimilarityMode)
	assert.Zero(t, res.MaxSimilarity)
	assert.NotEmpty(t, res.Recommendations)
}

func TestRecommend_GenerationFailureIsExplicit(t *testing.T) {
	f := newFixture(t, func(f *fixture) {
		f.completer.err = providers.ErrGenerationUnavailable
	})

	res := f.orchestrator.Recommend(context.Background(), entities.PipelineRequest{Query: "chest pain"})

	assert.False(t, res.Success)
	assert.NotEmpty(t, res.Error)
	assert.Empty(t, res.Recommendations)
	assert.Empty(t, res.Summary)
}

func TestRecommend_UnparseableOutputIsExplicitFailure(t *testing.T) {
	f := newFixture(t, func(f *fixture) {
		f.completer.output = "I am unable to answer in the requested format."
	})

	res := f.orchestrator.Recommend(context.Background(), entities.PipelineRequest{Query: "chest pain"})

	assert.False(t, res.Success)
	assert.NotEmpty(t, res.Error)
	assert.Empty(t, res.Recommendations)
}

func TestRecommend_EmptyQueryRejected(t *testing.T) {
	f := newFixture(t, nil)

	res := f.orchestrator.Recommend(context.Background(), entities.PipelineRequest{Query: "   "})

	assert.False(t, res.Success)
	assert.NotEmpty(t, res.Error)
}

func TestRecommend_TopRecommendationsCapsOutput(t *testing.T) {
	f := newFixture(t, nil)

	res := f.orchestrator.Recommend(context.Background(), entities.PipelineRequest{
		Query:              "chest pain",
		TopRecommendations: 1,
	})

	require.True(t, res.Success)
	assert.Len(t, res.Recommendations, 1)
}

func TestRecommend_RationaleStrippedWhenDisabled(t *testing.T) {
	f := newFixture(t, nil)

	off := false
	res := f.orchestrator.Recommend(context.Background(), entities.PipelineRequest{
		Query:            "chest pain",
		IncludeRationale: &off,
	})

	require.True(t, res.Success)
	for _, rec := range res.Recommendations {
		assert.Empty(t, rec.Rationale)
	}
}

func TestRecommend_DebugTracePopulated(t *testing.T) {
	f := newFixture(t, nil)

	res := f.orchestrator.Recommend(context.Background(), entities.PipelineRequest{
		Query: "acute chest pain",
		Debug: true,
	})

	require.True(t, res.Success)
	require.NotNil(t, res.Trace)
	assert.NotEmpty(t, res.Trace.RequestID)
	assert.NotEmpty(t, res.Trace.Stages)
	assert.NotEmpty(t, res.Trace.Prompt)
	assert.Equal(t, validAnswer, res.Trace.RawOutput)
	assert.Len(t, res.Trace.RetrievedHits, 2)
	require.NotNil(t, res.Trace.ParsedOutput)
	// 0.88 with a 0.17 lead clears the confidence/margin heuristic.
	assert.True(t, res.Trace.SecondarySkipped)
}

func TestRecommend_NoTraceWithoutDebug(t *testing.T) {
	f := newFixture(t, nil)

	res := f.orchestrator.Recommend(context.Background(), entities.PipelineRequest{Query: "chest pain"})

	require.True(t, res.Success)
	assert.Nil(t, res.Trace)
}

func TestRecommend_EvaluationAttachedWhenRequested(t *testing.T) {
	f := newFixture(t, func(f *fixture) {
		f.evaluator = evaluation.NewWorker(5 * time.Second)
	})
	defer f.evaluator.Close()

	res := f.orchestrator.Recommend(context.Background(), entities.PipelineRequest{
		Query:    "acute chest pain",
		Evaluate: true,
	})

	require.True(t, res.Success)
	require.NotNil(t, res.Evaluation)
	assert.True(t, res.Evaluation.Faithfulness.Applicable)
	assert.Empty(t, res.EvaluationError)
}

func rerankFilterSnapshot(t *testing.T) *rules.Loader {
	t.Helper()
	return loaderFromYAML(t, `
packs:
  - id: filters
    scope: rerank
    enabled: true
    priority: 10
    rules:
      - id: drop-secondary
        enabled: true
        priority: 10
        condition:
          path: candidate.scenario.id
          op: eq
          value: scn-2
        action:
          type: filter
`)
}

func denylistLoader(t *testing.T) *rules.Loader {
	t.Helper()
	return loaderFromYAML(t, `
packs:
  - id: output-safety
    scope: post_generation
    enabled: true
    priority: 10
    rules:
      - id: strip-ct
        enabled: true
        priority: 10
        condition:
          path: answer.count
          op: gt
          value: 0
        action:
          type: fix
          transform: remove_matching_name
          params:
            denylist: [ct chest with contrast]
`)
}

func TestRecommend_RerankRuleFiltersCandidate(t *testing.T) {
	f := newFixture(t, nil)
	withLoader(f.orchestrator, rerankFilterSnapshot(t))

	res := f.orchestrator.Recommend(context.Background(), entities.PipelineRequest{
		Query: "acute chest pain",
		Debug: true,
	})

	require.True(t, res.Success)
	_, hasFiltered := res.Trace.RerankScores["scn-2"]
	assert.False(t, hasFiltered)
	_, hasKept := res.Trace.RerankScores["scn-1"]
	assert.True(t, hasKept)
	assert.NotEmpty(t, res.Trace.RuleAudit)
}

func TestRecommend_PostGenerationDenylistEnforced(t *testing.T) {
	f := newFixture(t, nil)
	withLoader(f.orchestrator, denylistLoader(t))

	res := f.orchestrator.Recommend(context.Background(), entities.PipelineRequest{Query: "chest pain"})

	require.True(t, res.Success)
	require.Len(t, res.Recommendations, 2)
	for _, rec := range res.Recommendations {
		assert.NotEqual(t, "CT chest with contrast", rec.ProcedureName)
	}
	// Surviving items are re-ranked contiguously.
	assert.Equal(t, 1, res.Recommendations[0].Rank)
	assert.Equal(t, 2, res.Recommendations[1].Rank)
}
