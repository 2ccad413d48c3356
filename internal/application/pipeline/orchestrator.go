package pipeline

import (
	"context"
	"sort"
	"strings"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"

	"github.com/meridianhealth/procedure-advisor/internal/application/embedding"
	"github.com/meridianhealth/procedure-advisor/internal/application/generation"
	"github.com/meridianhealth/procedure-advisor/internal/application/prompt"
	"github.com/meridianhealth/procedure-advisor/internal/application/rerank"
	"github.com/meridianhealth/procedure-advisor/internal/domain/entities"
	"github.com/meridianhealth/procedure-advisor/internal/domain/providers"
	"github.com/meridianhealth/procedure-advisor/internal/domain/repositories"
	"github.com/meridianhealth/procedure-advisor/internal/evaluation"
	"github.com/meridianhealth/procedure-advisor/internal/infrastructure/observability"
	"github.com/meridianhealth/procedure-advisor/internal/modelcontext"
	"github.com/meridianhealth/procedure-advisor/internal/rules"
	"github.com/meridianhealth/procedure-advisor/pkg/config"
)

// Pipeline stage names, used for timings and metrics.
const (
	StageEmbed    = "embed"
	StageRecall   = "recall"
	StageRerank   = "rerank"
	StagePrompt   = "prompt"
	StageGenerate = "generate"
	StageParse    = "parse"
	StageEvaluate = "evaluate"
)

// Orchestrator runs the recommendation pipeline end to end. A run always
// terminates in a definite outcome: recommendations, or an explicit failure.
// It never fabricates an answer when a downstream dependency is unavailable.
type Orchestrator struct {
	cfg        config.PipelineConfig
	embedder   *embedding.Service
	embedModel string
	repo       repositories.ScenarioRepository
	reranker   *rerank.Reranker
	ruleLoader *rules.Loader
	ruleEngine *rules.Engine
	prompts    *prompt.Builder
	modelCtx   *modelcontext.Manager
	generator  *generation.Service
	evaluator  *evaluation.Worker
	metrics    *observability.Metrics
}

// Options collects the orchestrator's collaborators. Evaluator and Metrics
// are optional.
type Options struct {
	Config         config.PipelineConfig
	Embedder       *embedding.Service
	EmbeddingModel string
	Repository     repositories.ScenarioRepository
	Reranker       *rerank.Reranker
	RuleLoader     *rules.Loader
	RuleEngine     *rules.Engine
	PromptBuilder  *prompt.Builder
	ModelContext   *modelcontext.Manager
	Generator      *generation.Service
	Evaluator      *evaluation.Worker
	Metrics        *observability.Metrics
}

func NewOrchestrator(opts Options) *Orchestrator {
	return &Orchestrator{
		cfg:        opts.Config,
		embedder:   opts.Embedder,
		embedModel: opts.EmbeddingModel,
		repo:       opts.Repository,
		reranker:   opts.Reranker,
		ruleLoader: opts.RuleLoader,
		ruleEngine: opts.RuleEngine,
		prompts:    opts.PromptBuilder,
		modelCtx:   opts.ModelContext,
		generator:  opts.Generator,
		evaluator:  opts.Evaluator,
		metrics:    opts.Metrics,
	}
}

// run carries the mutable state of one pipeline execution.
type run struct {
	requestID  string
	started    time.Time
	stageStart time.Time
	trace      *entities.PipelineTrace
	timings    []entities.StageTiming
}

func (r *run) beginStage() {
	r.stageStart = time.Now()
}

func (o *Orchestrator) endStage(ctx context.Context, r *run, stage string) {
	d := time.Since(r.stageStart)
	r.timings = append(r.timings, entities.StageTiming{Stage: stage, Duration: d})
	if o.metrics != nil {
		o.metrics.StageDuration.Record(ctx, float64(d.Milliseconds()),
			metric.WithAttributes(attribute.String("stage", stage)))
	}
}

// Recommend executes one full pipeline run. It never returns a Go error: all
// failures are folded into the result so every caller sees the same binary
// outcome shape.
func (o *Orchestrator) Recommend(ctx context.Context, req entities.PipelineRequest) *entities.PipelineResult {
	logger := observability.LoggerFromContext(ctx)
	r := &run{requestID: uuid.New().String(), started: time.Now()}
	if req.Debug {
		r.trace = &entities.PipelineTrace{RequestID: r.requestID}
	}

	threshold := o.cfg.SimilarityThreshold
	if req.SimilarityThreshold != nil {
		threshold = *req.SimilarityThreshold
	}
	result := &entities.PipelineResult{SimilarityThreshold: threshold}

	defer func() {
		result.ProcessingTime = time.Since(r.started)
		if r.trace != nil {
			r.trace.Stages = r.timings
			result.Trace = r.trace
		}
		if o.metrics != nil {
			o.metrics.RequestCount.Add(ctx, 1,
				metric.WithAttributes(attribute.Bool("success", result.Success)))
			o.metrics.RequestDuration.Record(ctx, float64(result.ProcessingTime.Milliseconds()))
			if result.IsLowSimilarityMode {
				o.metrics.LowSimilarity.Add(ctx, 1)
			}
		}
	}()

	query := strings.TrimSpace(req.Query)
	if query == "" {
		result.Error = "query must not be empty"
		return result
	}

	topK := req.TopScenarios
	if topK <= 0 {
		topK = o.cfg.TopScenarios
	}
	topM := req.TopRecommendations
	if topM <= 0 {
		topM = o.cfg.TopRecommendations
	}
	includeRationale := o.cfg.IncludeRationale
	if req.IncludeRationale != nil {
		includeRationale = *req.IncludeRationale
	}

	// The rule snapshot and the model context are pinned once per run so a
	// concurrent reload can never split one request across two versions.
	var ruleSnap *rules.Snapshot
	if o.ruleLoader != nil {
		ruleSnap = o.ruleLoader.Snapshot()
	}
	var mcSnap *modelcontext.Snapshot
	if o.modelCtx != nil {
		mcSnap = o.modelCtx.Snapshot()
	}

	// Embed. A failed embedding means retrieval cannot run, which is the
	// same contract as weak retrieval: continue on the reduced branch.
	r.beginStage()
	var hits []entities.ScenarioHit
	vector, err := o.embedder.Embed(ctx, query, o.embedModel)
	o.endStage(ctx, r, StageEmbed)
	if err != nil {
		logger.Warn().Err(err).Str("request_id", r.requestID).
			Msg("Embedding unavailable, continuing without retrieval context")
	} else {
		r.beginStage()
		hits, err = o.repo.SearchScenarios(ctx, vector, topK)
		o.endStage(ctx, r, StageRecall)
		if err != nil {
			logger.Warn().Err(err).Str("request_id", r.requestID).
				Msg("Scenario retrieval failed, continuing without retrieval context")
			hits = nil
		}
	}
	if r.trace != nil {
		r.trace.RetrievedHits = hits
	}

	// The branch decision is made on retrieval output alone. The store
	// returns hits most similar first, so the head similarity is the maximum;
	// rerank boosts must not feed back into it.
	maxSimilarity := 0.0
	if len(hits) > 0 {
		maxSimilarity = hits[0].Similarity
	}
	result.MaxSimilarity = maxSimilarity
	lowSimilarity := maxSimilarity < threshold

	// Rerank only pays off on the grounded branch; the reduced prompt
	// carries no retrieval context to reorder.
	var candidates []rerank.ScoredCandidate
	if !lowSimilarity && len(hits) > 0 {
		r.beginStage()
		reranked := o.reranker.Rerank(ctx, query, hits)
		candidates = o.applyRerankRules(ctx, ruleSnap, query, req, reranked.Candidates, r)
		o.endStage(ctx, r, StageRerank)
		if r.trace != nil {
			r.trace.SecondarySkipped = reranked.SecondarySkipped
		}
	}

	// Recommendation detail is only useful on the grounded branch.
	var recsByScenario map[string][]entities.ProcedureRecommendation
	if len(candidates) > 0 {
		ids := make([]string, len(candidates))
		for i, c := range candidates {
			ids[i] = c.Scenario.ID
		}
		recsByScenario, err = o.repo.FetchRecommendations(ctx, ids, topM)
		if err != nil {
			logger.Warn().Err(err).Str("request_id", r.requestID).
				Msg("Recommendation fetch failed, prompting from scenarios only")
			recsByScenario = nil
		}
	}

	r.beginStage()
	built := o.prompts.Build(prompt.Input{
		Query:              query,
		Candidates:         candidates,
		Recommendations:    recsByScenario,
		IncludeRationale:   includeRationale,
		TopRecommendations: topM,
		MaxSimilarity:      maxSimilarity,
		Threshold:          threshold,
	})
	o.endStage(ctx, r, StagePrompt)
	result.IsLowSimilarityMode = built.LowSimilarity
	if r.trace != nil {
		r.trace.Prompt = built.Prompt
	}

	params := o.resolveParams(mcSnap, candidates, req.Generation)

	r.beginStage()
	raw, err := o.generator.Generate(ctx, providers.GenerationRequest{
		Prompt:          built.Prompt,
		Model:           params.Model,
		MaxOutputTokens: params.MaxOutputTokens,
		Temperature:     params.Temperature,
	})
	o.endStage(ctx, r, StageGenerate)
	if err != nil {
		logger.Error().Err(err).Str("request_id", r.requestID).Msg("Generation failed")
		result.Error = "recommendation generation is currently unavailable"
		return result
	}
	if r.trace != nil {
		r.trace.RawOutput = raw
	}

	r.beginStage()
	answer, err := generation.ParseAnswer(raw)
	o.endStage(ctx, r, StageParse)
	if err != nil {
		logger.Error().Err(err).Str("request_id", r.requestID).Msg("Model output failed validation")
		result.Error = "model returned an unusable answer"
		return result
	}

	final := o.applyPostGenerationRules(ruleSnap, query, *answer, r)
	if len(final.Recommendations) > topM {
		final.Recommendations = final.Recommendations[:topM]
	}
	if !includeRationale {
		for i := range final.Recommendations {
			final.Recommendations[i].Rationale = ""
		}
	}
	if r.trace != nil {
		r.trace.ParsedOutput = &final
	}

	result.Success = true
	result.Summary = final.Summary
	result.Recommendations = final.Recommendations

	// Evaluation is advisory: its failure never invalidates the answer.
	if req.Evaluate && o.evaluator != nil {
		r.beginStage()
		scores, evalErr := o.evaluator.Evaluate(ctx, evaluation.Input{
			Query:     query,
			Answer:    answerText(final),
			Contexts:  contextTexts(candidates),
			Reference: req.ReferenceAnswer,
		})
		o.endStage(ctx, r, StageEvaluate)
		if evalErr != nil {
			logger.Warn().Err(evalErr).Str("request_id", r.requestID).Msg("Evaluation failed")
			result.EvaluationError = evalErr.Error()
			if o.metrics != nil {
				o.metrics.EvaluationErrors.Add(ctx, 1)
			}
		} else {
			result.Evaluation = scores
		}
	}

	return result
}

// applyRerankRules runs the rerank-scoped rules over the candidates, drops
// filtered ones and re-sorts by the adjusted scores. Condition contexts are
// frozen before the pass, so no rule observes another rule's effect.
func (o *Orchestrator) applyRerankRules(ctx context.Context, snap *rules.Snapshot, query string, req entities.PipelineRequest, candidates []rerank.ScoredCandidate, r *run) []rerank.ScoredCandidate {
	if o.ruleEngine == nil || len(candidates) == 0 {
		return candidates
	}

	inputs := make([]rules.RerankInput, len(candidates))
	for i, c := range candidates {
		inputs[i] = rules.RerankInput{
			Score: c.RerankScore,
			Ctx:   rerankRuleContext(query, req, c),
		}
	}

	outcomes, audit := o.ruleEngine.ApplyRerank(snap, inputs)
	if r.trace != nil {
		r.trace.RuleAudit = append(r.trace.RuleAudit, audit...)
	}
	recordRuleErrors(ctx, o.metrics, audit)

	kept := make([]rerank.ScoredCandidate, 0, len(candidates))
	for i, c := range candidates {
		if outcomes[i].Filtered {
			continue
		}
		c.RerankScore = outcomes[i].Score
		kept = append(kept, c)
	}
	sort.SliceStable(kept, func(i, j int) bool {
		if kept[i].RerankScore != kept[j].RerankScore {
			return kept[i].RerankScore > kept[j].RerankScore
		}
		return kept[i].Rank < kept[j].Rank
	})

	if r.trace != nil {
		scores := make(map[string]float64, len(kept))
		for _, c := range kept {
			scores[c.Scenario.ID] = c.RerankScore
		}
		r.trace.RerankScores = scores
	}
	return kept
}

func (o *Orchestrator) applyPostGenerationRules(snap *rules.Snapshot, query string, answer entities.GeneratedAnswer, r *run) entities.GeneratedAnswer {
	if o.ruleEngine == nil {
		return answer
	}

	final, audit := o.ruleEngine.ApplyPostGeneration(snap, postGenerationRuleContext(query, answer), answer)
	if r.trace != nil {
		r.trace.RuleAudit = append(r.trace.RuleAudit, audit...)
	}
	return final
}

// resolveParams picks inference parameters from the model context, keyed by
// the top candidate, then applies explicit per-request overrides on top.
func (o *Orchestrator) resolveParams(snap *modelcontext.Snapshot, candidates []rerank.ScoredCandidate, overrides *entities.GenerationOverrides) modelcontext.Params {
	params := modelcontext.Params{
		MaxOutputTokens: o.cfg.MaxOutputTokens,
		Temperature:     o.cfg.Temperature,
	}
	if snap != nil {
		var keys modelcontext.ScopeKeys
		if len(candidates) > 0 {
			top := candidates[0].Scenario
			keys = modelcontext.ScopeKeys{
				Panel:      top.Panel,
				Topic:      top.Topic,
				ScenarioID: top.ID,
				Tags:       top.Tags,
			}
		}
		params = snap.Resolve(modelcontext.PurposeInference, keys)
	}
	if overrides != nil {
		if overrides.MaxOutputTokens > 0 {
			params.MaxOutputTokens = overrides.MaxOutputTokens
		}
		if overrides.Temperature != nil {
			params.Temperature = *overrides.Temperature
		}
	}
	return params
}

func rerankRuleContext(query string, req entities.PipelineRequest, c rerank.ScoredCandidate) map[string]any {
	return map[string]any{
		"query": query,
		"request": map[string]any{
			"top_scenarios":       req.TopScenarios,
			"top_recommendations": req.TopRecommendations,
		},
		"candidate": map[string]any{
			"similarity":   c.Similarity,
			"rank":         c.Rank,
			"rerank_score": c.RerankScore,
			"scenario": map[string]any{
				"id":         c.Scenario.ID,
				"panel":      c.Scenario.Panel,
				"topic":      c.Scenario.Topic,
				"risk_level": c.Scenario.RiskLevel,
				"population": c.Scenario.Population,
				"tags":       c.Scenario.Tags,
			},
		},
	}
}

func postGenerationRuleContext(query string, answer entities.GeneratedAnswer) map[string]any {
	procedures := make([]any, len(answer.Recommendations))
	maxRating := 0
	for i, rec := range answer.Recommendations {
		procedures[i] = rec.ProcedureName
		if rec.Rating > maxRating {
			maxRating = rec.Rating
		}
	}
	return map[string]any{
		"query": query,
		"answer": map[string]any{
			"summary":    answer.Summary,
			"procedures": procedures,
			"max_rating": maxRating,
			"count":      len(answer.Recommendations),
		},
	}
}

func recordRuleErrors(ctx context.Context, m *observability.Metrics, audit []entities.RuleAuditEntry) {
	if m == nil {
		return
	}
	for _, entry := range audit {
		if entry.Error != "" {
			m.RuleSkipCount.Add(ctx, 1,
				metric.WithAttributes(attribute.String("rule_id", entry.RuleID)))
		}
	}
}

// answerText flattens the answer for lexical evaluation.
func answerText(answer entities.GeneratedAnswer) string {
	var b strings.Builder
	b.WriteString(answer.Summary)
	for _, rec := range answer.Recommendations {
		b.WriteString(". ")
		b.WriteString(rec.ProcedureName)
		if rec.Rationale != "" {
			b.WriteString(": ")
			b.WriteString(rec.Rationale)
		}
	}
	return b.String()
}

// contextTexts extracts the retrieval descriptions the answer was grounded on.
func contextTexts(candidates []rerank.ScoredCandidate) []string {
	out := make([]string, 0, len(candidates))
	for _, c := range candidates {
		out = append(out, c.Scenario.Description)
	}
	return out
}
