package entities

import "time"

// GenerationOverrides carries per-request sampling overrides for the
// completion call.
type GenerationOverrides struct {
	MaxOutputTokens int      `json:"max_output_tokens,omitempty"`
	Temperature     *float64 `json:"temperature,omitempty"`
}

// PipelineRequest is the input of a single recommendation run. Optional
// fields fall back to configured defaults when unset.
type PipelineRequest struct {
	Query               string               `json:"query"`
	TopScenarios        int                  `json:"top_scenarios,omitempty"`
	TopRecommendations  int                  `json:"top_recommendations,omitempty"`
	IncludeRationale    *bool                `json:"include_rationale,omitempty"`
	SimilarityThreshold *float64             `json:"similarity_threshold,omitempty"`
	Debug               bool                 `json:"debug,omitempty"`
	Evaluate            bool                 `json:"evaluate,omitempty"`
	ReferenceAnswer     string               `json:"reference_answer,omitempty"`
	Generation          *GenerationOverrides `json:"generation,omitempty"`
}

// RecommendationItem is a single entry of the final answer.
type RecommendationItem struct {
	Rank          int    `json:"rank"`
	ProcedureName string `json:"procedure_name"`
	Category      string `json:"category"`
	Rating        int    `json:"rating"`
	Rationale     string `json:"rationale,omitempty"`
}

// GeneratedAnswer is the validated structure extracted from the completion
// endpoint's output. Post-generation rules operate on a copy of it.
type GeneratedAnswer struct {
	Summary         string               `json:"summary"`
	Recommendations []RecommendationItem `json:"recommendations"`
}

// EvaluationMetric is a single evaluation score. When a metric cannot be
// computed for the given inputs it is reported as not applicable rather than
// silently zero.
type EvaluationMetric struct {
	Value      float64 `json:"value"`
	Applicable bool    `json:"applicable"`
	Error      string  `json:"error,omitempty"`
}

// EvaluationScores holds the groundedness metrics for one answer.
type EvaluationScores struct {
	Faithfulness     EvaluationMetric `json:"faithfulness"`
	AnswerRelevancy  EvaluationMetric `json:"answer_relevancy"`
	ContextPrecision EvaluationMetric `json:"context_precision"`
	ContextRecall    EvaluationMetric `json:"context_recall"`
}

// StageTiming records how long one pipeline stage took.
type StageTiming struct {
	Stage    string        `json:"stage"`
	Duration time.Duration `json:"duration_ns"`
}

// RuleAuditEntry records one rule evaluation for the diagnostic trace.
type RuleAuditEntry struct {
	PackID  string `json:"pack_id"`
	RuleID  string `json:"rule_id"`
	Scope   string `json:"scope"`
	Action  string `json:"action"`
	Matched bool   `json:"matched"`
	Applied bool   `json:"applied"`
	Detail  string `json:"detail,omitempty"`
	Error   string `json:"error,omitempty"`
}

// PipelineTrace is the optional diagnostic trace, populated only when the
// request sets the debug flag.
type PipelineTrace struct {
	RequestID        string             `json:"request_id"`
	Stages           []StageTiming      `json:"stages"`
	RetrievedHits    []ScenarioHit      `json:"retrieved_hits,omitempty"`
	RerankScores     map[string]float64 `json:"rerank_scores,omitempty"`
	SecondarySkipped bool               `json:"secondary_skipped,omitempty"`
	Prompt           string             `json:"prompt,omitempty"`
	RawOutput        string             `json:"raw_output,omitempty"`
	ParsedOutput     *GeneratedAnswer   `json:"parsed_output,omitempty"`
	RuleAudit        []RuleAuditEntry   `json:"rule_audit,omitempty"`
}

// PipelineResult is the terminal outcome of a run: either success with
// recommendations or an explicit failure with a reason. There is no partial
// success state.
type PipelineResult struct {
	Success             bool                 `json:"success"`
	Error               string               `json:"error,omitempty"`
	Recommendations     []RecommendationItem `json:"recommendations,omitempty"`
	Summary             string               `json:"summary,omitempty"`
	SimilarityThreshold float64              `json:"similarity_threshold"`
	MaxSimilarity       float64              `json:"max_similarity"`
	IsLowSimilarityMode bool                 `json:"is_low_similarity_mode"`
	ProcessingTime      time.Duration        `json:"processing_time_ns"`
	Trace               *PipelineTrace       `json:"trace,omitempty"`
	Evaluation          *EvaluationScores    `json:"evaluation,omitempty"`
	EvaluationError     string               `json:"evaluation_error,omitempty"`
}
