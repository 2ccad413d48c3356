package evaluation

import (
	"context"
	"strings"
	"sync"
	"time"

	"golang.org/x/sync/semaphore"

	"github.com/meridianhealth/procedure-advisor/internal/domain/entities"
	"github.com/meridianhealth/procedure-advisor/internal/infrastructure/observability"
)

// Recommender is the slice of the pipeline the batch runner needs.
type Recommender interface {
	Recommend(ctx context.Context, req entities.PipelineRequest) *entities.PipelineResult
}

// CaseResult is the outcome of running one golden case through the pipeline.
type CaseResult struct {
	Case           GoldenCase                 `json:"case"`
	Success        bool                       `json:"success"`
	Error          string                     `json:"error,omitempty"`
	LowSimilarity  bool                       `json:"low_similarity"`
	Hit            bool                       `json:"hit"`
	Scores         *entities.EvaluationScores `json:"scores,omitempty"`
	ProcessingTime time.Duration              `json:"processing_time"`
}

// Summary aggregates a full batch run.
type Summary struct {
	TotalCases     int            `json:"total_cases"`
	Succeeded      int            `json:"succeeded"`
	Failed         int            `json:"failed"`
	LowSimilarity  int            `json:"low_similarity"`
	HitRate        float64        `json:"hit_rate"`
	MeanScores     ScoreAverages  `json:"mean_scores"`
	ByDifficulty   map[string]int `json:"by_difficulty"`
	TotalWallClock time.Duration  `json:"total_wall_clock"`
}

// ScoreAverages holds per-metric means over cases where the metric applied.
type ScoreAverages struct {
	Faithfulness     float64 `json:"faithfulness"`
	AnswerRelevancy  float64 `json:"answer_relevancy"`
	ContextPrecision float64 `json:"context_precision"`
	ContextRecall    float64 `json:"context_recall"`
}

// Runner executes a golden case set with bounded concurrency.
type Runner struct {
	recommender Recommender
	concurrency int64
}

func NewRunner(recommender Recommender, concurrency int) *Runner {
	if concurrency < 1 {
		concurrency = 1
	}
	return &Runner{
		recommender: recommender,
		concurrency: int64(concurrency),
	}
}

// Run executes all cases and returns per-case results in input order plus an
// aggregate summary. Individual case failures do not abort the batch.
func (r *Runner) Run(ctx context.Context, cases []GoldenCase) ([]CaseResult, Summary, error) {
	logger := observability.LoggerFromContext(ctx)
	start := time.Now()

	sem := semaphore.NewWeighted(r.concurrency)
	results := make([]CaseResult, len(cases))
	var wg sync.WaitGroup

	for i, c := range cases {
		if err := sem.Acquire(ctx, 1); err != nil {
			wg.Wait()
			return nil, Summary{}, err
		}

		wg.Add(1)
		go func(idx int, gc GoldenCase) {
			defer wg.Done()
			defer sem.Release(1)

			results[idx] = r.runCase(ctx, gc)
		}(i, c)
	}

	wg.Wait()

	summary := summarize(results)
	summary.TotalWallClock = time.Since(start)

	logger.Info().
		Int("total", summary.TotalCases).
		Int("succeeded", summary.Succeeded).
		Int("failed", summary.Failed).
		Float64("hit_rate", summary.HitRate).
		Dur("wall_clock", summary.TotalWallClock).
		Msg("Batch evaluation complete")

	return results, summary, nil
}

func (r *Runner) runCase(ctx context.Context, gc GoldenCase) CaseResult {
	req := entities.PipelineRequest{
		Query:           gc.Query,
		Evaluate:        true,
		ReferenceAnswer: gc.ReferenceAnswer,
	}

	res := r.recommender.Recommend(ctx, req)

	out := CaseResult{
		Case:           gc,
		Success:        res.Success,
		Error:          res.Error,
		LowSimilarity:  res.IsLowSimilarityMode,
		ProcessingTime: res.ProcessingTime,
		Scores:         res.Evaluation,
	}
	if res.Success {
		out.Hit = anyExpectedHit(gc.ExpectedProcedures, res.Recommendations)
	}
	return out
}

// anyExpectedHit reports whether any expected procedure name appears among
// the returned recommendations, matched case-insensitively on substrings in
// either direction.
func anyExpectedHit(expected []string, recs []entities.RecommendationItem) bool {
	if len(expected) == 0 {
		return false
	}
	for _, want := range expected {
		w := strings.ToLower(strings.TrimSpace(want))
		if w == "" {
			continue
		}
		for _, rec := range recs {
			got := strings.ToLower(rec.ProcedureName)
			if strings.Contains(got, w) || strings.Contains(w, got) {
				return true
			}
		}
	}
	return false
}

func summarize(results []CaseResult) Summary {
	s := Summary{
		TotalCases:   len(results),
		ByDifficulty: make(map[string]int),
	}

	var hitEligible, hits int
	var faithSum, relSum, precSum, recSum float64
	var faithN, relN, precN, recN int

	for _, r := range results {
		s.ByDifficulty[r.Case.Difficulty]++
		if r.Success {
			s.Succeeded++
		} else {
			s.Failed++
		}
		if r.LowSimilarity {
			s.LowSimilarity++
		}
		if len(r.Case.ExpectedProcedures) > 0 {
			hitEligible++
			if r.Hit {
				hits++
			}
		}
		if r.Scores != nil {
			accumulate(r.Scores.Faithfulness, &faithSum, &faithN)
			accumulate(r.Scores.AnswerRelevancy, &relSum, &relN)
			accumulate(r.Scores.ContextPrecision, &precSum, &precN)
			accumulate(r.Scores.ContextRecall, &recSum, &recN)
		}
	}

	if hitEligible > 0 {
		s.HitRate = float64(hits) / float64(hitEligible)
	}
	s.MeanScores = ScoreAverages{
		Faithfulness:     mean(faithSum, faithN),
		AnswerRelevancy:  mean(relSum, relN),
		ContextPrecision: mean(precSum, precN),
		ContextRecall:    mean(recSum, recN),
	}
	return s
}

func accumulate(m entities.EvaluationMetric, sum *float64, n *int) {
	if m.Applicable && m.Error == "" {
		*sum += m.Value
		*n++
	}
}

func mean(sum float64, n int) float64 {
	if n == 0 {
		return 0
	}
	return sum / float64(n)
}
