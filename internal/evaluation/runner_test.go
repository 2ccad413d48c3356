package evaluation

import (
	"context"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/meridianhealth/procedure-advisor/internal/domain/entities"
)

func TestLoadGoldenCases(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "cases.json")
	content := `[
		{"id": "c1", "query": "chest pain", "difficulty": "easy", "expected_procedures": ["ct angiography"]},
		{"id": "c2", "query": "head trauma", "difficulty": "hard", "reference_answer": "observation"}
	]`
	require.NoError(t, os.WriteFile(path, []byte(content), 0o644))

	cases, err := LoadGoldenCases(path)
	require.NoError(t, err)
	require.Len(t, cases, 2)
	assert.Equal(t, "c1", cases[0].ID)
	assert.Equal(t, []string{"ct angiography"}, cases[0].ExpectedProcedures)

	require.NoError(t, ValidateGoldenCases(cases))
}

func TestLoadGoldenCases_Missing(t *testing.T) {
	_, err := LoadGoldenCases(filepath.Join(t.TempDir(), "absent.json"))
	assert.Error(t, err)
}

func TestValidateGoldenCases(t *testing.T) {
	valid := GoldenCase{ID: "ok", Query: "q", Difficulty: "easy"}

	tests := []struct {
		name  string
		cases []GoldenCase
		ok    bool
	}{
		{"valid", []GoldenCase{valid}, true},
		{"missing id", []GoldenCase{{Query: "q", Difficulty: "easy"}}, false},
		{"duplicate id", []GoldenCase{valid, valid}, false},
		{"missing query", []GoldenCase{{ID: "x", Difficulty: "easy"}}, false},
		{"bad difficulty", []GoldenCase{{ID: "x", Query: "q", Difficulty: "brutal"}}, false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := ValidateGoldenCases(tt.cases)
			if tt.ok {
				assert.NoError(t, err)
			} else {
				assert.Error(t, err)
			}
		})
	}
}

type stubRecommender struct {
	mu         sync.Mutex
	inFlight   int32
	maxSeen    int32
	failQuery  string
	delay      time.Duration
	recommends []entities.RecommendationItem
}

func (s *stubRecommender) Recommend(ctx context.Context, req entities.PipelineRequest) *entities.PipelineResult {
	cur := atomic.AddInt32(&s.inFlight, 1)
	defer atomic.AddInt32(&s.inFlight, -1)

	s.mu.Lock()
	if cur > s.maxSeen {
		s.maxSeen = cur
	}
	s.mu.Unlock()

	if s.delay > 0 {
		time.Sleep(s.delay)
	}

	if s.failQuery != "" && strings.Contains(req.Query, s.failQuery) {
		return &entities.PipelineResult{Success: false, Error: "generation unavailable"}
	}

	return &entities.PipelineResult{
		Success:         true,
		Summary:         "summary",
		Recommendations: s.recommends,
		Evaluation: &entities.EvaluationScores{
			Faithfulness:    entities.EvaluationMetric{Value: 0.8, Applicable: true},
			AnswerRelevancy: entities.EvaluationMetric{Value: 0.6, Applicable: true},
			ContextPrecision: entities.EvaluationMetric{
				Applicable: false, Error: "requires a reference answer",
			},
			ContextRecall: entities.EvaluationMetric{
				Applicable: false, Error: "requires a reference answer",
			},
		},
	}
}

func goldenSet() []GoldenCase {
	return []GoldenCase{
		{ID: "a", Query: "chest pain", Difficulty: "easy", ExpectedProcedures: []string{"coronary ct angiography"}},
		{ID: "b", Query: "head trauma", Difficulty: "medium", ExpectedProcedures: []string{"mri brain"}},
		{ID: "c", Query: "fails here", Difficulty: "hard"},
	}
}

func TestRunner_AggregatesSummary(t *testing.T) {
	rec := &stubRecommender{
		failQuery: "fails",
		recommends: []entities.RecommendationItem{
			{Rank: 1, ProcedureName: "Coronary CT angiography", Rating: 9, Category: entities.CategoryUsuallyAppropriate},
		},
	}
	runner := NewRunner(rec, 2)

	results, summary, err := runner.Run(context.Background(), goldenSet())
	require.NoError(t, err)
	require.Len(t, results, 3)

	assert.Equal(t, 3, summary.TotalCases)
	assert.Equal(t, 2, summary.Succeeded)
	assert.Equal(t, 1, summary.Failed)

	// Case a hits its expected procedure, case b does not; case c has no
	// expectations and is excluded from the hit rate.
	assert.True(t, results[0].Hit)
	assert.False(t, results[1].Hit)
	assert.InDelta(t, 0.5, summary.HitRate, 1e-9)

	assert.InDelta(t, 0.8, summary.MeanScores.Faithfulness, 1e-9)
	// Not-applicable metrics are excluded from the means, not counted as 0.
	assert.Zero(t, summary.MeanScores.ContextPrecision)

	assert.Equal(t, 1, summary.ByDifficulty["easy"])
	assert.Equal(t, 1, summary.ByDifficulty["hard"])
}

func TestRunner_ResultsKeepInputOrder(t *testing.T) {
	rec := &stubRecommender{delay: 5 * time.Millisecond}
	runner := NewRunner(rec, 4)

	results, _, err := runner.Run(context.Background(), goldenSet())
	require.NoError(t, err)

	assert.Equal(t, "a", results[0].Case.ID)
	assert.Equal(t, "b", results[1].Case.ID)
	assert.Equal(t, "c", results[2].Case.ID)
}

func TestRunner_BoundsConcurrency(t *testing.T) {
	rec := &stubRecommender{delay: 20 * time.Millisecond}
	runner := NewRunner(rec, 2)

	cases := make([]GoldenCase, 8)
	for i := range cases {
		cases[i] = GoldenCase{ID: string(rune('a' + i)), Query: "q", Difficulty: "easy"}
	}

	_, _, err := runner.Run(context.Background(), cases)
	require.NoError(t, err)
	assert.LessOrEqual(t, rec.maxSeen, int32(2))
}

func TestAnyExpectedHit(t *testing.T) {
	recs := []entities.RecommendationItem{
		{ProcedureName: "CT head without contrast"},
		{ProcedureName: "MRI brain"},
	}

	assert.True(t, anyExpectedHit([]string{"ct head"}, recs))
	assert.True(t, anyExpectedHit([]string{"MRI BRAIN with and without contrast"}, recs))
	assert.False(t, anyExpectedHit([]string{"ultrasound"}, recs))
	assert.False(t, anyExpectedHit(nil, recs))
}
