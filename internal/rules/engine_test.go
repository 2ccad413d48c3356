package rules

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/meridianhealth/procedure-advisor/internal/domain/entities"
)

func mustCondition(t *testing.T, raw map[string]any) Condition {
	t.Helper()
	cond, err := ParseCondition(raw)
	require.NoError(t, err)
	return cond
}

func rerankSnapshot(t *testing.T) *Snapshot {
	t.Helper()
	return &Snapshot{Packs: []Pack{{
		ID:    "test",
		Scope: ScopeRerank,
		Rules: []Rule{
			{
				ID:        "boost-high",
				Condition: mustCondition(t, map[string]any{"path": "candidate.similarity", "op": "gte", "value": 0.8}),
				Action:    BoostAction{Factor: 2.0},
			},
			{
				ID:        "drop-weak",
				Condition: mustCondition(t, map[string]any{"path": "candidate.similarity", "op": "lt", "value": 0.3}),
				Action:    FilterAction{},
			},
			{
				ID:        "broken",
				Condition: mustCondition(t, map[string]any{"path": "candidate.nonexistent", "op": "eq", "value": 1}),
				Action:    BoostAction{Factor: 10.0},
			},
		},
	}}}
}

func rerankInputs(similarities ...float64) []RerankInput {
	inputs := make([]RerankInput, len(similarities))
	for i, s := range similarities {
		inputs[i] = RerankInput{
			Score: s,
			Ctx: map[string]any{
				"candidate": map[string]any{"similarity": s},
			},
		}
	}
	return inputs
}

func TestApplyRerank_Enforce(t *testing.T) {
	engine := NewEngine(ModeEnforce)
	snap := rerankSnapshot(t)

	outcomes, audit := engine.ApplyRerank(snap, rerankInputs(0.9, 0.5, 0.2))
	require.Len(t, outcomes, 3)

	assert.InDelta(t, 1.8, outcomes[0].Score, 1e-9) // boosted
	assert.False(t, outcomes[0].Filtered)
	assert.InDelta(t, 0.5, outcomes[1].Score, 1e-9) // untouched
	assert.True(t, outcomes[2].Filtered)

	// 3 rules x 3 candidates, every evaluation audited.
	assert.Len(t, audit, 9)
}

func TestApplyRerank_BrokenRuleIsSkippedNotFatal(t *testing.T) {
	engine := NewEngine(ModeEnforce)
	snap := rerankSnapshot(t)

	outcomes, audit := engine.ApplyRerank(snap, rerankInputs(0.5))
	require.Len(t, outcomes, 1)
	assert.InDelta(t, 0.5, outcomes[0].Score, 1e-9)

	var broken []entities.RuleAuditEntry
	for _, entry := range audit {
		if entry.RuleID == "broken" {
			broken = append(broken, entry)
		}
	}
	require.Len(t, broken, 1)
	assert.NotEmpty(t, broken[0].Error)
	assert.False(t, broken[0].Applied)
}

func TestApplyRerank_AuditModeLeavesScoresUntouched(t *testing.T) {
	engine := NewEngine(ModeAudit)
	snap := rerankSnapshot(t)

	outcomes, audit := engine.ApplyRerank(snap, rerankInputs(0.9, 0.2))

	assert.InDelta(t, 0.9, outcomes[0].Score, 1e-9)
	assert.False(t, outcomes[1].Filtered)
	assert.NotEmpty(t, audit)

	for _, entry := range audit {
		assert.False(t, entry.Applied)
	}
}

func TestApplyRerank_DisabledModeProducesNoAudit(t *testing.T) {
	engine := NewEngine(ModeDisabled)
	snap := rerankSnapshot(t)

	outcomes, audit := engine.ApplyRerank(snap, rerankInputs(0.9))

	assert.InDelta(t, 0.9, outcomes[0].Score, 1e-9)
	assert.Nil(t, audit)
}

func postGenSnapshot(t *testing.T) *Snapshot {
	t.Helper()
	return &Snapshot{Packs: []Pack{{
		ID:    "safety",
		Scope: ScopePostGeneration,
		Rules: []Rule{
			{
				ID:        "strip-contrast",
				Condition: mustCondition(t, map[string]any{"path": "answer.count", "op": "gt", "value": 0}),
				Action:    FixAction{Transform: TransformRemoveMatchingName, Denylist: []string{"with contrast"}},
			},
			{
				ID:        "flag-max-rating",
				Condition: mustCondition(t, map[string]any{"path": "answer.max_rating", "op": "gte", "value": 9}),
				Action:    WarnAction{Message: "maximal rating"},
			},
		},
	}}}
}

func sampleAnswer() entities.GeneratedAnswer {
	return entities.GeneratedAnswer{
		Summary: "CT is the most appropriate study.",
		Recommendations: []entities.RecommendationItem{
			{Rank: 1, ProcedureName: "CT abdomen with contrast", Category: entities.CategoryUsuallyAppropriate, Rating: 9},
			{Rank: 2, ProcedureName: "Ultrasound abdomen", Category: entities.CategoryMayBeAppropriate, Rating: 6},
		},
	}
}

func postGenCtx(answer entities.GeneratedAnswer) map[string]any {
	maxRating := 0
	for _, rec := range answer.Recommendations {
		if rec.Rating > maxRating {
			maxRating = rec.Rating
		}
	}
	return map[string]any{
		"answer": map[string]any{
			"count":      len(answer.Recommendations),
			"max_rating": maxRating,
		},
	}
}

func TestApplyPostGeneration_EnforceAppliesFix(t *testing.T) {
	engine := NewEngine(ModeEnforce)
	answer := sampleAnswer()

	out, audit := engine.ApplyPostGeneration(postGenSnapshot(t), postGenCtx(answer), answer)

	require.Len(t, out.Recommendations, 1)
	assert.Equal(t, "Ultrasound abdomen", out.Recommendations[0].ProcedureName)
	assert.Equal(t, 1, out.Recommendations[0].Rank)

	// Input answer is never mutated.
	assert.Len(t, answer.Recommendations, 2)
	assert.Len(t, audit, 2)
}

func TestApplyPostGeneration_AuditModeRecordsWithoutMutating(t *testing.T) {
	engine := NewEngine(ModeAudit)
	answer := sampleAnswer()

	out, audit := engine.ApplyPostGeneration(postGenSnapshot(t), postGenCtx(answer), answer)

	assert.Equal(t, answer.Recommendations, out.Recommendations)
	require.Len(t, audit, 2)
	assert.True(t, audit[0].Matched)
	assert.False(t, audit[0].Applied)
}

func TestApplyPostGeneration_OverrideReplacesSummary(t *testing.T) {
	engine := NewEngine(ModeEnforce)
	snap := &Snapshot{Packs: []Pack{{
		ID:    "override",
		Scope: ScopePostGeneration,
		Rules: []Rule{{
			ID:        "force-disclaimer",
			Condition: mustCondition(t, map[string]any{"path": "answer.count", "op": "gte", "value": 0}),
			Action:    OverrideAction{Field: "summary", Value: "Reviewed summary."},
		}},
	}}}
	answer := sampleAnswer()

	out, _ := engine.ApplyPostGeneration(snap, postGenCtx(answer), answer)

	assert.Equal(t, "Reviewed summary.", out.Summary)
	assert.Equal(t, "CT is the most appropriate study.", answer.Summary)
}
