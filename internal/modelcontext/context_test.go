package modelcontext

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func strp(s string) *string { return &s }
func intp(i int) *int { return &i }
func floatp(f float64) *float64 { return &f }

func baseSnapshot() Snapshot {
	return Snapshot{
		Inference:  Params{Model: "gpt-4o-mini", MaxOutputTokens: 1200, Temperature: 0.2, TopP: 1.0},
		Evaluation: Params{Model: "gpt-4o-mini", MaxOutputTokens: 800},
	}
}

func TestResolve_DefaultsPerPurpose(t *testing.T) {
	snap := baseSnapshot()

	inf := snap.Resolve(PurposeInference, ScopeKeys{})
	assert.Equal(t, 1200, inf.MaxOutputTokens)

	eval := snap.Resolve(PurposeEvaluation, ScopeKeys{})
	assert.Equal(t, 800, eval.MaxOutputTokens)
}

func TestResolve_OverridePrecedence(t *testing.T) {
	snap := baseSnapshot()
	snap.Overrides = []Override{
		// Listed most specific first to prove ordering comes from scope,
		// not file position.
		{Scope: ScopeScenario, Match: "scn-1", Params: PartialParams{Temperature: floatp(0.05)}},
		{Scope: ScopeTopic, Match: "Acute Chest Pain", Params: PartialParams{Temperature: floatp(0.1), Model: strp("gpt-4o")}},
		{Scope: ScopePanel, Match: "Cardiac", Params: PartialParams{Temperature: floatp(0.15), MaxOutputTokens: intp(1500)}},
		{Scope: ScopeTag, Match: "pediatric", Params: PartialParams{MaxOutputTokens: intp(900)}},
	}

	keys := ScopeKeys{
		Panel:      "Cardiac",
		Topic:      "Acute Chest Pain",
		ScenarioID: "scn-1",
		Tags:       []string{"pediatric"},
	}
	params := snap.Resolve(PurposeInference, keys)

	// Scenario wins temperature, topic wins model, panel wins tokens over tag.
	assert.InDelta(t, 0.05, params.Temperature, 1e-9)
	assert.Equal(t, "gpt-4o", params.Model)
	assert.Equal(t, 1500, params.MaxOutputTokens)
}

func TestResolve_NonMatchingOverridesIgnored(t *testing.T) {
	snap := baseSnapshot()
	snap.Overrides = []Override{
		{Scope: ScopePanel, Match: "Neurologic", Params: PartialParams{Model: strp("gpt-4o")}},
	}

	params := snap.Resolve(PurposeInference, ScopeKeys{Panel: "Cardiac"})
	assert.Equal(t, "gpt-4o-mini", params.Model)
}

const contextYAML = `
inference:
  model: gpt-4o-mini
  max_output_tokens: 1200
  temperature: 0.2
evaluation:
  model: gpt-4o-mini
  max_output_tokens: 800
overrides:
  - scope: panel
    match: Neurologic
    params:
      temperature: 0.1
`

func writeContextFile(t *testing.T, dir, content string) string {
	t.Helper()
	path := filepath.Join(dir, "model_context.yaml")
	require.NoError(t, os.WriteFile(path, []byte(content), 0o644))
	return path
}

func TestNewManager_LoadsFile(t *testing.T) {
	path := writeContextFile(t, t.TempDir(), contextYAML)

	m, err := NewManager(path, time.Minute)
	require.NoError(t, err)

	snap := m.Snapshot()
	require.NotNil(t, snap)
	assert.Equal(t, "gpt-4o-mini", snap.Inference.Model)
	require.Len(t, snap.Overrides, 1)
}

func TestCheckReload_SwapsOnMtimeChange(t *testing.T) {
	dir := t.TempDir()
	path := writeContextFile(t, dir, contextYAML)

	m, err := NewManager(path, time.Minute)
	require.NoError(t, err)

	// Unchanged file, nothing to do.
	assert.False(t, m.CheckReload())

	updated := "inference:\n  model: gpt-4o\n  max_output_tokens: 600\n"
	require.NoError(t, os.WriteFile(path, []byte(updated), 0o644))
	future := time.Now().Add(2 * time.Second)
	require.NoError(t, os.Chtimes(path, future, future))

	assert.True(t, m.CheckReload())
	assert.Equal(t, "gpt-4o", m.Snapshot().Inference.Model)
}

func TestCheckReload_BrokenFileKeepsPreviousSnapshot(t *testing.T) {
	dir := t.TempDir()
	path := writeContextFile(t, dir, contextYAML)

	m, err := NewManager(path, time.Minute)
	require.NoError(t, err)
	before := m.Snapshot()

	require.NoError(t, os.WriteFile(path, []byte("inference: [broken"), 0o644))
	future := time.Now().Add(2 * time.Second)
	require.NoError(t, os.Chtimes(path, future, future))

	assert.False(t, m.CheckReload())
	assert.Same(t, before, m.Snapshot())
}

func TestNewManager_RejectsInvalidFiles(t *testing.T) {
	tests := []struct {
		name    string
		content string
	}{
		{"missing inference model", "evaluation:\n  model: gpt-4o-mini\n"},
		{"unknown override scope", contextYAML + "  - scope: region\n    match: west\n    params: {}\n"},
		{"empty override match", contextYAML + "  - scope: panel\n    match: \"\"\n    params: {}\n"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			path := writeContextFile(t, t.TempDir(), tt.content)
			_, err := NewManager(path, time.Minute)
			assert.Error(t, err)
		})
	}
}
