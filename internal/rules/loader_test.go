package rules

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const validPackYAML = `
packs:
  - id: second
    scope: rerank
    enabled: true
    priority: 20
    rules:
      - id: late-rule
        enabled: true
        priority: 10
        condition:
          path: candidate.similarity
          op: gte
          value: 0.5
        action:
          type: filter
  - id: first
    scope: rerank
    enabled: true
    priority: 10
    rules:
      - id: rule-b
        enabled: true
        priority: 20
        condition:
          path: candidate.similarity
          op: exists
        action:
          type: boost
          factor: 1.5
      - id: rule-a
        enabled: true
        priority: 10
        condition:
          path: candidate.similarity
          op: exists
        action:
          type: boost
          factor: 2.0
      - id: disabled-rule
        enabled: false
        priority: 5
        condition:
          path: candidate.similarity
          op: exists
        action:
          type: filter
  - id: answers
    scope: post_generation
    enabled: true
    priority: 30
    rules:
      - id: scrub
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
            denylist: [with contrast]
`

func writePackFile(t *testing.T, dir, content string) string {
	t.Helper()
	path := filepath.Join(dir, "rule_packs.yaml")
	require.NoError(t, os.WriteFile(path, []byte(content), 0o644))
	return path
}

func TestNewLoader_CompilesAndOrders(t *testing.T) {
	path := writePackFile(t, t.TempDir(), validPackYAML)

	loader, err := NewLoader(path)
	require.NoError(t, err)

	snap := loader.Snapshot()
	require.Len(t, snap.Packs, 3)

	// Packs come back sorted by priority regardless of file order.
	assert.Equal(t, "first", snap.Packs[0].ID)
	assert.Equal(t, "second", snap.Packs[1].ID)
	assert.Equal(t, "answers", snap.Packs[2].ID)

	// Rules inside a pack are sorted by priority; disabled rules are gone.
	require.Len(t, snap.Packs[0].Rules, 2)
	assert.Equal(t, "rule-a", snap.Packs[0].Rules[0].ID)
	assert.Equal(t, "rule-b", snap.Packs[0].Rules[1].ID)

	scoped := snap.forScope(ScopeRerank)
	require.Len(t, scoped, 3)
	assert.Equal(t, "rule-a", scoped[0].rule.ID)
	assert.Equal(t, "late-rule", scoped[2].rule.ID)
}

func TestLoader_BrokenFileKeepsLastGoodSnapshot(t *testing.T) {
	dir := t.TempDir()
	path := writePackFile(t, dir, validPackYAML)

	loader, err := NewLoader(path)
	require.NoError(t, err)
	before := loader.Snapshot()

	require.NoError(t, os.WriteFile(path, []byte("packs: [this is not valid"), 0o644))
	err = loader.Reload()
	require.Error(t, err)

	assert.Same(t, before, loader.Snapshot())
}

func TestLoader_ReloadSwapsSnapshot(t *testing.T) {
	dir := t.TempDir()
	path := writePackFile(t, dir, validPackYAML)

	loader, err := NewLoader(path)
	require.NoError(t, err)

	require.NoError(t, os.WriteFile(path, []byte("packs: []\n"), 0o644))
	require.NoError(t, loader.Reload())

	assert.Empty(t, loader.Snapshot().Packs)
}

func TestCompile_RejectsInvalidSpecs(t *testing.T) {
	base := PackSpec{ID: "p", Scope: "rerank", Enabled: true}
	rule := func(action ActionSpec) []RuleSpec {
		return []RuleSpec{{
			ID:        "r",
			Enabled:   true,
			Condition: map[string]any{"path": "x", "op": "exists"},
			Action:    action,
		}}
	}

	tests := []struct {
		name string
		pack PackSpec
	}{
		{"unknown scope", PackSpec{ID: "p", Scope: "pre_embed", Enabled: true}},
		{"empty pack id", PackSpec{Scope: "rerank", Enabled: true}},
		{"boost with zero factor", func() PackSpec { p := base; p.Rules = rule(ActionSpec{Type: "boost"}); return p }()},
		{"warn at rerank scope", func() PackSpec { p := base; p.Rules = rule(ActionSpec{Type: "warn", Message: "m"}); return p }()},
		{"unknown action", func() PackSpec { p := base; p.Rules = rule(ActionSpec{Type: "escalate"}); return p }()},
		{"fix without denylist", PackSpec{
			ID: "p", Scope: "post_generation", Enabled: true,
			Rules: rule(ActionSpec{Type: "fix", Transform: TransformRemoveMatchingName}),
		}},
		{"override of protected field", PackSpec{
			ID: "p", Scope: "post_generation", Enabled: true,
			Rules: rule(ActionSpec{Type: "override", Field: "rating", Value: "1"}),
		}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := compile([]PackSpec{tt.pack})
			assert.Error(t, err)
		})
	}
}

func TestCompile_SkipsDisabledPacks(t *testing.T) {
	snap, err := compile([]PackSpec{{ID: "off", Scope: "rerank", Enabled: false}})
	require.NoError(t, err)
	assert.Empty(t, snap.Packs)
}
