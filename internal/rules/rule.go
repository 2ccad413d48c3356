package rules

import (
	"fmt"
	"time"
)

// Scope is a fixed pipeline injection point.
type Scope string

const (
	ScopeRerank         Scope = "rerank"
	ScopePostGeneration Scope = "post_generation"
)

// Mode controls how the engine treats matching rules.
type Mode string

const (
	ModeDisabled Mode = "disabled"
	ModeAudit    Mode = "audit"
	ModeEnforce  Mode = "enforce"
)

// ParseMode validates a textual mode value.
func ParseMode(s string) (Mode, error) {
	switch Mode(s) {
	case ModeDisabled, ModeAudit, ModeEnforce:
		return Mode(s), nil
	}
	return "", fmt.Errorf("unknown rule engine mode %q", s)
}

// Action is a tagged rule action. Each variant carries its own typed payload
// and is dispatched via an explicit type switch in the engine.
type Action interface {
	ActionType() string
}

// BoostAction multiplies a candidate's rerank score. Rerank scope only.
type BoostAction struct {
	Factor float64
}

func (BoostAction) ActionType() string { return "boost" }

// FilterAction excludes a candidate. Rerank scope only.
type FilterAction struct{}

func (FilterAction) ActionType() string { return "filter" }

// WarnAction logs without mutating. Post-generation scope only.
type WarnAction struct {
	Message string
}

func (WarnAction) ActionType() string { return "warn" }

// Whitelisted fix transforms.
const TransformRemoveMatchingName = "remove_matching_name"

// FixAction applies a named, whitelisted safe transformation to the
// generated answer. Post-generation scope only.
type FixAction struct {
	Transform string
	Denylist  []string
}

func (FixAction) ActionType() string { return "fix" }

// OverrideAction replaces a named output field's value. Post-generation
// scope only.
type OverrideAction struct {
	Field string
	Value string
}

func (OverrideAction) ActionType() string { return "override" }

// Rule is a compiled rule: condition tree plus one action.
type Rule struct {
	ID        string
	Priority  int
	Condition Condition
	Action    Action
}

// Pack is a compiled rule pack bound to one injection point.
type Pack struct {
	ID       string
	Scope    Scope
	Priority int
	Rules    []Rule
}

// Snapshot is an immutable view of the active rule set. A pipeline run takes
// one snapshot and uses it for both injection points, so a mid-run reload
// can never produce mixed behavior.
type Snapshot struct {
	Packs    []Pack
	LoadedAt time.Time
}

type scopedRule struct {
	packID       string
	packPriority int
	rule         Rule
}

// forScope returns the enabled rules for one injection point, ordered by
// (pack priority, rule priority); lower values run first.
func (s *Snapshot) forScope(scope Scope) []scopedRule {
	var out []scopedRule
	for _, pack := range s.Packs {
		if pack.Scope != scope {
			continue
		}
		for _, rule := range pack.Rules {
			out = append(out, scopedRule{
				packID:       pack.ID,
				packPriority: pack.Priority,
				rule:         rule,
			})
		}
	}
	// Packs and rules are sorted at load time; a stable merge keeps the
	// order here without re-sorting.
	return out
}
