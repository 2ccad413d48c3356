package rules

import (
	"fmt"
	"strings"

	"github.com/meridianhealth/procedure-advisor/internal/domain/entities"
	"github.com/meridianhealth/procedure-advisor/internal/infrastructure/observability"
)

// Engine evaluates rule snapshots at the pipeline's injection points. The
// mode decides whether matching rules mutate anything (enforce), only leave
// audit entries (audit), or are skipped entirely (disabled).
type Engine struct {
	mode Mode
}

// NewEngine creates a rule engine in the given mode.
func NewEngine(mode Mode) *Engine {
	return &Engine{mode: mode}
}

// Mode returns the engine's mode.
func (e *Engine) Mode() Mode {
	return e.mode
}

// RerankInput is one candidate at the rerank injection point: its working
// score and a context snapshot frozen before the pass.
type RerankInput struct {
	Score float64
	Ctx   map[string]any
}

// RerankOutcome is the engine's decision for one candidate.
type RerankOutcome struct {
	Score    float64
	Filtered bool
}

// ApplyRerank runs the rerank-scoped rules over each candidate in a single
// pass. Conditions always see the frozen per-candidate context; effects
// accumulate only on the outcome being built. A rule whose condition fails
// to evaluate is skipped and logged, never aborting the pass.
func (e *Engine) ApplyRerank(snap *Snapshot, inputs []RerankInput) ([]RerankOutcome, []entities.RuleAuditEntry) {
	outcomes := make([]RerankOutcome, len(inputs))
	for i, in := range inputs {
		outcomes[i] = RerankOutcome{Score: in.Score}
	}
	if e.mode == ModeDisabled || snap == nil {
		return outcomes, nil
	}

	var audit []entities.RuleAuditEntry
	for _, sr := range snap.forScope(ScopeRerank) {
		for i, in := range inputs {
			entry := entities.RuleAuditEntry{
				PackID: sr.packID,
				RuleID: sr.rule.ID,
				Scope:  string(ScopeRerank),
				Action: sr.rule.Action.ActionType(),
			}

			matched, err := sr.rule.Condition.Eval(in.Ctx)
			if err != nil {
				e.logSkip(sr, err)
				entry.Error = err.Error()
				audit = append(audit, entry)
				continue
			}
			entry.Matched = matched
			if matched && e.mode == ModeEnforce {
				switch action := sr.rule.Action.(type) {
				case BoostAction:
					outcomes[i].Score *= action.Factor
					entry.Applied = true
					entry.Detail = fmt.Sprintf("score multiplied by %g", action.Factor)
				case FilterAction:
					outcomes[i].Filtered = true
					entry.Applied = true
					entry.Detail = "candidate excluded"
				}
			}
			audit = append(audit, entry)
		}
	}

	return outcomes, audit
}

// ApplyPostGeneration runs the post-generation rules over the parsed answer
// in a single pass. The context map is frozen by the caller; actions mutate
// only the returned copy.
func (e *Engine) ApplyPostGeneration(snap *Snapshot, ctx map[string]any, answer entities.GeneratedAnswer) (entities.GeneratedAnswer, []entities.RuleAuditEntry) {
	out := answer
	out.Recommendations = make([]entities.RecommendationItem, len(answer.Recommendations))
	copy(out.Recommendations, answer.Recommendations)

	if e.mode == ModeDisabled || snap == nil {
		return out, nil
	}

	logger := observability.ComponentLogger("rules")
	var audit []entities.RuleAuditEntry
	for _, sr := range snap.forScope(ScopePostGeneration) {
		entry := entities.RuleAuditEntry{
			PackID: sr.packID,
			RuleID: sr.rule.ID,
			Scope:  string(ScopePostGeneration),
			Action: sr.rule.Action.ActionType(),
		}

		matched, err := sr.rule.Condition.Eval(ctx)
		if err != nil {
			e.logSkip(sr, err)
			entry.Error = err.Error()
			audit = append(audit, entry)
			continue
		}
		entry.Matched = matched

		if matched {
			switch action := sr.rule.Action.(type) {
			case WarnAction:
				// Warn is log-only in every mode.
				logger.Warn().
					Str("pack", sr.packID).
					Str("rule", sr.rule.ID).
					Msg(action.Message)
				entry.Applied = e.mode == ModeEnforce
				entry.Detail = action.Message
			case FixAction:
				if e.mode == ModeEnforce {
					removed := applyRemoveMatchingName(&out, action.Denylist)
					entry.Applied = true
					entry.Detail = fmt.Sprintf("removed %d item(s)", removed)
				}
			case OverrideAction:
				if e.mode == ModeEnforce {
					out.Summary = action.Value
					entry.Applied = true
					entry.Detail = fmt.Sprintf("field %q overridden", action.Field)
				}
			}
		}
		audit = append(audit, entry)
	}

	return out, audit
}

func applyRemoveMatchingName(answer *entities.GeneratedAnswer, denylist []string) int {
	kept := answer.Recommendations[:0]
	removed := 0
	for _, item := range answer.Recommendations {
		name := strings.ToLower(item.ProcedureName)
		denied := false
		for _, term := range denylist {
			if strings.Contains(name, strings.ToLower(term)) {
				denied = true
				break
			}
		}
		if denied {
			removed++
			continue
		}
		kept = append(kept, item)
	}
	answer.Recommendations = kept
	for i := range answer.Recommendations {
		answer.Recommendations[i].Rank = i + 1
	}
	return removed
}

func (e *Engine) logSkip(sr scopedRule, err error) {
	observability.ComponentLogger("rules").Warn().
		Str("pack", sr.packID).
		Str("rule", sr.rule.ID).
		Err(err).
		Msg("rule condition failed to evaluate, rule skipped")
}
