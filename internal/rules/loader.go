package rules

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"sync/atomic"
	"time"

	"github.com/fsnotify/fsnotify"
	"github.com/meridianhealth/procedure-advisor/internal/infrastructure/observability"
	"gopkg.in/yaml.v3"
)

// ActionSpec is the declarative action form from the pack file.
type ActionSpec struct {
	Type      string         `yaml:"type"`
	Factor    float64        `yaml:"factor,omitempty"`
	Message   string         `yaml:"message,omitempty"`
	Transform string         `yaml:"transform,omitempty"`
	Params    map[string]any `yaml:"params,omitempty"`
	Field     string         `yaml:"field,omitempty"`
	Value     string         `yaml:"value,omitempty"`
}

// RuleSpec is the declarative rule form from the pack file.
type RuleSpec struct {
	ID        string         `yaml:"id"`
	Enabled   bool           `yaml:"enabled"`
	Priority  int            `yaml:"priority"`
	Condition map[string]any `yaml:"condition"`
	Action    ActionSpec     `yaml:"action"`
}

// PackSpec is the declarative pack form from the pack file.
type PackSpec struct {
	ID       string     `yaml:"id"`
	Scope    string     `yaml:"scope"`
	Enabled  bool       `yaml:"enabled"`
	Priority int        `yaml:"priority"`
	Rules    []RuleSpec `yaml:"rules"`
}

type packFile struct {
	Packs []PackSpec `yaml:"packs"`
}

// Loader loads rule packs from a versioned YAML file and keeps an immutable
// snapshot that is swapped atomically on reload.
type Loader struct {
	path string
	snap atomic.Pointer[Snapshot]
}

// NewLoader loads the pack file and returns a loader holding the initial
// snapshot.
func NewLoader(path string) (*Loader, error) {
	l := &Loader{path: path}
	if err := l.Reload(); err != nil {
		return nil, err
	}
	return l, nil
}

// NewEmptyLoader returns a loader with no rules; used when the engine is
// disabled or no pack file is configured.
func NewEmptyLoader() *Loader {
	l := &Loader{}
	l.snap.Store(&Snapshot{LoadedAt: time.Now()})
	return l
}

// Snapshot returns the current frozen rule set.
func (l *Loader) Snapshot() *Snapshot {
	return l.snap.Load()
}

// Reload re-reads and re-compiles the pack file, swapping the snapshot only
// after the whole file parsed and validated. A broken file keeps the last
// good snapshot active.
func (l *Loader) Reload() error {
	data, err := os.ReadFile(l.path)
	if err != nil {
		return fmt.Errorf("failed to read rule pack file: %w", err)
	}

	var file packFile
	if err := yaml.Unmarshal(data, &file); err != nil {
		return fmt.Errorf("failed to parse rule pack file: %w", err)
	}

	snap, err := compile(file.Packs)
	if err != nil {
		return err
	}

	l.snap.Store(snap)
	return nil
}

// Watch reloads the pack file on filesystem change events until ctx is done.
func (l *Loader) Watch(ctx context.Context) error {
	if l.path == "" {
		return nil
	}

	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("failed to create rule pack watcher: %w", err)
	}

	// Watch the directory: editors and config tooling replace files instead
	// of writing them in place.
	if err := watcher.Add(filepath.Dir(l.path)); err != nil {
		watcher.Close()
		return fmt.Errorf("failed to watch rule pack directory: %w", err)
	}

	logger := observability.ComponentLogger("rules")
	go func() {
		defer watcher.Close()
		for {
			select {
			case <-ctx.Done():
				return
			case event, ok := <-watcher.Events:
				if !ok {
					return
				}
				if filepath.Clean(event.Name) != filepath.Clean(l.path) {
					continue
				}
				if !event.Has(fsnotify.Write) && !event.Has(fsnotify.Create) {
					continue
				}
				if err := l.Reload(); err != nil {
					logger.Warn().Err(err).Str("path", l.path).Msg("rule pack reload failed, keeping previous snapshot")
					continue
				}
				logger.Info().Str("path", l.path).Msg("rule packs reloaded")
			case err, ok := <-watcher.Errors:
				if !ok {
					return
				}
				logger.Warn().Err(err).Msg("rule pack watcher error")
			}
		}
	}()

	return nil
}

func compile(specs []PackSpec) (*Snapshot, error) {
	var packs []Pack
	for _, ps := range specs {
		if ps.ID == "" {
			return nil, fmt.Errorf("rule pack with empty id")
		}
		if !ps.Enabled {
			continue
		}
		scope := Scope(ps.Scope)
		if scope != ScopeRerank && scope != ScopePostGeneration {
			return nil, fmt.Errorf("pack %q: unknown scope %q", ps.ID, ps.Scope)
		}

		var rules []Rule
		for _, rs := range ps.Rules {
			if rs.ID == "" {
				return nil, fmt.Errorf("pack %q: rule with empty id", ps.ID)
			}
			if !rs.Enabled {
				continue
			}
			cond, err := ParseCondition(rs.Condition)
			if err != nil {
				return nil, fmt.Errorf("pack %q rule %q: %w", ps.ID, rs.ID, err)
			}
			action, err := compileAction(rs.Action, scope)
			if err != nil {
				return nil, fmt.Errorf("pack %q rule %q: %w", ps.ID, rs.ID, err)
			}
			rules = append(rules, Rule{
				ID:        rs.ID,
				Priority:  rs.Priority,
				Condition: cond,
				Action:    action,
			})
		}

		sort.SliceStable(rules, func(i, j int) bool {
			return rules[i].Priority < rules[j].Priority
		})

		packs = append(packs, Pack{
			ID:       ps.ID,
			Scope:    scope,
			Priority: ps.Priority,
			Rules:    rules,
		})
	}

	sort.SliceStable(packs, func(i, j int) bool {
		return packs[i].Priority < packs[j].Priority
	})

	return &Snapshot{Packs: packs, LoadedAt: time.Now()}, nil
}

func compileAction(spec ActionSpec, scope Scope) (Action, error) {
	switch spec.Type {
	case "boost":
		if scope != ScopeRerank {
			return nil, fmt.Errorf("boost action is only valid at the rerank injection point")
		}
		if spec.Factor <= 0 {
			return nil, fmt.Errorf("boost action needs a positive factor")
		}
		return BoostAction{Factor: spec.Factor}, nil
	case "filter":
		if scope != ScopeRerank {
			return nil, fmt.Errorf("filter action is only valid at the rerank injection point")
		}
		return FilterAction{}, nil
	case "warn":
		if scope != ScopePostGeneration {
			return nil, fmt.Errorf("warn action is only valid at the post-generation injection point")
		}
		return WarnAction{Message: spec.Message}, nil
	case "fix":
		if scope != ScopePostGeneration {
			return nil, fmt.Errorf("fix action is only valid at the post-generation injection point")
		}
		if spec.Transform != TransformRemoveMatchingName {
			return nil, fmt.Errorf("fix transform %q is not whitelisted", spec.Transform)
		}
		denylist, err := stringList(spec.Params["denylist"])
		if err != nil || len(denylist) == 0 {
			return nil, fmt.Errorf("fix transform %q needs a non-empty params.denylist", spec.Transform)
		}
		return FixAction{Transform: spec.Transform, Denylist: denylist}, nil
	case "override":
		if scope != ScopePostGeneration {
			return nil, fmt.Errorf("override action is only valid at the post-generation injection point")
		}
		if spec.Field != "summary" {
			return nil, fmt.Errorf("override field %q is not overridable", spec.Field)
		}
		return OverrideAction{Field: spec.Field, Value: spec.Value}, nil
	default:
		return nil, fmt.Errorf("unknown action type %q", spec.Type)
	}
}

func stringList(v any) ([]string, error) {
	switch list := v.(type) {
	case []string:
		return list, nil
	case []any:
		out := make([]string, 0, len(list))
		for _, item := range list {
			s, ok := item.(string)
			if !ok {
				return nil, fmt.Errorf("expected a list of strings")
			}
			out = append(out, s)
		}
		return out, nil
	}
	return nil, fmt.Errorf("expected a list of strings")
}
