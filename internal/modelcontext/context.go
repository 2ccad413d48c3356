package modelcontext

import (
	"fmt"
	"os"
	"sync/atomic"
	"time"

	"gopkg.in/yaml.v3"
)

// Purpose selects which default parameter block applies.
type Purpose string

const (
	PurposeInference  Purpose = "inference"
	PurposeEvaluation Purpose = "evaluation"
)

// Params are resolved model parameters for one call.
type Params struct {
	Model           string  `yaml:"model"`
	MaxOutputTokens int     `yaml:"max_output_tokens"`
	Temperature     float64 `yaml:"temperature"`
	TopP            float64 `yaml:"top_p"`
}

// PartialParams is an override block; only set fields replace the defaults.
type PartialParams struct {
	Model           *string  `yaml:"model,omitempty"`
	MaxOutputTokens *int     `yaml:"max_output_tokens,omitempty"`
	Temperature     *float64 `yaml:"temperature,omitempty"`
	TopP            *float64 `yaml:"top_p,omitempty"`
}

// Override scopes, least to most specific.
const (
	ScopeTag      = "tag"
	ScopePanel    = "panel"
	ScopeTopic    = "topic"
	ScopeScenario = "scenario"
)

// Override binds a parameter block to a panel, topic, scenario or custom tag.
type Override struct {
	Scope  string        `yaml:"scope"`
	Match  string        `yaml:"match"`
	Params PartialParams `yaml:"params"`
}

// Snapshot is an immutable model context. Readers hold one reference for a
// whole request and never observe a partial update.
type Snapshot struct {
	Inference  Params     `yaml:"inference"`
	Evaluation Params     `yaml:"evaluation"`
	Overrides  []Override `yaml:"overrides"`
}

// ScopeKeys identifies the request's position in the override hierarchy.
type ScopeKeys struct {
	Panel      string
	Topic      string
	ScenarioID string
	Tags       []string
}

// Resolve merges the defaults for the purpose with any matching overrides,
// most specific last: tag, then panel, then topic, then scenario.
func (s *Snapshot) Resolve(purpose Purpose, keys ScopeKeys) Params {
	params := s.Inference
	if purpose == PurposeEvaluation {
		params = s.Evaluation
	}

	for _, scope := range []string{ScopeTag, ScopePanel, ScopeTopic, ScopeScenario} {
		for _, o := range s.Overrides {
			if o.Scope != scope || !keys.matches(scope, o.Match) {
				continue
			}
			params = apply(params, o.Params)
		}
	}

	return params
}

func (k ScopeKeys) matches(scope, match string) bool {
	switch scope {
	case ScopePanel:
		return match != "" && match == k.Panel
	case ScopeTopic:
		return match != "" && match == k.Topic
	case ScopeScenario:
		return match != "" && match == k.ScenarioID
	case ScopeTag:
		for _, tag := range k.Tags {
			if tag == match {
				return true
			}
		}
	}
	return false
}

func apply(base Params, p PartialParams) Params {
	if p.Model != nil {
		base.Model = *p.Model
	}
	if p.MaxOutputTokens != nil {
		base.MaxOutputTokens = *p.MaxOutputTokens
	}
	if p.Temperature != nil {
		base.Temperature = *p.Temperature
	}
	if p.TopP != nil {
		base.TopP = *p.TopP
	}
	return base
}

// Manager loads the model-context file and swaps immutable snapshots when
// the file's modification time changes.
type Manager struct {
	path     string
	interval time.Duration
	snap     atomic.Pointer[Snapshot]
	mtime    atomic.Int64
}

// NewManager loads the initial snapshot from path.
func NewManager(path string, pollInterval time.Duration) (*Manager, error) {
	m := &Manager{path: path, interval: pollInterval}
	if err := m.load(); err != nil {
		return nil, err
	}
	return m, nil
}

// NewStaticManager wraps a fixed snapshot; used in tests and when no context
// file is configured.
func NewStaticManager(snap Snapshot) *Manager {
	m := &Manager{}
	m.snap.Store(&snap)
	return m
}

// Snapshot returns the current immutable context.
func (m *Manager) Snapshot() *Snapshot {
	return m.snap.Load()
}

// Start polls the file's modification time until stop is closed.
func (m *Manager) Start(stop <-chan struct{}) {
	if m.path == "" || m.interval <= 0 {
		return
	}
	go func() {
		ticker := time.NewTicker(m.interval)
		defer ticker.Stop()
		for {
			select {
			case <-stop:
				return
			case <-ticker.C:
				m.CheckReload()
			}
		}
	}()
}

// CheckReload reloads the snapshot if the file changed since the last load.
// A broken file keeps the previous snapshot active.
func (m *Manager) CheckReload() bool {
	info, err := os.Stat(m.path)
	if err != nil {
		return false
	}
	if info.ModTime().UnixNano() == m.mtime.Load() {
		return false
	}
	if err := m.load(); err != nil {
		return false
	}
	return true
}

func (m *Manager) load() error {
	info, err := os.Stat(m.path)
	if err != nil {
		return fmt.Errorf("failed to stat model context file: %w", err)
	}
	data, err := os.ReadFile(m.path)
	if err != nil {
		return fmt.Errorf("failed to read model context file: %w", err)
	}

	var snap Snapshot
	if err := yaml.Unmarshal(data, &snap); err != nil {
		return fmt.Errorf("failed to parse model context file: %w", err)
	}
	if err := validate(&snap); err != nil {
		return err
	}

	m.snap.Store(&snap)
	m.mtime.Store(info.ModTime().UnixNano())
	return nil
}

func validate(snap *Snapshot) error {
	if snap.Inference.Model == "" {
		return fmt.Errorf("model context: inference model is required")
	}
	for i, o := range snap.Overrides {
		switch o.Scope {
		case ScopeTag, ScopePanel, ScopeTopic, ScopeScenario:
		default:
			return fmt.Errorf("model context: override %d has unknown scope %q", i, o.Scope)
		}
		if o.Match == "" {
			return fmt.Errorf("model context: override %d has an empty match", i)
		}
	}
	return nil
}
