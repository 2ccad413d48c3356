package entities

import "time"

// ClinicalScenario is a retrievable clinical variant: a semantic description
// of a patient presentation with its panel/topic association and an attached
// embedding column. Scenarios are immutable once created; the offline
// ingestion job is the only writer.
type ClinicalScenario struct {
	ID          string    `json:"id" db:"id"`
	Description string    `json:"description" db:"description"`
	Panel       string    `json:"panel" db:"panel"`
	Topic       string    `json:"topic" db:"topic"`
	RiskLevel   string    `json:"risk_level" db:"risk_level"`
	Population  string    `json:"population" db:"population"`
	Tags        []string  `json:"tags,omitempty" db:"tags"`
	Embedding   []float32 `json:"-" db:"-"`
	CreatedAt   time.Time `json:"created_at" db:"created_at"`
}

// ScenarioHit is a scenario returned by nearest-neighbor retrieval together
// with its similarity score and its original retrieval rank. Rank is the
// tie-breaker that keeps reranking deterministic.
type ScenarioHit struct {
	Scenario   ClinicalScenario `json:"scenario"`
	Similarity float64          `json:"similarity"`
	Rank       int              `json:"rank"`
}
