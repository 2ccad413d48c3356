package entities

import (
	"fmt"
	"time"
)

// Appropriateness rating bounds. Ratings outside this range are rejected at
// every boundary that constructs a recommendation.
const (
	RatingMin = 1
	RatingMax = 9
)

// Rating category labels.
const (
	CategoryUsuallyAppropriate    = "usually_appropriate"
	CategoryMayBeAppropriate      = "may_be_appropriate"
	CategoryUsuallyNotAppropriate = "usually_not_appropriate"
)

// ProcedureRecommendation links exactly one scenario to a procedure with an
// appropriateness rating and a rationale.
type ProcedureRecommendation struct {
	ID            string    `json:"id" db:"id"`
	ScenarioID    string    `json:"scenario_id" db:"scenario_id"`
	ProcedureName string    `json:"procedure_name" db:"procedure_name"`
	Category      string    `json:"category" db:"category"`
	Rating        int       `json:"rating" db:"rating"`
	Rationale     string    `json:"rationale" db:"rationale"`
	CreatedAt     time.Time `json:"created_at" db:"created_at"`
}

// Validate checks the recommendation invariants.
func (r *ProcedureRecommendation) Validate() error {
	if r.ScenarioID == "" {
		return fmt.Errorf("recommendation %s: missing scenario reference", r.ID)
	}
	if r.ProcedureName == "" {
		return fmt.Errorf("recommendation %s: missing procedure name", r.ID)
	}
	if r.Rating < RatingMin || r.Rating > RatingMax {
		return fmt.Errorf("recommendation %s: rating %d outside [%d,%d]", r.ID, r.Rating, RatingMin, RatingMax)
	}
	return nil
}

// CategoryForRating maps a rating to its appropriateness category label.
func CategoryForRating(rating int) string {
	switch {
	case rating >= 7:
		return CategoryUsuallyAppropriate
	case rating >= 4:
		return CategoryMayBeAppropriate
	default:
		return CategoryUsuallyNotAppropriate
	}
}
