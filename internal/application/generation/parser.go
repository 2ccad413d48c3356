package generation

import (
	"encoding/json"
	"fmt"
	"strings"

	"github.com/meridianhealth/procedure-advisor/internal/domain/entities"
	apperrors "github.com/meridianhealth/procedure-advisor/pkg/errors"
)

type parsedRecommendation struct {
	ProcedureName string `json:"procedure_name"`
	Category      string `json:"category"`
	Rating        int    `json:"rating"`
	Rationale     string `json:"rationale"`
}

type parsedAnswer struct {
	Summary         string                 `json:"summary"`
	Recommendations []parsedRecommendation `json:"recommendations"`
}

// ParseAnswer extracts and validates the generated structure. It tries, in
// order: strict parse, fenced-block stripping, bracket-balance repair. An
// unrecoverable failure is returned as a PARSE error; the raw text stays
// with the caller for diagnostics and is never coerced into an empty
// success.
func ParseAnswer(raw string) (*entities.GeneratedAnswer, error) {
	trimmed := strings.TrimSpace(raw)
	if trimmed == "" {
		return nil, apperrors.NewParseError("generated output is empty", nil)
	}

	attempts := []string{
		trimmed,
		stripFences(trimmed),
		repairBrackets(stripFences(trimmed)),
	}

	var lastErr error
	for _, attempt := range attempts {
		if attempt == "" {
			continue
		}
		var parsed parsedAnswer
		if err := json.Unmarshal([]byte(attempt), &parsed); err != nil {
			lastErr = err
			continue
		}
		answer, err := toAnswer(&parsed)
		if err != nil {
			return nil, apperrors.NewParseError("generated output failed schema validation", err)
		}
		return answer, nil
	}

	return nil, apperrors.NewParseError("generated output is not valid JSON", lastErr)
}

// stripFences removes a surrounding Markdown code fence if present.
func stripFences(text string) string {
	s := strings.TrimSpace(text)
	if !strings.HasPrefix(s, "```") {
		return s
	}
	s = strings.TrimPrefix(s, "```json")
	s = strings.TrimPrefix(s, "```")
	if idx := strings.LastIndex(s, "```"); idx >= 0 {
		s = s[:idx]
	}
	return strings.TrimSpace(s)
}

// repairBrackets trims to the outermost object and appends the closers a
// truncated output is missing. String-internal brackets are ignored.
func repairBrackets(text string) string {
	start := strings.IndexByte(text, '{')
	if start < 0 {
		return ""
	}
	s := text[start:]

	var stack []byte
	inString := false
	escaped := false
	for i := 0; i < len(s); i++ {
		c := s[i]
		if inString {
			switch {
			case escaped:
				escaped = false
			case c == '\\':
				escaped = true
			case c == '"':
				inString = false
			}
			continue
		}
		switch c {
		case '"':
			inString = true
		case '{', '[':
			stack = append(stack, c)
		case '}', ']':
			if len(stack) > 0 {
				stack = stack[:len(stack)-1]
			}
			if len(stack) == 0 {
				return s[:i+1]
			}
		}
	}

	if inString {
		s += `"`
	}
	for i := len(stack) - 1; i >= 0; i-- {
		if stack[i] == '{' {
			s += "}"
		} else {
			s += "]"
		}
	}
	return s
}

func toAnswer(parsed *parsedAnswer) (*entities.GeneratedAnswer, error) {
	if len(parsed.Recommendations) == 0 {
		return nil, fmt.Errorf("no recommendations present")
	}

	answer := &entities.GeneratedAnswer{
		Summary:         strings.TrimSpace(parsed.Summary),
		Recommendations: make([]entities.RecommendationItem, 0, len(parsed.Recommendations)),
	}

	for i, rec := range parsed.Recommendations {
		name := strings.TrimSpace(rec.ProcedureName)
		if name == "" {
			return nil, fmt.Errorf("recommendation %d: missing procedure name", i+1)
		}
		if rec.Rating < entities.RatingMin || rec.Rating > entities.RatingMax {
			return nil, fmt.Errorf("recommendation %d: rating %d outside [%d,%d]", i+1, rec.Rating, entities.RatingMin, entities.RatingMax)
		}

		category := strings.TrimSpace(rec.Category)
		expected := entities.CategoryForRating(rec.Rating)
		switch category {
		case "":
			category = expected
		case entities.CategoryUsuallyAppropriate, entities.CategoryMayBeAppropriate, entities.CategoryUsuallyNotAppropriate:
			if category != expected {
				return nil, fmt.Errorf("recommendation %d: category %q inconsistent with rating %d", i+1, category, rec.Rating)
			}
		default:
			return nil, fmt.Errorf("recommendation %d: unknown category %q", i+1, category)
		}

		answer.Recommendations = append(answer.Recommendations, entities.RecommendationItem{
			Rank:          i + 1,
			ProcedureName: name,
			Category:      category,
			Rating:        rec.Rating,
			Rationale:     strings.TrimSpace(rec.Rationale),
		})
	}

	return answer, nil
}
