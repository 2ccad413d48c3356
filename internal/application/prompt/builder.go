package prompt

import (
	"fmt"
	"strings"

	"github.com/meridianhealth/procedure-advisor/internal/application/rerank"
	"github.com/meridianhealth/procedure-advisor/internal/domain/entities"
)

const systemInstruction = `You are a clinical decision support assistant recommending diagnostic procedures. Return ONLY valid JSON with this schema:
{
  "summary": string (2-3 short sentences explaining the overall recommendation),
  "recommendations": [
    {
      "procedure_name": string,
      "category": string (one of: usually_appropriate, may_be_appropriate, usually_not_appropriate),
      "rating": integer (1-9 appropriateness rating, 9 = most appropriate),
      "rationale": string (1 short sentence)
    }
  ]
}
Order recommendations from most to least appropriate. Base every recommendation on the supplied context when context is present. Do not invent procedures that the context does not support. Do not include medical advice beyond procedure selection.`

const lowSimilarityInstruction = `No sufficiently similar clinical scenarios were found for this query. Answer from general appropriateness principles, state the uncertainty in the summary, and keep the recommendation list short and conservative.`

// Input is everything the builder needs for one deterministic assembly.
type Input struct {
	Query              string
	Candidates         []rerank.ScoredCandidate
	Recommendations    map[string][]entities.ProcedureRecommendation
	IncludeRationale   bool
	TopRecommendations int
	MaxSimilarity      float64
	Threshold          float64
}

// Output is the assembled prompt plus the branch taken.
type Output struct {
	Prompt        string
	LowSimilarity bool
	DroppedBlocks int
}

// Builder assembles a bounded-length instruction from retrieval context.
type Builder struct {
	charBudget int
}

// NewBuilder creates a prompt builder with the given character budget.
func NewBuilder(charBudget int) *Builder {
	if charBudget <= 0 {
		charBudget = 8000
	}
	return &Builder{charBudget: charBudget}
}

// Build assembles the prompt. When the best candidate's similarity is below
// the threshold (or there are no candidates) the reduced, context-free
// template is used instead of grounding the prompt in weak retrieval.
func (b *Builder) Build(in Input) Output {
	lowSimilarity := len(in.Candidates) == 0 || in.MaxSimilarity < in.Threshold
	if lowSimilarity {
		return Output{
			Prompt:        b.buildLowSimilarity(in.Query),
			LowSimilarity: true,
		}
	}

	header := systemInstruction + "\n\nClinical query: " + in.Query + "\n\nRetrieved clinical context, most relevant first:\n"

	blocks := make([]string, 0, len(in.Candidates))
	for i, cand := range in.Candidates {
		blocks = append(blocks, b.renderBlock(i+1, cand, in))
	}

	// Budget enforcement drops whole blocks from the tail; an item is never
	// cut mid-text.
	used := len(header)
	kept := 0
	for _, block := range blocks {
		if used+len(block) > b.charBudget {
			break
		}
		used += len(block)
		kept++
	}
	if kept == 0 && len(blocks) > 0 {
		// Keep at least the top candidate even over budget; an empty context
		// section would silently turn this into the reduced branch.
		kept = 1
	}

	var sb strings.Builder
	sb.WriteString(header)
	for _, block := range blocks[:kept] {
		sb.WriteString(block)
	}

	return Output{
		Prompt:        sb.String(),
		DroppedBlocks: len(blocks) - kept,
	}
}

func (b *Builder) renderBlock(rank int, cand rerank.ScoredCandidate, in Input) string {
	var sb strings.Builder
	scenario := cand.Scenario
	fmt.Fprintf(&sb, "\n[Scenario %d] (similarity %.2f)\n", rank, cand.Similarity)
	fmt.Fprintf(&sb, "Panel: %s | Topic: %s\n", scenario.Panel, scenario.Topic)
	if scenario.RiskLevel != "" || scenario.Population != "" {
		fmt.Fprintf(&sb, "Risk level: %s | Population: %s\n", scenario.RiskLevel, scenario.Population)
	}
	fmt.Fprintf(&sb, "Description: %s\n", scenario.Description)

	recs := in.Recommendations[scenario.ID]
	if in.TopRecommendations > 0 && len(recs) > in.TopRecommendations {
		recs = recs[:in.TopRecommendations]
	}
	if len(recs) > 0 {
		sb.WriteString("Rated procedures:\n")
	}
	for _, rec := range recs {
		if in.IncludeRationale && rec.Rationale != "" {
			fmt.Fprintf(&sb, "- %s (rating %d/9, %s): %s\n", rec.ProcedureName, rec.Rating, rec.Category, rec.Rationale)
		} else {
			fmt.Fprintf(&sb, "- %s (rating %d/9, %s)\n", rec.ProcedureName, rec.Rating, rec.Category)
		}
	}
	return sb.String()
}

func (b *Builder) buildLowSimilarity(query string) string {
	return systemInstruction + "\n\n" + lowSimilarityInstruction + "\n\nClinical query: " + query + "\n"
}
