package evaluation

import "strings"

// Lexical-overlap scoring. All metrics return values in [0,1]. A statement
// is "supported" by a context when at least half of its content tokens
// appear in that context.
const supportThreshold = 0.5

// relevanceThreshold is the minimum reference-token overlap for a retrieved
// context to count as relevant during precision/recall scoring.
const relevanceThreshold = 0.2

// Faithfulness scores how well the answer's statements are grounded in the
// retrieved context: the fraction of answer sentences supported by at least
// one context.
func Faithfulness(answer string, contexts []string) float64 {
	sentences := splitSentences(answer)
	if len(sentences) == 0 || len(contexts) == 0 {
		return 0.0
	}

	contextTokens := make([]map[string]struct{}, len(contexts))
	for i, c := range contexts {
		contextTokens[i] = tokenSet(c)
	}

	supported := 0
	for _, sentence := range sentences {
		tokens := tokenSet(sentence)
		if len(tokens) == 0 {
			continue
		}
		for _, ct := range contextTokens {
			if overlapFraction(tokens, ct) >= supportThreshold {
				supported++
				break
			}
		}
	}

	return float64(supported) / float64(len(sentences))
}

// AnswerRelevancy scores how much of the query the answer addresses: the
// fraction of query tokens present in the answer.
func AnswerRelevancy(query, answer string) float64 {
	queryTokens := tokenSet(query)
	if len(queryTokens) == 0 {
		return 0.0
	}
	return overlapFraction(queryTokens, tokenSet(answer))
}

// ContextPrecision scores whether the relevant contexts are ranked first:
// average precision over the positions of reference-relevant contexts.
// Requires a reference answer.
func ContextPrecision(reference string, contexts []string) float64 {
	refTokens := tokenSet(reference)
	if len(refTokens) == 0 || len(contexts) == 0 {
		return 0.0
	}

	relevantSeen := 0
	precisionSum := 0.0
	for i, c := range contexts {
		if overlapFraction(refTokens, tokenSet(c)) >= relevanceThreshold {
			relevantSeen++
			precisionSum += float64(relevantSeen) / float64(i+1)
		}
	}
	if relevantSeen == 0 {
		return 0.0
	}
	return precisionSum / float64(relevantSeen)
}

// ContextRecall scores how much of the reference answer the retrieved
// context covers: the fraction of reference sentences supported by at least
// one context. Requires a reference answer.
func ContextRecall(reference string, contexts []string) float64 {
	sentences := splitSentences(reference)
	if len(sentences) == 0 || len(contexts) == 0 {
		return 0.0
	}

	contextTokens := make([]map[string]struct{}, len(contexts))
	for i, c := range contexts {
		contextTokens[i] = tokenSet(c)
	}

	covered := 0
	for _, sentence := range sentences {
		tokens := tokenSet(sentence)
		if len(tokens) == 0 {
			continue
		}
		for _, ct := range contextTokens {
			if overlapFraction(tokens, ct) >= supportThreshold {
				covered++
				break
			}
		}
	}

	return float64(covered) / float64(len(sentences))
}

// overlapFraction is the share of want tokens present in have.
func overlapFraction(want, have map[string]struct{}) float64 {
	if len(want) == 0 {
		return 0.0
	}
	matched := 0
	for token := range want {
		if _, ok := have[token]; ok {
			matched++
		}
	}
	return float64(matched) / float64(len(want))
}

var fillerTokens = map[string]struct{}{
	"a": {}, "an": {}, "and": {}, "are": {}, "as": {}, "at": {}, "be": {},
	"by": {}, "for": {}, "in": {}, "is": {}, "it": {}, "of": {}, "on": {},
	"or": {}, "the": {}, "to": {}, "with": {},
}

func tokenSet(text string) map[string]struct{} {
	tokens := make(map[string]struct{})
	for _, field := range strings.Fields(strings.ToLower(text)) {
		token := strings.Trim(field, ".,;:!?()[]\"'")
		if token == "" {
			continue
		}
		if _, skip := fillerTokens[token]; skip {
			continue
		}
		tokens[token] = struct{}{}
	}
	return tokens
}

func splitSentences(text string) []string {
	var sentences []string
	for _, part := range strings.FieldsFunc(text, func(r rune) bool {
		return r == '.' || r == '!' || r == '?' || r == '\n'
	}) {
		if s := strings.TrimSpace(part); s != "" {
			sentences = append(sentences, s)
		}
	}
	return sentences
}
