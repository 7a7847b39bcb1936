// Package tokenutil approximates token counts for provider transcripts when
// the provider does not report usage on the wire.
package tokenutil

import "strings"

// EstimateTokens returns a rough token count for a piece of text. Words map
// to ~1.33 tokens in English; length/4 is the floor so code and CJK text are
// not undercounted.
func EstimateTokens(content string) int {
	if content == "" {
		return 0
	}
	words := len(strings.Fields(content))
	wordEstimate := int(float64(words) * 1.33)
	charEstimate := len(content) / 4
	if wordEstimate > charEstimate {
		return wordEstimate
	}
	return charEstimate
}

// EstimateContextLength sums the estimates for the parts of a turn (prompt,
// response, system instructions), the fallback contextLength for runs whose
// provider reported no usage.
func EstimateContextLength(parts ...string) int {
	total := 0
	for _, p := range parts {
		total += EstimateTokens(p)
	}
	return total
}
