package memory

import (
	"sort"
	"strings"
	"unicode"
)

// conceptStopwords are common English function words excluded from concept
// extraction.
var conceptStopwords = map[string]struct{}{
	"a": {}, "an": {}, "and": {}, "are": {}, "as": {}, "at": {}, "be": {},
	"but": {}, "by": {}, "for": {}, "from": {}, "had": {}, "has": {},
	"have": {}, "he": {}, "her": {}, "his": {}, "i": {}, "in": {}, "is": {},
	"it": {}, "its": {}, "not": {}, "of": {}, "on": {}, "or": {}, "she": {},
	"that": {}, "the": {}, "their": {}, "then": {}, "there": {}, "they": {},
	"this": {}, "to": {}, "was": {}, "we": {}, "were": {}, "when": {},
	"which": {}, "will": {}, "with": {}, "you": {}, "your": {},
}

// ExtractConcepts pulls the dominant non-stopword terms out of a piece of
// content, most frequent first, capped at five. Words shorter than three
// runes never qualify.
func ExtractConcepts(content string) []string {
	counts := make(map[string]int)
	words := strings.FieldsFunc(strings.ToLower(content), func(r rune) bool {
		return !unicode.IsLetter(r) && !unicode.IsDigit(r)
	})
	for _, w := range words {
		if len([]rune(w)) < 3 {
			continue
		}
		if _, stop := conceptStopwords[w]; stop {
			continue
		}
		counts[w]++
	}

	terms := make([]string, 0, len(counts))
	for w := range counts {
		terms = append(terms, w)
	}
	sort.Slice(terms, func(i, j int) bool {
		if counts[terms[i]] != counts[terms[j]] {
			return counts[terms[i]] > counts[terms[j]]
		}
		return terms[i] < terms[j]
	})

	if len(terms) > 5 {
		terms = terms[:5]
	}
	return terms
}
