package rehydrate

import (
	"sort"
	"strings"
	"unicode"
)

var stopwords = map[string]bool{
	"the": true, "and": true, "for": true, "with": true, "that": true,
	"this": true, "from": true, "into": true, "are": true, "was": true,
	"were": true, "have": true, "has": true, "not": true, "but": true,
	"you": true, "all": true, "any": true, "can": true, "our": true,
	"out": true, "about": true, "what": true, "when": true, "which": true,
	"will": true, "would": true, "should": true, "could": true, "there": true,
	"their": true, "them": true, "then": true, "than": true, "its": true,
}

// Terms returns the distinct, sorted query terms: lower case, at least
// three characters, stop words removed.
func Terms(text string) []string {
	seen := map[string]bool{}
	for _, w := range strings.FieldsFunc(strings.ToLower(text), func(r rune) bool {
		return !unicode.IsLetter(r) && !unicode.IsDigit(r)
	}) {
		if len([]rune(w)) < 3 || stopwords[w] {
			continue
		}
		seen[w] = true
	}
	out := make([]string, 0, len(seen))
	for w := range seen {
		out = append(out, w)
	}
	sort.Strings(out)
	return out
}

// Relevance is floor + (1-floor)*overlap, where overlap is the share of
// query terms found in content. Without query terms it is 1.
func Relevance(queryTerms []string, content string, floor float64) float64 {
	if len(queryTerms) == 0 {
		return 1
	}
	have := map[string]bool{}
	for _, t := range Terms(content) {
		have[t] = true
	}
	hits := 0
	for _, t := range queryTerms {
		if have[t] {
			hits++
		}
	}
	overlap := float64(hits) / float64(len(queryTerms))
	return floor + (1-floor)*overlap
}
