package intent

import (
	"strings"
	"unicode"
)

const maxKeywords = 15

var stopWords = map[string]struct{}{
	"a": {}, "about": {}, "after": {}, "all": {}, "also": {}, "am": {}, "an": {},
	"and": {}, "any": {}, "are": {}, "as": {}, "at": {}, "be": {}, "been": {},
	"before": {}, "but": {}, "by": {}, "can": {}, "could": {}, "did": {}, "do": {},
	"does": {}, "for": {}, "from": {}, "get": {}, "got": {}, "had": {}, "has": {},
	"have": {}, "he": {}, "her": {}, "here": {}, "him": {}, "his": {}, "how": {},
	"i": {}, "if": {}, "in": {}, "into": {}, "is": {}, "it": {}, "its": {},
	"just": {}, "me": {}, "my": {}, "no": {}, "not": {}, "of": {}, "on": {},
	"or": {}, "our": {}, "out": {}, "over": {}, "please": {}, "she": {},
	"should": {}, "so": {}, "some": {}, "than": {}, "that": {}, "the": {},
	"their": {}, "them": {}, "then": {}, "there": {}, "they": {}, "this": {},
	"to": {}, "up": {}, "us": {}, "was": {}, "we": {}, "were": {}, "what": {},
	"when": {}, "where": {}, "which": {}, "who": {}, "why": {}, "will": {},
	"with": {}, "would": {}, "you": {}, "your": {},
}

// Keywords returns the ordered unique tokens of text with punctuation
// stripped and English stop-words removed, capped at 15.
func Keywords(text string) []string {
	fields := strings.Fields(strings.ToLower(text))
	seen := make(map[string]struct{}, len(fields))
	out := make([]string, 0, len(fields))
	for _, field := range fields {
		word := strings.TrimFunc(field, func(r rune) bool {
			return !unicode.IsLetter(r) && !unicode.IsNumber(r)
		})
		if word == "" {
			continue
		}
		if _, stop := stopWords[word]; stop {
			continue
		}
		if _, dup := seen[word]; dup {
			continue
		}
		seen[word] = struct{}{}
		out = append(out, word)
		if len(out) == maxKeywords {
			break
		}
	}
	return out
}
