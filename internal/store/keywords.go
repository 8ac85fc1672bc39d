package store

import (
	"regexp"
	"strings"
)

var nonWordRe = regexp.MustCompile(`[^\w\s]`)

// stopwords are dropped from keyword queries and never score.
var stopwords = map[string]bool{
	"the": true, "is": true, "at": true, "of": true, "on": true,
	"and": true, "a": true, "an": true, "to": true, "in": true,
	"for": true, "how": true, "do": true, "i": true, "what": true,
}

// Tokenize lowercases text, strips punctuation, and drops stopwords.
func Tokenize(text string) []string {
	text = nonWordRe.ReplaceAllString(strings.ToLower(text), "")
	var tokens []string
	for _, w := range strings.Fields(text) {
		if !stopwords[w] {
			tokens = append(tokens, w)
		}
	}
	return tokens
}

// ScoreText counts how often the query tokens occur in the text.
func ScoreText(text string, tokens []string) int {
	lower := strings.ToLower(text)
	score := 0
	for _, t := range tokens {
		score += strings.Count(lower, t)
	}
	return score
}
