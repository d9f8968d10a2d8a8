// Package tokenizer turns document text into index terms. It lower-cases
// input, treats anything outside [a-z0-9] and whitespace as a separator, and
// splits on whitespace. Terms are not stemmed and stop-words are kept, so a
// query term matches only the exact lower-cased token.
package tokenizer

import (
	"regexp"
	"strings"
)

var nonTerm = regexp.MustCompile(`[^a-z0-9\s]`)

// Tokenize returns the terms of text in order, duplicates included.
func Tokenize(text string) []string {
	if text == "" {
		return nil
	}
	cleaned := nonTerm.ReplaceAllString(strings.ToLower(text), " ")
	return strings.Fields(cleaned)
}
