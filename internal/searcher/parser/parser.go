// Package parser splits a free-text query into the terms of a boolean AND
// query.
package parser

import (
	"sort"
	"strings"
)

// QueryPlan is a parsed query. Terms are lower-cased, deduplicated and kept
// in first-occurrence order.
type QueryPlan struct {
	RawQuery string
	Terms    []string
}

// Parse lower-cases query and splits it on whitespace. Query terms are not
// passed through the document tokenizer, so punctuation inside a term is
// kept and such a term only matches if the same token was indexed.
func Parse(query string) *QueryPlan {
	plan := &QueryPlan{RawQuery: query, Terms: make([]string, 0)}
	seen := make(map[string]struct{})
	for _, w := range strings.Fields(strings.ToLower(query)) {
		if _, dup := seen[w]; dup {
			continue
		}
		seen[w] = struct{}{}
		plan.Terms = append(plan.Terms, w)
	}
	return plan
}

// Normalized is a canonical form of the query used for cache keys. AND
// semantics make term order irrelevant to the result.
func (p *QueryPlan) Normalized() string {
	terms := append([]string(nil), p.Terms...)
	sort.Strings(terms)
	return strings.Join(terms, " ")
}
