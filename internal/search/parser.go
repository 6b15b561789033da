// Package search implements hybrid retrieval over a tenant's memories:
// vector similarity, keyword matching, and metadata predicates, merged and
// re-ranked by a pluggable strategy.
package search

import "strings"

// ParsedQuery is the result of splitting a raw query into metadata
// predicates and keyword terms.
type ParsedQuery struct {
	Terms      []string
	Predicates map[string]string
}

// Empty reports whether the query carries neither terms nor predicates.
func (p ParsedQuery) Empty() bool {
	return len(p.Terms) == 0 && len(p.Predicates) == 0
}

// KeywordText reconstructs the free-text portion for embedding.
func (p ParsedQuery) KeywordText() string {
	return strings.Join(p.Terms, " ")
}

// Parse splits a query into whitespace-separated tokens. Tokens of the form
// key:value or metadata.key:value become metadata predicates; everything
// else is a keyword term. A later duplicate predicate key wins.
func Parse(query string) ParsedQuery {
	p := ParsedQuery{Predicates: map[string]string{}}
	for _, tok := range strings.Fields(query) {
		key, val, ok := strings.Cut(tok, ":")
		if ok && key != "" && val != "" {
			key = strings.TrimPrefix(key, "metadata.")
			if key != "" {
				p.Predicates[key] = val
				continue
			}
		}
		p.Terms = append(p.Terms, tok)
	}
	return p
}
