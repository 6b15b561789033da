package search

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestParseTermsOnly(t *testing.T) {
	p := Parse("rocket  launch schedule")
	assert.Equal(t, []string{"rocket", "launch", "schedule"}, p.Terms)
	assert.Empty(t, p.Predicates)
	assert.False(t, p.Empty())
	assert.Equal(t, "rocket launch schedule", p.KeywordText())
}

func TestParsePredicates(t *testing.T) {
	p := Parse("source:manual project:apollo")
	assert.Empty(t, p.Terms)
	assert.Equal(t, map[string]string{"source": "manual", "project": "apollo"}, p.Predicates)
}

func TestParseMetadataPrefix(t *testing.T) {
	p := Parse("metadata.source:manual")
	assert.Equal(t, map[string]string{"source": "manual"}, p.Predicates)
}

func TestParseMixed(t *testing.T) {
	p := Parse("rocket source:manual launch")
	assert.Equal(t, []string{"rocket", "launch"}, p.Terms)
	assert.Equal(t, map[string]string{"source": "manual"}, p.Predicates)
	assert.Equal(t, "rocket launch", p.KeywordText())
}

func TestParseDuplicateKeyLastWins(t *testing.T) {
	p := Parse("source:manual source:import")
	assert.Equal(t, "import", p.Predicates["source"])
}

func TestParseMalformedTokensStayTerms(t *testing.T) {
	// A colon without both sides is not a predicate.
	p := Parse("trailing: :leading plain")
	assert.Equal(t, []string{"trailing:", ":leading", "plain"}, p.Terms)
	assert.Empty(t, p.Predicates)
}

func TestParseEmpty(t *testing.T) {
	assert.True(t, Parse("").Empty())
	assert.True(t, Parse("   ").Empty())
}
