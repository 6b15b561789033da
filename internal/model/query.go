package model

// SearchStrategy selects the re-ranking applied to a hybrid search pool.
type SearchStrategy string

const (
	StrategyRecency    SearchStrategy = "recency"
	StrategyImportance SearchStrategy = "importance"
	StrategySimilarity SearchStrategy = "similarity"
	StrategyComposite  SearchStrategy = "composite"
)

// ValidStrategy reports whether s is a recognized ranking strategy.
func ValidStrategy(s SearchStrategy) bool {
	switch s {
	case StrategyRecency, StrategyImportance, StrategySimilarity, StrategyComposite:
		return true
	}
	return false
}

// SearchRequest is one hybrid search over a tenant's memories.
type SearchRequest struct {
	Query       string
	Limit       int
	Threshold   float32 // minimum cosine similarity, default 0.3
	Strategy    SearchStrategy
	MemoryTypes []MemoryType
	TagsAnyOf   []string
}

// SearchMode records which retrieval passes actually contributed.
type SearchMode string

const (
	ModeNone     SearchMode = "none"
	ModeVector   SearchMode = "vector"
	ModeKeyword  SearchMode = "keyword"
	ModeMetadata SearchMode = "metadata"
	ModeHybrid   SearchMode = "hybrid"
)

// SearchHit is one ranked result row.
type SearchHit struct {
	Memory     Memory  `json:"memory"`
	Similarity float32 `json:"similarity"`
	Score      float32 `json:"score"`
}

// SearchResponse is the search result envelope. EmbeddingError is set when
// the vector pass was skipped because the embedder failed; the keyword and
// metadata passes still ran.
type SearchResponse struct {
	Hits           []SearchHit `json:"memories"`
	Mode           SearchMode  `json:"mode"`
	EmbeddingError string      `json:"embedding_error,omitempty"`
}
