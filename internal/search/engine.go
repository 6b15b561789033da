package search

import (
	"context"
	"fmt"
	"log/slog"
	"math"
	"sort"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/pgvector/pgvector-go"

	"github.com/mnemos-ai/mnemos/internal/model"
	"github.com/mnemos-ai/mnemos/internal/storage"
)

// Composite ranking weights. Documented defaults; revisit against a
// benchmark corpus before changing.
const (
	weightSimilarity = 0.5
	weightImportance = 0.2
	weightDecay      = 0.2
	weightLinkBoost  = 0.1

	// decayFloor keeps old memories discoverable: decay never drops below it.
	decayFloor = 0.1

	// linkBoostScale normalizes the shared-tag neighbor count: a memory with
	// this many tag neighbors gets the full boost.
	linkBoostScale = 10
)

// nowFunc is swapped out by tests that need deterministic decay.
var nowFunc = time.Now

// Embedder produces one query embedding. Satisfied by *embedding.Gateway.
type Embedder interface {
	EmbedText(ctx context.Context, userID uuid.UUID, text string) (pgvector.Vector, error)
}

// Index is an optional ANN accelerator for the vector pass. When nil, the
// vector pass scans pgvector in Postgres directly.
type Index interface {
	Search(ctx context.Context, userID uuid.UUID, vector []float32, threshold float32, limit int) ([]IndexHit, error)
}

// IndexHit is one ANN result prior to hydration from Postgres.
type IndexHit struct {
	MemoryID uuid.UUID
	Score    float32
}

// Engine executes hybrid searches. All passes are tenant-scoped; the engine
// never sees another tenant's rows.
type Engine struct {
	db       *storage.DB
	embedder Embedder // nil disables the vector pass
	index    Index    // nil falls back to pgvector scan
	logger   *slog.Logger
}

// New creates a search engine. embedder and index may be nil.
func New(db *storage.DB, embedder Embedder, index Index, logger *slog.Logger) *Engine {
	return &Engine{db: db, embedder: embedder, index: index, logger: logger}
}

// candidate accumulates per-memory state across the retrieval passes.
type candidate struct {
	memory     model.Memory
	similarity float32
	score      float32
}

// Search runs the full hybrid retrieval pipeline. Embedder failure degrades
// to keyword+metadata and annotates the response; it never fails the search.
func (e *Engine) Search(ctx context.Context, userID uuid.UUID, req model.SearchRequest) (model.SearchResponse, error) {
	if userID == uuid.Nil {
		return model.SearchResponse{}, fmt.Errorf("search: user_id required: %w", model.ErrInvalidArgument)
	}
	if req.Limit <= 0 {
		req.Limit = 10
	}
	if req.Strategy == "" {
		req.Strategy = model.StrategyComposite
	}
	if !model.ValidStrategy(req.Strategy) {
		return model.SearchResponse{}, fmt.Errorf("search: unknown strategy %q: %w", req.Strategy, model.ErrInvalidArgument)
	}
	if req.Threshold < 0 || req.Threshold > 1 {
		return model.SearchResponse{}, fmt.Errorf("search: threshold must be in [0,1]: %w", model.ErrInvalidArgument)
	}

	parsed := Parse(req.Query)
	if parsed.Empty() {
		// An empty query never scans the tenant's store.
		return model.SearchResponse{Hits: []model.SearchHit{}, Mode: model.ModeNone}, nil
	}

	pool := map[uuid.UUID]*candidate{}
	var modes []string
	var embeddingError string

	// Vector pass. Skipped for pure-metadata queries and when no embedder
	// is configured.
	if e.embedder != nil && len(parsed.Terms) > 0 {
		hits, err := e.vectorPass(ctx, userID, parsed, req)
		if err != nil {
			embeddingError = err.Error()
			e.logger.Warn("search: vector pass degraded to keyword", "user_id", userID, "error", err)
		} else if len(hits) > 0 {
			modes = append(modes, string(model.ModeVector))
			for _, c := range hits {
				merge(pool, c.Memory, c.Similarity)
			}
		}
	}

	// Keyword pass. Always evaluated. Hits enter the pool at base relevance
	// equal to the threshold so they are comparable with vector hits.
	if len(parsed.Terms) > 0 {
		kw, err := e.db.KeywordSearch(ctx, userID, parsed.Terms, req.MemoryTypes, req.TagsAnyOf, 0)
		if err != nil {
			return model.SearchResponse{}, err
		}
		if len(kw) > 0 {
			modes = append(modes, string(model.ModeKeyword))
			for _, m := range kw {
				merge(pool, m, req.Threshold)
			}
		}
	}

	// Metadata pass. Predicates AND-combine with the keyword/vector pool;
	// a pure-metadata query seeds the pool from the store instead.
	if len(parsed.Predicates) > 0 {
		modes = append(modes, string(model.ModeMetadata))
		if len(parsed.Terms) == 0 {
			md, err := e.db.MetadataSearch(ctx, userID, parsed.Predicates, req.MemoryTypes, req.TagsAnyOf, 0)
			if err != nil {
				return model.SearchResponse{}, err
			}
			for _, m := range md {
				merge(pool, m, req.Threshold)
			}
		} else {
			for id, c := range pool {
				if !MatchesMetadata(c.memory.Metadata, parsed.Predicates) {
					delete(pool, id)
				}
			}
		}
	}

	hits, err := e.rank(ctx, userID, pool, req)
	if err != nil {
		return model.SearchResponse{}, err
	}

	mode := model.ModeNone
	if len(modes) > 0 {
		mode = model.SearchMode(strings.Join(modes, "+"))
	}
	return model.SearchResponse{Hits: hits, Mode: mode, EmbeddingError: embeddingError}, nil
}

func (e *Engine) vectorPass(ctx context.Context, userID uuid.UUID, parsed ParsedQuery, req model.SearchRequest) ([]storage.Candidate, error) {
	vec, err := e.embedder.EmbedText(ctx, userID, parsed.KeywordText())
	if err != nil {
		return nil, err
	}

	if e.index != nil {
		idxHits, err := e.index.Search(ctx, userID, vec.Slice(), req.Threshold, 0)
		if err != nil {
			// ANN index down: the pgvector scan is the fallback, not a failure.
			e.logger.Warn("search: ann index unavailable, falling back to pgvector", "error", err)
		} else {
			return e.hydrate(ctx, userID, idxHits, req)
		}
	}

	return e.db.VectorSearch(ctx, userID, vec, req.Threshold, req.MemoryTypes, req.TagsAnyOf, 0)
}

// hydrate loads index hits from Postgres (source of truth) and re-applies
// the type/tag filters the index does not know about.
func (e *Engine) hydrate(ctx context.Context, userID uuid.UUID, idxHits []IndexHit, req model.SearchRequest) ([]storage.Candidate, error) {
	out := make([]storage.Candidate, 0, len(idxHits))
	for _, h := range idxHits {
		if h.Score < req.Threshold {
			continue
		}
		m, err := e.db.GetMemory(ctx, h.MemoryID, userID)
		if err != nil {
			// Deleted between index search and hydration.
			continue
		}
		if m.IsArchived || !matchesTypes(m, req.MemoryTypes) || !matchesTags(m, req.TagsAnyOf) {
			continue
		}
		out = append(out, storage.Candidate{Memory: m, Similarity: h.Score})
	}
	return out, nil
}

func merge(pool map[uuid.UUID]*candidate, m model.Memory, similarity float32) {
	if c, ok := pool[m.ID]; ok {
		if similarity > c.similarity {
			c.similarity = similarity
		}
		return
	}
	pool[m.ID] = &candidate{memory: m, similarity: similarity}
}

// rank scores, orders, and truncates the candidate pool.
func (e *Engine) rank(ctx context.Context, userID uuid.UUID, pool map[uuid.UUID]*candidate, req model.SearchRequest) ([]model.SearchHit, error) {
	cands := make([]*candidate, 0, len(pool))
	ids := make([]uuid.UUID, 0, len(pool))
	for id, c := range pool {
		cands = append(cands, c)
		ids = append(ids, id)
	}

	switch req.Strategy {
	case model.StrategySimilarity:
		for _, c := range cands {
			c.score = c.similarity
		}
	case model.StrategyRecency:
		for _, c := range cands {
			c.score = float32(c.memory.UpdatedAt.UnixNano())
		}
	case model.StrategyImportance:
		for _, c := range cands {
			c.score = c.memory.Importance
		}
	case model.StrategyComposite:
		linkCounts, err := e.db.LinkCounts(ctx, userID, ids)
		if err != nil {
			return nil, err
		}
		now := nowFunc()
		for _, c := range cands {
			ageDays := math.Max(0, now.Sub(c.memory.UpdatedAt).Hours()/24.0)
			c.score = compositeScore(c.similarity, c.memory.Importance, ageDays, linkCounts[c.memory.ID])
		}
	}

	sort.Slice(cands, func(i, j int) bool {
		a, b := cands[i], cands[j]
		if a.score != b.score {
			return a.score > b.score
		}
		if a.memory.Importance != b.memory.Importance {
			return a.memory.Importance > b.memory.Importance
		}
		if !a.memory.UpdatedAt.Equal(b.memory.UpdatedAt) {
			return a.memory.UpdatedAt.After(b.memory.UpdatedAt)
		}
		return a.memory.ID.String() < b.memory.ID.String()
	})

	if len(cands) > req.Limit {
		cands = cands[:req.Limit]
	}

	hits := make([]model.SearchHit, len(cands))
	for i, c := range cands {
		hits[i] = model.SearchHit{Memory: c.memory, Similarity: c.similarity, Score: c.score}
	}
	return hits, nil
}

// compositeScore blends similarity, importance, temporal decay, and the
// semantic link boost. Decay floors at decayFloor so memories never fully
// expire; link boost caps at 1.0.
func compositeScore(similarity, importance float32, ageDays float64, linkCount int) float32 {
	decay := math.Max(decayFloor, 1.0/(1.0+math.Log(1.0+ageDays)))
	boost := math.Min(1.0, float64(linkCount)/linkBoostScale)
	return float32(weightSimilarity*float64(similarity) +
		weightImportance*float64(importance) +
		weightDecay*decay +
		weightLinkBoost*boost)
}

// MatchesMetadata reports whether metadata satisfies every predicate:
// the stringified value compares case-insensitively equal.
func MatchesMetadata(metadata map[string]any, predicates map[string]string) bool {
	for k, want := range predicates {
		got, ok := metadata[k]
		if !ok {
			return false
		}
		if !strings.EqualFold(stringify(got), want) {
			return false
		}
	}
	return true
}

func stringify(v any) string {
	switch t := v.(type) {
	case string:
		return t
	case bool:
		if t {
			return "true"
		}
		return "false"
	case float64:
		// JSON numbers decode as float64; render integers without a decimal.
		if t == math.Trunc(t) {
			return fmt.Sprintf("%d", int64(t))
		}
		return fmt.Sprintf("%g", t)
	default:
		return fmt.Sprintf("%v", v)
	}
}

func matchesTypes(m model.Memory, types []model.MemoryType) bool {
	if len(types) == 0 {
		return true
	}
	for _, t := range types {
		if m.Type == t {
			return true
		}
	}
	return false
}

func matchesTags(m model.Memory, tags []string) bool {
	if len(tags) == 0 {
		return true
	}
	for _, want := range tags {
		for _, got := range m.Tags {
			if got == want {
				return true
			}
		}
	}
	return false
}
