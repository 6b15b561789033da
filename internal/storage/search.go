package storage

import (
	"context"
	"fmt"
	"strings"

	"github.com/google/uuid"
	"github.com/pgvector/pgvector-go"

	"github.com/mnemos-ai/mnemos/internal/model"
)

// Candidate is one retrieval-pass hit before re-ranking.
type Candidate struct {
	Memory     model.Memory
	Similarity float32
}

// searchConds builds the shared tenant + type/tag constraints for the
// retrieval passes. Archived memories never appear in search results.
func searchConds(userID uuid.UUID, types []model.MemoryType, tags []string) ([]string, []any) {
	where := []string{"user_id = $1", "NOT is_archived"}
	args := []any{userID}
	if len(types) > 0 {
		args = append(args, types)
		where = append(where, fmt.Sprintf("mem_type = ANY($%d)", len(args)))
	}
	if len(tags) > 0 {
		args = append(args, tags)
		where = append(where, fmt.Sprintf("tags && $%d", len(args)))
	}
	return where, args
}

// VectorSearch returns tenant memories whose embedding cosine similarity to
// the query vector is at least threshold, ordered by similarity descending.
// pgvector's <=> operator is cosine distance; similarity = 1 - distance.
func (db *DB) VectorSearch(ctx context.Context, userID uuid.UUID, query pgvector.Vector, threshold float32, types []model.MemoryType, tags []string, limit int) ([]Candidate, error) {
	where, args := searchConds(userID, types, tags)
	where = append(where, "embedding IS NOT NULL")

	args = append(args, query)
	simExpr := fmt.Sprintf("1 - (embedding <=> $%d)", len(args))
	args = append(args, threshold)
	where = append(where, fmt.Sprintf("%s >= $%d", simExpr, len(args)))

	q := `SELECT ` + memoryColumns + `, ` + simExpr + ` AS similarity
	      FROM memories WHERE ` + strings.Join(where, " AND ") +
		` ORDER BY similarity DESC`
	if limit > 0 {
		q += fmt.Sprintf(" LIMIT %d", limit)
	}

	rows, err := db.pool.Query(ctx, q, args...)
	if err != nil {
		return nil, fmt.Errorf("storage: vector search: %w", err)
	}
	defer rows.Close()

	var out []Candidate
	for rows.Next() {
		var c Candidate
		err := rows.Scan(
			&c.Memory.ID, &c.Memory.UserID, &c.Memory.Title, &c.Memory.Content,
			&c.Memory.Type, &c.Memory.Importance, &c.Memory.Tags, &c.Memory.EntityRefs,
			&c.Memory.Embedding, &c.Memory.Metadata, &c.Memory.IsArchived,
			&c.Memory.CreatedAt, &c.Memory.UpdatedAt, &c.Similarity,
		)
		if err != nil {
			return nil, fmt.Errorf("storage: scan vector hit: %w", err)
		}
		out = append(out, c)
	}
	return out, rows.Err()
}

// KeywordSearch returns tenant memories whose title or content contains any
// of the terms, case-insensitively (OR semantics across terms).
func (db *DB) KeywordSearch(ctx context.Context, userID uuid.UUID, terms []string, types []model.MemoryType, tags []string, limit int) ([]model.Memory, error) {
	if len(terms) == 0 {
		return nil, nil
	}
	where, args := searchConds(userID, types, tags)

	termConds := make([]string, 0, len(terms))
	for _, t := range terms {
		args = append(args, "%"+escapeLike(t)+"%")
		termConds = append(termConds, fmt.Sprintf("(title ILIKE $%d OR content ILIKE $%d)", len(args), len(args)))
	}
	where = append(where, "("+strings.Join(termConds, " OR ")+")")

	q := `SELECT ` + memoryColumns + ` FROM memories WHERE ` + strings.Join(where, " AND ") +
		` ORDER BY updated_at DESC`
	if limit > 0 {
		q += fmt.Sprintf(" LIMIT %d", limit)
	}

	rows, err := db.pool.Query(ctx, q, args...)
	if err != nil {
		return nil, fmt.Errorf("storage: keyword search: %w", err)
	}
	defer rows.Close()

	var out []model.Memory
	for rows.Next() {
		m, err := scanMemory(rows)
		if err != nil {
			return nil, fmt.Errorf("storage: scan keyword hit: %w", err)
		}
		out = append(out, m)
	}
	return out, rows.Err()
}

// MetadataSearch returns tenant memories whose metadata satisfies every
// predicate: metadata[key] stringifies case-insensitively equal to value.
func (db *DB) MetadataSearch(ctx context.Context, userID uuid.UUID, predicates map[string]string, types []model.MemoryType, tags []string, limit int) ([]model.Memory, error) {
	if len(predicates) == 0 {
		return nil, nil
	}
	where, args := searchConds(userID, types, tags)

	for k, v := range predicates {
		args = append(args, k)
		keyArg := len(args)
		args = append(args, v)
		where = append(where, fmt.Sprintf("lower(metadata->>$%d) = lower($%d)", keyArg, len(args)))
	}

	q := `SELECT ` + memoryColumns + ` FROM memories WHERE ` + strings.Join(where, " AND ") +
		` ORDER BY updated_at DESC`
	if limit > 0 {
		q += fmt.Sprintf(" LIMIT %d", limit)
	}

	rows, err := db.pool.Query(ctx, q, args...)
	if err != nil {
		return nil, fmt.Errorf("storage: metadata search: %w", err)
	}
	defer rows.Close()

	var out []model.Memory
	for rows.Next() {
		m, err := scanMemory(rows)
		if err != nil {
			return nil, fmt.Errorf("storage: scan metadata hit: %w", err)
		}
		out = append(out, m)
	}
	return out, rows.Err()
}

// LinkCounts returns, for each candidate id, the number of other tenant
// memories sharing at least one tag with it. Feeds the composite-rank
// semantic link boost.
func (db *DB) LinkCounts(ctx context.Context, userID uuid.UUID, ids []uuid.UUID) (map[uuid.UUID]int, error) {
	counts := make(map[uuid.UUID]int, len(ids))
	if len(ids) == 0 {
		return counts, nil
	}
	rows, err := db.pool.Query(ctx,
		`SELECT m.id, COUNT(DISTINCT o.id)
		 FROM memories m
		 JOIN memories o
		   ON o.user_id = m.user_id AND o.id <> m.id AND o.tags && m.tags
		 WHERE m.user_id = $1 AND m.id = ANY($2)
		 GROUP BY m.id`,
		userID, ids,
	)
	if err != nil {
		return nil, fmt.Errorf("storage: link counts: %w", err)
	}
	defer rows.Close()

	for rows.Next() {
		var id uuid.UUID
		var n int
		if err := rows.Scan(&id, &n); err != nil {
			return nil, fmt.Errorf("storage: scan link count: %w", err)
		}
		counts[id] = n
	}
	return counts, rows.Err()
}

// escapeLike escapes LIKE metacharacters in a user-supplied search term.
func escapeLike(s string) string {
	s = strings.ReplaceAll(s, `\`, `\\`)
	s = strings.ReplaceAll(s, `%`, `\%`)
	s = strings.ReplaceAll(s, `_`, `\_`)
	return s
}
