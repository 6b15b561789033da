package storage

import (
	"context"
	"fmt"

	"github.com/google/uuid"
)

// TenantStats summarizes one tenant's stored records and embedding coverage.
type TenantStats struct {
	Memories       int            `json:"total"`
	WithEmbeddings int            `json:"with_embeddings"`
	Entities       int            `json:"entities"`
	Interactions   int            `json:"interactions"`
	ByType         map[string]int `json:"by_type"`
}

// Stats gathers per-tenant counts in a single round trip per table.
func (db *DB) Stats(ctx context.Context, userID uuid.UUID) (TenantStats, error) {
	s := TenantStats{ByType: map[string]int{}}

	err := db.pool.QueryRow(ctx,
		`SELECT COUNT(*), COUNT(embedding) FROM memories WHERE user_id = $1`,
		userID,
	).Scan(&s.Memories, &s.WithEmbeddings)
	if err != nil {
		return TenantStats{}, fmt.Errorf("storage: memory stats: %w", err)
	}

	rows, err := db.pool.Query(ctx,
		`SELECT mem_type, COUNT(*) FROM memories WHERE user_id = $1 GROUP BY mem_type`,
		userID,
	)
	if err != nil {
		return TenantStats{}, fmt.Errorf("storage: type stats: %w", err)
	}
	defer rows.Close()
	for rows.Next() {
		var t string
		var n int
		if err := rows.Scan(&t, &n); err != nil {
			return TenantStats{}, fmt.Errorf("storage: scan type stat: %w", err)
		}
		s.ByType[t] = n
	}
	if err := rows.Err(); err != nil {
		return TenantStats{}, err
	}

	if s.Entities, err = db.CountEntities(ctx, userID); err != nil {
		return TenantStats{}, err
	}

	err = db.pool.QueryRow(ctx,
		`SELECT COUNT(*) FROM interactions WHERE user_id = $1`, userID,
	).Scan(&s.Interactions)
	if err != nil {
		return TenantStats{}, fmt.Errorf("storage: interaction stats: %w", err)
	}

	return s, nil
}
