package storage

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/pgvector/pgvector-go"

	"github.com/mnemos-ai/mnemos/internal/model"
)

const memoryColumns = `id, user_id, title, content, mem_type, importance, tags,
	entity_refs, embedding, metadata, is_archived, created_at, updated_at`

func scanMemory(row pgx.Row) (model.Memory, error) {
	var m model.Memory
	err := row.Scan(
		&m.ID, &m.UserID, &m.Title, &m.Content, &m.Type, &m.Importance, &m.Tags,
		&m.EntityRefs, &m.Embedding, &m.Metadata, &m.IsArchived, &m.CreatedAt, &m.UpdatedAt,
	)
	return m, err
}

// CreateMemory inserts a memory. The ID is assigned here when absent so that
// no persisted row ever has a nil id; an existing id fails with ErrIDCollision.
func (db *DB) CreateMemory(ctx context.Context, m model.Memory) (model.Memory, error) {
	if m.ID == uuid.Nil {
		m.ID = uuid.New()
	}
	if m.UserID == uuid.Nil {
		return model.Memory{}, fmt.Errorf("storage: memory user_id required: %w", model.ErrInvalidArgument)
	}
	now := time.Now().UTC()
	if m.CreatedAt.IsZero() {
		m.CreatedAt = now
	}
	m.UpdatedAt = m.CreatedAt
	if m.Tags == nil {
		m.Tags = []string{}
	}
	if m.EntityRefs == nil {
		m.EntityRefs = []uuid.UUID{}
	}
	if m.Metadata == nil {
		m.Metadata = map[string]any{}
	}

	_, err := db.pool.Exec(ctx,
		`INSERT INTO memories (id, user_id, title, content, mem_type, importance, tags,
		 entity_refs, embedding, metadata, is_archived, created_at, updated_at)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13)`,
		m.ID, m.UserID, m.Title, m.Content, m.Type, m.Importance, m.Tags,
		m.EntityRefs, m.Embedding, m.Metadata, m.IsArchived, m.CreatedAt, m.UpdatedAt,
	)
	if err != nil {
		return model.Memory{}, mapWriteErr(err, "memories")
	}
	return m, nil
}

// GetMemory retrieves one memory, filtered by tenant. A row owned by another
// tenant is reported as not found.
func (db *DB) GetMemory(ctx context.Context, id, userID uuid.UUID) (model.Memory, error) {
	m, err := scanMemory(db.pool.QueryRow(ctx,
		`SELECT `+memoryColumns+` FROM memories WHERE id = $1 AND user_id = $2`,
		id, userID,
	))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return model.Memory{}, ErrNotFound
		}
		return model.Memory{}, fmt.Errorf("storage: get memory: %w", err)
	}
	return m, nil
}

// UpdateMemory applies a partial update and returns the stored row.
// updated_at is bumped on every change.
func (db *DB) UpdateMemory(ctx context.Context, id, userID uuid.UUID, patch model.MemoryPatch) (model.Memory, error) {
	sets := []string{"updated_at = $3"}
	args := []any{id, userID, time.Now().UTC()}

	add := func(col string, val any) {
		args = append(args, val)
		sets = append(sets, fmt.Sprintf("%s = $%d", col, len(args)))
	}

	if patch.Title != nil {
		add("title", *patch.Title)
	}
	if patch.Content != nil {
		add("content", *patch.Content)
	}
	if patch.Type != nil {
		add("mem_type", *patch.Type)
	}
	if patch.Importance != nil {
		add("importance", *patch.Importance)
	}
	if patch.Tags != nil {
		add("tags", patch.Tags)
	}
	if patch.EntityRefs != nil {
		add("entity_refs", patch.EntityRefs)
	}
	if patch.Metadata != nil {
		add("metadata", patch.Metadata)
	}
	if patch.IsArchived != nil {
		add("is_archived", *patch.IsArchived)
	}
	if patch.TouchesText() {
		// Text changed: the old vector no longer describes the row. The
		// backfill worker regenerates it.
		sets = append(sets, "embedding = NULL")
	}

	m, err := scanMemory(db.pool.QueryRow(ctx,
		`UPDATE memories SET `+strings.Join(sets, ", ")+`
		 WHERE id = $1 AND user_id = $2
		 RETURNING `+memoryColumns,
		args...,
	))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return model.Memory{}, ErrNotFound
		}
		return model.Memory{}, mapWriteErr(err, "memories")
	}
	return m, nil
}

// DeleteMemory removes one memory, filtered by tenant.
func (db *DB) DeleteMemory(ctx context.Context, id, userID uuid.UUID) error {
	tag, err := db.pool.Exec(ctx,
		`DELETE FROM memories WHERE id = $1 AND user_id = $2`, id, userID,
	)
	if err != nil {
		return mapWriteErr(err, "memories")
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

// ListMemories returns tenant memories matching the filter, newest first.
func (db *DB) ListMemories(ctx context.Context, userID uuid.UUID, f model.MemoryFilter) ([]model.Memory, error) {
	where := []string{"user_id = $1"}
	args := []any{userID}

	addCond := func(cond string, val any) {
		args = append(args, val)
		where = append(where, fmt.Sprintf(cond, len(args)))
	}

	if f.Type != nil {
		addCond("mem_type = $%d", *f.Type)
	}
	if len(f.TagsAnyOf) > 0 {
		addCond("tags && $%d", f.TagsAnyOf)
	}
	if f.Archived != nil {
		addCond("is_archived = $%d", *f.Archived)
	}
	if f.CreatedAfter != nil {
		addCond("created_at > $%d", *f.CreatedAfter)
	}
	if f.HasEmbedding != nil {
		if *f.HasEmbedding {
			where = append(where, "embedding IS NOT NULL")
		} else {
			where = append(where, "embedding IS NULL")
		}
	}

	q := `SELECT ` + memoryColumns + ` FROM memories WHERE ` + strings.Join(where, " AND ") +
		` ORDER BY updated_at DESC`
	if f.Limit > 0 {
		q += fmt.Sprintf(" LIMIT %d", f.Limit)
	}
	if f.Offset > 0 {
		q += fmt.Sprintf(" OFFSET %d", f.Offset)
	}

	rows, err := db.pool.Query(ctx, q, args...)
	if err != nil {
		return nil, fmt.Errorf("storage: list memories: %w", err)
	}
	defer rows.Close()

	var out []model.Memory
	for rows.Next() {
		m, err := scanMemory(rows)
		if err != nil {
			return nil, fmt.Errorf("storage: scan memory: %w", err)
		}
		out = append(out, m)
	}
	return out, rows.Err()
}

// SetEmbedding stores a freshly generated vector for a memory without
// bumping updated_at (embedding refresh is not a user-visible edit).
func (db *DB) SetEmbedding(ctx context.Context, id, userID uuid.UUID, vec pgvector.Vector) error {
	tag, err := db.pool.Exec(ctx,
		`UPDATE memories SET embedding = $3 WHERE id = $1 AND user_id = $2`,
		id, userID, vec,
	)
	if err != nil {
		return mapWriteErr(err, "memories")
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

// MissingEmbedding is one row from the backfill scan. ID is a pointer so a
// corrupt null id surfaces as nil instead of panicking the scanner; such rows
// are reported, never processed.
type MissingEmbedding struct {
	ID      *uuid.UUID
	UserID  uuid.UUID
	Title   string
	Content string
}

// ScanMissingEmbeddings returns up to batchSize memories whose embedding is
// absent or empty. userID narrows to one tenant; nil scans all tenants.
//
// The select always includes title alongside id: some backend drivers
// collapse single-column selects of a NULL value into zero rows, which would
// hide exactly the corrupt ids this scan must surface.
func (db *DB) ScanMissingEmbeddings(ctx context.Context, userID *uuid.UUID, batchSize int) ([]MissingEmbedding, error) {
	if batchSize <= 0 {
		batchSize = 100
	}
	q := `SELECT id, user_id, title, content FROM memories
	      WHERE (embedding IS NULL OR vector_dims(embedding) = 0)`
	args := []any{}
	if userID != nil {
		args = append(args, *userID)
		q += ` AND user_id = $1`
	}
	q += fmt.Sprintf(` ORDER BY updated_at ASC LIMIT %d`, batchSize)

	rows, err := db.pool.Query(ctx, q, args...)
	if err != nil {
		return nil, fmt.Errorf("storage: scan missing embeddings: %w", err)
	}
	defer rows.Close()

	var out []MissingEmbedding
	for rows.Next() {
		var rec MissingEmbedding
		if err := rows.Scan(&rec.ID, &rec.UserID, &rec.Title, &rec.Content); err != nil {
			return nil, fmt.Errorf("storage: scan missing embedding row: %w", err)
		}
		out = append(out, rec)
	}
	return out, rows.Err()
}

// CountMemories returns the tenant's memory count, used for quota checks.
func (db *DB) CountMemories(ctx context.Context, userID uuid.UUID) (int, error) {
	var n int
	err := db.pool.QueryRow(ctx,
		`SELECT COUNT(*) FROM memories WHERE user_id = $1`, userID,
	).Scan(&n)
	if err != nil {
		return 0, fmt.Errorf("storage: count memories: %w", err)
	}
	return n, nil
}
