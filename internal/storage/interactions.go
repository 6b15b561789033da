package storage

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/mnemos-ai/mnemos/internal/model"
)

// CreateInteraction appends one interaction record.
func (db *DB) CreateInteraction(ctx context.Context, in model.Interaction) (model.Interaction, error) {
	if in.ID == uuid.Nil {
		in.ID = uuid.New()
	}
	if in.UserID == uuid.Nil {
		return model.Interaction{}, fmt.Errorf("storage: interaction user_id required: %w", model.ErrInvalidArgument)
	}
	if in.OccurredAt.IsZero() {
		in.OccurredAt = time.Now().UTC()
	}
	if in.Direction == "" {
		in.Direction = "none"
	}
	if in.EntityRefs == nil {
		in.EntityRefs = []uuid.UUID{}
	}

	_, err := db.pool.Exec(ctx,
		`INSERT INTO interactions (id, user_id, entity_refs, content, direction, occurred_at)
		 VALUES ($1, $2, $3, $4, $5, $6)`,
		in.ID, in.UserID, in.EntityRefs, in.Content, in.Direction, in.OccurredAt,
	)
	if err != nil {
		return model.Interaction{}, mapWriteErr(err, "interactions")
	}
	return in, nil
}

// ListInteractions returns tenant interactions, newest first, optionally
// narrowed to those referencing a specific entity.
func (db *DB) ListInteractions(ctx context.Context, userID uuid.UUID, entityID *uuid.UUID, limit int) ([]model.Interaction, error) {
	q := `SELECT id, user_id, entity_refs, content, direction, occurred_at
	      FROM interactions WHERE user_id = $1`
	args := []any{userID}
	if entityID != nil {
		args = append(args, *entityID)
		q += fmt.Sprintf(" AND $%d = ANY(entity_refs)", len(args))
	}
	q += " ORDER BY occurred_at DESC"
	if limit > 0 {
		q += fmt.Sprintf(" LIMIT %d", limit)
	}

	rows, err := db.pool.Query(ctx, q, args...)
	if err != nil {
		return nil, fmt.Errorf("storage: list interactions: %w", err)
	}
	defer rows.Close()

	var out []model.Interaction
	for rows.Next() {
		var in model.Interaction
		if err := rows.Scan(&in.ID, &in.UserID, &in.EntityRefs, &in.Content, &in.Direction, &in.OccurredAt); err != nil {
			return nil, fmt.Errorf("storage: scan interaction: %w", err)
		}
		out = append(out, in)
	}
	return out, rows.Err()
}
