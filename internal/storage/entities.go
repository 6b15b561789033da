package storage

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"

	"github.com/mnemos-ai/mnemos/internal/model"
)

const entityColumns = `id, user_id, entity_type, name, person_type, first_name,
	last_name, company, title, email, phone, address, website, notes, tags,
	importance, metadata, created_at, updated_at`

func scanEntity(row pgx.Row) (model.Entity, error) {
	var e model.Entity
	err := row.Scan(
		&e.ID, &e.UserID, &e.EntityType, &e.Name, &e.PersonType, &e.FirstName,
		&e.LastName, &e.Company, &e.Title, &e.Email, &e.Phone, &e.Address,
		&e.Website, &e.Notes, &e.Tags, &e.Importance, &e.Metadata,
		&e.CreatedAt, &e.UpdatedAt,
	)
	return e, err
}

// CreateEntity inserts an entity, assigning an id when absent.
func (db *DB) CreateEntity(ctx context.Context, e model.Entity) (model.Entity, error) {
	if e.ID == uuid.Nil {
		e.ID = uuid.New()
	}
	if e.UserID == uuid.Nil {
		return model.Entity{}, fmt.Errorf("storage: entity user_id required: %w", model.ErrInvalidArgument)
	}
	now := time.Now().UTC()
	if e.CreatedAt.IsZero() {
		e.CreatedAt = now
	}
	e.UpdatedAt = e.CreatedAt
	if e.Tags == nil {
		e.Tags = []string{}
	}
	if e.Metadata == nil {
		e.Metadata = map[string]any{}
	}

	_, err := db.pool.Exec(ctx,
		`INSERT INTO entities (id, user_id, entity_type, name, person_type, first_name,
		 last_name, company, title, email, phone, address, website, notes, tags,
		 importance, metadata, created_at, updated_at)
		 VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12,$13,$14,$15,$16,$17,$18,$19)`,
		e.ID, e.UserID, e.EntityType, e.Name, e.PersonType, e.FirstName,
		e.LastName, e.Company, e.Title, e.Email, e.Phone, e.Address,
		e.Website, e.Notes, e.Tags, e.Importance, e.Metadata, e.CreatedAt, e.UpdatedAt,
	)
	if err != nil {
		return model.Entity{}, mapWriteErr(err, "entities")
	}
	return e, nil
}

// GetEntity retrieves one entity, filtered by tenant.
func (db *DB) GetEntity(ctx context.Context, id, userID uuid.UUID) (model.Entity, error) {
	e, err := scanEntity(db.pool.QueryRow(ctx,
		`SELECT `+entityColumns+` FROM entities WHERE id = $1 AND user_id = $2`,
		id, userID,
	))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return model.Entity{}, ErrNotFound
		}
		return model.Entity{}, fmt.Errorf("storage: get entity: %w", err)
	}
	return e, nil
}

// UpdateEntity applies a partial update and returns the stored row.
func (db *DB) UpdateEntity(ctx context.Context, id, userID uuid.UUID, patch model.EntityPatch) (model.Entity, error) {
	sets := []string{"updated_at = $3"}
	args := []any{id, userID, time.Now().UTC()}

	add := func(col string, val any) {
		args = append(args, val)
		sets = append(sets, fmt.Sprintf("%s = $%d", col, len(args)))
	}

	if patch.EntityType != nil {
		add("entity_type", *patch.EntityType)
	}
	if patch.Name != nil {
		add("name", *patch.Name)
	}
	if patch.PersonType != nil {
		add("person_type", *patch.PersonType)
	}
	if patch.FirstName != nil {
		add("first_name", *patch.FirstName)
	}
	if patch.LastName != nil {
		add("last_name", *patch.LastName)
	}
	if patch.Company != nil {
		add("company", *patch.Company)
	}
	if patch.Title != nil {
		add("title", *patch.Title)
	}
	if patch.Email != nil {
		add("email", *patch.Email)
	}
	if patch.Phone != nil {
		add("phone", *patch.Phone)
	}
	if patch.Address != nil {
		add("address", *patch.Address)
	}
	if patch.Website != nil {
		add("website", *patch.Website)
	}
	if patch.Notes != nil {
		add("notes", *patch.Notes)
	}
	if patch.Tags != nil {
		add("tags", patch.Tags)
	}
	if patch.Importance != nil {
		add("importance", *patch.Importance)
	}
	if patch.Metadata != nil {
		add("metadata", patch.Metadata)
	}

	e, err := scanEntity(db.pool.QueryRow(ctx,
		`UPDATE entities SET `+strings.Join(sets, ", ")+`
		 WHERE id = $1 AND user_id = $2
		 RETURNING `+entityColumns,
		args...,
	))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return model.Entity{}, ErrNotFound
		}
		return model.Entity{}, mapWriteErr(err, "entities")
	}
	return e, nil
}

// DeleteEntity removes one entity and sweeps references to it from the
// tenant's memories in the same transaction.
func (db *DB) DeleteEntity(ctx context.Context, id, userID uuid.UUID) error {
	tx, err := db.pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("storage: begin tx: %w", err)
	}
	defer func() { _ = tx.Rollback(ctx) }()

	tag, err := tx.Exec(ctx,
		`DELETE FROM entities WHERE id = $1 AND user_id = $2`, id, userID,
	)
	if err != nil {
		return mapWriteErr(err, "entities")
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}

	_, err = tx.Exec(ctx,
		`UPDATE memories SET entity_refs = array_remove(entity_refs, $1)
		 WHERE user_id = $2 AND $1 = ANY(entity_refs)`,
		id, userID,
	)
	if err != nil {
		return mapWriteErr(err, "memories")
	}

	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("storage: commit entity delete: %w", err)
	}
	return nil
}

// ListEntities returns tenant entities matching the filter, newest first.
func (db *DB) ListEntities(ctx context.Context, userID uuid.UUID, f model.EntityFilter) ([]model.Entity, error) {
	where := []string{"user_id = $1"}
	args := []any{userID}

	if f.EntityType != nil {
		args = append(args, *f.EntityType)
		where = append(where, fmt.Sprintf("entity_type = $%d", len(args)))
	}
	if f.Query != "" {
		args = append(args, "%"+escapeLike(f.Query)+"%")
		n := len(args)
		where = append(where, fmt.Sprintf(
			"(name ILIKE $%d OR email ILIKE $%d OR company ILIKE $%d OR notes ILIKE $%d)", n, n, n, n))
	}

	q := `SELECT ` + entityColumns + ` FROM entities WHERE ` + strings.Join(where, " AND ") +
		` ORDER BY updated_at DESC`
	if f.Limit > 0 {
		q += fmt.Sprintf(" LIMIT %d", f.Limit)
	}
	if f.Offset > 0 {
		q += fmt.Sprintf(" OFFSET %d", f.Offset)
	}

	rows, err := db.pool.Query(ctx, q, args...)
	if err != nil {
		return nil, fmt.Errorf("storage: list entities: %w", err)
	}
	defer rows.Close()

	var out []model.Entity
	for rows.Next() {
		e, err := scanEntity(rows)
		if err != nil {
			return nil, fmt.Errorf("storage: scan entity: %w", err)
		}
		out = append(out, e)
	}
	return out, rows.Err()
}

// FindEntityByProviderUID looks up a person entity by the external provider
// UID stored in its metadata. First stop of the contact-sync match chain.
func (db *DB) FindEntityByProviderUID(ctx context.Context, userID uuid.UUID, uid string) (model.Entity, error) {
	e, err := scanEntity(db.pool.QueryRow(ctx,
		`SELECT `+entityColumns+` FROM entities
		 WHERE user_id = $1 AND metadata->>'provider_uid' = $2`,
		userID, uid,
	))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return model.Entity{}, ErrNotFound
		}
		return model.Entity{}, fmt.Errorf("storage: find entity by provider uid: %w", err)
	}
	return e, nil
}

// CountEntities returns the tenant's entity count, used for quota checks.
func (db *DB) CountEntities(ctx context.Context, userID uuid.UUID) (int, error) {
	var n int
	err := db.pool.QueryRow(ctx,
		`SELECT COUNT(*) FROM entities WHERE user_id = $1`, userID,
	).Scan(&n)
	if err != nil {
		return 0, fmt.Errorf("storage: count entities: %w", err)
	}
	return n, nil
}
