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

// CreateUser inserts a tenant. Email comparison is case-insensitive.
func (db *DB) CreateUser(ctx context.Context, u model.User) (model.User, error) {
	if u.ID == uuid.Nil {
		u.ID = uuid.New()
	}
	u.Email = strings.ToLower(strings.TrimSpace(u.Email))
	if u.Email == "" {
		return model.User{}, fmt.Errorf("storage: user email required: %w", model.ErrInvalidArgument)
	}
	if u.CreatedAt.IsZero() {
		u.CreatedAt = time.Now().UTC()
	}
	u.IsActive = true

	_, err := db.pool.Exec(ctx,
		`INSERT INTO users (id, email, display_name, is_active, created_at)
		 VALUES ($1, $2, $3, $4, $5)`,
		u.ID, u.Email, u.DisplayName, u.IsActive, u.CreatedAt,
	)
	if err != nil {
		return model.User{}, mapWriteErr(err, "users")
	}
	return u, nil
}

// GetUser retrieves a tenant by ID.
func (db *DB) GetUser(ctx context.Context, id uuid.UUID) (model.User, error) {
	var u model.User
	err := db.pool.QueryRow(ctx,
		`SELECT id, email, display_name, is_active, created_at FROM users WHERE id = $1`, id,
	).Scan(&u.ID, &u.Email, &u.DisplayName, &u.IsActive, &u.CreatedAt)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return model.User{}, ErrNotFound
		}
		return model.User{}, fmt.Errorf("storage: get user: %w", err)
	}
	return u, nil
}

// GetUserByEmail retrieves a tenant by email, case-insensitively.
func (db *DB) GetUserByEmail(ctx context.Context, email string) (model.User, error) {
	var u model.User
	err := db.pool.QueryRow(ctx,
		`SELECT id, email, display_name, is_active, created_at
		 FROM users WHERE lower(email) = lower($1)`, strings.TrimSpace(email),
	).Scan(&u.ID, &u.Email, &u.DisplayName, &u.IsActive, &u.CreatedAt)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return model.User{}, ErrNotFound
		}
		return model.User{}, fmt.Errorf("storage: get user by email: %w", err)
	}
	return u, nil
}

// EnsureUser returns the user with the given email, creating it when absent.
// Used by the auth layer on first sign-in from the identity provider.
func (db *DB) EnsureUser(ctx context.Context, email, displayName string) (model.User, error) {
	u, err := db.GetUserByEmail(ctx, email)
	if err == nil {
		if !u.IsActive {
			return model.User{}, fmt.Errorf("storage: user deactivated: %w", model.ErrUnauthorized)
		}
		return u, nil
	}
	if !errors.Is(err, ErrNotFound) {
		return model.User{}, err
	}
	u, err = db.CreateUser(ctx, model.User{Email: email, DisplayName: displayName})
	if errors.Is(err, ErrDuplicateEmail) {
		// Lost a create race with a concurrent first sign-in.
		return db.GetUserByEmail(ctx, email)
	}
	return u, err
}

// DeleteUser removes a tenant and, through foreign keys, every record it owns.
// The explicit transaction keeps the cascade atomic with the user row removal.
func (db *DB) DeleteUser(ctx context.Context, id uuid.UUID) error {
	tx, err := db.pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("storage: begin tx: %w", err)
	}
	defer func() { _ = tx.Rollback(ctx) }()

	tag, err := tx.Exec(ctx, `DELETE FROM users WHERE id = $1`, id)
	if err != nil {
		return mapWriteErr(err, "users")
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("storage: commit user delete: %w", err)
	}
	db.logger.Info("user deleted with cascade", "user_id", id)
	return nil
}
