package storage

import (
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"

	"github.com/mnemos-ai/mnemos/internal/model"
)

// ErrNotFound is returned when a requested record does not exist for the
// calling tenant. Cross-tenant lookups are indistinguishable from missing
// rows on purpose.
var ErrNotFound = fmt.Errorf("storage: %w", model.ErrNotFound)

// ErrIDCollision is returned when a create hits an existing primary key.
var ErrIDCollision = fmt.Errorf("storage: id collision: %w", model.ErrConflict)

// ErrDuplicateEmail is returned when a user create or update violates the
// case-insensitive email uniqueness constraint.
var ErrDuplicateEmail = fmt.Errorf("storage: duplicate email: %w", model.ErrConflict)

// mapWriteErr translates Postgres constraint violations into canonical kinds.
// Connection-level failures become dependency errors so the worker retries them.
func mapWriteErr(err error, table string) error {
	if err == nil {
		return nil
	}
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		switch pgErr.Code {
		case "23505": // unique_violation
			if pgErr.ConstraintName == "users_email_key" {
				return ErrDuplicateEmail
			}
			return ErrIDCollision
		case "23503": // foreign_key_violation
			return fmt.Errorf("storage: %s references missing row: %w", table, model.ErrInvalidArgument)
		case "23514": // check_violation
			return fmt.Errorf("storage: %s check failed (%s): %w", table, pgErr.ConstraintName, model.ErrInvalidArgument)
		}
		return fmt.Errorf("storage: %s write: %w", table, err)
	}
	if errors.Is(err, pgx.ErrNoRows) {
		return ErrNotFound
	}
	// Anything that isn't a classified Postgres error is treated as a
	// connectivity problem and marked retryable.
	return fmt.Errorf("storage: %s: %v: %w", table, err, model.ErrDependencyDown)
}
