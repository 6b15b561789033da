package storage

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"

	"github.com/mnemos-ai/mnemos/internal/model"
)

const bufferColumns = `id, user_id, memory_id, kind, payload, attempts,
	next_attempt_at, state, last_error, enqueued_at`

func scanWrite(row pgx.Row) (model.BufferedWrite, error) {
	var w model.BufferedWrite
	err := row.Scan(
		&w.ID, &w.UserID, &w.MemoryID, &w.Kind, &w.Payload, &w.Attempts,
		&w.NextAttemptAt, &w.State, &w.LastError, &w.EnqueuedAt,
	)
	return w, err
}

// EnqueueWrite durably persists a buffered write. Returns once the row is
// committed, so a receipt to the caller implies the write survives a crash.
func (db *DB) EnqueueWrite(ctx context.Context, w model.BufferedWrite) (model.BufferedWrite, error) {
	if w.ID == uuid.Nil {
		w.ID = uuid.New()
	}
	now := time.Now().UTC()
	if w.EnqueuedAt.IsZero() {
		w.EnqueuedAt = now
	}
	if w.NextAttemptAt.IsZero() {
		w.NextAttemptAt = now
	}
	w.State = model.WritePending

	_, err := db.pool.Exec(ctx,
		`INSERT INTO buffered_writes (id, user_id, memory_id, kind, payload, attempts,
		 next_attempt_at, state, last_error, enqueued_at)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)`,
		w.ID, w.UserID, w.MemoryID, w.Kind, w.Payload, w.Attempts,
		w.NextAttemptAt, w.State, w.LastError, w.EnqueuedAt,
	)
	if err != nil {
		return model.BufferedWrite{}, mapWriteErr(err, "buffered_writes")
	}
	return w, nil
}

// ClaimDueWrite atomically picks the oldest due pending write and marks it
// in_flight. FIFO order is per (user_id, memory_id): a write is not claimable
// while an older write for the same key is still pending or in flight, which
// gives per-key submission-order application.
func (db *DB) ClaimDueWrite(ctx context.Context, now time.Time) (model.BufferedWrite, error) {
	w, err := scanWrite(db.pool.QueryRow(ctx,
		`UPDATE buffered_writes SET state = 'in_flight'
		 WHERE id = (
		   SELECT id FROM buffered_writes w
		   WHERE state = 'pending' AND next_attempt_at <= $1
		     AND NOT EXISTS (
		       SELECT 1 FROM buffered_writes older
		       WHERE older.user_id = w.user_id AND older.memory_id = w.memory_id
		         AND older.enqueued_at < w.enqueued_at
		         AND older.state IN ('pending', 'in_flight')
		     )
		   ORDER BY enqueued_at ASC
		   LIMIT 1
		   FOR UPDATE SKIP LOCKED
		 )
		 RETURNING `+bufferColumns,
		now,
	))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return model.BufferedWrite{}, ErrNotFound
		}
		return model.BufferedWrite{}, fmt.Errorf("storage: claim write: %w", err)
	}
	return w, nil
}

// CompleteWrite removes a flushed write from the queue.
func (db *DB) CompleteWrite(ctx context.Context, id uuid.UUID) error {
	_, err := db.pool.Exec(ctx, `DELETE FROM buffered_writes WHERE id = $1`, id)
	if err != nil {
		return mapWriteErr(err, "buffered_writes")
	}
	return nil
}

// RescheduleWrite returns an in-flight write to pending with an incremented
// attempt count and a new due time.
func (db *DB) RescheduleWrite(ctx context.Context, id uuid.UUID, nextAttempt time.Time, lastErr string) error {
	_, err := db.pool.Exec(ctx,
		`UPDATE buffered_writes
		 SET state = 'pending', attempts = attempts + 1, next_attempt_at = $2, last_error = $3
		 WHERE id = $1`,
		id, nextAttempt, truncateErr(lastErr),
	)
	if err != nil {
		return mapWriteErr(err, "buffered_writes")
	}
	return nil
}

// FailWrite parks a write permanently after the attempt ceiling. Failed rows
// stay in the table for operator inspection; they are never retried.
func (db *DB) FailWrite(ctx context.Context, id uuid.UUID, lastErr string) error {
	_, err := db.pool.Exec(ctx,
		`UPDATE buffered_writes
		 SET state = 'failed', attempts = attempts + 1, last_error = $2
		 WHERE id = $1`,
		id, truncateErr(lastErr),
	)
	if err != nil {
		return mapWriteErr(err, "buffered_writes")
	}
	return nil
}

// RecoverInFlight returns writes stranded in_flight by a crash to pending.
// Called once at worker startup, before the claim loop begins.
func (db *DB) RecoverInFlight(ctx context.Context) (int, error) {
	tag, err := db.pool.Exec(ctx,
		`UPDATE buffered_writes SET state = 'pending' WHERE state = 'in_flight'`,
	)
	if err != nil {
		return 0, mapWriteErr(err, "buffered_writes")
	}
	return int(tag.RowsAffected()), nil
}

// PendingWrites counts queued (pending + in-flight) writes for a tenant.
func (db *DB) PendingWrites(ctx context.Context, userID uuid.UUID) (int, error) {
	var n int
	err := db.pool.QueryRow(ctx,
		`SELECT COUNT(*) FROM buffered_writes WHERE user_id = $1 AND state <> 'failed'`,
		userID,
	).Scan(&n)
	if err != nil {
		return 0, fmt.Errorf("storage: pending writes: %w", err)
	}
	return n, nil
}

// ListFailedWrites returns parked writes for operator inspection.
func (db *DB) ListFailedWrites(ctx context.Context, limit int) ([]model.BufferedWrite, error) {
	if limit <= 0 {
		limit = 100
	}
	rows, err := db.pool.Query(ctx,
		`SELECT `+bufferColumns+` FROM buffered_writes
		 WHERE state = 'failed' ORDER BY enqueued_at ASC LIMIT $1`,
		limit,
	)
	if err != nil {
		return nil, fmt.Errorf("storage: list failed writes: %w", err)
	}
	defer rows.Close()

	var out []model.BufferedWrite
	for rows.Next() {
		w, err := scanWrite(rows)
		if err != nil {
			return nil, fmt.Errorf("storage: scan failed write: %w", err)
		}
		out = append(out, w)
	}
	return out, rows.Err()
}

// truncateErr bounds stored error text so a pathological driver message
// cannot bloat the queue table.
func truncateErr(s string) string {
	const maxLen = 1024
	if len(s) > maxLen {
		return s[:maxLen]
	}
	return s
}
