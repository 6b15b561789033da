package storage

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/mnemos-ai/mnemos/internal/model"
)

// CalendarEvent is a scheduled event tied to tenant entities.
type CalendarEvent struct {
	ID         uuid.UUID   `json:"id"`
	UserID     uuid.UUID   `json:"user_id"`
	EntityRefs []uuid.UUID `json:"entity_refs,omitempty"`
	Title      string      `json:"title"`
	Location   string      `json:"location,omitempty"`
	StartsAt   time.Time   `json:"starts_at"`
	EndsAt     *time.Time  `json:"ends_at,omitempty"`
	CreatedAt  time.Time   `json:"created_at"`
}

// CreateCalendarEvent inserts an event, assigning an id when absent.
func (db *DB) CreateCalendarEvent(ctx context.Context, ev CalendarEvent) (CalendarEvent, error) {
	if ev.ID == uuid.Nil {
		ev.ID = uuid.New()
	}
	if ev.UserID == uuid.Nil {
		return CalendarEvent{}, fmt.Errorf("storage: event user_id required: %w", model.ErrInvalidArgument)
	}
	if ev.CreatedAt.IsZero() {
		ev.CreatedAt = time.Now().UTC()
	}
	if ev.EntityRefs == nil {
		ev.EntityRefs = []uuid.UUID{}
	}
	_, err := db.pool.Exec(ctx,
		`INSERT INTO calendar_events (id, user_id, entity_refs, title, location, starts_at, ends_at, created_at)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8)`,
		ev.ID, ev.UserID, ev.EntityRefs, ev.Title, ev.Location, ev.StartsAt, ev.EndsAt, ev.CreatedAt,
	)
	if err != nil {
		return CalendarEvent{}, mapWriteErr(err, "calendar_events")
	}
	return ev, nil
}

// UpcomingEvents returns tenant events starting within the window, soonest first.
func (db *DB) UpcomingEvents(ctx context.Context, userID uuid.UUID, window time.Duration, limit int) ([]CalendarEvent, error) {
	now := time.Now().UTC()
	if limit <= 0 {
		limit = 20
	}
	rows, err := db.pool.Query(ctx,
		`SELECT id, user_id, entity_refs, title, location, starts_at, ends_at, created_at
		 FROM calendar_events
		 WHERE user_id = $1 AND starts_at >= $2 AND starts_at < $3
		 ORDER BY starts_at ASC LIMIT $4`,
		userID, now, now.Add(window), limit,
	)
	if err != nil {
		return nil, fmt.Errorf("storage: upcoming events: %w", err)
	}
	defer rows.Close()

	var out []CalendarEvent
	for rows.Next() {
		var ev CalendarEvent
		if err := rows.Scan(&ev.ID, &ev.UserID, &ev.EntityRefs, &ev.Title, &ev.Location, &ev.StartsAt, &ev.EndsAt, &ev.CreatedAt); err != nil {
			return nil, fmt.Errorf("storage: scan event: %w", err)
		}
		out = append(out, ev)
	}
	return out, rows.Err()
}
