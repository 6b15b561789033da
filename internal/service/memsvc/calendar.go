package memsvc

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/mnemos-ai/mnemos/internal/model"
	"github.com/mnemos-ai/mnemos/internal/storage"
)

// LogEvent records a scheduled event tied to the given entities.
func (s *Service) LogEvent(ctx context.Context, userID uuid.UUID, title, location string, entityRefs []uuid.UUID, startsAt time.Time, endsAt *time.Time) (storage.CalendarEvent, error) {
	if err := s.requireUser(ctx, userID); err != nil {
		return storage.CalendarEvent{}, err
	}
	if title == "" {
		return storage.CalendarEvent{}, fmt.Errorf("memsvc: event title is required: %w", model.ErrInvalidArgument)
	}
	if startsAt.IsZero() {
		return storage.CalendarEvent{}, fmt.Errorf("memsvc: event starts_at is required: %w", model.ErrInvalidArgument)
	}
	if endsAt != nil && !endsAt.After(startsAt) {
		return storage.CalendarEvent{}, fmt.Errorf("memsvc: event ends_at must be after starts_at: %w", model.ErrInvalidArgument)
	}
	return s.db.CreateCalendarEvent(ctx, storage.CalendarEvent{
		UserID:     userID,
		EntityRefs: entityRefs,
		Title:      title,
		Location:   location,
		StartsAt:   startsAt,
		EndsAt:     endsAt,
	})
}

// UpcomingEvents lists events starting within the window, soonest first.
// A zero window defaults to seven days.
func (s *Service) UpcomingEvents(ctx context.Context, userID uuid.UUID, window time.Duration, limit int) ([]storage.CalendarEvent, error) {
	if userID == uuid.Nil {
		return nil, fmt.Errorf("memsvc: user_id required: %w", model.ErrUnauthenticated)
	}
	if window <= 0 {
		window = 7 * 24 * time.Hour
	}
	return s.db.UpcomingEvents(ctx, userID, window, limit)
}
