package memsvc

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/mnemos-ai/mnemos/internal/model"
	"github.com/mnemos-ai/mnemos/internal/service/writebuf"
)

// Statistics is the get_statistics payload: tenant counts, embedding
// coverage, and an actionable vector-search recommendation.
type Statistics struct {
	Total          int            `json:"total"`
	WithEmbeddings int            `json:"with_embeddings"`
	CoveragePct    float64        `json:"coverage_pct"`
	Entities       int            `json:"entities"`
	Interactions   int            `json:"interactions"`
	ByType         map[string]int `json:"by_type"`
	PendingWrites  int            `json:"pending_writes"`
	Recommendation string         `json:"recommendation"`
}

// Statistics gathers per-tenant counts and derives the recommendation.
func (s *Service) Statistics(ctx context.Context, userID uuid.UUID) (Statistics, error) {
	if userID == uuid.Nil {
		return Statistics{}, fmt.Errorf("memsvc: user_id required: %w", model.ErrUnauthenticated)
	}
	ts, err := s.db.Stats(ctx, userID)
	if err != nil {
		return Statistics{}, err
	}
	pending, err := s.db.PendingWrites(ctx, userID)
	if err != nil {
		return Statistics{}, err
	}

	out := Statistics{
		Total:          ts.Memories,
		WithEmbeddings: ts.WithEmbeddings,
		Entities:       ts.Entities,
		Interactions:   ts.Interactions,
		ByType:         ts.ByType,
		PendingWrites:  pending,
	}
	if ts.Memories > 0 {
		out.CoveragePct = float64(ts.WithEmbeddings) / float64(ts.Memories) * 100
	}
	out.Recommendation = s.recommend(ctx, out)
	return out, nil
}

// recommend derives the health hint shown to clients: an unreachable vector
// index trumps coverage gaps.
func (s *Service) recommend(ctx context.Context, st Statistics) string {
	if s.index != nil {
		if err := s.index.Healthy(ctx); err != nil {
			return "vector index unreachable; searches fall back to keyword matching until it recovers"
		}
	}
	switch {
	case st.Total == 0:
		return "no memories stored yet"
	case st.CoveragePct < 50:
		return "embedding coverage is low; run update_missing_embeddings"
	case st.CoveragePct < 100:
		return "some memories lack embeddings; a backfill pass will complete coverage"
	default:
		return "vector search fully operational"
	}
}

// UpdateMissingEmbeddings triggers an immediate backfill pass for the tenant
// without waiting for it to finish.
func (s *Service) UpdateMissingEmbeddings(ctx context.Context, userID uuid.UUID) (string, error) {
	if err := s.requireUser(ctx, userID); err != nil {
		return "", err
	}
	uid := userID
	go func() {
		// Detached from the request: backfills may outlive the 30s bound.
		bctx, cancel := context.WithTimeout(context.Background(), 10*time.Minute)
		defer cancel()
		res, err := s.buffer.Backfill(bctx, &uid)
		if err != nil {
			s.logger.Warn("memsvc: triggered backfill failed", "user_id", uid, "error", err)
			return
		}
		s.logger.Info("memsvc: triggered backfill done", "user_id", uid, "updated", res.Updated, "skipped", res.Skipped)
	}()
	return "backfill started", nil
}

// BackfillNow runs a backfill synchronously. Exposed for the long-lived
// transport where waiting is acceptable.
func (s *Service) BackfillNow(ctx context.Context, userID uuid.UUID) (writebuf.BackfillResult, error) {
	if err := s.requireUser(ctx, userID); err != nil {
		return writebuf.BackfillResult{}, err
	}
	uid := userID
	return s.buffer.Backfill(ctx, &uid)
}

// DailyCosts aggregates embedder usage for one UTC day. A zero day means
// today.
func (s *Service) DailyCosts(ctx context.Context, userID uuid.UUID, day time.Time) (model.DailyCosts, error) {
	if userID == uuid.Nil {
		return model.DailyCosts{}, fmt.Errorf("memsvc: user_id required: %w", model.ErrUnauthenticated)
	}
	if day.IsZero() {
		day = time.Now().UTC()
	}
	return s.db.DailyCosts(ctx, userID, day)
}
