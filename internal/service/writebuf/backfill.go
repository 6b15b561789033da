package writebuf

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/mnemos-ai/mnemos/internal/model"
	"github.com/mnemos-ai/mnemos/internal/storage"
)

// BackfillResult summarizes one backfill run.
type BackfillResult struct {
	Updated int `json:"updated"`
	Skipped int `json:"skipped"`
}

// Backfill embeds every memory whose vector is missing. userID narrows the
// scan to one tenant; nil covers all tenants. Rows with a null id are
// reported on the failure channel and skipped. The run stops when a full
// pass makes no progress, so corrupt rows cannot spin the loop.
func (s *Service) Backfill(ctx context.Context, userID *uuid.UUID) (BackfillResult, error) {
	var total BackfillResult
	for {
		rows, err := s.db.ScanMissingEmbeddings(ctx, userID, s.cfg.BackfillBatch)
		if err != nil {
			return total, err
		}
		if len(rows) == 0 {
			return total, nil
		}

		pass, err := s.backfillBatch(ctx, rows)
		total.Updated += pass.Updated
		total.Skipped += pass.Skipped
		if err != nil {
			return total, err
		}
		if pass.Updated == 0 {
			return total, nil
		}
	}
}

// backfillBatch embeds one scan batch, grouped per tenant so usage is
// attributed to the right user.
func (s *Service) backfillBatch(ctx context.Context, rows []storage.MissingEmbedding) (BackfillResult, error) {
	var res BackfillResult

	byUser := map[uuid.UUID][]storage.MissingEmbedding{}
	for _, r := range rows {
		if r.ID == nil {
			res.Skipped++
			s.logger.Error("writebuf: memory row with null id in backfill scan", "user_id", r.UserID, "title", r.Title)
			s.reportFailure(model.WriteFailure{
				UserID: r.UserID,
				Reason: fmt.Sprintf("backfill: null memory id (title %q)", r.Title),
			})
			continue
		}
		byUser[r.UserID] = append(byUser[r.UserID], r)
	}

	for userID, group := range byUser {
		texts := make([]string, len(group))
		for i, r := range group {
			texts[i] = embedInput(r.Title, r.Content)
		}

		embedded, err := s.embedder.EmbedTexts(ctx, userID, texts)
		if err != nil {
			return res, fmt.Errorf("writebuf: backfill embed for user %s: %w", userID, err)
		}

		for i, r := range group {
			vec := embedded.Vectors[i]
			if err := s.db.SetEmbedding(ctx, *r.ID, userID, vec); err != nil {
				s.logger.Warn("writebuf: backfill store embedding", "memory_id", *r.ID, "error", err)
				continue
			}
			res.Updated++
			if s.index != nil {
				if err := s.index.Upsert(ctx, userID, *r.ID, vec.Slice()); err != nil {
					s.logger.Warn("writebuf: backfill index upsert", "memory_id", *r.ID, "error", err)
				}
			}
		}
	}
	return res, nil
}

// RunBackfill periodically sweeps for missing embeddings until ctx is
// cancelled. Used as the background monitor when enabled in config.
func (s *Service) RunBackfill(ctx context.Context, interval time.Duration) {
	if interval <= 0 {
		interval = time.Minute
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			res, err := s.Backfill(ctx, nil)
			if err != nil {
				s.logger.Warn("writebuf: backfill sweep failed", "error", err)
			} else if res.Updated > 0 || res.Skipped > 0 {
				s.logger.Info("writebuf: backfill sweep", "updated", res.Updated, "skipped", res.Skipped)
			}
		}
	}
}
