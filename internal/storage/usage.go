package storage

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/mnemos-ai/mnemos/internal/model"
)

// RecordUsage appends one provider usage record. Append-only.
func (db *DB) RecordUsage(ctx context.Context, rec model.UsageRecord) error {
	if rec.ID == uuid.Nil {
		rec.ID = uuid.New()
	}
	if rec.Timestamp.IsZero() {
		rec.Timestamp = time.Now().UTC()
	}
	_, err := db.pool.Exec(ctx,
		`INSERT INTO api_usage_tracking (id, user_id, provider, operation, tokens, cost, ts)
		 VALUES ($1, $2, $3, $4, $5, $6, $7)`,
		rec.ID, rec.UserID, rec.Provider, rec.Operation, rec.Tokens, rec.Cost, rec.Timestamp,
	)
	if err != nil {
		return mapWriteErr(err, "api_usage_tracking")
	}
	return nil
}

// DailyCosts aggregates a tenant's usage records for one UTC calendar day.
func (db *DB) DailyCosts(ctx context.Context, userID uuid.UUID, day time.Time) (model.DailyCosts, error) {
	start := time.Date(day.Year(), day.Month(), day.Day(), 0, 0, 0, 0, time.UTC)
	end := start.Add(24 * time.Hour)

	rows, err := db.pool.Query(ctx,
		`SELECT provider, COUNT(*), COALESCE(SUM(tokens), 0), COALESCE(SUM(cost), 0)
		 FROM api_usage_tracking
		 WHERE user_id = $1 AND ts >= $2 AND ts < $3
		 GROUP BY provider`,
		userID, start, end,
	)
	if err != nil {
		return model.DailyCosts{}, fmt.Errorf("storage: daily costs: %w", err)
	}
	defer rows.Close()

	out := model.DailyCosts{
		Date:      start.Format("2006-01-02"),
		Providers: map[string]model.ProviderCost{},
	}
	for rows.Next() {
		var provider string
		var pc model.ProviderCost
		if err := rows.Scan(&provider, &pc.Requests, &pc.Tokens, &pc.Cost); err != nil {
			return model.DailyCosts{}, fmt.Errorf("storage: scan daily cost: %w", err)
		}
		out.Providers[provider] = pc
		out.TotalCost += pc.Cost
	}
	return out, rows.Err()
}
