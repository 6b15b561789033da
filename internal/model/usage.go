package model

import (
	"time"

	"github.com/google/uuid"
)

// UsageRecord is one metered call to an external provider (embedder or LLM).
// Append-only; queryable by user and day range.
type UsageRecord struct {
	ID        uuid.UUID `json:"id"`
	UserID    uuid.UUID `json:"user_id"`
	Provider  string    `json:"provider"`  // "embedder" | "llm"
	Operation string    `json:"operation"` // e.g. "embed", "judge_duplicate"
	Tokens    int       `json:"tokens"`
	Cost      float64   `json:"cost"` // USD
	Timestamp time.Time `json:"timestamp"`
}

// DailyCosts aggregates usage records for one calendar day.
type DailyCosts struct {
	Date      string                  `json:"date"` // YYYY-MM-DD
	Providers map[string]ProviderCost `json:"providers"`
	TotalCost float64                 `json:"total"`
}

// ProviderCost is the per-provider slice of a daily aggregate.
type ProviderCost struct {
	Requests int     `json:"requests"`
	Tokens   int     `json:"tokens"`
	Cost     float64 `json:"cost"`
}
