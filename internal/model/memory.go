// Package model defines the persistent record types shared across the
// storage, search, and service layers.
package model

import (
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/pgvector/pgvector-go"
)

// MemoryType categorizes a stored memory.
type MemoryType string

const (
	MemorySystem     MemoryType = "SYSTEM"
	MemoryLearned    MemoryType = "LEARNED"
	MemoryGeneric    MemoryType = "MEMORY"
	MemorySemantic   MemoryType = "semantic"
	MemoryEpisodic   MemoryType = "episodic"
	MemoryProcedural MemoryType = "procedural"
	MemoryFact       MemoryType = "fact"
)

// ValidMemoryType reports whether t is one of the recognized memory types.
func ValidMemoryType(t MemoryType) bool {
	switch t {
	case MemorySystem, MemoryLearned, MemoryGeneric,
		MemorySemantic, MemoryEpisodic, MemoryProcedural, MemoryFact:
		return true
	}
	return false
}

// Memory is a typed textual record with an optional dense embedding.
// ID is assigned before the first write and is never nil for a persisted row.
type Memory struct {
	ID         uuid.UUID        `json:"id"`
	UserID     uuid.UUID        `json:"user_id"`
	Title      string           `json:"title"`
	Content    string           `json:"content"`
	Type       MemoryType       `json:"type"`
	Importance float32          `json:"importance"`
	Tags       []string         `json:"tags"`
	EntityRefs []uuid.UUID      `json:"entity_refs,omitempty"`
	Embedding  *pgvector.Vector `json:"-"`
	Metadata   map[string]any   `json:"metadata,omitempty"`
	IsArchived bool             `json:"is_archived"`
	CreatedAt  time.Time        `json:"created_at"`
	UpdatedAt  time.Time        `json:"updated_at"`
}

// HasEmbedding reports whether the memory carries a non-empty vector.
func (m Memory) HasEmbedding() bool {
	return m.Embedding != nil && len(m.Embedding.Slice()) > 0
}

// ValidateImportance checks the [0,1] range shared by memories and entities.
// Clients match on the message wording; keep it stable.
func ValidateImportance(v float32) error {
	if v < 0 || v > 1 {
		return fmt.Errorf("%w: importance must be between 0.0 and 1.0, got %g", ErrInvalidArgument, v)
	}
	return nil
}

// MemoryPatch is a partial update to a memory. Nil fields are left unchanged.
type MemoryPatch struct {
	Title      *string
	Content    *string
	Type       *MemoryType
	Importance *float32
	Tags       []string
	EntityRefs []uuid.UUID
	Metadata   map[string]any
	IsArchived *bool
}

// TouchesText reports whether the patch changes title or content,
// which requires regenerating the embedding.
func (p MemoryPatch) TouchesText() bool {
	return p.Title != nil || p.Content != nil
}

// MemoryFilter narrows list_memories scans. Zero values mean "no constraint".
type MemoryFilter struct {
	Type         *MemoryType
	TagsAnyOf    []string
	Archived     *bool
	CreatedAfter *time.Time
	HasEmbedding *bool
	Limit        int
	Offset       int
}
