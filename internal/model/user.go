package model

import (
	"time"

	"github.com/google/uuid"
)

// User is a tenant. Every persisted record is owned by exactly one user;
// deleting a user cascades to all of its data.
type User struct {
	ID          uuid.UUID `json:"id"`
	Email       string    `json:"email"` // unique, stored lowercase
	DisplayName string    `json:"display_name"`
	IsActive    bool      `json:"is_active"`
	CreatedAt   time.Time `json:"created_at"`
}

// Interaction is a logged exchange involving one or more entities.
type Interaction struct {
	ID         uuid.UUID   `json:"id"`
	UserID     uuid.UUID   `json:"user_id"`
	EntityRefs []uuid.UUID `json:"entity_refs,omitempty"`
	Content    string      `json:"content"`
	Direction  string      `json:"direction"` // incoming | outgoing | none
	OccurredAt time.Time   `json:"occurred_at"`
}
