package model

import (
	"time"

	"github.com/google/uuid"
)

// EntityType categorizes an entity record.
type EntityType string

const (
	EntityPerson       EntityType = "person"
	EntityOrganization EntityType = "organization"
	EntityProject      EntityType = "project"
	EntityConcept      EntityType = "concept"
	EntityLocation     EntityType = "location"
	EntityEvent        EntityType = "event"
)

// ValidEntityType reports whether t is a recognized entity type.
func ValidEntityType(t EntityType) bool {
	switch t {
	case EntityPerson, EntityOrganization, EntityProject,
		EntityConcept, EntityLocation, EntityEvent:
		return true
	}
	return false
}

// MetaProviderUID is the metadata key holding an external contact provider's
// UID for an entity. Contact-sync matching consults this field first.
const MetaProviderUID = "provider_uid"

// Entity is a structured record for people, organizations, projects, and
// similar referents. Entities carry no vector embedding.
type Entity struct {
	ID         uuid.UUID      `json:"id"`
	UserID     uuid.UUID      `json:"user_id"`
	EntityType EntityType     `json:"entity_type"`
	Name       string         `json:"name"`
	PersonType string         `json:"person_type,omitempty"`
	FirstName  string         `json:"first_name,omitempty"`
	LastName   string         `json:"last_name,omitempty"`
	Company    string         `json:"company,omitempty"`
	Title      string         `json:"title,omitempty"`
	Email      string         `json:"email,omitempty"`
	Phone      string         `json:"phone,omitempty"`
	Address    string         `json:"address,omitempty"`
	Website    string         `json:"website,omitempty"`
	Notes      string         `json:"notes,omitempty"`
	Tags       []string       `json:"tags,omitempty"`
	Importance float32        `json:"importance"`
	Metadata   map[string]any `json:"metadata,omitempty"`
	CreatedAt  time.Time      `json:"created_at"`
	UpdatedAt  time.Time      `json:"updated_at"`
}

// ProviderUID returns the external provider UID stored in metadata, if any.
func (e Entity) ProviderUID() string {
	if e.Metadata == nil {
		return ""
	}
	if v, ok := e.Metadata[MetaProviderUID].(string); ok {
		return v
	}
	return ""
}

// EntityPatch is a partial update to an entity. Nil fields are left unchanged.
type EntityPatch struct {
	EntityType *EntityType
	Name       *string
	PersonType *string
	FirstName  *string
	LastName   *string
	Company    *string
	Title      *string
	Email      *string
	Phone      *string
	Address    *string
	Website    *string
	Notes      *string
	Tags       []string
	Importance *float32
	Metadata   map[string]any
}

// EntityFilter narrows entity listings.
type EntityFilter struct {
	EntityType *EntityType
	Query      string // case-insensitive substring over name/email/company
	Limit      int
	Offset     int
}
