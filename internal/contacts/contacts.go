// Package contacts reconciles the tenant's person entities with an external
// contact provider: matching, conflict resolution, and LLM-assisted
// deduplication, in either or both directions.
package contacts

import (
	"context"
	"time"
)

// UIDField is the custom card field that round-trips an internal entity id
// through a contact provider.
const UIDField = "X-MCP-UUID"

// Contact is the provider-neutral card shape adapters exchange with the
// sync engine.
type Contact struct {
	UID        string            `json:"uid"`
	FullName   string            `json:"full_name"`
	First      string            `json:"first,omitempty"`
	Last       string            `json:"last,omitempty"`
	Org        string            `json:"org,omitempty"`
	Title      string            `json:"title,omitempty"`
	Emails     []string          `json:"emails,omitempty"`
	Phones     []string          `json:"phones,omitempty"`
	Addresses  []string          `json:"addresses,omitempty"`
	Notes      string            `json:"notes,omitempty"`
	Categories []string          `json:"categories,omitempty"`
	// Extra carries provider custom fields, including UIDField.
	Extra     map[string]string `json:"extra,omitempty"`
	UpdatedAt time.Time         `json:"updated_at,omitzero"`
}

// EntityID returns the round-tripped internal entity id, if the card
// carries one.
func (c Contact) EntityID() string {
	if c.Extra == nil {
		return ""
	}
	return c.Extra[UIDField]
}

// PrimaryEmail returns the first email on the card, or "".
func (c Contact) PrimaryEmail() string {
	if len(c.Emails) == 0 {
		return ""
	}
	return c.Emails[0]
}

// PrimaryPhone returns the first phone on the card, or "".
func (c Contact) PrimaryPhone() string {
	if len(c.Phones) == 0 {
		return ""
	}
	return c.Phones[0]
}

// UpsertResult reports whether an upsert created or updated a remote card.
type UpsertResult struct {
	UID     string
	Created bool
}

// Provider is the adapter contract a contact backend must implement.
// Adapters translate these calls into their native protocol (card files,
// OS address books, cloud APIs). Errors follow the canonical kinds:
// model.ErrNotFound for a missing uid, model.ErrRateLimited (wrapped in a
// model.RetryableError carrying retry-after) for throttling,
// model.ErrUnauthenticated when the provider needs credentials, and
// model.ErrDependencyDown for transient failures.
type Provider interface {
	Count(ctx context.Context) (int, error)
	List(ctx context.Context, offset, limit int) ([]Contact, error)
	Get(ctx context.Context, uid string) (Contact, error)
	Upsert(ctx context.Context, c Contact) (UpsertResult, error)
	Delete(ctx context.Context, uid string) error
}
