// Package ctxutil provides shared context key accessors.
//
// This package exists to break the circular dependency between server and
// mcp: server imports mcp for MCP server setup, and mcp needs to read the
// authenticated identity that server's auth middleware populates. Both
// packages import ctxutil instead of each other.
package ctxutil

import (
	"context"

	"github.com/google/uuid"

	"github.com/mnemos-ai/mnemos/internal/session"
)

type contextKey string

const keyIdentity contextKey = "identity"

// WithIdentity returns a new context carrying the authenticated identity.
func WithIdentity(ctx context.Context, id session.Identity) context.Context {
	return context.WithValue(ctx, keyIdentity, id)
}

// IdentityFromContext extracts the authenticated identity from the context.
func IdentityFromContext(ctx context.Context) (session.Identity, bool) {
	if v, ok := ctx.Value(keyIdentity).(session.Identity); ok && v.UserID != uuid.Nil {
		return v, true
	}
	return session.Identity{}, false
}

// UserIDFromContext extracts the user id, or uuid.Nil when unauthenticated.
func UserIDFromContext(ctx context.Context) uuid.UUID {
	id, _ := IdentityFromContext(ctx)
	return id.UserID
}
