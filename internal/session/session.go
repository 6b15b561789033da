// Package session authenticates bearer tokens and caches the resulting
// identities. Verification is pluggable: a remote identity provider, local
// JWT validation, or a static token for single-user deployments.
package session

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
	"golang.org/x/sync/singleflight"

	"github.com/mnemos-ai/mnemos/internal/model"
)

// Identity is the authenticated caller. Every downstream call is
// parameterized by UserID; there is no ambient user state.
type Identity struct {
	UserID uuid.UUID
	Email  string
}

// Verifier turns a bearer token into an identity. expiresAt may be zero when
// the backend does not communicate an expiry; the cache cap applies then.
type Verifier interface {
	Verify(ctx context.Context, token string) (id Identity, expiresAt time.Time, err error)
}

// DefaultTTLCap bounds how long a verified identity is served from cache.
const DefaultTTLCap = time.Hour

type cacheEntry struct {
	identity  Identity
	expiresAt time.Time
}

// Authenticator caches verified identities keyed by token hash. Raw tokens
// are never stored.
type Authenticator struct {
	verifier Verifier
	ttlCap   time.Duration
	logger   *slog.Logger

	mu    sync.RWMutex
	cache map[string]cacheEntry

	group singleflight.Group
}

// New creates an authenticator. ttlCap of zero uses DefaultTTLCap.
func New(verifier Verifier, ttlCap time.Duration, logger *slog.Logger) *Authenticator {
	if ttlCap <= 0 {
		ttlCap = DefaultTTLCap
	}
	return &Authenticator{
		verifier: verifier,
		ttlCap:   ttlCap,
		logger:   logger,
		cache:    map[string]cacheEntry{},
	}
}

func hashToken(token string) string {
	sum := sha256.Sum256([]byte(token))
	return hex.EncodeToString(sum[:])
}

// Authenticate resolves a bearer token to an identity, serving from cache
// when possible. Concurrent misses for the same token share one verifier
// call.
func (a *Authenticator) Authenticate(ctx context.Context, token string) (Identity, error) {
	if token == "" {
		return Identity{}, fmt.Errorf("session: missing bearer token: %w", model.ErrUnauthenticated)
	}
	key := hashToken(token)

	a.mu.RLock()
	entry, ok := a.cache[key]
	a.mu.RUnlock()
	if ok && time.Now().Before(entry.expiresAt) {
		return entry.identity, nil
	}

	res, err, _ := a.group.Do(key, func() (any, error) {
		id, expiresAt, err := a.verifier.Verify(ctx, token)
		if err != nil {
			return Identity{}, err
		}
		cap := time.Now().Add(a.ttlCap)
		if expiresAt.IsZero() || expiresAt.After(cap) {
			expiresAt = cap
		}
		a.mu.Lock()
		a.cache[key] = cacheEntry{identity: id, expiresAt: expiresAt}
		a.mu.Unlock()
		return id, nil
	})
	if err != nil {
		a.logger.Warn("session: authentication failed", "error", err)
		if errors.Is(err, model.ErrUnauthenticated) || errors.Is(err, model.ErrDependencyDown) {
			return Identity{}, err
		}
		return Identity{}, fmt.Errorf("session: verify: %w: %w", model.ErrUnauthenticated, err)
	}
	return res.(Identity), nil
}

// Invalidate drops one token from the cache.
func (a *Authenticator) Invalidate(token string) {
	a.mu.Lock()
	delete(a.cache, hashToken(token))
	a.mu.Unlock()
}

// Len reports the number of cached sessions.
func (a *Authenticator) Len() int {
	a.mu.RLock()
	defer a.mu.RUnlock()
	return len(a.cache)
}

// RunCleanup evicts expired sessions every interval until ctx is cancelled.
func (a *Authenticator) RunCleanup(ctx context.Context, interval time.Duration) {
	if interval <= 0 {
		interval = 5 * time.Minute
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			a.evictExpired()
		}
	}
}

func (a *Authenticator) evictExpired() {
	now := time.Now()
	a.mu.Lock()
	for key, entry := range a.cache {
		if now.After(entry.expiresAt) {
			delete(a.cache, key)
		}
	}
	a.mu.Unlock()
}
