package session_test

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mnemos-ai/mnemos/internal/model"
	"github.com/mnemos-ai/mnemos/internal/session"
	"github.com/mnemos-ai/mnemos/internal/testutil"
)

// fakeVerifier counts calls and answers from a fixed token table.
type fakeVerifier struct {
	calls     atomic.Int64
	identity  session.Identity
	expiresAt time.Time
	err       error
}

func (f *fakeVerifier) Verify(_ context.Context, token string) (session.Identity, time.Time, error) {
	f.calls.Add(1)
	if f.err != nil {
		return session.Identity{}, time.Time{}, f.err
	}
	if token != "good-token" {
		return session.Identity{}, time.Time{}, fmt.Errorf("unknown token: %w", model.ErrUnauthenticated)
	}
	return f.identity, f.expiresAt, nil
}

func newIdentity() session.Identity {
	return session.Identity{UserID: uuid.New(), Email: "user@example.com"}
}

func TestAuthenticateCachesByTokenHash(t *testing.T) {
	v := &fakeVerifier{identity: newIdentity()}
	authn := session.New(v, time.Hour, testutil.TestLogger())

	id1, err := authn.Authenticate(context.Background(), "good-token")
	require.NoError(t, err)
	id2, err := authn.Authenticate(context.Background(), "good-token")
	require.NoError(t, err)

	assert.Equal(t, id1, id2)
	assert.Equal(t, int64(1), v.calls.Load(), "second call should be served from cache")
	assert.Equal(t, 1, authn.Len())
}

func TestAuthenticateRejectsEmptyToken(t *testing.T) {
	v := &fakeVerifier{identity: newIdentity()}
	authn := session.New(v, time.Hour, testutil.TestLogger())

	_, err := authn.Authenticate(context.Background(), "")
	require.Error(t, err)
	assert.ErrorIs(t, err, model.ErrUnauthenticated)
	assert.Equal(t, int64(0), v.calls.Load())
}

func TestAuthenticateBadToken(t *testing.T) {
	v := &fakeVerifier{identity: newIdentity()}
	authn := session.New(v, time.Hour, testutil.TestLogger())

	_, err := authn.Authenticate(context.Background(), "bad-token")
	require.Error(t, err)
	assert.ErrorIs(t, err, model.ErrUnauthenticated)
	assert.Equal(t, 0, authn.Len(), "failures are not cached")
}

func TestAuthenticateDependencyDownPassthrough(t *testing.T) {
	v := &fakeVerifier{err: fmt.Errorf("provider offline: %w", model.ErrDependencyDown)}
	authn := session.New(v, time.Hour, testutil.TestLogger())

	_, err := authn.Authenticate(context.Background(), "good-token")
	require.Error(t, err)
	assert.ErrorIs(t, err, model.ErrDependencyDown)
	assert.NotErrorIs(t, err, model.ErrUnauthenticated)
}

func TestAuthenticateExpiryHonored(t *testing.T) {
	// The provider reports an expiry in the past relative to when the cache
	// is consulted again, so the second call must re-verify.
	v := &fakeVerifier{identity: newIdentity(), expiresAt: time.Now().Add(50 * time.Millisecond)}
	authn := session.New(v, time.Hour, testutil.TestLogger())

	_, err := authn.Authenticate(context.Background(), "good-token")
	require.NoError(t, err)

	time.Sleep(80 * time.Millisecond)

	_, err = authn.Authenticate(context.Background(), "good-token")
	require.NoError(t, err)
	assert.Equal(t, int64(2), v.calls.Load(), "expired entry must be re-verified")
}

func TestInvalidate(t *testing.T) {
	v := &fakeVerifier{identity: newIdentity()}
	authn := session.New(v, time.Hour, testutil.TestLogger())

	_, err := authn.Authenticate(context.Background(), "good-token")
	require.NoError(t, err)
	require.Equal(t, 1, authn.Len())

	authn.Invalidate("good-token")
	assert.Equal(t, 0, authn.Len())

	_, err = authn.Authenticate(context.Background(), "good-token")
	require.NoError(t, err)
	assert.Equal(t, int64(2), v.calls.Load())
}

func TestAuthenticateConcurrentMissesShareOneVerify(t *testing.T) {
	v := &fakeVerifier{identity: newIdentity()}
	authn := session.New(v, time.Hour, testutil.TestLogger())

	var wg sync.WaitGroup
	start := make(chan struct{})
	for i := 0; i < 20; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			<-start
			_, err := authn.Authenticate(context.Background(), "good-token")
			assert.NoError(t, err)
		}()
	}
	close(start)
	wg.Wait()

	// Singleflight collapses concurrent misses; a small number of verifier
	// calls is acceptable, one per flight.
	assert.LessOrEqual(t, v.calls.Load(), int64(2))
}

type fakeUsers struct {
	user model.User
}

func (f *fakeUsers) EnsureUser(_ context.Context, email, displayName string) (model.User, error) {
	f.user = model.User{ID: uuid.New(), Email: email, DisplayName: displayName}
	return f.user, nil
}

func TestStaticVerifier(t *testing.T) {
	users := &fakeUsers{}
	v, err := session.NewStaticVerifier("s3cret", "local@example.com", users)
	require.NoError(t, err)

	id, _, err := v.Verify(context.Background(), "s3cret")
	require.NoError(t, err)
	assert.Equal(t, "local@example.com", id.Email)
	assert.Equal(t, users.user.ID, id.UserID)

	_, _, err = v.Verify(context.Background(), "wrong")
	require.Error(t, err)
	assert.ErrorIs(t, err, model.ErrUnauthenticated)
}

func TestStaticVerifierEmptyToken(t *testing.T) {
	_, err := session.NewStaticVerifier("", "local@example.com", &fakeUsers{})
	require.Error(t, err)
	assert.ErrorIs(t, err, model.ErrInvalidArgument)
}
