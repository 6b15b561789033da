package writebuf

import (
	"context"
	"errors"
	"fmt"
	"os"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/sony/gobreaker"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mnemos-ai/mnemos/internal/model"
	"github.com/mnemos-ai/mnemos/internal/service/embedding"
	"github.com/mnemos-ai/mnemos/internal/storage"
	"github.com/mnemos-ai/mnemos/internal/testutil"
)

var testDB *storage.DB

func TestMain(m *testing.M) {
	tc := testutil.MustStartPostgres()
	defer tc.Terminate()

	var err error
	testDB, err = tc.NewTestDB(context.Background(), testutil.TestLogger())
	if err != nil {
		fmt.Fprintf(os.Stderr, "test db: %v\n", err)
		os.Exit(1)
	}
	os.Exit(m.Run())
}

func newTestService(t *testing.T, cfg Config) *Service {
	t.Helper()
	gw := embedding.NewGateway(embedding.NewNoopProvider(4), testDB, 0, testutil.TestLogger())
	return New(testDB, gw, nil, cfg, testutil.TestLogger())
}

func newTestUser(t *testing.T) uuid.UUID {
	t.Helper()
	u, err := testDB.EnsureUser(context.Background(),
		fmt.Sprintf("buf-%s@example.com", uuid.NewString()[:8]), "Buffer Tester")
	require.NoError(t, err)
	return u.ID
}

func TestConfigFillDefaults(t *testing.T) {
	var c Config
	c.fillDefaults()
	assert.Equal(t, 8, c.MaxAttempts)
	assert.Equal(t, time.Second, c.BackoffBase)
	assert.Equal(t, 5*time.Minute, c.BackoffCap)
	assert.Equal(t, 50, c.BackfillBatch)
	assert.Zero(t, c.MemoriesPerUser, "zero means unlimited")
}

func TestBackoffDoublesAndCaps(t *testing.T) {
	s := &Service{cfg: Config{BackoffBase: time.Second, BackoffCap: 10 * time.Second}}

	assert.Equal(t, time.Second, s.backoff(1))
	assert.Equal(t, 2*time.Second, s.backoff(2))
	assert.Equal(t, 4*time.Second, s.backoff(3))
	assert.Equal(t, 8*time.Second, s.backoff(4))
	assert.Equal(t, 10*time.Second, s.backoff(5))
	assert.Equal(t, 10*time.Second, s.backoff(50))
}

func TestPayloadRoundTrip(t *testing.T) {
	title := "groceries"
	content := "buy oat milk"
	typ := model.MemoryFact
	importance := float32(0.7)
	archived := true
	ref := uuid.New()

	in := writePayload{
		Title:             &title,
		Content:           &content,
		Type:              &typ,
		Importance:        &importance,
		Tags:              []string{"errand"},
		EntityRefs:        []uuid.UUID{ref},
		Metadata:          map[string]any{"source": "test"},
		IsArchived:        &archived,
		GenerateEmbedding: true,
	}

	encoded, err := encodePayload(in)
	require.NoError(t, err)

	out, err := decodePayload(encoded)
	require.NoError(t, err)
	assert.Equal(t, in.Title, out.Title)
	assert.Equal(t, in.Content, out.Content)
	assert.Equal(t, in.Type, out.Type)
	assert.Equal(t, in.Importance, out.Importance)
	assert.Equal(t, in.Tags, out.Tags)
	assert.Equal(t, in.EntityRefs, out.EntityRefs)
	assert.Equal(t, "test", out.Metadata["source"])
	assert.Equal(t, in.IsArchived, out.IsArchived)
	assert.True(t, out.GenerateEmbedding)
}

func TestBreakerErr(t *testing.T) {
	err := breakerErr(gobreaker.ErrOpenState)
	assert.ErrorIs(t, err, model.ErrDependencyDown)
	assert.True(t, model.Retryable(err))

	err = breakerErr(gobreaker.ErrTooManyRequests)
	assert.ErrorIs(t, err, model.ErrDependencyDown)

	plain := errors.New("something else")
	assert.Equal(t, plain, breakerErr(plain))
}

func TestEmbedInput(t *testing.T) {
	assert.Equal(t, "title\nbody", embedInput("title", "body"))
	assert.Equal(t, "body", embedInput("", "body"))
}

// drain claims and processes due writes until the queue is empty.
func drain(t *testing.T, s *Service) {
	t.Helper()
	ctx := context.Background()
	for {
		w, err := s.claim(ctx)
		if errors.Is(err, storage.ErrNotFound) {
			return
		}
		require.NoError(t, err)
		s.process(ctx, w)
	}
}

func TestBufferCreateFlush(t *testing.T) {
	ctx := context.Background()
	userID := newTestUser(t)
	s := newTestService(t, Config{})

	m := model.Memory{
		UserID:     userID,
		Title:      "flush me",
		Content:    "a buffered memory",
		Type:       model.MemoryFact,
		Importance: 0.5,
		Tags:       []string{"test"},
	}
	receipt, err := s.BufferCreate(ctx, m, true)
	require.NoError(t, err)
	require.NotEqual(t, uuid.Nil, receipt.MemoryID, "receipt carries the assigned id")

	pending, err := testDB.PendingWrites(ctx, userID)
	require.NoError(t, err)
	assert.Equal(t, 1, pending)

	drain(t, s)

	got, err := testDB.GetMemory(ctx, receipt.MemoryID, userID)
	require.NoError(t, err)
	assert.Equal(t, "flush me", got.Title)
	assert.True(t, got.HasEmbedding())

	pending, err = testDB.PendingWrites(ctx, userID)
	require.NoError(t, err)
	assert.Zero(t, pending)
}

func TestBufferUpdateFlush(t *testing.T) {
	ctx := context.Background()
	userID := newTestUser(t)
	s := newTestService(t, Config{})

	created, err := testDB.CreateMemory(ctx, model.Memory{
		UserID: userID, Title: "before", Content: "original", Type: model.MemoryFact,
	})
	require.NoError(t, err)

	title := "after"
	_, err = s.BufferUpdate(ctx, userID, created.ID, model.MemoryPatch{Title: &title}, false)
	require.NoError(t, err)

	drain(t, s)

	got, err := testDB.GetMemory(ctx, created.ID, userID)
	require.NoError(t, err)
	assert.Equal(t, "after", got.Title)
	assert.Equal(t, "original", got.Content)
}

func TestBufferCreateIdempotentReplay(t *testing.T) {
	ctx := context.Background()
	userID := newTestUser(t)
	s := newTestService(t, Config{})

	m := model.Memory{
		ID: uuid.New(), UserID: userID,
		Title: "replayed", Content: "applied once", Type: model.MemoryFact,
	}
	w, err := s.BufferCreate(ctx, m, false)
	require.NoError(t, err)

	// The memory already exists when the write is applied, as after a crash
	// between apply and complete. The replay must settle without failing.
	_, err = testDB.CreateMemory(ctx, m)
	require.NoError(t, err)

	drain(t, s)

	pending, err := testDB.PendingWrites(ctx, userID)
	require.NoError(t, err)
	assert.Zero(t, pending)

	failed, err := testDB.ListFailedWrites(ctx, 10)
	require.NoError(t, err)
	for _, f := range failed {
		assert.NotEqual(t, w.ID, f.ID)
	}
}

func TestQuotaEnforced(t *testing.T) {
	ctx := context.Background()
	userID := newTestUser(t)
	s := newTestService(t, Config{MemoriesPerUser: 1})

	_, err := testDB.CreateMemory(ctx, model.Memory{
		UserID: userID, Title: "only one", Content: "cap filler", Type: model.MemoryFact,
	})
	require.NoError(t, err)

	_, err = s.BufferCreate(ctx, model.Memory{
		UserID: userID, Title: "too many", Content: "over cap", Type: model.MemoryFact,
	}, false)
	require.Error(t, err)
	assert.ErrorIs(t, err, model.ErrQuotaExceeded)
}

func TestNonRetryableWriteParksImmediately(t *testing.T) {
	ctx := context.Background()
	userID := newTestUser(t)
	s := newTestService(t, Config{MaxAttempts: 8})

	// An update for a memory that does not exist can never succeed.
	title := "nowhere"
	w, err := s.BufferUpdate(ctx, userID, uuid.New(), model.MemoryPatch{Title: &title}, false)
	require.NoError(t, err)

	drain(t, s)

	select {
	case f := <-s.Failures():
		assert.Equal(t, w.ID, f.WriteID)
		assert.Equal(t, userID, f.UserID)
		assert.NotEmpty(t, f.Reason)
	default:
		t.Fatal("expected a failure report")
	}

	failed, err := testDB.ListFailedWrites(ctx, 50)
	require.NoError(t, err)
	found := false
	for _, f := range failed {
		if f.ID == w.ID {
			found = true
			assert.Equal(t, 1, f.Attempts, "non-retryable failures park on the first attempt")
		}
	}
	assert.True(t, found, "write should be parked as failed")
}

func TestBackfillReportsNullIDRowsAndContinues(t *testing.T) {
	ctx := context.Background()
	userID := newTestUser(t)
	s := newTestService(t, Config{})

	created, err := testDB.CreateMemory(ctx, model.Memory{
		UserID: userID, Title: "unembedded", Content: "waiting for a vector", Type: model.MemoryFact,
	})
	require.NoError(t, err)

	rows := []storage.MissingEmbedding{
		{ID: nil, UserID: userID, Title: "orphan row"},
		{ID: &created.ID, UserID: userID, Title: created.Title, Content: created.Content},
	}

	res, err := s.backfillBatch(ctx, rows)
	require.NoError(t, err)
	assert.Equal(t, 1, res.Skipped, "corrupt row is skipped, not processed")
	assert.Equal(t, 1, res.Updated, "healthy row in the same batch still embeds")

	select {
	case f := <-s.Failures():
		assert.Equal(t, userID, f.UserID)
		assert.Contains(t, f.Reason, "null memory id")
		assert.Contains(t, f.Reason, "orphan row")
	default:
		t.Fatal("expected a failure report for the null id row")
	}

	got, err := testDB.GetMemory(ctx, created.ID, userID)
	require.NoError(t, err)
	assert.True(t, got.HasEmbedding())
}
