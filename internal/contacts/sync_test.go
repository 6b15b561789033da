package contacts_test

import (
	"context"
	"fmt"
	"os"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mnemos-ai/mnemos/internal/contacts"
	"github.com/mnemos-ai/mnemos/internal/llm"
	"github.com/mnemos-ai/mnemos/internal/model"
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

// fakeProvider is an in-memory contact backend.
type fakeProvider struct {
	cards   []contacts.Contact
	nextUID int

	// listFailures makes the first n List calls fail with a retryable
	// rate-limit error.
	listFailures int
}

func (f *fakeProvider) Count(context.Context) (int, error) { return len(f.cards), nil }

func (f *fakeProvider) List(_ context.Context, offset, limit int) ([]contacts.Contact, error) {
	if f.listFailures > 0 {
		f.listFailures--
		return nil, &model.RetryableError{
			Err:        fmt.Errorf("fake provider throttled: %w", model.ErrRateLimited),
			RetryAfter: 10 * time.Millisecond,
		}
	}
	if offset >= len(f.cards) {
		return nil, nil
	}
	end := offset + limit
	if end > len(f.cards) {
		end = len(f.cards)
	}
	out := make([]contacts.Contact, end-offset)
	copy(out, f.cards[offset:end])
	return out, nil
}

func (f *fakeProvider) Get(_ context.Context, uid string) (contacts.Contact, error) {
	for _, c := range f.cards {
		if c.UID == uid {
			return c, nil
		}
	}
	return contacts.Contact{}, model.ErrNotFound
}

func (f *fakeProvider) Upsert(_ context.Context, c contacts.Contact) (contacts.UpsertResult, error) {
	if c.UID == "" {
		f.nextUID++
		c.UID = fmt.Sprintf("p-%d", f.nextUID)
		f.cards = append(f.cards, c)
		return contacts.UpsertResult{UID: c.UID, Created: true}, nil
	}
	for i := range f.cards {
		if f.cards[i].UID == c.UID {
			f.cards[i] = c
			return contacts.UpsertResult{UID: c.UID}, nil
		}
	}
	f.cards = append(f.cards, c)
	return contacts.UpsertResult{UID: c.UID, Created: true}, nil
}

func (f *fakeProvider) Delete(_ context.Context, uid string) error {
	for i := range f.cards {
		if f.cards[i].UID == uid {
			f.cards = append(f.cards[:i], f.cards[i+1:]...)
			return nil
		}
	}
	return model.ErrNotFound
}

func (f *fakeProvider) byUID(uid string) *contacts.Contact {
	for i := range f.cards {
		if f.cards[i].UID == uid {
			return &f.cards[i]
		}
	}
	return nil
}

func newTestUser(t *testing.T) uuid.UUID {
	t.Helper()
	u, err := testDB.EnsureUser(context.Background(),
		fmt.Sprintf("sync-%s@example.com", uuid.NewString()[:8]), "Sync Tester")
	require.NoError(t, err)
	return u.ID
}

func mustCreateEntity(t *testing.T, e model.Entity) model.Entity {
	t.Helper()
	created, err := testDB.CreateEntity(context.Background(), e)
	require.NoError(t, err)
	return created
}

func TestSyncFullRun(t *testing.T) {
	ctx := context.Background()
	userID := newTestUser(t)
	engine := contacts.NewEngine(testDB, llm.MockJudge{}, testutil.TestLogger())

	ada := mustCreateEntity(t, model.Entity{
		UserID: userID, EntityType: model.EntityPerson,
		Name: "Ada Lovelace", Email: "ada@example.com", Company: "Old Company",
	})
	grace := mustCreateEntity(t, model.Entity{
		UserID: userID, EntityType: model.EntityPerson,
		Name: "Grace Hopper", Phone: "+1 555 010 2222", Notes: "keep these notes",
	})
	localOnly := mustCreateEntity(t, model.Entity{
		UserID: userID, EntityType: model.EntityPerson,
		Name: "Local Only", Email: "local-only@example.com",
	})

	provider := &fakeProvider{cards: []contacts.Contact{
		// Matches ada by email; the remote side is newer and renames the company.
		{UID: "r1", FullName: "Ada K. Lovelace", Emails: []string{"ada@example.com"},
			Org: "New Company", UpdatedAt: time.Now().Add(time.Hour)},
		// Matches grace by normalized phone; the local side is newer.
		{UID: "r2", FullName: "G. Hopper", Phones: []string{"1-555-010-2222"},
			UpdatedAt: time.Now().Add(-24 * time.Hour)},
		// Unmatched pair sharing an email: the judge absorbs one into the other.
		{UID: "r3", FullName: "Remote Only", Emails: []string{"remote-only@other.example"}},
		{UID: "r4", FullName: "Remote Only", Emails: []string{"remote-only@other.example"},
			Org: "Duplicate Org"},
	}}

	summary, err := engine.Sync(ctx, userID, provider, contacts.Options{AutoMerge: true})
	require.NoError(t, err)

	assert.Equal(t, 1, summary.MatchedByEmail)
	assert.Equal(t, 1, summary.MatchedByPhone)
	assert.Equal(t, 2, summary.Updated)
	assert.GreaterOrEqual(t, summary.DuplicatesFound, 1)
	assert.Equal(t, 1, summary.Merged)
	assert.Equal(t, 1, summary.Imported)
	assert.Equal(t, 1, summary.Exported)
	assert.Equal(t, 0, summary.Failed, "errors: %v", summary.Errors)

	// The newer remote overwrote ada's card fields and recorded the uid.
	gotAda, err := testDB.GetEntity(ctx, ada.ID, userID)
	require.NoError(t, err)
	assert.Equal(t, "Ada K. Lovelace", gotAda.Name)
	assert.Equal(t, "New Company", gotAda.Company)
	assert.Equal(t, "r1", gotAda.ProviderUID())

	// The newer local overwrote grace's remote card.
	r2 := provider.byUID("r2")
	require.NotNil(t, r2)
	assert.Equal(t, "Grace Hopper", r2.FullName)
	assert.Equal(t, grace.ID.String(), r2.Extra[contacts.UIDField])

	// The duplicate remote pair became one imported entity absorbing both.
	imported, err := testDB.FindEntityByProviderUID(ctx, userID, "r3")
	require.NoError(t, err)
	assert.Equal(t, "Remote Only", imported.Name)
	assert.Equal(t, "Duplicate Org", imported.Company)

	// The unmatched local was exported and its provider uid stored.
	gotLocal, err := testDB.GetEntity(ctx, localOnly.ID, userID)
	require.NoError(t, err)
	require.NotEmpty(t, gotLocal.ProviderUID())
	exported := provider.byUID(gotLocal.ProviderUID())
	require.NotNil(t, exported)
	assert.Equal(t, "Local Only", exported.FullName)
}

func TestSyncDryRun(t *testing.T) {
	ctx := context.Background()
	userID := newTestUser(t)
	engine := contacts.NewEngine(testDB, llm.MockJudge{}, testutil.TestLogger())

	provider := &fakeProvider{cards: []contacts.Contact{
		{UID: "r1", FullName: "Would Import", Emails: []string{"would@example.com"}},
	}}

	summary, err := engine.Sync(ctx, userID, provider, contacts.Options{DryRun: true})
	require.NoError(t, err)
	assert.True(t, summary.DryRun)
	assert.Equal(t, 1, summary.Imported)

	ents, err := testDB.ListEntities(ctx, userID, model.EntityFilter{})
	require.NoError(t, err)
	assert.Empty(t, ents, "dry run must not write")
}

func TestSyncImportOnlySkipsExport(t *testing.T) {
	ctx := context.Background()
	userID := newTestUser(t)
	engine := contacts.NewEngine(testDB, llm.MockJudge{}, testutil.TestLogger())

	mustCreateEntity(t, model.Entity{
		UserID: userID, EntityType: model.EntityPerson,
		Name: "Stays Local", Email: "stays@example.com",
	})
	provider := &fakeProvider{}

	summary, err := engine.Sync(ctx, userID, provider, contacts.Options{
		Direction: contacts.DirectionImport,
	})
	require.NoError(t, err)
	assert.Zero(t, summary.Exported)
	assert.Empty(t, provider.cards)
}

func TestSyncRetriesRateLimitedProvider(t *testing.T) {
	ctx := context.Background()
	userID := newTestUser(t)
	engine := contacts.NewEngine(testDB, llm.MockJudge{}, testutil.TestLogger())

	provider := &fakeProvider{
		listFailures: 2,
		cards: []contacts.Contact{
			{UID: "r1", FullName: "Patient Import", Emails: []string{"patient@example.com"}},
		},
	}

	summary, err := engine.Sync(ctx, userID, provider, contacts.Options{
		Direction: contacts.DirectionImport,
	})
	require.NoError(t, err)
	assert.Equal(t, 1, summary.Imported)
}

func TestSyncMergePolicyKeepsBothNotes(t *testing.T) {
	ctx := context.Background()
	userID := newTestUser(t)
	engine := contacts.NewEngine(testDB, llm.MockJudge{}, testutil.TestLogger())

	local := mustCreateEntity(t, model.Entity{
		UserID: userID, EntityType: model.EntityPerson,
		Name: "Merge Me", Email: "merge@example.com", Notes: "local note",
	})
	provider := &fakeProvider{cards: []contacts.Contact{
		{UID: "r1", FullName: "Merge Me", Emails: []string{"merge@example.com"},
			Notes: "remote note", UpdatedAt: time.Now().Add(time.Hour)},
	}}

	summary, err := engine.Sync(ctx, userID, provider, contacts.Options{
		Direction: contacts.DirectionImport,
		Conflict:  contacts.ConflictMerge,
	})
	require.NoError(t, err)
	assert.Equal(t, 1, summary.Updated)

	got, err := testDB.GetEntity(ctx, local.ID, userID)
	require.NoError(t, err)
	assert.Contains(t, got.Notes, "remote note")
	assert.Contains(t, got.Notes, "local note")
	assert.Contains(t, got.Notes, "[merged ")
}

// countingProvider records the tenant's entity count each time a batch is
// listed, exposing when imports land relative to the listing.
type countingProvider struct {
	fakeProvider
	userID uuid.UUID
	counts []int
}

func (p *countingProvider) List(ctx context.Context, offset, limit int) ([]contacts.Contact, error) {
	n, err := testDB.CountEntities(ctx, p.userID)
	if err != nil {
		return nil, err
	}
	p.counts = append(p.counts, n)
	return p.fakeProvider.List(ctx, offset, limit)
}

func TestSyncFlushesPerBatchAboveStreamCap(t *testing.T) {
	ctx := context.Background()
	userID := newTestUser(t)
	engine := contacts.NewEngine(testDB, llm.MockJudge{}, testutil.TestLogger())

	provider := &countingProvider{userID: userID, fakeProvider: fakeProvider{cards: []contacts.Contact{
		{UID: "s1", FullName: "Alan Turing", Emails: []string{"turing@example.com"}},
		{UID: "s2", FullName: "Margaret Hamilton", Emails: []string{"hamilton@example.com"}},
		{UID: "s3", FullName: "Katherine Johnson", Emails: []string{"johnson@example.com"}},
		{UID: "s4", FullName: "Donald Knuth", Emails: []string{"knuth@example.com"}},
	}}}

	summary, err := engine.Sync(ctx, userID, provider, contacts.Options{
		Direction: contacts.DirectionImport,
		BatchSize: 2,
		StreamCap: 2,
	})
	require.NoError(t, err)
	assert.Equal(t, 4, summary.Imported)
	assert.Equal(t, 0, summary.Failed, "errors: %v", summary.Errors)

	require.Len(t, provider.counts, 2)
	assert.Equal(t, 0, provider.counts[0])
	assert.Equal(t, 2, provider.counts[1], "first batch imported before the second was listed")

	n, err := testDB.CountEntities(ctx, userID)
	require.NoError(t, err)
	assert.Equal(t, 4, n)
}

func TestSyncImportSkipsAlreadyImportedProviderUID(t *testing.T) {
	ctx := context.Background()
	userID := newTestUser(t)
	engine := contacts.NewEngine(testDB, llm.MockJudge{}, testutil.TestLogger())

	// A misbehaving provider hands out the same uid on two dissimilar
	// cards. Only the first may create an entity.
	provider := &fakeProvider{cards: []contacts.Contact{
		{UID: "dup-9", FullName: "Alan Turing", Emails: []string{"turing@example.com"}},
		{UID: "dup-9", FullName: "Margaret Hamilton", Emails: []string{"hamilton@example.com"}},
	}}

	summary, err := engine.Sync(ctx, userID, provider, contacts.Options{
		Direction: contacts.DirectionImport,
	})
	require.NoError(t, err)
	assert.Equal(t, 1, summary.Imported)
	assert.Equal(t, 1, summary.Skipped)

	got, err := testDB.FindEntityByProviderUID(ctx, userID, "dup-9")
	require.NoError(t, err)
	assert.Equal(t, "Alan Turing", got.Name)

	n, err := testDB.CountEntities(ctx, userID)
	require.NoError(t, err)
	assert.Equal(t, 1, n)
}
