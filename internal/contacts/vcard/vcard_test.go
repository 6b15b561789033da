package vcard

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	govcard "github.com/emersion/go-vcard"
	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mnemos-ai/mnemos/internal/contacts"
	"github.com/mnemos-ai/mnemos/internal/model"
)

func tempBook(t *testing.T) string {
	t.Helper()
	return filepath.Join(t.TempDir(), "contacts.vcf")
}

func TestMissingFileIsEmptyBook(t *testing.T) {
	ctx := context.Background()
	p := New(tempBook(t))

	n, err := p.Count(ctx)
	require.NoError(t, err)
	assert.Zero(t, n)

	list, err := p.List(ctx, 0, 10)
	require.NoError(t, err)
	assert.Empty(t, list)
}

func TestUpsertRoundTripsThroughFile(t *testing.T) {
	ctx := context.Background()
	path := tempBook(t)
	entityID := uuid.NewString()
	updated := time.Date(2026, 3, 14, 9, 26, 53, 0, time.UTC)

	in := contacts.Contact{
		UID:        "card-1",
		FullName:   "Ada Lovelace",
		First:      "Ada",
		Last:       "Lovelace",
		Org:        "Analytical Engines Ltd",
		Title:      "Countess",
		Emails:     []string{"ada@example.com", "ada.l@work.example"},
		Phones:     []string{"+1 555 010 1111"},
		Categories: []string{"math", "computing"},
		Notes:      "met at the exhibition",
		Extra:      map[string]string{contacts.UIDField: entityID},
		UpdatedAt:  updated,
	}

	res, err := New(path).Upsert(ctx, in)
	require.NoError(t, err)
	assert.Equal(t, "card-1", res.UID)
	assert.True(t, res.Created)

	// A fresh provider re-reads the file from scratch.
	got, err := New(path).Get(ctx, "card-1")
	require.NoError(t, err)
	assert.Equal(t, in.FullName, got.FullName)
	assert.Equal(t, in.First, got.First)
	assert.Equal(t, in.Last, got.Last)
	assert.Equal(t, in.Org, got.Org)
	assert.Equal(t, in.Title, got.Title)
	assert.Equal(t, in.Emails, got.Emails)
	assert.Equal(t, in.Phones, got.Phones)
	assert.ElementsMatch(t, in.Categories, got.Categories)
	assert.Equal(t, in.Notes, got.Notes)
	assert.Equal(t, entityID, got.EntityID())
	assert.True(t, got.UpdatedAt.Equal(updated), "REV survives the round trip")
}

func TestUpsertAssignsUID(t *testing.T) {
	ctx := context.Background()
	p := New(tempBook(t))

	res, err := p.Upsert(ctx, contacts.Contact{FullName: "No UID Yet"})
	require.NoError(t, err)
	assert.True(t, res.Created)
	assert.NotEmpty(t, res.UID)

	got, err := p.Get(ctx, res.UID)
	require.NoError(t, err)
	assert.Equal(t, "No UID Yet", got.FullName)
}

func TestUpsertReplacesByUID(t *testing.T) {
	ctx := context.Background()
	p := New(tempBook(t))

	_, err := p.Upsert(ctx, contacts.Contact{UID: "c1", FullName: "Before"})
	require.NoError(t, err)

	res, err := p.Upsert(ctx, contacts.Contact{UID: "c1", FullName: "After"})
	require.NoError(t, err)
	assert.False(t, res.Created)

	n, err := p.Count(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	got, err := p.Get(ctx, "c1")
	require.NoError(t, err)
	assert.Equal(t, "After", got.FullName)
}

func TestDelete(t *testing.T) {
	ctx := context.Background()
	p := New(tempBook(t))

	_, err := p.Upsert(ctx, contacts.Contact{UID: "c1", FullName: "Doomed"})
	require.NoError(t, err)

	require.NoError(t, p.Delete(ctx, "c1"))

	_, err = p.Get(ctx, "c1")
	assert.ErrorIs(t, err, model.ErrNotFound)

	err = p.Delete(ctx, "c1")
	assert.ErrorIs(t, err, model.ErrNotFound)
}

func TestListPaging(t *testing.T) {
	ctx := context.Background()
	p := New(tempBook(t))

	for _, name := range []string{"One", "Two", "Three"} {
		_, err := p.Upsert(ctx, contacts.Contact{UID: name, FullName: name})
		require.NoError(t, err)
	}

	page, err := p.List(ctx, 1, 1)
	require.NoError(t, err)
	require.Len(t, page, 1)
	assert.Equal(t, "Two", page[0].FullName)
}

func TestFromCardNoteUIDFallback(t *testing.T) {
	// Providers that strip unknown X- properties keep the round-trip id as a
	// tagged NOTE line instead.
	card := govcard.Card{}
	card.SetValue(govcard.FieldUID, "c1")
	card.SetValue(govcard.FieldFormattedName, "Fallback")
	card.SetValue(govcard.FieldNote, "keep this line\n"+noteUIDPrefix+"entity-123")

	c := fromCard(card)
	assert.Equal(t, "entity-123", c.EntityID())
	assert.Equal(t, "keep this line", c.Notes, "the tag line is stripped from notes")
}

func TestFromCardPropertyBeatsNoteFallback(t *testing.T) {
	card := govcard.Card{}
	card.SetValue(govcard.FieldUID, "c1")
	card.SetValue(govcard.FieldFormattedName, "Both")
	card.SetValue(contacts.UIDField, "from-property")
	card.SetValue(govcard.FieldNote, noteUIDPrefix+"from-note")

	c := fromCard(card)
	assert.Equal(t, "from-property", c.EntityID())
	assert.Empty(t, c.Notes)
}

func TestToCardStampsRevision(t *testing.T) {
	card := toCard(contacts.Contact{UID: "c1", FullName: "Stamped"})
	rev := card.Value(govcard.FieldRevision)
	require.NotEmpty(t, rev)
	_, err := time.Parse(revLayout, rev)
	assert.NoError(t, err)
}
