package contacts

import (
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mnemos-ai/mnemos/internal/model"
)

func TestNormalizePhone(t *testing.T) {
	assert.Equal(t, "15550102222", NormalizePhone("+1 (555) 010-2222"))
	assert.Equal(t, "15550102222", NormalizePhone("15550102222"))
	assert.Equal(t, "", NormalizePhone("ext."))
	assert.Equal(t, "", NormalizePhone(""))
}

func TestNormalizeName(t *testing.T) {
	assert.Equal(t, "ada lovelace", NormalizeName("  Ada   Lovelace "))
	assert.Equal(t, "ada lovelace", NormalizeName("ada lovelace"))
	assert.Equal(t, "", NormalizeName("   "))
}

func person(name, email, phone string) model.Entity {
	return model.Entity{
		ID:         uuid.New(),
		EntityType: model.EntityPerson,
		Name:       name,
		Email:      email,
		Phone:      phone,
	}
}

func TestMatchChainOrder(t *testing.T) {
	withUID := person("Ada Lovelace", "ada@example.com", "+1 555 010 1111")
	withUID.Metadata = map[string]any{model.MetaProviderUID: "prov-1"}
	byEmail := person("Grace Hopper", "grace@example.com", "")
	byPhone := person("Alan Turing", "", "+44 20 7946 0000")
	byName := person("Joan Clarke", "", "")

	m := newMatcher([]model.Entity{withUID, byEmail, byPhone, byName})

	// Provider UID wins over everything else, even a different email.
	e, kind := m.match(Contact{UID: "prov-1", Emails: []string{"grace@example.com"}})
	require.NotNil(t, e)
	assert.Equal(t, MatchByUID, kind)
	assert.Equal(t, withUID.ID, e.ID)

	// A round-tripped entity id in Extra also matches as UID.
	e, kind = m.match(Contact{Extra: map[string]string{UIDField: byName.ID.String()}})
	require.NotNil(t, e)
	assert.Equal(t, MatchByUID, kind)
	assert.Equal(t, byName.ID, e.ID)

	// Email is case-insensitive.
	e, kind = m.match(Contact{FullName: "G. Hopper", Emails: []string{"GRACE@example.com"}})
	require.NotNil(t, e)
	assert.Equal(t, MatchByEmail, kind)
	assert.Equal(t, byEmail.ID, e.ID)

	// Phone matches after normalization.
	e, kind = m.match(Contact{FullName: "A. Turing", Phones: []string{"+44 (20) 7946-0000"}})
	require.NotNil(t, e)
	assert.Equal(t, MatchByPhone, kind)
	assert.Equal(t, byPhone.ID, e.ID)

	// Name is the last resort.
	e, kind = m.match(Contact{FullName: "joan   CLARKE"})
	require.NotNil(t, e)
	assert.Equal(t, MatchByName, kind)
	assert.Equal(t, byName.ID, e.ID)

	// Nothing matches.
	e, _ = m.match(Contact{FullName: "Nobody Known", Emails: []string{"x@y.z"}})
	assert.Nil(t, e)
}

func TestSimilarity(t *testing.T) {
	a := Contact{FullName: "Ada Lovelace", Emails: []string{"ada@example.com"}, Phones: []string{"+1 555 010 1111"}}

	// Identical contact points: email + phone + exact name.
	same := Contact{FullName: "ada lovelace", Emails: []string{"ADA@example.com"}, Phones: []string{"15550101111"}}
	assert.InDelta(t, 1.0, Similarity(a, same), 0.001)

	// Email only plus exact name.
	emailOnly := Contact{FullName: "Ada Lovelace", Emails: []string{"ada@example.com"}}
	assert.InDelta(t, 0.65, Similarity(a, emailOnly), 0.001)

	// Partial name containment only.
	partial := Contact{FullName: "Ada"}
	assert.InDelta(t, 0.1, Similarity(a, partial), 0.001)

	// Disjoint.
	other := Contact{FullName: "Grace Hopper", Emails: []string{"grace@example.com"}}
	assert.Zero(t, Similarity(a, other))
}

func TestEscapeField(t *testing.T) {
	assert.Equal(t, `a\\b`, EscapeField(`a\b`))
	assert.Equal(t, `say \"hi\"`, EscapeField(`say "hi"`))
	assert.Equal(t, `it\'s`, EscapeField(`it's`))
	assert.Equal(t, `line1\nline2`, EscapeField("line1\nline2"))
	assert.Equal(t, `a\rb`, EscapeField("a\rb"))

	// Backslash first: a pre-escaped newline stays a literal sequence.
	assert.Equal(t, `\\n`, EscapeField(`\n`))
	assert.Equal(t, `q\\\"q`, EscapeField(`q\"q`))
}

func TestMergeNotes(t *testing.T) {
	today := time.Now().UTC().Format("2006-01-02")

	// One side empty keeps the other verbatim.
	assert.Equal(t, "remote", mergeNotes("", "remote", false))
	assert.Equal(t, "local", mergeNotes("local", "", true))
	assert.Equal(t, "same", mergeNotes("same", "same", true))

	// Diverging notes keep both, newer first.
	got := mergeNotes("local note", "remote note", true)
	assert.Equal(t, "local note\n\n[merged "+today+"]\nremote note", got)

	got = mergeNotes("local note", "remote note", false)
	assert.Equal(t, "remote note\n\n[merged "+today+"]\nlocal note", got)
}

func TestMergeFields(t *testing.T) {
	local := model.Entity{
		Name:    "Ada Lovelace",
		Company: "Analytical Engines Ltd",
		Email:   "ada@old.example",
		Tags:    []string{"math"},
	}
	remote := Contact{
		FullName: "Ada K. Lovelace",
		Title:    "Countess",
		Emails:   []string{"ada@new.example"},
		Categories: []string{"math", "computing"},
	}

	// Remote newer: remote wins where both sides are set, gaps fill both ways.
	patch := mergeFields(local, remote, false)
	require.NotNil(t, patch.Name)
	assert.Equal(t, "Ada K. Lovelace", *patch.Name)
	assert.Equal(t, "ada@new.example", *patch.Email)
	assert.Equal(t, "Analytical Engines Ltd", *patch.Company, "remote gap filled from local")
	assert.Equal(t, "Countess", *patch.Title, "local gap filled from remote")
	assert.ElementsMatch(t, []string{"math", "computing"}, patch.Tags)

	// Local newer: local wins the contested fields.
	patch = mergeFields(local, remote, true)
	assert.Equal(t, "Ada Lovelace", *patch.Name)
	assert.Equal(t, "ada@old.example", *patch.Email)
	assert.Equal(t, "Countess", *patch.Title)
}

func TestAbsorbContact(t *testing.T) {
	keep := Contact{
		FullName: "Ada Lovelace",
		Emails:   []string{"ada@example.com"},
		Phones:   []string{"+1 555 010 1111"},
	}
	dup := Contact{
		FullName: "Ada Lovelace",
		Org:      "Analytical Engines Ltd",
		Emails:   []string{"ADA@example.com", "ada.l@work.example"},
		Phones:   []string{"1-555-010-1111"},
	}

	got := absorbContact(keep, dup)
	assert.Equal(t, "Analytical Engines Ltd", got.Org)
	// Case-folded email and normalized phone duplicates collapse.
	assert.Equal(t, []string{"ada@example.com", "ada.l@work.example"}, got.Emails)
	assert.Equal(t, []string{"+1 555 010 1111"}, got.Phones)
}

func TestEntityContactRoundTrip(t *testing.T) {
	e := person("Ada Lovelace", "ada@example.com", "+1 555 010 1111")
	e.Company = "Analytical Engines Ltd"
	e.Notes = "met at the exhibition"
	e.Tags = []string{"math"}

	c := entityToContact(e, "")
	assert.Equal(t, e.ID.String(), c.Extra[UIDField])
	assert.Equal(t, []string{"ada@example.com"}, c.Emails)

	back := contactToEntity(e.UserID, c)
	assert.Equal(t, e.Name, back.Name)
	assert.Equal(t, e.Email, back.Email)
	assert.Equal(t, e.Phone, back.Phone)
	assert.Equal(t, e.Company, back.Company)
	assert.Equal(t, e.Notes, back.Notes)
	assert.Equal(t, float32(0.5), back.Importance)
}

func TestContactToEntityNameFallback(t *testing.T) {
	e := contactToEntity(uuid.New(), Contact{First: "Ada", Last: "Lovelace"})
	assert.Equal(t, "Ada Lovelace", e.Name)

	e = contactToEntity(uuid.New(), Contact{Emails: []string{"ada@example.com"}})
	assert.Equal(t, "ada@example.com", e.Name)
}

func TestOptionsFillDefaults(t *testing.T) {
	var o Options
	o.fillDefaults()
	assert.Equal(t, DirectionBoth, o.Direction)
	assert.Equal(t, ConflictNewest, o.Conflict)
	assert.Equal(t, float32(0.6), o.PreThreshold)
	assert.Equal(t, 90, o.JudgeThreshold)
	assert.Equal(t, 50, o.BatchSize)
	assert.Equal(t, 2000, o.StreamCap)
}
