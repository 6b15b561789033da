// Package vcard is a file-backed contact provider: one .vcf file holding
// the whole address book. It exists for local integrations and tests; the
// sync engine only sees the adapter contract.
package vcard

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	govcard "github.com/emersion/go-vcard"
	"github.com/google/uuid"

	"github.com/mnemos-ai/mnemos/internal/contacts"
	"github.com/mnemos-ai/mnemos/internal/model"
)

// revLayout is the vCard 4.0 REV timestamp format.
const revLayout = "20060102T150405Z"

// Provider reads and writes a single .vcf file. All mutations rewrite the
// file atomically; an in-process mutex serializes access.
type Provider struct {
	path string

	mu    sync.Mutex
	cards []govcard.Card // nil until loaded
}

// New creates a provider for the given .vcf path. A missing file is an
// empty address book.
func New(path string) *Provider {
	return &Provider{path: path}
}

func (p *Provider) load() error {
	if p.cards != nil {
		return nil
	}
	f, err := os.Open(p.path)
	if errors.Is(err, os.ErrNotExist) {
		p.cards = []govcard.Card{}
		return nil
	}
	if err != nil {
		return fmt.Errorf("vcard: open %s: %w", p.path, err)
	}
	defer f.Close()

	dec := govcard.NewDecoder(f)
	var cards []govcard.Card
	for {
		card, err := dec.Decode()
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			return fmt.Errorf("vcard: decode %s: %w", p.path, err)
		}
		cards = append(cards, card)
	}
	p.cards = cards
	return nil
}

// persist writes all cards back via a temp file and rename, so a crash
// mid-write never truncates the address book.
func (p *Provider) persist() error {
	tmp, err := os.CreateTemp(filepath.Dir(p.path), ".vcf-*")
	if err != nil {
		return fmt.Errorf("vcard: temp file: %w", err)
	}
	defer os.Remove(tmp.Name())

	enc := govcard.NewEncoder(tmp)
	for _, card := range p.cards {
		govcard.ToV4(card)
		if err := enc.Encode(card); err != nil {
			tmp.Close()
			return fmt.Errorf("vcard: encode: %w", err)
		}
	}
	if err := tmp.Close(); err != nil {
		return fmt.Errorf("vcard: close temp: %w", err)
	}
	if err := os.Rename(tmp.Name(), p.path); err != nil {
		return fmt.Errorf("vcard: replace %s: %w", p.path, err)
	}
	return nil
}

// Count returns the number of cards in the file.
func (p *Provider) Count(_ context.Context) (int, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if err := p.load(); err != nil {
		return 0, err
	}
	return len(p.cards), nil
}

// List returns a page of contacts in file order.
func (p *Provider) List(_ context.Context, offset, limit int) ([]contacts.Contact, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if err := p.load(); err != nil {
		return nil, err
	}
	if offset >= len(p.cards) {
		return nil, nil
	}
	end := len(p.cards)
	if limit > 0 && offset+limit < end {
		end = offset + limit
	}
	out := make([]contacts.Contact, 0, end-offset)
	for _, card := range p.cards[offset:end] {
		out = append(out, fromCard(card))
	}
	return out, nil
}

// Get returns the contact with the given UID.
func (p *Provider) Get(_ context.Context, uid string) (contacts.Contact, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if err := p.load(); err != nil {
		return contacts.Contact{}, err
	}
	if i := p.indexOf(uid); i >= 0 {
		return fromCard(p.cards[i]), nil
	}
	return contacts.Contact{}, fmt.Errorf("vcard: uid %q: %w", uid, model.ErrNotFound)
}

// Upsert creates or replaces a card, keyed by UID. A contact without a UID
// gets a fresh one.
func (p *Provider) Upsert(_ context.Context, c contacts.Contact) (contacts.UpsertResult, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if err := p.load(); err != nil {
		return contacts.UpsertResult{}, err
	}

	if c.UID == "" {
		c.UID = uuid.NewString()
	}
	card := toCard(c)

	created := true
	if i := p.indexOf(c.UID); i >= 0 {
		p.cards[i] = card
		created = false
	} else {
		p.cards = append(p.cards, card)
	}
	if err := p.persist(); err != nil {
		return contacts.UpsertResult{}, err
	}
	return contacts.UpsertResult{UID: c.UID, Created: created}, nil
}

// Delete removes the card with the given UID.
func (p *Provider) Delete(_ context.Context, uid string) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if err := p.load(); err != nil {
		return err
	}
	i := p.indexOf(uid)
	if i < 0 {
		return fmt.Errorf("vcard: uid %q: %w", uid, model.ErrNotFound)
	}
	p.cards = append(p.cards[:i], p.cards[i+1:]...)
	return p.persist()
}

func (p *Provider) indexOf(uid string) int {
	for i, card := range p.cards {
		if card.Value(govcard.FieldUID) == uid {
			return i
		}
	}
	return -1
}

// noteUIDPrefix tags the round-trip id inside NOTE for providers that strip
// unknown X- fields.
const noteUIDPrefix = contacts.UIDField + ":"

// fromCard converts one parsed card into the adapter shape. The round-trip
// id is read from the X-MCP-UUID property, falling back to a tagged NOTE
// line.
func fromCard(card govcard.Card) contacts.Contact {
	c := contacts.Contact{
		UID:        card.Value(govcard.FieldUID),
		FullName:   card.Value(govcard.FieldFormattedName),
		Org:        card.Value(govcard.FieldOrganization),
		Title:      card.Value(govcard.FieldTitle),
		Emails:     card.Values(govcard.FieldEmail),
		Phones:     card.Values(govcard.FieldTelephone),
		Addresses:  card.Values(govcard.FieldAddress),
		Categories: card.Categories(),
	}
	if n := card.Name(); n != nil {
		c.First = n.GivenName
		c.Last = n.FamilyName
	}

	var noteLines []string
	entityID := card.Value(contacts.UIDField)
	for _, line := range strings.Split(card.Value(govcard.FieldNote), "\n") {
		if rest, ok := strings.CutPrefix(strings.TrimSpace(line), noteUIDPrefix); ok {
			if entityID == "" {
				entityID = strings.TrimSpace(rest)
			}
			continue
		}
		noteLines = append(noteLines, line)
	}
	c.Notes = strings.TrimSpace(strings.Join(noteLines, "\n"))
	if entityID != "" {
		c.Extra = map[string]string{contacts.UIDField: entityID}
	}

	if rev, err := time.Parse(revLayout, card.Value(govcard.FieldRevision)); err == nil {
		c.UpdatedAt = rev
	}
	return c
}

func toCard(c contacts.Contact) govcard.Card {
	card := govcard.Card{}
	card.SetValue(govcard.FieldUID, c.UID)
	card.SetValue(govcard.FieldFormattedName, c.FullName)
	if c.First != "" || c.Last != "" {
		card.AddName(&govcard.Name{GivenName: c.First, FamilyName: c.Last})
	}
	if c.Org != "" {
		card.SetValue(govcard.FieldOrganization, c.Org)
	}
	if c.Title != "" {
		card.SetValue(govcard.FieldTitle, c.Title)
	}
	for _, email := range c.Emails {
		card.AddValue(govcard.FieldEmail, email)
	}
	for _, phone := range c.Phones {
		card.AddValue(govcard.FieldTelephone, phone)
	}
	for _, addr := range c.Addresses {
		card.AddValue(govcard.FieldAddress, addr)
	}
	if len(c.Categories) > 0 {
		card.SetCategories(c.Categories)
	}
	if c.Notes != "" {
		card.SetValue(govcard.FieldNote, c.Notes)
	}
	if id := c.EntityID(); id != "" {
		card.SetValue(contacts.UIDField, id)
	}
	rev := c.UpdatedAt
	if rev.IsZero() {
		rev = time.Now().UTC()
	}
	card.SetValue(govcard.FieldRevision, rev.UTC().Format(revLayout))
	return card
}
