package contacts

import (
	"strings"

	"github.com/mnemos-ai/mnemos/internal/model"
)

// MatchKind names which rule paired a local entity with a remote contact.
type MatchKind string

const (
	MatchByUID   MatchKind = "uid"
	MatchByEmail MatchKind = "email"
	MatchByPhone MatchKind = "phone"
	MatchByName  MatchKind = "name"
)

// NormalizePhone strips everything but digits so formatting differences
// ("+1 (555) 010-2222" vs "15550102222") do not defeat matching.
func NormalizePhone(s string) string {
	var b strings.Builder
	for _, r := range s {
		if r >= '0' && r <= '9' {
			b.WriteRune(r)
		}
	}
	return b.String()
}

// NormalizeName lowercases and collapses interior whitespace.
func NormalizeName(s string) string {
	return strings.ToLower(strings.Join(strings.Fields(s), " "))
}

// matcher indexes the local person set for the match chain: UID first, then
// email, phone, full name. First match wins.
type matcher struct {
	byUID   map[string]*model.Entity
	byEmail map[string]*model.Entity
	byPhone map[string]*model.Entity
	byName  map[string]*model.Entity
}

func newMatcher(locals []model.Entity) *matcher {
	m := &matcher{
		byUID:   map[string]*model.Entity{},
		byEmail: map[string]*model.Entity{},
		byPhone: map[string]*model.Entity{},
		byName:  map[string]*model.Entity{},
	}
	for i := range locals {
		e := &locals[i]
		if uid := e.ProviderUID(); uid != "" {
			m.byUID[uid] = e
		}
		// An exported entity is also matchable by its own id when the card
		// round-trips through X-MCP-UUID.
		m.byUID[e.ID.String()] = e
		if e.Email != "" {
			m.byEmail[strings.ToLower(e.Email)] = e
		}
		if p := NormalizePhone(e.Phone); p != "" {
			m.byPhone[p] = e
		}
		if n := NormalizeName(e.Name); n != "" {
			m.byName[n] = e
		}
	}
	return m
}

// match runs the chain for one remote contact. Returns nil when nothing
// matches.
func (m *matcher) match(c Contact) (*model.Entity, MatchKind) {
	if id := c.EntityID(); id != "" {
		if e, ok := m.byUID[id]; ok {
			return e, MatchByUID
		}
	}
	if c.UID != "" {
		if e, ok := m.byUID[c.UID]; ok {
			return e, MatchByUID
		}
	}
	for _, email := range c.Emails {
		if e, ok := m.byEmail[strings.ToLower(email)]; ok {
			return e, MatchByEmail
		}
	}
	for _, phone := range c.Phones {
		if p := NormalizePhone(phone); p != "" {
			if e, ok := m.byPhone[p]; ok {
				return e, MatchByPhone
			}
		}
	}
	if n := NormalizeName(c.FullName); n != "" {
		if e, ok := m.byName[n]; ok {
			return e, MatchByName
		}
	}
	return nil, ""
}

// Similarity is the heuristic pre-score used to shortlist pairs for the LLM
// judge: email and phone matches dominate, name agreement contributes the
// rest.
func Similarity(a, b Contact) float32 {
	var score float32
	if emailOverlap(a.Emails, b.Emails) {
		score += 0.45
	}
	if phoneOverlap(a.Phones, b.Phones) {
		score += 0.35
	}
	an, bn := NormalizeName(a.FullName), NormalizeName(b.FullName)
	switch {
	case an != "" && an == bn:
		score += 0.2
	case an != "" && bn != "" && (strings.Contains(an, bn) || strings.Contains(bn, an)):
		score += 0.1
	}
	return score
}

func emailOverlap(a, b []string) bool {
	for _, x := range a {
		for _, y := range b {
			if x != "" && strings.EqualFold(x, y) {
				return true
			}
		}
	}
	return false
}

func phoneOverlap(a, b []string) bool {
	for _, x := range a {
		nx := NormalizePhone(x)
		if nx == "" {
			continue
		}
		for _, y := range b {
			if nx == NormalizePhone(y) {
				return true
			}
		}
	}
	return false
}
