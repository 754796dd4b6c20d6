package domain

import (
	"strings"
	"time"
	"unicode"

	"github.com/google/uuid"
)

// PartyType classifies a counterparty.
type PartyType string

const (
	PartyVendor   PartyType = "vendor"
	PartyCustomer PartyType = "customer"
	PartyPerson   PartyType = "person"
	PartyOther    PartyType = "other"
)

// Party is a normalized counterparty. Unique per (user_id,
// normalized_name).
type Party struct {
	ID             int64
	UserID         uuid.UUID
	NormalizedName string
	DisplayName    string
	PartyType      PartyType
	Aliases        []string
	CreatedAt      time.Time
	UpdatedAt      time.Time
}

// NormalizePartyName lowercases, strips punctuation, and collapses
// whitespace. This is the identity used for party dedup.
func NormalizePartyName(name string) string {
	var b strings.Builder
	b.Grow(len(name))

	lastSpace := true
	for _, r := range strings.ToLower(name) {
		switch {
		case unicode.IsLetter(r) || unicode.IsDigit(r):
			b.WriteRune(r)
			lastSpace = false
		case unicode.IsSpace(r) || unicode.IsPunct(r) || unicode.IsSymbol(r):
			if !lastSpace {
				b.WriteRune(' ')
				lastSpace = true
			}
		}
	}

	return strings.TrimSpace(b.String())
}
