// Package raids turns the upstream raid listing page into a normalized,
// deduplicated list of raid entries.
package raids

import (
	"context"
)

// RawRaid is one raid instance as it appears in the embedded page payload.
type RawRaid struct {
	Tier           *string  `json:"tier"`
	PokemonID      string   `json:"pokemonId"`
	Pokemon        string   `json:"pokemon"`
	StartDate      *float64 `json:"startDate"`
	EndDate        *float64 `json:"endDate"`
	LocalStartDate *string  `json:"localStartDate"`
	LocalEndDate   *string  `json:"localEndDate"`
}

// Slug resolves the boss key, preferring pokemonId over pokemon.
func (r RawRaid) Slug() string {
	if r.PokemonID != "" {
		return r.PokemonID
	}
	return r.Pokemon
}

// TierGroup holds the raids listed under one tier key of the payload.
type TierGroup struct {
	ID    string
	Raids []RawRaid
}

// Payload is the decoded raid store. Tiers keep the order they had in the page.
type Payload struct {
	Tiers []TierGroup
}

// DisplayRecord is the display metadata recovered from the page markup for one slug.
// Empty strings mean the field was not found.
type DisplayRecord struct {
	Slug       string
	Name       string
	Image      string
	Difficulty string
}

// Entry is one published raid. Slug is internal and never serialized.
type Entry struct {
	Pokemon        string  `json:"pokemon"`
	Image          *string `json:"image"`
	StartLocal     *string `json:"start_local"`
	EndLocal       *string `json:"end_local"`
	StartUTC       *string `json:"start_utc"`
	EndUTC         *string `json:"end_utc"`
	Difficulty     string  `json:"difficulty"`
	Tier           string  `json:"tier"`
	TierRaw        *string `json:"tier_raw"`
	PokebattlerURL string  `json:"pokebattler_url"`

	Slug string `json:"-"`
}

// Fetcher returns the body of a page.
type Fetcher interface {
	Fetch(ctx context.Context, url string) (string, error)
}

// Limiter paces outbound requests.
type Limiter interface {
	Wait(ctx context.Context, url string) error
}

func optional(s string) *string {
	if s == "" {
		return nil
	}
	return &s
}

func deref(s *string) string {
	if s == nil {
		return ""
	}
	return *s
}

func firstNonEmpty(values ...string) string {
	for _, v := range values {
		if v != "" {
			return v
		}
	}
	return ""
}
