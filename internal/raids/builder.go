package raids

import (
	"cmp"
	"fmt"
	"math"
	"net/url"
	"slices"
	"time"
)

// DefaultUpcomingWindow is how far ahead a not-yet-started raid may begin and still
// be listed.
const DefaultUpcomingWindow = 72 * time.Hour

// Timestamps outside years 1..9999 render as null.
var (
	minRenderableMillis = float64(time.Date(1, 1, 1, 0, 0, 0, 0, time.UTC).UnixMilli())
	maxRenderableMillis = float64(time.Date(9999, 12, 31, 23, 59, 59, 999_000_000, time.UTC).UnixMilli())
)

// BuildEntries filters the payload to raids that are active or start within window
// of now, joins them with their display records and returns them sorted by UTC start
// then name. A slug keeps only its first surviving raid, in payload order.
func BuildEntries(
	payload Payload,
	display map[string]DisplayRecord,
	baseURL string,
	now time.Time,
	window time.Duration,
) ([]Entry, error) {
	base, err := url.Parse(baseURL)
	if err != nil {
		return nil, fmt.Errorf("parse base url %q: %w", baseURL, err)
	}

	nowMs := float64(now.UnixMilli())
	cutoffMs := float64(now.Add(window).UnixMilli())
	seen := make(map[string]struct{})
	entries := make([]Entry, 0)

	for _, group := range payload.Tiers {
		for _, raid := range group.Raids {
			slug := raid.Slug()
			if slug == "" {
				continue
			}
			start, ok := millis(raid.StartDate)
			if !ok || start > cutoffMs {
				continue
			}
			if start <= nowMs {
				if end, ok := millis(raid.EndDate); ok && end < nowMs {
					continue
				}
			}
			record, ok := display[slug]
			if !ok {
				continue
			}
			if _, dup := seen[slug]; dup {
				continue
			}
			seen[slug] = struct{}{}
			entries = append(entries, newEntry(raid, record, slug, base))
		}
	}

	SortEntries(entries)
	return entries, nil
}

// SortEntries orders entries by UTC start (missing first) then by name.
func SortEntries(entries []Entry) {
	slices.SortStableFunc(entries, func(a, b Entry) int {
		if c := cmp.Compare(deref(a.StartUTC), deref(b.StartUTC)); c != 0 {
			return c
		}
		return cmp.Compare(a.Pokemon, b.Pokemon)
	})
}

func newEntry(raid RawRaid, record DisplayRecord, slug string, base *url.URL) Entry {
	tier := HumanizeTier(deref(raid.Tier))
	return Entry{
		Pokemon:        firstNonEmpty(record.Name, raid.Pokemon, SlugTitle(slug)),
		Image:          optional(record.Image),
		StartLocal:     raid.LocalStartDate,
		EndLocal:       raid.LocalEndDate,
		StartUTC:       formatMillis(raid.StartDate),
		EndUTC:         formatMillis(raid.EndDate),
		Difficulty:     firstNonEmpty(record.Difficulty, tier),
		Tier:           tier,
		TierRaw:        raid.Tier,
		PokebattlerURL: base.ResolveReference(&url.URL{Path: raidPathPrefix + slug}).String(),
		Slug:           slug,
	}
}

// millis stays in float64 so that values beyond the int64 range still compare
// correctly against the window.
func millis(v *float64) (float64, bool) {
	if v == nil || math.IsNaN(*v) || math.IsInf(*v, 0) {
		return 0, false
	}
	return *v, true
}

// formatMillis renders epoch milliseconds as an ISO-8601 UTC timestamp with an
// explicit +00:00 offset. Microseconds are only printed when non-zero. Zero and
// absent values render as null.
func formatMillis(v *float64) *string {
	ms, ok := millis(v)
	if !ok || ms == 0 || ms < minRenderableMillis || ms > maxRenderableMillis {
		return nil
	}
	t := time.UnixMicro(int64(math.Round(ms * 1000))).UTC()
	s := t.Format("2006-01-02T15:04:05")
	if micros := t.Nanosecond() / int(time.Microsecond); micros != 0 {
		s += fmt.Sprintf(".%06d", micros)
	}
	s += "+00:00"
	return &s
}
