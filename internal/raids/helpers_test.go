package raids

import (
	"encoding/json"
	"fmt"
	"net/url"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

var testNow = time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC)

func msAt(t time.Time) float64 {
	return float64(t.UnixMilli())
}

func strPtr(s string) *string {
	return &s
}

func floatPtr(f float64) *float64 {
	return &f
}

// rehydratePage wraps a raidsStore value and table rows into a page shaped like
// the live raids listing.
func rehydratePage(t *testing.T, store any, rows string) string {
	t.Helper()
	blob, err := json.Marshal(map[string]any{
		"config":     map[string]any{"locale": "en"},
		"raidsStore": store,
	})
	require.NoError(t, err)
	return fmt.Sprintf(`<!doctype html>
<html><head><title>Raids</title>
<script>window.REHYDRATE=JSON.parse(decodeURIComponent("%s"))</script>
</head><body><table><tbody>%s</tbody></table></body></html>`, url.PathEscape(string(blob)), rows)
}

func raidRecord(slug, tier string, start, end *time.Time) map[string]any {
	rec := map[string]any{
		"pokemonId": slug,
		"pokemon":   slug,
		"tier":      tier,
	}
	if start != nil {
		rec["startDate"] = msAt(*start)
		rec["localStartDate"] = start.Format("2006-01-02 15:04")
	}
	if end != nil {
		rec["endDate"] = msAt(*end)
		rec["localEndDate"] = end.Format("2006-01-02 15:04")
	}
	return rec
}

func escapeForPage(blob string) string {
	return url.PathEscape(blob)
}
