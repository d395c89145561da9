package app

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"net/url"
	"os"
	"path/filepath"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"

	"github.com/JakeFAU/raid-snapshot/internal/clock"
	"github.com/JakeFAU/raid-snapshot/internal/config"
	"github.com/JakeFAU/raid-snapshot/internal/fetcher"
	collyfetcher "github.com/JakeFAU/raid-snapshot/internal/fetcher/colly"
	"github.com/JakeFAU/raid-snapshot/internal/output"
	"github.com/JakeFAU/raid-snapshot/internal/publisher/memory"
	"github.com/JakeFAU/raid-snapshot/internal/raids"
)

const iconMewtwo = "https://static.pokebattler.com/assets/pokemon/256/pokemon_icon_150_00.png"

var testNow = time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC)

type mockMirror struct {
	mock.Mock
}

func (m *mockMirror) PutSnapshot(ctx context.Context, object string, data []byte, metadata map[string]string) (string, error) {
	args := m.Called(ctx, object, data, metadata)
	return args.String(0), args.Error(1)
}

type noWaitRetry struct {
	maxAttempts int
}

func (r noWaitRetry) ShouldRetry(err error, attempt int) bool {
	return NewExponentialRetryPolicy(r.maxAttempts).ShouldRetry(err, attempt)
}

func (noWaitRetry) Backoff(int) time.Duration {
	return 0
}

// listingPage renders a raids listing with one embedded raid per record and
// the given table rows.
func listingPage(t *testing.T, records []map[string]any, rows string) string {
	t.Helper()
	blob, err := json.Marshal(map[string]any{
		"raidsStore": map[string]any{
			"RAID_LEVEL_5": map[string]any{"raids": records},
		},
	})
	require.NoError(t, err)
	return fmt.Sprintf(`<!doctype html><html><head>
<script>window.REHYDRATE=JSON.parse(decodeURIComponent("%s"))</script>
</head><body><table><tbody>%s</tbody></table></body></html>`, url.PathEscape(string(blob)), rows)
}

func level5(slug string, start time.Time) map[string]any {
	return map[string]any{
		"pokemonId": slug,
		"pokemon":   slug,
		"tier":      "RAID_LEVEL_5",
		"startDate": float64(start.UnixMilli()),
	}
}

type site struct {
	server      *httptest.Server
	listingHits atomic.Int32
	detailHits  atomic.Int32
}

// newSite serves listing at /raids, answering the first failFirst requests
// with a 503, and detail (or a 500 when empty) under /raids/{slug}.
func newSite(t *testing.T, listing string, failFirst int32, detail string) *site {
	t.Helper()
	s := &site{}
	mux := http.NewServeMux()
	mux.HandleFunc("/raids", func(w http.ResponseWriter, _ *http.Request) {
		if s.listingHits.Add(1) <= failFirst {
			http.Error(w, "unavailable", http.StatusServiceUnavailable)
			return
		}
		_, _ = w.Write([]byte(listing))
	})
	mux.HandleFunc("/raids/", func(w http.ResponseWriter, _ *http.Request) {
		s.detailHits.Add(1)
		if detail == "" {
			http.Error(w, "boom", http.StatusInternalServerError)
			return
		}
		_, _ = w.Write([]byte(detail))
	})
	s.server = httptest.NewServer(mux)
	t.Cleanup(s.server.Close)
	return s
}

func testConfig(t *testing.T, sourceURL string) config.Config {
	t.Helper()
	return config.Config{
		Source: config.SourceConfig{
			URL:         sourceURL,
			Timeout:     5 * time.Second,
			MaxAttempts: 2,
		},
		Output:   config.OutputConfig{Path: filepath.Join(t.TempDir(), "available_raids.json")},
		Window:   config.WindowConfig{Upcoming: raids.DefaultUpcomingWindow},
		Backfill: config.BackfillConfig{Enabled: true, Concurrency: 2},
		Publish:  config.PublishConfig{GCSObject: "available_raids.json"},
	}
}

func newTestPipeline(t *testing.T, cfg config.Config, deps Deps) *Pipeline {
	t.Helper()
	f := collyfetcher.New(collyfetcher.Config{Timeout: 5 * time.Second})
	t.Cleanup(func() { _ = f.Close() })
	if deps.Source == nil {
		deps.Source = f
	}
	if deps.Details == nil {
		deps.Details = f
	}
	deps.Clock = clock.Fixed{At: testNow}
	if deps.Retry == nil {
		deps.Retry = noWaitRetry{maxAttempts: cfg.Source.MaxAttempts}
	}
	if deps.RunID == "" {
		deps.RunID = "run-1"
	}
	return NewPipeline(cfg, deps)
}

func readSnapshot(t *testing.T, path string) []map[string]any {
	t.Helper()
	data, err := os.ReadFile(path)
	require.NoError(t, err)
	var got []map[string]any
	require.NoError(t, json.Unmarshal(data, &got))
	return got
}

func TestRunSingleActiveRaid(t *testing.T) {
	rows := `<tr><td><img src="` + iconMewtwo + `"></td><td><a href="/raids/mewtwo">Mewtwo</a></td></tr>`
	listing := listingPage(t, []map[string]any{level5("mewtwo", testNow.Add(-time.Hour))}, rows)
	s := newSite(t, listing, 0, "")
	cfg := testConfig(t, s.server.URL+"/raids")
	notifier := memory.New()

	res, err := newTestPipeline(t, cfg, Deps{Notifier: notifier}).Run(context.Background())
	require.NoError(t, err)

	assert.Equal(t, 1, res.Count)
	assert.Equal(t, cfg.Output.Path, res.Path)
	assert.Equal(t, raids.BackfillStats{}, res.Backfill)
	assert.Equal(t, int32(0), s.detailHits.Load())

	got := readSnapshot(t, cfg.Output.Path)
	require.Len(t, got, 1)
	assert.Equal(t, "Tier 5 Raid", got[0]["tier"])
	assert.Equal(t, "RAID_LEVEL_5", got[0]["tier_raw"])
	assert.Equal(t, "Mewtwo", got[0]["pokemon"])
	assert.Equal(t, iconMewtwo, got[0]["image"])
	assert.Equal(t, "2024-05-01T11:00:00+00:00", got[0]["start_utc"])
	assert.Nil(t, got[0]["end_utc"])
	assert.Equal(t, s.server.URL+"/raids/mewtwo", got[0]["pokebattler_url"])

	msgs := notifier.Messages()
	require.Len(t, msgs, 1)
	assert.Equal(t, "run-1", msgs[0].RunID)
	assert.Equal(t, 1, msgs[0].Count)
	assert.Equal(t, res.Digest, msgs[0].SHA256)
	assert.Equal(t, testNow, msgs[0].GeneratedAt)
	assert.Equal(t, "memory-1", res.MessageID)
}

func TestRunBackfillFailureStillWrites(t *testing.T) {
	rows := `<tr><td><a href="/raids/DITTO">Ditto</a></td></tr>`
	listing := listingPage(t, []map[string]any{level5("DITTO", testNow.Add(-time.Hour))}, rows)
	s := newSite(t, listing, 0, "")
	cfg := testConfig(t, s.server.URL+"/raids")

	res, err := newTestPipeline(t, cfg, Deps{}).Run(context.Background())
	require.NoError(t, err)

	assert.Equal(t, raids.BackfillStats{Attempted: 1, Failed: 1}, res.Backfill)
	assert.Equal(t, int32(1), s.detailHits.Load())
	got := readSnapshot(t, cfg.Output.Path)
	require.Len(t, got, 1)
	assert.Equal(t, "Ditto", got[0]["pokemon"])
	assert.Nil(t, got[0]["image"])
}

func TestRunBackfillResolvesImage(t *testing.T) {
	rows := `<tr><td><a href="/raids/DITTO">Ditto</a></td></tr>`
	listing := listingPage(t, []map[string]any{level5("DITTO", testNow.Add(-time.Hour))}, rows)
	detail := `<html><img src="//static.pokebattler.com/assets/pokemon/256/pokemon_icon_132_00.png"></html>`
	s := newSite(t, listing, 0, detail)
	cfg := testConfig(t, s.server.URL+"/raids")

	res, err := newTestPipeline(t, cfg, Deps{}).Run(context.Background())
	require.NoError(t, err)

	assert.Equal(t, 1, res.Backfill.Resolved)
	got := readSnapshot(t, cfg.Output.Path)
	require.Len(t, got, 1)
	assert.Equal(t, "https://static.pokebattler.com/assets/pokemon/256/pokemon_icon_132_00.png", got[0]["image"])
}

func TestRunBackfillDisabled(t *testing.T) {
	rows := `<tr><td><a href="/raids/DITTO">Ditto</a></td></tr>`
	listing := listingPage(t, []map[string]any{level5("DITTO", testNow.Add(-time.Hour))}, rows)
	s := newSite(t, listing, 0, "")
	cfg := testConfig(t, s.server.URL+"/raids")
	cfg.Backfill.Enabled = false

	_, err := newTestPipeline(t, cfg, Deps{}).Run(context.Background())
	require.NoError(t, err)
	assert.Equal(t, int32(0), s.detailHits.Load())
}

func TestRunRetriesTransientSourceFailure(t *testing.T) {
	rows := `<tr><td><a href="/raids/mewtwo">Mewtwo</a></td></tr>`
	listing := listingPage(t, []map[string]any{level5("mewtwo", testNow)}, rows)
	s := newSite(t, listing, 1, "")
	cfg := testConfig(t, s.server.URL+"/raids")
	cfg.Backfill.Enabled = false

	res, err := newTestPipeline(t, cfg, Deps{}).Run(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 1, res.Count)
	assert.Equal(t, int32(2), s.listingHits.Load())
}

func TestRunSourceFailureIsFatal(t *testing.T) {
	s := newSite(t, "", 10, "")
	cfg := testConfig(t, s.server.URL+"/raids")

	_, err := newTestPipeline(t, cfg, Deps{}).Run(context.Background())
	require.Error(t, err)

	var fetchErr *fetcher.FetchError
	require.ErrorAs(t, err, &fetchErr)
	assert.Equal(t, http.StatusServiceUnavailable, fetchErr.StatusCode)
	assert.Equal(t, int32(2), s.listingHits.Load())
	assert.NoFileExists(t, cfg.Output.Path)
}

func TestRunNotFoundIsNotRetried(t *testing.T) {
	s := newSite(t, "", 0, "")
	cfg := testConfig(t, s.server.URL+"/missing")

	_, err := newTestPipeline(t, cfg, Deps{}).Run(context.Background())

	var fetchErr *fetcher.FetchError
	require.ErrorAs(t, err, &fetchErr)
	assert.Equal(t, http.StatusNotFound, fetchErr.StatusCode)
	assert.NoFileExists(t, cfg.Output.Path)
}

func TestRunMissingPayloadWritesNothing(t *testing.T) {
	s := newSite(t, `<html><body>maintenance</body></html>`, 0, "")
	cfg := testConfig(t, s.server.URL+"/raids")

	_, err := newTestPipeline(t, cfg, Deps{}).Run(context.Background())

	var notFound *raids.PayloadNotFoundError
	require.ErrorAs(t, err, &notFound)
	assert.NoFileExists(t, cfg.Output.Path)
}

func TestRunBrokenPayloadWritesNothing(t *testing.T) {
	page := `<script>window.REHYDRATE=JSON.parse(decodeURIComponent("%7Bnot-json"))</script>`
	s := newSite(t, page, 0, "")
	cfg := testConfig(t, s.server.URL+"/raids")

	_, err := newTestPipeline(t, cfg, Deps{}).Run(context.Background())

	var decodeErr *raids.PayloadDecodeError
	require.ErrorAs(t, err, &decodeErr)
	assert.Equal(t, "json", decodeErr.Stage)
	assert.NoFileExists(t, cfg.Output.Path)
}

func TestRunEmptyPayloadWritesEmptyArray(t *testing.T) {
	s := newSite(t, listingPage(t, []map[string]any{}, ""), 0, "")
	cfg := testConfig(t, s.server.URL+"/raids")

	res, err := newTestPipeline(t, cfg, Deps{}).Run(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 0, res.Count)

	data, err := os.ReadFile(cfg.Output.Path)
	require.NoError(t, err)
	assert.Equal(t, "[]\n", string(data))
}

func TestRunOutputDirectoryMissing(t *testing.T) {
	s := newSite(t, listingPage(t, []map[string]any{}, ""), 0, "")
	cfg := testConfig(t, s.server.URL+"/raids")
	cfg.Output.Path = filepath.Join(t.TempDir(), "missing", "raids.json")

	_, err := newTestPipeline(t, cfg, Deps{}).Run(context.Background())

	var ioErr *output.IOError
	require.ErrorAs(t, err, &ioErr)
	assert.Equal(t, cfg.Output.Path, ioErr.Path)
}

func TestRunMirrorsSnapshot(t *testing.T) {
	s := newSite(t, listingPage(t, []map[string]any{}, ""), 0, "")
	cfg := testConfig(t, s.server.URL+"/raids")
	mirror := &mockMirror{}
	mirror.On("PutSnapshot", mock.Anything, "available_raids.json", []byte("[]\n"), mock.MatchedBy(func(md map[string]string) bool {
		return md["run_id"] == "run-1" && md["sha256"] != ""
	})).Return("gs://raids/available_raids.json", nil).Once()
	notifier := memory.New()

	res, err := newTestPipeline(t, cfg, Deps{Mirror: mirror, Notifier: notifier}).Run(context.Background())
	require.NoError(t, err)

	assert.Equal(t, "gs://raids/available_raids.json", res.ObjectURI)
	msgs := notifier.Messages()
	require.Len(t, msgs, 1)
	assert.Equal(t, res.ObjectURI, msgs[0].ObjectURI)
	mirror.AssertExpectations(t)
}

func TestRunMirrorFailureKeepsLocalFile(t *testing.T) {
	s := newSite(t, listingPage(t, []map[string]any{}, ""), 0, "")
	cfg := testConfig(t, s.server.URL+"/raids")
	mirror := &mockMirror{}
	mirror.On("PutSnapshot", mock.Anything, mock.Anything, mock.Anything, mock.Anything).
		Return("", errors.New("permission denied")).Once()
	notifier := memory.New()

	_, err := newTestPipeline(t, cfg, Deps{Mirror: mirror, Notifier: notifier}).Run(context.Background())
	require.Error(t, err)
	assert.Contains(t, err.Error(), "mirror snapshot")
	assert.FileExists(t, cfg.Output.Path)
	assert.Empty(t, notifier.Messages())
}

func TestRunNotifyFailure(t *testing.T) {
	s := newSite(t, listingPage(t, []map[string]any{}, ""), 0, "")
	cfg := testConfig(t, s.server.URL+"/raids")
	notifier := memory.New()
	notifier.FailWith(errors.New("topic not found"))

	_, err := newTestPipeline(t, cfg, Deps{Notifier: notifier}).Run(context.Background())
	require.Error(t, err)
	assert.Contains(t, err.Error(), "announce snapshot")
	assert.FileExists(t, cfg.Output.Path)
}

func TestRunWritesMetricsTextfile(t *testing.T) {
	s := newSite(t, listingPage(t, []map[string]any{}, ""), 0, "")
	cfg := testConfig(t, s.server.URL+"/raids")
	cfg.Metrics.Textfile = filepath.Join(t.TempDir(), "raids.prom")

	_, err := newTestPipeline(t, cfg, Deps{}).Run(context.Background())
	require.NoError(t, err)

	data, err := os.ReadFile(cfg.Metrics.Textfile)
	require.NoError(t, err)
	assert.Contains(t, string(data), "raids_runs_total")
}

func TestRunWithoutSource(t *testing.T) {
	cfg := testConfig(t, "https://www.pokebattler.com/raids")
	_, err := NewPipeline(cfg, Deps{}).Run(context.Background())
	require.Error(t, err)
}

func TestCloseRunsClosersInReverse(t *testing.T) {
	var order []string
	p := NewPipeline(config.Config{}, Deps{})
	p.closers = []closer{
		{name: "first", close: func() error { order = append(order, "first"); return nil }},
		{name: "second", close: func() error { order = append(order, "second"); return errors.New("already closed") }},
	}

	p.Close()
	p.Close()

	assert.Equal(t, []string{"second", "first"}, order)
}

func TestNewBuildsDefaultPipeline(t *testing.T) {
	cfg := testConfig(t, "https://www.pokebattler.com/raids")

	p, err := New(context.Background(), cfg, nil)
	require.NoError(t, err)
	defer p.Close()

	assert.NotEmpty(t, p.RunID())
	assert.NotNil(t, p.source)
	assert.NotNil(t, p.backfiller)
	assert.Nil(t, p.mirror)
	assert.Nil(t, p.notifier)
	assert.Len(t, p.closers, 1)
}
