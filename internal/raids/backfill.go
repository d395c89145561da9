package raids

import (
	"context"
	"regexp"
	"strings"

	"github.com/PuerkitoBio/goquery"
	"go.uber.org/zap"
	"golang.org/x/net/html"
	"golang.org/x/sync/errgroup"

	"github.com/JakeFAU/raid-snapshot/internal/metrics"
)

var (
	bossIconPattern     = regexp.MustCompile(`(?i)(?:https?:)?//static\.pokebattler\.com/assets/pokemon/256/[^"'<>\s]+`)
	pokemonAssetPattern = regexp.MustCompile(`(?i)(?:https?:)?//static\.pokebattler\.com/assets/pokemon/[^"'<>\s]+`)
)

// BackfillConfig tunes the image backfill pass.
type BackfillConfig struct {
	// Concurrency bounds parallel detail fetches. Values below one mean one.
	Concurrency int
}

// BackfillStats summarizes one backfill pass.
type BackfillStats struct {
	Attempted int
	Resolved  int
	Failed    int
}

// Backfiller recovers missing entry images from each boss's detail page.
type Backfiller struct {
	fetcher     Fetcher
	limiter     Limiter
	concurrency int
	logger      *zap.Logger
}

// NewBackfiller wires a backfiller. The limiter may be nil.
func NewBackfiller(fetcher Fetcher, limiter Limiter, cfg BackfillConfig, logger *zap.Logger) *Backfiller {
	if logger == nil {
		logger = zap.NewNop()
	}
	concurrency := cfg.Concurrency
	if concurrency < 1 {
		concurrency = 1
	}
	return &Backfiller{
		fetcher:     fetcher,
		limiter:     limiter,
		concurrency: concurrency,
		logger:      logger,
	}
}

type backfillTarget struct {
	slug string
	url  string
	name string
}

// Run fills in Image for entries that lack one. Each distinct slug is fetched at
// most once and failures are remembered for the rest of the pass. Fetch errors are
// logged and never returned.
func (b *Backfiller) Run(ctx context.Context, entries []Entry) BackfillStats {
	var targets []backfillTarget
	planned := make(map[string]struct{})
	for _, e := range entries {
		if e.Image != nil || e.Slug == "" {
			continue
		}
		if _, ok := planned[e.Slug]; ok {
			continue
		}
		planned[e.Slug] = struct{}{}
		targets = append(targets, backfillTarget{slug: e.Slug, url: e.PokebattlerURL, name: e.Pokemon})
	}
	if len(targets) == 0 {
		return BackfillStats{}
	}

	results := make([]string, len(targets))
	var g errgroup.Group
	g.SetLimit(b.concurrency)
	for i, target := range targets {
		g.Go(func() error {
			results[i] = b.resolve(ctx, target)
			return nil
		})
	}
	_ = g.Wait()

	cache := make(map[string]string, len(targets))
	stats := BackfillStats{Attempted: len(targets)}
	for i, target := range targets {
		cache[target.slug] = results[i]
		if results[i] == "" {
			stats.Failed++
		} else {
			stats.Resolved++
		}
	}
	for i := range entries {
		if entries[i].Image != nil {
			continue
		}
		entries[i].Image = optional(cache[entries[i].Slug])
	}

	b.logger.Info("image backfill finished",
		zap.Int("attempted", stats.Attempted),
		zap.Int("resolved", stats.Resolved),
		zap.Int("failed", stats.Failed),
	)
	return stats
}

func (b *Backfiller) resolve(ctx context.Context, target backfillTarget) string {
	logger := b.logger.With(zap.String("slug", target.slug), zap.String("url", target.url))
	if b.limiter != nil {
		if err := b.limiter.Wait(ctx, target.url); err != nil {
			logger.Warn("backfill rate limiter aborted", zap.Error(err))
			metrics.ObserveBackfill("canceled")
			return ""
		}
	}

	body, err := b.fetcher.Fetch(ctx, target.url)
	if err != nil {
		logger.Warn("backfill fetch failed", zap.Error(err))
		metrics.ObserveBackfill("fetch_error")
		return ""
	}

	icon := ExtractIcon(body, target.name)
	if icon == "" {
		logger.Debug("no icon found on detail page")
		metrics.ObserveBackfill("not_found")
		return ""
	}
	metrics.ObserveBackfill("resolved")
	return icon
}

// ExtractIcon picks an image URL from a boss detail page. It tries, in order, the
// 256px boss asset, an asset inside an svg labelled with name, and the og:image
// meta tag. It returns "" when none is present.
func ExtractIcon(markup, name string) string {
	if m := bossIconPattern.FindString(markup); m != "" {
		return normalizeAssetURL(m)
	}

	doc, err := goquery.NewDocumentFromReader(strings.NewReader(markup))
	if err != nil {
		return ""
	}
	if name != "" {
		if u := labelledSVGAsset(doc, name); u != "" {
			return u
		}
	}
	if content, ok := doc.Find(`meta[property="og:image"]`).First().Attr("content"); ok {
		return strings.TrimSpace(content)
	}
	return ""
}

func labelledSVGAsset(doc *goquery.Document, name string) string {
	var found string
	doc.Find("svg[aria-label]").EachWithBreak(func(_ int, svg *goquery.Selection) bool {
		label, _ := svg.Attr("aria-label")
		if !strings.EqualFold(strings.TrimSpace(label), name) {
			return true
		}
		for _, node := range svg.Find("*").AddSelection(svg).Nodes {
			if u := assetInAttrs(node); u != "" {
				found = u
				return false
			}
		}
		if m := pokemonAssetPattern.FindString(svg.Text()); m != "" {
			found = normalizeAssetURL(m)
			return false
		}
		return true
	})
	return found
}

func assetInAttrs(node *html.Node) string {
	for _, a := range node.Attr {
		if m := pokemonAssetPattern.FindString(a.Val); m != "" {
			return normalizeAssetURL(m)
		}
	}
	return ""
}
