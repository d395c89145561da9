// Package metrics holds the Prometheus collectors for a snapshot run and exports
// them once the run is over, either to a node_exporter textfile or a Pushgateway.
package metrics

import (
	"context"
	"fmt"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/push"
)

var (
	registry = prometheus.NewRegistry()

	fetchesTotal              *prometheus.CounterVec
	fetchBytesTotal           *prometheus.CounterVec
	backfillTotal             *prometheus.CounterVec
	entriesWritten            prometheus.Gauge
	runDurationSeconds        prometheus.Gauge
	lastSuccessTimestamp      prometheus.Gauge
	runsTotal                 *prometheus.CounterVec
	rateLimitDelaysSeconds    *prometheus.HistogramVec
	snapshotPublicationsTotal *prometheus.CounterVec

	once sync.Once
)

// Init registers the collectors. It is safe to call more than once, and every
// Observe helper calls it.
func Init() {
	once.Do(func() {
		factory := promauto.With(registry)

		fetchesTotal = factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "raids_fetches_total",
				Help: "Page fetches, labeled by fetcher (colly, chromedp) and outcome.",
			},
			[]string{"fetcher", "outcome"},
		)

		fetchBytesTotal = factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "raids_fetch_bytes_total",
				Help: "Bytes fetched, labeled by site.",
			},
			[]string{"site"},
		)

		backfillTotal = factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "raids_image_backfill_total",
				Help: "Image backfill lookups, labeled by outcome.",
			},
			[]string{"outcome"},
		)

		entriesWritten = factory.NewGauge(
			prometheus.GaugeOpts{
				Name: "raids_snapshot_entries",
				Help: "Number of raid entries in the last written snapshot.",
			},
		)

		runDurationSeconds = factory.NewGauge(
			prometheus.GaugeOpts{
				Name: "raids_run_duration_seconds",
				Help: "Wall time of the last snapshot run.",
			},
		)

		lastSuccessTimestamp = factory.NewGauge(
			prometheus.GaugeOpts{
				Name: "raids_last_success_timestamp_seconds",
				Help: "Unix time of the last successful snapshot run.",
			},
		)

		runsTotal = factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "raids_runs_total",
				Help: "Snapshot runs, labeled by status.",
			},
			[]string{"status"},
		)

		rateLimitDelaysSeconds = factory.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "raids_rate_limit_delays_seconds",
				Help:    "Histogram of rate limit wait durations.",
				Buckets: []float64{0.1, 0.5, 1, 2, 5, 10, 30},
			},
			[]string{"domain"},
		)

		snapshotPublicationsTotal = factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "raids_snapshot_publications_total",
				Help: "Snapshot mirror uploads and notifications, labeled by target and outcome.",
			},
			[]string{"target", "outcome"},
		)
	})
}

// Gatherer exposes the run registry.
func Gatherer() prometheus.Gatherer {
	Init()
	return registry
}

// SanitizeSite sanitizes a URL to extract a lowercase hostname.
// It returns "unknown" if the URL is invalid.
func SanitizeSite(rawURL string) string {
	if !strings.HasPrefix(rawURL, "http") {
		rawURL = "http://" + rawURL
	}
	u, err := url.Parse(rawURL)
	if err != nil || u.Hostname() == "" {
		return "unknown"
	}
	return strings.ToLower(u.Hostname())
}

// ObserveFetch counts one fetch attempt and the bytes it returned.
func ObserveFetch(fetcher, rawURL, outcome string, bytesFetched int) {
	Init()
	fetchesTotal.WithLabelValues(fetcher, outcome).Inc()
	if bytesFetched > 0 {
		fetchBytesTotal.WithLabelValues(SanitizeSite(rawURL)).Add(float64(bytesFetched))
	}
}

// ObserveBackfill counts one image backfill lookup.
func ObserveBackfill(outcome string) {
	Init()
	backfillTotal.WithLabelValues(outcome).Inc()
}

// ObserveRateLimitDelay records the duration of a rate limit wait.
func ObserveRateLimitDelay(domain string, duration time.Duration) {
	Init()
	rateLimitDelaysSeconds.WithLabelValues(domain).Observe(duration.Seconds())
}

// ObservePublication counts one mirror upload or notification.
func ObservePublication(target, outcome string) {
	Init()
	snapshotPublicationsTotal.WithLabelValues(target, outcome).Inc()
}

// ObserveRun records the outcome of a whole run.
func ObserveRun(entries int, duration time.Duration, finishedAt time.Time, err error) {
	Init()
	runDurationSeconds.Set(duration.Seconds())
	if err != nil {
		runsTotal.WithLabelValues("failed").Inc()
		return
	}
	runsTotal.WithLabelValues("succeeded").Inc()
	entriesWritten.Set(float64(entries))
	lastSuccessTimestamp.Set(float64(finishedAt.Unix()))
}

// WriteTextfile writes the registry in the text exposition format for the
// node_exporter textfile collector.
func WriteTextfile(path string) error {
	if err := prometheus.WriteToTextfile(path, Gatherer()); err != nil {
		return fmt.Errorf("write metrics textfile %s: %w", path, err)
	}
	return nil
}

// Push sends the registry to a Pushgateway under the given job name.
func Push(ctx context.Context, gatewayURL, job string) error {
	if err := push.New(gatewayURL, job).Gatherer(Gatherer()).PushContext(ctx); err != nil {
		return fmt.Errorf("push metrics to %s: %w", gatewayURL, err)
	}
	return nil
}
