// Package collyfetcher retrieves pages over plain HTTP with gocolly.
package collyfetcher

import (
	"context"
	"net"
	"net/http"
	"time"

	"github.com/gocolly/colly/v2"

	"github.com/JakeFAU/raid-snapshot/internal/fetcher"
	"github.com/JakeFAU/raid-snapshot/internal/metrics"
)

const (
	defaultTimeout = 20 * time.Second
	// Covers the listing page with its inline raid store.
	maxBodyBytes = 64 << 20
	metricLabel  = "colly"
)

// Config controls collector behavior.
type Config struct {
	UserAgent string
	Timeout   time.Duration
}

// Fetcher issues GET requests through one collector whose HTTP client and
// connection pool are shared by every fetch of a run.
type Fetcher struct {
	transport     *http.Transport
	baseCollector *colly.Collector
}

type collectorHooks interface {
	OnResponse(colly.ResponseCallback)
	OnError(colly.ErrorCallback)
}

// page is what the collector callbacks report back for one visit.
type page struct {
	status int
	body   []byte
}

// New builds a Fetcher.
func New(cfg Config) *Fetcher {
	c := colly.NewCollector(
		colly.Async(false),
		colly.AllowURLRevisit(),
		colly.MaxBodySize(maxBodyBytes),
	)
	if cfg.UserAgent != "" {
		c.UserAgent = cfg.UserAgent
	}

	transport := newHTTPTransport()
	c.WithTransport(transport)

	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = defaultTimeout
	}
	c.SetRequestTimeout(timeout)

	return &Fetcher{
		transport:     transport,
		baseCollector: c,
	}
}

// Fetch returns the body of url. Transport failures, timeouts and non-2xx
// statuses are reported as *fetcher.FetchError.
func (f *Fetcher) Fetch(ctx context.Context, url string) (string, error) {
	var result page
	collector := f.baseCollector.Clone()
	f.configureCollectorHooks(collector, &result)

	if err := f.runCollector(ctx, collector, url, &result); err != nil {
		metrics.ObserveFetch(metricLabel, url, "error", 0)
		return "", err
	}
	metrics.ObserveFetch(metricLabel, url, "ok", len(result.body))
	return string(result.body), nil
}

// Close drops pooled connections once the run is over.
func (f *Fetcher) Close() error {
	f.transport.CloseIdleConnections()
	return nil
}

func (f *Fetcher) configureCollectorHooks(hooks collectorHooks, result *page) {
	hooks.OnResponse(func(r *colly.Response) {
		result.status = r.StatusCode
		result.body = append([]byte(nil), r.Body...)
	})

	hooks.OnError(func(r *colly.Response, _ error) {
		if r != nil {
			result.status = r.StatusCode
		}
	})
}

func (f *Fetcher) runCollector(ctx context.Context, collector *colly.Collector, url string, result *page) error {
	if err := ctx.Err(); err != nil {
		return &fetcher.FetchError{URL: url, Err: err}
	}

	done := make(chan error, 1)
	go func() {
		done <- collector.Visit(url)
	}()

	select {
	case <-ctx.Done():
		return &fetcher.FetchError{URL: url, Err: ctx.Err()}
	case err := <-done:
		if err != nil {
			return &fetcher.FetchError{URL: url, StatusCode: result.status, Err: err}
		}
		return nil
	}
}

func newHTTPTransport() *http.Transport {
	return &http.Transport{
		Proxy: http.ProxyFromEnvironment,
		DialContext: (&net.Dialer{
			Timeout:   10 * time.Second,
			KeepAlive: 30 * time.Second,
		}).DialContext,
		TLSHandshakeTimeout:   15 * time.Second,
		ExpectContinueTimeout: 1 * time.Second,
		MaxIdleConns:          16,
		MaxIdleConnsPerHost:   4,
		IdleConnTimeout:       90 * time.Second,
	}
}
