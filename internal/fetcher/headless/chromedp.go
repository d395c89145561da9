// Package headless fetches pages through headless Chrome so that script-built
// markup is present in the returned document.
package headless

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/chromedp/cdproto/emulation"
	"github.com/chromedp/cdproto/network"
	"github.com/chromedp/chromedp"

	"github.com/JakeFAU/raid-snapshot/internal/fetcher"
	"github.com/JakeFAU/raid-snapshot/internal/metrics"
)

const (
	defaultNavigationTimeout = 45 * time.Second
	settleDelay              = 500 * time.Millisecond
	metricLabel              = "chromedp"
)

// Config controls the behavior of the headless fetcher.
type Config struct {
	UserAgent         string
	NavigationTimeout time.Duration
}

var errClosed = errors.New("headless fetcher closed")

// Fetcher renders pages in one headless browser shared by all fetches of a run.
// Each fetch opens its own tab.
type Fetcher struct {
	cfg           Config
	allocCancel   context.CancelFunc
	browser       context.Context
	browserCancel context.CancelFunc

	startOnce sync.Once
	startErr  error
}

// NewChromedp creates a headless fetcher backed by chromedp. The browser is
// started lazily on the first fetch.
func NewChromedp(cfg Config) (*Fetcher, error) {
	if cfg.NavigationTimeout < 0 {
		return nil, errors.New("navigation timeout must be >= 0")
	}
	opts := append(chromedp.DefaultExecAllocatorOptions[:],
		chromedp.Flag("headless", "new"),
		chromedp.Flag("disable-gpu", true),
		chromedp.Flag("hide-scrollbars", true),
		chromedp.Flag("enable-automation", false),
	)
	if cfg.UserAgent != "" {
		opts = append(opts, chromedp.UserAgent(cfg.UserAgent))
	}
	allocCtx, allocCancel := chromedp.NewExecAllocator(context.Background(), opts...)
	browserCtx, browserCancel := chromedp.NewContext(allocCtx)

	return &Fetcher{
		cfg:           cfg,
		allocCancel:   allocCancel,
		browser:       browserCtx,
		browserCancel: browserCancel,
	}, nil
}

// Close shuts the browser down. Later fetches fail.
func (f *Fetcher) Close() error {
	f.browserCancel()
	f.allocCancel()
	return nil
}

// startBrowser launches the shared browser on first use.
func (f *Fetcher) startBrowser() error {
	f.startOnce.Do(func() {
		f.startErr = chromedp.Run(f.browser)
	})
	return f.startErr
}

// Fetch navigates to url and returns the rendered outer HTML. A non-2xx status
// on the document response is reported as *fetcher.FetchError.
func (f *Fetcher) Fetch(ctx context.Context, url string) (string, error) {
	if err := ctx.Err(); err != nil {
		return "", &fetcher.FetchError{URL: url, Err: err}
	}
	if f.browser.Err() != nil {
		return "", &fetcher.FetchError{URL: url, Err: errClosed}
	}
	if err := f.startBrowser(); err != nil {
		metrics.ObserveFetch(metricLabel, url, "error", 0)
		return "", &fetcher.FetchError{URL: url, Err: fmt.Errorf("start browser: %w", err)}
	}

	taskCtx, taskCancel := chromedp.NewContext(f.browser)
	defer taskCancel()
	stop := context.AfterFunc(ctx, taskCancel)
	defer stop()

	taskCtx, cancel := context.WithTimeout(taskCtx, f.navTimeout())
	defer cancel()

	meta := &responseMeta{}
	chromedp.ListenTarget(taskCtx, meta.captureEvent)

	html, err := f.runHeadless(taskCtx, url)
	if err != nil {
		if ctxErr := ctx.Err(); ctxErr != nil {
			err = ctxErr
		}
		metrics.ObserveFetch(metricLabel, url, "error", 0)
		return "", &fetcher.FetchError{URL: url, Err: err}
	}
	if err := meta.check(); err != nil {
		metrics.ObserveFetch(metricLabel, url, "error", 0)
		return "", &fetcher.FetchError{URL: url, StatusCode: meta.statusCode(), Err: err}
	}

	metrics.ObserveFetch(metricLabel, url, "ok", len(html))
	return html, nil
}

func (f *Fetcher) runHeadless(ctx context.Context, url string) (string, error) {
	var html string
	actions := []chromedp.Action{
		f.networkSetupAction(),
		chromedp.Navigate(url),
		chromedp.WaitReady("body", chromedp.ByQuery),
		chromedp.Sleep(settleDelay),
		chromedp.OuterHTML("html", &html, chromedp.ByQuery),
	}
	if err := chromedp.Run(ctx, actions...); err != nil {
		return "", fmt.Errorf("chromedp run: %w", err)
	}
	return html, nil
}

func (f *Fetcher) networkSetupAction() chromedp.Action {
	return chromedp.ActionFunc(func(ctx context.Context) error {
		if err := network.Enable().Do(ctx); err != nil {
			return fmt.Errorf("enable network domain: %w", err)
		}
		if f.cfg.UserAgent != "" {
			if err := emulation.SetUserAgentOverride(f.cfg.UserAgent).Do(ctx); err != nil {
				return fmt.Errorf("set user-agent: %w", err)
			}
		}
		return nil
	})
}

func (f *Fetcher) navTimeout() time.Duration {
	if f.cfg.NavigationTimeout > 0 {
		return f.cfg.NavigationTimeout
	}
	return defaultNavigationTimeout
}

// responseMeta remembers the status of the first document response, which is
// the navigation target rather than a frame or redirect hop.
type responseMeta struct {
	mu     sync.Mutex
	status int
	url    string
}

func (m *responseMeta) captureEvent(ev any) {
	if resp, ok := ev.(*network.EventResponseReceived); ok {
		m.capture(resp)
	}
}

func (m *responseMeta) capture(event *network.EventResponseReceived) {
	if event.Type != network.ResourceTypeDocument || event.Response == nil {
		return
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.status != 0 {
		return
	}
	m.status = int(event.Response.Status)
	m.url = event.Response.URL
}

func (m *responseMeta) statusCode() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.status
}

// check fails for non-2xx document statuses. A missing status (served from
// cache, or no event seen) passes.
func (m *responseMeta) check() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.status == 0 || (m.status >= 200 && m.status < 300) {
		return nil
	}
	return fmt.Errorf("document %s returned status %d", m.url, m.status)
}
