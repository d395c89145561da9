// Package app wires one snapshot run: fetch the listing, extract and build the
// raid entries, backfill images, write the file and publish it.
package app

import (
	"context"
	"fmt"
	"time"

	"cloud.google.com/go/storage"
	"go.uber.org/zap"

	"github.com/JakeFAU/raid-snapshot/internal/clock"
	"github.com/JakeFAU/raid-snapshot/internal/config"
	collyfetcher "github.com/JakeFAU/raid-snapshot/internal/fetcher/colly"
	"github.com/JakeFAU/raid-snapshot/internal/fetcher/headless"
	"github.com/JakeFAU/raid-snapshot/internal/id/uuid"
	"github.com/JakeFAU/raid-snapshot/internal/metrics"
	"github.com/JakeFAU/raid-snapshot/internal/output"
	"github.com/JakeFAU/raid-snapshot/internal/policy/ratelimit"
	"github.com/JakeFAU/raid-snapshot/internal/publisher"
	"github.com/JakeFAU/raid-snapshot/internal/publisher/pubsub"
	"github.com/JakeFAU/raid-snapshot/internal/raids"
	"github.com/JakeFAU/raid-snapshot/internal/storage/gcs"
)

const metricsExportTimeout = 10 * time.Second

// SnapshotMirror uploads the written snapshot bytes somewhere durable.
type SnapshotMirror interface {
	PutSnapshot(ctx context.Context, object string, data []byte, metadata map[string]string) (string, error)
}

// Notifier announces a written snapshot.
type Notifier interface {
	Publish(ctx context.Context, n publisher.Notification) (string, error)
}

// Clock reports the instant the window is measured from.
type Clock interface {
	Now() time.Time
}

// Deps are the collaborators of a Pipeline. Source is required; Mirror and
// Notifier are optional, and the rest fall back to defaults.
type Deps struct {
	Source   raids.Fetcher
	Details  raids.Fetcher
	Limiter  raids.Limiter
	Mirror   SnapshotMirror
	Notifier Notifier
	Clock    Clock
	Retry    RetryPolicy
	Logger   *zap.Logger
	RunID    string
}

// Result summarizes a finished run.
type Result struct {
	RunID     string
	Count     int
	Path      string
	Digest    string
	ObjectURI string
	MessageID string
	Backfill  raids.BackfillStats
}

type closer struct {
	name  string
	close func() error
}

// Pipeline runs snapshot passes against one configuration.
type Pipeline struct {
	cfg        config.Config
	source     raids.Fetcher
	backfiller *raids.Backfiller
	mirror     SnapshotMirror
	notifier   Notifier
	clock      Clock
	retry      RetryPolicy
	logger     *zap.Logger
	runID      string
	closers    []closer
}

// NewPipeline assembles a Pipeline from explicit dependencies.
func NewPipeline(cfg config.Config, deps Deps) *Pipeline {
	logger := deps.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	clk := deps.Clock
	if clk == nil {
		clk = clock.System{}
	}
	retry := deps.Retry
	if retry == nil {
		retry = NewExponentialRetryPolicy(cfg.Source.MaxAttempts)
	}

	p := &Pipeline{
		cfg:      cfg,
		source:   deps.Source,
		mirror:   deps.Mirror,
		notifier: deps.Notifier,
		clock:    clk,
		retry:    retry,
		logger:   logger,
		runID:    deps.RunID,
	}
	if cfg.Backfill.Enabled && deps.Details != nil {
		p.backfiller = raids.NewBackfiller(
			deps.Details,
			deps.Limiter,
			raids.BackfillConfig{Concurrency: cfg.Backfill.Concurrency},
			logger.Named("backfill"),
		)
	}
	return p
}

// New builds a Pipeline with production fetchers and the publication sinks
// enabled by cfg. Callers must Close it.
func New(ctx context.Context, cfg config.Config, logger *zap.Logger) (*Pipeline, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	runID, err := uuid.NewRunID()
	if err != nil {
		return nil, err
	}
	logger = logger.With(zap.String("run_id", runID))

	var closers []closer
	fail := func(err error) (*Pipeline, error) {
		closeAll(logger, closers)
		return nil, err
	}

	collyFetcher := collyfetcher.New(collyfetcher.Config{
		UserAgent: cfg.Source.UserAgent,
		Timeout:   cfg.Source.Timeout,
	})
	closers = append(closers, closer{name: "colly fetcher", close: collyFetcher.Close})

	deps := Deps{
		Source:  collyFetcher,
		Details: collyFetcher,
		Limiter: ratelimit.New(ratelimit.Config{
			DefaultRPS:   cfg.Backfill.RequestsPerSecond,
			DefaultBurst: 1,
		}),
		Clock:  clock.System{},
		Logger: logger,
		RunID:  runID,
	}

	if cfg.Source.Headless {
		logger.Info("using headless source fetcher", zap.Duration("navigation_timeout", cfg.Source.HeadlessTimeout))
		headlessFetcher, err := headless.NewChromedp(headless.Config{
			UserAgent:         cfg.Source.UserAgent,
			NavigationTimeout: cfg.Source.HeadlessTimeout,
		})
		if err != nil {
			return fail(fmt.Errorf("create headless fetcher: %w", err))
		}
		closers = append(closers, closer{name: "headless fetcher", close: headlessFetcher.Close})
		deps.Source = headlessFetcher
	}

	if cfg.Publish.GCSBucket != "" {
		logger.Info("mirroring snapshot to GCS", zap.String("bucket", cfg.Publish.GCSBucket))
		client, err := storage.NewClient(ctx)
		if err != nil {
			return fail(fmt.Errorf("create storage client: %w", err))
		}
		closers = append(closers, closer{name: "storage client", close: client.Close})
		store, err := gcs.New(client, gcs.Config{Bucket: cfg.Publish.GCSBucket})
		if err != nil {
			return fail(fmt.Errorf("create blob store: %w", err))
		}
		deps.Mirror = store
	}

	if cfg.Publish.PubSubTopic != "" {
		logger.Info("announcing snapshot on Pub/Sub", zap.String("topic", cfg.Publish.PubSubTopic))
		pub, err := pubsub.New(ctx, pubsub.Config{
			ProjectID: cfg.Publish.PubSubProject,
			TopicID:   cfg.Publish.PubSubTopic,
		})
		if err != nil {
			return fail(fmt.Errorf("create pubsub publisher: %w", err))
		}
		closers = append(closers, closer{name: "pubsub publisher", close: pub.Close})
		deps.Notifier = pub
	}

	p := NewPipeline(cfg, deps)
	p.closers = closers
	return p, nil
}

// RunID identifies this pipeline's run in logs and notifications.
func (p *Pipeline) RunID() string {
	return p.runID
}

// Run performs one snapshot pass. The local file is only written once the
// payload has been extracted; publication failures leave it in place.
func (p *Pipeline) Run(ctx context.Context) (res Result, err error) {
	started := time.Now()
	res.RunID = p.runID
	defer func() {
		metrics.ObserveRun(res.Count, time.Since(started), p.clock.Now(), err)
		p.exportMetrics(ctx)
	}()

	if p.source == nil {
		return res, fmt.Errorf("no source fetcher configured")
	}

	body, err := p.fetchSource(ctx)
	if err != nil {
		return res, fmt.Errorf("fetch raids page: %w", err)
	}

	payload, err := raids.ExtractPayload(body)
	if err != nil {
		return res, fmt.Errorf("extract raid payload: %w", err)
	}
	display := raids.ScanDisplay(body)

	now := p.clock.Now()
	entries, err := raids.BuildEntries(payload, display, p.cfg.Source.URL, now, p.cfg.Window.Upcoming)
	if err != nil {
		return res, fmt.Errorf("build raid entries: %w", err)
	}
	p.logger.Info("raid entries built",
		zap.Int("tiers", len(payload.Tiers)),
		zap.Int("display_records", len(display)),
		zap.Int("entries", len(entries)),
	)

	if p.backfiller != nil {
		res.Backfill = p.backfiller.Run(ctx, entries)
	}

	written, err := output.WriteEntries(p.cfg.Output.Path, entries)
	if err != nil {
		return res, fmt.Errorf("write snapshot: %w", err)
	}
	res.Count = written.Count
	res.Path = written.Path
	res.Digest = written.Digest
	p.logger.Info("snapshot written",
		zap.String("path", written.Path),
		zap.Int("count", written.Count),
		zap.String("sha256", written.Digest),
	)

	if err := p.publish(ctx, written, now, &res); err != nil {
		return res, err
	}
	return res, nil
}

func (p *Pipeline) fetchSource(ctx context.Context) (string, error) {
	url := p.cfg.Source.URL
	for attempt := 1; ; attempt++ {
		body, err := p.source.Fetch(ctx, url)
		if err == nil {
			p.logger.Debug("raids page fetched", zap.Int("attempt", attempt), zap.Int("bytes", len(body)))
			return body, nil
		}
		if ctx.Err() != nil || !p.retry.ShouldRetry(err, attempt) {
			return "", err
		}
		delay := p.retry.Backoff(attempt)
		p.logger.Warn("raids page fetch failed, retrying",
			zap.String("url", url),
			zap.Int("attempt", attempt),
			zap.Duration("backoff", delay),
			zap.Error(err),
		)
		if err := sleepWithContext(ctx, delay); err != nil {
			return "", err
		}
	}
}

func (p *Pipeline) publish(ctx context.Context, written output.Result, generatedAt time.Time, res *Result) error {
	if p.mirror != nil {
		uri, err := p.mirror.PutSnapshot(ctx, p.cfg.Publish.GCSObject, written.Data, map[string]string{
			"run_id": p.runID,
			"sha256": written.Digest,
		})
		if err != nil {
			metrics.ObservePublication("gcs", "error")
			return fmt.Errorf("mirror snapshot: %w", err)
		}
		metrics.ObservePublication("gcs", "ok")
		res.ObjectURI = uri
		p.logger.Info("snapshot mirrored", zap.String("object_uri", uri))
	}

	if p.notifier != nil {
		id, err := p.notifier.Publish(ctx, publisher.Notification{
			RunID:       p.runID,
			Count:       written.Count,
			SHA256:      written.Digest,
			Path:        written.Path,
			ObjectURI:   res.ObjectURI,
			GeneratedAt: generatedAt,
		})
		if err != nil {
			metrics.ObservePublication("pubsub", "error")
			return fmt.Errorf("announce snapshot: %w", err)
		}
		metrics.ObservePublication("pubsub", "ok")
		res.MessageID = id
		p.logger.Info("snapshot announced", zap.String("message_id", id))
	}
	return nil
}

func (p *Pipeline) exportMetrics(ctx context.Context) {
	if p.cfg.Metrics.Textfile != "" {
		if err := metrics.WriteTextfile(p.cfg.Metrics.Textfile); err != nil {
			p.logger.Warn("metrics textfile not written", zap.Error(err))
		}
	}
	if p.cfg.Metrics.PushgatewayURL != "" {
		pushCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), metricsExportTimeout)
		defer cancel()
		if err := metrics.Push(pushCtx, p.cfg.Metrics.PushgatewayURL, p.cfg.Metrics.Job); err != nil {
			p.logger.Warn("metrics push failed", zap.Error(err))
		}
	}
}

// Close releases fetchers and cloud clients in reverse order of creation.
func (p *Pipeline) Close() {
	closeAll(p.logger, p.closers)
	p.closers = nil
}

func closeAll(logger *zap.Logger, closers []closer) {
	for i := len(closers) - 1; i >= 0; i-- {
		if err := closers[i].close(); err != nil {
			logger.Warn("error closing "+closers[i].name, zap.Error(err))
		}
	}
}
