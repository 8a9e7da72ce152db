package crawler

import (
	"context"
	"errors"
	"fmt"
	"math/rand/v2"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"
	"golang.org/x/time/rate"

	"github.com/user/docscraper/internal/console"
	"github.com/user/docscraper/internal/domain"
	"github.com/user/docscraper/internal/frontier"
	"github.com/user/docscraper/internal/images"
	"github.com/user/docscraper/internal/markdown"
	"github.com/user/docscraper/internal/monitoring"
)

// Fetcher renders a page and returns its HTML once selector is visible.
type Fetcher interface {
	NavigateAndWait(ctx context.Context, url, selector string) (string, error)
}

// Converter turns a content fragment into a markdown document.
type Converter interface {
	Convert(ctx context.Context, html, sourceURL string, timestamp time.Time) (markdown.Document, error)
}

// Store persists pages, the failure log and the index.
type Store interface {
	SavePage(url, content string) (string, error)
	SaveFailedURL(url, description string) error
	GenerateIndex() error
	FailedURLsPath() string
	Dir() string
}

// Recorder keeps a ledger of page outcomes and runs.
type Recorder interface {
	RecordPage(ctx context.Context, rec domain.PageRecord) error
	RecordRun(ctx context.Context, rec domain.RunRecord) error
}

// Gate decides whether a URL may be fetched at all.
type Gate interface {
	Allowed(ctx context.Context, url string) bool
}

// ImageCounter reports what the image downloader stored during the run.
type ImageCounter interface {
	Stats() images.Stats
}

// Options holds the run parameters.
type Options struct {
	Mode           domain.Mode
	BaseURL        string
	MaxPages       int // 0 is unlimited
	MaxRetries     int
	RetryBaseDelay time.Duration
	MinDelay       time.Duration
	MaxDelay       time.Duration
	CrawlDelay     time.Duration // 0 disables throttling in crawl mode
	WaitSelector   string
}

// Summary is the outcome of a run.
type Summary struct {
	RunID     string
	Total     int
	Succeeded int
	Failed    int
	Skipped   int
	Images    int
	Duration  time.Duration
}

// Crawler drives pages through fetch, extraction, conversion and storage,
// one at a time.
type Crawler struct {
	opts      Options
	fetcher   Fetcher
	converter Converter
	store     Store
	recorder  Recorder
	gate      Gate
	images    ImageCounter
	reporter  *console.Reporter
	metrics   *monitoring.Metrics
	logger    *zap.Logger

	sleep  func(ctx context.Context, d time.Duration) error
	now    func() time.Time
	jitter func(lo, hi time.Duration) time.Duration

	mu       sync.Mutex
	progress domain.Progress
}

// Option configures optional collaborators.
type Option func(*Crawler)

// WithRecorder writes page and run outcomes to r.
func WithRecorder(r Recorder) Option {
	return func(c *Crawler) { c.recorder = r }
}

// WithGate skips URLs that g does not allow.
func WithGate(g Gate) Option {
	return func(c *Crawler) { c.gate = g }
}

// WithImages reports the image count of i in the summary.
func WithImages(i ImageCounter) Option {
	return func(c *Crawler) { c.images = i }
}

func WithReporter(r *console.Reporter) Option {
	return func(c *Crawler) { c.reporter = r }
}

func WithMetrics(m *monitoring.Metrics) Option {
	return func(c *Crawler) { c.metrics = m }
}

func WithLogger(l *zap.Logger) Option {
	return func(c *Crawler) { c.logger = l }
}

func New(opts Options, fetcher Fetcher, converter Converter, store Store, options ...Option) *Crawler {
	if opts.Mode == "" {
		opts.Mode = domain.ModeSitemap
	}
	if opts.MaxRetries < 0 {
		opts.MaxRetries = 0
	}
	if opts.MaxDelay < opts.MinDelay {
		opts.MaxDelay = opts.MinDelay
	}

	c := &Crawler{
		opts:      opts,
		fetcher:   fetcher,
		converter: converter,
		store:     store,
		recorder:  nopRecorder{},
		gate:      allowAll{},
		images:    noImages{},
		reporter:  console.NewReporter(nil),
		metrics:   monitoring.NewMetrics(nil),
		logger:    zap.NewNop(),
		sleep:     sleepContext,
		now:       time.Now,
		jitter:    uniformDelay,
	}
	for _, o := range options {
		o(c)
	}
	return c
}

// Progress returns a snapshot of the current run.
func (c *Crawler) Progress() domain.Progress {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.progress
}

// Run processes urls in sitemap mode, or crawls from the base URL in crawl
// mode, where urls is ignored.
func (c *Crawler) Run(ctx context.Context, urls []string) (Summary, error) {
	if c.opts.Mode == domain.ModeCrawl {
		return c.RunCrawl(ctx)
	}
	return c.RunSitemap(ctx, urls)
}

// RunSitemap processes urls in order, capped at MaxPages, with a random
// delay between consecutive pages.
func (c *Crawler) RunSitemap(ctx context.Context, urls []string) (Summary, error) {
	r := c.begin(domain.ModeSitemap)
	if c.opts.MaxPages > 0 && len(urls) > c.opts.MaxPages {
		urls = urls[:c.opts.MaxPages]
	}

	var runErr error
	for i, u := range urls {
		c.reporter.Processing(i+1, len(urls), u)
		c.track(func(p *domain.Progress) {
			p.CurrentURL = u
			p.Queued = len(urls) - i - 1
		})
		if err := c.processPage(ctx, r, u, nil); err != nil {
			runErr = err
			break
		}
		if i < len(urls)-1 {
			delay := c.jitter(c.opts.MinDelay, c.opts.MaxDelay)
			c.reporter.Waiting(delay)
			if err := c.sleep(ctx, delay); err != nil {
				runErr = err
				break
			}
		}
	}
	return c.finish(ctx, r, runErr)
}

// RunCrawl walks same-host links breadth first from the base URL.
func (c *Crawler) RunCrawl(ctx context.Context) (Summary, error) {
	r := c.begin(domain.ModeCrawl)
	f, err := frontier.New(c.opts.BaseURL, c.opts.MaxPages)
	if err != nil {
		return Summary{}, fmt.Errorf("create frontier: %w", err)
	}
	f.Add(c.opts.BaseURL)

	var limiter *rate.Limiter
	if c.opts.CrawlDelay > 0 {
		limiter = rate.NewLimiter(rate.Every(c.opts.CrawlDelay), 1)
	}

	var runErr error
	for {
		u, ok := f.Next()
		if !ok {
			break
		}
		if limiter != nil {
			if err := limiter.Wait(ctx); err != nil {
				runErr = err
				break
			}
		}

		// Marking before processing keeps the page out of its own harvest
		// and makes it count against MaxPages while in flight.
		f.MarkVisited(u)
		stats := f.Stats()
		c.reporter.Processing(stats.Visited, stats.Total, u)
		c.metrics.FrontierQueued.Set(float64(stats.Queued))
		c.track(func(p *domain.Progress) {
			p.CurrentURL = u
			p.Queued = stats.Queued
			p.Visited = stats.Visited
		})

		harvest := func(links []string) int {
			added := 0
			for _, link := range links {
				if f.Add(link) {
					added++
				}
			}
			return added
		}
		if err := c.processPage(ctx, r, u, harvest); err != nil {
			runErr = err
			break
		}
	}
	c.metrics.FrontierQueued.Set(float64(f.Len()))
	return c.finish(ctx, r, runErr)
}

type run struct {
	id      string
	mode    domain.Mode
	started time.Time
	summary Summary
}

func (c *Crawler) begin(mode domain.Mode) *run {
	r := &run{id: uuid.NewString(), mode: mode, started: c.now()}
	r.summary.RunID = r.id
	c.mu.Lock()
	c.progress = domain.Progress{RunID: r.id, Mode: mode, StartedAt: r.started}
	c.mu.Unlock()
	c.logger.Info("run started",
		zap.String("run_id", r.id),
		zap.String("mode", string(mode)),
		zap.String("base_url", c.opts.BaseURL))
	return r
}

func (c *Crawler) finish(ctx context.Context, r *run, runErr error) (Summary, error) {
	r.summary.Duration = c.now().Sub(r.started)
	r.summary.Total = r.summary.Succeeded + r.summary.Failed
	r.summary.Images = c.images.Stats().Count
	c.track(func(p *domain.Progress) {
		p.CurrentURL = ""
		p.Done = true
	})

	if err := c.store.GenerateIndex(); err != nil {
		return r.summary, errors.Join(runErr, fmt.Errorf("generate index: %w", err))
	}

	// The ledger write must survive a cancelled run context.
	recordCtx := context.WithoutCancel(ctx)
	if err := c.recorder.RecordRun(recordCtx, domain.RunRecord{
		RunID:      r.id,
		Mode:       r.mode,
		BaseURL:    c.opts.BaseURL,
		Succeeded:  r.summary.Succeeded,
		Failed:     r.summary.Failed,
		Skipped:    r.summary.Skipped,
		StartedAt:  r.started,
		FinishedAt: c.now(),
	}); err != nil {
		c.logger.Warn("failed to record run", zap.String("run_id", r.id), zap.Error(err))
	}

	c.reporter.Summary(console.Summary{
		Succeeded:      r.summary.Succeeded,
		Failed:         r.summary.Failed,
		Skipped:        r.summary.Skipped,
		Images:         r.summary.Images,
		FailedURLsPath: c.store.FailedURLsPath(),
		Duration:       r.summary.Duration,
		OutputDir:      c.store.Dir(),
	})
	c.logger.Info("run finished",
		zap.String("run_id", r.id),
		zap.Int("succeeded", r.summary.Succeeded),
		zap.Int("failed", r.summary.Failed),
		zap.Int("skipped", r.summary.Skipped),
		zap.Duration("duration", r.summary.Duration))
	return r.summary, runErr
}

func (c *Crawler) track(update func(p *domain.Progress)) {
	c.mu.Lock()
	update(&c.progress)
	c.mu.Unlock()
}

type nopRecorder struct{}

func (nopRecorder) RecordPage(context.Context, domain.PageRecord) error { return nil }
func (nopRecorder) RecordRun(context.Context, domain.RunRecord) error   { return nil }

type allowAll struct{}

func (allowAll) Allowed(context.Context, string) bool { return true }

type noImages struct{}

func (noImages) Stats() images.Stats { return images.Stats{} }

func sleepContext(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-t.C:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func uniformDelay(lo, hi time.Duration) time.Duration {
	if hi <= lo {
		return lo
	}
	return lo + rand.N(hi-lo+1)
}
