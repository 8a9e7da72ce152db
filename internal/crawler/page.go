package crawler

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/user/docscraper/internal/domain"
	"github.com/user/docscraper/internal/extractor"
)

// exhaustedError marks a transient failure that outlived every retry.
type exhaustedError struct {
	attempts int
	err      error
}

func (e *exhaustedError) Error() string {
	return fmt.Sprintf("failed after %d retries: %v", e.attempts, e.err)
}

func (e *exhaustedError) Unwrap() error { return e.err }

// processPage runs one URL to a terminal state. Page failures are recorded
// and swallowed; only cancellation of ctx is returned. harvest is nil in
// sitemap mode.
func (c *Crawler) processPage(ctx context.Context, r *run, pageURL string, harvest func([]string) int) error {
	logger := c.logger.With(zap.String("run_id", r.id), zap.String("url", pageURL))

	if !c.gate.Allowed(ctx, pageURL) {
		c.reporter.Skipped(pageURL, "disallowed by robots.txt")
		logger.Info("page skipped")
		r.summary.Skipped++
		c.metrics.IncPages(string(domain.StatusSkipped))
		c.record(ctx, r, domain.PageRecord{URL: pageURL, Status: domain.StatusSkipped, FailReason: "robots.txt"})
		c.track(func(p *domain.Progress) { p.Processed++; p.Skipped++ })
		return nil
	}

	path, newLinks, err := c.pipeline(ctx, pageURL, harvest)
	if err != nil {
		if ctxErr := ctx.Err(); ctxErr != nil {
			logger.Info("run cancelled", zap.Error(ctxErr))
			return ctxErr
		}
		c.fail(ctx, r, logger, pageURL, err)
		return nil
	}

	c.reporter.Saved(newLinks)
	logger.Debug("page saved", zap.String("path", path), zap.Int("new_links", newLinks))
	r.summary.Succeeded++
	c.metrics.IncPages(string(domain.StatusSucceeded))
	c.record(ctx, r, domain.PageRecord{URL: pageURL, Path: path, Status: domain.StatusSucceeded})
	c.track(func(p *domain.Progress) { p.Processed++; p.Succeeded++ })
	return nil
}

// pipeline fetches, extracts, converts and saves one page. newLinks is -1
// when harvest is nil.
func (c *Crawler) pipeline(ctx context.Context, pageURL string, harvest func([]string) int) (string, int, error) {
	html, err := c.fetch(ctx, pageURL)
	if err != nil {
		return "", 0, err
	}

	doc, err := extractor.Parse(html)
	if err != nil {
		return "", 0, err
	}
	content, err := extractor.ExtractContent(doc)
	if err != nil {
		return "", 0, err
	}
	if !extractor.ValidateContent(content) {
		c.reporter.Warn("Warning: Content validation failed, saving anyway")
		c.metrics.ValidationWarnings.Inc()
	}

	converted, err := c.converter.Convert(ctx, content, pageURL, c.now())
	if err != nil {
		return "", 0, fmt.Errorf("convert: %w", err)
	}
	path, err := c.store.SavePage(pageURL, converted.String())
	if err != nil {
		return "", 0, err
	}

	newLinks := -1
	if harvest != nil {
		newLinks = harvest(extractor.ExtractLinks(doc, pageURL))
	}
	return path, newLinks, nil
}

// fetch asks the browser for pageURL, retrying transient failures with
// exponential backoff.
func (c *Crawler) fetch(ctx context.Context, pageURL string) (string, error) {
	for attempt := 1; ; attempt++ {
		start := c.now()
		html, err := c.fetcher.NavigateAndWait(ctx, pageURL, c.opts.WaitSelector)
		c.metrics.FetchDuration.Observe(c.now().Sub(start).Seconds())
		if err == nil {
			return html, nil
		}
		if ctx.Err() != nil || !domain.IsTransient(err) {
			return "", err
		}
		if attempt > c.opts.MaxRetries {
			return "", &exhaustedError{attempts: c.opts.MaxRetries, err: err}
		}

		wait := c.backoff(attempt)
		c.reporter.Retry(attempt, c.opts.MaxRetries, wait)
		c.metrics.RetriesTotal.Inc()
		c.logger.Debug("retrying fetch",
			zap.String("url", pageURL),
			zap.Int("attempt", attempt),
			zap.Duration("wait", wait),
			zap.Error(err))
		if err := c.sleep(ctx, wait); err != nil {
			return "", err
		}
	}
}

// backoff returns RetryBaseDelay doubled for every earlier attempt.
func (c *Crawler) backoff(attempt int) time.Duration {
	return c.opts.RetryBaseDelay << (attempt - 1)
}

func (c *Crawler) fail(ctx context.Context, r *run, logger *zap.Logger, pageURL string, err error) {
	cause := err
	var exhausted *exhaustedError
	if errors.As(err, &exhausted) {
		c.reporter.GaveUp(exhausted.attempts, exhausted.err)
		cause = exhausted.err
	} else {
		c.reporter.Error(err)
	}
	description := domain.Describe(cause)
	logger.Warn("page failed", zap.String("reason", description))

	if err := c.store.SaveFailedURL(pageURL, description); err != nil {
		logger.Error("failed to write failure log", zap.Error(err))
	}
	r.summary.Failed++
	c.metrics.IncPages(string(domain.StatusFailed))
	c.record(ctx, r, domain.PageRecord{URL: pageURL, Status: domain.StatusFailed, FailReason: description})
	c.track(func(p *domain.Progress) { p.Processed++; p.Failed++ })
}

func (c *Crawler) record(ctx context.Context, r *run, rec domain.PageRecord) {
	rec.RunID = r.id
	rec.CrawledAt = c.now()
	if err := c.recorder.RecordPage(ctx, rec); err != nil {
		c.logger.Warn("failed to record page", zap.String("url", rec.URL), zap.Error(err))
	}
}
