package browser

import (
	"context"
	_ "embed"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/chromedp/cdproto/emulation"
	"github.com/chromedp/cdproto/network"
	"github.com/chromedp/cdproto/page"
	"github.com/chromedp/chromedp"
	"go.uber.org/zap"

	"github.com/user/docscraper/internal/domain"
)

//go:embed stealth.js
var stealthScript string

// DefaultWaitSelector is the content that signals a rendered page.
const DefaultWaitSelector = "main, article, .content, body"

var extraHeaders = network.Headers{
	"Accept":                    "text/html,application/xhtml+xml,application/xml;q=0.9,image/avif,image/webp,image/apng,*/*;q=0.8",
	"Accept-Language":           "en-US,en;q=0.9,sv;q=0.8",
	"DNT":                       "1",
	"Upgrade-Insecure-Requests": "1",
	"Sec-Fetch-Dest":            "document",
	"Sec-Fetch-Mode":            "navigate",
	"Sec-Fetch-Site":            "none",
	"Sec-Fetch-User":            "?1",
	"Cache-Control":             "max-age=0",
}

// Options configures the headless browser.
type Options struct {
	Headless          bool
	UserAgent         string
	ProxyServer       string
	Timezone          string
	NavigationTimeout time.Duration
	SelectorTimeout   time.Duration
	FallbackWait      time.Duration
	FallbackTimeout   time.Duration
}

func (o *Options) withDefaults() {
	if o.NavigationTimeout <= 0 {
		o.NavigationTimeout = 30 * time.Second
	}
	if o.SelectorTimeout <= 0 {
		o.SelectorTimeout = 15 * time.Second
	}
	if o.FallbackWait < 0 {
		o.FallbackWait = 0
	}
	if o.FallbackTimeout <= 0 {
		o.FallbackTimeout = 5 * time.Second
	}
	if o.Timezone == "" {
		o.Timezone = "Europe/Stockholm"
	}
}

// Browser is a single long-lived Chrome tab driven through chromedp.
type Browser struct {
	opts   Options
	logger *zap.Logger

	ctx         context.Context
	cancel      context.CancelFunc
	allocCancel context.CancelFunc
	closeOnce   sync.Once
}

// New launches Chrome and prepares the tab. It fails when the browser
// cannot be started, which is fatal for a run.
func New(ctx context.Context, opts Options, logger *zap.Logger) (*Browser, error) {
	opts.withDefaults()

	allocOpts := append(chromedp.DefaultExecAllocatorOptions[:],
		chromedp.Flag("headless", opts.Headless),
		chromedp.Flag("disable-gpu", true),
		chromedp.Flag("no-sandbox", true),
		chromedp.Flag("disable-dev-shm-usage", true),
		chromedp.Flag("disable-blink-features", "AutomationControlled"),
		chromedp.WindowSize(1920, 1080),
	)
	if opts.UserAgent != "" {
		allocOpts = append(allocOpts, chromedp.UserAgent(opts.UserAgent))
	}
	if opts.ProxyServer != "" {
		allocOpts = append(allocOpts, chromedp.ProxyServer(opts.ProxyServer))
	}

	allocCtx, allocCancel := chromedp.NewExecAllocator(ctx, allocOpts...)
	tabCtx, cancel := chromedp.NewContext(allocCtx, chromedp.WithLogf(logger.Sugar().Debugf))

	b := &Browser{
		opts:        opts,
		logger:      logger,
		ctx:         tabCtx,
		cancel:      cancel,
		allocCancel: allocCancel,
	}

	if err := chromedp.Run(tabCtx, b.prepare()...); err != nil {
		b.Close()
		return nil, fmt.Errorf("start browser: %w", err)
	}
	logger.Info("browser started",
		zap.Bool("headless", opts.Headless),
		zap.String("user_agent", opts.UserAgent),
		zap.Bool("proxy", opts.ProxyServer != ""))
	return b, nil
}

func (b *Browser) prepare() []chromedp.Action {
	return []chromedp.Action{
		network.Enable(),
		network.SetExtraHTTPHeaders(extraHeaders),
		emulation.SetTimezoneOverride(b.opts.Timezone),
		chromedp.ActionFunc(func(ctx context.Context) error {
			_, err := page.AddScriptToEvaluateOnNewDocument(stealthScript).Do(ctx)
			return err
		}),
	}
}

// NavigateAndWait loads url, waits until selector is visible and returns the
// rendered document. When selector does not show up in time it waits a
// little longer for the body alone.
func (b *Browser) NavigateAndWait(ctx context.Context, url, selector string) (string, error) {
	if selector == "" {
		selector = DefaultWaitSelector
	}
	logger := b.logger.With(zap.String("url", url))

	if err := b.run(ctx, b.opts.NavigationTimeout, chromedp.Navigate(url)); err != nil {
		return "", classify(ctx, url, err)
	}

	err := b.run(ctx, b.opts.SelectorTimeout, chromedp.WaitVisible(selector, chromedp.ByQuery))
	if err != nil {
		if !errors.Is(err, context.DeadlineExceeded) {
			return "", classify(ctx, url, err)
		}
		logger.Debug("content selector not visible, falling back to body", zap.String("selector", selector))
		if err := sleep(ctx, b.opts.FallbackWait); err != nil {
			return "", err
		}
		if err := b.run(ctx, b.opts.FallbackTimeout, chromedp.WaitVisible("body", chromedp.ByQuery)); err != nil {
			return "", classify(ctx, url, err)
		}
	}

	var html string
	if err := b.run(ctx, b.opts.SelectorTimeout, chromedp.OuterHTML("html", &html, chromedp.ByQuery)); err != nil {
		return "", classify(ctx, url, err)
	}
	logger.Debug("page rendered", zap.Int("html_bytes", len(html)))
	return html, nil
}

// Close shuts the browser down. It is safe to call more than once.
func (b *Browser) Close() error {
	var err error
	b.closeOnce.Do(func() {
		err = chromedp.Cancel(b.ctx)
		b.cancel()
		b.allocCancel()
	})
	if err != nil && !errors.Is(err, context.Canceled) {
		return fmt.Errorf("close browser: %w", err)
	}
	return nil
}

// run executes actions on the tab bounded by timeout and by the caller's ctx.
func (b *Browser) run(ctx context.Context, timeout time.Duration, actions ...chromedp.Action) error {
	runCtx, cancel := context.WithTimeout(b.ctx, timeout)
	defer cancel()
	stop := context.AfterFunc(ctx, cancel)
	defer stop()
	return chromedp.Run(runCtx, actions...)
}

// classify maps a chromedp failure onto the fetch error kinds. A cancelled
// caller context is returned unchanged so the run can stop.
func classify(ctx context.Context, url string, err error) error {
	if ctxErr := ctx.Err(); ctxErr != nil {
		return ctxErr
	}
	if errors.Is(err, context.DeadlineExceeded) || strings.Contains(strings.ToLower(err.Error()), "timeout") {
		return domain.NewTimeout(url, err)
	}
	return domain.NewFetchError(url, err)
}

func sleep(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return nil
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
