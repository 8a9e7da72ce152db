package crawler

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/fatih/color"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/user/docscraper/internal/console"
	"github.com/user/docscraper/internal/domain"
	"github.com/user/docscraper/internal/markdown"
	"github.com/user/docscraper/internal/output"
)

const base = "https://docs.example.com/"

type fakeFetcher struct {
	mu     sync.Mutex
	calls  []string
	counts map[string]int
	fn     func(url string, attempt int) (string, error)
}

func newFakeFetcher(fn func(url string, attempt int) (string, error)) *fakeFetcher {
	return &fakeFetcher{counts: make(map[string]int), fn: fn}
}

func (f *fakeFetcher) NavigateAndWait(_ context.Context, url, _ string) (string, error) {
	f.mu.Lock()
	f.calls = append(f.calls, url)
	f.counts[url]++
	n := f.counts[url]
	f.mu.Unlock()
	return f.fn(url, n)
}

type fakeRecorder struct {
	pages []domain.PageRecord
	runs  []domain.RunRecord
}

func (r *fakeRecorder) RecordPage(_ context.Context, rec domain.PageRecord) error {
	r.pages = append(r.pages, rec)
	return nil
}

func (r *fakeRecorder) RecordRun(_ context.Context, rec domain.RunRecord) error {
	r.runs = append(r.runs, rec)
	return nil
}

type denyGate map[string]bool

func (d denyGate) Allowed(_ context.Context, url string) bool { return !d[url] }

func page(title string, links ...string) string {
	var b strings.Builder
	b.WriteString("<html><body><nav><a href=\"#menu\">Nav</a></nav><main>")
	fmt.Fprintf(&b, "<h1>%s</h1><p>%s</p>", title, strings.Repeat("Documentation body text. ", 8))
	for _, l := range links {
		fmt.Fprintf(&b, "<a href=%q>link</a>", l)
	}
	b.WriteString("</main></body></html>")
	return b.String()
}

type harness struct {
	crawler  *Crawler
	store    *output.Organizer
	recorder *fakeRecorder
	out      *bytes.Buffer
	sleeps   []time.Duration
	dir      string
}

func newHarness(t *testing.T, opts Options, fetcher Fetcher, extra ...Option) *harness {
	t.Helper()
	prev := color.NoColor
	color.NoColor = true
	t.Cleanup(func() { color.NoColor = prev })

	dir := t.TempDir()
	store, err := output.NewOrganizer(dir, "Docs", zap.NewNop())
	require.NoError(t, err)

	if opts.BaseURL == "" {
		opts.BaseURL = base
	}
	if opts.RetryBaseDelay == 0 {
		opts.RetryBaseDelay = time.Second
	}

	h := &harness{store: store, recorder: &fakeRecorder{}, out: &bytes.Buffer{}, dir: dir}
	options := append([]Option{
		WithRecorder(h.recorder),
		WithReporter(console.NewReporter(h.out)),
	}, extra...)
	h.crawler = New(opts, fetcher, markdown.NewConverter(), store, options...)
	h.crawler.sleep = func(ctx context.Context, d time.Duration) error {
		h.sleeps = append(h.sleeps, d)
		return ctx.Err()
	}
	h.crawler.jitter = func(lo, _ time.Duration) time.Duration { return lo }
	return h
}

func (h *harness) failureLog(t *testing.T) string {
	t.Helper()
	data, err := os.ReadFile(filepath.Join(h.dir, output.FailedURLsFile))
	if errors.Is(err, os.ErrNotExist) {
		return ""
	}
	require.NoError(t, err)
	return string(data)
}

func TestSitemapModeSavesPagesWithDelayBetween(t *testing.T) {
	fetcher := newFakeFetcher(func(url string, _ int) (string, error) {
		return page("Title of " + url), nil
	})
	h := newHarness(t, Options{Mode: domain.ModeSitemap, MaxRetries: 3, MinDelay: 2 * time.Second, MaxDelay: 5 * time.Second}, fetcher)

	urls := []string{base + "guide/start", base + "api/auth", base + "faq"}
	sum, err := h.crawler.Run(context.Background(), urls)
	require.NoError(t, err)

	assert.Equal(t, 3, sum.Succeeded)
	assert.Equal(t, 3, sum.Total)
	assert.Zero(t, sum.Failed)
	assert.Equal(t, urls, fetcher.calls)
	assert.Equal(t, []time.Duration{2 * time.Second, 2 * time.Second}, h.sleeps)

	data, err := os.ReadFile(filepath.Join(h.dir, "guide", "start.md"))
	require.NoError(t, err)
	assert.Contains(t, string(data), "source: "+base+"guide/start")
	assert.Contains(t, string(data), "# Title of")
	assert.NotContains(t, string(data), "Nav")

	index, err := os.ReadFile(filepath.Join(h.dir, output.IndexFile))
	require.NoError(t, err)
	assert.Contains(t, string(index), "Total pages: 3")

	out := h.out.String()
	assert.Contains(t, out, "[1/3] Processing: "+base+"guide/start")
	assert.Contains(t, out, "✓ Saved\n")
	assert.Contains(t, out, "Waiting 2s before next request...")
	assert.Contains(t, out, "Successful: 3")
}

func TestSitemapModeHonoursMaxPages(t *testing.T) {
	fetcher := newFakeFetcher(func(url string, _ int) (string, error) { return page("T"), nil })
	h := newHarness(t, Options{Mode: domain.ModeSitemap, MaxPages: 2}, fetcher)

	sum, err := h.crawler.Run(context.Background(), []string{base + "a", base + "b", base + "c"})
	require.NoError(t, err)
	assert.Equal(t, 2, sum.Succeeded)
	assert.Equal(t, []string{base + "a", base + "b"}, fetcher.calls)
}

func TestTransientFailureRetriesThenFailsAndRunContinues(t *testing.T) {
	bad := base + "flaky"
	fetcher := newFakeFetcher(func(url string, _ int) (string, error) {
		if url == bad {
			return "", domain.NewTimeout(url, errors.New("navigation deadline exceeded"))
		}
		return page("Good"), nil
	})
	h := newHarness(t, Options{Mode: domain.ModeSitemap, MaxRetries: 3, MinDelay: 3 * time.Second}, fetcher)

	sum, err := h.crawler.Run(context.Background(), []string{bad, base + "good"})
	require.NoError(t, err)

	assert.Equal(t, 4, fetcher.counts[bad])
	assert.Equal(t, 1, fetcher.counts[base+"good"])
	assert.Equal(t, []time.Duration{time.Second, 2 * time.Second, 4 * time.Second, 3 * time.Second}, h.sleeps)
	assert.Equal(t, 1, sum.Failed)
	assert.Equal(t, 1, sum.Succeeded)

	assert.Equal(t, bad+" - FetchTimeout: navigation deadline exceeded\n", h.failureLog(t))
	out := h.out.String()
	assert.Contains(t, out, "Retry 1/3 after 1s...")
	assert.Contains(t, out, "Retry 3/3 after 4s...")
	assert.Contains(t, out, "Failed after 3 retries: ")
	assert.Contains(t, out, "(see "+filepath.Join(h.dir, output.FailedURLsFile)+")")
}

func TestTransientFailureRecovers(t *testing.T) {
	fetcher := newFakeFetcher(func(url string, attempt int) (string, error) {
		if attempt <= 2 {
			return "", domain.NewFetchError(url, errors.New("net::ERR_CONNECTION_RESET"))
		}
		return page("Recovered"), nil
	})
	h := newHarness(t, Options{Mode: domain.ModeSitemap, MaxRetries: 3}, fetcher)

	sum, err := h.crawler.Run(context.Background(), []string{base + "x"})
	require.NoError(t, err)
	assert.Equal(t, 1, sum.Succeeded)
	assert.Equal(t, []time.Duration{time.Second, 2 * time.Second}, h.sleeps)
	assert.Empty(t, h.failureLog(t))
}

func TestNonTransientFailureIsNotRetried(t *testing.T) {
	fetcher := newFakeFetcher(func(url string, _ int) (string, error) {
		return "", errors.New("renderer crashed")
	})
	h := newHarness(t, Options{Mode: domain.ModeSitemap, MaxRetries: 3}, fetcher)

	sum, err := h.crawler.Run(context.Background(), []string{base + "x"})
	require.NoError(t, err)
	assert.Equal(t, 1, fetcher.counts[base+"x"])
	assert.Empty(t, h.sleeps)
	assert.Equal(t, 1, sum.Failed)
	assert.Equal(t, base+"x - renderer crashed\n", h.failureLog(t))
	assert.Contains(t, h.out.String(), "✗ Error: renderer crashed")
}

func TestCrawlModeFollowsSameHostLinksBreadthFirst(t *testing.T) {
	pages := map[string]string{
		base:                page("Home", "/guide", "/api", "https://elsewhere.test/x", "/logo.png", "#top"),
		base + "guide":      page("Guide", "/", "/guide/deep", "/api"),
		base + "api":        page("API", "/guide"),
		base + "guide/deep": page("Deep"),
	}
	fetcher := newFakeFetcher(func(url string, _ int) (string, error) {
		html, ok := pages[url]
		if !ok {
			return "", errors.New("unexpected url " + url)
		}
		return html, nil
	})
	h := newHarness(t, Options{Mode: domain.ModeCrawl, MaxRetries: 3}, fetcher)

	sum, err := h.crawler.Run(context.Background(), nil)
	require.NoError(t, err)

	assert.Equal(t, []string{base, base + "guide", base + "api", base + "guide/deep"}, fetcher.calls)
	assert.Equal(t, 4, sum.Succeeded)
	assert.Empty(t, h.sleeps)
	assert.FileExists(t, filepath.Join(h.dir, "index.md"))
	assert.FileExists(t, filepath.Join(h.dir, "guide", "deep.md"))
	assert.Contains(t, h.out.String(), "✓ Saved (found 2 new links)")
}

func TestCrawlModeMarksFailedPagesVisited(t *testing.T) {
	fetcher := newFakeFetcher(func(url string, _ int) (string, error) {
		switch url {
		case base:
			return page("Home", "/broken", "/ok"), nil
		case base + "ok":
			return page("OK", "/broken"), nil
		default:
			return "", domain.NewFetchError(url, errors.New("boom"))
		}
	})
	h := newHarness(t, Options{Mode: domain.ModeCrawl, MaxRetries: 1}, fetcher)

	sum, err := h.crawler.Run(context.Background(), nil)
	require.NoError(t, err)
	assert.Equal(t, 2, fetcher.counts[base+"broken"])
	assert.Equal(t, 2, sum.Succeeded)
	assert.Equal(t, 1, sum.Failed)
}

func TestCrawlModeRespectsMaxPages(t *testing.T) {
	fetcher := newFakeFetcher(func(url string, _ int) (string, error) {
		return page("P", "/a", "/b", "/c"), nil
	})
	h := newHarness(t, Options{Mode: domain.ModeCrawl, MaxPages: 2}, fetcher)

	sum, err := h.crawler.Run(context.Background(), nil)
	require.NoError(t, err)
	assert.Equal(t, 2, sum.Succeeded)
	assert.Equal(t, []string{base, base + "a"}, fetcher.calls)
}

func TestGateSkipsDisallowedPages(t *testing.T) {
	fetcher := newFakeFetcher(func(url string, _ int) (string, error) { return page("P"), nil })
	h := newHarness(t, Options{Mode: domain.ModeSitemap}, fetcher, WithGate(denyGate{base + "private": true}))

	sum, err := h.crawler.Run(context.Background(), []string{base + "private", base + "public"})
	require.NoError(t, err)
	assert.Equal(t, []string{base + "public"}, fetcher.calls)
	assert.Equal(t, 1, sum.Skipped)
	assert.Equal(t, 1, sum.Succeeded)
	assert.Equal(t, 1, sum.Total)
	assert.Empty(t, h.failureLog(t))
	assert.Contains(t, h.out.String(), "Skipped: 1\n")
	assert.Contains(t, h.out.String(), "Images: 0\n")
}

func TestRecorderAndProgress(t *testing.T) {
	fetcher := newFakeFetcher(func(url string, _ int) (string, error) {
		if strings.HasSuffix(url, "bad") {
			return "", errors.New("nope")
		}
		return page("P"), nil
	})
	h := newHarness(t, Options{Mode: domain.ModeSitemap}, fetcher)

	sum, err := h.crawler.Run(context.Background(), []string{base + "good", base + "bad"})
	require.NoError(t, err)

	require.Len(t, h.recorder.pages, 2)
	assert.Equal(t, domain.StatusSucceeded, h.recorder.pages[0].Status)
	assert.Equal(t, "good.md", h.recorder.pages[0].Path)
	assert.Equal(t, domain.StatusFailed, h.recorder.pages[1].Status)
	assert.Equal(t, "nope", h.recorder.pages[1].FailReason)
	assert.Equal(t, sum.RunID, h.recorder.pages[0].RunID)

	require.Len(t, h.recorder.runs, 1)
	assert.Equal(t, 1, h.recorder.runs[0].Succeeded)
	assert.Equal(t, 1, h.recorder.runs[0].Failed)

	p := h.crawler.Progress()
	assert.True(t, p.Done)
	assert.Equal(t, 2, p.Processed)
	assert.Equal(t, sum.RunID, p.RunID)
}

func TestCancelledRunStillWritesIndex(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	fetcher := newFakeFetcher(func(url string, _ int) (string, error) {
		cancel()
		return page("P"), nil
	})
	h := newHarness(t, Options{Mode: domain.ModeSitemap}, fetcher)

	sum, err := h.crawler.Run(ctx, []string{base + "a", base + "b"})
	assert.ErrorIs(t, err, context.Canceled)
	assert.Equal(t, 1, sum.Succeeded)
	assert.Equal(t, []string{base + "a"}, fetcher.calls)
	assert.FileExists(t, filepath.Join(h.dir, output.IndexFile))
}

func TestBackoffDoubles(t *testing.T) {
	c := New(Options{RetryBaseDelay: time.Second}, nil, nil, nil)
	assert.Equal(t, time.Second, c.backoff(1))
	assert.Equal(t, 2*time.Second, c.backoff(2))
	assert.Equal(t, 4*time.Second, c.backoff(3))
}

func TestUniformDelayStaysInRange(t *testing.T) {
	for range 100 {
		d := uniformDelay(2*time.Second, 5*time.Second)
		assert.GreaterOrEqual(t, d, 2*time.Second)
		assert.LessOrEqual(t, d, 5*time.Second)
	}
	assert.Equal(t, time.Second, uniformDelay(time.Second, time.Second))
}
