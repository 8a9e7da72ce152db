package console

import (
	"fmt"
	"io"
	"os"
	"strings"
	"sync"
	"time"

	"github.com/fatih/color"
)

var (
	colorSuccess = color.New(color.FgGreen).SprintFunc()
	colorWarn    = color.New(color.FgYellow).SprintFunc()
	colorError   = color.New(color.FgRed).SprintFunc()
	colorInfo    = color.New(color.FgCyan).SprintFunc()
	colorDim     = color.New(color.Faint).SprintFunc()
	colorBold    = color.New(color.Bold).SprintFunc()
)

const (
	prefixSaved   = "✓"
	prefixWarn    = "⚠"
	prefixError   = "✗"
	prefixWaiting = "⏱"

	rule = 60
)

// RunInfo is printed once at the start of a run.
type RunInfo struct {
	BaseURL   string
	OutputDir string
	Headless  bool
	MaxPages  int
	Mode      string
}

// Summary is printed once at the end of a run.
type Summary struct {
	Succeeded      int
	Failed         int
	Skipped        int
	Images         int
	FailedURLsPath string
	Duration       time.Duration
	OutputDir      string
}

// Reporter writes the human-readable progress lines of a run.
type Reporter struct {
	mu  sync.Mutex
	out io.Writer
}

func NewReporter(out io.Writer) *Reporter {
	if out == nil {
		out = os.Stdout
	}
	return &Reporter{out: out}
}

func (r *Reporter) printf(format string, args ...any) {
	r.mu.Lock()
	defer r.mu.Unlock()
	fmt.Fprintf(r.out, format, args...)
}

func (r *Reporter) Banner(info RunInfo) {
	maxPages := "unlimited"
	if info.MaxPages > 0 {
		maxPages = fmt.Sprint(info.MaxPages)
	}
	browserMode := "headed"
	if info.Headless {
		browserMode = "headless"
	}
	r.printf("%s\n", colorBold("Starting documentation scraper..."))
	r.printf("Base URL: %s\n", info.BaseURL)
	r.printf("Output: %s\n", info.OutputDir)
	r.printf("Mode: %s\n", browserMode)
	r.printf("Max pages: %s\n", maxPages)
	r.printf("Strategy: %s\n\n", info.Mode)
}

func (r *Reporter) FetchingSitemap(url string) {
	r.printf("Fetching sitemap from %s...\n", url)
}

func (r *Reporter) SitemapLoaded(n int) {
	r.printf("Found %d URLs in sitemap\n\n", n)
}

func (r *Reporter) Processing(current, total int, url string) {
	r.printf("%s Processing: %s\n", colorInfo(fmt.Sprintf("[%d/%d]", current, total)), url)
}

// Saved reports a stored page. newLinks < 0 means links were not harvested.
func (r *Reporter) Saved(newLinks int) {
	if newLinks < 0 {
		r.printf("  %s Saved\n", colorSuccess(prefixSaved))
		return
	}
	r.printf("  %s Saved (found %d new links)\n", colorSuccess(prefixSaved), newLinks)
}

func (r *Reporter) Skipped(url, reason string) {
	r.printf("  %s Skipped %s: %s\n", colorWarn(prefixWarn), colorDim(url), reason)
}

func (r *Reporter) Warn(format string, args ...any) {
	r.printf("  %s  %s\n", colorWarn(prefixWarn), fmt.Sprintf(format, args...))
}

func (r *Reporter) Retry(attempt, max int, wait time.Duration) {
	r.printf("  %s  Retry %d/%d after %s...\n", colorWarn(prefixWarn), attempt, max, formatSeconds(wait))
}

func (r *Reporter) GaveUp(max int, err error) {
	r.printf("  %s Failed after %d retries: %v\n", colorError(prefixError), max, err)
}

func (r *Reporter) Error(err error) {
	r.printf("  %s Error: %v\n", colorError(prefixError), err)
}

func (r *Reporter) Waiting(d time.Duration) {
	r.printf("  %s  Waiting %s before next request...\n", colorDim(prefixWaiting), formatSeconds(d))
}

func (r *Reporter) Summary(s Summary) {
	line := strings.Repeat("=", rule)
	minutes := int(s.Duration / time.Minute)
	seconds := int((s.Duration % time.Minute) / time.Second)

	r.printf("\n%s\n%s\n%s\n", line, colorBold("Download Complete!"), line)
	r.printf("Total pages: %d\n", s.Succeeded+s.Failed)
	r.printf("Successful: %s\n", colorSuccess(s.Succeeded))
	r.printf("Failed: %s\n", colorError(s.Failed))
	if s.Failed > 0 {
		r.printf("  (see %s)\n", s.FailedURLsPath)
	}
	if s.Skipped > 0 {
		r.printf("Skipped: %s\n", colorWarn(s.Skipped))
	}
	r.printf("Images: %d\n", s.Images)
	r.printf("Duration: %dm %ds\n", minutes, seconds)
	r.printf("Output: %s\n", s.OutputDir)
	r.printf("%s\n", line)
}

func formatSeconds(d time.Duration) string {
	if d%time.Second == 0 {
		return fmt.Sprintf("%ds", int(d/time.Second))
	}
	return fmt.Sprintf("%.1fs", d.Seconds())
}
