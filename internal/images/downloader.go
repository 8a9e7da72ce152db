package images

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"os"
	"path"
	"path/filepath"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/user/docscraper/internal/monitoring"
	"github.com/user/docscraper/pkg/utils"
)

// Dir is the images subdirectory of the output tree.
const Dir = "images"

const (
	hashPrefixLen = 12
	defaultExt    = ".png"
	maxImageBytes = 20 << 20
)

var imageExtensions = []string{".png", ".jpg", ".jpeg", ".gif", ".svg", ".webp", ".ico", ".avif"}

var imagePathMarkers = []string{"/assets/", "/images/", "/img/"}

// FailureCache remembers recently failed downloads so they are not retried
// on every reference.
type FailureCache interface {
	RecentlyFailed(ctx context.Context, imageURL string) (bool, error)
	RememberFailure(ctx context.Context, imageURL string, ttl time.Duration) error
}

// Options tunes the downloader.
type Options struct {
	UserAgent  string
	Timeout    time.Duration
	FailureTTL time.Duration // 0 disables failure caching
	Client     *http.Client
	Failures   FailureCache
	Metrics    *monitoring.Metrics
}

// Stats describes what the downloader has stored.
type Stats struct {
	Count     int
	Directory string
}

// Downloader resolves image references, downloads them once per absolute
// URL and returns their path relative to the output directory. Not safe for
// concurrent use.
type Downloader struct {
	outputDir  string
	imagesDir  string
	client     *http.Client
	userAgent  string
	failureTTL time.Duration
	failures   FailureCache
	metrics    *monitoring.Metrics
	logger     *zap.Logger

	downloaded map[string]string
}

// NewDownloader creates the images directory under outputDir.
func NewDownloader(outputDir string, opts Options, logger *zap.Logger) (*Downloader, error) {
	imagesDir := filepath.Join(outputDir, Dir)
	if err := os.MkdirAll(imagesDir, 0o755); err != nil {
		return nil, fmt.Errorf("create images directory: %w", err)
	}
	if opts.Timeout <= 0 {
		opts.Timeout = 10 * time.Second
	}
	client := opts.Client
	if client == nil {
		client = &http.Client{Timeout: opts.Timeout}
	}
	failures := opts.Failures
	if failures == nil {
		failures = NewMemoryFailureCache()
	}
	metrics := opts.Metrics
	if metrics == nil {
		metrics = monitoring.NewMetrics(nil)
	}
	return &Downloader{
		outputDir:  outputDir,
		imagesDir:  imagesDir,
		client:     client,
		userAgent:  opts.UserAgent,
		failureTTL: opts.FailureTTL,
		failures:   failures,
		metrics:    metrics,
		logger:     logger,
		downloaded: make(map[string]string),
	}, nil
}

// Resolve makes imageRef absolute against pageURL and returns the local path
// of the downloaded image. ok is false when the reference does not look like
// an image or the download failed; neither is fatal to the caller.
func (d *Downloader) Resolve(ctx context.Context, imageRef, pageURL string) (string, bool) {
	absolute := makeAbsolute(imageRef, pageURL)

	if local, ok := d.downloaded[absolute]; ok {
		d.metrics.IncImages("cached")
		return local, true
	}
	if !looksLikeImage(absolute) {
		d.metrics.IncImages("skipped")
		return "", false
	}
	if d.failureTTL > 0 {
		failed, err := d.failures.RecentlyFailed(ctx, absolute)
		if err != nil {
			d.logger.Warn("failure cache lookup failed", zap.String("url", absolute), zap.Error(err))
		}
		if failed {
			d.metrics.IncImages("skipped")
			return "", false
		}
	}

	data, err := d.fetch(ctx, absolute)
	if err != nil {
		d.logger.Warn("failed to download image", zap.String("url", absolute), zap.Error(err))
		d.metrics.IncImages("failed")
		d.rememberFailure(ctx, absolute)
		return "", false
	}

	local := path.Join(Dir, Filename(absolute))
	if err := os.WriteFile(filepath.Join(d.outputDir, filepath.FromSlash(local)), data, 0o644); err != nil {
		d.logger.Warn("failed to write image", zap.String("url", absolute), zap.Error(err))
		d.metrics.IncImages("failed")
		return "", false
	}

	d.downloaded[absolute] = local
	d.metrics.IncImages("downloaded")
	d.logger.Debug("image downloaded", zap.String("url", absolute), zap.String("path", local))
	return local, true
}

func (d *Downloader) Stats() Stats {
	return Stats{Count: len(d.downloaded), Directory: d.imagesDir}
}

func (d *Downloader) fetch(ctx context.Context, imageURL string) ([]byte, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, imageURL, nil)
	if err != nil {
		return nil, fmt.Errorf("build request: %w", err)
	}
	if d.userAgent != "" {
		req.Header.Set("User-Agent", d.userAgent)
	}

	resp, err := d.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("http get: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("unexpected status %d", resp.StatusCode)
	}
	data, err := io.ReadAll(io.LimitReader(resp.Body, maxImageBytes+1))
	if err != nil {
		return nil, fmt.Errorf("read body: %w", err)
	}
	if len(data) > maxImageBytes {
		return nil, fmt.Errorf("image exceeds %d bytes", maxImageBytes)
	}
	return data, nil
}

func (d *Downloader) rememberFailure(ctx context.Context, imageURL string) {
	if d.failureTTL <= 0 {
		return
	}
	if err := d.failures.RememberFailure(ctx, imageURL, d.failureTTL); err != nil {
		d.logger.Warn("failed to cache image failure", zap.String("url", imageURL), zap.Error(err))
	}
}

// Filename derives a collision resistant local name for imageURL: the first
// twelve hex characters of its SHA-256 followed by the original basename.
func Filename(imageURL string) string {
	hash := utils.HashURL(imageURL)[:hashPrefixLen]

	name := ""
	if u, err := url.Parse(imageURL); err == nil {
		name = path.Base(u.Path)
	}
	if name == "." || name == "/" {
		name = ""
	}

	ext := path.Ext(name)
	if ext == "" {
		ext = defaultExt
	}
	stem := strings.TrimSuffix(name, path.Ext(name))
	if stem == "" {
		return hash + ext
	}
	return hash + "-" + stem + ext
}

func makeAbsolute(ref, pageURL string) string {
	if utils.IsAbsoluteHTTP(ref) {
		return ref
	}
	base, err := url.Parse(pageURL)
	if err != nil {
		return ref
	}
	abs, err := utils.ToAbsoluteURL(base, ref)
	if err != nil {
		return ref
	}
	return abs
}

func looksLikeImage(imageURL string) bool {
	u, err := url.Parse(imageURL)
	if err != nil {
		return false
	}
	p := strings.ToLower(u.Path)
	for _, ext := range imageExtensions {
		if strings.HasSuffix(p, ext) {
			return true
		}
	}
	for _, marker := range imagePathMarkers {
		if strings.Contains(p, marker) {
			return true
		}
	}
	return false
}
