package images

import (
	"context"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"sync/atomic"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/user/docscraper/internal/monitoring"
)

type imageServer struct {
	*httptest.Server
	hits map[string]*atomic.Int32
}

func newImageServer(t *testing.T) *imageServer {
	t.Helper()
	s := &imageServer{hits: map[string]*atomic.Int32{}}
	for _, p := range []string{"/assets/logo.png", "/assets/missing.png", "/assets/icon.svg", "/assets/logo-bank-id", "/logo1.png", "/logo2.png", "/page.html", "/assets/big.png"} {
		s.hits[p] = &atomic.Int32{}
	}
	s.Server = httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if c, ok := s.hits[r.URL.Path]; ok {
			c.Add(1)
		}
		switch r.URL.Path {
		case "/assets/missing.png":
			http.NotFound(w, r)
		case "/assets/big.png":
			_, _ = w.Write(make([]byte, maxImageBytes+1024))
		case "/assets/icon.svg":
			_, _ = w.Write([]byte("<svg></svg>"))
		default:
			_, _ = w.Write([]byte("fake image data"))
		}
	}))
	t.Cleanup(s.Close)
	return s
}

func (s *imageServer) count(p string) int32 { return s.hits[p].Load() }

func newDownloader(t *testing.T, opts Options) (*Downloader, string) {
	t.Helper()
	dir := t.TempDir()
	d, err := NewDownloader(dir, opts, zap.NewNop())
	require.NoError(t, err)
	return d, dir
}

func TestNewDownloader_CreatesImagesDir(t *testing.T) {
	d, dir := newDownloader(t, Options{})

	info, err := os.Stat(filepath.Join(dir, Dir))
	require.NoError(t, err)
	assert.True(t, info.IsDir())
	assert.Equal(t, Stats{Count: 0, Directory: filepath.Join(dir, Dir)}, d.Stats())
}

func TestDownloader_Resolve(t *testing.T) {
	ctx := context.Background()

	t.Run("relative reference is made absolute", func(t *testing.T) {
		srv := newImageServer(t)
		d, dir := newDownloader(t, Options{})

		local, ok := d.Resolve(ctx, "/assets/logo.png", srv.URL+"/guide/intro")
		require.True(t, ok)
		assert.Regexp(t, `^images/[a-f0-9]{12}-logo\.png$`, local)

		data, err := os.ReadFile(filepath.Join(dir, filepath.FromSlash(local)))
		require.NoError(t, err)
		assert.Equal(t, "fake image data", string(data))
	})

	t.Run("downloads once per absolute url", func(t *testing.T) {
		srv := newImageServer(t)
		d, _ := newDownloader(t, Options{})

		first, ok := d.Resolve(ctx, srv.URL+"/assets/logo.png", srv.URL)
		require.True(t, ok)
		second, ok := d.Resolve(ctx, "../assets/logo.png", srv.URL+"/guide/intro")
		require.True(t, ok)

		assert.Equal(t, first, second)
		assert.EqualValues(t, 1, srv.count("/assets/logo.png"))
		assert.Equal(t, 1, d.Stats().Count)
	})

	t.Run("non image urls are not requested", func(t *testing.T) {
		srv := newImageServer(t)
		d, _ := newDownloader(t, Options{})

		_, ok := d.Resolve(ctx, srv.URL+"/page.html", srv.URL)
		assert.False(t, ok)
		assert.EqualValues(t, 0, srv.count("/page.html"))
	})

	t.Run("404 is not cached", func(t *testing.T) {
		srv := newImageServer(t)
		d, _ := newDownloader(t, Options{})

		_, ok := d.Resolve(ctx, srv.URL+"/assets/missing.png", srv.URL)
		assert.False(t, ok)
		_, ok = d.Resolve(ctx, srv.URL+"/assets/missing.png", srv.URL)
		assert.False(t, ok)

		assert.EqualValues(t, 2, srv.count("/assets/missing.png"))
		assert.Equal(t, 0, d.Stats().Count)
	})

	t.Run("failure ttl suppresses retries", func(t *testing.T) {
		srv := newImageServer(t)
		d, _ := newDownloader(t, Options{FailureTTL: time.Minute})

		_, ok := d.Resolve(ctx, srv.URL+"/assets/missing.png", srv.URL)
		assert.False(t, ok)
		_, ok = d.Resolve(ctx, srv.URL+"/assets/missing.png", srv.URL)
		assert.False(t, ok)

		assert.EqualValues(t, 1, srv.count("/assets/missing.png"))
	})

	t.Run("svg keeps its extension", func(t *testing.T) {
		srv := newImageServer(t)
		d, _ := newDownloader(t, Options{})

		local, ok := d.Resolve(ctx, srv.URL+"/assets/icon.svg", srv.URL)
		require.True(t, ok)
		assert.Regexp(t, `\.svg$`, local)
	})

	t.Run("assets path without extension is treated as image", func(t *testing.T) {
		srv := newImageServer(t)
		d, _ := newDownloader(t, Options{})

		local, ok := d.Resolve(ctx, srv.URL+"/assets/logo-bank-id", srv.URL)
		require.True(t, ok)
		assert.Regexp(t, `^images/[a-f0-9]{12}-logo-bank-id\.png$`, local)
		assert.EqualValues(t, 1, srv.count("/assets/logo-bank-id"))
	})

	t.Run("transport errors are not fatal", func(t *testing.T) {
		srv := newImageServer(t)
		addr := srv.URL
		srv.Close()
		d, _ := newDownloader(t, Options{Timeout: time.Second})

		_, ok := d.Resolve(ctx, addr+"/assets/logo.png", addr)
		assert.False(t, ok)
	})

	t.Run("oversized image fails instead of being truncated", func(t *testing.T) {
		srv := newImageServer(t)
		d, dir := newDownloader(t, Options{})

		local, ok := d.Resolve(ctx, srv.URL+"/assets/big.png", srv.URL)
		assert.False(t, ok)
		assert.Empty(t, local)
		assert.Equal(t, 0, d.Stats().Count)

		entries, err := os.ReadDir(filepath.Join(dir, Dir))
		require.NoError(t, err)
		assert.Empty(t, entries)
	})

	t.Run("different urls get different names", func(t *testing.T) {
		srv := newImageServer(t)
		d, _ := newDownloader(t, Options{})

		a, ok := d.Resolve(ctx, srv.URL+"/logo1.png", srv.URL)
		require.True(t, ok)
		b, ok := d.Resolve(ctx, srv.URL+"/logo2.png", srv.URL)
		require.True(t, ok)
		assert.NotEqual(t, a, b)
		assert.Equal(t, 2, d.Stats().Count)
	})
}

func TestDownloader_Metrics(t *testing.T) {
	srv := newImageServer(t)
	reg := prometheus.NewRegistry()
	m := monitoring.NewMetrics(reg)
	d, _ := newDownloader(t, Options{Metrics: m})
	ctx := context.Background()

	d.Resolve(ctx, srv.URL+"/assets/logo.png", srv.URL)
	d.Resolve(ctx, srv.URL+"/assets/logo.png", srv.URL)
	d.Resolve(ctx, srv.URL+"/assets/missing.png", srv.URL)

	assert.Equal(t, 1.0, testutil.ToFloat64(m.ImagesTotal.WithLabelValues("downloaded")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.ImagesTotal.WithLabelValues("cached")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.ImagesTotal.WithLabelValues("failed")))
}

func TestFilename(t *testing.T) {
	tests := []struct {
		url     string
		pattern string
	}{
		{"https://developers.bankid.com/logo.png", `^[a-f0-9]{12}-logo\.png$`},
		{"https://developers.bankid.com/assets/logo-bank-id", `^[a-f0-9]{12}-logo-bank-id\.png$`},
		{"https://developers.bankid.com/", `^[a-f0-9]{12}\.png$`},
		{"https://developers.bankid.com", `^[a-f0-9]{12}\.png$`},
		{"https://developers.bankid.com/a/photo.JPG?w=200", `^[a-f0-9]{12}-photo\.JPG$`},
	}
	for _, tt := range tests {
		t.Run(tt.url, func(t *testing.T) {
			assert.Regexp(t, tt.pattern, Filename(tt.url))
		})
	}

	assert.NotEqual(t, Filename("https://a.com/x/logo.png"), Filename("https://a.com/y/logo.png"))
}

func TestMemoryFailureCache(t *testing.T) {
	ctx := context.Background()
	now := time.Date(2025, 11, 20, 14, 0, 0, 0, time.UTC)
	c := NewMemoryFailureCache()
	c.now = func() time.Time { return now }

	failed, err := c.RecentlyFailed(ctx, "u")
	require.NoError(t, err)
	assert.False(t, failed)

	require.NoError(t, c.RememberFailure(ctx, "u", time.Minute))
	failed, _ = c.RecentlyFailed(ctx, "u")
	assert.True(t, failed)

	now = now.Add(2 * time.Minute)
	failed, _ = c.RecentlyFailed(ctx, "u")
	assert.False(t, failed)
}
