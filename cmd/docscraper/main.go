package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/spf13/pflag"
	"go.uber.org/zap"

	"github.com/user/docscraper/internal/api"
	"github.com/user/docscraper/internal/browser"
	"github.com/user/docscraper/internal/config"
	"github.com/user/docscraper/internal/console"
	"github.com/user/docscraper/internal/crawler"
	"github.com/user/docscraper/internal/domain"
	"github.com/user/docscraper/internal/images"
	"github.com/user/docscraper/internal/markdown"
	"github.com/user/docscraper/internal/monitoring"
	"github.com/user/docscraper/internal/output"
	"github.com/user/docscraper/internal/proxy"
	"github.com/user/docscraper/internal/robots"
	"github.com/user/docscraper/internal/sitemap"
	"github.com/user/docscraper/internal/storage"
	"github.com/user/docscraper/pkg/logger"
)

func main() {
	cfg, err := config.Load(os.Args[1:], os.Stderr)
	if errors.Is(err, pflag.ErrHelp) {
		return
	}
	if err != nil {
		fmt.Fprintln(os.Stderr, "docscraper:", err)
		os.Exit(2)
	}

	log, err := logger.New(cfg.LogLevel, os.Stderr)
	if err != nil {
		fmt.Fprintln(os.Stderr, "docscraper:", err)
		os.Exit(2)
	}
	defer log.Sync()

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := run(ctx, cfg, log); err != nil {
		log.Error("run failed", zap.Error(err))
		fmt.Fprintln(os.Stderr, "docscraper:", err)
		stop()
		log.Sync()
		os.Exit(1)
	}
}

func run(ctx context.Context, cfg *config.Config, log *zap.Logger) error {
	reporter := console.NewReporter(os.Stdout)
	reporter.Banner(console.RunInfo{
		BaseURL:   cfg.BaseURL,
		OutputDir: cfg.OutputDir,
		Headless:  cfg.Headless,
		MaxPages:  cfg.MaxPages,
		Mode:      string(cfg.Mode),
	})

	registry := prometheus.NewRegistry()
	registry.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	metrics := monitoring.NewMetrics(registry)

	proxies := proxy.NewManager(cfg.Proxies, cfg.UserAgents)
	userAgent := proxies.GetUserAgent()
	// The browser pins one proxy per process; plain HTTP traffic rotates per request.
	httpClient := &http.Client{
		Timeout:   cfg.ImageTimeout,
		Transport: &http.Transport{Proxy: proxies.ProxyURL},
	}

	serverOpts := []api.Option{api.WithMetrics(metrics)}
	var failures images.FailureCache = images.NewMemoryFailureCache()
	if cfg.RedisAddr != "" {
		redisStore := storage.NewRedisStore(cfg.RedisAddr, cfg.RedisPassword, cfg.RedisDB)
		defer redisStore.Close()
		if err := redisStore.Ping(ctx); err != nil {
			log.Warn("redis unavailable, using in-process failure cache", zap.Error(err))
		} else {
			failures = redisStore
			serverOpts = append(serverOpts, api.WithService("redis", redisStore))
		}
	}

	crawlerOpts := []crawler.Option{
		crawler.WithReporter(reporter),
		crawler.WithMetrics(metrics),
		crawler.WithLogger(log),
	}

	if cfg.PostgresURL != "" {
		pgStore, err := storage.NewPostgresStore(ctx, cfg.PostgresURL)
		if err != nil {
			return err
		}
		defer pgStore.Close()
		if err := pgStore.EnsureSchema(ctx); err != nil {
			return err
		}
		crawlerOpts = append(crawlerOpts, crawler.WithRecorder(pgStore))
		serverOpts = append(serverOpts,
			api.WithService("postgres", pgStore),
			api.WithRuns(pgStore, storage.ErrRunNotFound))
	}

	if cfg.RespectRobots {
		crawlerOpts = append(crawlerOpts, crawler.WithGate(robots.NewAgent(httpClient, userAgent, log)))
	}

	store, err := output.NewOrganizer(cfg.OutputDir, cfg.IndexTitle, log)
	if err != nil {
		return err
	}

	var converterOpts []markdown.Option
	if cfg.DownloadImages {
		downloader, err := images.NewDownloader(cfg.OutputDir, images.Options{
			UserAgent:  userAgent,
			Client:     httpClient,
			Timeout:    cfg.ImageTimeout,
			FailureTTL: cfg.ImageFailureTTL,
			Failures:   failures,
			Metrics:    metrics,
		}, log)
		if err != nil {
			return err
		}
		converterOpts = append(converterOpts, markdown.WithImages(downloader))
		crawlerOpts = append(crawlerOpts, crawler.WithImages(downloader))
	}

	b, err := browser.New(ctx, browser.Options{
		Headless:          cfg.Headless,
		UserAgent:         userAgent,
		ProxyServer:       proxies.GetProxy(),
		NavigationTimeout: cfg.PageLoadTimeout,
		SelectorTimeout:   cfg.SelectorTimeout,
		FallbackWait:      cfg.FallbackWait,
		FallbackTimeout:   cfg.FallbackTimeout,
	}, log)
	if err != nil {
		return fmt.Errorf("acquire browser: %w", err)
	}
	defer func() {
		if err := b.Close(); err != nil {
			log.Warn("browser cleanup failed", zap.Error(err))
		}
	}()

	c := crawler.New(crawler.Options{
		Mode:           cfg.Mode,
		BaseURL:        cfg.BaseURL,
		MaxPages:       cfg.MaxPages,
		MaxRetries:     cfg.MaxRetries,
		RetryBaseDelay: cfg.RetryBaseDelay,
		MinDelay:       cfg.MinDelay,
		MaxDelay:       cfg.MaxDelay,
		CrawlDelay:     cfg.CrawlDelay,
		WaitSelector:   cfg.WaitSelector,
	}, b, markdown.NewConverter(converterOpts...), store, crawlerOpts...)

	if cfg.ListenAddr != "" {
		server := api.NewServer(cfg.ListenAddr, c, registry, log, serverOpts...)
		go func() {
			if err := server.Start(); err != nil {
				log.Error("status server stopped", zap.Error(err))
			}
		}()
		defer func() {
			shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			if err := server.Shutdown(shutdownCtx); err != nil {
				log.Warn("status server shutdown failed", zap.Error(err))
			}
		}()
	}

	var urls []string
	if cfg.Mode == domain.ModeSitemap {
		reporter.FetchingSitemap(cfg.SitemapURL)
		urls = sitemap.NewClient(httpClient, userAgent, log).URLs(ctx, cfg.SitemapURL, cfg.BaseURL)
		reporter.SitemapLoaded(len(urls))
	}

	summary, err := c.Run(ctx, urls)
	if errors.Is(err, context.Canceled) {
		log.Info("run interrupted", zap.Int("succeeded", summary.Succeeded), zap.Int("failed", summary.Failed))
		return nil
	}
	if err != nil {
		return err
	}
	return nil
}
