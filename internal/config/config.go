package config

import (
	"errors"
	"fmt"
	"io"
	"net/url"
	"strings"
	"time"

	"github.com/spf13/pflag"
	"github.com/spf13/viper"

	"github.com/user/docscraper/internal/domain"
)

// Config stores all configuration for the scraper.
type Config struct {
	BaseURL    string      `mapstructure:"BASE_URL"`
	OutputDir  string      `mapstructure:"OUTPUT_DIR"`
	Headless   bool        `mapstructure:"HEADLESS"`
	MaxPages   int         `mapstructure:"MAX_PAGES"`
	Mode       domain.Mode `mapstructure:"MODE"`
	SitemapURL string      `mapstructure:"SITEMAP_URL"`
	IndexTitle string      `mapstructure:"INDEX_TITLE"`

	MinDelay       time.Duration `mapstructure:"MIN_DELAY"`
	MaxDelay       time.Duration `mapstructure:"MAX_DELAY"`
	CrawlDelay     time.Duration `mapstructure:"CRAWL_DELAY"`
	MaxRetries     int           `mapstructure:"MAX_RETRIES"`
	RetryBaseDelay time.Duration `mapstructure:"RETRY_BASE_DELAY"`

	PageLoadTimeout time.Duration `mapstructure:"PAGE_LOAD_TIMEOUT"`
	SelectorTimeout time.Duration `mapstructure:"SELECTOR_TIMEOUT"`
	FallbackWait    time.Duration `mapstructure:"FALLBACK_WAIT"`
	FallbackTimeout time.Duration `mapstructure:"FALLBACK_TIMEOUT"`
	WaitSelector    string        `mapstructure:"WAIT_SELECTOR"`
	UserAgents      []string      `mapstructure:"-"`
	Proxies         []string      `mapstructure:"-"`

	DownloadImages  bool          `mapstructure:"DOWNLOAD_IMAGES"`
	ImageTimeout    time.Duration `mapstructure:"IMAGE_TIMEOUT"`
	ImageFailureTTL time.Duration `mapstructure:"IMAGE_FAILURE_TTL"`
	RespectRobots   bool          `mapstructure:"RESPECT_ROBOTS"`

	LogLevel      string `mapstructure:"LOG_LEVEL"`
	ListenAddr    string `mapstructure:"LISTEN_ADDR"`
	RedisAddr     string `mapstructure:"REDIS_ADDR"`
	RedisPassword string `mapstructure:"REDIS_PASSWORD"`
	RedisDB       int    `mapstructure:"REDIS_DB"`
	PostgresURL   string `mapstructure:"POSTGRES_URL"`
}

var defaults = map[string]any{
	"BASE_URL":          "https://developers.bankid.com/",
	"OUTPUT_DIR":        "./bankid_docs",
	"HEADLESS":          true,
	"MAX_PAGES":         0,
	"MODE":              string(domain.ModeSitemap),
	"SITEMAP_URL":       "https://developers.bankid.com/sitemap.xml",
	"INDEX_TITLE":       "BankID Documentation Index",
	"MIN_DELAY":         2 * time.Second,
	"MAX_DELAY":         5 * time.Second,
	"CRAWL_DELAY":       time.Duration(0),
	"MAX_RETRIES":       3,
	"RETRY_BASE_DELAY":  time.Second,
	"PAGE_LOAD_TIMEOUT": 30 * time.Second,
	"SELECTOR_TIMEOUT":  15 * time.Second,
	"FALLBACK_WAIT":     2 * time.Second,
	"FALLBACK_TIMEOUT":  5 * time.Second,
	"WAIT_SELECTOR":     "main, article, .content, body",
	"USER_AGENTS":       "",
	"PROXIES":           "",
	"DOWNLOAD_IMAGES":   true,
	"IMAGE_TIMEOUT":     10 * time.Second,
	"IMAGE_FAILURE_TTL": time.Duration(0),
	"RESPECT_ROBOTS":    false,
	"LOG_LEVEL":         "warn",
	"LISTEN_ADDR":       "",
	"REDIS_ADDR":        "",
	"REDIS_PASSWORD":    "",
	"REDIS_DB":          0,
	"POSTGRES_URL":      "",
}

// flagKeys binds command line flags to configuration keys.
var flagKeys = map[string]string{
	"headless":       "HEADLESS",
	"output-dir":     "OUTPUT_DIR",
	"base-url":       "BASE_URL",
	"max-pages":      "MAX_PAGES",
	"mode":           "MODE",
	"sitemap-url":    "SITEMAP_URL",
	"log-level":      "LOG_LEVEL",
	"listen-addr":    "LISTEN_ADDR",
	"respect-robots": "RESPECT_ROBOTS",
}

// Load builds the configuration from, in order of precedence, command line
// flags, environment variables, an optional env file and defaults. Usage is
// written to out; pflag.ErrHelp is returned for -h/--help.
func Load(args []string, out io.Writer) (*Config, error) {
	flags := pflag.NewFlagSet("docscraper", pflag.ContinueOnError)
	flags.SetOutput(out)
	flags.Bool("headless", true, "run the browser headless")
	noHeadless := flags.Bool("no-headless", false, "show the browser window")
	flags.String("output-dir", "./bankid_docs", "output directory")
	flags.String("base-url", "https://developers.bankid.com/", "starting URL")
	flags.Int("max-pages", 0, "maximum pages to download (0 is unlimited)")
	flags.String("mode", string(domain.ModeSitemap), "url source: sitemap or crawl")
	flags.String("sitemap-url", "https://developers.bankid.com/sitemap.xml", "sitemap location")
	flags.String("log-level", "warn", "log level: debug, info, warn or error")
	flags.String("listen-addr", "", "serve metrics and status on this address")
	flags.Bool("respect-robots", false, "skip pages disallowed by robots.txt")
	noImages := flags.Bool("no-images", false, "keep remote image references")
	envFile := flags.String("config", ".env", "optional env file")

	if err := flags.Parse(args); err != nil {
		return nil, err
	}

	v := viper.New()
	for key, value := range defaults {
		v.SetDefault(key, value)
	}
	v.SetConfigFile(*envFile)
	v.SetConfigType("env")
	v.AutomaticEnv()

	if err := v.ReadInConfig(); err != nil && flags.Changed("config") {
		return nil, fmt.Errorf("read config file: %w", err)
	}

	for name, key := range flagKeys {
		if err := v.BindPFlag(key, flags.Lookup(name)); err != nil {
			return nil, fmt.Errorf("bind flag %s: %w", name, err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("decode config: %w", err)
	}
	cfg.UserAgents = splitList(v.GetString("USER_AGENTS"))
	cfg.Proxies = splitList(v.GetString("PROXIES"))
	if *noHeadless {
		cfg.Headless = false
	}
	if *noImages {
		cfg.DownloadImages = false
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// Validate rejects configurations the scraper cannot run with.
func (c *Config) Validate() error {
	u, err := url.Parse(c.BaseURL)
	if err != nil || u.Host == "" || (u.Scheme != "http" && u.Scheme != "https") {
		return fmt.Errorf("invalid base url %q", c.BaseURL)
	}
	switch c.Mode {
	case domain.ModeSitemap, domain.ModeCrawl:
	default:
		return fmt.Errorf("invalid mode %q: want %s or %s", c.Mode, domain.ModeSitemap, domain.ModeCrawl)
	}
	if c.MaxPages < 0 {
		return fmt.Errorf("max pages must not be negative, got %d", c.MaxPages)
	}
	if c.MaxRetries < 0 {
		return fmt.Errorf("max retries must not be negative, got %d", c.MaxRetries)
	}
	if c.MinDelay > c.MaxDelay {
		return fmt.Errorf("min delay %s exceeds max delay %s", c.MinDelay, c.MaxDelay)
	}
	if c.OutputDir == "" {
		return errors.New("output dir must not be empty")
	}
	return nil
}

// splitList splits a "|" separated value. User agents contain commas, so
// they cannot be used as the separator.
func splitList(raw string) []string {
	var out []string
	for _, item := range strings.Split(raw, "|") {
		if item = strings.TrimSpace(item); item != "" {
			out = append(out, item)
		}
	}
	return out
}
