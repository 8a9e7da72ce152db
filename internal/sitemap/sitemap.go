package sitemap

import (
	"context"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/antchfx/xmlquery"
	"go.uber.org/zap"
)

// Client loads page URLs from a sitemap.xml.
type Client struct {
	http      *http.Client
	userAgent string
	logger    *zap.Logger
}

func NewClient(httpClient *http.Client, userAgent string, logger *zap.Logger) *Client {
	if httpClient == nil {
		httpClient = &http.Client{Timeout: 30 * time.Second}
	}
	return &Client{http: httpClient, userAgent: userAgent, logger: logger}
}

// URLs returns every <loc> of the sitemap at sitemapURL in document order,
// following a sitemap index one level deep. Any fetch or parse error yields
// a single-element list holding fallback.
func (c *Client) URLs(ctx context.Context, sitemapURL, fallback string) []string {
	urls, err := c.load(ctx, sitemapURL)
	if err != nil {
		c.logger.Warn("sitemap unavailable, falling back to base url",
			zap.String("sitemap", sitemapURL), zap.String("fallback", fallback), zap.Error(err))
		return []string{fallback}
	}
	return urls
}

func (c *Client) load(ctx context.Context, sitemapURL string) ([]string, error) {
	doc, err := c.fetch(ctx, sitemapURL)
	if err != nil {
		return nil, err
	}
	if xmlquery.FindOne(doc, "//sitemapindex") == nil {
		return locs(doc, "//loc"), nil
	}

	var urls []string
	for _, child := range locs(doc, "//sitemap/loc") {
		childDoc, err := c.fetch(ctx, child)
		if err != nil {
			return nil, err
		}
		urls = append(urls, locs(childDoc, "//loc")...)
	}
	return dedupe(urls), nil
}

func (c *Client) fetch(ctx context.Context, sitemapURL string) (*xmlquery.Node, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, sitemapURL, nil)
	if err != nil {
		return nil, fmt.Errorf("build request: %w", err)
	}
	if c.userAgent != "" {
		req.Header.Set("User-Agent", c.userAgent)
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return nil, fmt.Errorf("fetch sitemap: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("fetch sitemap %s: unexpected status %d", sitemapURL, resp.StatusCode)
	}

	doc, err := xmlquery.Parse(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("parse sitemap: %w", err)
	}
	return doc, nil
}

func locs(doc *xmlquery.Node, expr string) []string {
	var out []string
	for _, n := range xmlquery.Find(doc, expr) {
		if loc := strings.TrimSpace(n.InnerText()); loc != "" {
			out = append(out, loc)
		}
	}
	return dedupe(out)
}

func dedupe(values []string) []string {
	seen := make(map[string]struct{}, len(values))
	out := values[:0]
	for _, v := range values {
		if _, ok := seen[v]; ok {
			continue
		}
		seen[v] = struct{}{}
		out = append(out, v)
	}
	return out
}
