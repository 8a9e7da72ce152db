package robots

import (
	"context"
	"fmt"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/temoto/robotstxt"
	"go.uber.org/zap"
)

// Agent evaluates robots.txt rules, fetching them once per host.
type Agent struct {
	client    *http.Client
	userAgent string
	logger    *zap.Logger
	cache     map[string]*robotstxt.RobotsData
}

func NewAgent(client *http.Client, userAgent string, logger *zap.Logger) *Agent {
	if client == nil {
		client = &http.Client{Timeout: 10 * time.Second}
	}
	return &Agent{
		client:    client,
		userAgent: userAgent,
		logger:    logger,
		cache:     make(map[string]*robotstxt.RobotsData),
	}
}

// Allowed reports whether rawURL may be fetched. Errors loading robots.txt
// fail open.
func (a *Agent) Allowed(ctx context.Context, rawURL string) bool {
	target, err := url.Parse(rawURL)
	if err != nil || !target.IsAbs() {
		return false
	}

	rules, err := a.rules(ctx, target)
	if err != nil {
		a.logger.Debug("robots.txt unavailable, allowing", zap.String("host", target.Host), zap.Error(err))
		return true
	}
	p := target.EscapedPath()
	if p == "" {
		p = "/"
	}
	return rules.TestAgent(p, a.userAgent)
}

func (a *Agent) rules(ctx context.Context, target *url.URL) (*robotstxt.RobotsData, error) {
	host := strings.ToLower(target.Host)
	if rules, ok := a.cache[host]; ok {
		return rules, nil
	}

	robotsURL := target.Scheme + "://" + target.Host + "/robots.txt"
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, robotsURL, nil)
	if err != nil {
		return nil, fmt.Errorf("build robots request: %w", err)
	}
	if a.userAgent != "" {
		req.Header.Set("User-Agent", a.userAgent)
	}
	resp, err := a.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("fetch robots.txt: %w", err)
	}
	defer resp.Body.Close()

	rules, err := robotstxt.FromResponse(resp)
	if err != nil {
		return nil, fmt.Errorf("parse robots.txt: %w", err)
	}
	a.cache[host] = rules
	return rules, nil
}
