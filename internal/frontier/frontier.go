package frontier

import (
	"fmt"
	"net/url"

	"github.com/user/docscraper/pkg/utils"
)

// Stats is a snapshot of the frontier sizes.
type Stats struct {
	Visited int
	Queued  int
	Total   int
}

// Frontier tracks queued and visited URLs of a single-host crawl.
// A URL is never both queued and visited. Frontier is not safe for
// concurrent use; the orchestrator owns it.
type Frontier struct {
	base     *url.URL
	maxPages int

	queue   []string
	queued  map[string]struct{}
	visited map[string]struct{}
}

// New creates a frontier restricted to the host of baseURL. maxPages <= 0
// means unlimited.
func New(baseURL string, maxPages int) (*Frontier, error) {
	base, err := url.Parse(baseURL)
	if err != nil {
		return nil, fmt.Errorf("parse base url: %w", err)
	}
	if base.Host == "" {
		return nil, fmt.Errorf("base url %q has no host", baseURL)
	}
	return &Frontier{
		base:     base,
		maxPages: maxPages,
		queued:   make(map[string]struct{}),
		visited:  make(map[string]struct{}),
	}, nil
}

// Add queues rawURL and reports whether it was accepted. Unparsable,
// foreign-host, already seen, or over-cap URLs are rejected without mutation.
func (f *Frontier) Add(rawURL string) bool {
	u, err := utils.Normalize(rawURL)
	if err != nil || u.Host != f.base.Host {
		return false
	}
	key := u.String()
	if _, ok := f.visited[key]; ok {
		return false
	}
	if _, ok := f.queued[key]; ok {
		return false
	}
	if f.maxPages > 0 && len(f.visited)+len(f.queue) >= f.maxPages {
		return false
	}
	f.queue = append(f.queue, key)
	f.queued[key] = struct{}{}
	return true
}

// Next pops the oldest queued URL.
func (f *Frontier) Next() (string, bool) {
	if len(f.queue) == 0 {
		return "", false
	}
	next := f.queue[0]
	f.queue[0] = ""
	f.queue = f.queue[1:]
	delete(f.queued, next)
	return next, true
}

// MarkVisited records rawURL as visited and drops it from the queue if it
// was re-queued while being processed.
func (f *Frontier) MarkVisited(rawURL string) {
	key := rawURL
	if u, err := utils.Normalize(rawURL); err == nil {
		key = u.String()
	}
	f.visited[key] = struct{}{}
	if _, ok := f.queued[key]; !ok {
		return
	}
	delete(f.queued, key)
	for i, q := range f.queue {
		if q == key {
			f.queue = append(f.queue[:i], f.queue[i+1:]...)
			break
		}
	}
}

// Len returns the number of queued URLs.
func (f *Frontier) Len() int { return len(f.queue) }

func (f *Frontier) Stats() Stats {
	return Stats{
		Visited: len(f.visited),
		Queued:  len(f.queue),
		Total:   len(f.visited) + len(f.queue),
	}
}
