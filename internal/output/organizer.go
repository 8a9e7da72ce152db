package output

import (
	"fmt"
	"net/url"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"go.uber.org/zap"
)

const (
	IndexFile      = "INDEX.md"
	FailedURLsFile = "failed_urls.txt"
	rootPage       = "index.md"
)

// Organizer lays out markdown pages under an output directory and keeps the
// index and the failure log.
type Organizer struct {
	outputDir  string
	indexTitle string
	saved      []string
	logger     *zap.Logger
}

// NewOrganizer creates outputDir if needed.
func NewOrganizer(outputDir, indexTitle string, logger *zap.Logger) (*Organizer, error) {
	if err := os.MkdirAll(outputDir, 0o755); err != nil {
		return nil, fmt.Errorf("create output directory: %w", err)
	}
	if indexTitle == "" {
		indexTitle = "Documentation Index"
	}
	return &Organizer{outputDir: outputDir, indexTitle: indexTitle, logger: logger}, nil
}

// RelativePath maps rawURL to a slash separated markdown path: the root maps
// to index.md, other paths get a .md suffix unless they already end in one.
// Empty, "." and ".." segments are dropped and characters that are not
// valid in file names are replaced, so the result never leaves the output
// directory. Query strings are ignored.
func RelativePath(rawURL string) (string, error) {
	u, err := url.Parse(rawURL)
	if err != nil {
		return "", fmt.Errorf("parse url: %w", err)
	}

	var segments []string
	for _, seg := range strings.Split(u.Path, "/") {
		if seg == "" || seg == "." || seg == ".." {
			continue
		}
		segments = append(segments, sanitizeSegment(seg))
	}
	if len(segments) == 0 {
		return rootPage, nil
	}

	p := strings.Join(segments, "/")
	if !strings.HasSuffix(p, ".md") {
		p += ".md"
	}
	return p, nil
}

// SavePage writes content for rawURL and records it for the index. Saving
// the same path twice overwrites the file.
func (o *Organizer) SavePage(rawURL, content string) (string, error) {
	rel, err := RelativePath(rawURL)
	if err != nil {
		return "", err
	}
	full := filepath.Join(o.outputDir, filepath.FromSlash(rel))
	if err := os.MkdirAll(filepath.Dir(full), 0o755); err != nil {
		return "", fmt.Errorf("create page directory: %w", err)
	}
	if err := os.WriteFile(full, []byte(content), 0o644); err != nil {
		return "", fmt.Errorf("write page: %w", err)
	}
	o.saved = append(o.saved, rel)
	o.logger.Debug("page saved", zap.String("url", rawURL), zap.String("path", rel))
	return rel, nil
}

// SaveFailedURL appends "<url> - <description>" to the failure log.
func (o *Organizer) SaveFailedURL(rawURL, description string) error {
	f, err := os.OpenFile(o.FailedURLsPath(), os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0o644)
	if err != nil {
		return fmt.Errorf("open failure log: %w", err)
	}
	defer f.Close()

	if _, err := fmt.Fprintf(f, "%s - %s\n", rawURL, description); err != nil {
		return fmt.Errorf("write failure log: %w", err)
	}
	return nil
}

// GenerateIndex writes INDEX.md listing every saved page once, sorted.
func (o *Organizer) GenerateIndex() error {
	pages := o.Saved()

	var b strings.Builder
	fmt.Fprintf(&b, "# %s\n\n", o.indexTitle)
	fmt.Fprintf(&b, "Total pages: %d\n\n", len(pages))
	b.WriteString("## Pages\n\n")
	for _, p := range pages {
		fmt.Fprintf(&b, "- [%s](%s)\n", p, p)
	}

	if err := os.WriteFile(filepath.Join(o.outputDir, IndexFile), []byte(b.String()), 0o644); err != nil {
		return fmt.Errorf("write index: %w", err)
	}
	return nil
}

// Saved returns the distinct saved paths in lexicographic order.
func (o *Organizer) Saved() []string {
	seen := make(map[string]struct{}, len(o.saved))
	pages := make([]string, 0, len(o.saved))
	for _, p := range o.saved {
		if _, ok := seen[p]; ok {
			continue
		}
		seen[p] = struct{}{}
		pages = append(pages, p)
	}
	sort.Strings(pages)
	return pages
}

func (o *Organizer) FailedURLsPath() string {
	return filepath.Join(o.outputDir, FailedURLsFile)
}

func (o *Organizer) Dir() string { return o.outputDir }

func sanitizeSegment(seg string) string {
	return strings.Map(func(r rune) rune {
		switch {
		case r < 0x20 || r == 0x7f:
			return '_'
		case strings.ContainsRune(`<>:"\|?*`, r):
			return '_'
		}
		return r
	}, seg)
}
