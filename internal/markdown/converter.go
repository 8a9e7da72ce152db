package markdown

import (
	"context"
	"fmt"
	"net/url"
	"regexp"
	"strings"
	"time"

	md "github.com/JohannesKaufmann/html-to-markdown"
	"github.com/JohannesKaufmann/html-to-markdown/plugin"
	"github.com/PuerkitoBio/goquery"

	"github.com/user/docscraper/pkg/utils"
)

// TimestampLayout renders the download time in the front matter.
const TimestampLayout = "2006-01-02 15:04:05 UTC"

var blankLines = regexp.MustCompile(`\n{3,}`)

// ImageResolver turns an image reference into a path relative to the output
// directory. ok is false when the image could not be stored locally.
type ImageResolver interface {
	Resolve(ctx context.Context, imageRef, pageURL string) (local string, ok bool)
}

// Document is a converted page: provenance front matter plus markdown body.
type Document struct {
	SourceURL  string
	Downloaded time.Time
	Body       string
}

// String renders the front matter followed by the body.
func (d Document) String() string {
	var b strings.Builder
	b.WriteString("---\n")
	fmt.Fprintf(&b, "source: %s\n", d.SourceURL)
	fmt.Fprintf(&b, "downloaded: %s\n", d.Downloaded.UTC().Format(TimestampLayout))
	b.WriteString("---\n\n")
	b.WriteString(d.Body)
	return b.String()
}

// Converter rewrites links and images of a content fragment and renders it
// as markdown.
type Converter struct {
	images ImageResolver
	md     *md.Converter
}

// Option configures a Converter.
type Option func(*Converter)

// WithImages localizes images through r.
func WithImages(r ImageResolver) Option {
	return func(c *Converter) { c.images = r }
}

func NewConverter(opts ...Option) *Converter {
	conv := md.NewConverter("", true, &md.Options{
		HeadingStyle:   "atx",
		CodeBlockStyle: "fenced",
	})
	conv.Use(plugin.GitHubFlavored())

	c := &Converter{images: remoteImages{}, md: conv}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// Convert turns html taken from sourceURL into a markdown document stamped
// with timestamp.
func (c *Converter) Convert(ctx context.Context, html, sourceURL string, timestamp time.Time) (Document, error) {
	doc, err := goquery.NewDocumentFromReader(strings.NewReader(html))
	if err != nil {
		return Document{}, fmt.Errorf("parse content: %w", err)
	}

	if base, err := url.Parse(sourceURL); err == nil {
		absolutizeLinks(doc, base)
	}
	c.localizeImages(ctx, doc, sourceURL)

	body, err := doc.Find("body").Html()
	if err != nil {
		return Document{}, fmt.Errorf("serialise content: %w", err)
	}
	text, err := c.md.ConvertString(body)
	if err != nil {
		return Document{}, fmt.Errorf("convert to markdown: %w", err)
	}

	return Document{
		SourceURL:  sourceURL,
		Downloaded: timestamp,
		Body:       strings.TrimSpace(blankLines.ReplaceAllString(text, "\n\n")),
	}, nil
}

func absolutizeLinks(doc *goquery.Document, base *url.URL) {
	doc.Find("a[href]").Each(func(_ int, s *goquery.Selection) {
		href := s.AttrOr("href", "")
		if href == "" || utils.IsAbsoluteHTTP(href) || strings.HasPrefix(href, "#") || strings.HasPrefix(strings.ToLower(href), "mailto:") {
			return
		}
		abs, err := utils.ToAbsoluteURL(base, href)
		if err != nil {
			return
		}
		s.SetAttr("href", abs)
	})
}

func (c *Converter) localizeImages(ctx context.Context, doc *goquery.Document, pageURL string) {
	doc.Find("img[src]").Each(func(_ int, s *goquery.Selection) {
		src := s.AttrOr("src", "")
		if src == "" {
			return
		}
		if local, ok := c.images.Resolve(ctx, src, pageURL); ok {
			s.SetAttr("src", "../"+local)
		}
	})
}

// remoteImages keeps every image pointing at its original location.
type remoteImages struct{}

func (remoteImages) Resolve(context.Context, string, string) (string, bool) { return "", false }
