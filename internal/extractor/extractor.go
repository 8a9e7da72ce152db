package extractor

import (
	"fmt"
	"net/url"
	"strings"

	"github.com/PuerkitoBio/goquery"

	"github.com/user/docscraper/pkg/utils"
)

// MinContentLength is the shortest serialized content that passes validation.
const MinContentLength = 100

// Content containers in priority order: the first selector that matches wins.
var contentSelectors = []string{
	"article",
	"main",
	`[role="main"]`,
	".documentation-content",
	".doc-content",
	".markdown-body",
	"#content",
}

// Boilerplate removed from the chosen container.
var stripSelectors = []string{
	"nav",
	"header",
	"footer",
	".sidebar",
	".navigation",
	"button",
	".cookie-banner",
}

var assetExtensions = []string{
	".png", ".jpg", ".jpeg", ".gif", ".svg", ".pdf",
	".css", ".js", ".woff", ".woff2", ".ttf",
}

// Parse reads rendered HTML into a document.
func Parse(html string) (*goquery.Document, error) {
	doc, err := goquery.NewDocumentFromReader(strings.NewReader(html))
	if err != nil {
		return nil, fmt.Errorf("parse html: %w", err)
	}
	return doc, nil
}

// ExtractContent returns the outer HTML of the first content container with
// boilerplate removed. The document itself is not modified. An empty string
// means no container matched.
func ExtractContent(doc *goquery.Document) (string, error) {
	var node *goquery.Selection
	for _, selector := range contentSelectors {
		if sel := doc.Find(selector).First(); sel.Length() > 0 {
			node = sel
			break
		}
	}
	if node == nil {
		return "", nil
	}

	content := node.Clone()
	for _, selector := range stripSelectors {
		content.Find(selector).Remove()
	}

	html, err := goquery.OuterHtml(content)
	if err != nil {
		return "", fmt.Errorf("serialise content: %w", err)
	}
	return html, nil
}

// ExtractLinks returns the distinct absolute same-host, non-asset links of
// doc, resolved against baseURL and without fragments.
func ExtractLinks(doc *goquery.Document, baseURL string) []string {
	base, err := url.Parse(baseURL)
	if err != nil {
		return nil
	}

	seen := make(map[string]struct{})
	var links []string
	doc.Find("a[href]").Each(func(_ int, s *goquery.Selection) {
		href := strings.TrimSpace(s.AttrOr("href", ""))
		if href == "" || strings.HasPrefix(href, "#") {
			return
		}
		ref, err := url.Parse(href)
		if err != nil {
			return
		}
		link := utils.StripFragment(base.ResolveReference(ref))
		if link.Host != base.Host || isAsset(link) {
			return
		}
		key := link.String()
		if _, ok := seen[key]; ok {
			return
		}
		seen[key] = struct{}{}
		links = append(links, key)
	})
	return links
}

// ValidateContent reports whether html is long enough and carries at least
// one h1-h3 heading.
func ValidateContent(html string) bool {
	if len(html) < MinContentLength {
		return false
	}
	doc, err := goquery.NewDocumentFromReader(strings.NewReader(html))
	if err != nil {
		return false
	}
	return doc.Find("h1, h2, h3").Length() > 0
}

func isAsset(u *url.URL) bool {
	p := strings.ToLower(u.Path)
	for _, ext := range assetExtensions {
		if strings.HasSuffix(p, ext) {
			return true
		}
	}
	return false
}
