// Package extract pulls image and link URLs out of fetched HTML.
package extract

import (
	"bytes"
	"net/url"
	"regexp"
	"strings"

	"github.com/PuerkitoBio/goquery"

	"github.com/JakeFAU/image-crawler/internal/crawler"
)

var absoluteHTTP = regexp.MustCompile(`(?i)^https?://`)

var imageSuffixes = []string{".jpg", ".gif", ".png"}

// HTMLExtractor implements crawler.Extractor with goquery selectors.
type HTMLExtractor struct{}

// New returns an HTMLExtractor.
func New() *HTMLExtractor {
	return &HTMLExtractor{}
}

// Extract parses body and returns absolute image and link URLs. Parsing is
// tolerant: malformed markup yields whatever the HTML5 parser recovers and an
// unreadable body yields an empty result.
func (HTMLExtractor) Extract(baseURL string, body []byte) crawler.FetchResult {
	doc, err := goquery.NewDocumentFromReader(bytes.NewReader(body))
	if err != nil {
		return crawler.FetchResult{}
	}
	base := pageDirectory(baseURL)
	return crawler.FetchResult{
		Images: Images(doc, base),
		Links:  Links(doc, base),
	}
}

// Links returns the deduplicated anchor targets of doc, skipping mailto:,
// fragment-only and .pdf targets.
func Links(doc *goquery.Document, base *url.URL) []string {
	out := newOrderedSet()
	doc.Find("a[href]").Each(func(_ int, s *goquery.Selection) {
		href := strings.TrimSpace(s.AttrOr("href", ""))
		if !keepLink(href) {
			return
		}
		out.add(resolve(base, href))
	})
	return out.items
}

// Images returns the deduplicated .jpg/.gif/.png sources of doc, skipping
// inline data: URLs.
func Images(doc *goquery.Document, base *url.URL) []string {
	out := newOrderedSet()
	doc.Find("img[src]").Each(func(_ int, s *goquery.Selection) {
		src := strings.TrimSpace(s.AttrOr("src", ""))
		if !keepImage(src) {
			return
		}
		out.add(resolve(base, src))
	})
	return out.items
}

func keepLink(href string) bool {
	if href == "" {
		return false
	}
	lower := strings.ToLower(href)
	switch {
	case strings.HasPrefix(lower, "mailto:"):
		return false
	case strings.HasPrefix(href, "#"):
		return false
	case strings.HasSuffix(lower, ".pdf"):
		return false
	}
	return true
}

func keepImage(src string) bool {
	if src == "" {
		return false
	}
	lower := strings.ToLower(src)
	if strings.HasPrefix(lower, "data:") {
		return false
	}
	for _, suffix := range imageSuffixes {
		if strings.HasSuffix(lower, suffix) {
			return true
		}
	}
	return false
}

// Resolve makes ref absolute against the directory of pageURL.
func Resolve(pageURL, ref string) string {
	return resolve(pageDirectory(pageURL), ref)
}

func resolve(base *url.URL, ref string) string {
	if absoluteHTTP.MatchString(ref) || base == nil {
		return ref
	}
	parsed, err := url.Parse(ref)
	if err != nil {
		return strings.TrimSuffix(base.String(), "/") + "/" + strings.TrimPrefix(ref, "/")
	}
	return base.ResolveReference(parsed).String()
}

// pageDirectory returns the URL of the directory holding pageURL, always with
// a trailing slash, or nil when pageURL is not an absolute URL.
func pageDirectory(pageURL string) *url.URL {
	if pageURL == "" {
		return nil
	}
	u, err := url.Parse(pageURL)
	if err != nil || !u.IsAbs() || u.Host == "" {
		return nil
	}
	dir := *u
	dir.RawQuery = ""
	dir.Fragment = ""
	if idx := strings.LastIndex(dir.Path, "/"); idx >= 0 {
		dir.Path = dir.Path[:idx+1]
	} else {
		dir.Path = "/"
	}
	dir.RawPath = ""
	return &dir
}

type orderedSet struct {
	seen  map[string]struct{}
	items []string
}

func newOrderedSet() *orderedSet {
	return &orderedSet{seen: make(map[string]struct{}), items: []string{}}
}

func (s *orderedSet) add(v string) {
	if _, ok := s.seen[v]; ok {
		return
	}
	s.seen[v] = struct{}{}
	s.items = append(s.items, v)
}
