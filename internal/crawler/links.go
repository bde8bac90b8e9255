package crawler

import (
	"bytes"
	"net/url"
	"strings"

	"github.com/PuerkitoBio/goquery"
	"github.com/rotisserie/eris"
)

// DefaultMaxLinksPerPage caps how many links a single page can contribute.
const DefaultMaxLinksPerPage = 500

// HTMLLinkExtractor resolves a[href] targets against the page URL.
type HTMLLinkExtractor struct {
	MaxLinks int
}

// ExtractLinks returns the unique absolute http(s) links found in body, in
// document order, with fragments removed.
func (x HTMLLinkExtractor) ExtractLinks(body []byte, baseURL string) ([]string, error) {
	base, err := ParseAbsolute(baseURL)
	if err != nil {
		return nil, err
	}
	doc, err := goquery.NewDocumentFromReader(bytes.NewReader(body))
	if err != nil {
		return nil, eris.Wrapf(err, "parse html from %s", baseURL)
	}
	if href, ok := doc.Find("base[href]").First().Attr("href"); ok {
		if resolved, err := base.Parse(strings.TrimSpace(href)); err == nil {
			base = resolved
		}
	}

	maxLinks := x.MaxLinks
	if maxLinks <= 0 {
		maxLinks = DefaultMaxLinksPerPage
	}
	seen := make(map[string]struct{})
	links := make([]string, 0)

	doc.Find("a[href]").EachWithBreak(func(_ int, s *goquery.Selection) bool {
		href, _ := s.Attr("href")
		href = strings.TrimSpace(href)
		if href == "" || strings.HasPrefix(href, "#") {
			return true
		}
		lower := strings.ToLower(href)
		if strings.HasPrefix(lower, "javascript:") || strings.HasPrefix(lower, "mailto:") || strings.HasPrefix(lower, "tel:") {
			return true
		}
		u, err := base.Parse(href)
		if err != nil {
			return true
		}
		u.Fragment = ""
		u.RawFragment = ""
		if !isHTTPURL(u) {
			return true
		}
		abs := u.String()
		if _, dup := seen[abs]; dup {
			return true
		}
		seen[abs] = struct{}{}
		links = append(links, abs)
		return len(links) < maxLinks
	})
	return links, nil
}

func isHTTPURL(u *url.URL) bool {
	scheme := strings.ToLower(u.Scheme)
	return (scheme == "http" || scheme == "https") && u.Hostname() != ""
}
