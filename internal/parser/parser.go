// Package parser turns fetched HTML into crawler records using goquery.
package parser

import (
	"bytes"
	"regexp"
	"strconv"
	"strings"
	"time"
	"unicode"

	"github.com/PuerkitoBio/goquery"

	"github.com/JakeFAU/regcrawler/internal/crawler"
	"github.com/JakeFAU/regcrawler/internal/id/uuid"
)

var idPatterns = []*regexp.Regexp{
	regexp.MustCompile(`/rule/(\d+)`),
	regexp.MustCompile(`/regulation/(\d+)`),
	regexp.MustCompile(`/document/(\d+)`),
	regexp.MustCompile(`id=(\d+)`),
	regexp.MustCompile(`/(\d+)/?$`),
}

var (
	titleSelectors   = []string{"h1.document-title", "h1.rule-title", ".page-title h1", "h1", "title"}
	contentSelectors = []string{".document-content", ".rule-content", ".main-content", "main", ".content", "article"}
	sectionClass     = regexp.MustCompile(`section|heading`)
	authorClass      = regexp.MustCompile(`author|byline`)
	docTypeClass     = regexp.MustCompile(`document-type|rule-type`)
	whitespace       = regexp.MustCompile(`\s+`)
)

const (
	boilerplateSelector = "script, style, nav, header, footer"
	headingSelector     = "h2, h3, h4"
	// minContentChars is how much text a content container needs before it is
	// preferred over the whole body.
	minContentChars = 100
)

// HTMLParser extracts id, title, text, sections and metadata from a page.
type HTMLParser struct {
	clock crawler.Clock
}

// New returns a parser stamping records with clock's time. A nil clock uses
// UTC wall time.
func New(clock crawler.Clock) *HTMLParser {
	return &HTMLParser{clock: clock}
}

// Parse builds a Record for sourceURL. Pages with neither a title nor any text
// are rejected.
func (p *HTMLParser) Parse(body []byte, sourceURL string) (crawler.Record, error) {
	doc, err := goquery.NewDocumentFromReader(bytes.NewReader(body))
	if err != nil {
		return crawler.Record{}, crawler.NewParseError(sourceURL, err)
	}

	record := crawler.Record{
		ID:    extractID(sourceURL, doc),
		Title: extractTitle(doc),
		URL:   sourceURL,
	}
	// Text extraction strips boilerplate, which sections must not see either.
	record.Text = extractText(doc)
	record.Sections = extractSections(doc)
	record.Metadata = extractMetadata(doc)
	record.ScrapedAt = p.now()

	if record.Title == "" && record.Text == "" {
		return crawler.Record{}, crawler.NewParseError(sourceURL, crawler.ErrParse)
	}
	return record, nil
}

func (p *HTMLParser) now() time.Time {
	if p.clock == nil {
		return time.Now().UTC()
	}
	return p.clock.Now().UTC()
}

func extractID(sourceURL string, doc *goquery.Document) string {
	for _, re := range idPatterns {
		if m := re.FindStringSubmatch(sourceURL); len(m) == 2 {
			return m[1]
		}
	}
	if content, ok := doc.Find(`meta[name="document-id"]`).First().Attr("content"); ok && strings.TrimSpace(content) != "" {
		return strings.TrimSpace(content)
	}
	if id, ok := doc.Find("[data-id]").First().Attr("data-id"); ok && strings.TrimSpace(id) != "" {
		return strings.TrimSpace(id)
	}
	return uuid.ForURL(sourceURL)
}

func extractTitle(doc *goquery.Document) string {
	for _, selector := range titleSelectors {
		if title := CleanText(doc.Find(selector).First().Text()); title != "" {
			return title
		}
	}
	return ""
}

func extractText(doc *goquery.Document) string {
	doc.Find(boilerplateSelector).Remove()
	for _, selector := range contentSelectors {
		sel := doc.Find(selector).First()
		if sel.Length() == 0 {
			continue
		}
		if text := CleanText(sel.Text()); len(text) > minContentChars {
			return text
		}
	}
	return CleanText(doc.Find("body").First().Text())
}

func extractSections(doc *goquery.Document) []crawler.Section {
	sections := make([]crawler.Section, 0)
	index := 0
	doc.Find(headingSelector).Each(func(_ int, header *goquery.Selection) {
		if !hasClassMatching(header, sectionClass) {
			return
		}
		index++
		id, _ := header.Attr("id")
		if strings.TrimSpace(id) == "" {
			id = "section_" + strconv.Itoa(index)
		}
		title := CleanText(header.Text())

		parts := make([]string, 0)
		header.NextUntil(headingSelector).Each(func(_ int, s *goquery.Selection) {
			if text := CleanText(s.Text()); text != "" {
				parts = append(parts, text)
			}
		})
		text := strings.Join(parts, " ")
		if title == "" && text == "" {
			return
		}
		sections = append(sections, crawler.Section{ID: id, Title: title, Text: text})
	})
	return sections
}

func extractMetadata(doc *goquery.Document) map[string]string {
	metadata := make(map[string]string)
	doc.Find("meta").Each(func(_ int, meta *goquery.Selection) {
		name, ok := meta.Attr("name")
		if !ok || name == "" {
			name, _ = meta.Attr("property")
		}
		content, _ := meta.Attr("content")
		if name != "" && content != "" {
			metadata[name] = content
		}
	})

	if published := doc.Find("time.published").First(); published.Length() > 0 {
		if dt, ok := published.Attr("datetime"); ok && dt != "" {
			metadata["date_published"] = dt
		} else if text := CleanText(published.Text()); text != "" {
			metadata["date_published"] = text
		}
	}
	if author := firstWithClass(doc, authorClass); author != nil {
		metadata["author"] = CleanText(author.Text())
	}
	if docType := firstWithClass(doc, docTypeClass); docType != nil {
		metadata["document_type"] = CleanText(docType.Text())
	}
	return metadata
}

func firstWithClass(doc *goquery.Document, re *regexp.Regexp) *goquery.Selection {
	var found *goquery.Selection
	doc.Find("[class]").EachWithBreak(func(_ int, s *goquery.Selection) bool {
		if hasClassMatching(s, re) {
			found = s
			return false
		}
		return true
	})
	return found
}

func hasClassMatching(s *goquery.Selection, re *regexp.Regexp) bool {
	class, ok := s.Attr("class")
	if !ok {
		return false
	}
	for _, name := range strings.Fields(class) {
		if re.MatchString(name) {
			return true
		}
	}
	return false
}

// CleanText collapses runs of whitespace and drops control characters.
func CleanText(text string) string {
	text = whitespace.ReplaceAllString(strings.TrimSpace(text), " ")
	return strings.Map(func(r rune) rune {
		if unicode.IsControl(r) {
			return -1
		}
		return r
	}, text)
}

var _ crawler.Parser = (*HTMLParser)(nil)
