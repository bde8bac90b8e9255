package crawler

import (
	"fmt"
	"net/url"
	"regexp"
)

// DefaultFinalPagePatterns identify document pages when none are configured.
var DefaultFinalPagePatterns = []string{
	`/rule/\d+`,
	`/regulation/\d+`,
	`/document/\d+`,
}

// PatternMatcher decides whether a URL is a final page, i.e. one that should be
// parsed into a Record instead of followed for links.
// It holds only compiled expressions and is safe for concurrent use.
type PatternMatcher struct {
	sources  []string
	patterns []*regexp.Regexp
}

// NewPatternMatcher compiles patterns in order. A malformed pattern is a
// configuration error naming its index.
func NewPatternMatcher(patterns []string) (*PatternMatcher, error) {
	m := &PatternMatcher{
		sources:  make([]string, 0, len(patterns)),
		patterns: make([]*regexp.Regexp, 0, len(patterns)),
	}
	for i, raw := range patterns {
		re, err := regexp.Compile(raw)
		if err != nil {
			return nil, NewConfigError(fmt.Sprintf("crawler.final_page_patterns[%d]", i), "is not a valid expression: %w", err)
		}
		m.sources = append(m.sources, raw)
		m.patterns = append(m.patterns, re)
	}
	return m, nil
}

// Patterns returns the configured pattern sources.
func (m *PatternMatcher) Patterns() []string {
	out := make([]string, len(m.sources))
	copy(out, m.sources)
	return out
}

// IsFinalPage reports whether any pattern matches the URL's path (with the
// query appended when present). Unparseable URLs never match.
func (m *PatternMatcher) IsFinalPage(rawURL string) bool {
	u, err := url.Parse(rawURL)
	if err != nil {
		return false
	}
	target := u.EscapedPath()
	if u.RawQuery != "" {
		target += "?" + u.RawQuery
	}
	for _, re := range m.patterns {
		if re.MatchString(target) {
			return true
		}
	}
	return false
}
