// Package scope decides which discovered URLs belong to a crawl.
package scope

import (
	"strings"

	"github.com/JakeFAU/regcrawler/internal/crawler"
)

// Policy admits URLs whose host is allowed and not denied.
// Host patterns are either exact hosts or "*.suffix" wildcards; a wildcard
// also matches the bare suffix.
type Policy struct {
	allowed *hostSet
	denied  *hostSet
}

// New builds a policy. When allowed is empty, the hosts of seeds are used so a
// crawl never wanders off the sites it was pointed at.
func New(allowed, denied, seeds []string) *Policy {
	if len(allowed) == 0 {
		for _, seed := range seeds {
			if host := crawler.HostOf(seed); host != "" {
				allowed = append(allowed, host)
			}
		}
	}
	return &Policy{
		allowed: newHostSet(allowed),
		denied:  newHostSet(denied),
	}
}

// Allowed reports whether rawURL is an in-scope http(s) URL.
func (p *Policy) Allowed(rawURL string) bool {
	u, err := crawler.ParseAbsolute(rawURL)
	if err != nil {
		return false
	}
	host := strings.ToLower(u.Hostname())
	if p.denied.Matches(host) {
		return false
	}
	if p.allowed == nil {
		return true
	}
	return p.allowed.Matches(host)
}

// hostSet stores exact hosts and suffix wildcards derived from configuration.
type hostSet struct {
	exact    map[string]struct{}
	suffixes []string
}

func newHostSet(patterns []string) *hostSet {
	set := &hostSet{
		exact: make(map[string]struct{}),
	}
	for _, raw := range patterns {
		value := strings.TrimSpace(strings.ToLower(raw))
		if value == "" {
			continue
		}
		switch {
		case strings.HasPrefix(value, "*."):
			set.addSuffix(strings.TrimPrefix(value, "*."))
		case strings.HasPrefix(value, "."):
			set.addSuffix(strings.TrimPrefix(value, "."))
		default:
			set.exact[value] = struct{}{}
		}
	}
	if len(set.exact) == 0 && len(set.suffixes) == 0 {
		return nil
	}
	return set
}

func (s *hostSet) addSuffix(suffix string) {
	if suffix == "" {
		return
	}
	for _, existing := range s.suffixes {
		if existing == suffix {
			return
		}
	}
	s.suffixes = append(s.suffixes, suffix)
}

// Matches reports whether host is in the set. A nil set matches nothing.
func (s *hostSet) Matches(host string) bool {
	if s == nil || host == "" {
		return false
	}
	if _, ok := s.exact[host]; ok {
		return true
	}
	for _, suffix := range s.suffixes {
		if host == suffix || strings.HasSuffix(host, "."+suffix) {
			return true
		}
	}
	return false
}

var _ crawler.ScopePolicy = (*Policy)(nil)
