package crawler

import (
	"net/url"
	"strings"

	"github.com/rotisserie/eris"
)

// ErrInvalidURL is returned for URLs that are not absolute http(s) URLs.
var ErrInvalidURL = eris.New("invalid url")

// NormalizeURL standardizes a URL to avoid duplicates.
// It lowercases the scheme and host, removes default ports, sorts query
// parameters, removes fragments and strips a trailing slash from the path.
// Only absolute http and https URLs are accepted.
func NormalizeURL(rawURL string) (string, error) {
	u, err := ParseAbsolute(rawURL)
	if err != nil {
		return "", err
	}

	u.Scheme = strings.ToLower(u.Scheme)
	u.Host = strings.ToLower(u.Host)

	if u.Scheme == "http" && strings.HasSuffix(u.Host, ":80") {
		u.Host = strings.TrimSuffix(u.Host, ":80")
	}
	if u.Scheme == "https" && strings.HasSuffix(u.Host, ":443") {
		u.Host = strings.TrimSuffix(u.Host, ":443")
	}

	u.Fragment = ""
	u.RawFragment = ""

	if u.RawQuery != "" {
		u.RawQuery = u.Query().Encode()
	}

	u.Path = trimSlash(u.Path)
	if u.RawPath != "" {
		u.RawPath = trimSlash(u.RawPath)
	}

	return u.String(), nil
}

func trimSlash(path string) string {
	path = strings.TrimRight(path, "/")
	if path == "" {
		return "/"
	}
	return path
}

// ParseAbsolute parses rawURL and checks that it is an absolute http(s) URL
// with a host.
func ParseAbsolute(rawURL string) (*url.URL, error) {
	trimmed := strings.TrimSpace(rawURL)
	if trimmed == "" {
		return nil, eris.Wrap(ErrInvalidURL, "empty url")
	}
	u, err := url.Parse(trimmed)
	if err != nil {
		return nil, eris.Wrapf(ErrInvalidURL, "parse %q: %v", trimmed, err)
	}
	scheme := strings.ToLower(u.Scheme)
	if scheme != "http" && scheme != "https" {
		return nil, eris.Wrapf(ErrInvalidURL, "unsupported scheme in %q", trimmed)
	}
	if u.Hostname() == "" {
		return nil, eris.Wrapf(ErrInvalidURL, "missing host in %q", trimmed)
	}
	return u, nil
}

// HostOf returns the lowercase host (without port) for rawURL, or "" when the
// URL cannot be parsed.
func HostOf(rawURL string) string {
	u, err := url.Parse(strings.TrimSpace(rawURL))
	if err != nil {
		return ""
	}
	return strings.ToLower(u.Hostname())
}
