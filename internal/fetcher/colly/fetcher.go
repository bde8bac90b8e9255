// Package collyfetcher implements crawler.Transport using gocolly.
package collyfetcher

import (
	"context"
	"fmt"
	"math/rand/v2"
	"net"
	"net/http"
	"time"

	"github.com/gocolly/colly/v2"

	"github.com/JakeFAU/regcrawler/internal/crawler"
)

// DefaultUserAgents are rotated when no agents are configured.
var DefaultUserAgents = []string{
	"Mozilla/5.0 (Windows NT 10.0; Win64; x64) AppleWebKit/537.36",
	"Mozilla/5.0 (Macintosh; Intel Mac OS X 10_15_7) AppleWebKit/537.36",
	"Mozilla/5.0 (X11; Linux x86_64) AppleWebKit/537.36",
}

var defaultHeaders = http.Header{
	"Accept":                    {"text/html,application/xhtml+xml,application/xml;q=0.9,*/*;q=0.8"},
	"Accept-Language":           {"en-US,en;q=0.5"},
	"Upgrade-Insecure-Requests": {"1"},
}

// Config controls collector behavior.
type Config struct {
	UserAgents   []string
	Timeout      time.Duration
	MaxBodyBytes int
}

// Fetcher performs a single GET per call. Every call builds its own collector
// over a shared connection pool, so concurrent workers never share collector
// state; retries and status classification belong to the caller.
type Fetcher struct {
	cfg       Config
	transport http.RoundTripper
	pickAgent func() string
}

type collectorHooks interface {
	OnRequest(colly.RequestCallback)
	OnResponse(colly.ResponseCallback)
	OnError(colly.ErrorCallback)
}

type attemptResult struct {
	resp crawler.Response
	err  error
}

// New builds a Fetcher.
func New(cfg Config) *Fetcher {
	if len(cfg.UserAgents) == 0 {
		cfg.UserAgents = DefaultUserAgents
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = 30 * time.Second
	}
	agents := append([]string(nil), cfg.UserAgents...)
	return &Fetcher{
		cfg:       cfg,
		transport: newHTTPTransport(),
		pickAgent: func() string { return agents[rand.IntN(len(agents))] },
	}
}

// Get executes one HTTP GET. Any received status is returned as a Response;
// the error is only set when no response arrived.
func (f *Fetcher) Get(ctx context.Context, rawURL string) (crawler.Response, error) {
	collector := f.buildCollector(ctx)
	result := &attemptResult{}
	f.configureCollectorHooks(collector, rawURL, result)

	done := make(chan error, 1)
	go func() {
		done <- collector.Visit(rawURL)
	}()

	select {
	case <-ctx.Done():
		return crawler.Response{URL: rawURL}, fmt.Errorf("colly fetch canceled: %w", ctx.Err())
	case err := <-done:
		if result.resp.StatusCode != 0 {
			return result.resp, nil
		}
		if result.err != nil {
			return crawler.Response{URL: rawURL}, fmt.Errorf("colly response failed: %w", result.err)
		}
		if err != nil {
			return crawler.Response{URL: rawURL}, fmt.Errorf("colly visit failed: %w", err)
		}
		return crawler.Response{URL: rawURL}, fmt.Errorf("colly visit %s: no response", rawURL)
	}
}

func (f *Fetcher) buildCollector(ctx context.Context) *colly.Collector {
	opts := []colly.CollectorOption{
		colly.Async(false),
		colly.AllowURLRevisit(),
		colly.IgnoreRobotsTxt(),
		colly.ParseHTTPErrorResponse(),
		colly.UserAgent(f.pickAgent()),
	}
	if f.cfg.MaxBodyBytes > 0 {
		opts = append(opts, colly.MaxBodySize(f.cfg.MaxBodyBytes))
	}
	collector := colly.NewCollector(opts...)
	collector.SetRequestTimeout(f.cfg.Timeout)
	collector.WithTransport(&contextTransport{base: f.transport, ctx: ctx})
	return collector
}

func (f *Fetcher) configureCollectorHooks(hooks collectorHooks, rawURL string, result *attemptResult) {
	hooks.OnRequest(func(r *colly.Request) {
		for key, values := range defaultHeaders {
			if r.Headers.Get(key) == "" {
				for _, v := range values {
					r.Headers.Add(key, v)
				}
			}
		}
	})

	hooks.OnResponse(func(r *colly.Response) {
		finalURL := rawURL
		if r.Request != nil && r.Request.URL != nil {
			finalURL = r.Request.URL.String()
		}
		var headers http.Header
		if r.Headers != nil {
			headers = r.Headers.Clone()
		}
		result.resp = crawler.Response{
			URL:        rawURL,
			FinalURL:   finalURL,
			StatusCode: r.StatusCode,
			Headers:    headers,
			Body:       append([]byte(nil), r.Body...),
		}
	})

	hooks.OnError(func(r *colly.Response, err error) {
		if r != nil && r.StatusCode != 0 && result.resp.StatusCode == 0 {
			var headers http.Header
			if r.Headers != nil {
				headers = r.Headers.Clone()
			}
			result.resp = crawler.Response{
				URL:        rawURL,
				FinalURL:   rawURL,
				StatusCode: r.StatusCode,
				Headers:    headers,
				Body:       append([]byte(nil), r.Body...),
			}
			return
		}
		result.err = err
	})
}

// contextTransport binds outgoing requests to the caller's context so a
// canceled crawl aborts in-flight connections.
type contextTransport struct {
	base http.RoundTripper
	ctx  context.Context
}

func (t *contextTransport) RoundTrip(req *http.Request) (*http.Response, error) {
	resp, err := t.base.RoundTrip(req.WithContext(t.ctx))
	if err != nil {
		return nil, fmt.Errorf("round trip: %w", err)
	}
	return resp, nil
}

func newHTTPTransport() *http.Transport {
	return &http.Transport{
		Proxy: http.ProxyFromEnvironment,
		DialContext: (&net.Dialer{
			Timeout:   10 * time.Second,
			KeepAlive: 30 * time.Second,
		}).DialContext,
		TLSHandshakeTimeout:   15 * time.Second,
		ExpectContinueTimeout: 1 * time.Second,
		MaxIdleConns:          100,
		MaxIdleConnsPerHost:   10,
		IdleConnTimeout:       90 * time.Second,
	}
}

var _ crawler.Transport = (*Fetcher)(nil)
