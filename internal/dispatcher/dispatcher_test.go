package dispatcher

import (
	"context"
	"net/http"
	"sort"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/JakeFAU/regcrawler/internal/crawler"
	"github.com/JakeFAU/regcrawler/internal/output"
	"github.com/JakeFAU/regcrawler/internal/policy/scope"
	"github.com/JakeFAU/regcrawler/internal/progress"
)

// siteTransport serves a fixed set of pages; unknown URLs are 404s.
type siteTransport struct {
	pages map[string]string
	// block, when set, holds every request until the request context ends.
	block bool

	mu    sync.Mutex
	calls map[string]int
}

func newSite(pages map[string]string) *siteTransport {
	return &siteTransport{pages: pages, calls: make(map[string]int)}
}

func (s *siteTransport) Get(ctx context.Context, rawURL string) (crawler.Response, error) {
	s.mu.Lock()
	s.calls[rawURL]++
	s.mu.Unlock()
	if s.block {
		<-ctx.Done()
		return crawler.Response{URL: rawURL}, ctx.Err()
	}
	body, ok := s.pages[rawURL]
	if !ok {
		return crawler.Response{URL: rawURL, StatusCode: http.StatusNotFound}, nil
	}
	return crawler.Response{URL: rawURL, FinalURL: rawURL, StatusCode: http.StatusOK, Body: []byte(body)}, nil
}

func (s *siteTransport) total() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	n := 0
	for _, c := range s.calls {
		n += c
	}
	return n
}

func (s *siteTransport) fetched() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]string, 0, len(s.calls))
	for u := range s.calls {
		out = append(out, u)
	}
	sort.Strings(out)
	return out
}

type countingParser struct {
	calls atomic.Int64
}

func (p *countingParser) Parse(body []byte, sourceURL string) (crawler.Record, error) {
	p.calls.Add(1)
	return crawler.Record{ID: sourceURL, URL: sourceURL, Title: "Rule", Text: string(body)}, nil
}

type runOptions struct {
	seeds       []string
	patterns    []string
	concurrency int
	maxDepth    int
	progress    progress.Emitter
}

type runResult struct {
	summary crawler.Summary
	parser  *countingParser
	d       *Dispatcher
}

func newTestDispatcher(t *testing.T, site *siteTransport, opts runOptions) (*Dispatcher, *countingParser) {
	t.Helper()
	if opts.patterns == nil {
		opts.patterns = crawler.DefaultFinalPagePatterns
	}
	if opts.concurrency == 0 {
		opts.concurrency = 3
	}
	matcher, err := crawler.NewPatternMatcher(opts.patterns)
	require.NoError(t, err)
	fetcher := crawler.NewRetryingFetcher(site, crawler.NewCircuitBreaker(crawler.DefaultCircuitBreakerConfig()), nil, crawler.FetcherConfig{
		MaxRetries: 3,
		Backoff:    crawler.NewBackoff(time.Millisecond),
	}, zap.NewNop())
	sink, err := output.NewSink(output.Config{RunID: "test", DryRun: true}, output.Deps{}, zap.NewNop())
	require.NoError(t, err)
	parser := &countingParser{}

	d, err := New(Config{
		Seeds:       opts.seeds,
		Concurrency: opts.concurrency,
		MaxDepth:    opts.maxDepth,
	}, Deps{
		Fetcher:  fetcher,
		Matcher:  matcher,
		Parser:   parser,
		Scope:    scope.New(nil, nil, opts.seeds),
		Sink:     sink,
		Progress: opts.progress,
	}, zap.NewNop())
	require.NoError(t, err)
	require.Equal(t, StateInit, d.State())
	return d, parser
}

func runCrawl(t *testing.T, ctx context.Context, site *siteTransport, opts runOptions) runResult {
	t.Helper()
	d, parser := newTestDispatcher(t, site, opts)
	summary, err := d.Run(ctx)
	require.NoError(t, err)
	require.Equal(t, StateDone, d.State())
	return runResult{summary: summary, parser: parser, d: d}
}

func recordURLs(s crawler.Summary) []string {
	out := make([]string, 0, len(s.Records))
	for _, r := range s.Records {
		out = append(out, r.URL)
	}
	sort.Strings(out)
	return out
}

// listingSite has an index linking to three rules and a sub-index, which links
// back to the index and on to a fourth rule.
func listingSite() *siteTransport {
	return newSite(map[string]string{
		"https://ex.org/":          `<a href="/rule/1">1</a><a href="/rule/2">2</a><a href="/rule/3#top">3</a><a href="/list/">more</a><a href="https://other.org/rule/9">off-site</a>`,
		"https://ex.org/list/":     `<a href="/">home</a><a href="/rule/4">4</a><a href="/rule/1">1 again</a>`,
		"https://ex.org/rule/1":    "rule one",
		"https://ex.org/rule/2":    "rule two",
		"https://ex.org/rule/3":    "rule three",
		"https://ex.org/rule/4":    "rule four",
		"https://other.org/rule/9": "off-site rule",
	})
}

func TestScenarioSingleFinalSeed(t *testing.T) {
	t.Parallel()

	site := newSite(map[string]string{"https://ex.org/rule/1": "<h1>Rule</h1>"})
	res := runCrawl(t, context.Background(), site, runOptions{
		seeds:    []string{"https://ex.org/rule/1"},
		patterns: []string{`/rule/\d+`},
		maxDepth: 0,
	})

	require.Equal(t, 1, site.total(), "exactly one fetch attempt")
	require.EqualValues(t, 1, res.parser.calls.Load())
	require.EqualValues(t, 1, res.summary.Stats.Succeeded)
	require.EqualValues(t, 1, res.summary.Stats.Records)
	require.Len(t, res.summary.Records, 1)
	require.False(t, res.summary.Canceled)
}

func TestScenarioSerialBaseline(t *testing.T) {
	t.Parallel()

	seeds := []string{"https://ex.org/rule/1", "https://ex.org/rule/2", "https://ex.org/rule/3"}
	pages := map[string]string{}
	for _, s := range seeds {
		pages[s] = "body"
	}

	serial := runCrawl(t, context.Background(), newSite(pages), runOptions{seeds: seeds, concurrency: 1})
	require.EqualValues(t, 3, serial.summary.Stats.Fetched)
	require.EqualValues(t, 3, serial.summary.Stats.Dispatched)
	require.EqualValues(t, 3, serial.summary.Stats.Succeeded)

	parallel := runCrawl(t, context.Background(), newSite(pages), runOptions{seeds: seeds, concurrency: 5})
	require.Equal(t, serial.summary.Stats, parallel.summary.Stats)
	require.Equal(t, recordURLs(serial.summary), recordURLs(parallel.summary))
}

func TestCrawlFollowsLinksWithinScope(t *testing.T) {
	t.Parallel()

	site := listingSite()
	res := runCrawl(t, context.Background(), site, runOptions{seeds: []string{"https://ex.org/"}, maxDepth: 2})

	require.Equal(t, []string{
		"https://ex.org/",
		"https://ex.org/list/",
		"https://ex.org/rule/1",
		"https://ex.org/rule/2",
		"https://ex.org/rule/3",
		"https://ex.org/rule/4",
	}, site.fetched())
	for _, u := range site.fetched() {
		require.Equal(t, 1, site.calls[u], "%s fetched once", u)
	}
	require.Equal(t, []string{
		"https://ex.org/rule/1",
		"https://ex.org/rule/2",
		"https://ex.org/rule/3",
		"https://ex.org/rule/4",
	}, recordURLs(res.summary))

	stats := res.summary.Stats
	require.EqualValues(t, 6, stats.Dispatched)
	require.EqualValues(t, 6, stats.Succeeded)
	require.EqualValues(t, 4, stats.Records)
	require.EqualValues(t, 5, stats.LinksFollowed)
	require.Empty(t, res.summary.Failures)
	require.Equal(t, res.summary.Stats, res.d.Stats())
}

func TestCrawlIsIdempotent(t *testing.T) {
	t.Parallel()

	opts := runOptions{seeds: []string{"https://ex.org/"}, maxDepth: 2, concurrency: 4}
	first := runCrawl(t, context.Background(), listingSite(), opts)
	second := runCrawl(t, context.Background(), listingSite(), opts)

	require.Equal(t, recordURLs(first.summary), recordURLs(second.summary))
	require.ElementsMatch(t, first.summary.Records, second.summary.Records)
}

func TestCrawlDepthZeroFetchesSeedsOnly(t *testing.T) {
	t.Parallel()

	site := listingSite()
	res := runCrawl(t, context.Background(), site, runOptions{seeds: []string{"https://ex.org/"}, maxDepth: 0})

	require.Equal(t, []string{"https://ex.org/"}, site.fetched())
	require.Zero(t, res.summary.Stats.LinksFollowed)
	require.Empty(t, res.summary.Records)
}

func TestCrawlRecordsFailuresWithKinds(t *testing.T) {
	t.Parallel()

	site := newSite(map[string]string{
		"https://ex.org/":       `<a href="/rule/1">1</a><a href="/rule/404">missing</a>`,
		"https://ex.org/rule/1": "one",
	})
	res := runCrawl(t, context.Background(), site, runOptions{
		seeds:    []string{"https://ex.org/", "ftp://ex.org/file", "https://ex.org/"},
		maxDepth: 1,
	})

	kinds := map[string]crawler.ErrorKind{}
	for _, f := range res.summary.Failures {
		kinds[f.URL] = f.Kind
	}
	require.Equal(t, map[string]crawler.ErrorKind{
		"ftp://ex.org/file":       crawler.KindInvalidURL,
		"https://ex.org/rule/404": crawler.KindClientError,
	}, kinds)
	require.EqualValues(t, 2, res.summary.Stats.Failed)
	require.EqualValues(t, 1, res.summary.Stats.ByKind[crawler.KindInvalidURL])
	require.EqualValues(t, 1, res.summary.Stats.ByKind[crawler.KindClientError])
	require.EqualValues(t, 2, res.summary.Stats.Succeeded)
}

func TestCrawlCancellationDrains(t *testing.T) {
	t.Parallel()

	site := listingSite()
	site.block = true
	ctx, cancel := context.WithCancel(context.Background())
	time.AfterFunc(50*time.Millisecond, cancel)

	d, _ := newTestDispatcher(t, site, runOptions{seeds: []string{"https://ex.org/", "https://ex.org/rule/1"}, maxDepth: 2, concurrency: 2})
	type result struct {
		summary crawler.Summary
		err     error
	}
	done := make(chan result, 1)
	go func() {
		summary, err := d.Run(ctx)
		done <- result{summary, err}
	}()

	select {
	case res := <-done:
		require.NoError(t, res.err)
		require.True(t, res.summary.Canceled)
		require.EqualValues(t, 2, res.summary.Stats.ByKind[crawler.KindCanceled])
		require.Empty(t, res.summary.Records)
		require.Equal(t, StateDone, d.State())
	case <-time.After(5 * time.Second):
		t.Fatal("run did not drain after cancellation")
	}
}

func TestCrawlCancellationReportsPendingURLs(t *testing.T) {
	t.Parallel()

	seeds := []string{
		"https://ex.org/rule/1",
		"https://ex.org/rule/2",
		"https://ex.org/rule/3",
		"https://ex.org/rule/4",
	}
	site := listingSite()
	site.block = true
	ctx, cancel := context.WithCancel(context.Background())
	time.AfterFunc(50*time.Millisecond, cancel)

	res := runCrawl(t, ctx, site, runOptions{seeds: seeds, concurrency: 1})
	require.True(t, res.summary.Canceled)
	require.Empty(t, res.summary.Records)
	require.Len(t, res.summary.Failures, len(seeds), "every seed is accounted for")
	require.EqualValues(t, len(seeds), res.summary.Stats.Discovered)
	require.EqualValues(t, len(seeds), res.summary.Stats.Failed)
	require.EqualValues(t, len(seeds), res.summary.Stats.ByKind[crawler.KindCanceled])
	require.Less(t, site.total(), len(seeds), "pending seeds were never fetched")

	listed := make([]string, 0, len(res.summary.Failures))
	for _, f := range res.summary.Failures {
		require.Equal(t, crawler.KindCanceled, f.Kind)
		require.Zero(t, f.Depth)
		listed = append(listed, f.URL)
	}
	require.ElementsMatch(t, seeds, listed)
	require.Zero(t, res.d.deps.Frontier.Len())
}

func TestNewValidatesConfig(t *testing.T) {
	t.Parallel()

	matcher, err := crawler.NewPatternMatcher(nil)
	require.NoError(t, err)
	sink, err := output.NewSink(output.Config{RunID: "x", DryRun: true}, output.Deps{}, nil)
	require.NoError(t, err)
	deps := Deps{
		Fetcher: crawler.NewRetryingFetcher(newSite(nil), nil, nil, crawler.FetcherConfig{}, nil),
		Matcher: matcher,
		Parser:  &countingParser{},
		Sink:    sink,
	}
	seeds := []string{"https://ex.org/"}

	tests := []struct {
		name string
		cfg  Config
		deps Deps
		key  string
	}{
		{"zero concurrency", Config{Seeds: seeds, Concurrency: 0}, deps, "crawler.concurrency_level"},
		{"negative depth", Config{Seeds: seeds, Concurrency: 1, MaxDepth: -1}, deps, "crawler.max_depth"},
		{"no seeds", Config{Concurrency: 1}, deps, "crawler.start_urls"},
		{"no fetcher", Config{Seeds: seeds, Concurrency: 1}, Deps{Parser: deps.Parser, Sink: sink, Matcher: matcher}, "fetcher"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			_, err := New(tt.cfg, tt.deps, nil)
			require.Error(t, err)
			require.True(t, crawler.IsConfigError(err))
			require.Contains(t, err.Error(), tt.key)
		})
	}
}

func TestRunIsSingleUse(t *testing.T) {
	t.Parallel()

	res := runCrawl(t, context.Background(), newSite(map[string]string{"https://ex.org/rule/1": "x"}), runOptions{seeds: []string{"https://ex.org/rule/1"}})
	_, err := res.d.Run(context.Background())
	require.ErrorContains(t, err, "already ran")
}

func TestRunStateString(t *testing.T) {
	t.Parallel()

	for state, want := range map[RunState]string{
		StateInit:     "init",
		StateRunning:  "running",
		StateDraining: "draining",
		StateDone:     "done",
		RunState(9):   "RunState(9)",
	} {
		require.Equal(t, want, state.String())
	}
	text, err := StateDraining.MarshalText()
	require.NoError(t, err)
	require.Equal(t, "draining", string(text))
}

type batchRecorder struct {
	mu     sync.Mutex
	events []progress.Event
}

func (b *batchRecorder) Consume(_ context.Context, batch []progress.Event) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.events = append(b.events, batch...)
	return nil
}

func (b *batchRecorder) Close(context.Context) error { return nil }

func TestRunStreamsProgress(t *testing.T) {
	t.Parallel()

	rec := &batchRecorder{}
	hub := progress.NewHub(progress.Config{RunID: "test", MaxBatchWait: time.Millisecond}, rec)
	res := runCrawl(t, context.Background(), listingSite(), runOptions{
		seeds:    []string{"https://ex.org/"},
		maxDepth: 2,
		progress: hub,
	})
	require.NoError(t, hub.Close(context.Background()))

	rec.mu.Lock()
	defer rec.mu.Unlock()
	require.GreaterOrEqual(t, len(rec.events), 2)
	require.Equal(t, progress.StageRunStart, rec.events[0].Stage)
	last := rec.events[len(rec.events)-1]
	require.Equal(t, progress.StageRunDone, last.Stage)
	require.Empty(t, last.Note)

	pages := 0
	for _, evt := range rec.events {
		require.Equal(t, "test", evt.RunID)
		if evt.Stage == progress.StagePageDone {
			pages++
		}
	}
	require.EqualValues(t, res.summary.Stats.Dispatched, pages)
}
