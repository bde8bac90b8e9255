package collyfetcher

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"net/url"
	"sync"
	"testing"
	"time"

	"github.com/gocolly/colly/v2"
	"github.com/stretchr/testify/require"
)

func TestFetcherGetSuccess(t *testing.T) {
	t.Parallel()

	var (
		mu      sync.Mutex
		headers http.Header
	)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		mu.Lock()
		headers = r.Header.Clone()
		mu.Unlock()
		w.Header().Set("Content-Type", "text/html")
		_, _ = w.Write([]byte("<html><title>ok</title></html>"))
	}))
	defer srv.Close()

	f := New(Config{UserAgents: []string{"test-agent"}, Timeout: time.Second})
	resp, err := f.Get(context.Background(), srv.URL+"/rule/1")
	require.NoError(t, err)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	require.Equal(t, srv.URL+"/rule/1", resp.FinalURL)
	require.Contains(t, string(resp.Body), "<title>ok</title>")
	require.Equal(t, "text/html", resp.Headers.Get("Content-Type"))

	mu.Lock()
	defer mu.Unlock()
	require.Equal(t, "test-agent", headers.Get("User-Agent"))
	require.Equal(t, "en-US,en;q=0.5", headers.Get("Accept-Language"))
}

func TestFetcherGetReturnsErrorStatuses(t *testing.T) {
	t.Parallel()

	for _, code := range []int{http.StatusNotFound, http.StatusServiceUnavailable, http.StatusTooManyRequests} {
		srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
			w.WriteHeader(code)
			_, _ = w.Write([]byte("nope"))
		}))
		f := New(Config{Timeout: time.Second})
		resp, err := f.Get(context.Background(), srv.URL)
		srv.Close()
		require.NoError(t, err, code)
		require.Equal(t, code, resp.StatusCode)
	}
}

func TestFetcherGetSameURLTwice(t *testing.T) {
	t.Parallel()

	var (
		mu    sync.Mutex
		calls int
	)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		mu.Lock()
		calls++
		mu.Unlock()
		w.WriteHeader(http.StatusServiceUnavailable)
	}))
	defer srv.Close()

	f := New(Config{Timeout: time.Second})
	for i := 0; i < 2; i++ {
		resp, err := f.Get(context.Background(), srv.URL+"/retry")
		require.NoError(t, err)
		require.Equal(t, http.StatusServiceUnavailable, resp.StatusCode)
	}
	mu.Lock()
	defer mu.Unlock()
	require.Equal(t, 2, calls, "retries must reach the server again")
}

func TestFetcherGetNetworkError(t *testing.T) {
	t.Parallel()

	srv := httptest.NewServer(http.HandlerFunc(func(http.ResponseWriter, *http.Request) {}))
	addr := srv.URL
	srv.Close()

	f := New(Config{Timeout: time.Second})
	resp, err := f.Get(context.Background(), addr)
	require.Error(t, err)
	require.Zero(t, resp.StatusCode)
}

func TestFetcherGetCanceled(t *testing.T) {
	t.Parallel()

	release := make(chan struct{})
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		select {
		case <-release:
		case <-r.Context().Done():
		}
	}))
	defer srv.Close()
	defer close(release)

	f := New(Config{Timeout: 5 * time.Second})
	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()

	start := time.Now()
	_, err := f.Get(ctx, srv.URL)
	require.Error(t, err)
	require.True(t, errors.Is(err, context.DeadlineExceeded))
	require.Less(t, time.Since(start), 2*time.Second)
}

func TestNewDefaults(t *testing.T) {
	t.Parallel()

	f := New(Config{})
	require.Equal(t, 30*time.Second, f.cfg.Timeout)
	require.Contains(t, DefaultUserAgents, f.pickAgent())
}

func TestConfigureCollectorHooks(t *testing.T) {
	t.Parallel()

	f := New(Config{})
	result := &attemptResult{}
	hooks := &stubHooks{}
	f.configureCollectorHooks(hooks, "https://example.com/start", result)
	require.NotNil(t, hooks.onRequest)
	require.NotNil(t, hooks.onResponse)
	require.NotNil(t, hooks.onError)

	collyReq := &colly.Request{Headers: &http.Header{"Accept": {"text/plain"}}}
	hooks.onRequest(collyReq)
	require.Equal(t, "text/plain", collyReq.Headers.Get("Accept"), "explicit headers are kept")
	require.Equal(t, "1", collyReq.Headers.Get("Upgrade-Insecure-Requests"))

	hooks.onResponse(&colly.Response{
		StatusCode: http.StatusCreated,
		Body:       []byte("body"),
		Headers:    &http.Header{"X-Resp": {"ok"}},
		Request:    &colly.Request{URL: mustParseURL(t, "https://example.com/final")},
	})
	require.Equal(t, http.StatusCreated, result.resp.StatusCode)
	require.Equal(t, "https://example.com/final", result.resp.FinalURL)
	require.Equal(t, "ok", result.resp.Headers.Get("X-Resp"))

	other := &attemptResult{}
	f.configureCollectorHooks(hooks, "https://example.com/x", other)
	hooks.onError(nil, errors.New("boom"))
	require.EqualError(t, other.err, "boom")
}

func mustParseURL(t *testing.T, raw string) *url.URL {
	t.Helper()
	u, err := url.Parse(raw)
	if err != nil {
		t.Fatalf("failed to parse url %q: %v", raw, err)
	}
	return u
}

type stubHooks struct {
	onRequest  colly.RequestCallback
	onResponse colly.ResponseCallback
	onError    colly.ErrorCallback
}

func (s *stubHooks) OnRequest(cb colly.RequestCallback) {
	s.onRequest = cb
}

func (s *stubHooks) OnResponse(cb colly.ResponseCallback) {
	s.onResponse = cb
}

func (s *stubHooks) OnError(cb colly.ErrorCallback) {
	s.onError = cb
}
