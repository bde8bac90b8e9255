package crawler

import (
	"context"
	"fmt"
	"net/http"
	"time"

	"go.uber.org/zap"
)

// FetcherConfig tunes RetryingFetcher.
type FetcherConfig struct {
	// MaxRetries is the total number of attempts per URL. Zero is treated as one.
	MaxRetries int
	Backoff    Backoff
	// OnAttempt observes every attempt after it completes.
	OnAttempt func(FetchAttempt)
}

// RetryingFetcher wraps a single-attempt Transport with per-host circuit
// breaking, rate limiting and exponential backoff. Its state between attempts
// is just the attempt number and the last failure, so every transition is
// visible in Fetch.
type RetryingFetcher struct {
	transport   Transport
	breaker     *CircuitBreaker
	limiter     HostLimiter
	backoff     Backoff
	maxAttempts int
	onAttempt   func(FetchAttempt)
	logger      *zap.Logger

	sleep   func(ctx context.Context, d time.Duration) error
	nowFunc func() time.Time
}

// NewRetryingFetcher builds a fetcher. limiter may be nil.
func NewRetryingFetcher(transport Transport, breaker *CircuitBreaker, limiter HostLimiter, cfg FetcherConfig, logger *zap.Logger) *RetryingFetcher {
	if logger == nil {
		logger = zap.NewNop()
	}
	if breaker == nil {
		breaker = NewCircuitBreaker(DefaultCircuitBreakerConfig())
	}
	attempts := cfg.MaxRetries
	if attempts < 1 {
		attempts = 1
	}
	return &RetryingFetcher{
		transport:   transport,
		breaker:     breaker,
		limiter:     limiter,
		backoff:     cfg.Backoff,
		maxAttempts: attempts,
		onAttempt:   cfg.OnAttempt,
		logger:      logger,
		sleep:       SleepContext,
		nowFunc:     time.Now,
	}
}

// MaxAttempts returns the attempt budget per URL.
func (f *RetryingFetcher) MaxAttempts() int {
	return f.maxAttempts
}

// Fetch retrieves rawURL. Every error is a *FetchError.
func (f *RetryingFetcher) Fetch(ctx context.Context, rawURL string) (FetchResult, error) {
	u, err := ParseAbsolute(rawURL)
	if err != nil {
		return FetchResult{}, &FetchError{Kind: KindInvalidURL, URL: rawURL, Last: err}
	}
	host := HostOf(u.String())
	if err := ctx.Err(); err != nil {
		return FetchResult{}, &FetchError{Kind: KindCanceled, URL: rawURL, Host: host, Last: err}
	}

	admitted, probe := f.breaker.admit(host)
	if !admitted {
		f.logger.Debug("circuit open, skipping fetch", zap.String("url", rawURL), zap.String("host", host))
		return FetchResult{}, &FetchError{Kind: KindCircuitOpen, URL: rawURL, Host: host, Last: ErrCircuitOpen}
	}

	canceled := func(attempts int, cause error) (FetchResult, error) {
		if probe {
			f.breaker.ReleaseProbe(host)
		}
		return FetchResult{}, &FetchError{Kind: KindCanceled, URL: rawURL, Host: host, Attempts: attempts, Last: cause}
	}

	started := f.nowFunc()
	var lastErr error
	lastStatus := 0
	for attempt := 1; ; attempt++ {
		if f.limiter != nil {
			if err := f.limiter.Wait(ctx, rawURL); err != nil {
				return canceled(attempt-1, err)
			}
		}

		attemptStart := f.nowFunc()
		resp, err := f.transport.Get(ctx, rawURL)
		attemptErr := classifyAttempt(resp, err)
		f.observe(FetchAttempt{
			URL:        rawURL,
			Host:       host,
			Attempt:    attempt,
			StatusCode: resp.StatusCode,
			Err:        attemptErr,
			Elapsed:    f.nowFunc().Sub(attemptStart),
		})

		if ctxErr := ctx.Err(); ctxErr != nil {
			return canceled(attempt, ctxErr)
		}

		if attemptErr == nil {
			f.breaker.recordResult(host, true, probe)
			finalURL := resp.FinalURL
			if finalURL == "" {
				finalURL = rawURL
			}
			return FetchResult{
				URL:        rawURL,
				FinalURL:   finalURL,
				StatusCode: resp.StatusCode,
				Headers:    resp.Headers,
				Body:       resp.Body,
				Attempts:   attempt,
				Duration:   f.nowFunc().Sub(started),
			}, nil
		}

		if _, transient := attemptErr.(*TransientError); !transient {
			f.breaker.recordResult(host, false, probe)
			return FetchResult{}, &FetchError{
				Kind:       KindClientError,
				URL:        rawURL,
				Host:       host,
				StatusCode: resp.StatusCode,
				Attempts:   attempt,
				Last:       attemptErr,
			}
		}

		lastErr = attemptErr
		lastStatus = resp.StatusCode
		if attempt >= f.maxAttempts {
			f.breaker.recordResult(host, false, probe)
			return FetchResult{}, &FetchError{
				Kind:       KindExhausted,
				URL:        rawURL,
				Host:       host,
				StatusCode: lastStatus,
				Attempts:   attempt,
				Last:       lastErr,
			}
		}

		delay := f.backoff.Delay(attempt)
		f.logger.Warn("transient fetch failure, retrying",
			zap.String("url", rawURL),
			zap.Int("attempt", attempt),
			zap.Int("max_attempts", f.maxAttempts),
			zap.Duration("backoff", delay),
			zap.Error(attemptErr),
		)
		if err := f.sleep(ctx, delay); err != nil {
			return canceled(attempt, err)
		}
		if f.breaker.IsOpen(host) {
			if probe {
				f.breaker.ReleaseProbe(host)
			}
			return FetchResult{}, &FetchError{
				Kind:       KindCircuitOpen,
				URL:        rawURL,
				Host:       host,
				StatusCode: lastStatus,
				Attempts:   attempt,
				Last:       lastErr,
			}
		}
	}
}

func (f *RetryingFetcher) observe(attempt FetchAttempt) {
	f.logger.Debug("fetch attempt",
		zap.String("url", attempt.URL),
		zap.Int("attempt", attempt.Attempt),
		zap.Int("status", attempt.StatusCode),
		zap.Duration("elapsed", attempt.Elapsed),
		zap.Error(attempt.Err),
	)
	if f.onAttempt != nil {
		f.onAttempt(attempt)
	}
}

// classifyAttempt returns nil for 2xx and a *TransientError for 429, 500,
// 502, 503, 504 and network errors. Every other status, including 3xx left
// over after redirects and 5xx codes such as 501 or 505, is permanent for the
// URL and is reported as KindClientError, the only non-retryable kind.
func classifyAttempt(resp Response, err error) error {
	if err != nil {
		return &TransientError{StatusCode: resp.StatusCode, Err: err}
	}
	switch {
	case resp.StatusCode >= 200 && resp.StatusCode < 300:
		return nil
	case IsTransientStatus(resp.StatusCode):
		return &TransientError{StatusCode: resp.StatusCode}
	default:
		return fmt.Errorf("unexpected status %d %s", resp.StatusCode, http.StatusText(resp.StatusCode))
	}
}

// IsTransientStatus reports whether an HTTP status is worth retrying.
func IsTransientStatus(code int) bool {
	switch code {
	case http.StatusTooManyRequests,
		http.StatusInternalServerError,
		http.StatusBadGateway,
		http.StatusServiceUnavailable,
		http.StatusGatewayTimeout:
		return true
	default:
		return false
	}
}
