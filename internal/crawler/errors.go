package crawler

import (
	"errors"
	"fmt"

	"github.com/rotisserie/eris"
)

// ErrorKind classifies why a URL failed.
type ErrorKind string

// Error kinds reported in RunStats and the summary.
const (
	KindConfig      ErrorKind = "config"
	KindCircuitOpen ErrorKind = "circuit_open"
	KindClientError ErrorKind = "client_error"
	KindTransient   ErrorKind = "transient"
	KindExhausted   ErrorKind = "exhausted"
	KindParse       ErrorKind = "parse"
	KindCanceled    ErrorKind = "canceled"
	KindInvalidURL  ErrorKind = "invalid_url"
	KindSink        ErrorKind = "sink"
)

// AllErrorKinds lists every kind in report order.
var AllErrorKinds = []ErrorKind{
	KindCircuitOpen,
	KindClientError,
	KindTransient,
	KindExhausted,
	KindParse,
	KindCanceled,
	KindInvalidURL,
	KindSink,
	KindConfig,
}

// Sentinels matched by errors.Is against FetchError and ParseError values.
var (
	ErrCircuitOpen     = eris.New("circuit breaker is open")
	ErrClientError     = eris.New("non-retryable client error")
	ErrExhausted       = eris.New("retries exhausted")
	ErrCanceled        = eris.New("fetch canceled")
	ErrParse           = eris.New("parse failed")
	ErrFrontierDrained = eris.New("frontier drained")
)

// ConfigError is fatal and only raised before any fetching begins.
type ConfigError struct {
	Key string
	Err error
}

// NewConfigError builds a ConfigError for key.
func NewConfigError(key string, format string, args ...any) *ConfigError {
	return &ConfigError{Key: key, Err: fmt.Errorf(format, args...)}
}

func (e *ConfigError) Error() string {
	if e.Key == "" {
		return fmt.Sprintf("invalid configuration: %v", e.Err)
	}
	return fmt.Sprintf("invalid configuration: %s %v", e.Key, e.Err)
}

func (e *ConfigError) Unwrap() error {
	return e.Err
}

// IsConfigError reports whether err carries a ConfigError.
func IsConfigError(err error) bool {
	var ce *ConfigError
	return errors.As(err, &ce)
}

// FetchError is the only error type returned by RetryingFetcher.Fetch.
type FetchError struct {
	Kind       ErrorKind
	URL        string
	Host       string
	StatusCode int
	Attempts   int
	// Last holds the final underlying failure, if any.
	Last error
}

func (e *FetchError) Error() string {
	msg := fmt.Sprintf("fetch %s: %s", e.URL, e.Kind)
	if e.StatusCode != 0 {
		msg += fmt.Sprintf(" (status %d)", e.StatusCode)
	}
	if e.Attempts > 0 {
		msg += fmt.Sprintf(" after %d attempt(s)", e.Attempts)
	}
	if e.Last != nil {
		msg += ": " + e.Last.Error()
	}
	return msg
}

func (e *FetchError) Unwrap() error {
	return e.Last
}

// Is matches the kind sentinels.
func (e *FetchError) Is(target error) bool {
	switch target {
	case ErrCircuitOpen:
		return e.Kind == KindCircuitOpen
	case ErrClientError:
		return e.Kind == KindClientError
	case ErrExhausted:
		return e.Kind == KindExhausted
	case ErrCanceled:
		return e.Kind == KindCanceled
	}
	return false
}

// TransientError marks a retryable attempt failure: 429, 5xx gateway codes, or a
// network-level error.
type TransientError struct {
	StatusCode int
	Err        error
}

func (e *TransientError) Error() string {
	if e.Err == nil {
		return fmt.Sprintf("transient status %d", e.StatusCode)
	}
	if e.StatusCode == 0 {
		return e.Err.Error()
	}
	return fmt.Sprintf("transient status %d: %v", e.StatusCode, e.Err)
}

func (e *TransientError) Unwrap() error {
	return e.Err
}

// ParseError wraps a parser failure for one URL.
type ParseError struct {
	URL string
	Err error
}

// NewParseError wraps err as a ParseError.
func NewParseError(url string, err error) *ParseError {
	return &ParseError{URL: url, Err: err}
}

func (e *ParseError) Error() string {
	return fmt.Sprintf("parse %s: %v", e.URL, e.Err)
}

func (e *ParseError) Unwrap() error {
	return e.Err
}

// Is matches ErrParse.
func (e *ParseError) Is(target error) bool {
	return target == ErrParse
}

// KindOf maps any per-URL error onto an ErrorKind.
func KindOf(err error) ErrorKind {
	if err == nil {
		return ""
	}
	var fe *FetchError
	if errors.As(err, &fe) {
		return fe.Kind
	}
	var pe *ParseError
	if errors.As(err, &pe) {
		return KindParse
	}
	var te *TransientError
	if errors.As(err, &te) {
		return KindTransient
	}
	if IsConfigError(err) {
		return KindConfig
	}
	if errors.Is(err, ErrInvalidURL) {
		return KindInvalidURL
	}
	return KindSink
}
