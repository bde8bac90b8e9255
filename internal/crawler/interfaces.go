package crawler

import (
	"context"
	"io"
	"time"
)

// Frontier is the deduplicated queue of pending URLs.
type Frontier interface {
	// Enqueue adds entry unless its normalized URL was already seen or it is
	// deeper than the configured cap.
	Enqueue(entry URLEntry) (bool, error)
	// Dequeue blocks until an entry is available, the frontier drains
	// (ErrFrontierDrained), or ctx ends.
	Dequeue(ctx context.Context) (URLEntry, error)
	// Complete marks one dequeued entry as fully processed.
	Complete()
	// Close stops the frontier; blocked and future Dequeue calls drain.
	Close()
	// Drain closes the frontier and hands back the entries never dequeued.
	Drain() []URLEntry
	Len() int
}

// Transport performs exactly one HTTP GET attempt.
type Transport interface {
	Get(ctx context.Context, rawURL string) (Response, error)
}

// Fetcher returns a page body or a *FetchError.
type Fetcher interface {
	Fetch(ctx context.Context, rawURL string) (FetchResult, error)
}

// HostLimiter gates request admission per host.
type HostLimiter interface {
	Wait(ctx context.Context, rawURL string) error
}

// Parser turns an HTML body into a Record.
type Parser interface {
	Parse(body []byte, sourceURL string) (Record, error)
}

// LinkExtractor pulls absolute http(s) links out of an HTML body.
type LinkExtractor interface {
	ExtractLinks(body []byte, baseURL string) ([]string, error)
}

// ScopePolicy decides whether a discovered URL belongs to the crawl.
type ScopePolicy interface {
	Allowed(rawURL string) bool
}

// ResultSink accumulates records and run statistics.
type ResultSink interface {
	Push(ctx context.Context, record Record) error
	LinksDiscovered(sourceURL string, links []string)
	Fail(failure FailedURL)
	Finalize(ctx context.Context, stats StatsSnapshot) (Summary, error)
}

// Archiver persists the raw HTML of a final page.
type Archiver interface {
	Archive(ctx context.Context, record Record, body []byte) (string, error)
}

// BlobStore writes raw artifacts and returns a URI.
type BlobStore interface {
	PutObject(ctx context.Context, path string, contentType string, data io.Reader) (string, error)
}

// RecordStore persists records outside of the run's output files.
type RecordStore interface {
	StoreRecord(ctx context.Context, runID string, record Record) error
}

// Publisher pushes record notifications to Pub/Sub (or similar).
type Publisher interface {
	Publish(ctx context.Context, topic string, payload any) (string, error)
}

// Hasher computes digests for file naming and integrity.
type Hasher interface {
	Hash(data []byte) (string, error)
}

// Clock returns the current time (useful for testing).
type Clock interface {
	Now() time.Time
}

// IDGenerator produces run IDs.
type IDGenerator interface {
	NewID() (string, error)
}
