package crawler

import (
	"net/http"
	"time"
)

// URLEntry is one unit of work in the frontier.
type URLEntry struct {
	URL    string `json:"url"`
	Depth  int    `json:"depth"`
	Origin string `json:"origin,omitempty"` // empty for seeds
}

// IsSeed reports whether the entry came from configuration rather than discovery.
func (e URLEntry) IsSeed() bool {
	return e.Origin == ""
}

// Section is one titled block of a parsed document.
type Section struct {
	ID    string `json:"id"`
	Title string `json:"title"`
	Text  string `json:"text"`
}

// Record is the normalized output of a parsed final page.
// Records are treated as immutable once the parser returns them.
type Record struct {
	ID        string            `json:"id"`
	Title     string            `json:"title"`
	URL       string            `json:"url"`
	Text      string            `json:"text"`
	Sections  []Section         `json:"sections"`
	Metadata  map[string]string `json:"metadata"`
	ScrapedAt time.Time         `json:"scraped_at"`
}

// FetchResult is returned by a successful fetch.
type FetchResult struct {
	URL        string
	FinalURL   string
	StatusCode int
	Headers    http.Header
	Body       []byte
	Attempts   int
	Duration   time.Duration
}

// Response is the raw outcome of a single transport attempt.
type Response struct {
	URL        string
	FinalURL   string
	StatusCode int
	Headers    http.Header
	Body       []byte
}

// FetchAttempt describes one attempt inside a RetryingFetcher call.
// It only exists for logging and metrics.
type FetchAttempt struct {
	URL        string
	Host       string
	Attempt    int
	StatusCode int
	Err        error
	Elapsed    time.Duration
}

// FailedURL is reported to the sink for every URL that ends in an error.
type FailedURL struct {
	URL    string    `json:"url"`
	Depth  int       `json:"depth"`
	Origin string    `json:"origin,omitempty"`
	Kind   ErrorKind `json:"kind"`
	Error  string    `json:"error"`
}

// Summary is produced by the sink when the run finishes.
type Summary struct {
	RunID      string            `json:"run_id"`
	DryRun     bool              `json:"dry_run"`
	Canceled   bool              `json:"canceled"`
	StartedAt  time.Time         `json:"started_at"`
	FinishedAt time.Time         `json:"finished_at"`
	Stats      StatsSnapshot     `json:"stats"`
	Records    []Record          `json:"records,omitempty"`
	Failures   []FailedURL       `json:"failures"`
	Files      map[string]string `json:"files,omitempty"`
}

// SuccessRate returns the share of dispatched URLs that succeeded, in percent.
func (s Summary) SuccessRate() float64 {
	done := s.Stats.Succeeded + s.Stats.Failed + s.Stats.SkippedByCircuit
	if done == 0 {
		return 0
	}
	return float64(s.Stats.Succeeded) / float64(done) * 100
}
