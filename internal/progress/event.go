package progress

import (
	"errors"
	"fmt"
	"time"

	"github.com/JakeFAU/regcrawler/internal/crawler"
)

// Stage denotes the milestone an Event represents.
type Stage string

// Supported progress stages.
const (
	StageRunStart Stage = "RUN_START"
	StagePageDone Stage = "PAGE_DONE"
	StageRunDone  Stage = "RUN_DONE"
)

// NoteCanceled marks a RUN_DONE event for a run that was interrupted.
const NoteCanceled = "canceled"

// StatusClass is a coarse HTTP response grouping.
type StatusClass string

// Status classes recorded on page events.
const (
	Status2xx   StatusClass = "2xx"
	Status3xx   StatusClass = "3xx"
	Status4xx   StatusClass = "4xx"
	Status5xx   StatusClass = "5xx"
	StatusNone  StatusClass = "none"
	StatusOther StatusClass = "other"
)

// Event captures one step of crawl progress.
type Event struct {
	// RunID is stamped by the Hub when the emitter leaves it empty.
	RunID string
	// TS is stamped by the Hub when the emitter leaves it zero.
	TS    time.Time
	Stage Stage
	// Host and URL are set on page events.
	Host  string
	URL   string
	Depth int
	// Kind is empty when the page succeeded.
	Kind        crawler.ErrorKind
	StatusClass StatusClass
	Bytes       int64
	Dur         time.Duration
	// Note carries low-volume context, e.g. "canceled" on RUN_DONE.
	Note string
}

// Failed reports whether a page event ended in an error.
func (e Event) Failed() bool {
	return e.Kind != ""
}

// Validate performs coarse validation on Event payloads.
func (e Event) Validate() error {
	if e.RunID == "" {
		return errors.New("run id is required")
	}
	if e.TS.IsZero() {
		return errors.New("timestamp is required")
	}
	switch e.Stage {
	case StageRunStart, StageRunDone:
	case StagePageDone:
		if e.Host == "" || e.URL == "" {
			return errors.New("page event requires host and url")
		}
		if e.StatusClass == "" {
			return errors.New("page event requires status class")
		}
	default:
		return fmt.Errorf("unknown stage %q", e.Stage)
	}
	if e.Dur < 0 {
		return errors.New("duration must be >= 0")
	}
	return nil
}

// ClassifyStatus groups HTTP status codes. Zero means no response arrived.
func ClassifyStatus(code int) StatusClass {
	switch {
	case code == 0:
		return StatusNone
	case code >= 200 && code < 300:
		return Status2xx
	case code >= 300 && code < 400:
		return Status3xx
	case code >= 400 && code < 500:
		return Status4xx
	case code >= 500 && code < 600:
		return Status5xx
	default:
		return StatusOther
	}
}
