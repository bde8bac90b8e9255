// Package output implements the crawl ResultSink: it accumulates records and
// failures during a run and writes the JSON, CSV and text report at the end.
package output

import (
	"bytes"
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/JakeFAU/regcrawler/internal/crawler"
	"github.com/JakeFAU/regcrawler/internal/metrics"
)

// Format selects the record files written by Finalize.
type Format string

// Supported output formats.
const (
	FormatJSON Format = "json"
	FormatCSV  Format = "csv"
	FormatBoth Format = "both"
)

// ParseFormat validates s as a Format.
func ParseFormat(s string) (Format, error) {
	switch f := Format(s); f {
	case FormatJSON, FormatCSV, FormatBoth:
		return f, nil
	case "":
		return FormatJSON, nil
	default:
		return "", fmt.Errorf("unknown output format %q (want json, csv or both)", s)
	}
}

func (f Format) wantsJSON() bool { return f == FormatJSON || f == FormatBoth }
func (f Format) wantsCSV() bool  { return f == FormatCSV || f == FormatBoth }

// Config controls Sink behavior.
type Config struct {
	RunID  string
	Format Format
	// DryRun keeps everything in memory: no files, no record store, no publishing.
	DryRun bool
	// Topic receives one notification per record when a Publisher is set.
	Topic  string
	Report ReportSettings
}

// Deps are the Sink's optional collaborators. Files is required for full runs.
type Deps struct {
	Files     crawler.BlobStore
	Store     crawler.RecordStore
	Publisher crawler.Publisher
	Clock     crawler.Clock
}

// Sink implements crawler.ResultSink. All methods are safe for concurrent use.
type Sink struct {
	cfg    Config
	deps   Deps
	logger *zap.Logger

	mu         sync.Mutex
	records    []crawler.Record
	failures   []crawler.FailedURL
	discovered int
	finalized  bool
	startedAt  time.Time
}

// NewSink validates cfg and returns a Sink.
func NewSink(cfg Config, deps Deps, logger *zap.Logger) (*Sink, error) {
	if cfg.RunID == "" {
		return nil, crawler.NewConfigError("run_id", "is required")
	}
	format, err := ParseFormat(string(cfg.Format))
	if err != nil {
		return nil, crawler.NewConfigError("output.format", "%v", err)
	}
	cfg.Format = format
	if !cfg.DryRun && deps.Files == nil {
		return nil, crawler.NewConfigError("output.folder", "a file store is required for full runs")
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	s := &Sink{
		cfg:    cfg,
		deps:   deps,
		logger: logger,
	}
	s.startedAt = s.now()
	return s, nil
}

// Push stores record, forwarding it to the record store and publisher first.
// A record rejected by either is not kept.
func (s *Sink) Push(ctx context.Context, record crawler.Record) error {
	if !s.cfg.DryRun {
		if s.deps.Store != nil {
			if err := s.deps.Store.StoreRecord(ctx, s.cfg.RunID, record); err != nil {
				return fmt.Errorf("store record %s: %w", record.ID, err)
			}
		}
		if s.deps.Publisher != nil && s.cfg.Topic != "" {
			if err := s.publish(ctx, record); err != nil {
				return err
			}
		}
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.finalized {
		return fmt.Errorf("push %s: sink already finalized", record.URL)
	}
	s.records = append(s.records, record)
	metrics.ObserveRecord()
	return nil
}

func (s *Sink) publish(ctx context.Context, record crawler.Record) error {
	payload := map[string]any{
		"run_id":     s.cfg.RunID,
		"record_id":  record.ID,
		"url":        record.URL,
		"title":      record.Title,
		"scraped_at": record.ScrapedAt.UTC().Format(time.RFC3339),
		"sections":   len(record.Sections),
	}
	id, err := s.deps.Publisher.Publish(ctx, s.cfg.Topic, payload)
	if err != nil {
		return fmt.Errorf("publish record %s: %w", record.ID, err)
	}
	s.logger.Debug("record published",
		zap.String("record_id", record.ID),
		zap.String("url", record.URL),
		zap.String("message_id", id),
	)
	return nil
}

// LinksDiscovered counts links found on a non-final page.
func (s *Sink) LinksDiscovered(sourceURL string, links []string) {
	s.mu.Lock()
	s.discovered += len(links)
	s.mu.Unlock()
	s.logger.Debug("links discovered", zap.String("url", sourceURL), zap.Int("count", len(links)))
}

// Fail records a terminal per-URL failure.
func (s *Sink) Fail(failure crawler.FailedURL) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.failures = append(s.failures, failure)
}

// LinksSeen returns the number of links reported through LinksDiscovered.
func (s *Sink) LinksSeen() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.discovered
}

// Records returns a copy of the records pushed so far.
func (s *Sink) Records() []crawler.Record {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]crawler.Record, len(s.records))
	copy(out, s.records)
	return out
}

// Finalize writes the run's files (unless dry-run) and returns the summary.
// It may be called once.
func (s *Sink) Finalize(ctx context.Context, stats crawler.StatsSnapshot) (crawler.Summary, error) {
	s.mu.Lock()
	if s.finalized {
		s.mu.Unlock()
		return crawler.Summary{}, fmt.Errorf("sink already finalized")
	}
	s.finalized = true
	records := make([]crawler.Record, len(s.records))
	copy(records, s.records)
	failures := make([]crawler.FailedURL, len(s.failures))
	copy(failures, s.failures)
	s.mu.Unlock()

	sort.SliceStable(records, func(i, j int) bool { return records[i].URL < records[j].URL })
	sort.SliceStable(failures, func(i, j int) bool { return failures[i].URL < failures[j].URL })

	finishedAt := s.now()
	summary := crawler.Summary{
		RunID:      s.cfg.RunID,
		DryRun:     s.cfg.DryRun,
		StartedAt:  s.startedAt,
		FinishedAt: finishedAt,
		Stats:      stats,
		Records:    records,
		Failures:   failures,
	}
	if s.cfg.DryRun {
		s.logger.Info("dry run finished; no files written", zap.Int("records", len(records)))
		return summary, nil
	}

	files, err := s.writeFiles(ctx, finishedAt, records, failures, stats)
	summary.Files = files
	if err != nil {
		return summary, err
	}
	return summary, nil
}

func (s *Sink) writeFiles(
	ctx context.Context,
	at time.Time,
	records []crawler.Record,
	failures []crawler.FailedURL,
	stats crawler.StatsSnapshot,
) (map[string]string, error) {
	var (
		mu    sync.Mutex
		files = make(map[string]string)
	)
	put := func(ctx context.Context, kind, name, contentType string, data []byte) error {
		uri, err := s.deps.Files.PutObject(ctx, name, contentType, bytes.NewReader(data))
		if err != nil {
			return fmt.Errorf("write %s: %w", name, err)
		}
		mu.Lock()
		files[kind] = uri
		mu.Unlock()
		s.logger.Info("output written", zap.String("kind", kind), zap.String("uri", uri))
		return nil
	}

	g, gctx := errgroup.WithContext(ctx)
	if s.cfg.Format.wantsJSON() {
		g.Go(func() error {
			data, err := encodeJSON(s.cfg.RunID, at, records, stats)
			if err != nil {
				return err
			}
			return put(gctx, "json", fmt.Sprintf("scraped_data_%s.json", s.cfg.RunID), "application/json", data)
		})
	}
	if s.cfg.Format.wantsCSV() {
		g.Go(func() error {
			data, err := encodeCSV(records)
			if err != nil {
				return err
			}
			return put(gctx, "csv", fmt.Sprintf("scraped_data_%s.csv", s.cfg.RunID), "text/csv", data)
		})
	}
	g.Go(func() error {
		data := encodeReport(s.cfg, at, stats, failures)
		return put(gctx, "report", fmt.Sprintf("scraping_report_%s.txt", s.cfg.RunID), "text/plain", data)
	})
	err := g.Wait()
	return files, err
}

func (s *Sink) now() time.Time {
	if s.deps.Clock != nil {
		return s.deps.Clock.Now().UTC()
	}
	return time.Now().UTC()
}

var _ crawler.ResultSink = (*Sink)(nil)
