// Package worker implements the per-goroutine crawl loop.
package worker

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/JakeFAU/regcrawler/internal/crawler"
	"github.com/JakeFAU/regcrawler/internal/metrics"
	"github.com/JakeFAU/regcrawler/internal/progress"
)

// PageMatcher decides which URLs are parsed into records.
type PageMatcher interface {
	IsFinalPage(rawURL string) bool
}

// Config controls Worker behavior.
type Config struct {
	// MaxDepth stops link extraction on pages at this depth. Zero crawls seeds only.
	MaxDepth int
}

// Deps are the collaborators shared by every worker of a run. Archiver, Scope
// and Progress are optional.
type Deps struct {
	Frontier crawler.Frontier
	Fetcher  crawler.Fetcher
	Matcher  PageMatcher
	Parser   crawler.Parser
	Links    crawler.LinkExtractor
	Scope    crawler.ScopePolicy
	Sink     crawler.ResultSink
	Archiver crawler.Archiver
	Progress progress.Emitter
	Stats    *crawler.RunStats
}

// Worker consumes frontier entries and executes the fetch pipeline.
type Worker struct {
	id     int
	deps   Deps
	cfg    Config
	logger *zap.Logger
}

// New constructs a Worker.
func New(id int, deps Deps, cfg Config, logger *zap.Logger) *Worker {
	if logger == nil {
		logger = zap.NewNop()
	}
	if deps.Stats == nil {
		deps.Stats = &crawler.RunStats{}
	}
	return &Worker{
		id:     id,
		deps:   deps,
		cfg:    cfg,
		logger: logger.With(zap.Int("worker", id)),
	}
}

// Run blocks, processing entries until the frontier drains or ctx ends. A
// drained frontier returns nil.
func (w *Worker) Run(ctx context.Context) error {
	metrics.IncActiveWorkers()
	defer metrics.DecActiveWorkers()

	for {
		entry, err := w.deps.Frontier.Dequeue(ctx)
		if err != nil {
			if errors.Is(err, crawler.ErrFrontierDrained) {
				w.logger.Debug("frontier drained")
				return nil
			}
			if ctx.Err() != nil {
				return ctx.Err()
			}
			return fmt.Errorf("dequeue: %w", err)
		}
		w.process(ctx, entry)
	}
}

func (w *Worker) process(ctx context.Context, entry crawler.URLEntry) {
	defer func() {
		w.deps.Frontier.Complete()
		metrics.SetFrontierPending(w.deps.Frontier.Len())
	}()
	w.deps.Stats.Dispatched.Add(1)
	start := time.Now()
	site := metrics.SanitizeSite(entry.URL)
	logger := w.logger.With(zap.String("url", entry.URL), zap.Int("depth", entry.Depth))

	res, err := w.deps.Fetcher.Fetch(ctx, entry.URL)
	if err != nil {
		kind := w.fail(logger, entry, err)
		w.emit(entry, start, statusOf(err), 0, kind)
		return
	}
	w.deps.Stats.Fetched.Add(1)
	logger.Debug("page fetched", zap.Int("status", res.StatusCode), zap.Int("attempts", res.Attempts), zap.Int("bytes", len(res.Body)))

	if w.deps.Matcher != nil && w.deps.Matcher.IsFinalPage(entry.URL) {
		err = w.handleFinalPage(ctx, logger, entry, res)
	} else {
		err = w.handleListingPage(entry, res)
	}
	if err != nil {
		kind := w.fail(logger, entry, err)
		w.emit(entry, start, res.StatusCode, len(res.Body), kind)
		return
	}
	w.deps.Stats.Succeeded.Add(1)
	metrics.ObservePage(site, "success", len(res.Body))
	w.emit(entry, start, res.StatusCode, len(res.Body), "")
}

func (w *Worker) emit(entry crawler.URLEntry, start time.Time, status, bytes int, kind crawler.ErrorKind) {
	if w.deps.Progress == nil {
		return
	}
	w.deps.Progress.Emit(progress.Event{
		Stage:       progress.StagePageDone,
		Host:        metrics.SanitizeSite(entry.URL),
		URL:         entry.URL,
		Depth:       entry.Depth,
		Kind:        kind,
		StatusClass: progress.ClassifyStatus(status),
		Bytes:       int64(bytes),
		Dur:         time.Since(start),
	})
}

// statusOf returns the last HTTP status carried by a fetch error, or zero.
func statusOf(err error) int {
	var fe *crawler.FetchError
	if errors.As(err, &fe) {
		return fe.StatusCode
	}
	return 0
}

func (w *Worker) handleFinalPage(ctx context.Context, logger *zap.Logger, entry crawler.URLEntry, res crawler.FetchResult) error {
	record, err := w.deps.Parser.Parse(res.Body, entry.URL)
	if err != nil {
		var pe *crawler.ParseError
		if !errors.As(err, &pe) {
			err = crawler.NewParseError(entry.URL, err)
		}
		return err
	}
	if err := w.deps.Sink.Push(ctx, record); err != nil {
		return err
	}
	w.deps.Stats.Records.Add(1)
	logger.Info("record extracted", zap.String("record_id", record.ID), zap.Int("sections", len(record.Sections)))

	if w.deps.Archiver != nil {
		uri, err := w.deps.Archiver.Archive(ctx, record, res.Body)
		if err != nil {
			logger.Warn("archive html failed", zap.Error(err))
		} else {
			logger.Debug("html archived", zap.String("uri", uri))
		}
	}
	return nil
}

func (w *Worker) handleListingPage(entry crawler.URLEntry, res crawler.FetchResult) error {
	next := entry.Depth + 1
	if next > w.cfg.MaxDepth {
		return nil
	}
	links, err := w.deps.Links.ExtractLinks(res.Body, entry.URL)
	if err != nil {
		return crawler.NewParseError(entry.URL, err)
	}

	inScope := links[:0:0]
	for _, link := range links {
		if w.deps.Scope == nil || w.deps.Scope.Allowed(link) {
			inScope = append(inScope, link)
		}
	}
	w.deps.Stats.Discovered.Add(int64(len(inScope)))
	w.deps.Sink.LinksDiscovered(entry.URL, inScope)

	for _, link := range inScope {
		queued, err := w.deps.Frontier.Enqueue(crawler.URLEntry{URL: link, Depth: next, Origin: entry.URL})
		if err != nil {
			w.logger.Debug("discovered link rejected", zap.String("link", link), zap.Error(err))
			continue
		}
		if queued {
			w.deps.Stats.LinksFollowed.Add(1)
		}
	}
	return nil
}

func (w *Worker) fail(logger *zap.Logger, entry crawler.URLEntry, err error) crawler.ErrorKind {
	kind := crawler.KindOf(err)
	w.deps.Stats.RecordFailure(kind)
	metrics.ObservePage(metrics.SanitizeSite(entry.URL), string(kind), 0)

	switch kind {
	case crawler.KindCanceled:
		logger.Debug("fetch canceled", zap.Error(err))
	case crawler.KindCircuitOpen:
		logger.Info("skipped by circuit breaker", zap.Error(err))
	default:
		logger.Warn("url failed", zap.String("kind", string(kind)), zap.Error(err))
	}

	w.deps.Sink.Fail(crawler.FailedURL{
		URL:    entry.URL,
		Depth:  entry.Depth,
		Origin: entry.Origin,
		Kind:   kind,
		Error:  err.Error(),
	})
	return kind
}
