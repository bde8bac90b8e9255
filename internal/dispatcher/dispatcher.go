// Package dispatcher runs a crawl: it seeds the frontier, fans work out to a
// fixed pool of workers and finalizes the result sink once the frontier drains.
package dispatcher

import (
	"context"
	"fmt"
	"sync/atomic"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/JakeFAU/regcrawler/internal/crawler"
	"github.com/JakeFAU/regcrawler/internal/metrics"
	"github.com/JakeFAU/regcrawler/internal/progress"
	"github.com/JakeFAU/regcrawler/internal/queue/memory"
	"github.com/JakeFAU/regcrawler/internal/worker"
)

// RunState is the lifecycle stage of a Dispatcher.
type RunState int32

// Run states, in order.
const (
	StateInit RunState = iota
	StateRunning
	StateDraining
	StateDone
)

func (s RunState) String() string {
	switch s {
	case StateInit:
		return "init"
	case StateRunning:
		return "running"
	case StateDraining:
		return "draining"
	case StateDone:
		return "done"
	default:
		return fmt.Sprintf("RunState(%d)", int32(s))
	}
}

// MarshalText renders the state name.
func (s RunState) MarshalText() ([]byte, error) {
	return []byte(s.String()), nil
}

// Config controls a crawl run.
type Config struct {
	Seeds       []string
	Concurrency int
	MaxDepth    int
}

// Deps are the run's collaborators. Frontier defaults to an in-memory
// frontier capped at Config.MaxDepth and Links to crawler.HTMLLinkExtractor.
type Deps struct {
	Frontier crawler.Frontier
	Fetcher  crawler.Fetcher
	Matcher  worker.PageMatcher
	Parser   crawler.Parser
	Links    crawler.LinkExtractor
	Scope    crawler.ScopePolicy
	Sink     crawler.ResultSink
	Archiver crawler.Archiver
	// Progress receives run milestones and one event per processed URL.
	Progress progress.Emitter
}

// Dispatcher orchestrates one crawl run. It is single-use.
type Dispatcher struct {
	cfg    Config
	deps   Deps
	logger *zap.Logger

	stats   crawler.RunStats
	state   atomic.Int32
	started atomic.Bool
}

// New validates cfg and deps. Every returned error is a *crawler.ConfigError.
func New(cfg Config, deps Deps, logger *zap.Logger) (*Dispatcher, error) {
	if cfg.Concurrency <= 0 {
		return nil, crawler.NewConfigError("crawler.concurrency_level", "must be positive, got %d", cfg.Concurrency)
	}
	if cfg.MaxDepth < 0 {
		return nil, crawler.NewConfigError("crawler.max_depth", "must not be negative, got %d", cfg.MaxDepth)
	}
	if len(cfg.Seeds) == 0 {
		return nil, crawler.NewConfigError("crawler.start_urls", "at least one start URL is required")
	}
	switch {
	case deps.Fetcher == nil:
		return nil, crawler.NewConfigError("", "dispatcher requires a fetcher")
	case deps.Parser == nil:
		return nil, crawler.NewConfigError("", "dispatcher requires a parser")
	case deps.Sink == nil:
		return nil, crawler.NewConfigError("", "dispatcher requires a result sink")
	case deps.Matcher == nil:
		return nil, crawler.NewConfigError("", "dispatcher requires a page matcher")
	}
	if deps.Frontier == nil {
		deps.Frontier = memory.NewFrontier(cfg.MaxDepth)
	}
	if deps.Links == nil {
		deps.Links = crawler.HTMLLinkExtractor{}
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Dispatcher{
		cfg:    cfg,
		deps:   deps,
		logger: logger.Named("dispatcher"),
	}, nil
}

// State returns the current run state.
func (d *Dispatcher) State() RunState {
	return RunState(d.state.Load())
}

// Stats returns a snapshot of the run counters.
func (d *Dispatcher) Stats() crawler.StatsSnapshot {
	return d.stats.Snapshot()
}

// Run executes the crawl and blocks until every worker has stopped and the sink
// is finalized. Per-URL failures never surface here; cancellation of ctx
// drains the run and is reported through Summary.Canceled.
func (d *Dispatcher) Run(ctx context.Context) (crawler.Summary, error) {
	if !d.started.CompareAndSwap(false, true) {
		return crawler.Summary{}, fmt.Errorf("dispatcher already ran")
	}

	seeded := d.seed()
	d.logger.Info("crawl starting",
		zap.Int("seeds", seeded),
		zap.Int("concurrency", d.cfg.Concurrency),
		zap.Int("max_depth", d.cfg.MaxDepth),
	)

	d.emit(progress.Event{Stage: progress.StageRunStart})
	d.setState(StateRunning)
	stop := context.AfterFunc(ctx, d.drain)
	defer stop()

	var g errgroup.Group
	for i := 0; i < d.cfg.Concurrency; i++ {
		w := worker.New(i, worker.Deps{
			Frontier: d.deps.Frontier,
			Fetcher:  d.deps.Fetcher,
			Matcher:  d.deps.Matcher,
			Parser:   d.deps.Parser,
			Links:    d.deps.Links,
			Scope:    d.deps.Scope,
			Sink:     d.deps.Sink,
			Archiver: d.deps.Archiver,
			Progress: d.deps.Progress,
			Stats:    &d.stats,
		}, worker.Config{MaxDepth: d.cfg.MaxDepth}, d.logger)
		g.Go(func() error {
			return w.Run(ctx)
		})
	}
	workerErr := g.Wait()
	d.drain()
	d.abandon(d.deps.Frontier.Drain())

	canceled := ctx.Err() != nil
	if workerErr != nil && !canceled {
		d.logger.Error("worker stopped unexpectedly", zap.Error(workerErr))
	}

	stats := d.stats.Snapshot()
	summary, err := d.deps.Sink.Finalize(context.WithoutCancel(ctx), stats)
	summary.Canceled = canceled
	d.setState(StateDone)
	done := progress.Event{Stage: progress.StageRunDone}
	if canceled {
		done.Note = progress.NoteCanceled
	}
	d.emit(done)

	d.logger.Info("crawl finished",
		zap.Bool("canceled", canceled),
		zap.Int64("dispatched", stats.Dispatched),
		zap.Int64("succeeded", stats.Succeeded),
		zap.Int64("failed", stats.Failed),
		zap.Int64("skipped_by_circuit", stats.SkippedByCircuit),
		zap.Int64("records", stats.Records),
	)
	if err != nil {
		return summary, fmt.Errorf("finalize results: %w", err)
	}
	if workerErr != nil && !canceled {
		return summary, workerErr
	}
	return summary, nil
}

// seed enqueues the start URLs. Invalid seeds are reported to the sink.
func (d *Dispatcher) seed() int {
	d.setState(StateInit)
	queued := 0
	for _, raw := range d.cfg.Seeds {
		ok, err := d.deps.Frontier.Enqueue(crawler.URLEntry{URL: raw})
		if err != nil {
			kind := crawler.KindOf(err)
			d.stats.RecordFailure(kind)
			d.deps.Sink.Fail(crawler.FailedURL{URL: raw, Kind: kind, Error: err.Error()})
			d.logger.Warn("invalid start url", zap.String("url", raw), zap.Error(err))
			continue
		}
		if !ok {
			d.logger.Debug("duplicate start url", zap.String("url", raw))
			continue
		}
		queued++
		d.stats.Discovered.Add(1)
	}
	metrics.SetFrontierPending(d.deps.Frontier.Len())
	return queued
}

// drain stops new dequeues. In-flight entries finish on their own.
func (d *Dispatcher) drain() {
	for {
		cur := d.state.Load()
		if RunState(cur) >= StateDraining {
			break
		}
		if d.state.CompareAndSwap(cur, int32(StateDraining)) {
			break
		}
	}
	d.deps.Frontier.Close()
}

// abandon reports entries that were queued but never dispatched, so a
// canceled run still accounts for every discovered URL.
func (d *Dispatcher) abandon(entries []crawler.URLEntry) {
	if len(entries) == 0 {
		return
	}
	for _, entry := range entries {
		d.stats.RecordFailure(crawler.KindCanceled)
		d.deps.Sink.Fail(crawler.FailedURL{
			URL:    entry.URL,
			Depth:  entry.Depth,
			Origin: entry.Origin,
			Kind:   crawler.KindCanceled,
			Error:  "run stopped before the url was fetched",
		})
		d.emit(progress.Event{
			Stage:       progress.StagePageDone,
			Host:        metrics.SanitizeSite(entry.URL),
			URL:         entry.URL,
			Depth:       entry.Depth,
			Kind:        crawler.KindCanceled,
			StatusClass: progress.StatusNone,
		})
	}
	metrics.SetFrontierPending(0)
	d.logger.Warn("pending urls abandoned", zap.Int("count", len(entries)))
}

func (d *Dispatcher) emit(evt progress.Event) {
	if d.deps.Progress != nil {
		d.deps.Progress.Emit(evt)
	}
}

func (d *Dispatcher) setState(s RunState) {
	d.state.Store(int32(s))
}
