// Package app builds a crawl run from configuration, acting as a dependency
// injection container for the fetcher stack, output backends and ops server.
package app

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/JakeFAU/regcrawler/internal/api"
	"github.com/JakeFAU/regcrawler/internal/clock/system"
	"github.com/JakeFAU/regcrawler/internal/config"
	"github.com/JakeFAU/regcrawler/internal/crawler"
	"github.com/JakeFAU/regcrawler/internal/dispatcher"
	collyfetcher "github.com/JakeFAU/regcrawler/internal/fetcher/colly"
	"github.com/JakeFAU/regcrawler/internal/hash/sha256"
	"github.com/JakeFAU/regcrawler/internal/id/uuid"
	"github.com/JakeFAU/regcrawler/internal/metrics"
	"github.com/JakeFAU/regcrawler/internal/output"
	"github.com/JakeFAU/regcrawler/internal/parser"
	"github.com/JakeFAU/regcrawler/internal/policy/ratelimit"
	"github.com/JakeFAU/regcrawler/internal/policy/scope"
	"github.com/JakeFAU/regcrawler/internal/progress"
	"github.com/JakeFAU/regcrawler/internal/progress/sinks"
	"github.com/JakeFAU/regcrawler/internal/publisher/pubsub"
	"github.com/JakeFAU/regcrawler/internal/storage/gcs"
	"github.com/JakeFAU/regcrawler/internal/storage/local"
	"github.com/JakeFAU/regcrawler/internal/storage/postgres"
)

const (
	runIDLayout          = "20060102_150405"
	progressCloseTimeout = 10 * time.Second
)

// Options replace the backends New would otherwise build from configuration.
// Every field is optional.
type Options struct {
	Transport   crawler.Transport
	Clock       crawler.Clock
	IDs         crawler.IDGenerator
	RunID       string
	HTMLStore   crawler.BlobStore
	RecordStore crawler.RecordStore
	Publisher   crawler.Publisher
	// ProgressSinks receive progress batches next to the log sink.
	ProgressSinks []progress.Sink
}

// App holds the services for one crawl run.
type App struct {
	cfg        config.Config
	logger     *zap.Logger
	runID      string
	clock      crawler.Clock
	breaker    *crawler.CircuitBreaker
	sink       *output.Sink
	hub        *progress.Hub
	dispatcher *dispatcher.Dispatcher
	server     *api.Server
	closers    []func() error
}

// New wires every component of a run. Configuration problems, including an
// unwritable output folder, are returned as *crawler.ConfigError.
func New(ctx context.Context, cfg config.Config, opts Options, logger *zap.Logger) (*App, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	a := &App{
		cfg:    cfg,
		logger: logger,
		clock:  opts.Clock,
	}
	if a.clock == nil {
		a.clock = system.New()
	}

	runID, err := a.newRunID(opts)
	if err != nil {
		return nil, err
	}
	a.runID = runID
	a.logger = logger.With(zap.String("run_id", runID))

	ok := false
	defer func() {
		if !ok {
			_ = a.Close()
		}
	}()

	matcher, err := crawler.NewPatternMatcher(cfg.Crawler.FinalPagePatterns)
	if err != nil {
		return nil, err
	}

	fetcher := a.buildFetcher(opts)

	files, err := a.buildFileStore()
	if err != nil {
		return nil, err
	}
	archiver, err := a.buildArchiver(ctx, opts, files)
	if err != nil {
		return nil, err
	}
	store, progressRepo, err := a.buildRecordStore(ctx, opts)
	if err != nil {
		return nil, err
	}
	pub, err := a.buildPublisher(ctx, opts)
	if err != nil {
		return nil, err
	}

	format, err := output.ParseFormat(cfg.Output.Format)
	if err != nil {
		return nil, crawler.NewConfigError("output.format", "%v", err)
	}
	sinkDeps := output.Deps{Store: store, Publisher: pub, Clock: a.clock}
	if files != nil {
		sinkDeps.Files = files
	}
	a.sink, err = output.NewSink(output.Config{
		RunID:  runID,
		Format: format,
		DryRun: cfg.DryRun(),
		Topic:  cfg.PubSub.Topic,
		Report: output.ReportSettings{
			Concurrency: cfg.Crawler.ConcurrencyLevel,
			MaxRetries:  cfg.HTTP.MaxRetries,
			MaxDepth:    cfg.Crawler.MaxDepth,
			SaveHTML:    archiver != nil,
		},
	}, sinkDeps, a.logger.Named("sink"))
	if err != nil {
		return nil, err
	}

	a.startProgress(opts, progressRepo)

	deps := dispatcher.Deps{
		Fetcher:  fetcher,
		Matcher:  matcher,
		Parser:   parser.New(a.clock),
		Scope:    scope.New(cfg.Crawler.AllowedHosts, cfg.Crawler.DeniedHosts, cfg.Crawler.StartURLs),
		Sink:     a.sink,
		Progress: a.hub,
	}
	if archiver != nil {
		deps.Archiver = archiver
	}
	a.dispatcher, err = dispatcher.New(dispatcher.Config{
		Seeds:       cfg.Crawler.StartURLs,
		Concurrency: cfg.Crawler.ConcurrencyLevel,
		MaxDepth:    cfg.Crawler.MaxDepth,
	}, deps, a.logger)
	if err != nil {
		return nil, err
	}

	a.server = api.NewServer(a.dispatcher, a.breaker, runID, a.clock, a.logger)
	ok = true
	a.logger.Info("application services initialized",
		zap.String("mode", cfg.Mode),
		zap.Int("seeds", len(cfg.Crawler.StartURLs)),
		zap.Int("concurrency", cfg.Crawler.ConcurrencyLevel),
		zap.Int("max_depth", cfg.Crawler.MaxDepth),
	)
	return a, nil
}

// RunID returns the identifier used in output file names.
func (a *App) RunID() string {
	return a.runID
}

// Server returns the ops server for the run.
func (a *App) Server() *api.Server {
	return a.server
}

// Dispatcher returns the run's orchestrator.
func (a *App) Dispatcher() *dispatcher.Dispatcher {
	return a.dispatcher
}

// Run executes the crawl. When server.metrics_addr is set the ops server is
// served for the duration of the run.
func (a *App) Run(ctx context.Context) (crawler.Summary, error) {
	stopServer := func() {}
	if addr := a.cfg.Server.MetricsAddr; addr != "" {
		srvCtx, cancel := context.WithCancel(context.WithoutCancel(ctx))
		done := make(chan struct{})
		go func() {
			defer close(done)
			if err := a.server.ListenAndServe(srvCtx, addr); err != nil {
				a.logger.Error("ops server failed", zap.Error(err))
			}
		}()
		stopServer = func() {
			cancel()
			<-done
		}
	}
	defer stopServer()

	start := time.Now()
	summary, err := a.dispatcher.Run(ctx)
	if err != nil {
		return summary, fmt.Errorf("run crawl: %w", err)
	}
	a.logger.Info("crawl finished",
		zap.Int64("succeeded", summary.Stats.Succeeded),
		zap.Int64("failed", summary.Stats.Failed),
		zap.Int64("skipped_by_circuit_breaker", summary.Stats.SkippedByCircuit),
		zap.Bool("canceled", summary.Canceled),
		zap.Duration("elapsed", time.Since(start)),
	)
	return summary, nil
}

// Close releases backends in reverse order of creation.
func (a *App) Close() error {
	var errs []error
	for i := len(a.closers) - 1; i >= 0; i-- {
		if err := a.closers[i](); err != nil {
			errs = append(errs, err)
		}
	}
	a.closers = nil
	return errors.Join(errs...)
}

func (a *App) newRunID(opts Options) (string, error) {
	if opts.RunID != "" {
		return opts.RunID, nil
	}
	ids := opts.IDs
	if ids == nil {
		ids = uuid.NewUUIDGenerator()
	}
	id, err := ids.NewID()
	if err != nil {
		return "", fmt.Errorf("generate run id: %w", err)
	}
	suffix := id
	if len(suffix) > 8 {
		suffix = suffix[len(suffix)-8:]
	}
	return a.clock.Now().UTC().Format(runIDLayout) + "_" + suffix, nil
}

func (a *App) buildFetcher(opts Options) *crawler.RetryingFetcher {
	a.breaker = crawler.NewCircuitBreaker(crawler.CircuitBreakerConfig{
		FailureThreshold: a.cfg.Circuit.FailureThreshold,
		Cooldown:         a.cfg.Circuit.Cooldown,
		OnStateChange: func(host string, from, to crawler.CircuitState) {
			metrics.ObserveCircuitTransition(host, to.String())
			a.logger.Warn("circuit state changed",
				zap.String("host", host),
				zap.Stringer("from", from),
				zap.Stringer("to", to),
			)
		},
	})

	transport := opts.Transport
	if transport == nil {
		transport = collyfetcher.New(collyfetcher.Config{
			UserAgents:   a.cfg.Crawler.UserAgents,
			Timeout:      a.cfg.RequestTimeout(),
			MaxBodyBytes: a.cfg.HTTP.MaxBodyBytes,
		})
	}
	limiter := ratelimit.New(ratelimit.Config{MinInterval: a.cfg.HostInterval()})

	return crawler.NewRetryingFetcher(transport, a.breaker, limiter, crawler.FetcherConfig{
		MaxRetries: a.cfg.HTTP.MaxRetries,
		Backoff:    crawler.NewBackoff(a.cfg.BackoffFactor()),
		OnAttempt: func(at crawler.FetchAttempt) {
			result := "ok"
			if at.Err != nil {
				result = string(crawler.KindOf(at.Err))
			}
			metrics.ObserveFetchAttempt(at.Host, result, at.Elapsed)
		},
	}, a.logger.Named("fetcher"))
}

// buildFileStore returns nil for dry runs so nothing touches the disk.
func (a *App) buildFileStore() (*local.BlobStore, error) {
	if a.cfg.DryRun() {
		return nil, nil
	}
	files, err := local.New(local.Config{BaseDir: a.cfg.Output.Folder})
	if err != nil {
		return nil, &crawler.ConfigError{Key: "output.folder", Err: fmt.Errorf("output folder %s: %w", a.cfg.Output.Folder, err)}
	}
	return files, nil
}

func (a *App) buildArchiver(ctx context.Context, opts Options, files *local.BlobStore) (*output.HTMLArchiver, error) {
	if a.cfg.DryRun() || !a.cfg.Output.SaveHTML {
		return nil, nil
	}
	store := opts.HTMLStore
	if store == nil {
		switch a.cfg.Output.HTMLStore {
		case "gcs":
			bucket, err := gcs.Open(ctx, gcs.Config{Bucket: a.cfg.Output.GCSBucket, Prefix: a.cfg.Output.GCSPrefix})
			if err != nil {
				return nil, fmt.Errorf("open html bucket: %w", err)
			}
			a.closers = append(a.closers, bucket.Close)
			store = bucket
		default:
			store = files
		}
	}
	return output.NewHTMLArchiver(store, sha256.NewTruncated(12), a.clock, "html"), nil
}

// buildRecordStore also returns the progress repository sharing its pool.
func (a *App) buildRecordStore(ctx context.Context, opts Options) (crawler.RecordStore, sinks.Repository, error) {
	if opts.RecordStore != nil {
		return opts.RecordStore, nil, nil
	}
	if a.cfg.DryRun() || a.cfg.Output.DatabaseURL == "" {
		return nil, nil, nil
	}
	store, err := postgres.NewRecordStore(ctx, postgres.RecordStoreConfig{
		DSN:   a.cfg.Output.DatabaseURL,
		Table: a.cfg.Output.DatabaseTable,
	})
	if err != nil {
		return nil, nil, fmt.Errorf("open record store: %w", err)
	}
	a.closers = append(a.closers, func() error {
		store.Close()
		return nil
	})
	if err := store.EnsureSchema(ctx); err != nil {
		return nil, nil, fmt.Errorf("prepare record store: %w", err)
	}
	repo := store.ProgressStore()
	if err := repo.EnsureSchema(ctx); err != nil {
		return nil, nil, fmt.Errorf("prepare progress tables: %w", err)
	}
	return store, repo, nil
}

// startProgress starts the event hub. It is closed before the backends so the
// last batch still reaches Postgres.
func (a *App) startProgress(opts Options, repo sinks.Repository) {
	consumers := []progress.Sink{sinks.NewLogSink(a.logger.Named("progress"))}
	if repo != nil {
		consumers = append(consumers, sinks.NewStoreSink(repo, a.logger))
	}
	consumers = append(consumers, opts.ProgressSinks...)
	a.hub = progress.NewHub(progress.Config{
		RunID:  a.runID,
		Logger: a.logger,
		Now:    a.clock.Now,
	}, consumers...)
	a.closers = append(a.closers, func() error {
		ctx, cancel := context.WithTimeout(context.Background(), progressCloseTimeout)
		defer cancel()
		return a.hub.Close(ctx)
	})
}

func (a *App) buildPublisher(ctx context.Context, opts Options) (crawler.Publisher, error) {
	if opts.Publisher != nil {
		return opts.Publisher, nil
	}
	if a.cfg.DryRun() || a.cfg.PubSub.Topic == "" {
		return nil, nil
	}
	pub, err := pubsub.Open(ctx, a.cfg.PubSub.ProjectID, map[string]string{"run_id": a.runID})
	if err != nil {
		return nil, fmt.Errorf("open publisher: %w", err)
	}
	a.closers = append(a.closers, pub.Close)
	return pub, nil
}
