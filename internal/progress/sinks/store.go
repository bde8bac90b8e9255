package sinks

import (
	"context"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/JakeFAU/regcrawler/internal/progress"
)

// RunStatus mirrors the status column of the run table.
type RunStatus string

// Run statuses.
const (
	RunRunning  RunStatus = "running"
	RunDone     RunStatus = "done"
	RunCanceled RunStatus = "canceled"
)

// HostDelta is an increment to one host's counters.
type HostDelta struct {
	Pages    int64
	Failures int64
	Bytes    int64
}

// Repository persists run progress.
type Repository interface {
	// StartRun inserts the run row, or leaves an existing one untouched.
	StartRun(ctx context.Context, runID string, startedAt time.Time) error
	// FinishRun marks the run finished with status and an optional note.
	FinishRun(ctx context.Context, runID string, finishedAt time.Time, status RunStatus, note string) error
	// AddHostStats applies delta to the (run, host) counters.
	AddHostStats(ctx context.Context, runID, host string, delta HostDelta, at time.Time) error
}

// StoreSink collapses page events per host before writing, so one batch costs
// one upsert per host.
type StoreSink struct {
	repo   Repository
	logger *zap.Logger
}

// NewStoreSink constructs a StoreSink for repo.
func NewStoreSink(repo Repository, logger *zap.Logger) *StoreSink {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &StoreSink{repo: repo, logger: logger}
}

type hostKey struct {
	runID string
	host  string
}

type hostAgg struct {
	delta HostDelta
	at    time.Time
}

// Consume applies run milestones in order and host deltas after them.
func (s *StoreSink) Consume(ctx context.Context, batch []progress.Event) error {
	if s == nil || s.repo == nil {
		return nil
	}
	hosts := make(map[hostKey]*hostAgg)
	order := make([]hostKey, 0)
	var finish *progress.Event

	for i := range batch {
		evt := batch[i]
		switch evt.Stage {
		case progress.StageRunStart:
			if err := s.repo.StartRun(ctx, evt.RunID, evt.TS); err != nil {
				return fmt.Errorf("start run: %w", err)
			}
		case progress.StageRunDone:
			finish = &batch[i]
		case progress.StagePageDone:
			key := hostKey{runID: evt.RunID, host: evt.Host}
			agg := hosts[key]
			if agg == nil {
				agg = &hostAgg{}
				hosts[key] = agg
				order = append(order, key)
			}
			agg.delta.Pages++
			if evt.Failed() {
				agg.delta.Failures++
			}
			agg.delta.Bytes += evt.Bytes
			if evt.TS.After(agg.at) {
				agg.at = evt.TS
			}
		}
	}

	for _, key := range order {
		agg := hosts[key]
		if err := s.repo.AddHostStats(ctx, key.runID, key.host, agg.delta, agg.at); err != nil {
			return fmt.Errorf("add host stats: %w", err)
		}
	}

	if finish != nil {
		status := RunDone
		if finish.Note == progress.NoteCanceled {
			status = RunCanceled
		}
		if err := s.repo.FinishRun(ctx, finish.RunID, finish.TS, status, finish.Note); err != nil {
			return fmt.Errorf("finish run: %w", err)
		}
	}
	return nil
}

// Close implements progress.Sink; the repository's owner closes it.
func (s *StoreSink) Close(context.Context) error {
	return nil
}
