package postgres

import (
	"context"
	"fmt"
	"time"

	"github.com/JakeFAU/regcrawler/internal/progress/sinks"
)

const (
	runsTable      = "crawl_runs"
	hostStatsTable = "crawl_host_stats"
)

// ProgressStore keeps per-run status and per-host counters. It never owns
// its pool.
type ProgressStore struct {
	pool execCloser
}

// NewProgressStoreWithPool builds a ProgressStore on an existing pool.
func NewProgressStoreWithPool(pool execCloser) (*ProgressStore, error) {
	if pool == nil {
		return nil, fmt.Errorf("pool is required")
	}
	return &ProgressStore{pool: pool}, nil
}

// ProgressStore returns a progress repository sharing the record store's pool.
func (s *RecordStore) ProgressStore() *ProgressStore {
	return &ProgressStore{pool: s.pool}
}

// EnsureSchema creates the run and host tables when they do not exist.
func (p *ProgressStore) EnsureSchema(ctx context.Context) error {
	stmts := []string{
		`CREATE TABLE IF NOT EXISTS ` + runsTable + ` (
	run_id      TEXT        PRIMARY KEY,
	started_at  TIMESTAMPTZ NOT NULL,
	finished_at TIMESTAMPTZ,
	status      TEXT        NOT NULL,
	note        TEXT
)`,
		`CREATE TABLE IF NOT EXISTS ` + hostStatsTable + ` (
	run_id      TEXT        NOT NULL,
	host        TEXT        NOT NULL,
	pages       BIGINT      NOT NULL DEFAULT 0,
	failures    BIGINT      NOT NULL DEFAULT 0,
	bytes_total BIGINT      NOT NULL DEFAULT 0,
	updated_at  TIMESTAMPTZ NOT NULL,
	PRIMARY KEY (run_id, host)
)`,
	}
	for _, stmt := range stmts {
		if _, err := p.pool.Exec(ctx, stmt); err != nil {
			return fmt.Errorf("create progress tables: %w", err)
		}
	}
	return nil
}

// StartRun inserts the run row in the running state.
func (p *ProgressStore) StartRun(ctx context.Context, runID string, startedAt time.Time) error {
	const query = `
INSERT INTO ` + runsTable + ` (run_id, started_at, status)
VALUES ($1, $2, $3)
ON CONFLICT (run_id) DO NOTHING`
	if _, err := p.pool.Exec(ctx, query, runID, startedAt.UTC(), string(sinks.RunRunning)); err != nil {
		return fmt.Errorf("insert run %s: %w", runID, err)
	}
	return nil
}

// FinishRun records the final status of a run.
func (p *ProgressStore) FinishRun(ctx context.Context, runID string, finishedAt time.Time, status sinks.RunStatus, note string) error {
	const query = `
UPDATE ` + runsTable + `
SET finished_at = $2, status = $3, note = NULLIF($4, '')
WHERE run_id = $1`
	tag, err := p.pool.Exec(ctx, query, runID, finishedAt.UTC(), string(status), note)
	if err != nil {
		return fmt.Errorf("finish run %s: %w", runID, err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("finish run %s: run not found", runID)
	}
	return nil
}

// AddHostStats adds delta to the host's counters, creating the row on first use.
func (p *ProgressStore) AddHostStats(ctx context.Context, runID, host string, delta sinks.HostDelta, at time.Time) error {
	const query = `
INSERT INTO ` + hostStatsTable + ` (run_id, host, pages, failures, bytes_total, updated_at)
VALUES ($1, $2, $3, $4, $5, $6)
ON CONFLICT (run_id, host) DO UPDATE SET
	pages       = ` + hostStatsTable + `.pages + EXCLUDED.pages,
	failures    = ` + hostStatsTable + `.failures + EXCLUDED.failures,
	bytes_total = ` + hostStatsTable + `.bytes_total + EXCLUDED.bytes_total,
	updated_at  = GREATEST(` + hostStatsTable + `.updated_at, EXCLUDED.updated_at)`
	if _, err := p.pool.Exec(ctx, query, runID, host, delta.Pages, delta.Failures, delta.Bytes, at.UTC()); err != nil {
		return fmt.Errorf("upsert host stats %s/%s: %w", runID, host, err)
	}
	return nil
}

var _ sinks.Repository = (*ProgressStore)(nil)
