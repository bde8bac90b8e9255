package sinks

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"go.uber.org/zap/zaptest/observer"

	"github.com/JakeFAU/regcrawler/internal/crawler"
	"github.com/JakeFAU/regcrawler/internal/progress"
)

type hostCall struct {
	runID string
	host  string
	delta HostDelta
	at    time.Time
}

type finishCall struct {
	runID  string
	status RunStatus
	note   string
}

type fakeRepo struct {
	starts   []string
	finishes []finishCall
	hosts    []hostCall
	err      error
}

func (r *fakeRepo) StartRun(_ context.Context, runID string, _ time.Time) error {
	if r.err != nil {
		return r.err
	}
	r.starts = append(r.starts, runID)
	return nil
}

func (r *fakeRepo) FinishRun(_ context.Context, runID string, _ time.Time, status RunStatus, note string) error {
	r.finishes = append(r.finishes, finishCall{runID: runID, status: status, note: note})
	return nil
}

func (r *fakeRepo) AddHostStats(_ context.Context, runID, host string, delta HostDelta, at time.Time) error {
	if r.err != nil {
		return r.err
	}
	r.hosts = append(r.hosts, hostCall{runID: runID, host: host, delta: delta, at: at})
	return nil
}

func page(host string, kind crawler.ErrorKind, bytes int64, at time.Time) progress.Event {
	return progress.Event{
		RunID:       "run-1",
		TS:          at,
		Stage:       progress.StagePageDone,
		Host:        host,
		URL:         "https://" + host + "/x",
		Kind:        kind,
		StatusClass: progress.Status2xx,
		Bytes:       bytes,
	}
}

func TestStoreSinkCollapsesPagesPerHost(t *testing.T) {
	t.Parallel()

	repo := &fakeRepo{}
	sink := NewStoreSink(repo, nil)
	now := time.Date(2024, 3, 1, 9, 30, 0, 0, time.UTC)

	batch := []progress.Event{
		{RunID: "run-1", TS: now, Stage: progress.StageRunStart},
		page("a.org", "", 100, now.Add(time.Second)),
		page("b.org", crawler.KindExhausted, 0, now.Add(2*time.Second)),
		page("a.org", crawler.KindParse, 50, now.Add(3*time.Second)),
		{RunID: "run-1", TS: now.Add(4 * time.Second), Stage: progress.StageRunDone},
	}
	require.NoError(t, sink.Consume(context.Background(), batch))

	require.Equal(t, []string{"run-1"}, repo.starts)
	require.Equal(t, []hostCall{
		{runID: "run-1", host: "a.org", delta: HostDelta{Pages: 2, Failures: 1, Bytes: 150}, at: now.Add(3 * time.Second)},
		{runID: "run-1", host: "b.org", delta: HostDelta{Pages: 1, Failures: 1}, at: now.Add(2 * time.Second)},
	}, repo.hosts)
	require.Equal(t, []finishCall{{runID: "run-1", status: RunDone}}, repo.finishes)
}

func TestStoreSinkMarksCanceledRuns(t *testing.T) {
	t.Parallel()

	repo := &fakeRepo{}
	sink := NewStoreSink(repo, zap.NewNop())
	require.NoError(t, sink.Consume(context.Background(), []progress.Event{
		{RunID: "run-1", TS: time.Now(), Stage: progress.StageRunDone, Note: progress.NoteCanceled},
	}))
	require.Equal(t, []finishCall{{runID: "run-1", status: RunCanceled, note: progress.NoteCanceled}}, repo.finishes)
}

func TestStoreSinkSurfacesRepositoryErrors(t *testing.T) {
	t.Parallel()

	repo := &fakeRepo{err: errors.New("db down")}
	sink := NewStoreSink(repo, nil)

	err := sink.Consume(context.Background(), []progress.Event{{RunID: "run-1", TS: time.Now(), Stage: progress.StageRunStart}})
	require.ErrorContains(t, err, "start run: db down")

	err = sink.Consume(context.Background(), []progress.Event{page("a.org", "", 1, time.Now())})
	require.ErrorContains(t, err, "add host stats: db down")
}

func TestStoreSinkWithoutRepository(t *testing.T) {
	t.Parallel()

	var sink *StoreSink
	require.NoError(t, sink.Consume(context.Background(), []progress.Event{page("a.org", "", 1, time.Now())}))
	require.NoError(t, NewStoreSink(nil, nil).Close(context.Background()))
}

func TestLogSinkLevels(t *testing.T) {
	t.Parallel()

	core, logs := observer.New(zap.DebugLevel)
	sink := NewLogSink(zap.New(core))
	require.NoError(t, sink.Consume(context.Background(), []progress.Event{
		{RunID: "run-1", TS: time.Now(), Stage: progress.StageRunStart},
		page("a.org", crawler.KindClientError, 10, time.Now()),
	}))
	require.NoError(t, sink.Close(context.Background()))

	entries := logs.All()
	require.Len(t, entries, 2)
	require.Equal(t, "run progress", entries[0].Message)
	require.Equal(t, zap.InfoLevel, entries[0].Level)
	require.Equal(t, "page progress", entries[1].Message)
	require.Equal(t, zap.DebugLevel, entries[1].Level)
	require.Equal(t, "client_error", entries[1].ContextMap()["kind"])
}

func TestLogSinkSkipsPagesAboveDebug(t *testing.T) {
	t.Parallel()

	core, logs := observer.New(zap.InfoLevel)
	sink := NewLogSink(zap.New(core))
	require.NoError(t, sink.Consume(context.Background(), []progress.Event{page("a.org", "", 10, time.Now())}))
	require.Zero(t, logs.Len())
}
