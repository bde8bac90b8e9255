package crawler

import "sync/atomic"

// RunStats holds run counters. Every field is independently atomic; readers get
// approximate but monotonic values while workers are running.
type RunStats struct {
	Discovered       atomic.Int64
	Dispatched       atomic.Int64
	Fetched          atomic.Int64
	Succeeded        atomic.Int64
	Failed           atomic.Int64
	SkippedByCircuit atomic.Int64
	Records          atomic.Int64
	LinksFollowed    atomic.Int64

	byKind [numKinds]atomic.Int64
}

const numKinds = 9

var kindIndex = map[ErrorKind]int{
	KindCircuitOpen: 0,
	KindClientError: 1,
	KindTransient:   2,
	KindExhausted:   3,
	KindParse:       4,
	KindCanceled:    5,
	KindInvalidURL:  6,
	KindSink:        7,
	KindConfig:      8,
}

// RecordFailure counts one terminal failure of the given kind. Circuit-open
// failures are counted as skipped, not failed.
func (s *RunStats) RecordFailure(kind ErrorKind) {
	if kind == KindCircuitOpen {
		s.SkippedByCircuit.Add(1)
	} else {
		s.Failed.Add(1)
	}
	if idx, ok := kindIndex[kind]; ok {
		s.byKind[idx].Add(1)
	}
}

// KindCount returns the number of failures recorded for kind.
func (s *RunStats) KindCount(kind ErrorKind) int64 {
	idx, ok := kindIndex[kind]
	if !ok {
		return 0
	}
	return s.byKind[idx].Load()
}

// Snapshot copies the counters into a plain value.
func (s *RunStats) Snapshot() StatsSnapshot {
	snap := StatsSnapshot{
		Discovered:       s.Discovered.Load(),
		Dispatched:       s.Dispatched.Load(),
		Fetched:          s.Fetched.Load(),
		Succeeded:        s.Succeeded.Load(),
		Failed:           s.Failed.Load(),
		SkippedByCircuit: s.SkippedByCircuit.Load(),
		Records:          s.Records.Load(),
		LinksFollowed:    s.LinksFollowed.Load(),
		ByKind:           make(map[ErrorKind]int64),
	}
	for _, kind := range AllErrorKinds {
		if n := s.KindCount(kind); n > 0 {
			snap.ByKind[kind] = n
		}
	}
	return snap
}

// StatsSnapshot is a point-in-time copy of RunStats.
type StatsSnapshot struct {
	Discovered       int64               `json:"discovered"`
	Dispatched       int64               `json:"dispatched"`
	Fetched          int64               `json:"fetched"`
	Succeeded        int64               `json:"succeeded"`
	Failed           int64               `json:"failed"`
	SkippedByCircuit int64               `json:"skipped_by_circuit_breaker"`
	Records          int64               `json:"records"`
	LinksFollowed    int64               `json:"links_followed"`
	ByKind           map[ErrorKind]int64 `json:"by_error_kind"`
}
