// Package sinks implements progress consumers: structured logging and a
// repository-backed store that keeps per-run and per-host counters.
package sinks
