// Package progress streams crawl progress events. Workers and the dispatcher
// emit events without blocking; a Hub batches them on a background goroutine
// and fans each batch out to pluggable sinks such as structured logs or a
// progress table in Postgres.
package progress
