// Package crawler holds the crawl engine's domain types and its resilient
// fetch path: URL normalization, final-page pattern matching, the per-host
// circuit breaker, exponential backoff and the retrying fetcher. Frontier,
// orchestration and I/O adapters live in sibling packages and meet here
// through the interfaces in interfaces.go.
package crawler
