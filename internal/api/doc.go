// Package api hosts the operator HTTP server that runs next to a crawl.
// Routes:
//   - GET /healthz and /readyz for liveness and readiness probes.
//   - GET /metrics for Prometheus scraping.
//   - GET /v1/progress for the live run state, counters and open circuits.
package api
