// Package api hosts the ops HTTP server that runs alongside a harvest.
// Routes:
//   - GET /healthz and /readyz for probes.
//   - GET /metrics for Prometheus scraping.
//   - GET /v1/runs/{run_id} for a run's status, counters and layer records.
package api
