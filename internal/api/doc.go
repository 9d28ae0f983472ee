// Package api hosts the HTTP server, middleware, and REST handlers for operator
// access, plus a small client used by the CLI. Notable routes:
//   - GET /healthz and /readyz for Kubernetes probes.
//   - GET /metrics for Prometheus scraping.
//   - POST /v1/seeds to enqueue seed URLs.
//   - GET /v1/status, /v1/sources and /v1/hosts for inspection.
//   - POST /v1/sources/{id}/pause|resume, PUT /v1/workers and
//     POST /v1/hosts/{host}/reset for operator control.
package api
