// Package api hosts the HTTP server, middleware, and REST handlers for
// operator access. Notable routes:
//   - GET /healthz / readyz for Kubernetes probes.
//   - GET /metrics for Prometheus scraping.
//   - POST/GET /v1/crawls for starting and inspecting crawl jobs, with
//     per-job cancel and progress-log endpoints.
//   - GET /v1/runs and /v1/runs/{id}/sites for the persisted run history
//     served by the JobRunStore.
package api
