// Package api hosts the HTTP server, middleware, and REST handlers for
// operator access. Notable routes:
//   - GET /healthz / readyz for Kubernetes probes.
//   - GET /metrics for Prometheus scraping.
//   - POST /v1/jobs to submit seed URLs and GET /v1/jobs to list job ids.
//   - GET /v1/jobs/{job_id}/status and /result for progress and images.
package api
