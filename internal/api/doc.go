// Package api hosts the HTTP server, middleware, and REST handlers for the
// change monitor. Notable routes:
//   - GET /healthz / readyz for Kubernetes health checks.
//   - GET /metrics for Prometheus scraping.
//   - /api/public/resources and /api/public/targets for catalog management.
//   - GET /api/public/targets/{id}/snapshots for snapshot history.
//   - POST /api/public/targets/{id}/run to fire a target immediately.
//   - GET /api/public/schedule for the installed cron triggers.
package api
