// Package api hosts the HTTP server, middleware and handlers that trigger scrape
// runs. Notable routes:
//   - GET /health, /healthz and /readyz for orchestrator health checks.
//   - GET /metrics for Prometheus scraping.
//   - POST /scrape/agencies and /scrape/ebc to run one scrape synchronously.
package api
