// Package api hosts the HTTP server, middleware, and REST handlers.
// Notable routes:
//   - GET /healthz / readyz for Kubernetes probes.
//   - GET /metrics for Prometheus scraping.
//   - POST /v1/pdf for single generations.
//   - POST /v1/pdf/batch for multi-item submissions.
//   - GET /v1/rpc upgrades to the websocket call channel.
package api
