// Package api hosts the HTTP server, middleware, and handlers of the render
// proxy. Notable routes:
//   - GET / serves the embedded landing page.
//   - POST /fetch returns a FetchResult as JSON, always with HTTP 200.
//   - GET /proxy?url= returns raw markup (render mode only).
//   - GET /health for liveness probes.
//   - GET /metrics for Prometheus scraping.
package api
