// Package cmd defines the CLI commands for the render-proxy executable.
//
// Architecture overview:
//   - HTTP API: internal/api.Server serves the landing page, POST /fetch, GET /proxy (render mode), GET /health
//     and GET /metrics. Input URLs are normalized once before any fetch is attempted.
//   - Fetch modes: fetch.mode selects render (headless Chrome via chromedp, or go-rod when render.engine=rod) or
//     raw (a single Colly GET with the body relayed verbatim).
//   - Dispatcher & queue: in render mode requests flow through a bounded in-memory queue sized by
//     render.queue_depth and are fanned out to render.max_parallel workers, each owning one browser at a time.
//     Raw mode executes on the request goroutine.
//   - Configuration & plumbing: Viper populates config from env/files; zap provides structured logging;
//     Prometheus metrics are exported via the metrics middleware and /metrics handler.
//
// Operational notes:
//   - Every render launches an isolated browser that is torn down on success, failure and timeout.
//   - SIGINT/SIGTERM stop accepting connections, drain in-flight requests for server.shutdown_timeout, then stop
//     the worker pool.
//
// Quick checklist:
//   - Configure env vars: RENDERPROXY_SERVER_PORT, RENDERPROXY_FETCH_MODE, RENDERPROXY_RENDER_MAX_PARALLEL,
//     RENDERPROXY_RENDER_BROWSER_PATH when Chrome is not on PATH.
//   - Run locally: go run . serve --config config.yaml (or rely solely on env overrides).
package cmd
