// Package main hosts the page publishing service entrypoint.
//
// Architecture overview:
//   - HTTP API: internal/api.Server exposes health, metrics, page management and domain
//     verification endpoints. Page creation validates the target URL synchronously, persists a
//     draft PageRecord via the PageStore, and enqueues the publish before responding 202.
//   - Queue & workers: publish tasks flow through a bounded in-memory queue sized by
//     config.Workers.QueueDepth and are consumed by a fixed worker pool sized by
//     config.Workers.Count. Context cancellation drains workers cleanly on shutdown.
//   - Publish pipeline: the orchestrator runs preview capture (Chromedp, wide and narrow
//     viewports) concurrently with icon resolution (Colly + goquery), renders the static HTML
//     artifact from embedded templates once capture settles, and writes it to the BlobStore
//     under a key derived from the page ID. Capture and icon failures degrade the artifact but
//     never block publication.
//   - Edge & fanout: after a durable publish, pages with a verified active custom domain get
//     their path registered in the per-hostname edge routing config, and a compact Pub/Sub
//     notification is published when a topic is configured.
//   - Configuration & plumbing: Viper populates config from env/files (prefix PAGEPRESS); zap
//     provides structured logging; Prometheus metrics are exported via the metrics middleware
//     and /metrics handler. Page state lives in Postgres (or memory for development); artifacts
//     live in GCS behind a CDN.
//
// Operational notes:
//   - Concurrency model: bounded queue + fixed worker pool; captures have their own semaphore
//     and per-domain rate limits inside the Chromedp service. Shutdown is coordinated via
//     context cancellation propagated from main through the pool to in-flight tasks.
//   - Status contract: clients poll GET /v1/pages/{page_id}/publish-status; both preview assets
//     reach a terminal state within the capture ceiling plus grace, so polling never reports
//     processing forever.
//   - Cloud Run: the HTTP server listens on the configured port. Health endpoints (/healthz,
//     /readyz) remain lightweight; the process reacts to SIGTERM for graceful drain with
//     in-flight publishes bounded by per-stage timeouts.
//
// Run locally: go run ./cmd/pagepress -config config.yaml (or rely solely on env overrides).
package main
