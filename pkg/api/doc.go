// Package api serves the HTTP control surface for a Runner.
//
// This package includes:
//   - Server: a chi router wiring JSON endpoints for work unit submission,
//     inspection, and cooperative control under /v1
//   - Event access as a JSON page or a server-sent event stream
//   - Cost, slot, run, and stats read endpoints
//   - /healthz and /metrics for probes and prometheus scrapes
//
// Handlers map the sentinel errors of github.com/benchwork/benchwork onto
// HTTP status codes; bodies are JSON with a single "error" key on failure.
package api
