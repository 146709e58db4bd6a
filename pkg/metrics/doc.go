// Package metrics exposes prometheus collectors for work unit transitions,
// event volume, spend, slot occupancy, and the HTTP API.
//
// Collectors register on the default registry at init. The Observer keeps
// them current by consuming the event bus, so no component carries metric
// calls of its own; Middleware and Handler instrument and serve the HTTP
// side.
package metrics
