// Package pool runs claimed work units on a fixed set of worker slots,
// partitioned by resource class.
//
// This package includes:
//   - Pool, which owns the slots and their claim loops
//   - per-unit lock heartbeats so long executions are never reclaimed as
//     stale
//   - panic recovery at the slot boundary, hard per-kind wall-clock
//     timeouts, and retry of retryable failures with exponential backoff
//   - slot snapshots for control surfaces and metrics
//
// A draining pool stops claiming and asks in-flight units to stop at their
// next checkpoint; it never kills an external process.
//
// Most users should import the root package github.com/benchwork/benchwork
// instead of using this package directly.
package pool
