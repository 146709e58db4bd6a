// Package schedule provides cadence types for recurring activities and the
// periodic metrics snapshotter built on them.
//
// This package includes:
//   - Schedule interface for deciding when an activity fires next
//   - Every() for fixed-interval cadences
//   - Daily() for a specific time each day
//   - Weekly() for a specific day and time each week
//   - Cron() for cron expression cadences
//   - Snapshotter for publishing per-run Metrics events on a cadence
//
// Most users should import the root package github.com/benchwork/benchwork
// which wires a snapshotter into the runner.
package schedule
