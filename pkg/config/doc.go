// Package config loads daemon configuration from a YAML file with
// BENCHWORK_* environment overrides.
//
// This package includes:
//   - Config schema covering pool sizing, budgets, pricing, executor
//     timeouts, the judge panel, and the metrics snapshot cadence
//   - Load() applying defaults, file values, and environment overrides
//   - Duration for "30s"-style YAML values
//   - NewLogger() for the structured JSON logger the daemon uses
//
// Components keep their own defaults; a zero value in Config means the
// component decides.
package config
