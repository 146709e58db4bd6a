// Package core provides the fundamental types and interfaces for the
// benchwork module.
//
// This package contains:
//   - WorkUnit, Event, CostEntry, and Checkpoint data models with GORM annotations
//   - The work unit state machine and its legal transitions
//   - Storage interface defining the persistence contract
//   - The failure taxonomy and retry classification
//
// Most users should import the root package github.com/benchwork/benchwork
// instead of this package directly.
package core
