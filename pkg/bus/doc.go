// Package bus provides the in-process event bus layered over the durable
// event store.
//
// This package includes:
//   - Bus, which appends published events to storage and fans them out to
//     in-process subscribers without ever blocking on a slow one
//   - Subscription, a filtered live stream resumable from a sequence cursor
//   - Tailer, a polling reader for observers in other processes
//
// Most users should import the root package github.com/benchwork/benchwork
// which re-exports the common entry points.
package bus
