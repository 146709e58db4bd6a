// Package registry owns the work unit state machine.
//
// All lifecycle transitions flow through the Registry so that storage and
// the event bus stay in lockstep: external callers submit work and set
// cooperative request flags, while the scheduler and worker pool perform
// the actual transitions on units they admit, claim, or finish. Failed
// units with retries left are re-enqueued as fresh units sharing a lineage
// id, never mutated back to life.
package registry
