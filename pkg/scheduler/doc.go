// Package scheduler admits pending work onto per-class queues and picks the
// next unit for an idle slot: strict priority, FIFO within a priority,
// budget-gated at admission.
package scheduler
