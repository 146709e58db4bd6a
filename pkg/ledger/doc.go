// Package ledger tracks token and dollar spend across a run and enforces
// the run's budget.
//
// Every LLM or tool call records one entry keyed by (work unit, call index),
// so retried calls never double-count. The ledger answers budget checks in
// three grades: ok, warn (soft limit crossed, execution continues), and
// exceeded (hard limit crossed, new admissions refused while in-flight work
// finishes).
package ledger
