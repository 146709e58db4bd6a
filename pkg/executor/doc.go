// Package executor defines how one work unit's work actually gets done.
//
// This package includes:
//   - Executor, the per-kind plugin interface the worker pool dispatches to
//   - ExecContext, the executor's handle for checkpoints, progress and log
//     events, ledger entries, and durable phase results
//   - KnowledgeExecutor, which runs multiple-choice questions against a
//     ModelClient and scores letter answers
//   - CodingExecutor, which drives an AgentTool through build, deploy, and
//     test phases and optionally scores the outcome with a judge panel
//
// Executors are cooperative: between externally visible sub-steps they call
// Checkpoint, which reports whether a pause or cancel was requested, and
// they persist completed sub-steps with SavePhase so a paused or retried
// unit never re-runs finished work.
package executor
