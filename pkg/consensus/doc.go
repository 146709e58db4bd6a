// Package consensus scores an artifact with a panel of independent judges
// and aggregates their verdicts into a single score.
//
// This package includes:
//   - Judge, the interface one scoring model implements
//   - Panel, which fans a request out to every judge concurrently, excludes
//     the ones that fail or time out, and combines the survivors
//   - Methods average, majority, min, max, and median for combining scores
//
// A panel never zero-scores an unavailable judge: it is excluded from the
// aggregate and recorded on the result. When every judge is excluded the
// panel falls back to a deterministic heuristic and flags the result.
package consensus
