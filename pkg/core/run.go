package core

import "time"

// Run groups the work units, events, and cost entries of one benchmark
// invocation under a single ULID identifier.
type Run struct {
	ID          string `gorm:"primaryKey;size:26"`
	Label       string `gorm:"size:255"`
	StartedAt   time.Time
	CompletedAt *time.Time
	CreatedAt   time.Time `gorm:"autoCreateTime"`
	UpdatedAt   time.Time `gorm:"autoUpdateTime"`
}

// RunSummary is the run-level rollup returned to reporting callers.
type RunSummary struct {
	RunID        string           `json:"run_id"`
	Label        string           `json:"label,omitempty"`
	StartedAt    time.Time        `json:"started_at"`
	CompletedAt  *time.Time       `json:"completed_at,omitempty"`
	StatusCounts map[Status]int64 `json:"status_counts"`
	Cost         CostSummary      `json:"cost"`
}
