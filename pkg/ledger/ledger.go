package ledger

import (
	"context"
	"fmt"
	"log/slog"
	"sync"

	"github.com/benchwork/benchwork/pkg/bus"
	"github.com/benchwork/benchwork/pkg/core"
)

// Budget holds the run-wide spend thresholds in US dollars. A zero or
// negative limit disables that threshold.
type Budget struct {
	SoftLimitUSD float64
	HardLimitUSD float64
}

// Classify maps run totals to a budget status. Crossing the soft limit is
// advisory; crossing the hard limit refuses new admissions while in-flight
// work finishes.
func (b Budget) Classify(totals core.CostTotals) core.BudgetStatus {
	if b.HardLimitUSD > 0 && totals.USD >= b.HardLimitUSD {
		return core.BudgetExceeded
	}
	if b.SoftLimitUSD > 0 && totals.USD >= b.SoftLimitUSD {
		return core.BudgetWarn
	}
	return core.BudgetOK
}

// Ledger accumulates token and dollar spend per work unit and per run, and
// answers the budget checks made before new work is admitted.
//
// Totals are durable as individual entries in storage; the ledger keeps a
// per-run cache so budget checks do not hit the database on every call. The
// cache is seeded from storage on first touch, which makes restarts safe.
type Ledger struct {
	storage core.Storage
	bus     *bus.Bus
	budget  Budget
	log     *slog.Logger

	mu         sync.Mutex
	totals     map[string]core.CostTotals
	lastStatus map[string]core.BudgetStatus
}

// New creates a Ledger. A nil logger disables logging.
func New(s core.Storage, b *bus.Bus, budget Budget, log *slog.Logger) *Ledger {
	if log == nil {
		log = slog.New(slog.DiscardHandler)
	}
	return &Ledger{
		storage:    s,
		bus:        b,
		budget:     budget,
		log:        log,
		totals:     make(map[string]core.CostTotals),
		lastStatus: make(map[string]core.BudgetStatus),
	}
}

// Record adds one cost delta. It is idempotent per (WorkUnitID, CallIndex):
// replaying the same call changes nothing and publishes nothing. A recorded
// delta also updates the owning unit's cost mirror and publishes a Cost
// event carrying the post-record budget status.
func (l *Ledger) Record(ctx context.Context, entry *core.CostEntry) (core.BudgetStatus, error) {
	if entry.WorkUnitID == "" || entry.RunID == "" {
		return "", fmt.Errorf("benchwork: cost entry requires a work unit and run id")
	}

	// Seed the cache before the insert so the increment below is counted
	// exactly once.
	if _, err := l.totalsFor(ctx, entry.RunID); err != nil {
		return "", err
	}

	inserted, err := l.storage.RecordCost(ctx, entry)
	if err != nil {
		return "", fmt.Errorf("benchwork: failed to record cost: %w", err)
	}
	if !inserted {
		return l.CheckBudget(ctx, entry.RunID)
	}

	if err := l.storage.AddUnitCost(ctx, entry.WorkUnitID, entry.TokensIn, entry.TokensOut, entry.USD); err != nil {
		// The ledger entry is already durable; the unit mirror is advisory
		// and will disagree until the next successful record.
		l.log.Warn("unit cost mirror update failed",
			"work_unit_id", entry.WorkUnitID, "error", err)
	}

	status := l.apply(entry)

	if err := l.bus.Publish(ctx, core.NewCostEvent(entry.RunID, entry.WorkUnitID, core.CostPayload{
		TokensIn:  entry.TokensIn,
		TokensOut: entry.TokensOut,
		USD:       entry.USD,
		CallIndex: entry.CallIndex,
		Budget:    status,
	})); err != nil {
		l.log.Warn("cost event publish failed",
			"work_unit_id", entry.WorkUnitID, "error", err)
	}

	return status, nil
}

// CheckBudget compares the run's running total against the configured
// thresholds.
func (l *Ledger) CheckBudget(ctx context.Context, runID string) (core.BudgetStatus, error) {
	totals, err := l.totalsFor(ctx, runID)
	if err != nil {
		return "", err
	}
	return l.budget.Classify(totals), nil
}

// Totals returns the run's current aggregate spend.
func (l *Ledger) Totals(ctx context.Context, runID string) (core.CostTotals, error) {
	return l.totalsFor(ctx, runID)
}

// Summary returns the caller-facing cost view for a run.
func (l *Ledger) Summary(ctx context.Context, runID string) (core.CostSummary, error) {
	totals, err := l.totalsFor(ctx, runID)
	if err != nil {
		return core.CostSummary{}, err
	}
	return core.CostSummary{
		RunID:        runID,
		TokensIn:     totals.TokensIn,
		TokensOut:    totals.TokensOut,
		EstimatedUSD: totals.USD,
		Budget:       l.budget.Classify(totals),
	}, nil
}

// totalsFor returns the cached totals for a run, seeding the cache from
// storage on first touch. The lock is held across the seed read so a
// concurrent Record cannot fold its delta into an unseeded cache entry.
func (l *Ledger) totalsFor(ctx context.Context, runID string) (core.CostTotals, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if totals, ok := l.totals[runID]; ok {
		return totals, nil
	}
	stored, err := l.storage.CostTotals(ctx, runID)
	if err != nil {
		return core.CostTotals{}, fmt.Errorf("benchwork: failed to load cost totals: %w", err)
	}
	l.totals[runID] = stored
	return stored, nil
}

// apply folds an inserted entry into the cache and reports the resulting
// budget status, logging threshold crossings once per transition.
func (l *Ledger) apply(entry *core.CostEntry) core.BudgetStatus {
	l.mu.Lock()
	defer l.mu.Unlock()

	totals := l.totals[entry.RunID].Add(entry.TokensIn, entry.TokensOut, entry.USD)
	l.totals[entry.RunID] = totals

	status := l.budget.Classify(totals)
	if prev := l.lastStatus[entry.RunID]; prev != status {
		l.lastStatus[entry.RunID] = status
		switch status {
		case core.BudgetWarn:
			l.log.Warn("run crossed soft budget limit",
				"run_id", entry.RunID, "spent_usd", totals.USD, "soft_limit_usd", l.budget.SoftLimitUSD)
		case core.BudgetExceeded:
			l.log.Warn("run crossed hard budget limit, refusing new admissions",
				"run_id", entry.RunID, "spent_usd", totals.USD, "hard_limit_usd", l.budget.HardLimitUSD)
		}
	}
	return status
}
