package schedule

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"github.com/benchwork/benchwork/pkg/bus"
	"github.com/benchwork/benchwork/pkg/core"
	"github.com/benchwork/benchwork/pkg/ledger"
)

// DefaultCadence is used when a snapshotter is built without a schedule.
const DefaultCadence = 30 * time.Second

// Occupancy reports per-class slot usage. The worker pool satisfies it.
type Occupancy interface {
	Occupancy() (busy, total map[core.ResourceClass]int)
}

// Snapshotter periodically publishes a Metrics event per active run,
// summarizing unit status counts, slot occupancy, and accumulated spend.
// The events land in the durable log like any other, so dashboards can
// replay utilization history after the fact.
type Snapshotter struct {
	storage core.Storage
	bus     *bus.Bus
	ledger  *ledger.Ledger
	pool    Occupancy
	cadence Schedule
	log     *slog.Logger
}

// NewSnapshotter wires a snapshotter. pool may be nil when no worker pool
// runs in this process; cadence nil means DefaultCadence; log nil discards.
func NewSnapshotter(st core.Storage, eb *bus.Bus, led *ledger.Ledger, pool Occupancy, cadence Schedule, log *slog.Logger) *Snapshotter {
	if cadence == nil {
		cadence = Every(DefaultCadence)
	}
	if log == nil {
		log = slog.New(slog.DiscardHandler)
	}
	return &Snapshotter{
		storage: st,
		bus:     eb,
		ledger:  led,
		pool:    pool,
		cadence: cadence,
		log:     log,
	}
}

// Run blocks, taking a snapshot at every cadence activation until ctx ends.
func (s *Snapshotter) Run(ctx context.Context) error {
	timer := time.NewTimer(time.Until(s.cadence.Next(time.Now())))
	defer timer.Stop()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-timer.C:
			if err := s.Snapshot(ctx); err != nil && !errors.Is(err, context.Canceled) {
				s.log.Error("metrics snapshot failed", "error", err)
			}
			timer.Reset(time.Until(s.cadence.Next(time.Now())))
		}
	}
}

// Snapshot publishes one Metrics event for every active run. A failure on
// one run does not stop the others; the first error is returned.
func (s *Snapshotter) Snapshot(ctx context.Context) error {
	runs, err := s.storage.ListActiveRuns(ctx)
	if err != nil {
		return err
	}

	var firstErr error
	for _, run := range runs {
		if err := s.snapshotRun(ctx, run.ID); err != nil {
			s.log.Warn("run snapshot failed", "run_id", run.ID, "error", err)
			if firstErr == nil {
				firstErr = err
			}
		}
	}
	return firstErr
}

func (s *Snapshotter) snapshotRun(ctx context.Context, runID string) error {
	counts, err := s.storage.CountUnitsByStatus(ctx, runID)
	if err != nil {
		return err
	}
	summary, err := s.ledger.Summary(ctx, runID)
	if err != nil {
		return err
	}

	payload := core.MetricsPayload{
		StatusCounts: counts,
		TokensIn:     summary.TokensIn,
		TokensOut:    summary.TokensOut,
		EstimatedUSD: summary.EstimatedUSD,
		Budget:       summary.Budget,
	}
	if s.pool != nil {
		payload.BusySlots, payload.TotalSlots = s.pool.Occupancy()
	}
	return s.bus.Publish(ctx, core.NewMetricsEvent(runID, payload))
}
