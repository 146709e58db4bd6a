package benchwork

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/benchwork/benchwork/pkg/bus"
	"github.com/benchwork/benchwork/pkg/core"
	"github.com/benchwork/benchwork/pkg/executor"
	"github.com/benchwork/benchwork/pkg/ledger"
	"github.com/benchwork/benchwork/pkg/pool"
	"github.com/benchwork/benchwork/pkg/registry"
	"github.com/benchwork/benchwork/pkg/schedule"
	"github.com/benchwork/benchwork/pkg/scheduler"
)

// RunnerConfig holds runner-level wiring knobs.
type RunnerConfig struct {
	Logger           *slog.Logger
	Budget           ledger.Budget
	SchedulerOptions []scheduler.Option
	PoolOptions      []pool.Option
	Cadence          schedule.Schedule
}

// RunnerOption configures a Runner.
type RunnerOption interface {
	ApplyRunner(*RunnerConfig)
}

type runnerOptionFunc func(*RunnerConfig)

func (f runnerOptionFunc) ApplyRunner(c *RunnerConfig) { f(c) }

// WithLogger sets the logger shared by every component.
func WithLogger(log *slog.Logger) RunnerOption {
	return runnerOptionFunc(func(c *RunnerConfig) { c.Logger = log })
}

// WithBudget sets the run-wide spend thresholds.
func WithBudget(b Budget) RunnerOption {
	return runnerOptionFunc(func(c *RunnerConfig) { c.Budget = b })
}

// WithSchedulerOptions forwards options to the scheduler.
func WithSchedulerOptions(opts ...scheduler.Option) RunnerOption {
	return runnerOptionFunc(func(c *RunnerConfig) {
		c.SchedulerOptions = append(c.SchedulerOptions, opts...)
	})
}

// WithPoolOptions forwards options to the worker pool.
func WithPoolOptions(opts ...pool.Option) RunnerOption {
	return runnerOptionFunc(func(c *RunnerConfig) {
		c.PoolOptions = append(c.PoolOptions, opts...)
	})
}

// WithSnapshots enables periodic metrics snapshots on the given cadence.
func WithSnapshots(cadence Schedule) RunnerOption {
	return runnerOptionFunc(func(c *RunnerConfig) { c.Cadence = cadence })
}

// Runner wires storage, bus, ledger, registry, scheduler, and pool into one
// process-local execution engine. All methods are safe for concurrent use.
type Runner struct {
	storage  core.Storage
	bus      *bus.Bus
	ledger   *ledger.Ledger
	registry *registry.Registry
	sched    *scheduler.Scheduler
	pool     *pool.Pool
	snap     *schedule.Snapshotter
	log      *slog.Logger

	started atomic.Bool
	closed  atomic.Bool
	cancel  context.CancelFunc
	wg      sync.WaitGroup
}

// NewRunner wires a Runner over st, serving the given executors. The
// executor set decides which kinds this process claims and how their
// payloads are validated at submission.
func NewRunner(st core.Storage, executors []executor.Executor, opts ...RunnerOption) (*Runner, error) {
	var cfg RunnerConfig
	for _, opt := range opts {
		opt.ApplyRunner(&cfg)
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.New(slog.DiscardHandler)
	}

	table, err := executor.NewTable(executors...)
	if err != nil {
		return nil, err
	}
	validators := make(map[core.WorkKind]registry.PayloadValidator, len(table))
	for kind, ex := range table {
		validators[kind] = ex.ValidatePayload
	}

	eb := bus.New(st, cfg.Logger)
	led := ledger.New(st, eb, cfg.Budget, cfg.Logger)
	reg := registry.New(st, eb, led, validators, cfg.Logger)
	sched := scheduler.New(reg, led, cfg.Logger, cfg.SchedulerOptions...)
	p, err := pool.New(reg, sched, st, eb, led, table, cfg.Logger, cfg.PoolOptions...)
	if err != nil {
		return nil, err
	}

	r := &Runner{
		storage:  st,
		bus:      eb,
		ledger:   led,
		registry: reg,
		sched:    sched,
		pool:     p,
		log:      cfg.Logger,
	}
	if cfg.Cadence != nil {
		r.snap = schedule.NewSnapshotter(st, eb, led, p, cfg.Cadence, cfg.Logger)
	}
	return r, nil
}

// Start launches the scheduler, worker pool, and snapshotter. It returns
// immediately; the components run until ctx ends or Close is called.
func (r *Runner) Start(ctx context.Context) error {
	if r.closed.Load() {
		return ErrShuttingDown
	}
	if !r.started.CompareAndSwap(false, true) {
		return fmt.Errorf("benchwork: runner already started")
	}

	runCtx, cancel := context.WithCancel(ctx)
	r.cancel = cancel

	r.wg.Add(1)
	go func() {
		defer r.wg.Done()
		if err := r.sched.Start(runCtx); err != nil && !errors.Is(err, context.Canceled) {
			r.log.Error("scheduler stopped", "error", err)
		}
	}()
	r.wg.Add(1)
	go func() {
		defer r.wg.Done()
		if err := r.pool.Start(runCtx); err != nil && !errors.Is(err, context.Canceled) {
			r.log.Error("pool stopped", "error", err)
		}
	}()
	if r.snap != nil {
		r.wg.Add(1)
		go func() {
			defer r.wg.Done()
			if err := r.snap.Run(runCtx); err != nil && !errors.Is(err, context.Canceled) {
				r.log.Error("snapshotter stopped", "error", err)
			}
		}()
	}

	r.log.Info("runner started")
	return nil
}

// Close drains the pool and stops every component, waiting no longer than
// ctx allows. In-flight units park at their next checkpoint as Cancelled;
// nothing is left Running. Close is idempotent.
func (r *Runner) Close(ctx context.Context) error {
	if !r.closed.CompareAndSwap(false, true) {
		return nil
	}
	if r.cancel != nil {
		r.cancel()
	}

	err := r.pool.Shutdown(ctx)

	done := make(chan struct{})
	go func() {
		r.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
	case <-ctx.Done():
		if err == nil {
			err = ctx.Err()
		}
	}

	r.bus.Close()
	r.log.Info("runner stopped")
	return err
}

// ─── Work unit operations ────────────────────────────────────────────────

// Submit validates and creates one work unit. The run named by RunID is
// registered on first use so summaries and snapshots cover it.
func (r *Runner) Submit(ctx context.Context, req SubmitRequest) (*WorkUnit, error) {
	if r.closed.Load() {
		return nil, ErrShuttingDown
	}
	if req.RunID == "" {
		return nil, fmt.Errorf("benchwork: submit requires a run id")
	}
	if err := r.ensureRun(ctx, req.RunID); err != nil {
		return nil, err
	}
	return r.registry.Submit(ctx, req)
}

// Get returns a unit by id.
func (r *Runner) Get(ctx context.Context, id string) (*WorkUnit, error) {
	return r.registry.Get(ctx, id)
}

// List returns units matching the filter, newest first.
func (r *Runner) List(ctx context.Context, filter UnitFilter) ([]*WorkUnit, error) {
	return r.registry.List(ctx, filter)
}

// Cancel requests cooperative cancellation of one unit.
func (r *Runner) Cancel(ctx context.Context, id string) error {
	if r.closed.Load() {
		return ErrShuttingDown
	}
	return r.registry.RequestCancel(ctx, id)
}

// Pause requests that one unit park at its next checkpoint.
func (r *Runner) Pause(ctx context.Context, id string) error {
	if r.closed.Load() {
		return ErrShuttingDown
	}
	return r.registry.RequestPause(ctx, id)
}

// Resume puts a paused unit back on its class queue.
func (r *Runner) Resume(ctx context.Context, id string) error {
	if r.closed.Load() {
		return ErrShuttingDown
	}
	return r.registry.RequestResume(ctx, id)
}

// PauseAll pauses every active unit in a run.
func (r *Runner) PauseAll(ctx context.Context, runID string) error {
	if r.closed.Load() {
		return ErrShuttingDown
	}
	return r.registry.PauseAll(ctx, runID)
}

// ResumeAll resumes every paused or pause-flagged unit in a run.
func (r *Runner) ResumeAll(ctx context.Context, runID string) error {
	if r.closed.Load() {
		return ErrShuttingDown
	}
	return r.registry.ResumeAll(ctx, runID)
}

// ─── Runs and reporting ──────────────────────────────────────────────────

// NewRun creates a run with a fresh time-sortable identifier.
func (r *Runner) NewRun(ctx context.Context, label string) (*Run, error) {
	if r.closed.Load() {
		return nil, ErrShuttingDown
	}
	run := &core.Run{ID: NewRunID(), Label: label}
	if err := r.storage.CreateRun(ctx, run); err != nil {
		return nil, err
	}
	r.log.Info("run created", "run_id", run.ID, "label", label)
	return run, nil
}

// FinishRun stamps a run's completion time.
func (r *Runner) FinishRun(ctx context.Context, runID string) error {
	return r.storage.FinishRun(ctx, runID)
}

// RunSummary returns the run-level rollup of unit counts and spend.
func (r *Runner) RunSummary(ctx context.Context, runID string) (RunSummary, error) {
	run, err := r.storage.GetRun(ctx, runID)
	if err != nil {
		return RunSummary{}, err
	}
	counts, err := r.registry.CountByStatus(ctx, runID)
	if err != nil {
		return RunSummary{}, err
	}
	cost, err := r.ledger.Summary(ctx, runID)
	if err != nil {
		return RunSummary{}, err
	}
	return RunSummary{
		RunID:        run.ID,
		Label:        run.Label,
		StartedAt:    run.StartedAt,
		CompletedAt:  run.CompletedAt,
		StatusCounts: counts,
		Cost:         cost,
	}, nil
}

// CostSummary returns a run's accumulated spend and budget verdict.
func (r *Runner) CostSummary(ctx context.Context, runID string) (CostSummary, error) {
	return r.ledger.Summary(ctx, runID)
}

// CountByStatus returns how many of the run's units sit in each state.
func (r *Runner) CountByStatus(ctx context.Context, runID string) (map[Status]int64, error) {
	return r.registry.CountByStatus(ctx, runID)
}

// ─── Events ──────────────────────────────────────────────────────────────

// Subscribe returns a live subscription for events matching filter.
func (r *Runner) Subscribe(filter EventFilter) *Subscription {
	return r.bus.Subscribe(filter)
}

// Tail replays stored events with sequence greater than since, then
// continues live, with no gaps or duplicates.
func (r *Runner) Tail(ctx context.Context, since int64, filter EventFilter) *Subscription {
	return r.bus.SubscribeSince(ctx, since, filter)
}

// Events reads a page of stored events with sequence greater than since.
func (r *Runner) Events(ctx context.Context, since int64, filter EventFilter, limit int) ([]*Event, error) {
	return r.storage.EventsSince(ctx, since, filter, limit)
}

// ─── Introspection ───────────────────────────────────────────────────────

// Slots reports every worker slot's current state.
func (r *Runner) Slots() []SlotSnapshot {
	return r.pool.Snapshot()
}

// Occupancy reports busy and total slots per resource class.
func (r *Runner) Occupancy() (busy, total map[ResourceClass]int) {
	return r.pool.Occupancy()
}

// Bus exposes the event bus for additional consumers, such as the metrics
// observer.
func (r *Runner) Bus() *Bus {
	return r.bus
}

// Draining reports whether shutdown has begun.
func (r *Runner) Draining() bool {
	return r.closed.Load() || r.pool.Draining()
}

func (r *Runner) ensureRun(ctx context.Context, runID string) error {
	_, err := r.storage.GetRun(ctx, runID)
	if err == nil {
		return nil
	}
	if !errors.Is(err, ErrRunNotFound) {
		return err
	}
	run := &core.Run{ID: runID, StartedAt: time.Now().UTC()}
	if err := r.storage.CreateRun(ctx, run); err != nil {
		// A concurrent submitter may have registered the run first.
		if _, getErr := r.storage.GetRun(ctx, runID); getErr == nil {
			return nil
		}
		return err
	}
	return nil
}
