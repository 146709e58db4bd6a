package scheduler

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"time"

	"github.com/benchwork/benchwork/pkg/core"
	"github.com/benchwork/benchwork/pkg/ledger"
	"github.com/benchwork/benchwork/pkg/registry"
)

// Config holds scheduler tuning knobs.
type Config struct {
	// PollInterval is how often the admission sweep looks for pending units.
	PollInterval time.Duration
	// BatchSize caps how many pending units one sweep admits.
	BatchSize int
	// StaleInterval is how often expired running locks are released back to
	// the queue.
	StaleInterval time.Duration
}

// Option configures a Scheduler.
type Option interface {
	ApplyScheduler(*Config)
}

type optionFunc func(*Config)

func (f optionFunc) ApplyScheduler(c *Config) { f(c) }

// PollInterval sets how often pending units are swept for admission.
func PollInterval(d time.Duration) Option {
	return optionFunc(func(c *Config) { c.PollInterval = d })
}

// BatchSize caps how many pending units one sweep admits.
func BatchSize(n int) Option {
	return optionFunc(func(c *Config) { c.BatchSize = n })
}

// StaleInterval sets how often expired running locks are reclaimed.
func StaleInterval(d time.Duration) Option {
	return optionFunc(func(c *Config) { c.StaleInterval = d })
}

// Scheduler moves submitted units onto their class queues and decides which
// unit an idle slot receives next.
//
// Ordering is strict priority with FIFO tie-break (priority descending,
// created_at ascending), enforced by the claim query rather than in memory,
// so every process sees the same order. Admission is budget-gated: once the
// run's hard limit is breached, pending units are failed with
// BudgetExceeded instead of queued, while units already running finish
// normally. Running units are never preempted.
type Scheduler struct {
	registry *registry.Registry
	ledger   *ledger.Ledger
	log      *slog.Logger
	config   Config
	wg       sync.WaitGroup
}

// New creates a Scheduler. A nil logger disables logging.
func New(reg *registry.Registry, led *ledger.Ledger, log *slog.Logger, opts ...Option) *Scheduler {
	config := Config{
		PollInterval:  100 * time.Millisecond,
		BatchSize:     50,
		StaleInterval: 30 * time.Second,
	}
	for _, opt := range opts {
		opt.ApplyScheduler(&config)
	}
	if log == nil {
		log = slog.New(slog.DiscardHandler)
	}
	return &Scheduler{
		registry: reg,
		ledger:   led,
		log:      log,
		config:   config,
	}
}

// Start runs admission sweeps and the stale-lock janitor until ctx ends.
// It blocks and always returns ctx.Err().
func (s *Scheduler) Start(ctx context.Context) error {
	s.wg.Add(1)
	go s.runJanitor(ctx)

	ticker := time.NewTicker(s.config.PollInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			s.wg.Wait()
			return ctx.Err()
		case <-ticker.C:
			if _, err := s.Admit(ctx); err != nil && !errors.Is(err, context.Canceled) {
				s.log.Error("admission sweep failed", "error", err)
			}
		}
	}
}

// Admit performs one admission sweep: every pending unit is either queued
// or, when the run's hard budget is already breached, failed with
// BudgetExceeded so it never runs. It returns how many units were admitted.
func (s *Scheduler) Admit(ctx context.Context) (int, error) {
	pending, err := s.registry.List(ctx, core.UnitFilter{
		Statuses: []core.Status{core.StatusPending},
		Limit:    s.config.BatchSize,
	})
	if err != nil {
		return 0, err
	}

	admitted := 0
	for _, unit := range pending {
		status, err := s.ledger.CheckBudget(ctx, unit.RunID)
		if err != nil {
			return admitted, err
		}
		if status == core.BudgetExceeded {
			if err := s.registry.Fail(ctx, unit, "", core.FailureBudgetExceeded,
				"hard budget limit reached before admission"); err != nil && !lostRace(err) {
				return admitted, err
			}
			continue
		}
		if err := s.registry.MarkQueued(ctx, unit); err != nil {
			// The unit moved on (cancelled or already admitted) between the
			// sweep's read and this write; leave it be.
			if lostRace(err) {
				continue
			}
			return admitted, err
		}
		admitted++
	}
	return admitted, nil
}

// Claim hands the next ready unit of the class to a slot, or (nil, nil) when
// none is ready. Pause-flagged queued units are skipped and stay queued.
func (s *Scheduler) Claim(ctx context.Context, class core.ResourceClass, slotID string, lockTTL time.Duration) (*core.WorkUnit, error) {
	return s.registry.Claim(ctx, class, slotID, lockTTL)
}

func (s *Scheduler) runJanitor(ctx context.Context) {
	defer s.wg.Done()

	ticker := time.NewTicker(s.config.StaleInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if _, err := s.registry.ReleaseStale(ctx); err != nil && !errors.Is(err, context.Canceled) {
				s.log.Error("stale lock release failed", "error", err)
			}
		}
	}
}

func lostRace(err error) bool {
	return errors.Is(err, core.ErrInvalidTransition) || errors.Is(err, core.ErrUnitNotFound)
}
