package pool

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"

	"github.com/benchwork/benchwork/pkg/bus"
	"github.com/benchwork/benchwork/pkg/core"
	"github.com/benchwork/benchwork/pkg/executor"
	"github.com/benchwork/benchwork/pkg/ledger"
	"github.com/benchwork/benchwork/pkg/registry"
	"github.com/benchwork/benchwork/pkg/scheduler"
	"github.com/benchwork/benchwork/pkg/security"
)

// settleTimeout bounds the storage writes recording an execution outcome.
// They run on a fresh context so a drained pool still persists terminal
// states.
const settleTimeout = 10 * time.Second

// SlotStatus describes what a slot is doing.
type SlotStatus string

const (
	SlotIdle     SlotStatus = "idle"
	SlotBusy     SlotStatus = "busy"
	SlotDraining SlotStatus = "draining"
)

// SlotSnapshot is one slot's state at a point in time.
type SlotSnapshot struct {
	ID     string             `json:"id"`
	Class  core.ResourceClass `json:"resource_class"`
	Status SlotStatus         `json:"status"`
	UnitID string             `json:"work_unit_id,omitempty"`
}

type slotState struct {
	id     string
	class  core.ResourceClass
	busy   bool
	unitID string
}

// Pool owns a fixed set of worker slots per resource class. Each slot polls
// for claimable work, runs the matching executor with a hard wall-clock
// timeout, and records the outcome. Slot ids embed a pool-unique prefix so
// lock ownership stays unambiguous across processes sharing one database.
type Pool struct {
	registry *registry.Registry
	sched    *scheduler.Scheduler
	storage  core.Storage
	bus      *bus.Bus
	ledger   *ledger.Ledger
	table    executor.Table
	log      *slog.Logger
	config   Config
	id       string

	started  atomic.Bool
	draining atomic.Bool
	wg       sync.WaitGroup

	mu    sync.Mutex
	slots []*slotState
}

// New creates a Pool. The table decides which executor serves each claimed
// unit. A nil logger disables logging.
func New(reg *registry.Registry, sched *scheduler.Scheduler, st core.Storage, eb *bus.Bus, led *ledger.Ledger, table executor.Table, log *slog.Logger, opts ...Option) (*Pool, error) {
	if len(table) == 0 {
		return nil, fmt.Errorf("benchwork: pool requires at least one executor")
	}
	if log == nil {
		log = slog.New(slog.DiscardHandler)
	}

	config := Config{
		Slots:             make(map[core.ResourceClass]int),
		PollInterval:      DefaultPollInterval,
		LockTTL:           DefaultLockTTL,
		HeartbeatInterval: DefaultHeartbeatInterval,
		KindTimeouts:      make(map[core.WorkKind]time.Duration),
		RetryBaseDelay:    DefaultRetryBaseDelay,
		RetryMaxDelay:     DefaultRetryMaxDelay,
		DrainTimeout:      DefaultDrainTimeout,
	}
	for _, opt := range opts {
		opt.ApplyPool(&config)
	}
	if len(config.Slots) == 0 {
		for class, n := range DefaultSlots {
			config.Slots[class] = n
		}
	}
	totalSlots := 0
	for class, n := range config.Slots {
		if err := security.ValidateClass(class); err != nil {
			return nil, fmt.Errorf("%w: %q", err, class)
		}
		if n < 1 {
			delete(config.Slots, class)
			continue
		}
		config.Slots[class] = security.ClampSlots(n)
		totalSlots += config.Slots[class]
	}
	if totalSlots == 0 {
		return nil, fmt.Errorf("benchwork: pool requires at least one slot")
	}

	p := &Pool{
		registry: reg,
		sched:    sched,
		storage:  st,
		bus:      eb,
		ledger:   led,
		table:    table,
		log:      log,
		config:   config,
		id:       uuid.NewString()[:8],
	}

	for _, class := range core.Classes() {
		for i := 0; i < config.Slots[class]; i++ {
			p.slots = append(p.slots, &slotState{
				id:    fmt.Sprintf("%s-%s-%d", p.id, class, i),
				class: class,
			})
		}
	}
	return p, nil
}

// Start runs every slot until ctx ends, then drains: claiming stops,
// in-flight executions are asked to stop at their next checkpoint, and
// Start waits for busy slots up to the configured drain timeout. Always
// returns ctx.Err().
func (p *Pool) Start(ctx context.Context) error {
	if !p.started.CompareAndSwap(false, true) {
		return fmt.Errorf("benchwork: pool already started")
	}

	for _, slot := range p.slots {
		p.wg.Add(1)
		go p.runSlot(ctx, slot)
	}
	p.log.Info("pool started", "pool_id", p.id, "slots", len(p.slots))

	<-ctx.Done()
	p.draining.Store(true)

	done := make(chan struct{})
	go func() {
		p.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		p.log.Info("pool drained", "pool_id", p.id)
	case <-time.After(p.config.DrainTimeout):
		p.log.Warn("drain timeout elapsed with slots still busy", "pool_id", p.id)
	}
	return ctx.Err()
}

// Shutdown drains the pool without waiting for the Start context: claiming
// stops, in-flight units are asked to stop at their next checkpoint, and
// Shutdown waits for busy slots until ctx ends.
func (p *Pool) Shutdown(ctx context.Context) error {
	p.draining.Store(true)

	done := make(chan struct{})
	go func() {
		p.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Draining reports whether the pool has begun shutting down.
func (p *Pool) Draining() bool {
	return p.draining.Load()
}

// Snapshot returns the current state of every slot, ordered by slot id.
func (p *Pool) Snapshot() []SlotSnapshot {
	p.mu.Lock()
	defer p.mu.Unlock()

	draining := p.draining.Load()
	out := make([]SlotSnapshot, 0, len(p.slots))
	for _, slot := range p.slots {
		status := SlotIdle
		switch {
		case slot.busy:
			status = SlotBusy
		case draining:
			status = SlotDraining
		}
		out = append(out, SlotSnapshot{
			ID:     slot.id,
			Class:  slot.class,
			Status: status,
			UnitID: slot.unitID,
		})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

// Occupancy returns busy and total slot counts per resource class.
func (p *Pool) Occupancy() (busy, total map[core.ResourceClass]int) {
	busy = make(map[core.ResourceClass]int)
	total = make(map[core.ResourceClass]int)

	p.mu.Lock()
	defer p.mu.Unlock()
	for _, slot := range p.slots {
		total[slot.class]++
		if slot.busy {
			busy[slot.class]++
		}
	}
	return busy, total
}

func (p *Pool) runSlot(ctx context.Context, slot *slotState) {
	defer p.wg.Done()

	ticker := time.NewTicker(p.config.PollInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if p.draining.Load() {
				return
			}
			unit, err := p.sched.Claim(ctx, slot.class, slot.id, p.config.LockTTL)
			if err != nil {
				if !errors.Is(err, context.Canceled) {
					p.log.Error("claim failed", "slot_id", slot.id, "error", err)
				}
				continue
			}
			if unit == nil {
				continue
			}
			p.runUnit(ctx, slot, unit)
		}
	}
}

// runUnit executes one claimed unit to a settled outcome. The execution
// context is detached from the pool context so that a drain never cuts off
// the storage writes recording the outcome; draining reaches the executor
// cooperatively through its checkpoints instead.
func (p *Pool) runUnit(poolCtx context.Context, slot *slotState, unit *core.WorkUnit) {
	p.setSlot(slot, unit.ID)
	defer p.setSlot(slot, "")

	hbCtx, stopHeartbeat := context.WithCancel(context.Background())
	defer stopHeartbeat()
	go p.runHeartbeat(hbCtx, slot, unit)

	ec := executor.NewContext(unit, slot.id, p.storage, p.bus, p.ledger, p.log)
	ec.ShuttingDown = func() bool {
		return p.draining.Load() || poolCtx.Err() != nil
	}

	start := time.Now()
	result, err := p.execute(unit, ec)
	stopHeartbeat()

	p.settle(slot, unit, result, err)
	p.log.Info("unit settled",
		"work_unit_id", unit.ID,
		"slot_id", slot.id,
		"duration", time.Since(start),
		"error", err)
}

// execute runs the unit's executor under its kind timeout, recovering
// panics at this boundary. When the timeout fires the executor goroutine is
// abandoned; the unit's lock ownership makes its late writes harmless.
func (p *Pool) execute(unit *core.WorkUnit, ec *executor.ExecContext) (*core.Result, error) {
	ex, err := p.table.Lookup(unit.Kind)
	if err != nil {
		return nil, err
	}

	runCtx, cancel := context.WithTimeout(context.Background(), p.kindTimeout(unit.Kind))
	defer cancel()

	type outcome struct {
		result *core.Result
		err    error
	}
	ch := make(chan outcome, 1)
	go func() {
		defer func() {
			if r := recover(); r != nil {
				ch <- outcome{nil, fmt.Errorf("benchwork: executor panic: %v", r)}
			}
		}()
		result, err := ex.Execute(runCtx, ec)
		ch <- outcome{result, err}
	}()

	select {
	case out := <-ch:
		return out.result, out.err
	case <-runCtx.Done():
		return nil, runCtx.Err()
	}
}

// settle records the execution outcome. It runs on a fresh context so the
// terminal transition survives pool drain.
func (p *Pool) settle(slot *slotState, unit *core.WorkUnit, result *core.Result, execErr error) {
	ctx, cancel := context.WithTimeout(context.Background(), settleTimeout)
	defer cancel()

	switch {
	case execErr == nil:
		if result == nil {
			result = &core.Result{}
		}
		data, err := result.Encode()
		if err != nil {
			p.failUnit(ctx, slot, unit, core.FailureExecutorFault,
				fmt.Sprintf("result encoding failed: %v", err), nil)
			return
		}
		if err := p.registry.Complete(ctx, unit, slot.id, data); err != nil {
			p.log.Warn("complete transition failed",
				"work_unit_id", unit.ID, "slot_id", slot.id, "error", err)
			return
		}

	case errors.Is(execErr, core.ErrPauseRequested):
		if err := p.registry.Pause(ctx, unit, slot.id); err != nil {
			p.log.Warn("pause transition failed",
				"work_unit_id", unit.ID, "slot_id", slot.id, "error", err)
		}
		return

	case errors.Is(execErr, core.ErrCancelRequested):
		reason := "cancel requested"
		if p.draining.Load() {
			reason = "shutdown requested"
		}
		if err := p.registry.Cancel(ctx, unit, slot.id, reason); err != nil {
			p.log.Warn("cancel transition failed",
				"work_unit_id", unit.ID, "slot_id", slot.id, "error", err)
			return
		}
		p.publishFinalCost(ctx, unit.ID)
		return

	default:
		p.failUnit(ctx, slot, unit, core.Classify(execErr), execErr.Error(), execErr)
		return
	}

	p.publishFinalCost(ctx, unit.ID)
}

// failUnit marks the unit failed and, when the failure is retryable and
// attempts remain, enqueues a fresh-id retry with exponential backoff. A
// draining pool does not retry.
func (p *Pool) failUnit(ctx context.Context, slot *slotState, unit *core.WorkUnit, kind core.FailureKind, msg string, execErr error) {
	if err := p.registry.Fail(ctx, unit, slot.id, kind, msg); err != nil {
		p.log.Warn("fail transition failed",
			"work_unit_id", unit.ID, "slot_id", slot.id, "error", err)
		return
	}
	p.publishFinalCost(ctx, unit.ID)

	if execErr == nil || !core.IsRetryable(execErr) || !unit.CanRetry() || p.draining.Load() {
		return
	}
	delay := p.backoff(unit.RetryCount)
	retry, err := p.registry.Retry(ctx, unit.ID, delay)
	if err != nil {
		p.log.Error("retry enqueue failed", "work_unit_id", unit.ID, "error", err)
		return
	}
	p.log.Info("unit retried",
		"work_unit_id", unit.ID,
		"retry_id", retry.ID,
		"attempt", retry.RetryCount,
		"delay", delay)
}

// publishFinalCost emits a terminal cost summary for the unit, marked with
// core.FinalCostIndex so observers can tell it from per-call deltas.
func (p *Pool) publishFinalCost(ctx context.Context, unitID string) {
	unit, err := p.storage.GetUnit(ctx, unitID)
	if err != nil {
		p.log.Warn("final cost lookup failed", "work_unit_id", unitID, "error", err)
		return
	}
	status, err := p.ledger.CheckBudget(ctx, unit.RunID)
	if err != nil {
		status = ""
	}
	event := core.NewCostEvent(unit.RunID, unit.ID, core.CostPayload{
		TokensIn:  unit.TokensIn,
		TokensOut: unit.TokensOut,
		USD:       unit.CostUSD,
		CallIndex: core.FinalCostIndex,
		Budget:    status,
	})
	if err := p.bus.Publish(ctx, event); err != nil {
		p.log.Warn("final cost publish failed", "work_unit_id", unitID, "error", err)
	}
}

// runHeartbeat extends the slot's lock while the unit executes so a long
// run is never reclaimed as stale.
func (p *Pool) runHeartbeat(ctx context.Context, slot *slotState, unit *core.WorkUnit) {
	ticker := time.NewTicker(p.config.HeartbeatInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := p.storage.Heartbeat(ctx, unit.ID, slot.id, p.config.LockTTL); err != nil {
				if errors.Is(err, context.Canceled) {
					return
				}
				p.log.Warn("heartbeat failed",
					"work_unit_id", unit.ID, "slot_id", slot.id, "error", err)
			}
		}
	}
}

func (p *Pool) setSlot(slot *slotState, unitID string) {
	p.mu.Lock()
	defer p.mu.Unlock()
	slot.busy = unitID != ""
	slot.unitID = unitID
}

func (p *Pool) kindTimeout(kind core.WorkKind) time.Duration {
	if d, ok := p.config.KindTimeouts[kind]; ok && d > 0 {
		return d
	}
	return DefaultUnitTimeout
}

// backoff doubles the base delay per attempt, capped at the configured
// maximum. Overflow from large attempt counts lands on the cap.
func (p *Pool) backoff(attempt int) time.Duration {
	d := p.config.RetryBaseDelay * time.Duration(1<<uint(attempt))
	if d <= 0 || d > p.config.RetryMaxDelay {
		return p.config.RetryMaxDelay
	}
	return d
}
