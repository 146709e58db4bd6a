package registry

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/benchwork/benchwork/pkg/bus"
	"github.com/benchwork/benchwork/pkg/core"
	"github.com/benchwork/benchwork/pkg/ledger"
	"github.com/benchwork/benchwork/pkg/security"
)

// DefaultMaxRetries is applied to submissions that do not set a limit.
const DefaultMaxRetries = 3

// PayloadValidator checks that a payload matches the shape its kind
// requires. Executors supply one per kind at construction time.
type PayloadValidator func(payload []byte) error

// Registry is the authoritative owner of the work unit state machine.
//
// External callers submit units and set cooperative request flags; they
// never transition states directly. The scheduler and worker pool perform
// transitions through the registry so that every state change lands in
// storage and on the event bus together.
type Registry struct {
	storage    core.Storage
	bus        *bus.Bus
	ledger     *ledger.Ledger
	validators map[core.WorkKind]PayloadValidator
	log        *slog.Logger
}

// SubmitRequest describes one unit of work to create.
type SubmitRequest struct {
	RunID         string
	Kind          core.WorkKind
	ResourceClass core.ResourceClass
	Priority      int
	Payload       []byte
	MaxRetries    int // 0 means DefaultMaxRetries
}

// New creates a Registry. The validators map is consulted on every
// submission; kinds without a validator only get the generic size check. A
// nil logger disables logging.
func New(s core.Storage, b *bus.Bus, l *ledger.Ledger, validators map[core.WorkKind]PayloadValidator, log *slog.Logger) *Registry {
	if log == nil {
		log = slog.New(slog.DiscardHandler)
	}
	if validators == nil {
		validators = make(map[core.WorkKind]PayloadValidator)
	}
	return &Registry{
		storage:    s,
		bus:        b,
		ledger:     l,
		validators: validators,
		log:        log,
	}
}

// ─────────────────────────────────────────────────────────────────────────────
// Submission and reads
// ─────────────────────────────────────────────────────────────────────────────

// Submit validates the request, creates the unit in Pending, and returns it.
// It fails with ErrInvalidPayload when the payload does not match the kind's
// required shape, and with ErrBudgetExceeded when the run's hard budget
// threshold is already breached.
func (r *Registry) Submit(ctx context.Context, req SubmitRequest) (*core.WorkUnit, error) {
	if err := security.ValidateKind(req.Kind); err != nil {
		return nil, err
	}
	if err := security.ValidateClass(req.ResourceClass); err != nil {
		return nil, err
	}
	if err := security.ValidatePayloadSize(req.Payload); err != nil {
		return nil, err
	}
	if validate, ok := r.validators[req.Kind]; ok {
		if err := validate(req.Payload); err != nil {
			if errors.Is(err, core.ErrInvalidPayload) {
				return nil, err
			}
			return nil, fmt.Errorf("%w: %v", core.ErrInvalidPayload, err)
		}
	}

	status, err := r.ledger.CheckBudget(ctx, req.RunID)
	if err != nil {
		return nil, err
	}
	if status == core.BudgetExceeded {
		return nil, core.ErrBudgetExceeded
	}

	maxRetries := req.MaxRetries
	if maxRetries <= 0 {
		maxRetries = DefaultMaxRetries
	}

	unit := &core.WorkUnit{
		RunID:         req.RunID,
		Kind:          req.Kind,
		ResourceClass: req.ResourceClass,
		Priority:      req.Priority,
		Payload:       req.Payload,
		MaxRetries:    security.ClampRetries(maxRetries),
		Status:        core.StatusPending,
	}
	if err := r.storage.CreateUnit(ctx, unit); err != nil {
		return nil, fmt.Errorf("benchwork: failed to create work unit: %w", err)
	}

	r.publishStatus(ctx, unit, "", core.StatusPending, "submitted")
	r.log.Info("work unit submitted",
		"work_unit_id", unit.ID, "kind", unit.Kind, "class", unit.ResourceClass, "priority", unit.Priority)
	return unit, nil
}

// Get returns a unit by id.
func (r *Registry) Get(ctx context.Context, id string) (*core.WorkUnit, error) {
	return r.storage.GetUnit(ctx, id)
}

// List returns units matching the filter.
func (r *Registry) List(ctx context.Context, filter core.UnitFilter) ([]*core.WorkUnit, error) {
	return r.storage.ListUnits(ctx, filter)
}

// CountByStatus returns per-status unit counts for a run.
func (r *Registry) CountByStatus(ctx context.Context, runID string) (map[core.Status]int64, error) {
	return r.storage.CountUnitsByStatus(ctx, runID)
}

// ─────────────────────────────────────────────────────────────────────────────
// Cooperative control flags
// ─────────────────────────────────────────────────────────────────────────────

// RequestCancel asks a unit to stop. Units that have not started are
// cancelled immediately; running units observe the flag at their next
// checkpoint. Terminal units are left alone and the call succeeds.
func (r *Registry) RequestCancel(ctx context.Context, id string) error {
	unit, err := r.storage.GetUnit(ctx, id)
	if err != nil {
		return err
	}
	if unit.Terminal() {
		return nil
	}

	switch unit.Status {
	case core.StatusPending, core.StatusQueued, core.StatusPaused:
		if err := r.storage.CancelUnit(ctx, id, "", "cancelled before execution"); err != nil {
			// Lost the race against a claim or a concurrent cancel; fall
			// back to the cooperative flag.
			return r.flagCancel(ctx, unit)
		}
		r.publishStatus(ctx, unit, unit.Status, core.StatusCancelled, "cancelled before execution")
		return nil
	default:
		return r.flagCancel(ctx, unit)
	}
}

func (r *Registry) flagCancel(ctx context.Context, unit *core.WorkUnit) error {
	if err := r.storage.RequestCancel(ctx, unit.ID); err != nil {
		return err
	}
	r.publishControl(ctx, unit.RunID, core.CommandCancel, unit.ID)
	return nil
}

// RequestPause asks a unit to pause. Queued units stay queued and are
// skipped by the scheduler; running units pause at their next checkpoint.
// Terminal and already paused units are left alone and the call succeeds.
func (r *Registry) RequestPause(ctx context.Context, id string) error {
	unit, err := r.storage.GetUnit(ctx, id)
	if err != nil {
		return err
	}
	if unit.Terminal() || unit.Status == core.StatusPaused {
		return nil
	}
	if err := r.storage.RequestPause(ctx, id); err != nil {
		return err
	}
	r.publishControl(ctx, unit.RunID, core.CommandPause, id)
	return nil
}

// RequestResume undoes a pause. Paused units go back to Queued; units that
// merely had the pause flag set have it cleared. Terminal units are left
// alone and the call succeeds.
func (r *Registry) RequestResume(ctx context.Context, id string) error {
	unit, err := r.storage.GetUnit(ctx, id)
	if err != nil {
		return err
	}
	if unit.Terminal() {
		return nil
	}

	if unit.Status == core.StatusPaused {
		if err := r.storage.ResumeUnit(ctx, id); err != nil {
			return err
		}
		r.publishStatus(ctx, unit, core.StatusPaused, core.StatusQueued, "resumed")
	} else if err := r.storage.ClearPauseRequest(ctx, id); err != nil {
		return err
	}
	r.publishControl(ctx, unit.RunID, core.CommandResume, id)
	return nil
}

// PauseAll requests a pause for every non-terminal unit in the run.
func (r *Registry) PauseAll(ctx context.Context, runID string) error {
	if err := r.forEachActive(ctx, runID, r.RequestPause); err != nil {
		return err
	}
	r.publishControl(ctx, runID, core.CommandPause, core.TargetAll)
	return nil
}

// ResumeAll resumes every paused or pause-flagged unit in the run.
func (r *Registry) ResumeAll(ctx context.Context, runID string) error {
	if err := r.forEachActive(ctx, runID, r.RequestResume); err != nil {
		return err
	}
	r.publishControl(ctx, runID, core.CommandResume, core.TargetAll)
	return nil
}

func (r *Registry) forEachActive(ctx context.Context, runID string, fn func(context.Context, string) error) error {
	units, err := r.storage.ListUnits(ctx, core.UnitFilter{
		RunID: runID,
		Statuses: []core.Status{
			core.StatusPending, core.StatusQueued, core.StatusRunning, core.StatusPaused,
		},
		Limit: -1,
	})
	if err != nil {
		return err
	}
	for _, unit := range units {
		if err := fn(ctx, unit.ID); err != nil {
			return err
		}
	}
	return nil
}

// ─────────────────────────────────────────────────────────────────────────────
// Transitions, performed on behalf of the scheduler and worker pool
// ─────────────────────────────────────────────────────────────────────────────

// MarkQueued admits a Pending unit onto its class queue.
func (r *Registry) MarkQueued(ctx context.Context, unit *core.WorkUnit) error {
	if err := r.storage.MarkQueued(ctx, unit.ID); err != nil {
		return err
	}
	r.publishStatus(ctx, unit, core.StatusPending, core.StatusQueued, "admitted")
	return nil
}

// Claim atomically hands the highest-priority, oldest queued unit of the
// class to the slot and marks it Running. It returns (nil, nil) when no unit
// is ready.
func (r *Registry) Claim(ctx context.Context, class core.ResourceClass, slotID string, lockTTL time.Duration) (*core.WorkUnit, error) {
	unit, err := r.storage.ClaimNext(ctx, class, slotID, lockTTL)
	if err != nil || unit == nil {
		return nil, err
	}
	r.publishStatus(ctx, unit, core.StatusQueued, core.StatusRunning, "claimed by "+slotID)
	return unit, nil
}

// Complete marks a running unit Completed with its result.
func (r *Registry) Complete(ctx context.Context, unit *core.WorkUnit, slotID string, result []byte) error {
	if err := r.storage.CompleteUnit(ctx, unit.ID, slotID, result); err != nil {
		return err
	}
	r.publishStatus(ctx, unit, core.StatusRunning, core.StatusCompleted, "completed")
	return nil
}

// Fail marks a unit Failed. A non-empty slotID asserts ownership of a
// running unit; an empty slotID fails a unit that never started (admission
// rejection).
func (r *Registry) Fail(ctx context.Context, unit *core.WorkUnit, slotID string, kind core.FailureKind, msg string) error {
	msg = security.SanitizeErrorMessage(msg)
	if err := r.storage.FailUnit(ctx, unit.ID, slotID, kind, msg); err != nil {
		return err
	}
	from := core.StatusRunning
	if slotID == "" {
		from = unit.Status
	}
	r.publishStatus(ctx, unit, from, core.StatusFailed, string(kind)+": "+msg)
	return nil
}

// Cancel marks a unit Cancelled after its owner honored the cancel flag.
func (r *Registry) Cancel(ctx context.Context, unit *core.WorkUnit, slotID string, msg string) error {
	msg = security.SanitizeErrorMessage(msg)
	if err := r.storage.CancelUnit(ctx, unit.ID, slotID, msg); err != nil {
		return err
	}
	from := core.StatusRunning
	if slotID == "" {
		from = unit.Status
	}
	r.publishStatus(ctx, unit, from, core.StatusCancelled, msg)
	return nil
}

// Pause parks a running unit after its owner honored the pause flag at a
// checkpoint. Saved checkpoints survive, so a later resume continues where
// the unit left off.
func (r *Registry) Pause(ctx context.Context, unit *core.WorkUnit, slotID string) error {
	if err := r.storage.PauseUnit(ctx, unit.ID, slotID); err != nil {
		return err
	}
	r.publishStatus(ctx, unit, core.StatusRunning, core.StatusPaused, "paused at checkpoint")
	return nil
}

// ReleaseStale re-queues running units whose owning slot stopped
// heartbeating, so work survives a crashed worker. It returns how many units
// were released.
func (r *Registry) ReleaseStale(ctx context.Context) (int64, error) {
	n, err := r.storage.ReleaseStaleLocks(ctx)
	if err != nil || n == 0 {
		return n, err
	}
	r.log.Warn("released stale unit locks", "count", n)
	if err := r.bus.Publish(ctx, core.NewLogEvent("", "", core.LevelWarn, "registry",
		fmt.Sprintf("released %d stale unit locks back to the queue", n))); err != nil {
		r.log.Warn("stale lock event publish failed", "error", err)
	}
	return n, nil
}

// Retry re-enqueues a fresh copy of a failed unit, sharing its lineage with
// an incremented retry count. A positive delay holds the copy back from
// claiming until it elapses (retry backoff). The copy starts clean:
// checkpoints belong to the old id and are not carried over.
func (r *Registry) Retry(ctx context.Context, id string, delay time.Duration) (*core.WorkUnit, error) {
	unit, err := r.storage.GetUnit(ctx, id)
	if err != nil {
		return nil, err
	}
	if unit.Status != core.StatusFailed {
		return nil, fmt.Errorf("%w: only failed units retry, %s is %s", core.ErrInvalidTransition, id, unit.Status)
	}
	if !unit.CanRetry() {
		return nil, fmt.Errorf("benchwork: retries exhausted for %s (%d of %d)", id, unit.RetryCount, unit.MaxRetries)
	}

	fresh := &core.WorkUnit{
		RunID:         unit.RunID,
		Kind:          unit.Kind,
		ResourceClass: unit.ResourceClass,
		Priority:      unit.Priority,
		Payload:       unit.Payload,
		MaxRetries:    unit.MaxRetries,
		RetryCount:    unit.RetryCount + 1,
		LineageID:     unit.LineageID,
		Status:        core.StatusPending,
	}
	if delay > 0 {
		at := time.Now().Add(delay)
		fresh.AvailableAt = &at
	}
	if err := r.storage.CreateUnit(ctx, fresh); err != nil {
		return nil, fmt.Errorf("benchwork: failed to create retry unit: %w", err)
	}

	r.publishStatus(ctx, fresh, "", core.StatusPending,
		fmt.Sprintf("retry %d of %d for %s", fresh.RetryCount, fresh.MaxRetries, id))
	r.log.Info("work unit retried",
		"work_unit_id", fresh.ID, "previous_id", id, "lineage_id", fresh.LineageID,
		"retry_count", fresh.RetryCount, "max_retries", fresh.MaxRetries)
	return fresh, nil
}

// ─────────────────────────────────────────────────────────────────────────────
// Event helpers
// ─────────────────────────────────────────────────────────────────────────────

func (r *Registry) publishStatus(ctx context.Context, unit *core.WorkUnit, from, to core.Status, reason string) {
	if err := r.bus.Publish(ctx, core.NewStatusEvent(unit.RunID, unit.ID, from, to, reason)); err != nil {
		r.log.Warn("status event publish failed", "work_unit_id", unit.ID, "error", err)
	}
}

func (r *Registry) publishControl(ctx context.Context, runID string, cmd core.ControlCommand, target string) {
	if err := r.bus.Publish(ctx, core.NewControlEvent(runID, cmd, target)); err != nil {
		r.log.Warn("control event publish failed", "target", target, "error", err)
	}
}
