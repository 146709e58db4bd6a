package executor

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sync"

	"github.com/benchwork/benchwork/pkg/bus"
	"github.com/benchwork/benchwork/pkg/core"
	"github.com/benchwork/benchwork/pkg/ledger"
)

// ExecContext is the executor's handle to the rest of the system for one
// unit execution. The pool builds one per claimed unit.
//
// All methods are safe for concurrent use, though executors are typically
// single goroutines.
type ExecContext struct {
	Unit    *core.WorkUnit
	SlotID  string
	Storage core.Storage
	Bus     *bus.Bus
	Ledger  *ledger.Ledger
	Log     *slog.Logger

	// ShuttingDown reports that the owning pool is draining. A checkpoint
	// treats it as a cancel request so in-flight units stop at the next
	// safe point. Nil means never.
	ShuttingDown func() bool

	mu         sync.Mutex
	nextCall   int
	callSeeded bool
}

// NewContext builds an ExecContext for one claimed unit. A nil logger
// disables logging.
func NewContext(unit *core.WorkUnit, slotID string, st core.Storage, eb *bus.Bus, led *ledger.Ledger, log *slog.Logger) *ExecContext {
	if log == nil {
		log = slog.New(slog.DiscardHandler)
	}
	return &ExecContext{
		Unit:    unit,
		SlotID:  slotID,
		Storage: st,
		Bus:     eb,
		Ledger:  led,
		Log:     log,
	}
}

// Checkpoint reports the control decision at a safe point between
// sub-steps. It re-reads the unit's cooperative flags from storage, so a
// pause or cancel requested from any process is observed here.
func (e *ExecContext) Checkpoint(ctx context.Context, phase string) (core.Signal, error) {
	if e.ShuttingDown != nil && e.ShuttingDown() {
		return core.SignalCancel, nil
	}
	unit, err := e.Storage.GetUnit(ctx, e.Unit.ID)
	if err != nil {
		return core.SignalContinue, fmt.Errorf("benchwork: checkpoint read failed at %s: %w", phase, err)
	}
	switch {
	case unit.CancelRequested:
		return core.SignalCancel, nil
	case unit.PauseRequested:
		return core.SignalPause, nil
	default:
		return core.SignalContinue, nil
	}
}

// Check is Checkpoint folded into the error domain: nil to continue,
// ErrPauseRequested or ErrCancelRequested to unwind. Executors bubble the
// sentinel up and the pool performs the matching transition.
func (e *ExecContext) Check(ctx context.Context, phase string) error {
	sig, err := e.Checkpoint(ctx, phase)
	if err != nil {
		return err
	}
	switch sig {
	case core.SignalCancel:
		e.Log.Info("cancel observed at checkpoint", "work_unit_id", e.Unit.ID, "phase", phase)
		return core.ErrCancelRequested
	case core.SignalPause:
		e.Log.Info("pause observed at checkpoint", "work_unit_id", e.Unit.ID, "phase", phase)
		return core.ErrPauseRequested
	default:
		return nil
	}
}

// EmitLog publishes a log event attributed to this unit.
func (e *ExecContext) EmitLog(ctx context.Context, level core.LogLevel, message string) {
	event := core.NewLogEvent(e.Unit.RunID, e.Unit.ID, level, string(e.Unit.Kind), message)
	if err := e.Bus.Publish(ctx, event); err != nil {
		e.Log.Warn("log event publish failed", "work_unit_id", e.Unit.ID, "error", err)
	}
}

// EmitProgress publishes a progress event for this unit's current phase.
func (e *ExecContext) EmitProgress(ctx context.Context, phase string, current, total int, message string) {
	event := core.NewProgressEvent(e.Unit.RunID, e.Unit.ID, phase, current, total, message)
	if err := e.Bus.Publish(ctx, event); err != nil {
		e.Log.Warn("progress event publish failed", "work_unit_id", e.Unit.ID, "error", err)
	}
}

// RecordCost feeds one call's spend into the ledger under the unit's next
// call index. Indexes continue where a paused attempt stopped, so a resumed
// unit never reuses an index and never double-counts.
func (e *ExecContext) RecordCost(ctx context.Context, tokensIn, tokensOut int64, usd float64) (core.BudgetStatus, error) {
	index, err := e.claimCallIndex(ctx)
	if err != nil {
		return "", err
	}
	return e.Ledger.Record(ctx, &core.CostEntry{
		RunID:      e.Unit.RunID,
		WorkUnitID: e.Unit.ID,
		CallIndex:  index,
		TokensIn:   tokensIn,
		TokensOut:  tokensOut,
		USD:        usd,
	})
}

// RecordCostAt feeds one call's spend into the ledger under an explicit
// call index. Executors whose call sequence is deterministic (one call per
// question, one call per phase) use the sub-step ordinal as the index, which
// makes a replay after a crash-between-writes an exact no-op.
func (e *ExecContext) RecordCostAt(ctx context.Context, callIndex int, tokensIn, tokensOut int64, usd float64) (core.BudgetStatus, error) {
	e.mu.Lock()
	if e.nextCall <= callIndex {
		e.nextCall = callIndex + 1
		e.callSeeded = true
	}
	e.mu.Unlock()
	return e.Ledger.Record(ctx, &core.CostEntry{
		RunID:      e.Unit.RunID,
		WorkUnitID: e.Unit.ID,
		CallIndex:  callIndex,
		TokensIn:   tokensIn,
		TokensOut:  tokensOut,
		USD:        usd,
	})
}

func (e *ExecContext) claimCallIndex(ctx context.Context) (int, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if !e.callSeeded {
		next, err := e.Storage.NextCallIndex(ctx, e.Unit.ID)
		if err != nil {
			return 0, fmt.Errorf("benchwork: failed to seed call index: %w", err)
		}
		e.nextCall = next
		e.callSeeded = true
	}
	index := e.nextCall
	e.nextCall++
	return index, nil
}

// SavePhase durably records a completed sub-step with its result. Saving
// the same phase twice keeps the first record, so replays are harmless.
func (e *ExecContext) SavePhase(ctx context.Context, phase string, result any) error {
	data, err := json.Marshal(result)
	if err != nil {
		return fmt.Errorf("benchwork: failed to marshal phase result: %w", err)
	}
	return e.Storage.SaveCheckpoint(ctx, &core.Checkpoint{
		WorkUnitID: e.Unit.ID,
		Phase:      phase,
		Result:     data,
	})
}

// LoadPhase retrieves a previously saved phase result. The second return is
// false when the phase has not completed, which tells the executor to run
// it now.
func LoadPhase[T any](ctx context.Context, e *ExecContext, phase string) (T, bool, error) {
	var zero T
	cp, err := e.Storage.GetCheckpoint(ctx, e.Unit.ID, phase)
	if err != nil {
		return zero, false, err
	}
	if cp == nil {
		return zero, false, nil
	}
	var result T
	if err := json.Unmarshal(cp.Result, &result); err != nil {
		return zero, false, fmt.Errorf("benchwork: failed to decode phase %s checkpoint: %w", phase, err)
	}
	return result, true, nil
}
