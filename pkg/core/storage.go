package core

import (
	"context"
	"time"
)

// UnitFilter narrows ListUnits queries. Zero fields are ignored. A zero
// Limit returns a default page; a negative Limit returns everything.
type UnitFilter struct {
	RunID    string
	Kind     WorkKind
	Class    ResourceClass
	Statuses []Status
	Limit    int
}

// EventFilter narrows event reads. Zero fields are ignored.
type EventFilter struct {
	RunID      string
	WorkUnitID string
	Types      []EventType
}

// Matches reports whether an event passes the filter.
func (f EventFilter) Matches(e *Event) bool {
	if f.RunID != "" && e.RunID != f.RunID {
		return false
	}
	if f.WorkUnitID != "" && e.WorkUnitID != f.WorkUnitID {
		return false
	}
	if len(f.Types) > 0 {
		ok := false
		for _, t := range f.Types {
			if e.Type == t {
				ok = true
				break
			}
		}
		if !ok {
			return false
		}
	}
	return true
}

// Storage defines the durable persistence layer shared by the registry,
// scheduler, pool, event bus, and cost ledger. Implementations must be safe
// for concurrent use and must enforce state guards in the database (WHERE
// clauses on status and ownership), not in application memory.
type Storage interface {
	// Migrate creates the necessary database tables.
	Migrate(ctx context.Context) error

	// Work unit lifecycle
	CreateUnit(ctx context.Context, unit *WorkUnit) error
	GetUnit(ctx context.Context, id string) (*WorkUnit, error)
	ListUnits(ctx context.Context, filter UnitFilter) ([]*WorkUnit, error)
	CountUnitsByStatus(ctx context.Context, runID string) (map[Status]int64, error)

	// Transitions. MarkQueued admits Pending -> Queued. ClaimNext atomically
	// claims the highest-priority, oldest Queued unit of the class (skipping
	// pause-requested units and units whose AvailableAt is in the future)
	// and moves it to Running owned by slotID.
	// CompleteUnit, FailUnit, PauseUnit, and CancelUnit with a non-empty
	// slotID require ownership; FailUnit and CancelUnit with an empty slotID
	// act on not-yet-running units. ResumeUnit moves Paused -> Queued and
	// clears the pause flag.
	MarkQueued(ctx context.Context, id string) error
	ClaimNext(ctx context.Context, class ResourceClass, slotID string, lockTTL time.Duration) (*WorkUnit, error)
	CompleteUnit(ctx context.Context, id, slotID string, result []byte) error
	FailUnit(ctx context.Context, id, slotID string, kind FailureKind, msg string) error
	CancelUnit(ctx context.Context, id, slotID string, msg string) error
	PauseUnit(ctx context.Context, id, slotID string) error
	ResumeUnit(ctx context.Context, id string) error

	// Cooperative control flags.
	RequestCancel(ctx context.Context, id string) error
	RequestPause(ctx context.Context, id string) error
	ClearPauseRequest(ctx context.Context, id string) error

	// Locking. Heartbeat extends the owning slot's lock; ReleaseStaleLocks
	// re-queues Running units whose lock expired (crash recovery).
	Heartbeat(ctx context.Context, id, slotID string, extend time.Duration) error
	ReleaseStaleLocks(ctx context.Context) (int64, error)

	// Unit cost mirror, updated alongside ledger entries.
	AddUnitCost(ctx context.Context, id string, tokensIn, tokensOut int64, usd float64) error

	// Event log. AppendEvent assigns Event.Sequence atomically.
	AppendEvent(ctx context.Context, event *Event) error
	EventsSince(ctx context.Context, sinceSeq int64, filter EventFilter, limit int) ([]*Event, error)
	LatestSequence(ctx context.Context) (int64, error)
	PruneEvents(ctx context.Context, before time.Time) (int64, error)

	// Cost ledger entries. RecordCost reports false when the
	// (work_unit_id, call_index) pair was already recorded. NextCallIndex
	// returns the first unused call index for a unit, so a resumed unit
	// continues numbering where the paused attempt stopped.
	RecordCost(ctx context.Context, entry *CostEntry) (bool, error)
	CostTotals(ctx context.Context, runID string) (CostTotals, error)
	NextCallIndex(ctx context.Context, unitID string) (int, error)

	// Executor phase checkpoints.
	SaveCheckpoint(ctx context.Context, cp *Checkpoint) error
	GetCheckpoint(ctx context.Context, unitID, phase string) (*Checkpoint, error)
	ListCheckpoints(ctx context.Context, unitID string) ([]Checkpoint, error)
	DeleteCheckpoints(ctx context.Context, unitID string) error

	// Run bookkeeping. ListActiveRuns returns runs not yet finished.
	CreateRun(ctx context.Context, run *Run) error
	GetRun(ctx context.Context, id string) (*Run, error)
	ListActiveRuns(ctx context.Context) ([]*Run, error)
	FinishRun(ctx context.Context, id string) error
}
