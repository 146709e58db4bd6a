// Package benchwork provides the parallel work-execution core of a
// benchmark-running system: durable work units, resource-class scheduling,
// cooperative pause/cancel, cost accounting, and a cross-process event log.
//
// This is the main package users should import. It re-exports the public
// types from the pkg/ packages and wires them together in Runner.
//
// Basic usage:
//
//	// Open storage and migrate
//	db, _ := benchwork.OpenSQLite("bench.db")
//	store := benchwork.NewGormStorage(db)
//	store.Migrate(context.Background())
//
//	// Wire a runner with the executors this process serves
//	runner, _ := benchwork.NewRunner(store, []benchwork.Executor{
//	    executor.NewKnowledgeExecutor(modelClient),
//	    executor.NewCodingExecutor(agentTool),
//	}, benchwork.WithBudget(benchwork.Budget{HardLimitUSD: 25}))
//	runner.Start(ctx)
//	defer runner.Close(context.Background())
//
//	// Group units under a run and submit work
//	run, _ := runner.NewRun(ctx, "nightly")
//	unit, _ := runner.Submit(ctx, benchwork.SubmitRequest{
//	    RunID:         run.ID,
//	    Kind:          benchwork.KindKnowledgeTest,
//	    ResourceClass: benchwork.ClassLight,
//	    Payload:       payload,
//	})
//
//	// Observe from this or any other process sharing the database
//	sub := runner.Subscribe(benchwork.EventFilter{WorkUnitID: unit.ID})
//	for e := range sub.C { ... }
package benchwork

import (
	"github.com/oklog/ulid/v2"
	"gorm.io/gorm"

	"github.com/benchwork/benchwork/pkg/bus"
	"github.com/benchwork/benchwork/pkg/consensus"
	"github.com/benchwork/benchwork/pkg/core"
	"github.com/benchwork/benchwork/pkg/executor"
	"github.com/benchwork/benchwork/pkg/ledger"
	"github.com/benchwork/benchwork/pkg/pool"
	"github.com/benchwork/benchwork/pkg/registry"
	"github.com/benchwork/benchwork/pkg/schedule"
	"github.com/benchwork/benchwork/pkg/security"
	"github.com/benchwork/benchwork/pkg/storage"
)

// Re-exported core types.
type (
	// WorkUnit is one durable unit of benchmark work.
	WorkUnit = core.WorkUnit

	// Status is a work unit's lifecycle state.
	Status = core.Status

	// WorkKind names what a unit does.
	WorkKind = core.WorkKind

	// ResourceClass names the worker pool a unit needs.
	ResourceClass = core.ResourceClass

	// FailureKind classifies why a unit reached Failed or Cancelled.
	FailureKind = core.FailureKind

	// Result is an executor's final verdict on one unit.
	Result = core.Result

	// Run groups units, events, and spend under one identifier.
	Run = core.Run

	// RunSummary is the run-level rollup.
	RunSummary = core.RunSummary

	// Event is one entry in the durable event log.
	Event = core.Event

	// EventType discriminates event payloads.
	EventType = core.EventType

	// EventFilter narrows event reads and subscriptions.
	EventFilter = core.EventFilter

	// Event payload shapes, decoded with Event.DecodePayload.
	LogPayload      = core.LogPayload
	StatusPayload   = core.StatusPayload
	ProgressPayload = core.ProgressPayload
	CostPayload     = core.CostPayload
	ControlPayload  = core.ControlPayload
	MetricsPayload  = core.MetricsPayload

	// UnitFilter narrows unit listings.
	UnitFilter = core.UnitFilter

	// Checkpoint is a persisted executor phase result.
	Checkpoint = core.Checkpoint

	// CostEntry is one recorded model call's spend.
	CostEntry = core.CostEntry

	// CostTotals is a run's accumulated spend.
	CostTotals = core.CostTotals

	// CostSummary is CostTotals plus the budget verdict.
	CostSummary = core.CostSummary

	// CostProfile holds per-million-token pricing.
	CostProfile = core.CostProfile

	// BudgetStatus is the ledger's verdict on run spend.
	BudgetStatus = core.BudgetStatus

	// Storage is the durable persistence layer.
	Storage = core.Storage

	// GormStorage implements Storage using GORM.
	GormStorage = storage.GormStorage

	// Bus fans durable events out to in-process subscribers.
	Bus = bus.Bus

	// Subscription is one subscriber's live event channel.
	Subscription = bus.Subscription

	// Budget holds run-wide spend thresholds.
	Budget = ledger.Budget

	// Ledger records spend and enforces budgets.
	Ledger = ledger.Ledger

	// SubmitRequest describes one unit of work to create.
	SubmitRequest = registry.SubmitRequest

	// Executor performs the work of one unit kind.
	Executor = executor.Executor

	// ExecContext is the executor's handle for checkpoints, cost, and events.
	ExecContext = executor.ExecContext

	// SlotSnapshot is one worker slot's state.
	SlotSnapshot = pool.SlotSnapshot

	// SlotStatus is a worker slot's lifecycle state.
	SlotStatus = pool.SlotStatus

	// Judge scores one artifact for the consensus panel.
	Judge = consensus.Judge

	// Schedule decides when a recurring activity fires next.
	Schedule = schedule.Schedule
)

// Work unit lifecycle states.
const (
	StatusPending   = core.StatusPending
	StatusQueued    = core.StatusQueued
	StatusRunning   = core.StatusRunning
	StatusPaused    = core.StatusPaused
	StatusCompleted = core.StatusCompleted
	StatusFailed    = core.StatusFailed
	StatusCancelled = core.StatusCancelled
)

// Work kinds and resource classes.
const (
	KindKnowledgeTest = core.KindKnowledgeTest
	KindCodingTask    = core.KindCodingTask

	ClassLight = core.ClassLight
	ClassHeavy = core.ClassHeavy
)

// Event types.
const (
	EventLog      = core.EventLog
	EventStatus   = core.EventStatus
	EventProgress = core.EventProgress
	EventCost     = core.EventCost
	EventControl  = core.EventControl
	EventMetrics  = core.EventMetrics
)

// Budget verdicts.
const (
	BudgetOK       = core.BudgetOK
	BudgetWarn     = core.BudgetWarn
	BudgetExceeded = core.BudgetExceeded
)

// Worker slot states.
const (
	SlotIdle     = pool.SlotIdle
	SlotBusy     = pool.SlotBusy
	SlotDraining = pool.SlotDraining
)

// Security limits.
const (
	MaxPayloadSize        = security.MaxPayloadSize
	MaxRetries            = security.MaxRetries
	MaxSlots              = security.MaxSlots
	MaxErrorMessageLength = security.MaxErrorMessageLength
)

// Error sentinels.
var (
	ErrUnknownKind       = core.ErrUnknownKind
	ErrInvalidClass      = core.ErrInvalidClass
	ErrInvalidPayload    = core.ErrInvalidPayload
	ErrUnitNotFound      = core.ErrUnitNotFound
	ErrRunNotFound       = core.ErrRunNotFound
	ErrInvalidTransition = core.ErrInvalidTransition
	ErrUnitNotOwned      = core.ErrUnitNotOwned
	ErrBudgetExceeded    = core.ErrBudgetExceeded
	ErrShuttingDown      = core.ErrShuttingDown
	ErrCancelRequested   = core.ErrCancelRequested
	ErrPauseRequested    = core.ErrPauseRequested
)

// OpenSQLite opens (creating if necessary) the SQLite database at path with
// WAL journaling and a busy timeout, ready for cross-process readers.
func OpenSQLite(path string, opts ...storage.PoolOption) (*gorm.DB, error) {
	return storage.OpenSQLite(path, opts...)
}

// NewGormStorage creates a GORM-backed Storage.
func NewGormStorage(db *gorm.DB) *GormStorage {
	return storage.NewGormStorage(db)
}

// NewRunID generates a lexically time-sortable run identifier.
func NewRunID() string {
	return ulid.Make().String()
}

// Transient marks an error as worth retrying.
func Transient(err error) error {
	return core.Transient(err)
}

// IsRetryable reports whether a failed unit should be retried.
func IsRetryable(err error) bool {
	return core.IsRetryable(err)
}

// EstimateTokens approximates the token count of a prompt or reply when the
// provider reports none.
func EstimateTokens(text string) int64 {
	return core.EstimateTokens(text)
}

// DecodeResult parses a completed unit's Result bytes. It returns nil for
// units that produced no result.
func DecodeResult(data []byte) (*Result, error) {
	return core.DecodeResult(data)
}
