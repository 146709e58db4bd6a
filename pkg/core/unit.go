package core

import (
	"time"
)

// Status represents the current lifecycle state of a work unit.
type Status string

const (
	StatusPending   Status = "pending"
	StatusQueued    Status = "queued"
	StatusRunning   Status = "running"
	StatusPaused    Status = "paused"    // Parked at a checkpoint, won't be picked up
	StatusCompleted Status = "completed"
	StatusFailed    Status = "failed"
	StatusCancelled Status = "cancelled" // Terminated before completion
)

// Terminal reports whether the status admits no further transitions.
func (s Status) Terminal() bool {
	switch s {
	case StatusCompleted, StatusFailed, StatusCancelled:
		return true
	}
	return false
}

// transitions encodes the legal state machine edges. Terminal states have
// no outgoing edges.
var transitions = map[Status][]Status{
	StatusPending: {StatusQueued, StatusFailed, StatusCancelled},
	StatusQueued:  {StatusRunning, StatusFailed, StatusCancelled},
	StatusRunning: {StatusCompleted, StatusFailed, StatusCancelled, StatusPaused},
	StatusPaused:  {StatusQueued, StatusCancelled},
}

// CanTransition reports whether from -> to is a legal status transition.
func CanTransition(from, to Status) bool {
	for _, next := range transitions[from] {
		if next == to {
			return true
		}
	}
	return false
}

// WorkKind identifies which executor performs a unit's work.
type WorkKind string

const (
	KindKnowledgeTest WorkKind = "knowledge_test"
	KindCodingTask    WorkKind = "coding_task"
)

// ResourceClass partitions the worker pool by the contention and cost
// profile of the work.
type ResourceClass string

const (
	ClassLight ResourceClass = "light"
	ClassHeavy ResourceClass = "heavy"
)

// Classes lists all resource classes in a stable order.
func Classes() []ResourceClass {
	return []ResourceClass{ClassLight, ClassHeavy}
}

// WorkUnit represents one schedulable item of benchmark work.
type WorkUnit struct {
	ID             string        `gorm:"primaryKey;size:36"`
	RunID          string        `gorm:"index;size:26;not null"`
	Kind           WorkKind      `gorm:"index;size:32;not null"`
	ResourceClass  ResourceClass `gorm:"index;size:16;not null"`
	Priority       int           `gorm:"index;default:0"`
	Payload        []byte        `gorm:"type:bytes"`
	Status         Status        `gorm:"index;size:20;default:'pending'"`
	PreviousStatus Status        `gorm:"size:20"` // Status before pause, for restoration
	RetryCount     int           `gorm:"default:0"`
	MaxRetries     int           `gorm:"default:3"`
	LineageID      string        `gorm:"index;size:36"` // First attempt's id, shared by retries
	FailureKind    FailureKind   `gorm:"size:32"`
	LastError      string        `gorm:"type:text"`

	// Running cost totals mirrored from the ledger for cheap reads.
	TokensIn  int64   `gorm:"default:0"`
	TokensOut int64   `gorm:"default:0"`
	CostUSD   float64 `gorm:"default:0"`

	// Cooperative control flags, set by external command and observed by
	// the owning slot at executor checkpoints.
	CancelRequested bool `gorm:"index;default:false"`
	PauseRequested  bool `gorm:"index;default:false"`

	CreatedAt   time.Time `gorm:"autoCreateTime"`
	UpdatedAt   time.Time `gorm:"autoUpdateTime"`
	StartedAt   *time.Time
	CompletedAt *time.Time

	// AvailableAt delays claiming, used for retry backoff. Nil means
	// claimable immediately.
	AvailableAt *time.Time `gorm:"index"`

	// Slot ownership while Running.
	LockedBy        string     `gorm:"size:255"`
	LockedUntil     *time.Time `gorm:"index"`
	LastHeartbeatAt *time.Time

	// Serialized Result once terminal.
	Result []byte `gorm:"type:bytes"`
}

// Terminal reports whether the unit is in a terminal state.
func (u *WorkUnit) Terminal() bool {
	return u.Status.Terminal()
}

// CanRetry reports whether a failed unit has retry budget left.
func (u *WorkUnit) CanRetry() bool {
	return u.RetryCount < u.MaxRetries
}

// Checkpoint records a completed executor sub-step so that a paused and
// resumed unit never re-runs finished work.
type Checkpoint struct {
	ID         string    `gorm:"primaryKey;size:36"`
	WorkUnitID string    `gorm:"uniqueIndex:idx_checkpoint_unit_phase;size:36;not null"`
	Phase      string    `gorm:"uniqueIndex:idx_checkpoint_unit_phase;size:255;not null"`
	Result     []byte    `gorm:"type:bytes"`
	CreatedAt  time.Time `gorm:"autoCreateTime"`
}

// Signal is the control decision reported to an executor at a checkpoint.
type Signal int

const (
	SignalContinue Signal = iota
	SignalPause
	SignalCancel
)

func (s Signal) String() string {
	switch s {
	case SignalPause:
		return "pause"
	case SignalCancel:
		return "cancel"
	default:
		return "continue"
	}
}

// ControlCommand names an asynchronous control request recorded as an event.
type ControlCommand string

const (
	CommandPause    ControlCommand = "pause"
	CommandResume   ControlCommand = "resume"
	CommandCancel   ControlCommand = "cancel"
	CommandShutdown ControlCommand = "shutdown"
)

// TargetAll addresses a control command to every non-terminal unit.
const TargetAll = "all"
