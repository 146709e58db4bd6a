package executor

import (
	"context"
	"fmt"

	"github.com/benchwork/benchwork/pkg/core"
)

// Executor performs the work of one kind of unit.
//
// Execute runs inside a worker slot under a hard wall-clock timeout. It
// returns a result on success, ErrPauseRequested or ErrCancelRequested when
// a checkpoint observed the matching flag, or any other error on failure
// (wrapped with core.Transient when worth retrying).
type Executor interface {
	// Kind names the work kind this executor handles.
	Kind() core.WorkKind
	// ValidatePayload checks a raw payload at submission time, before any
	// unit is created for it.
	ValidatePayload(raw []byte) error
	// Execute performs the unit's work.
	Execute(ctx context.Context, ec *ExecContext) (*core.Result, error)
}

// Table maps work kinds to their executors. It is built once at
// construction time and read-only afterwards, so slot goroutines share it
// without locks.
type Table map[core.WorkKind]Executor

// NewTable builds a dispatch table, rejecting duplicate kinds.
func NewTable(executors ...Executor) (Table, error) {
	table := make(Table, len(executors))
	for _, ex := range executors {
		kind := ex.Kind()
		if _, dup := table[kind]; dup {
			return nil, fmt.Errorf("benchwork: duplicate executor for kind %q", kind)
		}
		table[kind] = ex
	}
	return table, nil
}

// Lookup returns the executor for a kind.
func (t Table) Lookup(kind core.WorkKind) (Executor, error) {
	ex, ok := t[kind]
	if !ok {
		return nil, fmt.Errorf("%w: %q", core.ErrUnknownKind, kind)
	}
	return ex, nil
}

// Kinds lists the registered work kinds.
func (t Table) Kinds() []core.WorkKind {
	kinds := make([]core.WorkKind, 0, len(t))
	for kind := range t {
		kinds = append(kinds, kind)
	}
	return kinds
}
