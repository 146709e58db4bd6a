package registry

import (
	"context"
	"encoding/json"
	"fmt"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/benchwork/benchwork/pkg/bus"
	"github.com/benchwork/benchwork/pkg/core"
	"github.com/benchwork/benchwork/pkg/ledger"
	"github.com/benchwork/benchwork/pkg/storage"
)

func newTestRegistry(t *testing.T, budget ledger.Budget) (*Registry, core.Storage, *bus.Bus, *ledger.Ledger) {
	t.Helper()
	db, err := storage.OpenSQLite(filepath.Join(t.TempDir(), "registry_test.db"))
	require.NoError(t, err, "open sqlite test db")

	st := storage.NewGormStorage(db)
	require.NoError(t, st.Migrate(context.Background()), "migrate schema")

	t.Cleanup(func() {
		if sqlDB, err := db.DB(); err == nil {
			_ = sqlDB.Close()
		}
	})

	b := bus.New(st, nil)
	l := ledger.New(st, b, budget, nil)
	validators := map[core.WorkKind]PayloadValidator{
		core.KindKnowledgeTest: func(p []byte) error {
			if !json.Valid(p) {
				return fmt.Errorf("payload is not valid JSON")
			}
			return nil
		},
	}
	return New(st, b, l, validators, nil), st, b, l
}

func submitReq() SubmitRequest {
	return SubmitRequest{
		RunID:         "run-1",
		Kind:          core.KindKnowledgeTest,
		ResourceClass: core.ClassLight,
		Priority:      1,
		Payload:       []byte(`{"questions":[]}`),
	}
}

// claimed submits, admits, and claims one unit so tests can exercise the
// running-state paths.
func claimed(t *testing.T, r *Registry, slotID string) *core.WorkUnit {
	t.Helper()
	ctx := context.Background()
	unit, err := r.Submit(ctx, submitReq())
	require.NoError(t, err)
	require.NoError(t, r.MarkQueued(ctx, unit))
	got, err := r.Claim(ctx, core.ClassLight, slotID, time.Minute)
	require.NoError(t, err)
	require.NotNil(t, got)
	require.Equal(t, unit.ID, got.ID)
	return got
}

// ─────────────────────────────────────────────────────────────────────────────
// Submission
// ─────────────────────────────────────────────────────────────────────────────

func TestSubmit_CreatesPendingUnit(t *testing.T) {
	r, st, b, _ := newTestRegistry(t, ledger.Budget{})
	ctx := context.Background()

	sub := b.Subscribe(core.EventFilter{Types: []core.EventType{core.EventStatus}})
	defer sub.Close()

	unit, err := r.Submit(ctx, submitReq())
	require.NoError(t, err)
	assert.NotEmpty(t, unit.ID)
	assert.Equal(t, core.StatusPending, unit.Status)
	assert.Equal(t, unit.ID, unit.LineageID, "first attempt starts its own lineage")
	assert.Equal(t, DefaultMaxRetries, unit.MaxRetries)

	stored, err := st.GetUnit(ctx, unit.ID)
	require.NoError(t, err)
	assert.Equal(t, core.StatusPending, stored.Status)

	select {
	case e := <-sub.C:
		var p core.StatusPayload
		require.NoError(t, e.DecodePayload(&p))
		assert.Equal(t, core.StatusPending, p.To)
	case <-time.After(time.Second):
		t.Fatal("expected a status event for the submission")
	}
}

func TestSubmit_ValidatesKindClassAndSize(t *testing.T) {
	r, _, _, _ := newTestRegistry(t, ledger.Budget{})
	ctx := context.Background()

	req := submitReq()
	req.Kind = "mystery"
	_, err := r.Submit(ctx, req)
	assert.ErrorIs(t, err, core.ErrUnknownKind)

	req = submitReq()
	req.ResourceClass = "gigantic"
	_, err = r.Submit(ctx, req)
	assert.ErrorIs(t, err, core.ErrInvalidClass)

	req = submitReq()
	req.Payload = make([]byte, 2<<20)
	_, err = r.Submit(ctx, req)
	assert.ErrorIs(t, err, core.ErrPayloadTooLarge)
}

func TestSubmit_RejectsMalformedPayload(t *testing.T) {
	r, _, _, _ := newTestRegistry(t, ledger.Budget{})

	req := submitReq()
	req.Payload = []byte(`{"questions":`)
	_, err := r.Submit(context.Background(), req)
	assert.ErrorIs(t, err, core.ErrInvalidPayload)
}

func TestSubmit_RejectsWhenBudgetExceeded(t *testing.T) {
	r, _, _, l := newTestRegistry(t, ledger.Budget{HardLimitUSD: 1.0})
	ctx := context.Background()

	_, err := l.Record(ctx, &core.CostEntry{
		RunID: "run-1", WorkUnitID: "unit-prior", CallIndex: 0, USD: 1.5,
	})
	require.NoError(t, err)

	_, err = r.Submit(ctx, submitReq())
	assert.ErrorIs(t, err, core.ErrBudgetExceeded)
}

// ─────────────────────────────────────────────────────────────────────────────
// Cooperative control
// ─────────────────────────────────────────────────────────────────────────────

func TestRequestCancel_PendingIsCancelledImmediately(t *testing.T) {
	r, st, _, _ := newTestRegistry(t, ledger.Budget{})
	ctx := context.Background()

	unit, err := r.Submit(ctx, submitReq())
	require.NoError(t, err)

	require.NoError(t, r.RequestCancel(ctx, unit.ID))

	got, err := st.GetUnit(ctx, unit.ID)
	require.NoError(t, err)
	assert.Equal(t, core.StatusCancelled, got.Status)
	assert.NotNil(t, got.CompletedAt)
}

func TestRequestCancel_RunningSetsFlagOnly(t *testing.T) {
	r, st, _, _ := newTestRegistry(t, ledger.Budget{})
	ctx := context.Background()

	unit := claimed(t, r, "slot-1")

	require.NoError(t, r.RequestCancel(ctx, unit.ID))

	got, err := st.GetUnit(ctx, unit.ID)
	require.NoError(t, err)
	assert.Equal(t, core.StatusRunning, got.Status, "running units are never preempted")
	assert.True(t, got.CancelRequested)
}

func TestRequestCancel_TerminalIsNoop(t *testing.T) {
	r, st, _, _ := newTestRegistry(t, ledger.Budget{})
	ctx := context.Background()

	unit := claimed(t, r, "slot-1")
	require.NoError(t, r.Complete(ctx, unit, "slot-1", []byte(`{"score":1}`)))

	require.NoError(t, r.RequestCancel(ctx, unit.ID))

	got, err := st.GetUnit(ctx, unit.ID)
	require.NoError(t, err)
	assert.Equal(t, core.StatusCompleted, got.Status)
	assert.False(t, got.CancelRequested)
}

func TestRequestPause_QueuedKeepsStatusAndSetsFlag(t *testing.T) {
	r, st, _, _ := newTestRegistry(t, ledger.Budget{})
	ctx := context.Background()

	unit, err := r.Submit(ctx, submitReq())
	require.NoError(t, err)
	require.NoError(t, r.MarkQueued(ctx, unit))

	require.NoError(t, r.RequestPause(ctx, unit.ID))

	got, err := st.GetUnit(ctx, unit.ID)
	require.NoError(t, err)
	assert.Equal(t, core.StatusQueued, got.Status)
	assert.True(t, got.PauseRequested)

	// A pause-flagged queued unit is invisible to claims.
	none, err := r.Claim(ctx, core.ClassLight, "slot-1", time.Minute)
	require.NoError(t, err)
	assert.Nil(t, none)
}

func TestRequestResume_PausedReturnsToQueue(t *testing.T) {
	r, st, _, _ := newTestRegistry(t, ledger.Budget{})
	ctx := context.Background()

	unit := claimed(t, r, "slot-1")
	require.NoError(t, r.Pause(ctx, unit, "slot-1"))

	got, err := st.GetUnit(ctx, unit.ID)
	require.NoError(t, err)
	require.Equal(t, core.StatusPaused, got.Status)

	require.NoError(t, r.RequestResume(ctx, unit.ID))

	got, err = st.GetUnit(ctx, unit.ID)
	require.NoError(t, err)
	assert.Equal(t, core.StatusQueued, got.Status)
	assert.False(t, got.PauseRequested)
}

func TestRequestResume_ClearsFlagWithoutTransition(t *testing.T) {
	r, st, _, _ := newTestRegistry(t, ledger.Budget{})
	ctx := context.Background()

	unit := claimed(t, r, "slot-1")
	require.NoError(t, r.RequestPause(ctx, unit.ID))
	require.NoError(t, r.RequestResume(ctx, unit.ID))

	got, err := st.GetUnit(ctx, unit.ID)
	require.NoError(t, err)
	assert.Equal(t, core.StatusRunning, got.Status)
	assert.False(t, got.PauseRequested)
}

func TestPauseAllAndResumeAll(t *testing.T) {
	r, st, _, _ := newTestRegistry(t, ledger.Budget{})
	ctx := context.Background()

	var ids []string
	for i := 0; i < 3; i++ {
		unit, err := r.Submit(ctx, submitReq())
		require.NoError(t, err)
		ids = append(ids, unit.ID)
	}

	require.NoError(t, r.PauseAll(ctx, "run-1"))
	for _, id := range ids {
		got, err := st.GetUnit(ctx, id)
		require.NoError(t, err)
		assert.True(t, got.PauseRequested, "unit %s", id)
	}

	require.NoError(t, r.ResumeAll(ctx, "run-1"))
	for _, id := range ids {
		got, err := st.GetUnit(ctx, id)
		require.NoError(t, err)
		assert.False(t, got.PauseRequested, "unit %s", id)
	}
}

// ─────────────────────────────────────────────────────────────────────────────
// Transitions and retries
// ─────────────────────────────────────────────────────────────────────────────

func TestTransitions_PublishStatusEvents(t *testing.T) {
	r, _, b, _ := newTestRegistry(t, ledger.Budget{})
	ctx := context.Background()

	sub := b.Subscribe(core.EventFilter{Types: []core.EventType{core.EventStatus}})
	defer sub.Close()

	unit := claimed(t, r, "slot-1")
	require.NoError(t, r.Complete(ctx, unit, "slot-1", nil))

	var seen []core.Status
	for i := 0; i < 4; i++ {
		select {
		case e := <-sub.C:
			var p core.StatusPayload
			require.NoError(t, e.DecodePayload(&p))
			seen = append(seen, p.To)
		case <-time.After(time.Second):
			t.Fatalf("expected 4 status events, saw %v", seen)
		}
	}
	assert.Equal(t, []core.Status{
		core.StatusPending, core.StatusQueued, core.StatusRunning, core.StatusCompleted,
	}, seen)
}

func TestRetry_CreatesFreshUnitSharingLineage(t *testing.T) {
	r, st, _, _ := newTestRegistry(t, ledger.Budget{})
	ctx := context.Background()

	unit := claimed(t, r, "slot-1")
	require.NoError(t, r.Fail(ctx, unit, "slot-1", core.FailureTimeout, "phase exceeded deadline"))

	fresh, err := r.Retry(ctx, unit.ID, 0)
	require.NoError(t, err)

	assert.NotEqual(t, unit.ID, fresh.ID, "retry gets a fresh id")
	assert.Equal(t, unit.LineageID, fresh.LineageID)
	assert.Equal(t, 1, fresh.RetryCount)
	assert.Equal(t, core.StatusPending, fresh.Status)

	old, err := st.GetUnit(ctx, unit.ID)
	require.NoError(t, err)
	assert.Equal(t, core.StatusFailed, old.Status, "the failed attempt stays terminal")
}

func TestRetry_BackoffDelaysClaim(t *testing.T) {
	r, _, _, _ := newTestRegistry(t, ledger.Budget{})
	ctx := context.Background()

	unit := claimed(t, r, "slot-1")
	require.NoError(t, r.Fail(ctx, unit, "slot-1", core.FailureTimeout, "slow"))

	fresh, err := r.Retry(ctx, unit.ID, 150*time.Millisecond)
	require.NoError(t, err)
	require.NotNil(t, fresh.AvailableAt)
	require.NoError(t, r.MarkQueued(ctx, fresh))

	got, err := r.Claim(ctx, core.ClassLight, "slot-2", time.Minute)
	require.NoError(t, err)
	assert.Nil(t, got, "backoff holds the retry back from claiming")

	require.Eventually(t, func() bool {
		got, err := r.Claim(ctx, core.ClassLight, "slot-2", time.Minute)
		return err == nil && got != nil && got.ID == fresh.ID
	}, 2*time.Second, 25*time.Millisecond, "retry becomes claimable after the delay")
}

func TestRetry_RefusesNonFailedUnits(t *testing.T) {
	r, _, _, _ := newTestRegistry(t, ledger.Budget{})
	ctx := context.Background()

	unit, err := r.Submit(ctx, submitReq())
	require.NoError(t, err)

	_, err = r.Retry(ctx, unit.ID, 0)
	assert.ErrorIs(t, err, core.ErrInvalidTransition)
}

func TestRetry_RefusesWhenExhausted(t *testing.T) {
	r, _, _, _ := newTestRegistry(t, ledger.Budget{})
	ctx := context.Background()

	req := submitReq()
	req.MaxRetries = 1
	unit, err := r.Submit(ctx, req)
	require.NoError(t, err)
	require.NoError(t, r.MarkQueued(ctx, unit))
	got, err := r.Claim(ctx, core.ClassLight, "slot-1", time.Minute)
	require.NoError(t, err)
	require.NoError(t, r.Fail(ctx, got, "slot-1", core.FailureTimeout, "slow"))

	fresh, err := r.Retry(ctx, got.ID, 0)
	require.NoError(t, err)

	// Exhaust the lineage: the second attempt fails too.
	require.NoError(t, r.MarkQueued(ctx, fresh))
	second, err := r.Claim(ctx, core.ClassLight, "slot-1", time.Minute)
	require.NoError(t, err)
	require.NoError(t, r.Fail(ctx, second, "slot-1", core.FailureTimeout, "slow again"))

	_, err = r.Retry(ctx, second.ID, 0)
	assert.Error(t, err)
}
