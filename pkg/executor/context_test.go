package executor

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/benchwork/benchwork/pkg/bus"
	"github.com/benchwork/benchwork/pkg/core"
	"github.com/benchwork/benchwork/pkg/ledger"
	"github.com/benchwork/benchwork/pkg/storage"
)

type execEnv struct {
	st  *storage.GormStorage
	bus *bus.Bus
	led *ledger.Ledger
}

func newExecEnv(t *testing.T) *execEnv {
	t.Helper()
	db, err := storage.OpenSQLite(filepath.Join(t.TempDir(), "executor_test.db"))
	require.NoError(t, err, "open sqlite test db")

	st := storage.NewGormStorage(db)
	require.NoError(t, st.Migrate(context.Background()), "migrate schema")

	t.Cleanup(func() {
		if sqlDB, err := db.DB(); err == nil {
			_ = sqlDB.Close()
		}
	})

	b := bus.New(st, nil)
	return &execEnv{st: st, bus: b, led: ledger.New(st, b, ledger.Budget{}, nil)}
}

// newUnit persists a claimed-looking unit and returns an ExecContext for it.
func (e *execEnv) newUnit(t *testing.T, kind core.WorkKind, payload []byte) *ExecContext {
	t.Helper()
	unit := &core.WorkUnit{
		ID:            uuid.NewString(),
		RunID:         "run-exec",
		Kind:          kind,
		ResourceClass: core.ClassLight,
		Payload:       payload,
		Status:        core.StatusRunning,
	}
	require.NoError(t, e.st.CreateUnit(context.Background(), unit))
	return NewContext(unit, "slot-test", e.st, e.bus, e.led, nil)
}

func TestCheckpointSignals(t *testing.T) {
	env := newExecEnv(t)
	ctx := context.Background()
	ec := env.newUnit(t, core.KindKnowledgeTest, []byte(`{}`))

	sig, err := ec.Checkpoint(ctx, "phase_a")
	require.NoError(t, err)
	assert.Equal(t, core.SignalContinue, sig)
	assert.NoError(t, ec.Check(ctx, "phase_a"))

	require.NoError(t, env.st.RequestPause(ctx, ec.Unit.ID))
	sig, err = ec.Checkpoint(ctx, "phase_a")
	require.NoError(t, err)
	assert.Equal(t, core.SignalPause, sig)
	assert.ErrorIs(t, ec.Check(ctx, "phase_a"), core.ErrPauseRequested)

	// A cancel request outranks a pending pause request.
	require.NoError(t, env.st.RequestCancel(ctx, ec.Unit.ID))
	sig, err = ec.Checkpoint(ctx, "phase_a")
	require.NoError(t, err)
	assert.Equal(t, core.SignalCancel, sig)
	assert.ErrorIs(t, ec.Check(ctx, "phase_a"), core.ErrCancelRequested)
}

func TestCheckpointShutdownReadsAsCancel(t *testing.T) {
	env := newExecEnv(t)
	ec := env.newUnit(t, core.KindKnowledgeTest, []byte(`{}`))
	ec.ShuttingDown = func() bool { return true }

	sig, err := ec.Checkpoint(context.Background(), "phase_a")
	require.NoError(t, err)
	assert.Equal(t, core.SignalCancel, sig)
}

func TestRecordCostAssignsSequentialIndexes(t *testing.T) {
	env := newExecEnv(t)
	ctx := context.Background()
	ec := env.newUnit(t, core.KindKnowledgeTest, []byte(`{}`))

	status, err := ec.RecordCost(ctx, 100, 50, 0.01)
	require.NoError(t, err)
	assert.Equal(t, core.BudgetOK, status)
	_, err = ec.RecordCost(ctx, 100, 50, 0.01)
	require.NoError(t, err)

	next, err := env.st.NextCallIndex(ctx, ec.Unit.ID)
	require.NoError(t, err)
	assert.Equal(t, 2, next)

	totals, err := env.led.Totals(ctx, "run-exec")
	require.NoError(t, err)
	assert.Equal(t, int64(200), totals.TokensIn)
	assert.Equal(t, int64(100), totals.TokensOut)
	assert.InDelta(t, 0.02, totals.USD, 1e-9)
}

func TestRecordCostResumesNumberingAfterPriorAttempt(t *testing.T) {
	env := newExecEnv(t)
	ctx := context.Background()
	ec := env.newUnit(t, core.KindKnowledgeTest, []byte(`{}`))

	// Entries left behind by an earlier attempt of the same unit.
	for i := 0; i < 2; i++ {
		_, err := env.led.Record(ctx, &core.CostEntry{
			RunID:      ec.Unit.RunID,
			WorkUnitID: ec.Unit.ID,
			CallIndex:  i,
			TokensIn:   10,
		})
		require.NoError(t, err)
	}

	fresh := NewContext(ec.Unit, "slot-resume", env.st, env.bus, env.led, nil)
	_, err := fresh.RecordCost(ctx, 10, 0, 0)
	require.NoError(t, err)

	next, err := env.st.NextCallIndex(ctx, ec.Unit.ID)
	require.NoError(t, err)
	assert.Equal(t, 3, next)

	totals, err := env.led.Totals(ctx, "run-exec")
	require.NoError(t, err)
	assert.Equal(t, int64(30), totals.TokensIn)
}

func TestRecordCostAtIsReplaySafe(t *testing.T) {
	env := newExecEnv(t)
	ctx := context.Background()
	ec := env.newUnit(t, core.KindKnowledgeTest, []byte(`{}`))

	_, err := ec.RecordCostAt(ctx, 5, 100, 0, 0.01)
	require.NoError(t, err)
	_, err = ec.RecordCostAt(ctx, 5, 100, 0, 0.01)
	require.NoError(t, err)

	totals, err := env.led.Totals(ctx, "run-exec")
	require.NoError(t, err)
	assert.Equal(t, int64(100), totals.TokensIn, "replayed call index must count once")

	// The automatic cursor continues past the explicit index.
	_, err = ec.RecordCost(ctx, 1, 0, 0)
	require.NoError(t, err)
	next, err := env.st.NextCallIndex(ctx, ec.Unit.ID)
	require.NoError(t, err)
	assert.Equal(t, 7, next)
}

func TestSaveAndLoadPhase(t *testing.T) {
	env := newExecEnv(t)
	ctx := context.Background()
	ec := env.newUnit(t, core.KindKnowledgeTest, []byte(`{}`))

	type record struct {
		Answer  string `json:"answer"`
		Correct bool   `json:"correct"`
	}

	_, done, err := LoadPhase[record](ctx, ec, "question_0")
	require.NoError(t, err)
	assert.False(t, done)

	require.NoError(t, ec.SavePhase(ctx, "question_0", record{Answer: "A", Correct: true}))

	got, done, err := LoadPhase[record](ctx, ec, "question_0")
	require.NoError(t, err)
	require.True(t, done)
	assert.Equal(t, record{Answer: "A", Correct: true}, got)

	// A replayed save keeps the first record.
	require.NoError(t, ec.SavePhase(ctx, "question_0", record{Answer: "B"}))
	got, done, err = LoadPhase[record](ctx, ec, "question_0")
	require.NoError(t, err)
	require.True(t, done)
	assert.Equal(t, "A", got.Answer)
}

func TestEmitLogAndProgressPublish(t *testing.T) {
	env := newExecEnv(t)
	ctx := context.Background()
	ec := env.newUnit(t, core.KindKnowledgeTest, []byte(`{}`))

	sub := env.bus.Subscribe(core.EventFilter{WorkUnitID: ec.Unit.ID})
	defer sub.Close()

	ec.EmitLog(ctx, core.LevelInfo, "starting")
	ec.EmitProgress(ctx, "questions", 1, 4, "q-1")

	select {
	case ev := <-sub.C:
		require.Equal(t, core.EventLog, ev.Type)
		var p core.LogPayload
		require.NoError(t, ev.DecodePayload(&p))
		assert.Equal(t, core.LevelInfo, p.Level)
		assert.Equal(t, string(core.KindKnowledgeTest), p.Source)
		assert.Equal(t, "starting", p.Message)
	case <-time.After(2 * time.Second):
		t.Fatal("log event not delivered")
	}

	select {
	case ev := <-sub.C:
		require.Equal(t, core.EventProgress, ev.Type)
		var p core.ProgressPayload
		require.NoError(t, ev.DecodePayload(&p))
		assert.Equal(t, "questions", p.Phase)
		assert.Equal(t, 1, p.Current)
		assert.Equal(t, 4, p.Total)
	case <-time.After(2 * time.Second):
		t.Fatal("progress event not delivered")
	}
}
