package benchwork_test

import (
	"context"
	"errors"
	"path/filepath"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/benchwork/benchwork"
	"github.com/benchwork/benchwork/pkg/executor"
	"github.com/benchwork/benchwork/pkg/pool"
	"github.com/benchwork/benchwork/pkg/schedule"
	"github.com/benchwork/benchwork/pkg/scheduler"
)

// fakeExecutor adapts a closure into an Executor for integration tests.
type fakeExecutor struct {
	kind benchwork.WorkKind
	fn   func(ctx context.Context, ec *benchwork.ExecContext) (*benchwork.Result, error)
}

func (f *fakeExecutor) Kind() benchwork.WorkKind     { return f.kind }
func (f *fakeExecutor) ValidatePayload([]byte) error { return nil }

func (f *fakeExecutor) Execute(ctx context.Context, ec *benchwork.ExecContext) (*benchwork.Result, error) {
	return f.fn(ctx, ec)
}

func knowledgeExecutor(fn func(ctx context.Context, ec *benchwork.ExecContext) (*benchwork.Result, error)) benchwork.Executor {
	return &fakeExecutor{kind: benchwork.KindKnowledgeTest, fn: fn}
}

func setupRunner(t *testing.T, executors []benchwork.Executor, opts ...benchwork.RunnerOption) (*benchwork.Runner, benchwork.Storage) {
	t.Helper()

	db, err := benchwork.OpenSQLite(filepath.Join(t.TempDir(), "integration_test.db"))
	require.NoError(t, err)
	store := benchwork.NewGormStorage(db)
	require.NoError(t, store.Migrate(context.Background()))
	t.Cleanup(func() {
		if sqlDB, err := db.DB(); err == nil {
			sqlDB.Close()
		}
	})

	opts = append([]benchwork.RunnerOption{
		benchwork.WithSchedulerOptions(scheduler.PollInterval(10 * time.Millisecond)),
		benchwork.WithPoolOptions(pool.PollInterval(10 * time.Millisecond)),
	}, opts...)
	runner, err := benchwork.NewRunner(store, executors, opts...)
	require.NoError(t, err)
	return runner, store
}

func startRunner(t *testing.T, runner *benchwork.Runner) {
	t.Helper()
	require.NoError(t, runner.Start(context.Background()))
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
		defer cancel()
		runner.Close(ctx)
	})
}

func waitForStatus(t *testing.T, runner *benchwork.Runner, id string, want benchwork.Status) *benchwork.WorkUnit {
	t.Helper()
	var unit *benchwork.WorkUnit
	require.Eventually(t, func() bool {
		u, err := runner.Get(context.Background(), id)
		if err != nil || u.Status != want {
			return false
		}
		unit = u
		return true
	}, 10*time.Second, 20*time.Millisecond, "unit %s never reached %s", id, want)
	return unit
}

func TestIntegration_SubmitToCompletion(t *testing.T) {
	var executions atomic.Int32
	runner, _ := setupRunner(t, []benchwork.Executor{
		knowledgeExecutor(func(ctx context.Context, ec *benchwork.ExecContext) (*benchwork.Result, error) {
			executions.Add(1)
			if _, err := ec.RecordCost(ctx, 40, 10, 0.002); err != nil {
				return nil, err
			}
			return &benchwork.Result{Score: 0.9, Passed: true, Summary: "9/10 correct"}, nil
		}),
	})
	startRunner(t, runner)

	ctx := context.Background()
	run, err := runner.NewRun(ctx, "nightly-bench")
	require.NoError(t, err)
	require.Len(t, run.ID, 26)

	var units []*benchwork.WorkUnit
	for range 3 {
		unit, err := runner.Submit(ctx, benchwork.SubmitRequest{
			RunID:         run.ID,
			Kind:          benchwork.KindKnowledgeTest,
			ResourceClass: benchwork.ClassLight,
			Payload:       []byte(`{}`),
		})
		require.NoError(t, err)
		units = append(units, unit)
	}

	for _, unit := range units {
		done := waitForStatus(t, runner, unit.ID, benchwork.StatusCompleted)
		result, err := benchwork.DecodeResult(done.Result)
		require.NoError(t, err)
		require.NotNil(t, result)
		assert.True(t, result.Passed)
		assert.InDelta(t, 0.9, result.Score, 1e-9)
	}
	assert.Equal(t, int32(3), executions.Load())

	summary, err := runner.RunSummary(ctx, run.ID)
	require.NoError(t, err)
	assert.Equal(t, "nightly-bench", summary.Label)
	assert.Equal(t, int64(3), summary.StatusCounts[benchwork.StatusCompleted])
	assert.Equal(t, int64(120), summary.Cost.TokensIn)
	assert.Equal(t, int64(30), summary.Cost.TokensOut)
	assert.InDelta(t, 0.006, summary.Cost.EstimatedUSD, 1e-9)

	require.NoError(t, runner.FinishRun(ctx, run.ID))
	summary, err = runner.RunSummary(ctx, run.ID)
	require.NoError(t, err)
	assert.NotNil(t, summary.CompletedAt)
}

func TestIntegration_RetryOnFailure(t *testing.T) {
	var attempts atomic.Int32
	runner, _ := setupRunner(t, []benchwork.Executor{
		knowledgeExecutor(func(ctx context.Context, ec *benchwork.ExecContext) (*benchwork.Result, error) {
			if attempts.Add(1) == 1 {
				return nil, benchwork.Transient(errors.New("model endpoint flaked"))
			}
			return &benchwork.Result{Score: 1, Passed: true}, nil
		}),
	}, benchwork.WithPoolOptions(pool.RetryBackoff(5*time.Millisecond, 20*time.Millisecond)))
	startRunner(t, runner)

	ctx := context.Background()
	unit, err := runner.Submit(ctx, benchwork.SubmitRequest{
		RunID:         "run-retry",
		Kind:          benchwork.KindKnowledgeTest,
		ResourceClass: benchwork.ClassLight,
		MaxRetries:    2,
	})
	require.NoError(t, err)

	failed := waitForStatus(t, runner, unit.ID, benchwork.StatusFailed)
	assert.Contains(t, failed.LastError, "model endpoint flaked")

	// The retry is a fresh unit sharing the original's lineage.
	var retry *benchwork.WorkUnit
	require.Eventually(t, func() bool {
		units, err := runner.List(ctx, benchwork.UnitFilter{RunID: "run-retry"})
		if err != nil {
			return false
		}
		for _, u := range units {
			if u.ID != unit.ID && u.LineageID == unit.ID && u.Status == benchwork.StatusCompleted {
				retry = u
				return true
			}
		}
		return false
	}, 10*time.Second, 20*time.Millisecond)

	assert.Equal(t, 1, retry.RetryCount)
	assert.Equal(t, int32(2), attempts.Load())
}

func TestIntegration_PauseResumeAtCheckpoint(t *testing.T) {
	var phaseOne, phaseTwo atomic.Int32
	entered := make(chan struct{}, 1)
	release := make(chan struct{})

	runner, _ := setupRunner(t, []benchwork.Executor{
		knowledgeExecutor(func(ctx context.Context, ec *benchwork.ExecContext) (*benchwork.Result, error) {
			done, ok, err := executor.LoadPhase[bool](ctx, ec, "phase-one")
			if err != nil {
				return nil, err
			}
			if !ok || !done {
				phaseOne.Add(1)
				select {
				case entered <- struct{}{}:
				default:
				}
				<-release
				if err := ec.Check(ctx, "phase-one"); err != nil {
					return nil, err
				}
				if err := ec.SavePhase(ctx, "phase-one", true); err != nil {
					return nil, err
				}
			}
			phaseTwo.Add(1)
			return &benchwork.Result{Score: 1, Passed: true}, nil
		}),
	})
	startRunner(t, runner)

	ctx := context.Background()
	unit, err := runner.Submit(ctx, benchwork.SubmitRequest{
		RunID:         "run-pause",
		Kind:          benchwork.KindKnowledgeTest,
		ResourceClass: benchwork.ClassLight,
	})
	require.NoError(t, err)

	<-entered
	require.NoError(t, runner.Pause(ctx, unit.ID))
	close(release)

	paused := waitForStatus(t, runner, unit.ID, benchwork.StatusPaused)
	assert.Equal(t, benchwork.StatusRunning, paused.PreviousStatus)
	assert.Equal(t, int32(1), phaseOne.Load())
	assert.Equal(t, int32(0), phaseTwo.Load())

	require.NoError(t, runner.Resume(ctx, unit.ID))
	waitForStatus(t, runner, unit.ID, benchwork.StatusCompleted)

	// Completed work was not repeated after the pause.
	assert.Equal(t, int32(1), phaseOne.Load())
	assert.Equal(t, int32(1), phaseTwo.Load())
}

func TestIntegration_BudgetEnforcement(t *testing.T) {
	runner, _ := setupRunner(t, []benchwork.Executor{
		knowledgeExecutor(func(ctx context.Context, ec *benchwork.ExecContext) (*benchwork.Result, error) {
			if _, err := ec.RecordCost(ctx, 1000, 500, 0.06); err != nil {
				return nil, err
			}
			return &benchwork.Result{Score: 1, Passed: true}, nil
		}),
	}, benchwork.WithBudget(benchwork.Budget{SoftLimitUSD: 0.05, HardLimitUSD: 0.10}))
	startRunner(t, runner)

	ctx := context.Background()
	submit := func() (*benchwork.WorkUnit, error) {
		return runner.Submit(ctx, benchwork.SubmitRequest{
			RunID:         "run-budget",
			Kind:          benchwork.KindKnowledgeTest,
			ResourceClass: benchwork.ClassLight,
		})
	}

	first, err := submit()
	require.NoError(t, err)
	waitForStatus(t, runner, first.ID, benchwork.StatusCompleted)

	cost, err := runner.CostSummary(ctx, "run-budget")
	require.NoError(t, err)
	assert.Equal(t, benchwork.BudgetWarn, cost.Budget)

	second, err := submit()
	require.NoError(t, err)
	waitForStatus(t, runner, second.ID, benchwork.StatusCompleted)

	cost, err = runner.CostSummary(ctx, "run-budget")
	require.NoError(t, err)
	assert.Equal(t, benchwork.BudgetExceeded, cost.Budget)

	// The hard limit rejects further submissions for this run.
	_, err = submit()
	require.ErrorIs(t, err, benchwork.ErrBudgetExceeded)

	// Other runs are not affected.
	_, err = runner.Submit(ctx, benchwork.SubmitRequest{
		RunID:         "run-fresh",
		Kind:          benchwork.KindKnowledgeTest,
		ResourceClass: benchwork.ClassLight,
	})
	require.NoError(t, err)
}

func TestIntegration_EventStreamSeesLifecycle(t *testing.T) {
	runner, _ := setupRunner(t, []benchwork.Executor{
		knowledgeExecutor(func(ctx context.Context, ec *benchwork.ExecContext) (*benchwork.Result, error) {
			ec.EmitProgress(ctx, "answering", 1, 1, "done")
			if _, err := ec.RecordCost(ctx, 10, 5, 0.001); err != nil {
				return nil, err
			}
			return &benchwork.Result{Score: 1, Passed: true}, nil
		}),
	})
	startRunner(t, runner)

	sub := runner.Subscribe(benchwork.EventFilter{RunID: "run-stream"})
	defer sub.Close()

	ctx := context.Background()
	_, err := runner.Submit(ctx, benchwork.SubmitRequest{
		RunID:         "run-stream",
		Kind:          benchwork.KindKnowledgeTest,
		ResourceClass: benchwork.ClassLight,
	})
	require.NoError(t, err)

	var transitions []benchwork.Status
	seen := map[benchwork.EventType]bool{}
	deadline := time.After(10 * time.Second)
collect:
	for {
		select {
		case e, ok := <-sub.C:
			require.True(t, ok, "subscription closed early")
			seen[e.Type] = true
			if e.Type != benchwork.EventStatus {
				continue
			}
			var change struct {
				To benchwork.Status `json:"to"`
			}
			require.NoError(t, e.DecodePayload(&change))
			transitions = append(transitions, change.To)
			if change.To == benchwork.StatusCompleted {
				break collect
			}
		case <-deadline:
			t.Fatalf("lifecycle incomplete, transitions so far: %v", transitions)
		}
	}

	assert.Equal(t, []benchwork.Status{
		benchwork.StatusPending,
		benchwork.StatusQueued,
		benchwork.StatusRunning,
		benchwork.StatusCompleted,
	}, transitions)
	assert.True(t, seen[benchwork.EventProgress], "expected a progress event")
	assert.True(t, seen[benchwork.EventCost], "expected cost events")
}

func TestIntegration_StaleLockRecovery(t *testing.T) {
	var executions atomic.Int32
	runner, store := setupRunner(t, []benchwork.Executor{
		knowledgeExecutor(func(ctx context.Context, ec *benchwork.ExecContext) (*benchwork.Result, error) {
			executions.Add(1)
			return &benchwork.Result{Score: 1, Passed: true}, nil
		}),
	}, benchwork.WithSchedulerOptions(scheduler.StaleInterval(20*time.Millisecond)))

	// A unit claimed by a worker that died: lock expired, no heartbeat.
	expired := time.Now().Add(-time.Minute).UTC()
	orphan := &benchwork.WorkUnit{
		RunID:         "run-crash",
		Kind:          benchwork.KindKnowledgeTest,
		ResourceClass: benchwork.ClassLight,
		Status:        benchwork.StatusRunning,
		LockedBy:      "light-0@dead-host",
		LockedUntil:   &expired,
	}
	require.NoError(t, store.CreateUnit(context.Background(), orphan))

	startRunner(t, runner)

	done := waitForStatus(t, runner, orphan.ID, benchwork.StatusCompleted)
	assert.Equal(t, int32(1), executions.Load())
	assert.Empty(t, done.LockedBy)
}

func TestIntegration_CloseDrainsInFlight(t *testing.T) {
	started := make(chan struct{}, 1)
	runner, _ := setupRunner(t, []benchwork.Executor{
		knowledgeExecutor(func(ctx context.Context, ec *benchwork.ExecContext) (*benchwork.Result, error) {
			select {
			case started <- struct{}{}:
			default:
			}
			for {
				if err := ec.Check(ctx, "spin"); err != nil {
					return nil, err
				}
				time.Sleep(10 * time.Millisecond)
			}
		}),
	}, benchwork.WithPoolOptions(pool.Slots(benchwork.ClassLight, 1)))
	startRunner(t, runner)

	ctx := context.Background()
	unit, err := runner.Submit(ctx, benchwork.SubmitRequest{
		RunID:         "run-drain",
		Kind:          benchwork.KindKnowledgeTest,
		ResourceClass: benchwork.ClassLight,
	})
	require.NoError(t, err)
	<-started

	closeCtx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()
	require.NoError(t, runner.Close(closeCtx))

	assert.True(t, runner.Draining())

	drained, err := runner.Get(ctx, unit.ID)
	require.NoError(t, err)
	assert.Equal(t, benchwork.StatusCancelled, drained.Status)

	_, err = runner.Submit(ctx, benchwork.SubmitRequest{
		RunID:         "run-drain",
		Kind:          benchwork.KindKnowledgeTest,
		ResourceClass: benchwork.ClassLight,
	})
	require.ErrorIs(t, err, benchwork.ErrShuttingDown)

	require.ErrorIs(t, runner.Start(context.Background()), benchwork.ErrShuttingDown)
}

func TestIntegration_MetricsSnapshots(t *testing.T) {
	runner, _ := setupRunner(t, []benchwork.Executor{
		knowledgeExecutor(func(ctx context.Context, ec *benchwork.ExecContext) (*benchwork.Result, error) {
			return &benchwork.Result{Score: 1, Passed: true}, nil
		}),
	}, benchwork.WithSnapshots(schedule.Every(15*time.Millisecond)))
	startRunner(t, runner)

	ctx := context.Background()
	unit, err := runner.Submit(ctx, benchwork.SubmitRequest{
		RunID:         "run-metrics",
		Kind:          benchwork.KindKnowledgeTest,
		ResourceClass: benchwork.ClassLight,
	})
	require.NoError(t, err)
	waitForStatus(t, runner, unit.ID, benchwork.StatusCompleted)

	filter := benchwork.EventFilter{RunID: "run-metrics", Types: []benchwork.EventType{benchwork.EventMetrics}}
	require.Eventually(t, func() bool {
		events, err := runner.Events(ctx, 0, filter, 50)
		if err != nil || len(events) == 0 {
			return false
		}
		var payload struct {
			StatusCounts map[benchwork.Status]int64 `json:"status_counts"`
		}
		last := events[len(events)-1]
		if err := last.DecodePayload(&payload); err != nil {
			return false
		}
		return payload.StatusCounts[benchwork.StatusCompleted] == 1
	}, 10*time.Second, 20*time.Millisecond, "no snapshot reflected the completed unit")
}
