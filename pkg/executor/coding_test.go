package executor

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/benchwork/benchwork/pkg/consensus"
	"github.com/benchwork/benchwork/pkg/core"
)

// fakeTool runs phases through a per-call hook and records every request.
type fakeTool struct {
	mu       sync.Mutex
	requests []ToolRequest
	fn       func(ctx context.Context, call int, req ToolRequest) (ToolResult, error)
}

func (f *fakeTool) Run(ctx context.Context, req ToolRequest) (ToolResult, error) {
	f.mu.Lock()
	call := len(f.requests)
	f.requests = append(f.requests, req)
	f.mu.Unlock()
	return f.fn(ctx, call, req)
}

func (f *fakeTool) phasesSeen() []Phase {
	f.mu.Lock()
	defer f.mu.Unlock()
	phases := make([]Phase, len(f.requests))
	for i, req := range f.requests {
		phases[i] = req.Phase
	}
	return phases
}

func okTool() *fakeTool {
	return &fakeTool{fn: func(_ context.Context, _ int, req ToolRequest) (ToolResult, error) {
		return ToolResult{Output: "work done\n" + PhaseCompleteMarker, ExitCode: 0}, nil
	}}
}

func codingPayload(t *testing.T, p CodingPayload) []byte {
	t.Helper()
	data, err := json.Marshal(p)
	require.NoError(t, err)
	return data
}

type fixedJudge struct {
	name  string
	score float64
	err   error
}

func (j *fixedJudge) Name() string { return j.name }

func (j *fixedJudge) Evaluate(_ context.Context, _ consensus.Request) (*consensus.Evaluation, error) {
	if j.err != nil {
		return nil, j.err
	}
	return &consensus.Evaluation{Judge: j.name, Score: j.score, TokensIn: 50, TokensOut: 25, USD: 0.005}, nil
}

func TestCodingExecuteAllPhasesSucceed(t *testing.T) {
	env := newExecEnv(t)
	payload := codingPayload(t, CodingPayload{
		Name:         "invoice service",
		Requirements: "expose POST /invoices",
		Workspace:    "/tmp/ws",
	})
	ec := env.newUnit(t, core.KindCodingTask, payload)

	tool := okTool()
	result, err := NewCodingExecutor(tool).Execute(context.Background(), ec)
	require.NoError(t, err)

	assert.InDelta(t, 1.0, result.Score, 1e-9)
	assert.True(t, result.Passed)
	assert.Equal(t, "3/3 phases succeeded, score 1.00", result.Summary)
	assert.Equal(t, []Phase{PhaseBuild, PhaseDeploy, PhaseTest}, tool.phasesSeen())
	assert.Equal(t, "/tmp/ws", tool.requests[0].Workspace)
	assert.Contains(t, tool.requests[0].Prompt, "expose POST /invoices")
	assert.Contains(t, tool.requests[0].Prompt, PhaseCompleteMarker)

	var detail CodingDetail
	require.NoError(t, json.Unmarshal(result.Detail, &detail))
	require.Len(t, detail.Phases, 3)
	for _, phase := range detail.Phases {
		assert.True(t, phase.Success, "phase %s", phase.Phase)
	}
	assert.Nil(t, detail.Consensus)
}

func TestCodingExecuteMissingMarkerFailsPhase(t *testing.T) {
	env := newExecEnv(t)
	ec := env.newUnit(t, core.KindCodingTask, codingPayload(t, CodingPayload{Requirements: "r"}))

	tool := &fakeTool{fn: func(_ context.Context, _ int, req ToolRequest) (ToolResult, error) {
		if req.Phase == PhaseTest {
			return ToolResult{Output: "2 of 5 assertions failed", ExitCode: 0}, nil
		}
		return ToolResult{Output: PhaseCompleteMarker, ExitCode: 0}, nil
	}}

	result, err := NewCodingExecutor(tool).Execute(context.Background(), ec)
	require.NoError(t, err)
	assert.InDelta(t, 0.6, result.Score, 1e-9)
	assert.False(t, result.Passed)

	var detail CodingDetail
	require.NoError(t, json.Unmarshal(result.Detail, &detail))
	assert.Equal(t, "completion marker not found in output", detail.Phases[2].Failure)
}

func TestCodingExecuteNonZeroExitFailsPhase(t *testing.T) {
	env := newExecEnv(t)
	ec := env.newUnit(t, core.KindCodingTask, codingPayload(t, CodingPayload{Requirements: "r"}))

	tool := &fakeTool{fn: func(_ context.Context, _ int, req ToolRequest) (ToolResult, error) {
		if req.Phase == PhaseDeploy {
			return ToolResult{Output: PhaseCompleteMarker, ExitCode: 2}, nil
		}
		return ToolResult{Output: PhaseCompleteMarker, ExitCode: 0}, nil
	}}

	result, err := NewCodingExecutor(tool).Execute(context.Background(), ec)
	require.NoError(t, err)
	assert.InDelta(t, 0.6, result.Score, 1e-9)

	var detail CodingDetail
	require.NoError(t, json.Unmarshal(result.Detail, &detail))
	assert.Equal(t, "agent exited with code 2", detail.Phases[1].Failure)
}

func TestCodingExecuteToolErrorFailsPhaseOnly(t *testing.T) {
	env := newExecEnv(t)
	ec := env.newUnit(t, core.KindCodingTask, codingPayload(t, CodingPayload{Requirements: "r"}))

	tool := &fakeTool{fn: func(_ context.Context, call int, _ ToolRequest) (ToolResult, error) {
		if call == 0 {
			return ToolResult{}, errors.New("agent crashed")
		}
		return ToolResult{Output: PhaseCompleteMarker, ExitCode: 0}, nil
	}}

	result, err := NewCodingExecutor(tool).Execute(context.Background(), ec)
	require.NoError(t, err, "a failing phase does not fail the unit")
	assert.InDelta(t, 0.8, result.Score, 1e-9)

	var detail CodingDetail
	require.NoError(t, json.Unmarshal(result.Detail, &detail))
	assert.False(t, detail.Phases[0].Success)
	assert.Equal(t, -1, detail.Phases[0].ExitCode)
	assert.Equal(t, "agent crashed", detail.Phases[0].Failure)
}

func TestCodingExecutePhaseTimeoutFailsPhaseOnly(t *testing.T) {
	env := newExecEnv(t)
	ec := env.newUnit(t, core.KindCodingTask, codingPayload(t, CodingPayload{Requirements: "r"}))

	tool := &fakeTool{fn: func(ctx context.Context, call int, _ ToolRequest) (ToolResult, error) {
		if call == 0 {
			<-ctx.Done()
			return ToolResult{}, ctx.Err()
		}
		return ToolResult{Output: PhaseCompleteMarker, ExitCode: 0}, nil
	}}
	x := NewCodingExecutor(tool, PhaseTimeout(30*time.Millisecond))

	result, err := x.Execute(context.Background(), ec)
	require.NoError(t, err)
	assert.InDelta(t, 0.8, result.Score, 1e-9)
}

func TestCodingExecuteTotalTimeoutAbortsUnit(t *testing.T) {
	env := newExecEnv(t)
	ec := env.newUnit(t, core.KindCodingTask, codingPayload(t, CodingPayload{Requirements: "r"}))

	tool := &fakeTool{fn: func(ctx context.Context, _ int, _ ToolRequest) (ToolResult, error) {
		<-ctx.Done()
		return ToolResult{}, ctx.Err()
	}}
	x := NewCodingExecutor(tool, TotalTimeout(40*time.Millisecond))

	_, err := x.Execute(context.Background(), ec)
	require.ErrorIs(t, err, context.DeadlineExceeded)
}

func TestCodingExecuteResumeSkipsCompletedPhases(t *testing.T) {
	env := newExecEnv(t)
	ctx := context.Background()
	ec := env.newUnit(t, core.KindCodingTask, codingPayload(t, CodingPayload{Requirements: "r"}))

	tool := &fakeTool{}
	tool.fn = func(_ context.Context, call int, _ ToolRequest) (ToolResult, error) {
		if call == 0 {
			require.NoError(t, env.st.RequestPause(ctx, ec.Unit.ID))
		}
		return ToolResult{Output: PhaseCompleteMarker, ExitCode: 0}, nil
	}
	x := NewCodingExecutor(tool)

	_, err := x.Execute(ctx, ec)
	require.ErrorIs(t, err, core.ErrPauseRequested)
	assert.Equal(t, []Phase{PhaseBuild}, tool.phasesSeen())

	cp, err := env.st.GetCheckpoint(ctx, ec.Unit.ID, string(PhaseBuild))
	require.NoError(t, err)
	require.NotNil(t, cp, "finished phase checkpointed before the pause")

	require.NoError(t, env.st.ClearPauseRequest(ctx, ec.Unit.ID))
	resumed := NewContext(ec.Unit, "slot-resume", env.st, env.bus, env.led, nil)

	result, err := x.Execute(ctx, resumed)
	require.NoError(t, err)
	assert.InDelta(t, 1.0, result.Score, 1e-9)
	assert.Equal(t, []Phase{PhaseBuild, PhaseDeploy, PhaseTest}, tool.phasesSeen(),
		"the build phase ran exactly once across both attempts")
}

func TestCodingExecutePanelVerdictBecomesScore(t *testing.T) {
	env := newExecEnv(t)
	ctx := context.Background()
	ec := env.newUnit(t, core.KindCodingTask, codingPayload(t, CodingPayload{
		Requirements: "r",
		Rubric:       []consensus.Criterion{{Name: "correctness", Weight: 1}},
	}))

	panel, err := consensus.NewPanel([]consensus.Judge{&fixedJudge{name: "gpt", score: 0.42}})
	require.NoError(t, err)
	x := NewCodingExecutor(okTool(), WithPanel(panel))

	result, err := x.Execute(ctx, ec)
	require.NoError(t, err)
	assert.InDelta(t, 0.42, result.Score, 1e-9)
	assert.False(t, result.Passed)

	var detail CodingDetail
	require.NoError(t, json.Unmarshal(result.Detail, &detail))
	require.NotNil(t, detail.Consensus)
	assert.InDelta(t, 0.42, detail.Consensus.Score, 1e-9)
	assert.InDelta(t, 1.0, detail.PhaseScore, 1e-9)

	// Judge spend lands on the call index after the three phases.
	next, err := env.st.NextCallIndex(ctx, ec.Unit.ID)
	require.NoError(t, err)
	assert.Equal(t, 4, next)

	cp, err := env.st.GetCheckpoint(ctx, ec.Unit.ID, "evaluate")
	require.NoError(t, err)
	assert.NotNil(t, cp, "verdict checkpointed for resume")
}

func TestCodingExecutePanelFallbackKeepsPhaseScore(t *testing.T) {
	env := newExecEnv(t)
	ec := env.newUnit(t, core.KindCodingTask, codingPayload(t, CodingPayload{Requirements: "r"}))

	panel, err := consensus.NewPanel([]consensus.Judge{&fixedJudge{name: "gpt", err: errors.New("quota")}})
	require.NoError(t, err)
	x := NewCodingExecutor(okTool(), WithPanel(panel))

	result, err := x.Execute(context.Background(), ec)
	require.NoError(t, err)
	assert.InDelta(t, 1.0, result.Score, 1e-9, "panel fallback keeps the phase-weight score")

	var detail CodingDetail
	require.NoError(t, json.Unmarshal(result.Detail, &detail))
	require.NotNil(t, detail.Consensus)
	assert.True(t, detail.Consensus.HeuristicFallback)
}

func TestCodingExecuteRequireConsensusFailsWithoutVerdict(t *testing.T) {
	env := newExecEnv(t)
	ec := env.newUnit(t, core.KindCodingTask, codingPayload(t, CodingPayload{Requirements: "r"}))

	panel, err := consensus.NewPanel([]consensus.Judge{&fixedJudge{name: "gpt", err: errors.New("quota")}})
	require.NoError(t, err)
	x := NewCodingExecutor(okTool(), WithPanel(panel), RequireConsensus())

	_, err = x.Execute(context.Background(), ec)
	require.ErrorIs(t, err, core.ErrJudgeUnavailable)
}

func TestCodingValidatePayload(t *testing.T) {
	x := NewCodingExecutor(okTool())

	assert.ErrorIs(t, x.ValidatePayload([]byte(`not json`)), core.ErrInvalidPayload)
	assert.ErrorIs(t, x.ValidatePayload([]byte(`{"requirements":"  "}`)), core.ErrInvalidPayload)
	assert.ErrorIs(t, x.ValidatePayload([]byte(`{"requirements":"r","rubric":[{"name":"","weight":1}]}`)), core.ErrInvalidPayload)
	assert.ErrorIs(t, x.ValidatePayload([]byte(`{"requirements":"r","rubric":[{"name":"style","weight":-1}]}`)), core.ErrInvalidPayload)
	assert.NoError(t, x.ValidatePayload([]byte(`{"requirements":"r","rubric":[{"name":"style","weight":0.5}]}`)))
	assert.Equal(t, core.KindCodingTask, x.Kind())
}

func TestCodingTranscriptJoinsPhases(t *testing.T) {
	text := transcript([]phaseOutcome{
		{Phase: "build", Output: "compiled"},
		{Phase: "deploy", Failure: "agent crashed"},
	})
	assert.Contains(t, text, "=== build ===\ncompiled")
	assert.Contains(t, text, "=== deploy ===\n(no output: agent crashed)")
}
