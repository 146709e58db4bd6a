package executor

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/benchwork/benchwork/pkg/consensus"
	"github.com/benchwork/benchwork/pkg/core"
)

// DefaultPhaseTimeout bounds one agent tool invocation.
const DefaultPhaseTimeout = 10 * time.Minute

// DefaultTotalTimeout bounds a whole coding task across all phases.
const DefaultTotalTimeout = 30 * time.Minute

// PhaseCompleteMarker is the line an agent must print for a phase to count
// as succeeded. Exit code zero without the marker is treated as failure,
// since agents routinely exit cleanly after giving up.
const PhaseCompleteMarker = "PHASE COMPLETE"

// maxPhaseTranscript caps how much agent output one checkpoint stores.
const maxPhaseTranscript = 64 << 10

// Phase is one ordered step of a coding task.
type Phase string

const (
	PhaseBuild  Phase = "build"
	PhaseDeploy Phase = "deploy"
	PhaseTest   Phase = "test"

	// evaluatePhase checkpoints the judge verdict so a resumed unit does
	// not re-run the panel.
	evaluatePhase = "evaluate"
)

// Phases returns the coding phases in execution order.
func Phases() []Phase {
	return []Phase{PhaseBuild, PhaseDeploy, PhaseTest}
}

// phaseWeights drive the evaluation when no judge panel is configured.
// Deployment and tests dominate; a clean build carries the remainder.
var phaseWeights = map[Phase]float64{
	PhaseBuild:  0.2,
	PhaseDeploy: 0.4,
	PhaseTest:   0.4,
}

var phaseInstructions = map[Phase]string{
	PhaseBuild:  "Implement the solution described by the requirements. Create or modify every file needed for a working build.",
	PhaseDeploy: "Deploy the implementation produced in the build phase so it is running and reachable.",
	PhaseTest:   "Exercise the deployed implementation and verify it satisfies every requirement.",
}

// AgentTool runs one phase of a coding task through an external coding
// agent. Implementations must honor ctx cancellation; the executor never
// kills external processes itself.
type AgentTool interface {
	Run(ctx context.Context, req ToolRequest) (ToolResult, error)
}

// ToolRequest is one agent invocation.
type ToolRequest struct {
	Phase     Phase
	Prompt    string
	Workspace string
}

// ToolResult is what an agent invocation produced. Zero token counts make
// the executor estimate them from text length.
type ToolResult struct {
	Output    string
	ExitCode  int
	TokensIn  int64
	TokensOut int64
}

// CodingPayload is the payload shape for KindCodingTask units.
type CodingPayload struct {
	Name         string                `json:"name,omitempty"`
	Requirements string                `json:"requirements"`
	Workspace    string                `json:"workspace,omitempty"`
	Rubric       []consensus.Criterion `json:"rubric,omitempty"`
}

// DecodeCodingPayload parses and validates a coding task payload.
func DecodeCodingPayload(raw []byte) (*CodingPayload, error) {
	var payload CodingPayload
	if err := json.Unmarshal(raw, &payload); err != nil {
		return nil, fmt.Errorf("%w: %v", core.ErrInvalidPayload, err)
	}
	if strings.TrimSpace(payload.Requirements) == "" {
		return nil, fmt.Errorf("%w: requirements are empty", core.ErrInvalidPayload)
	}
	for i, c := range payload.Rubric {
		if strings.TrimSpace(c.Name) == "" {
			return nil, fmt.Errorf("%w: rubric criterion %d has no name", core.ErrInvalidPayload, i)
		}
		if c.Weight < 0 {
			return nil, fmt.Errorf("%w: rubric criterion %q has negative weight", core.ErrInvalidPayload, c.Name)
		}
	}
	return &payload, nil
}

// CodingConfig holds coding executor tuning knobs.
type CodingConfig struct {
	PhaseTimeout time.Duration
	TotalTimeout time.Duration
	Pricing      core.CostProfile
	PassScore    float64

	// Panel, when set, judges the finished task's transcript and its score
	// replaces the phase-weight score.
	Panel *consensus.Panel

	// RequireConsensus fails the unit when the panel cannot produce a
	// verdict, instead of falling back to the phase-weight score.
	RequireConsensus bool
}

// CodingOption configures a CodingExecutor.
type CodingOption interface {
	ApplyCoding(*CodingConfig)
}

type codingOptionFunc func(*CodingConfig)

func (f codingOptionFunc) ApplyCoding(c *CodingConfig) { f(c) }

// PhaseTimeout bounds each agent invocation.
func PhaseTimeout(d time.Duration) CodingOption {
	return codingOptionFunc(func(c *CodingConfig) { c.PhaseTimeout = d })
}

// TotalTimeout bounds the whole task across phases and judging.
func TotalTimeout(d time.Duration) CodingOption {
	return codingOptionFunc(func(c *CodingConfig) { c.TotalTimeout = d })
}

// CodingPricing sets the per-million-token rates used to estimate spend.
func CodingPricing(p core.CostProfile) CodingOption {
	return codingOptionFunc(func(c *CodingConfig) { c.Pricing = p })
}

// CodingPassScore sets the score a task needs to count as passed.
func CodingPassScore(v float64) CodingOption {
	return codingOptionFunc(func(c *CodingConfig) { c.PassScore = v })
}

// WithPanel attaches a judge panel that scores the finished task.
func WithPanel(p *consensus.Panel) CodingOption {
	return codingOptionFunc(func(c *CodingConfig) { c.Panel = p })
}

// RequireConsensus makes a panel verdict mandatory: if every judge fails,
// the unit fails with a judge_unavailable error instead of falling back to
// the phase-weight score.
func RequireConsensus() CodingOption {
	return codingOptionFunc(func(c *CodingConfig) { c.RequireConsensus = true })
}

// CodingExecutor drives an external coding agent through the ordered
// build, deploy and test phases, checkpointing after each phase so a
// paused, resumed or retried unit never re-runs a finished phase. An
// optional judge panel turns the collected transcript into the final score.
type CodingExecutor struct {
	tool   AgentTool
	config CodingConfig
}

var _ Executor = (*CodingExecutor)(nil)

// NewCodingExecutor creates a coding task executor over the given agent
// tool.
func NewCodingExecutor(tool AgentTool, opts ...CodingOption) *CodingExecutor {
	config := CodingConfig{
		PhaseTimeout: DefaultPhaseTimeout,
		TotalTimeout: DefaultTotalTimeout,
		Pricing:      core.DefaultCostProfile,
		PassScore:    DefaultPassScore,
	}
	for _, opt := range opts {
		opt.ApplyCoding(&config)
	}
	return &CodingExecutor{tool: tool, config: config}
}

// Kind returns KindCodingTask.
func (x *CodingExecutor) Kind() core.WorkKind { return core.KindCodingTask }

// ValidatePayload checks the payload at submission time.
func (x *CodingExecutor) ValidatePayload(raw []byte) error {
	_, err := DecodeCodingPayload(raw)
	return err
}

// PhaseReport is one phase's outcome inside a coding Result's Detail.
type PhaseReport struct {
	Phase      string `json:"phase"`
	Success    bool   `json:"success"`
	ExitCode   int    `json:"exit_code"`
	Failure    string `json:"failure,omitempty"`
	DurationMS int64  `json:"duration_ms"`
}

// CodingDetail is the Detail structure of a coding task Result.
type CodingDetail struct {
	Phases     []PhaseReport     `json:"phases"`
	PhaseScore float64           `json:"phase_score"`
	Consensus  *consensus.Result `json:"consensus,omitempty"`
}

// phaseOutcome is the durable per-phase checkpoint record. Output is kept
// so a judge panel run after a resume still sees the full transcript.
type phaseOutcome struct {
	Phase      string `json:"phase"`
	Success    bool   `json:"success"`
	ExitCode   int    `json:"exit_code"`
	Output     string `json:"output,omitempty"`
	Failure    string `json:"failure,omitempty"`
	DurationMS int64  `json:"duration_ms"`
}

// Execute runs the phases in order under the total deadline, then scores
// the task. An agent failure or per-phase timeout marks that phase failed
// and moves on; only the unit-level context ending aborts the execution.
func (x *CodingExecutor) Execute(ctx context.Context, ec *ExecContext) (*core.Result, error) {
	payload, err := DecodeCodingPayload(ec.Unit.Payload)
	if err != nil {
		return nil, err
	}

	octx, cancel := context.WithTimeout(ctx, x.config.TotalTimeout)
	defer cancel()

	phases := Phases()
	outcomes := make([]phaseOutcome, 0, len(phases))

	for i, phase := range phases {
		if err := ec.Check(octx, string(phase)); err != nil {
			return nil, err
		}

		if prev, done, err := LoadPhase[phaseOutcome](octx, ec, string(phase)); err != nil {
			return nil, err
		} else if done {
			outcomes = append(outcomes, prev)
			continue
		}

		ec.EmitProgress(octx, "phases", i, len(phases), string(phase))

		outcome, err := x.runPhase(octx, ec, i, phase, payload)
		if err != nil {
			return nil, err
		}
		if err := ec.SavePhase(octx, string(phase), outcome); err != nil {
			return nil, err
		}
		outcomes = append(outcomes, outcome)

		if outcome.Success {
			ec.EmitLog(octx, core.LevelInfo, fmt.Sprintf("phase %s succeeded", phase))
		} else {
			ec.EmitLog(octx, core.LevelWarn,
				fmt.Sprintf("phase %s failed (exit=%d): %s", phase, outcome.ExitCode, outcome.Failure))
		}
	}

	ec.EmitProgress(octx, "phases", len(phases), len(phases), "evaluating")

	return x.evaluate(octx, ec, payload, outcomes)
}

// runPhase performs one agent invocation under the per-phase timeout.
func (x *CodingExecutor) runPhase(ctx context.Context, ec *ExecContext, index int, phase Phase, payload *CodingPayload) (phaseOutcome, error) {
	outcome := phaseOutcome{Phase: string(phase)}

	prompt := x.phasePrompt(phase, payload)
	start := time.Now()

	pctx, cancel := context.WithTimeout(ctx, x.config.PhaseTimeout)
	res, err := x.tool.Run(pctx, ToolRequest{
		Phase:     phase,
		Prompt:    prompt,
		Workspace: payload.Workspace,
	})
	cancel()

	outcome.DurationMS = time.Since(start).Milliseconds()

	if err != nil {
		if ctx.Err() != nil {
			return outcome, ctx.Err()
		}
		outcome.ExitCode = -1
		outcome.Failure = err.Error()
		return outcome, nil
	}

	tokensIn := res.TokensIn
	if tokensIn == 0 {
		tokensIn = core.EstimateTokens(prompt)
	}
	tokensOut := res.TokensOut
	if tokensOut == 0 {
		tokensOut = core.EstimateTokens(res.Output)
	}
	usd := x.config.Pricing.Estimate(tokensIn, tokensOut)
	if _, err := ec.RecordCostAt(ctx, index, tokensIn, tokensOut, usd); err != nil {
		return outcome, err
	}

	outcome.ExitCode = res.ExitCode
	outcome.Output = truncateTranscript(res.Output)
	outcome.Success = res.ExitCode == 0 && strings.Contains(res.Output, PhaseCompleteMarker)
	if !outcome.Success && outcome.Failure == "" {
		if res.ExitCode != 0 {
			outcome.Failure = fmt.Sprintf("agent exited with code %d", res.ExitCode)
		} else {
			outcome.Failure = "completion marker not found in output"
		}
	}
	return outcome, nil
}

// evaluate turns the collected phase outcomes into the final Result, by
// judge panel when one is configured and by phase weights otherwise.
func (x *CodingExecutor) evaluate(ctx context.Context, ec *ExecContext, payload *CodingPayload, outcomes []phaseOutcome) (*core.Result, error) {
	phaseScore := 0.0
	succeeded := 0
	reports := make([]PhaseReport, len(outcomes))
	for i, o := range outcomes {
		reports[i] = PhaseReport{
			Phase:      o.Phase,
			Success:    o.Success,
			ExitCode:   o.ExitCode,
			Failure:    o.Failure,
			DurationMS: o.DurationMS,
		}
		if o.Success {
			succeeded++
			phaseScore += phaseWeights[Phase(o.Phase)]
		}
	}

	detail := CodingDetail{Phases: reports, PhaseScore: phaseScore}
	score := phaseScore

	if x.config.Panel != nil {
		verdict, err := x.judge(ctx, ec, payload, outcomes)
		if err != nil {
			return nil, err
		}
		detail.Consensus = verdict
		if verdict.HeuristicFallback {
			if x.config.RequireConsensus {
				return nil, fmt.Errorf("%w: consensus verdict required", core.ErrJudgeUnavailable)
			}
			ec.EmitLog(ctx, core.LevelWarn, "judge panel unavailable, scoring by phase outcomes")
		} else {
			score = verdict.Score
		}
	}

	data, err := json.Marshal(detail)
	if err != nil {
		return nil, err
	}
	return &core.Result{
		Score:   score,
		Passed:  score >= x.config.PassScore,
		Summary: fmt.Sprintf("%d/%d phases succeeded, score %.2f", succeeded, len(outcomes), score),
		Detail:  data,
	}, nil
}

// judge runs the panel over the task transcript, checkpointing the verdict
// so a resumed unit does not re-judge. Judge spend is recorded under the
// call index after the phases.
func (x *CodingExecutor) judge(ctx context.Context, ec *ExecContext, payload *CodingPayload, outcomes []phaseOutcome) (*consensus.Result, error) {
	if prev, done, err := LoadPhase[consensus.Result](ctx, ec, evaluatePhase); err != nil {
		return nil, err
	} else if done {
		return &prev, nil
	}

	verdict, err := x.config.Panel.Evaluate(ctx, consensus.Request{
		Artifact:     transcript(outcomes),
		Requirements: payload.Requirements,
		Criteria:     payload.Rubric,
	})
	if err != nil {
		return nil, err
	}

	// A fallback verdict carries no judge spend and is not checkpointed, so
	// a resumed unit judges again.
	if !verdict.HeuristicFallback {
		if _, err := ec.RecordCostAt(ctx, len(Phases()), verdict.TokensIn, verdict.TokensOut, verdict.USD); err != nil {
			return nil, err
		}
		if err := ec.SavePhase(ctx, evaluatePhase, verdict); err != nil {
			return nil, err
		}
	}
	return verdict, nil
}

func (x *CodingExecutor) phasePrompt(phase Phase, payload *CodingPayload) string {
	var b strings.Builder
	if payload.Name != "" {
		fmt.Fprintf(&b, "Task: %s\n\n", payload.Name)
	}
	fmt.Fprintf(&b, "Requirements:\n%s\n\n", payload.Requirements)
	fmt.Fprintf(&b, "Current phase: %s. %s\n\n", phase, phaseInstructions[phase])
	fmt.Fprintf(&b, "When the phase is fully done, print %q on its own line.", PhaseCompleteMarker)
	return b.String()
}

// transcript joins the phase outputs into the artifact handed to judges.
func transcript(outcomes []phaseOutcome) string {
	var b strings.Builder
	for i, o := range outcomes {
		if i > 0 {
			b.WriteString("\n\n")
		}
		fmt.Fprintf(&b, "=== %s ===\n", o.Phase)
		if o.Output != "" {
			b.WriteString(o.Output)
		} else if o.Failure != "" {
			fmt.Fprintf(&b, "(no output: %s)", o.Failure)
		}
	}
	return b.String()
}

func truncateTranscript(s string) string {
	if len(s) <= maxPhaseTranscript {
		return s
	}
	return s[:maxPhaseTranscript] + "\n[truncated]"
}
