package main

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"os/exec"
	"sort"
	"strings"

	"github.com/benchwork/benchwork/pkg/config"
	"github.com/benchwork/benchwork/pkg/consensus"
	"github.com/benchwork/benchwork/pkg/core"
	"github.com/benchwork/benchwork/pkg/executor"
)

// envPhase tells a coding agent which phase it is running.
const envPhase = "BENCHWORK_PHASE"

// maxStderrInError bounds how much of a command's stderr ends up in an
// error message.
const maxStderrInError = 512

// ─── model client ──────────────────────────────────────────────────────────

// commandModel answers knowledge-test prompts through an external model
// CLI. The prompt is written to stdin and stdout is taken as the completion
// text. Token counts are left at zero so the executor estimates them.
type commandModel struct {
	argv []string
}

var _ executor.ModelClient = (*commandModel)(nil)

func newCommandModel(argv []string) *commandModel {
	return &commandModel{argv: argv}
}

func (m *commandModel) Complete(ctx context.Context, prompt string) (executor.ModelReply, error) {
	cmd := exec.CommandContext(ctx, m.argv[0], m.argv[1:]...)
	cmd.Stdin = strings.NewReader(prompt)
	var stderr bytes.Buffer
	cmd.Stderr = &stderr

	out, err := cmd.Output()
	if err != nil {
		if ctx.Err() != nil {
			return executor.ModelReply{}, ctx.Err()
		}
		return executor.ModelReply{}, fmt.Errorf("model command %s: %w%s",
			m.argv[0], err, stderrSuffix(stderr.String()))
	}
	return executor.ModelReply{Text: strings.TrimSpace(string(out))}, nil
}

// ─── agent tool ────────────────────────────────────────────────────────────

// commandAgent drives an external coding agent CLI. The phase prompt is
// written to stdin, the task workspace becomes the working directory and
// the phase name is exported as BENCHWORK_PHASE. Stdout and stderr are
// captured together because the executor scans the full transcript for the
// completion marker.
type commandAgent struct {
	argv []string
}

var _ executor.AgentTool = (*commandAgent)(nil)

func newCommandAgent(argv []string) *commandAgent {
	return &commandAgent{argv: argv}
}

func (a *commandAgent) Run(ctx context.Context, req executor.ToolRequest) (executor.ToolResult, error) {
	cmd := exec.CommandContext(ctx, a.argv[0], a.argv[1:]...)
	cmd.Stdin = strings.NewReader(req.Prompt)
	cmd.Dir = req.Workspace
	cmd.Env = append(os.Environ(), envPhase+"="+string(req.Phase))

	var output bytes.Buffer
	cmd.Stdout = &output
	cmd.Stderr = &output

	err := cmd.Run()
	if ctx.Err() != nil {
		return executor.ToolResult{}, ctx.Err()
	}
	var exitErr *exec.ExitError
	if errors.As(err, &exitErr) {
		// A nonzero exit is a failed phase, not a broken tool.
		return executor.ToolResult{Output: output.String(), ExitCode: exitErr.ExitCode()}, nil
	}
	if err != nil {
		return executor.ToolResult{}, fmt.Errorf("agent command %s: %w", a.argv[0], err)
	}
	return executor.ToolResult{Output: output.String()}, nil
}

// ─── judge ─────────────────────────────────────────────────────────────────

// judgeRequest is the JSON handed to a judge command on stdin.
type judgeRequest struct {
	Artifact     string                `json:"artifact"`
	Requirements string                `json:"requirements"`
	Criteria     []consensus.Criterion `json:"criteria,omitempty"`
}

// commandJudge scores artifacts through an external CLI. The request is
// written to stdin as JSON and stdout must be a JSON evaluation.
type commandJudge struct {
	name string
	argv []string
}

var _ consensus.Judge = (*commandJudge)(nil)

func newCommandJudge(name string, argv []string) *commandJudge {
	return &commandJudge{name: name, argv: argv}
}

func (j *commandJudge) Name() string { return j.name }

func (j *commandJudge) Evaluate(ctx context.Context, req consensus.Request) (*consensus.Evaluation, error) {
	input, err := json.Marshal(judgeRequest{
		Artifact:     req.Artifact,
		Requirements: req.Requirements,
		Criteria:     req.Criteria,
	})
	if err != nil {
		return nil, fmt.Errorf("encode judge request: %w", err)
	}

	cmd := exec.CommandContext(ctx, j.argv[0], j.argv[1:]...)
	cmd.Stdin = bytes.NewReader(input)
	var stderr bytes.Buffer
	cmd.Stderr = &stderr

	out, err := cmd.Output()
	if err != nil {
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		return nil, fmt.Errorf("judge command %s: %w%s",
			j.argv[0], err, stderrSuffix(stderr.String()))
	}

	var eval consensus.Evaluation
	if err := json.Unmarshal(out, &eval); err != nil {
		return nil, fmt.Errorf("decode judge verdict: %w", err)
	}
	eval.Judge = j.name
	return &eval, nil
}

func stderrSuffix(s string) string {
	s = strings.TrimSpace(s)
	if s == "" {
		return ""
	}
	if len(s) > maxStderrInError {
		s = s[:maxStderrInError]
	}
	return ": " + s
}

// ─── wiring ────────────────────────────────────────────────────────────────

// executorsFromConfig builds the executors the configured commands enable.
// A kind without a command is simply not registered, so submissions for it
// are rejected at the API boundary.
func executorsFromConfig(cfg config.Config, log *slog.Logger) ([]executor.Executor, error) {
	var execs []executor.Executor

	if len(cfg.Knowledge.Command) > 0 {
		opts := []executor.KnowledgeOption{}
		if cfg.Pricing != (core.CostProfile{}) {
			opts = append(opts, executor.KnowledgePricing(cfg.Pricing))
		}
		if d := cfg.Knowledge.QuestionTimeout.Std(); d > 0 {
			opts = append(opts, executor.QuestionTimeout(d))
		}
		if cfg.Knowledge.PassScore > 0 {
			opts = append(opts, executor.KnowledgePassScore(cfg.Knowledge.PassScore))
		}
		execs = append(execs, executor.NewKnowledgeExecutor(newCommandModel(cfg.Knowledge.Command), opts...))
	}

	if len(cfg.Coding.Command) > 0 {
		opts := []executor.CodingOption{}
		if cfg.Pricing != (core.CostProfile{}) {
			opts = append(opts, executor.CodingPricing(cfg.Pricing))
		}
		if d := cfg.Coding.PhaseTimeout.Std(); d > 0 {
			opts = append(opts, executor.PhaseTimeout(d))
		}
		if d := cfg.Coding.TotalTimeout.Std(); d > 0 {
			opts = append(opts, executor.TotalTimeout(d))
		}
		if cfg.Coding.PassScore > 0 {
			opts = append(opts, executor.CodingPassScore(cfg.Coding.PassScore))
		}
		if cfg.Coding.RequireConsensus {
			opts = append(opts, executor.RequireConsensus())
		}

		panel, err := panelFromConfig(cfg, log)
		if err != nil {
			return nil, err
		}
		if panel != nil {
			opts = append(opts, executor.WithPanel(panel))
		}

		execs = append(execs, executor.NewCodingExecutor(newCommandAgent(cfg.Coding.Command), opts...))
	}

	if len(execs) == 0 {
		return nil, errors.New("no executor commands configured; set knowledge.command or coding.command")
	}
	return execs, nil
}

// panelFromConfig builds the judge panel, or nil when no judge commands
// are configured.
func panelFromConfig(cfg config.Config, log *slog.Logger) (*consensus.Panel, error) {
	if len(cfg.Judges.Commands) == 0 {
		return nil, nil
	}

	names := make([]string, 0, len(cfg.Judges.Commands))
	for name := range cfg.Judges.Commands {
		names = append(names, name)
	}
	sort.Strings(names)

	judges := make([]consensus.Judge, 0, len(names))
	for _, name := range names {
		judges = append(judges, newCommandJudge(name, cfg.Judges.Commands[name]))
	}

	opts := []consensus.PanelOption{consensus.Logger(log)}
	if cfg.Judges.Method != "" {
		method, err := consensus.ParseMethod(cfg.Judges.Method)
		if err != nil {
			return nil, err
		}
		opts = append(opts, consensus.WithMethod(method))
	}
	if d := cfg.Judges.Timeout.Std(); d > 0 {
		opts = append(opts, consensus.JudgeTimeout(d))
	}
	for name, w := range cfg.Judges.Weights {
		opts = append(opts, consensus.Weight(name, w))
	}

	return consensus.NewPanel(judges, opts...)
}
