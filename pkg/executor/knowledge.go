package executor

import (
	"context"
	"encoding/json"
	"fmt"
	"regexp"
	"sort"
	"strings"
	"time"

	"github.com/benchwork/benchwork/pkg/core"
)

// DefaultQuestionTimeout bounds one model call for one question.
const DefaultQuestionTimeout = 2 * time.Minute

// DefaultPassScore is the fraction of available score a unit needs to pass.
const DefaultPassScore = 0.7

// AnswerUnknown is recorded when no answer letter could be extracted from a
// model reply.
const AnswerUnknown = "UNKNOWN"

// DefaultPromptTemplate asks for a leading answer letter so extraction
// stays cheap. {question} and {options} are substituted per question.
const DefaultPromptTemplate = `Answer the following multiple-choice question by selecting the BEST answer from the options provided.

Question: {question}

Options:
{options}

Important: your response must START with ONLY the letter of the correct answer (A, B, C, D, or E), optionally followed by an explanation.`

// ModelClient answers one prompt. Implementations call an external language
// model and must honor ctx cancellation.
type ModelClient interface {
	Complete(ctx context.Context, prompt string) (ModelReply, error)
}

// ModelReply is one model completion. Zero token counts make the executor
// estimate them from text length.
type ModelReply struct {
	Text      string
	TokensIn  int64
	TokensOut int64
}

// Question is one multiple-choice question in a knowledge test payload.
type Question struct {
	ID      string            `json:"id,omitempty"`
	Text    string            `json:"question"`
	Options map[string]string `json:"options"`
	Answer  string            `json:"correct_answer"`
	Domain  string            `json:"domain,omitempty"`
}

// KnowledgePayload is the payload shape for KindKnowledgeTest units.
type KnowledgePayload struct {
	Questions []Question `json:"questions"`
}

// DecodeKnowledgePayload parses and validates a knowledge test payload.
func DecodeKnowledgePayload(raw []byte) (*KnowledgePayload, error) {
	var payload KnowledgePayload
	if err := json.Unmarshal(raw, &payload); err != nil {
		return nil, fmt.Errorf("%w: %v", core.ErrInvalidPayload, err)
	}
	if len(payload.Questions) == 0 {
		return nil, fmt.Errorf("%w: no questions", core.ErrInvalidPayload)
	}
	for i, q := range payload.Questions {
		if strings.TrimSpace(q.Text) == "" {
			return nil, fmt.Errorf("%w: question %d has no text", core.ErrInvalidPayload, i)
		}
		if len(q.Options) == 0 {
			return nil, fmt.Errorf("%w: question %d has no options", core.ErrInvalidPayload, i)
		}
		if strings.TrimSpace(q.Answer) == "" {
			return nil, fmt.Errorf("%w: question %d has no correct answer", core.ErrInvalidPayload, i)
		}
	}
	return &payload, nil
}

// KnowledgeConfig holds knowledge executor tuning knobs.
type KnowledgeConfig struct {
	QuestionTimeout time.Duration
	PromptTemplate  string
	Pricing         core.CostProfile
	PassScore       float64
}

// KnowledgeOption configures a KnowledgeExecutor.
type KnowledgeOption interface {
	ApplyKnowledge(*KnowledgeConfig)
}

type knowledgeOptionFunc func(*KnowledgeConfig)

func (f knowledgeOptionFunc) ApplyKnowledge(c *KnowledgeConfig) { f(c) }

// QuestionTimeout bounds each model call.
func QuestionTimeout(d time.Duration) KnowledgeOption {
	return knowledgeOptionFunc(func(c *KnowledgeConfig) { c.QuestionTimeout = d })
}

// PromptTemplate replaces the question prompt. {question} and {options} are
// substituted per question.
func PromptTemplate(tmpl string) KnowledgeOption {
	return knowledgeOptionFunc(func(c *KnowledgeConfig) { c.PromptTemplate = tmpl })
}

// KnowledgePricing sets the per-million-token rates used to estimate spend.
func KnowledgePricing(p core.CostProfile) KnowledgeOption {
	return knowledgeOptionFunc(func(c *KnowledgeConfig) { c.Pricing = p })
}

// KnowledgePassScore sets the fraction of questions that must be correct
// for the unit to count as passed.
func KnowledgePassScore(v float64) KnowledgeOption {
	return knowledgeOptionFunc(func(c *KnowledgeConfig) { c.PassScore = v })
}

// KnowledgeExecutor runs multiple-choice questions against a model, one
// model call per question, checkpointing after each answer so a paused or
// resumed unit never re-asks answered questions.
type KnowledgeExecutor struct {
	client ModelClient
	config KnowledgeConfig
}

var _ Executor = (*KnowledgeExecutor)(nil)

// NewKnowledgeExecutor creates a knowledge test executor over the given
// model client.
func NewKnowledgeExecutor(client ModelClient, opts ...KnowledgeOption) *KnowledgeExecutor {
	config := KnowledgeConfig{
		QuestionTimeout: DefaultQuestionTimeout,
		PromptTemplate:  DefaultPromptTemplate,
		Pricing:         core.DefaultCostProfile,
		PassScore:       DefaultPassScore,
	}
	for _, opt := range opts {
		opt.ApplyKnowledge(&config)
	}
	return &KnowledgeExecutor{client: client, config: config}
}

// Kind returns KindKnowledgeTest.
func (x *KnowledgeExecutor) Kind() core.WorkKind { return core.KindKnowledgeTest }

// ValidatePayload checks the payload at submission time.
func (x *KnowledgeExecutor) ValidatePayload(raw []byte) error {
	_, err := DecodeKnowledgePayload(raw)
	return err
}

// DomainTally counts correct answers within one question domain.
type DomainTally struct {
	Correct int `json:"correct"`
	Total   int `json:"total"`
}

// KnowledgeDetail is the Detail structure of a knowledge test Result.
type KnowledgeDetail struct {
	Correct  int                    `json:"correct"`
	Total    int                    `json:"total"`
	ByDomain map[string]DomainTally `json:"by_domain,omitempty"`
}

// questionOutcome is the durable per-question checkpoint record. The cost
// for an answered question is recorded under the question's ordinal as call
// index, so replaying a half-finished question never double-counts.
type questionOutcome struct {
	Answer   string `json:"answer"`
	Expected string `json:"expected"`
	Correct  bool   `json:"correct"`
	Domain   string `json:"domain,omitempty"`
	Failure  string `json:"failure,omitempty"`
}

// Execute runs every question in order. Checkpoints sit between questions;
// a per-question timeout turns one slow model call into a wrong answer
// rather than a failed unit.
func (x *KnowledgeExecutor) Execute(ctx context.Context, ec *ExecContext) (*core.Result, error) {
	payload, err := DecodeKnowledgePayload(ec.Unit.Payload)
	if err != nil {
		return nil, err
	}

	total := len(payload.Questions)
	correct := 0
	byDomain := make(map[string]DomainTally)

	tally := func(q Question, outcome questionOutcome) {
		if outcome.Correct {
			correct++
		}
		domain := q.Domain
		if domain == "" {
			domain = "general"
		}
		d := byDomain[domain]
		d.Total++
		if outcome.Correct {
			d.Correct++
		}
		byDomain[domain] = d
	}

	ec.EmitLog(ctx, core.LevelInfo, fmt.Sprintf("running %d questions", total))

	for i, q := range payload.Questions {
		phase := fmt.Sprintf("question_%d", i)
		if err := ec.Check(ctx, phase); err != nil {
			return nil, err
		}

		if prev, done, err := LoadPhase[questionOutcome](ctx, ec, phase); err != nil {
			return nil, err
		} else if done {
			tally(q, prev)
			continue
		}

		ec.EmitProgress(ctx, "questions", i, total, q.ID)

		outcome, err := x.answer(ctx, ec, i, q)
		if err != nil {
			return nil, err
		}
		if err := ec.SavePhase(ctx, phase, outcome); err != nil {
			return nil, err
		}
		tally(q, outcome)

		mark := "correct"
		if !outcome.Correct {
			mark = "wrong"
		}
		ec.EmitLog(ctx, core.LevelInfo,
			fmt.Sprintf("Q%d: %s (expected=%s, got=%s)", i+1, mark, outcome.Expected, outcome.Answer))
	}

	ec.EmitProgress(ctx, "questions", total, total, "done")

	score := float64(correct) / float64(total)
	detail, err := json.Marshal(KnowledgeDetail{Correct: correct, Total: total, ByDomain: byDomain})
	if err != nil {
		return nil, err
	}
	return &core.Result{
		Score:   score,
		Passed:  score >= x.config.PassScore,
		Summary: fmt.Sprintf("%d/%d correct", correct, total),
		Detail:  detail,
	}, nil
}

// answer runs one model call for one question. Model failures and
// per-question timeouts yield a wrong answer and the run continues; only
// the unit-level context ending aborts the whole execution.
func (x *KnowledgeExecutor) answer(ctx context.Context, ec *ExecContext, index int, q Question) (questionOutcome, error) {
	expected := strings.ToUpper(strings.TrimSpace(q.Answer))
	outcome := questionOutcome{Expected: expected, Domain: q.Domain}

	prompt := x.buildPrompt(q)
	qctx, cancel := context.WithTimeout(ctx, x.config.QuestionTimeout)
	reply, err := x.client.Complete(qctx, prompt)
	cancel()

	if err != nil {
		if ctx.Err() != nil {
			return outcome, ctx.Err()
		}
		outcome.Answer = "ERROR"
		outcome.Failure = err.Error()
		ec.EmitLog(ctx, core.LevelWarn, fmt.Sprintf("Q%d model call failed: %v", index+1, err))
		return outcome, nil
	}

	tokensIn := reply.TokensIn
	if tokensIn == 0 {
		tokensIn = core.EstimateTokens(prompt)
	}
	tokensOut := reply.TokensOut
	if tokensOut == 0 {
		tokensOut = core.EstimateTokens(reply.Text)
	}
	usd := x.config.Pricing.Estimate(tokensIn, tokensOut)
	if _, err := ec.RecordCostAt(ctx, index, tokensIn, tokensOut, usd); err != nil {
		return outcome, err
	}

	outcome.Answer = ExtractAnswer(reply.Text)
	outcome.Correct = outcome.Answer == expected
	return outcome, nil
}

func (x *KnowledgeExecutor) buildPrompt(q Question) string {
	keys := make([]string, 0, len(q.Options))
	for k := range q.Options {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	var options strings.Builder
	for i, k := range keys {
		if i > 0 {
			options.WriteByte('\n')
		}
		fmt.Fprintf(&options, "%s. %s", k, q.Options[k])
	}

	return strings.NewReplacer(
		"{question}", q.Text,
		"{options}", options.String(),
	).Replace(x.config.PromptTemplate)
}

// answerPatterns match the common shapes model replies put the chosen
// letter in, tried in order.
var answerPatterns = []*regexp.Regexp{
	regexp.MustCompile(`(?im)^([A-E])\.`),
	regexp.MustCompile(`(?im)^([A-E])\)`),
	regexp.MustCompile(`(?im)^([A-E]):`),
	regexp.MustCompile(`(?im)^([A-E])\s`),
	regexp.MustCompile(`(?i)answer is ([A-E])`),
	regexp.MustCompile(`(?i)correct answer: ([A-E])`),
	regexp.MustCompile(`(?im)^([A-E])$`),
}

// ExtractAnswer pulls the chosen letter (A-E) out of a model reply, or
// AnswerUnknown when none is found.
func ExtractAnswer(response string) string {
	response = strings.TrimSpace(response)
	if response == "" {
		return AnswerUnknown
	}
	if first := strings.ToUpper(response[:1]); strings.Contains("ABCDE", first) {
		return first
	}
	for _, pattern := range answerPatterns {
		if m := pattern.FindStringSubmatch(response); m != nil {
			return strings.ToUpper(m[1])
		}
	}
	return AnswerUnknown
}
