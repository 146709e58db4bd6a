package consensus

import (
	"context"
	"fmt"
	"strings"
)

// Judge scores one artifact against its requirements. Implementations
// typically call an external LLM; they must honor ctx cancellation.
type Judge interface {
	// Name identifies the judge in results and exclusions. Names must be
	// unique within a panel.
	Name() string
	// Evaluate scores the request. A returned error excludes this judge
	// from the aggregate without failing the panel.
	Evaluate(ctx context.Context, req Request) (*Evaluation, error)
}

// Request is the material handed to every judge on the panel.
type Request struct {
	// Artifact is the produced output under evaluation, e.g. the transcript
	// of a coding task's phases.
	Artifact string
	// Requirements is the task statement the artifact is judged against.
	Requirements string
	// Criteria is the rubric. Empty means the judge scores holistically.
	Criteria []Criterion
}

// Criterion is one rubric dimension with its relative weight.
type Criterion struct {
	Name        string  `json:"name"`
	Weight      float64 `json:"weight"`
	Description string  `json:"description,omitempty"`
}

// CriterionScore is one judge's score for one rubric dimension, in [0,1].
type CriterionScore struct {
	Name      string  `json:"name"`
	Score     float64 `json:"score"`
	Weight    float64 `json:"weight"`
	Reasoning string  `json:"reasoning,omitempty"`
}

// Evaluation is a single judge's verdict.
//
// When Criteria is non-empty the panel recomputes Score as the weighted
// mean of the criterion scores, so judges only filling in criteria do not
// need to aggregate themselves.
type Evaluation struct {
	Judge      string           `json:"judge"`
	Score      float64          `json:"score"`
	Criteria   []CriterionScore `json:"criteria,omitempty"`
	Rationale  string           `json:"rationale,omitempty"`
	TokensIn   int64            `json:"tokens_in,omitempty"`
	TokensOut  int64            `json:"tokens_out,omitempty"`
	USD        float64          `json:"usd,omitempty"`
	DurationMS int64            `json:"duration_ms,omitempty"`
}

// Exclusion records a judge that produced no verdict and why.
type Exclusion struct {
	Judge  string `json:"judge"`
	Reason string `json:"reason"`
}

// Method names a way of combining surviving judge scores.
type Method string

const (
	// MethodAverage is the weight-adjusted mean of surviving scores.
	MethodAverage Method = "average"
	// MethodMajority takes the mode of scores rounded to the nearest 0.5,
	// breaking ties toward the higher score.
	MethodMajority Method = "majority"
	// MethodMin takes the lowest surviving score (strictest judge wins).
	MethodMin Method = "min"
	// MethodMax takes the highest surviving score.
	MethodMax Method = "max"
	// MethodMedian takes the middle surviving score.
	MethodMedian Method = "median"
)

func (m Method) valid() bool {
	switch m {
	case MethodAverage, MethodMajority, MethodMin, MethodMax, MethodMedian:
		return true
	}
	return false
}

// ParseMethod converts a configuration string into a Method.
func ParseMethod(s string) (Method, error) {
	m := Method(strings.ToLower(strings.TrimSpace(s)))
	if !m.valid() {
		return "", fmt.Errorf("benchwork: unknown consensus method %q", s)
	}
	return m, nil
}

// Result is the panel's combined verdict.
type Result struct {
	Score  float64 `json:"score"`
	Method Method  `json:"method"`

	// Evaluations holds the surviving per-judge verdicts; Excluded the
	// judges that errored or timed out.
	Evaluations []Evaluation `json:"evaluations"`
	Excluded    []Exclusion  `json:"excluded,omitempty"`

	// Criteria averages each rubric dimension across surviving judges.
	Criteria []CriterionScore `json:"criteria,omitempty"`

	// Variance is the population variance of surviving scores;
	// MaxDisagreement the largest pairwise score gap.
	Variance        float64 `json:"variance"`
	MaxDisagreement float64 `json:"max_disagreement"`

	// Rationale concatenates the per-judge rationales, each tagged with
	// the judge's name.
	Rationale string `json:"rationale,omitempty"`

	// HeuristicFallback is set when every judge was excluded and Score
	// came from the panel's heuristic instead.
	HeuristicFallback bool `json:"heuristic_fallback,omitempty"`

	// Spend of the judging itself, summed over surviving judges.
	TokensIn  int64   `json:"tokens_in"`
	TokensOut int64   `json:"tokens_out"`
	USD       float64 `json:"usd"`
}
