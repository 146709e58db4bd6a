package consensus

import (
	"context"
	"fmt"
	"log/slog"
	"math"
	"sort"
	"sync"
	"time"

	"github.com/benchwork/benchwork/pkg/core"
)

// DefaultJudgeTimeout bounds one judge's evaluation.
const DefaultJudgeTimeout = 2 * time.Minute

// HeuristicFunc produces a deterministic score when every judge is
// unavailable.
type HeuristicFunc func(Request) float64

// DefaultHeuristic scores zero, matching "no verdict". Panels that prefer a
// content-based fallback install their own with Heuristic.
func DefaultHeuristic(Request) float64 { return 0 }

// PanelConfig holds panel tuning knobs.
type PanelConfig struct {
	Method       Method
	JudgeTimeout time.Duration
	Weights      map[string]float64
	Heuristic    HeuristicFunc
	Logger       *slog.Logger
}

// PanelOption configures a Panel.
type PanelOption interface {
	ApplyPanel(*PanelConfig)
}

type panelOptionFunc func(*PanelConfig)

func (f panelOptionFunc) ApplyPanel(c *PanelConfig) { f(c) }

// WithMethod sets the aggregation method.
func WithMethod(m Method) PanelOption {
	return panelOptionFunc(func(c *PanelConfig) { c.Method = m })
}

// JudgeTimeout bounds each judge's individual evaluation.
func JudgeTimeout(d time.Duration) PanelOption {
	return panelOptionFunc(func(c *PanelConfig) { c.JudgeTimeout = d })
}

// Weight sets a judge's relative weight for the average method. Judges
// without an explicit weight count as 1.
func Weight(judge string, w float64) PanelOption {
	return panelOptionFunc(func(c *PanelConfig) {
		if c.Weights == nil {
			c.Weights = make(map[string]float64)
		}
		c.Weights[judge] = w
	})
}

// Heuristic replaces the all-judges-failed fallback score.
func Heuristic(fn HeuristicFunc) PanelOption {
	return panelOptionFunc(func(c *PanelConfig) { c.Heuristic = fn })
}

// Logger sets the panel's logger. A nil logger disables logging.
func Logger(log *slog.Logger) PanelOption {
	return panelOptionFunc(func(c *PanelConfig) { c.Logger = log })
}

type member struct {
	judge  Judge
	weight float64
}

// Panel fans one evaluation request out to every judge concurrently and
// combines the surviving verdicts.
type Panel struct {
	members   []member
	method    Method
	timeout   time.Duration
	heuristic HeuristicFunc
	log       *slog.Logger
}

// NewPanel creates a Panel over the given judges. Judge names must be
// unique; at least one judge is required.
func NewPanel(judges []Judge, opts ...PanelOption) (*Panel, error) {
	config := PanelConfig{
		Method:       MethodAverage,
		JudgeTimeout: DefaultJudgeTimeout,
		Heuristic:    DefaultHeuristic,
	}
	for _, opt := range opts {
		opt.ApplyPanel(&config)
	}
	if config.Logger == nil {
		config.Logger = slog.New(slog.DiscardHandler)
	}
	if config.Heuristic == nil {
		config.Heuristic = DefaultHeuristic
	}

	if len(judges) == 0 {
		return nil, fmt.Errorf("%w: panel requires at least one judge", core.ErrJudgeUnavailable)
	}
	if !config.Method.valid() {
		return nil, fmt.Errorf("benchwork: unknown consensus method %q", config.Method)
	}

	members := make([]member, 0, len(judges))
	seen := make(map[string]bool, len(judges))
	for _, j := range judges {
		name := j.Name()
		if seen[name] {
			return nil, fmt.Errorf("benchwork: duplicate judge name %q", name)
		}
		seen[name] = true

		w := 1.0
		if cw, ok := config.Weights[name]; ok {
			if cw <= 0 {
				return nil, fmt.Errorf("benchwork: judge %q weight must be positive", name)
			}
			w = cw
		}
		members = append(members, member{judge: j, weight: w})
	}

	return &Panel{
		members:   members,
		method:    config.Method,
		timeout:   config.JudgeTimeout,
		heuristic: config.Heuristic,
		log:       config.Logger,
	}, nil
}

// Method returns the panel's aggregation method.
func (p *Panel) Method() Method { return p.method }

// Size returns the number of judges on the panel.
func (p *Panel) Size() int { return len(p.members) }

type verdict struct {
	index int
	eval  *Evaluation
	err   error
}

// Evaluate runs every judge concurrently, each bounded by the panel's judge
// timeout, and aggregates the survivors. Judges that error or time out are
// excluded, not zero-scored. It returns an error only when ctx itself ends.
func (p *Panel) Evaluate(ctx context.Context, req Request) (*Result, error) {
	verdicts := make(chan verdict, len(p.members))
	var wg sync.WaitGroup

	for i, m := range p.members {
		wg.Add(1)
		go func(i int, m member) {
			defer wg.Done()
			jctx, cancel := context.WithTimeout(ctx, p.timeout)
			defer cancel()

			started := time.Now()
			eval, err := m.judge.Evaluate(jctx, req)
			if err == nil && eval == nil {
				err = fmt.Errorf("judge returned no evaluation")
			}
			if err != nil {
				verdicts <- verdict{index: i, err: err}
				return
			}
			eval.Judge = m.judge.Name()
			if eval.DurationMS == 0 {
				eval.DurationMS = time.Since(started).Milliseconds()
			}
			if len(eval.Criteria) > 0 {
				eval.Score = weightedCriteriaMean(eval.Criteria)
			}
			eval.Score = clamp01(eval.Score)
			verdicts <- verdict{index: i, eval: eval}
		}(i, m)
	}

	wg.Wait()
	close(verdicts)

	if ctx.Err() != nil {
		return nil, ctx.Err()
	}

	collected := make([]verdict, 0, len(p.members))
	for v := range verdicts {
		collected = append(collected, v)
	}
	// Judges finish in arbitrary order; results stay in panel order.
	sort.Slice(collected, func(a, b int) bool { return collected[a].index < collected[b].index })

	return p.combine(req, collected), nil
}

func (p *Panel) combine(req Request, collected []verdict) *Result {
	result := &Result{Method: p.method}

	var survivors []Evaluation
	var weights []float64
	for _, v := range collected {
		name := p.members[v.index].judge.Name()
		if v.err != nil {
			p.log.Warn("judge excluded from consensus", "judge", name, "error", v.err)
			result.Excluded = append(result.Excluded, Exclusion{
				Judge:  name,
				Reason: fmt.Sprintf("%s: %v", core.FailureJudgeUnavailable, v.err),
			})
			continue
		}
		survivors = append(survivors, *v.eval)
		weights = append(weights, p.members[v.index].weight)

		result.TokensIn += v.eval.TokensIn
		result.TokensOut += v.eval.TokensOut
		result.USD += v.eval.USD
	}
	result.Evaluations = survivors

	if len(survivors) == 0 {
		result.Score = clamp01(p.heuristic(req))
		result.HeuristicFallback = true
		p.log.Warn("all judges excluded, falling back to heuristic score",
			"score", result.Score, "excluded", len(result.Excluded))
		return result
	}

	scores := make([]float64, len(survivors))
	for i, e := range survivors {
		scores[i] = e.Score
	}

	switch p.method {
	case MethodAverage:
		result.Score = weightedMean(scores, weights)
	case MethodMajority:
		result.Score = majority(scores)
	case MethodMin:
		result.Score = minScore(scores)
	case MethodMax:
		result.Score = maxScore(scores)
	case MethodMedian:
		result.Score = median(scores)
	}

	if len(scores) > 1 {
		result.Variance = variance(scores)
		result.MaxDisagreement = maxScore(scores) - minScore(scores)
	}
	result.Criteria = aggregateCriteria(survivors)
	result.Rationale = mergeRationales(survivors)
	return result
}

// weightedCriteriaMean folds a judge's criterion scores into one overall
// score. Zero weights fall back to a plain mean.
func weightedCriteriaMean(criteria []CriterionScore) float64 {
	var sum, weightSum float64
	for _, c := range criteria {
		w := c.Weight
		if w < 0 {
			w = 0
		}
		sum += c.Score * w
		weightSum += w
	}
	if weightSum == 0 {
		for _, c := range criteria {
			sum += c.Score
		}
		return sum / float64(len(criteria))
	}
	return sum / weightSum
}

func weightedMean(scores, weights []float64) float64 {
	var sum, weightSum float64
	for i, s := range scores {
		sum += s * weights[i]
		weightSum += weights[i]
	}
	return sum / weightSum
}

// majority takes the mode of scores rounded to the nearest 0.5; when two
// rounded scores are equally common the higher one wins.
func majority(scores []float64) float64 {
	counts := make(map[float64]int, len(scores))
	for _, s := range scores {
		counts[roundHalf(s)]++
	}
	best, bestCount := 0.0, 0
	for score, count := range counts {
		if count > bestCount || (count == bestCount && score > best) {
			best, bestCount = score, count
		}
	}
	return best
}

func roundHalf(s float64) float64 {
	return math.Round(s*2) / 2
}

func minScore(scores []float64) float64 {
	m := scores[0]
	for _, s := range scores[1:] {
		if s < m {
			m = s
		}
	}
	return m
}

func maxScore(scores []float64) float64 {
	m := scores[0]
	for _, s := range scores[1:] {
		if s > m {
			m = s
		}
	}
	return m
}

func median(scores []float64) float64 {
	sorted := append([]float64(nil), scores...)
	sort.Float64s(sorted)
	mid := len(sorted) / 2
	if len(sorted)%2 == 0 {
		return (sorted[mid-1] + sorted[mid]) / 2
	}
	return sorted[mid]
}

func variance(scores []float64) float64 {
	var mean float64
	for _, s := range scores {
		mean += s
	}
	mean /= float64(len(scores))

	var sum float64
	for _, s := range scores {
		sum += (s - mean) * (s - mean)
	}
	return sum / float64(len(scores))
}

// aggregateCriteria averages each rubric dimension across the judges that
// scored it, keeping the first judge's weight and panel criterion order.
func aggregateCriteria(survivors []Evaluation) []CriterionScore {
	var order []string
	byName := make(map[string][]CriterionScore)
	for _, e := range survivors {
		for _, c := range e.Criteria {
			if _, ok := byName[c.Name]; !ok {
				order = append(order, c.Name)
			}
			byName[c.Name] = append(byName[c.Name], c)
		}
	}

	aggregated := make([]CriterionScore, 0, len(order))
	for _, name := range order {
		scored := byName[name]
		var sum float64
		reasonings := make([]string, 0, 2)
		for _, c := range scored {
			sum += c.Score
			if c.Reasoning != "" && len(reasonings) < 2 {
				reasonings = append(reasonings, c.Reasoning)
			}
		}
		aggregated = append(aggregated, CriterionScore{
			Name:      name,
			Score:     sum / float64(len(scored)),
			Weight:    scored[0].Weight,
			Reasoning: joinReasonings(reasonings),
		})
	}
	return aggregated
}

func joinReasonings(parts []string) string {
	switch len(parts) {
	case 0:
		return ""
	case 1:
		return parts[0]
	default:
		return parts[0] + "; " + parts[1]
	}
}

func mergeRationales(survivors []Evaluation) string {
	merged := ""
	for _, e := range survivors {
		if e.Rationale == "" {
			continue
		}
		if merged != "" {
			merged += "\n\n"
		}
		merged += "[" + e.Judge + "] " + e.Rationale
	}
	return merged
}

func clamp01(v float64) float64 {
	if v < 0 {
		return 0
	}
	if v > 1 {
		return 1
	}
	return v
}
