package core

import "time"

// BudgetStatus is the ledger's verdict on the run-wide spend.
type BudgetStatus string

const (
	BudgetOK       BudgetStatus = "ok"
	BudgetWarn     BudgetStatus = "warn"
	BudgetExceeded BudgetStatus = "exceeded"
)

// CostEntry is one recorded ledger delta. The (WorkUnitID, CallIndex) pair
// is the idempotency key: replaying a record for the same call is a no-op.
type CostEntry struct {
	ID         string    `gorm:"primaryKey;size:36"`
	RunID      string    `gorm:"index;size:26;not null"`
	WorkUnitID string    `gorm:"uniqueIndex:idx_cost_unit_call;size:36;not null"`
	CallIndex  int       `gorm:"uniqueIndex:idx_cost_unit_call;not null"`
	TokensIn   int64     `gorm:"default:0"`
	TokensOut  int64     `gorm:"default:0"`
	USD        float64   `gorm:"default:0"`
	CreatedAt  time.Time `gorm:"autoCreateTime"`
}

// CostTotals aggregates token and dollar spend.
type CostTotals struct {
	TokensIn  int64   `json:"tokens_in"`
	TokensOut int64   `json:"tokens_out"`
	USD       float64 `json:"estimated_usd"`
}

// Add returns the totals with a delta applied.
func (t CostTotals) Add(tokensIn, tokensOut int64, usd float64) CostTotals {
	return CostTotals{
		TokensIn:  t.TokensIn + tokensIn,
		TokensOut: t.TokensOut + tokensOut,
		USD:       t.USD + usd,
	}
}

// CostSummary is the run-level cost view returned to callers.
type CostSummary struct {
	RunID        string       `json:"run_id"`
	TokensIn     int64        `json:"tokens_in"`
	TokensOut    int64        `json:"tokens_out"`
	EstimatedUSD float64      `json:"estimated_usd"`
	Budget       BudgetStatus `json:"budget_status"`
}

// CostProfile holds per-million-token pricing for estimating dollar cost.
type CostProfile struct {
	InputPerMTok  float64 `yaml:"input_per_mtok" json:"input_per_mtok"`
	OutputPerMTok float64 `yaml:"output_per_mtok" json:"output_per_mtok"`
}

// Estimate converts token counts to dollars under this profile.
func (p CostProfile) Estimate(tokensIn, tokensOut int64) float64 {
	return float64(tokensIn)/1e6*p.InputPerMTok + float64(tokensOut)/1e6*p.OutputPerMTok
}

// DefaultCostProfile is used when a model has no configured pricing.
var DefaultCostProfile = CostProfile{InputPerMTok: 1.00, OutputPerMTok: 3.00}

// EstimateTokens approximates the token count of a text for callers without
// provider usage metadata (roughly four characters per token).
func EstimateTokens(text string) int64 {
	return int64(len(text) / 4)
}
