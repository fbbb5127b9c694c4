package domain

import (
	"encoding/json"
	"time"
)

// Experiment is one proposed rate-plan change under evaluation. The input
// definition is immutable; Results is written exactly once by a successful
// backtest run and fully overwritten on retry.
type Experiment struct {
	ID         string     `json:"id"`
	TenantID   string     `json:"tenant_id"`
	RatePlanID string     `json:"rate_plan_id"`
	Name       string     `json:"name"`
	CohortSQL  string     `json:"cohort_sql"`
	ParamPatch ParamPatch `json:"param_patch"`

	BacktestFrom string `json:"backtest_from"` // ISO date, inclusive
	BacktestTo   string `json:"backtest_to"`   // ISO date, inclusive

	Results *BacktestResult `json:"results,omitempty"`
	Status  string          `json:"status"`

	CreatedBy string    `json:"created_by,omitempty"`
	CreatedAt time.Time `json:"created_at,omitempty"`
}

// Experiment lifecycle status values.
const (
	ExperimentQueued   = "queued"
	ExperimentRunning  = "running"
	ExperimentComplete = "complete"
	ExperimentFailed   = "failed"
)

// BacktestResult is the full outcome of one backtest run. It replaces any
// prior result for the same experiment; never partially merged.
type BacktestResult struct {
	KPIs     KPIs           `json:"kpis"`
	Segments Segments       `json:"segments"`
	Winners  []PolicyDelta  `json:"winners"`
	Losers   []PolicyDelta  `json:"losers"`
	Fairness FairnessChecks `json:"fairness_checks"`
	Charts   Charts         `json:"charts"`
	Audit    Audit          `json:"audit"`
}

// KPIs holds portfolio-level impact estimates.
type KPIs struct {
	Portfolio PortfolioKPIs `json:"portfolio"`
}

// PortfolioKPIs summarize the impact of the candidate plan over the cohort.
// Earned premium is treated as unchanged by rate-plan changes in this model,
// so lr_candidate equals lr_base unless losses differ. Combined ratio is
// currently identical to loss ratio pending expense-ratio modeling.
type PortfolioKPIs struct {
	DeltaWritten     float64 `json:"delta_written"`
	DeltaEarned      float64 `json:"delta_earned"`
	LRBase           float64 `json:"lr_base"`
	LRCandidate      float64 `json:"lr_candidate"`
	CRBase           float64 `json:"cr_base"`
	CRCandidate      float64 `json:"cr_candidate"`
	AffectedPolicies int     `json:"affected_policies"`
	AffectedUnits    int     `json:"affected_units"`
	BookCoveragePct  float64 `json:"book_coverage_pct"`
}

// Segments break the impact down by categorical dimensions of the book.
type Segments struct {
	ByProduct    []ProductSegment `json:"by_product"`
	ByFleetSize  []FleetSegment   `json:"by_fleet_size"`
	ByRiskDecile []DecileSegment  `json:"by_risk_decile"`
	ByGeo        []GeoSegment     `json:"by_geo"`
}

type ProductSegment struct {
	Product      string  `json:"product"`
	LRBase       float64 `json:"lr_base"`
	LRCand       float64 `json:"lr_cand"`
	DeltaWritten float64 `json:"delta_written"`
}

type FleetSegment struct {
	Bucket  string  `json:"bucket"`
	DeltaCR float64 `json:"delta_cr"`
}

type DecileSegment struct {
	Decile  int     `json:"decile"`
	DeltaLR float64 `json:"delta_lr"`
}

type GeoSegment struct {
	State        string  `json:"state"`
	DeltaWritten float64 `json:"delta_written"`
}

// PolicyDelta is one winner or loser row: a cohort member whose premium
// changes under the candidate plan.
type PolicyDelta struct {
	PolicyID   string  `json:"policy_id"`
	UnitID     string  `json:"unit_id"`
	DeltaTotal float64 `json:"delta_total"`
}

// FairnessChecks carry cohort-level sanity metrics for the proposed change.
type FairnessChecks struct {
	CohortSelectivity   float64             `json:"cohort_selectivity"`
	GuardrailSideEffect GuardrailSideEffect `json:"guardrail_side_effect"`
}

// GuardrailSideEffect reports how often the configured guardrail predicate
// fires under the base and candidate premiums.
type GuardrailSideEffect struct {
	HitRateBase float64 `json:"hit_rate_base"`
	HitRateCand float64 `json:"hit_rate_cand"`
}

// Charts hold pre-aggregated series for result visualization.
type Charts struct {
	LROverTime     []LRPoint      `json:"lr_over_time"`
	DeltaHistogram []HistogramBin `json:"delta_histogram"`
}

// LRPoint is the loss ratio for one calendar month of the window.
type LRPoint struct {
	Month string  `json:"month"` // "2006-01"
	LR    float64 `json:"lr"`
}

// HistogramBin counts exposure rows whose per-row premium delta fell in
// [Lo, Hi). The outermost bins are open-ended.
type HistogramBin struct {
	Bucket string `json:"bucket"`
	Count  int    `json:"count"`
}

// Audit records what actually changed between base and candidate plans.
type Audit struct {
	ParamDiff ParamDiff `json:"param_diff"`
}

type ParamDiff struct {
	BaseRate FromTo `json:"base_rate"`
}

type FromTo struct {
	From float64 `json:"from"`
	To   float64 `json:"to"`
}

// ExposureRow is one policy/unit/day exposure record.
type ExposureRow struct {
	Dt             string   `json:"dt"` // ISO date
	PolicyID       string   `json:"policy_id"`
	UnitID         string   `json:"unit_id"`
	Product        string   `json:"product"`
	RiskVars       RiskVars `json:"risk_vars"`
	EarnedPremium  float64  `json:"earned_premium"`
	WrittenPremium float64  `json:"written_premium"`
	Exposure       float64  `json:"exposure"`
}

// LossRow is one policy/unit/day loss record. Losses attribute to exposures
// by exact (unit_id, policy_id, dt) match.
type LossRow struct {
	Dt       string  `json:"dt"`
	PolicyID string  `json:"policy_id"`
	UnitID   string  `json:"unit_id"`
	Incurred float64 `json:"incurred"`
	Paid     float64 `json:"paid"`
}

// StepLog is one structured timing entry for a backtest run.
type StepLog struct {
	TenantID     string          `json:"tenant_id"`
	ExperimentID string          `json:"experiment_id"`
	Step         string          `json:"step"`
	Detail       json.RawMessage `json:"detail,omitempty"`
	Ms           int64           `json:"ms,omitempty"`
	CreatedAt    time.Time       `json:"created_at,omitempty"`
}
