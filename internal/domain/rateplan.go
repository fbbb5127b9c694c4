package domain

import (
	"encoding/json"
	"time"
)

// RatePlan is a stored rating configuration.
type RatePlan struct {
	ID        string     `json:"id"`
	TenantID  string     `json:"tenant_id"`
	Name      string     `json:"name"`
	Params    RateParams `json:"params"`
	Status    string     `json:"status"` // "draft", "staging", "active"
	CreatedBy string     `json:"created_by,omitempty"`
	CreatedAt time.Time  `json:"created_at,omitempty"`
}

// Rate plan status values.
const (
	PlanStatusDraft   = "draft"
	PlanStatusStaging = "staging"
	PlanStatusActive  = "active"
)

// RateParams defines how a premium is computed for one exposure.
// Surcharges are evaluated before discounts, in list order, each
// independently. The cap is applied once, after summation.
type RateParams struct {
	// BaseRate is the rate per unit of exposure.
	BaseRate float64 `json:"base_rate"`

	Surcharges []RateRule `json:"surcharges,omitempty"`
	Discounts  []RateRule `json:"discounts,omitempty"`

	Caps *Caps `json:"caps,omitempty"`
}

// RateRule is one surcharge or discount. Percent is a signed fractional
// multiplier added to the running percentage when the rule matches.
// Discounts carry negative percents by convention; the sign is not enforced.
type RateRule struct {
	Name    string          `json:"name"`
	When    map[string]Cond `json:"when"`
	Percent float64         `json:"percent"`
}

// Caps clamp the summed percentage change.
type Caps struct {
	MaxChangePct *float64 `json:"max_change_pct,omitempty"`
	MinChangePct *float64 `json:"min_change_pct,omitempty"`
}

// Cond constrains a single risk factor. In JSON it is either a bare
// number (exact equality) or an object with any of the bounds below.
// All present bounds must hold for the condition to match.
type Cond struct {
	Gte *float64
	Lte *float64
	Gt  *float64
	Lt  *float64
	Eq  *float64

	// exact is set when the condition was a bare JSON number.
	exact bool
}

// Exact returns a bare-number equality condition.
func Exact(v float64) Cond {
	return Cond{Eq: &v, exact: true}
}

type condObject struct {
	Gte *float64 `json:">=,omitempty"`
	Lte *float64 `json:"<=,omitempty"`
	Gt  *float64 `json:">,omitempty"`
	Lt  *float64 `json:"<,omitempty"`
	Eq  *float64 `json:"==,omitempty"`
}

// UnmarshalJSON accepts the bare-number and operator-object forms.
func (c *Cond) UnmarshalJSON(data []byte) error {
	var n float64
	if err := json.Unmarshal(data, &n); err == nil {
		*c = Exact(n)
		return nil
	}
	var obj condObject
	if err := json.Unmarshal(data, &obj); err != nil {
		return err
	}
	*c = Cond{Gte: obj.Gte, Lte: obj.Lte, Gt: obj.Gt, Lt: obj.Lt, Eq: obj.Eq}
	return nil
}

// MarshalJSON writes the bare-number form back for conditions that were
// parsed from one, the operator object otherwise.
func (c Cond) MarshalJSON() ([]byte, error) {
	if c.exact && c.Eq != nil {
		return json.Marshal(*c.Eq)
	}
	return json.Marshal(condObject{Gte: c.Gte, Lte: c.Lte, Gt: c.Gt, Lt: c.Lt, Eq: c.Eq})
}

// ParamPatch is a sparse override describing a proposed rate change.
// Only a base-rate shift and cap overrides are supported; unknown patch
// fields are ignored.
type ParamPatch struct {
	BaseRatePctChange *float64 `json:"base_rate_pct_change,omitempty"`
	Cap               *Caps    `json:"cap,omitempty"`
}

// PremiumComponent records one rule outcome in a quote, whether or not
// the rule fired, so callers can audit why a rule did not apply.
type PremiumComponent struct {
	Name    string  `json:"name"`
	Percent float64 `json:"percent"`
	Applied bool    `json:"applied"`
}

// QuoteResult is the premium breakdown for one exposure.
// Total is never negative.
type QuoteResult struct {
	PremiumComponents []PremiumComponent `json:"premium_components"`
	Base              float64            `json:"base"`
	Total             float64            `json:"total"`
}
