package rating

import (
	"github.com/opensource-finance/kestrel/internal/domain"
)

// Quote applies a rate plan to one exposure and returns the premium
// breakdown. Pure function: no side effects, no errors. NaN inputs
// propagate into the result; callers filter rows upstream.
//
// Surcharges are evaluated before discounts, in list order, each
// independently. Every rule is recorded in the component list whether or
// not it fired. The cap is applied once, after summation: max first, then
// min, so min wins when the caps are set inconsistently.
func Quote(params domain.RateParams, vars domain.RiskVars) domain.QuoteResult {
	exposure, ok := vars.Float("exposure")
	if !ok {
		exposure = 1
	}
	base := exposure * params.BaseRate

	components := make([]domain.PremiumComponent, 0, len(params.Surcharges)+len(params.Discounts))
	pct := 0.0

	for _, s := range params.Surcharges {
		applied := Matches(vars, s.When)
		if applied {
			pct += s.Percent
		}
		components = append(components, domain.PremiumComponent{
			Name:    s.Name,
			Percent: s.Percent,
			Applied: applied,
		})
	}
	for _, d := range params.Discounts {
		applied := Matches(vars, d.When)
		if applied {
			pct += d.Percent
		}
		components = append(components, domain.PremiumComponent{
			Name:    d.Name,
			Percent: d.Percent,
			Applied: applied,
		})
	}

	if params.Caps != nil {
		if params.Caps.MaxChangePct != nil && pct > *params.Caps.MaxChangePct {
			pct = *params.Caps.MaxChangePct
		}
		if params.Caps.MinChangePct != nil && pct < *params.Caps.MinChangePct {
			pct = *params.Caps.MinChangePct
		}
	}

	total := base * (1 + pct)
	if total < 0 {
		total = 0
	}

	return domain.QuoteResult{
		PremiumComponents: components,
		Base:              base,
		Total:             total,
	}
}
