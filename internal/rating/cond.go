// Package rating provides the deterministic rating engine: condition
// matching, quoting, patch application, and the guardrail predicate.
package rating

import (
	"github.com/opensource-finance/kestrel/internal/domain"
)

// Matches reports whether every condition in when holds against vars.
// An empty condition map is vacuously true. A condition fails when the
// referenced factor is absent, null, or not comparable. No errors: invalid
// inputs simply fail the match.
func Matches(vars domain.RiskVars, when map[string]domain.Cond) bool {
	for factor, cond := range when {
		v, ok := vars[factor]
		if !ok || v.IsNull() {
			return false
		}
		x, ok := v.Float()
		if !ok {
			return false
		}
		if !condHolds(x, cond) {
			return false
		}
	}
	return true
}

func condHolds(x float64, c domain.Cond) bool {
	if c.Gte != nil && !(x >= *c.Gte) {
		return false
	}
	if c.Lte != nil && !(x <= *c.Lte) {
		return false
	}
	if c.Gt != nil && !(x > *c.Gt) {
		return false
	}
	if c.Lt != nil && !(x < *c.Lt) {
		return false
	}
	if c.Eq != nil && x != *c.Eq {
		return false
	}
	return true
}
