package rating

import (
	"github.com/opensource-finance/kestrel/internal/domain"
)

// ApplyPatch derives the candidate rate plan from a base plan and a sparse
// parameter patch. The base is never mutated: only the fields a patch can
// change are copied. Surcharges and discounts carry over unchanged; the
// patch format supports only a base-rate shift and cap overrides, and
// anything else in a patch document is silently ignored.
func ApplyPatch(base domain.RateParams, patch domain.ParamPatch) domain.RateParams {
	out := base

	if patch.BaseRatePctChange != nil {
		out.BaseRate = base.BaseRate * (1 + *patch.BaseRatePctChange)
	}

	if patch.Cap != nil {
		caps := domain.Caps{}
		if base.Caps != nil {
			caps = *base.Caps
		}
		// Shallow merge, patch keys win.
		if patch.Cap.MaxChangePct != nil {
			caps.MaxChangePct = patch.Cap.MaxChangePct
		}
		if patch.Cap.MinChangePct != nil {
			caps.MinChangePct = patch.Cap.MinChangePct
		}
		out.Caps = &caps
	}

	return out
}
