package backtest

import (
	"fmt"
	"math"
	"sort"

	"github.com/opensource-finance/kestrel/internal/domain"
	"github.com/opensource-finance/kestrel/internal/rating"
)

// winnersCap bounds the stored winners/losers lists. It is a storage-size
// guard, not a top-N ranking: the first N rows in insertion order are kept
// and excluded rows still contribute to every aggregate KPI.
const winnersCap = 100

// histogramEdges are the per-row premium-delta bin boundaries for
// charts.delta_histogram. Outermost bins are open-ended.
var histogramEdges = []float64{-100, -50, -20, -5, 0, 5, 20, 50, 100}

type productAcc struct {
	writtenBase float64
	writtenCand float64
}

type monthAcc struct {
	earned float64
	loss   float64
}

// aggregator is the single-pass streaming fold over exposure rows. The
// fold is commutative over rows, so chunked retrieval order never changes
// the totals.
type aggregator struct {
	base      domain.RateParams
	cand      domain.RateParams
	guardrail *rating.Guardrail

	rows    int
	skipped int

	sumWrittenBase float64
	sumWrittenCand float64
	sumEarnedBase  float64
	sumEarnedCand  float64
	sumLoss        float64

	winners []domain.PolicyDelta
	losers  []domain.PolicyDelta

	byProduct map[string]*productAcc
	byFleet   map[string]float64
	byDecile  map[int]float64
	byGeo     map[string]float64

	policies map[string]struct{}
	units    map[string]struct{}

	byMonth   map[string]*monthAcc
	histogram []int

	guardRows     int
	guardHitsBase int
	guardHitsCand int
}

func newAggregator(base, cand domain.RateParams, guardrail *rating.Guardrail) *aggregator {
	return &aggregator{
		base:      base,
		cand:      cand,
		guardrail: guardrail,
		winners:   []domain.PolicyDelta{},
		losers:    []domain.PolicyDelta{},
		byProduct: make(map[string]*productAcc),
		byFleet:   make(map[string]float64),
		byDecile:  make(map[int]float64),
		byGeo:     make(map[string]float64),
		policies:  make(map[string]struct{}),
		units:     make(map[string]struct{}),
		byMonth:   make(map[string]*monthAcc),
		histogram: make([]int, len(histogramEdges)+1),
	}
}

// fold accumulates one exposure row. incurred is the summed loss attributed
// to this row via the (unit, policy, dt) index. Rows with NaN features are
// skipped with a count, never aborting the run.
func (a *aggregator) fold(row *domain.ExposureRow, incurred float64) {
	if math.IsNaN(row.Exposure) || row.RiskVars.HasNaN() {
		a.skipped++
		return
	}
	a.rows++

	vars := make(domain.RiskVars, len(row.RiskVars)+1)
	for k, v := range row.RiskVars {
		vars[k] = v
	}
	vars["exposure"] = domain.Num(row.Exposure)

	baseTotal := rating.Quote(a.base, vars).Total
	candTotal := rating.Quote(a.cand, vars).Total

	a.sumWrittenBase += baseTotal
	a.sumWrittenCand += candTotal
	a.sumEarnedBase += row.EarnedPremium
	// Earned premium is unchanged by rate-plan changes in this model.
	a.sumEarnedCand += row.EarnedPremium
	a.sumLoss += incurred

	delta := candTotal - baseTotal
	switch {
	case delta < 0:
		if len(a.winners) < winnersCap {
			a.winners = append(a.winners, domain.PolicyDelta{
				PolicyID: row.PolicyID, UnitID: row.UnitID, DeltaTotal: round2(delta),
			})
		}
	case delta > 0:
		if len(a.losers) < winnersCap {
			a.losers = append(a.losers, domain.PolicyDelta{
				PolicyID: row.PolicyID, UnitID: row.UnitID, DeltaTotal: round2(delta),
			})
		}
	}

	product := row.Product
	if product == "" {
		product = "UNK"
	}
	acc, ok := a.byProduct[product]
	if !ok {
		acc = &productAcc{}
		a.byProduct[product] = acc
	}
	acc.writtenBase += baseTotal
	acc.writtenCand += candTotal

	// Fleet and decile deltas stay zero while candidate losses and earned
	// premium equal base; the buckets are still enumerated.
	bucket := row.RiskVars.Category("fleet_size_bucket", "UNK")
	a.byFleet[bucket] += 0

	quantile, _ := row.RiskVars.Float("risk_score_quantile")
	a.byDecile[decile(quantile)] += 0

	state := row.RiskVars.Category("state", "NA")
	a.byGeo[state] += delta

	a.policies[row.PolicyID] = struct{}{}
	a.units[row.UnitID] = struct{}{}

	if len(row.Dt) >= 7 {
		month := row.Dt[:7]
		m, ok := a.byMonth[month]
		if !ok {
			m = &monthAcc{}
			a.byMonth[month] = m
		}
		m.earned += row.EarnedPremium
		m.loss += incurred
	}

	a.histogram[histogramBin(delta)]++

	if a.guardrail != nil {
		a.guardRows++
		deltaPct := 0.0
		if baseTotal != 0 {
			deltaPct = delta / baseTotal
		}
		if a.guardrail.Hit(vars, baseTotal, 0) {
			a.guardHitsBase++
		}
		if a.guardrail.Hit(vars, candTotal, deltaPct) {
			a.guardHitsCand++
		}
	}
}

// result assembles the final BacktestResult. cohortSize is the materialized
// cohort, which may exceed the units actually seen in the window.
func (a *aggregator) result(cohortSize int) *domain.BacktestResult {
	lrBase := ratio(a.sumLoss, a.sumEarnedBase)
	lrCand := ratio(a.sumLoss, a.sumEarnedCand)

	selectivity := 0.0
	if cohortSize > 0 {
		selectivity = 1.0
	}

	coverage := 0.0
	if len(a.units) > 0 {
		coverage = float64(cohortSize) / float64(len(a.units))
	}

	return &domain.BacktestResult{
		KPIs: domain.KPIs{Portfolio: domain.PortfolioKPIs{
			DeltaWritten:     round2(a.sumWrittenCand - a.sumWrittenBase),
			DeltaEarned:      round2(a.sumEarnedCand - a.sumEarnedBase),
			LRBase:           lrBase,
			LRCandidate:      lrCand,
			CRBase:           lrBase, // combined ratio pending expense modeling
			CRCandidate:      lrCand,
			AffectedPolicies: len(a.policies),
			AffectedUnits:    cohortSize,
			BookCoveragePct:  coverage,
		}},
		Segments: a.segments(lrBase, lrCand),
		Winners:  a.winners,
		Losers:   a.losers,
		Fairness: domain.FairnessChecks{
			CohortSelectivity: selectivity,
			GuardrailSideEffect: domain.GuardrailSideEffect{
				HitRateBase: hitRate(a.guardHitsBase, a.guardRows),
				HitRateCand: hitRate(a.guardHitsCand, a.guardRows),
			},
		},
		Charts: a.charts(),
		Audit: domain.Audit{ParamDiff: domain.ParamDiff{
			BaseRate: domain.FromTo{From: a.base.BaseRate, To: a.cand.BaseRate},
		}},
	}
}

func (a *aggregator) segments(lrBase, lrCand float64) domain.Segments {
	seg := domain.Segments{
		ByProduct:    []domain.ProductSegment{},
		ByFleetSize:  []domain.FleetSegment{},
		ByRiskDecile: []domain.DecileSegment{},
		ByGeo:        []domain.GeoSegment{},
	}

	for _, product := range sortedKeys(a.byProduct) {
		acc := a.byProduct[product]
		seg.ByProduct = append(seg.ByProduct, domain.ProductSegment{
			Product:      product,
			LRBase:       lrBase,
			LRCand:       lrCand,
			DeltaWritten: round2(acc.writtenCand - acc.writtenBase),
		})
	}
	for _, bucket := range sortedKeys(a.byFleet) {
		seg.ByFleetSize = append(seg.ByFleetSize, domain.FleetSegment{
			Bucket: bucket, DeltaCR: a.byFleet[bucket],
		})
	}
	deciles := make([]int, 0, len(a.byDecile))
	for d := range a.byDecile {
		deciles = append(deciles, d)
	}
	sort.Ints(deciles)
	for _, d := range deciles {
		seg.ByRiskDecile = append(seg.ByRiskDecile, domain.DecileSegment{
			Decile: d, DeltaLR: a.byDecile[d],
		})
	}
	for _, state := range sortedKeys(a.byGeo) {
		seg.ByGeo = append(seg.ByGeo, domain.GeoSegment{
			State: state, DeltaWritten: round2(a.byGeo[state]),
		})
	}
	return seg
}

func (a *aggregator) charts() domain.Charts {
	charts := domain.Charts{
		LROverTime:     []domain.LRPoint{},
		DeltaHistogram: []domain.HistogramBin{},
	}

	for _, month := range sortedKeys(a.byMonth) {
		m := a.byMonth[month]
		charts.LROverTime = append(charts.LROverTime, domain.LRPoint{
			Month: month, LR: ratio(m.loss, m.earned),
		})
	}

	if a.rows > 0 {
		for i, count := range a.histogram {
			charts.DeltaHistogram = append(charts.DeltaHistogram, domain.HistogramBin{
				Bucket: histogramLabel(i), Count: count,
			})
		}
	}
	return charts
}

// decile maps a [0,1] risk-score quantile to buckets 1..10.
func decile(quantile float64) int {
	q := int(math.Ceil(quantile * 10))
	if q < 1 {
		q = 1
	}
	if q > 10 {
		q = 10
	}
	return q
}

func histogramBin(delta float64) int {
	for i, edge := range histogramEdges {
		if delta < edge {
			return i
		}
	}
	return len(histogramEdges)
}

func histogramLabel(bin int) string {
	switch {
	case bin == 0:
		return fmt.Sprintf("<%g", histogramEdges[0])
	case bin == len(histogramEdges):
		return fmt.Sprintf(">=%g", histogramEdges[len(histogramEdges)-1])
	default:
		return fmt.Sprintf("[%g,%g)", histogramEdges[bin-1], histogramEdges[bin])
	}
}

func ratio(num, den float64) float64 {
	if den > 0 {
		return num / den
	}
	return 0
}

func hitRate(hits, rows int) float64 {
	if rows > 0 {
		return float64(hits) / float64(rows)
	}
	return 0
}

func round2(x float64) float64 {
	return math.Round(x*100) / 100
}

func sortedKeys[M ~map[string]V, V any](m M) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}
