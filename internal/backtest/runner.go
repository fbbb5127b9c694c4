// Package backtest implements the backtest orchestrator: it replays a
// historical cohort through the base and candidate rate plans and folds
// the deltas into a persisted result.
package backtest

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/opensource-finance/kestrel/internal/domain"
	"github.com/opensource-finance/kestrel/internal/rating"
)

// ErrCohortTooLarge is returned when the materialized cohort exceeds the
// configured unit cap. Enforced before any bulk fetch.
var ErrCohortTooLarge = errors.New("cohort too large")

// Emitter receives best-effort domain events from a run. Implementations
// must never block the run on sink failures.
type Emitter interface {
	Step(ctx context.Context, tenantID, experimentID, step string, ms int64, detail map[string]any)
	Completed(ctx context.Context, ev domain.CompletedEvent)
	Failed(ctx context.Context, ev domain.FailedEvent)
}

type nopEmitter struct{}

func (nopEmitter) Step(context.Context, string, string, string, int64, map[string]any) {}
func (nopEmitter) Completed(context.Context, domain.CompletedEvent)                    {}
func (nopEmitter) Failed(context.Context, domain.FailedEvent)                          {}

// Input defines one backtest run.
type Input struct {
	TenantID     string
	ExperimentID string
	RatePlanID   string
	CohortSQL    string
	BaseParams   domain.RateParams
	Patch        domain.ParamPatch
	From         string // ISO date, inclusive
	To           string // ISO date, inclusive
}

// Runner orchestrates backtest runs. One run is a single logical flow;
// multiple runs for different experiments may execute concurrently since
// each run owns its own experiment row. Guarding concurrent runs against
// the same experiment id is the caller's responsibility.
type Runner struct {
	repo      domain.Repository
	emitter   Emitter
	guardrail *rating.Guardrail
	maxCohort int
	chunkSize int
}

// NewRunner creates a backtest runner. guardrail may be nil; emitter may be
// nil for callers that do not need step events.
func NewRunner(repo domain.Repository, emitter Emitter, guardrail *rating.Guardrail, cfg domain.BacktestConfig) *Runner {
	if emitter == nil {
		emitter = nopEmitter{}
	}
	maxCohort := cfg.MaxCohortUnits
	if maxCohort <= 0 {
		maxCohort = 10000
	}
	chunkSize := cfg.ChunkSize
	if chunkSize <= 0 {
		chunkSize = 900
	}
	return &Runner{
		repo:      repo,
		emitter:   emitter,
		guardrail: guardrail,
		maxCohort: maxCohort,
		chunkSize: chunkSize,
	}
}

// Run executes one backtest and returns the result. Fatal errors identify
// the failing phase; no retries are performed internally.
func (r *Runner) Run(ctx context.Context, in Input) (*domain.BacktestResult, error) {
	startAll := time.Now()

	res, err := r.run(ctx, in, startAll)
	if err != nil {
		r.emitter.Failed(ctx, domain.FailedEvent{
			TenantID:     in.TenantID,
			ExperimentID: in.ExperimentID,
			Error:        err.Error(),
		})
		if serr := r.repo.SetExperimentStatus(ctx, in.TenantID, in.ExperimentID, domain.ExperimentFailed); serr != nil {
			r.emitter.Step(ctx, in.TenantID, in.ExperimentID, "backtest/status_update_failed", 0, map[string]any{"error": serr.Error()})
		}
		return nil, err
	}

	k := res.KPIs.Portfolio
	r.emitter.Step(ctx, in.TenantID, in.ExperimentID, "backtest/done", time.Since(startAll).Milliseconds(), map[string]any{
		"delta_written": k.DeltaWritten,
		"lr_base":       k.LRBase,
		"lr_candidate":  k.LRCandidate,
	})
	r.emitter.Completed(ctx, domain.CompletedEvent{
		TenantID:      in.TenantID,
		ExperimentID:  in.ExperimentID,
		DeltaWritten:  k.DeltaWritten,
		LRBase:        k.LRBase,
		LRCandidate:   k.LRCandidate,
		AffectedUnits: k.AffectedUnits,
	})
	return res, nil
}

func (r *Runner) run(ctx context.Context, in Input, startAll time.Time) (*domain.BacktestResult, error) {
	if err := r.repo.SetExperimentStatus(ctx, in.TenantID, in.ExperimentID, domain.ExperimentRunning); err != nil {
		// Status is advisory; the run proceeds.
		r.emitter.Step(ctx, in.TenantID, in.ExperimentID, "backtest/status_update_failed", 0, map[string]any{"error": err.Error()})
	}

	// 1. Materialize the cohort.
	t := time.Now()
	err := r.repo.MaterializeCohort(ctx, in.TenantID, in.ExperimentID, in.CohortSQL)
	r.emitter.Step(ctx, in.TenantID, in.ExperimentID, "backtest/materialize_cohort", time.Since(t).Milliseconds(), nil)
	if err != nil {
		return nil, fmt.Errorf("materialize_cohort failed: %w", err)
	}

	// 2. Load cohort unit ids and enforce the hard cap before any bulk fetch.
	t = time.Now()
	unitIDs, err := r.repo.ListCohortUnits(ctx, in.TenantID, in.ExperimentID)
	if err != nil {
		return nil, fmt.Errorf("load_cohort_ids failed: %w", err)
	}
	r.emitter.Step(ctx, in.TenantID, in.ExperimentID, "backtest/load_cohort_ids", time.Since(t).Milliseconds(), map[string]any{"count": len(unitIDs)})

	if len(unitIDs) > r.maxCohort {
		return nil, fmt.Errorf("%w (%d). Reduce scope below %d.", ErrCohortTooLarge, len(unitIDs), r.maxCohort)
	}

	candidate := rating.ApplyPatch(in.BaseParams, in.Patch)
	agg := newAggregator(in.BaseParams, candidate, r.guardrail)

	// 3. Empty cohort: a valid, informative outcome, not an error. The
	// zero-valued result is persisted like any other so the experiment
	// still completes.
	if len(unitIDs) == 0 {
		res := agg.result(0)
		if err := r.repo.UpdateResults(ctx, in.TenantID, in.ExperimentID, res); err != nil {
			return nil, fmt.Errorf("persist_results failed: %w", err)
		}
		return res, nil
	}

	// 4. Bulk reads, chunked to the store's parameter ceiling.
	t = time.Now()
	var exposures []*domain.ExposureRow
	for _, ids := range chunkIDs(unitIDs, r.chunkSize) {
		rows, err := r.repo.ListExposures(ctx, in.TenantID, ids, in.From, in.To)
		if err != nil {
			return nil, fmt.Errorf("fetch_exposures failed: %w", err)
		}
		exposures = append(exposures, rows...)
	}
	r.emitter.Step(ctx, in.TenantID, in.ExperimentID, "backtest/fetch_exposures", time.Since(t).Milliseconds(), map[string]any{"rows": len(exposures)})

	t = time.Now()
	var losses []*domain.LossRow
	for _, ids := range chunkIDs(unitIDs, r.chunkSize) {
		rows, err := r.repo.ListLosses(ctx, in.TenantID, ids, in.From, in.To)
		if err != nil {
			return nil, fmt.Errorf("fetch_losses failed: %w", err)
		}
		losses = append(losses, rows...)
	}
	r.emitter.Step(ctx, in.TenantID, in.ExperimentID, "backtest/fetch_losses", time.Since(t).Milliseconds(), map[string]any{"rows": len(losses)})

	// 5. Single-pass compute. Losses attribute by exact (unit, policy, dt);
	// unmatched losses never reach the fold.
	lossIdx := make(map[string]float64, len(losses))
	for _, l := range losses {
		lossIdx[lossKey(l.UnitID, l.PolicyID, l.Dt)] += l.Incurred
	}

	t = time.Now()
	for _, row := range exposures {
		agg.fold(row, lossIdx[lossKey(row.UnitID, row.PolicyID, row.Dt)])
	}
	res := agg.result(len(unitIDs))
	r.emitter.Step(ctx, in.TenantID, in.ExperimentID, "backtest/compute", time.Since(t).Milliseconds(), map[string]any{
		"rows":         agg.rows,
		"rows_skipped": agg.skipped,
	})

	// 6. Persist the full result. Failure here aborts the run; success is
	// never reported with an unpersisted result.
	t = time.Now()
	if err := r.repo.UpdateResults(ctx, in.TenantID, in.ExperimentID, res); err != nil {
		return nil, fmt.Errorf("persist_results failed: %w", err)
	}
	r.emitter.Step(ctx, in.TenantID, in.ExperimentID, "backtest/persist_results", time.Since(t).Milliseconds(), nil)

	return res, nil
}

func lossKey(unitID, policyID, dt string) string {
	return unitID + "|" + policyID + "|" + dt
}

// chunkIDs splits ids into batches of at most n.
func chunkIDs(ids []string, n int) [][]string {
	if len(ids) == 0 {
		return nil
	}
	chunks := make([][]string, 0, (len(ids)+n-1)/n)
	for start := 0; start < len(ids); start += n {
		end := start + n
		if end > len(ids) {
			end = len(ids)
		}
		chunks = append(chunks, ids[start:end])
	}
	return chunks
}
