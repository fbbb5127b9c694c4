package api

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"
	"github.com/opensource-finance/kestrel/internal/backtest"
	"github.com/opensource-finance/kestrel/internal/domain"
	"github.com/opensource-finance/kestrel/internal/obs"
	"github.com/opensource-finance/kestrel/internal/quota"
	"github.com/opensource-finance/kestrel/internal/rating"
	"github.com/opensource-finance/kestrel/internal/repository"
)

// Backtest request bounds, enforced at experiment creation. A base-rate
// shift outside the band is allowed only when the patch also sets caps.
const (
	minWindowDays    = 30
	maxWindowDays    = 365
	minBaseRateShift = -0.20
	maxBaseRateShift = 0.25
)

// Handler holds dependencies for API handlers.
type Handler struct {
	repo       domain.Repository
	cache      domain.Cache
	bus        domain.EventBus
	runner     *backtest.Runner
	quota      *quota.Service
	dispatcher *obs.Dispatcher
	version    string
}

// NewHandler creates a new API handler.
func NewHandler(repo domain.Repository, cache domain.Cache, bus domain.EventBus, runner *backtest.Runner, quotaSvc *quota.Service, dispatcher *obs.Dispatcher, version string) *Handler {
	return &Handler{
		repo:       repo,
		cache:      cache,
		bus:        bus,
		runner:     runner,
		quota:      quotaSvc,
		dispatcher: dispatcher,
		version:    version,
	}
}

// QuoteRequest is the request body for POST /quote. Either a stored plan
// id or inline params must be supplied.
type QuoteRequest struct {
	PlanID   string             `json:"plan_id,omitempty"`
	Params   *domain.RateParams `json:"params,omitempty"`
	RiskVars domain.RiskVars    `json:"risk_vars"`
}

// QuoteResponse is the response for POST /quote.
type QuoteResponse struct {
	PlanID   string             `json:"planId,omitempty"`
	Quote    domain.QuoteResult `json:"quote"`
	Metadata struct {
		TraceID string `json:"traceId"`
		TotalMs int64  `json:"totalMs"`
		Version string `json:"version"`
	} `json:"metadata"`
}

// Quote handles POST /quote requests.
func (h *Handler) Quote(w http.ResponseWriter, r *http.Request) {
	start := time.Now()
	ctx := r.Context()
	tenantID := GetTenantID(ctx)

	var req QuoteRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]string{
			"error": "invalid JSON request body",
		})
		return
	}

	if req.PlanID == "" && req.Params == nil {
		writeJSON(w, http.StatusBadRequest, map[string]string{
			"error": "plan_id or params is required",
		})
		return
	}
	if req.RiskVars.HasNaN() {
		writeJSON(w, http.StatusBadRequest, map[string]string{
			"error": "risk_vars must not contain NaN",
		})
		return
	}

	params := req.Params
	if req.PlanID != "" {
		plan, err := h.repo.GetRatePlan(ctx, tenantID, req.PlanID)
		if errors.Is(err, repository.ErrNotFound) {
			writeJSON(w, http.StatusNotFound, map[string]string{
				"error": "rate plan not found",
			})
			return
		}
		if err != nil {
			slog.Error("failed to load rate plan", "id", req.PlanID, "error", err)
			writeJSON(w, http.StatusInternalServerError, map[string]string{
				"error": "failed to load rate plan",
			})
			return
		}
		params = &plan.Params
	}

	resp := QuoteResponse{
		PlanID: req.PlanID,
		Quote:  rating.Quote(*params, req.RiskVars),
	}
	resp.Metadata.TraceID = GetTraceID(ctx)
	resp.Metadata.TotalMs = time.Since(start).Milliseconds()
	resp.Metadata.Version = h.version

	writeJSON(w, http.StatusOK, resp)
}

// CreatePlanRequest is the request body for creating a rate plan.
type CreatePlanRequest struct {
	ID     string            `json:"id,omitempty"`
	Name   string            `json:"name"`
	Params domain.RateParams `json:"params"`
	Status string            `json:"status,omitempty"`
}

// CreatePlan creates or replaces a rate plan.
func (h *Handler) CreatePlan(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	tenantID := GetTenantID(ctx)

	var req CreatePlanRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]string{
			"error": "invalid JSON request body",
		})
		return
	}

	if req.Name == "" {
		writeJSON(w, http.StatusBadRequest, map[string]string{
			"error": "name is required",
		})
		return
	}
	if req.Params.BaseRate < 0 {
		writeJSON(w, http.StatusBadRequest, map[string]string{
			"error": "params.base_rate must be non-negative",
		})
		return
	}

	status := req.Status
	if status == "" {
		status = domain.PlanStatusDraft
	}
	switch status {
	case domain.PlanStatusDraft, domain.PlanStatusStaging, domain.PlanStatusActive:
	default:
		writeJSON(w, http.StatusBadRequest, map[string]string{
			"error": "status must be draft, staging, or active",
		})
		return
	}

	plan := &domain.RatePlan{
		ID:       req.ID,
		TenantID: tenantID,
		Name:     req.Name,
		Params:   req.Params,
		Status:   status,
	}
	if plan.ID == "" {
		plan.ID = uuid.New().String()
	}

	if err := h.repo.SaveRatePlan(ctx, tenantID, plan); err != nil {
		slog.Error("failed to save rate plan", "id", plan.ID, "error", err)
		writeJSON(w, http.StatusInternalServerError, map[string]string{
			"error": "failed to save rate plan",
		})
		return
	}

	slog.Info("rate plan saved", "tenant_id", tenantID, "id", plan.ID, "name", plan.Name)
	writeJSON(w, http.StatusCreated, plan)
}

// ListPlans returns all rate plans for the tenant.
func (h *Handler) ListPlans(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	tenantID := GetTenantID(ctx)

	plans, err := h.repo.ListRatePlans(ctx, tenantID)
	if err != nil {
		slog.Error("failed to list rate plans", "error", err)
		writeJSON(w, http.StatusInternalServerError, map[string]string{
			"error": "failed to list rate plans",
		})
		return
	}

	writeJSON(w, http.StatusOK, map[string]interface{}{
		"plans": plans,
		"count": len(plans),
	})
}

// GetPlan retrieves a rate plan by ID.
func (h *Handler) GetPlan(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	tenantID := GetTenantID(ctx)
	planID := chi.URLParam(r, "id")

	plan, err := h.repo.GetRatePlan(ctx, tenantID, planID)
	if errors.Is(err, repository.ErrNotFound) {
		writeJSON(w, http.StatusNotFound, map[string]string{
			"error": "rate plan not found",
		})
		return
	}
	if err != nil {
		slog.Error("failed to get rate plan", "id", planID, "error", err)
		writeJSON(w, http.StatusInternalServerError, map[string]string{
			"error": "failed to get rate plan",
		})
		return
	}

	writeJSON(w, http.StatusOK, plan)
}

// CreateExperimentRequest is the request body for creating an experiment.
type CreateExperimentRequest struct {
	ID           string            `json:"id,omitempty"`
	Name         string            `json:"name"`
	RatePlanID   string            `json:"rate_plan_id"`
	CohortSQL    string            `json:"cohort_sql"`
	ParamPatch   domain.ParamPatch `json:"param_patch"`
	BacktestFrom string            `json:"backtest_from"`
	BacktestTo   string            `json:"backtest_to"`
}

// CreateExperiment creates an experiment in the queued state. The window
// and patch are validated here so a bad definition never reaches a run.
func (h *Handler) CreateExperiment(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	tenantID := GetTenantID(ctx)

	var req CreateExperimentRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]string{
			"error": "invalid JSON request body",
		})
		return
	}

	if req.RatePlanID == "" || req.CohortSQL == "" {
		writeJSON(w, http.StatusBadRequest, map[string]string{
			"error": "rate_plan_id and cohort_sql are required",
		})
		return
	}
	if err := validateWindow(req.BacktestFrom, req.BacktestTo); err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]string{
			"error": err.Error(),
		})
		return
	}
	if err := validatePatch(req.ParamPatch); err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]string{
			"error": err.Error(),
		})
		return
	}

	if _, err := h.repo.GetRatePlan(ctx, tenantID, req.RatePlanID); err != nil {
		if errors.Is(err, repository.ErrNotFound) {
			writeJSON(w, http.StatusBadRequest, map[string]string{
				"error": "unknown rate_plan_id",
			})
			return
		}
		slog.Error("failed to load rate plan", "id", req.RatePlanID, "error", err)
		writeJSON(w, http.StatusInternalServerError, map[string]string{
			"error": "failed to load rate plan",
		})
		return
	}

	exp := &domain.Experiment{
		ID:           req.ID,
		TenantID:     tenantID,
		RatePlanID:   req.RatePlanID,
		Name:         req.Name,
		CohortSQL:    req.CohortSQL,
		ParamPatch:   req.ParamPatch,
		BacktestFrom: req.BacktestFrom,
		BacktestTo:   req.BacktestTo,
		Status:       domain.ExperimentQueued,
	}
	if exp.ID == "" {
		exp.ID = uuid.New().String()
	}

	if err := h.repo.SaveExperiment(ctx, tenantID, exp); err != nil {
		slog.Error("failed to save experiment", "id", exp.ID, "error", err)
		writeJSON(w, http.StatusInternalServerError, map[string]string{
			"error": "failed to save experiment",
		})
		return
	}

	slog.Info("experiment created", "tenant_id", tenantID, "id", exp.ID, "rate_plan_id", exp.RatePlanID)
	writeJSON(w, http.StatusCreated, exp)
}

// ListExperiments returns all experiments for the tenant, newest first.
func (h *Handler) ListExperiments(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	tenantID := GetTenantID(ctx)

	experiments, err := h.repo.ListExperiments(ctx, tenantID)
	if err != nil {
		slog.Error("failed to list experiments", "error", err)
		writeJSON(w, http.StatusInternalServerError, map[string]string{
			"error": "failed to list experiments",
		})
		return
	}

	writeJSON(w, http.StatusOK, map[string]interface{}{
		"experiments": experiments,
		"count":       len(experiments),
	})
}

// GetExperiment retrieves an experiment, including results once a run
// has completed.
func (h *Handler) GetExperiment(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	tenantID := GetTenantID(ctx)
	expID := chi.URLParam(r, "id")

	exp, err := h.repo.GetExperiment(ctx, tenantID, expID)
	if errors.Is(err, repository.ErrNotFound) {
		writeJSON(w, http.StatusNotFound, map[string]string{
			"error": "experiment not found",
		})
		return
	}
	if err != nil {
		slog.Error("failed to get experiment", "id", expID, "error", err)
		writeJSON(w, http.StatusInternalServerError, map[string]string{
			"error": "failed to get experiment",
		})
		return
	}

	writeJSON(w, http.StatusOK, exp)
}

// GetExperimentLogs returns the step timing log for an experiment's runs.
func (h *Handler) GetExperimentLogs(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	tenantID := GetTenantID(ctx)
	expID := chi.URLParam(r, "id")

	logs, err := h.repo.ListStepLogs(ctx, tenantID, expID)
	if err != nil {
		slog.Error("failed to list step logs", "experiment_id", expID, "error", err)
		writeJSON(w, http.StatusInternalServerError, map[string]string{
			"error": "failed to list step logs",
		})
		return
	}

	writeJSON(w, http.StatusOK, map[string]interface{}{
		"logs":  logs,
		"count": len(logs),
	})
}

// BacktestRequest is the request body for POST /backtests.
type BacktestRequest struct {
	ExperimentID string `json:"experiment_id"`
}

// BacktestResponse is the response for POST /backtests.
type BacktestResponse struct {
	ExperimentID string                 `json:"experimentId"`
	Status       string                 `json:"status"`
	Results      *domain.BacktestResult `json:"results,omitempty"`
	Metadata     struct {
		TraceID string `json:"traceId"`
		TotalMs int64  `json:"totalMs"`
		Version string `json:"version"`
	} `json:"metadata"`
}

// RunBacktest handles POST /backtests. With ?async=1 the run request is
// published to the bus for the worker; otherwise the run executes inline
// and the response carries the full result.
func (h *Handler) RunBacktest(w http.ResponseWriter, r *http.Request) {
	start := time.Now()
	ctx := r.Context()
	tenantID := GetTenantID(ctx)

	var req BacktestRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]string{
			"error": "invalid JSON request body",
		})
		return
	}
	if req.ExperimentID == "" {
		writeJSON(w, http.StatusBadRequest, map[string]string{
			"error": "experiment_id is required",
		})
		return
	}

	exp, err := h.repo.GetExperiment(ctx, tenantID, req.ExperimentID)
	if errors.Is(err, repository.ErrNotFound) {
		writeJSON(w, http.StatusNotFound, map[string]string{
			"error": "experiment not found",
		})
		return
	}
	if err != nil {
		slog.Error("failed to get experiment", "id", req.ExperimentID, "error", err)
		writeJSON(w, http.StatusInternalServerError, map[string]string{
			"error": "failed to get experiment",
		})
		return
	}

	plan, err := h.repo.GetRatePlan(ctx, tenantID, exp.RatePlanID)
	if errors.Is(err, repository.ErrNotFound) {
		writeJSON(w, http.StatusNotFound, map[string]string{
			"error": "rate plan not found",
		})
		return
	}
	if err != nil {
		slog.Error("failed to load rate plan", "id", exp.RatePlanID, "error", err)
		writeJSON(w, http.StatusInternalServerError, map[string]string{
			"error": "failed to load rate plan",
		})
		return
	}

	ok, remaining, err := h.quota.Allow(ctx, tenantID)
	if err != nil {
		slog.Error("quota check failed", "error", err)
		writeJSON(w, http.StatusInternalServerError, map[string]string{
			"error": "quota check failed",
		})
		return
	}
	if !ok {
		writeJSON(w, http.StatusTooManyRequests, map[string]interface{}{
			"error":     "backtest quota exceeded",
			"remaining": remaining,
		})
		return
	}

	// Step-log and notification subscriptions must outlive the request.
	if err := h.dispatcher.Watch(context.Background(), tenantID); err != nil {
		slog.Warn("failed to watch tenant events", "tenant_id", tenantID, "error", err)
	}

	if r.URL.Query().Get("async") == "1" {
		h.enqueueBacktest(w, r, exp, plan)
		return
	}

	in := backtest.Input{
		TenantID:     tenantID,
		ExperimentID: exp.ID,
		RatePlanID:   plan.ID,
		CohortSQL:    exp.CohortSQL,
		BaseParams:   plan.Params,
		Patch:        exp.ParamPatch,
		From:         exp.BacktestFrom,
		To:           exp.BacktestTo,
	}

	res, err := h.runner.Run(ctx, in)
	if err != nil {
		if errors.Is(err, backtest.ErrCohortTooLarge) {
			writeJSON(w, http.StatusUnprocessableEntity, map[string]string{
				"error": err.Error(),
			})
			return
		}
		slog.Error("backtest run failed", "experiment_id", exp.ID, "error", err)
		writeJSON(w, http.StatusInternalServerError, map[string]string{
			"error": "backtest failed",
		})
		return
	}

	resp := BacktestResponse{
		ExperimentID: exp.ID,
		Status:       domain.ExperimentComplete,
		Results:      res,
	}
	resp.Metadata.TraceID = GetTraceID(ctx)
	resp.Metadata.TotalMs = time.Since(start).Milliseconds()
	resp.Metadata.Version = h.version

	writeJSON(w, http.StatusOK, resp)
}

// enqueueBacktest publishes a run request for the async worker.
func (h *Handler) enqueueBacktest(w http.ResponseWriter, r *http.Request, exp *domain.Experiment, plan *domain.RatePlan) {
	ctx := r.Context()
	tenantID := GetTenantID(ctx)

	ev := domain.RequestedEvent{
		TenantID:     tenantID,
		ExperimentID: exp.ID,
		RatePlanID:   plan.ID,
		CohortSQL:    exp.CohortSQL,
		BaseParams:   plan.Params,
		ParamPatch:   exp.ParamPatch,
		From:         exp.BacktestFrom,
		To:           exp.BacktestTo,
	}
	payload, err := json.Marshal(ev)
	if err != nil {
		writeJSON(w, http.StatusInternalServerError, map[string]string{
			"error": "failed to encode run request",
		})
		return
	}

	if err := h.bus.Publish(ctx, tenantID, domain.TopicBacktestRequested, payload); err != nil {
		slog.Error("failed to publish run request", "experiment_id", exp.ID, "error", err)
		writeJSON(w, http.StatusInternalServerError, map[string]string{
			"error": "failed to queue backtest",
		})
		return
	}

	slog.Info("backtest queued", "tenant_id", tenantID, "experiment_id", exp.ID)
	resp := BacktestResponse{
		ExperimentID: exp.ID,
		Status:       domain.ExperimentQueued,
	}
	resp.Metadata.TraceID = GetTraceID(ctx)
	resp.Metadata.Version = h.version
	writeJSON(w, http.StatusAccepted, resp)
}

// IngestRowsResponse reports how many rows an ingestion call stored.
type IngestRowsResponse struct {
	Inserted int `json:"inserted"`
}

// IngestExposures handles POST /data/exposures. Rows are validated here;
// NaN risk factors are rejected instead of silently coerced.
func (h *Handler) IngestExposures(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	tenantID := GetTenantID(ctx)

	var req struct {
		Rows []*domain.ExposureRow `json:"rows"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]string{
			"error": "invalid JSON request body",
		})
		return
	}
	if len(req.Rows) == 0 {
		writeJSON(w, http.StatusBadRequest, map[string]string{
			"error": "rows are required",
		})
		return
	}

	for i, row := range req.Rows {
		if row.Dt == "" || row.PolicyID == "" || row.UnitID == "" {
			writeJSON(w, http.StatusBadRequest, map[string]string{
				"error": fmt.Sprintf("row %d: dt, policy_id, and unit_id are required", i),
			})
			return
		}
		if row.RiskVars.HasNaN() {
			writeJSON(w, http.StatusBadRequest, map[string]string{
				"error": fmt.Sprintf("row %d: risk_vars must not contain NaN", i),
			})
			return
		}
	}

	if err := h.repo.SaveExposures(ctx, tenantID, req.Rows); err != nil {
		slog.Error("failed to save exposures", "rows", len(req.Rows), "error", err)
		writeJSON(w, http.StatusInternalServerError, map[string]string{
			"error": "failed to save exposures",
		})
		return
	}

	writeJSON(w, http.StatusOK, IngestRowsResponse{Inserted: len(req.Rows)})
}

// IngestLosses handles POST /data/losses.
func (h *Handler) IngestLosses(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	tenantID := GetTenantID(ctx)

	var req struct {
		Rows []*domain.LossRow `json:"rows"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]string{
			"error": "invalid JSON request body",
		})
		return
	}
	if len(req.Rows) == 0 {
		writeJSON(w, http.StatusBadRequest, map[string]string{
			"error": "rows are required",
		})
		return
	}

	for i, row := range req.Rows {
		if row.Dt == "" || row.PolicyID == "" || row.UnitID == "" {
			writeJSON(w, http.StatusBadRequest, map[string]string{
				"error": fmt.Sprintf("row %d: dt, policy_id, and unit_id are required", i),
			})
			return
		}
	}

	if err := h.repo.SaveLosses(ctx, tenantID, req.Rows); err != nil {
		slog.Error("failed to save losses", "rows", len(req.Rows), "error", err)
		writeJSON(w, http.StatusInternalServerError, map[string]string{
			"error": "failed to save losses",
		})
		return
	}

	writeJSON(w, http.StatusOK, IngestRowsResponse{Inserted: len(req.Rows)})
}

// Health returns server health status.
func (h *Handler) Health(w http.ResponseWriter, r *http.Request) {
	status := "healthy"

	if h.repo != nil {
		if err := h.repo.Ping(r.Context()); err != nil {
			status = "degraded"
		}
	}
	if h.cache != nil {
		if err := h.cache.Ping(r.Context()); err != nil {
			status = "degraded"
		}
	}
	if h.bus != nil {
		if err := h.bus.Ping(r.Context()); err != nil {
			status = "degraded"
		}
	}

	writeJSON(w, http.StatusOK, map[string]string{
		"status":  status,
		"version": h.version,
	})
}

// Ready returns whether the server is ready to accept traffic.
func (h *Handler) Ready(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{
		"ready": "true",
	})
}

// validateWindow checks the inclusive backtest window bounds.
func validateWindow(from, to string) error {
	f, err := time.Parse("2006-01-02", from)
	if err != nil {
		return fmt.Errorf("backtest_from must be an ISO date (YYYY-MM-DD)")
	}
	t, err := time.Parse("2006-01-02", to)
	if err != nil {
		return fmt.Errorf("backtest_to must be an ISO date (YYYY-MM-DD)")
	}

	days := int(t.Sub(f).Hours()/24) + 1
	if days < minWindowDays || days > maxWindowDays {
		return fmt.Errorf("backtest window must span %d to %d days, got %d", minWindowDays, maxWindowDays, days)
	}
	return nil
}

// validatePatch bounds the proposed base-rate shift.
func validatePatch(patch domain.ParamPatch) error {
	if patch.BaseRatePctChange == nil || patch.Cap != nil {
		return nil
	}
	shift := *patch.BaseRatePctChange
	if shift < minBaseRateShift || shift > maxBaseRateShift {
		return fmt.Errorf("base_rate_pct_change must be within [%g, %g] unless caps are set", minBaseRateShift, maxBaseRateShift)
	}
	return nil
}

func writeJSON(w http.ResponseWriter, status int, data interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(data)
}
