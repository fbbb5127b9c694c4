package repository

import (
	"context"
	"errors"
	"fmt"
	"os"
	"testing"
	"time"

	"github.com/opensource-finance/kestrel/internal/domain"
)

func newTestRepo(t *testing.T) domain.Repository {
	t.Helper()

	tmpFile, err := os.CreateTemp("", "kestrel-test-*.db")
	if err != nil {
		t.Fatalf("failed to create temp file: %v", err)
	}
	tmpPath := tmpFile.Name()
	tmpFile.Close()
	t.Cleanup(func() { os.Remove(tmpPath) })

	cfg := domain.RepositoryConfig{
		Driver:     "sqlite",
		SQLitePath: tmpPath,
	}

	repo, err := New(cfg)
	if err != nil {
		t.Fatalf("failed to create repository: %v", err)
	}
	t.Cleanup(func() { repo.Close() })

	return repo
}

func fptr(f float64) *float64 { return &f }

func TestSQLiteRepository(t *testing.T) {
	repo := newTestRepo(t)
	ctx := context.Background()
	tenantID := "tenant-001"

	t.Run("Ping", func(t *testing.T) {
		if err := repo.Ping(ctx); err != nil {
			t.Errorf("Ping failed: %v", err)
		}
	})

	t.Run("SaveAndGetRatePlan", func(t *testing.T) {
		plan := &domain.RatePlan{
			ID:     "plan-001",
			Name:   "fleet auto v3",
			Status: domain.PlanStatusActive,
			Params: domain.RateParams{
				BaseRate: 0.045,
				Surcharges: []domain.RateRule{
					{Name: "high_guardrail_hits", When: map[string]domain.Cond{"guardrail_hits_30d": {Gte: fptr(3)}}, Percent: 0.07},
				},
				Caps: &domain.Caps{MaxChangePct: fptr(0.25)},
			},
			CreatedBy: "actuary@example.com",
			CreatedAt: time.Now().UTC(),
		}

		if err := repo.SaveRatePlan(ctx, tenantID, plan); err != nil {
			t.Fatalf("SaveRatePlan failed: %v", err)
		}

		retrieved, err := repo.GetRatePlan(ctx, tenantID, plan.ID)
		if err != nil {
			t.Fatalf("GetRatePlan failed: %v", err)
		}

		if retrieved.ID != plan.ID {
			t.Errorf("expected ID %s, got %s", plan.ID, retrieved.ID)
		}
		if retrieved.TenantID != tenantID {
			t.Errorf("expected TenantID %s, got %s", tenantID, retrieved.TenantID)
		}
		if retrieved.Params.BaseRate != 0.045 {
			t.Errorf("expected BaseRate 0.045, got %v", retrieved.Params.BaseRate)
		}
		if len(retrieved.Params.Surcharges) != 1 || retrieved.Params.Surcharges[0].Name != "high_guardrail_hits" {
			t.Errorf("surcharges did not round-trip: %+v", retrieved.Params.Surcharges)
		}
		if retrieved.Params.Caps == nil || *retrieved.Params.Caps.MaxChangePct != 0.25 {
			t.Errorf("caps did not round-trip: %+v", retrieved.Params.Caps)
		}
	})

	t.Run("UpsertRatePlan", func(t *testing.T) {
		plan := &domain.RatePlan{
			ID:     "plan-001",
			Name:   "fleet auto v3.1",
			Status: domain.PlanStatusStaging,
			Params: domain.RateParams{BaseRate: 0.05},
		}
		if err := repo.SaveRatePlan(ctx, tenantID, plan); err != nil {
			t.Fatalf("re-save failed: %v", err)
		}

		retrieved, err := repo.GetRatePlan(ctx, tenantID, "plan-001")
		if err != nil {
			t.Fatalf("GetRatePlan failed: %v", err)
		}
		if retrieved.Name != "fleet auto v3.1" || retrieved.Params.BaseRate != 0.05 {
			t.Errorf("upsert did not replace fields: %+v", retrieved)
		}

		plans, err := repo.ListRatePlans(ctx, tenantID)
		if err != nil {
			t.Fatalf("ListRatePlans failed: %v", err)
		}
		if len(plans) != 1 {
			t.Errorf("expected 1 plan after upsert, got %d", len(plans))
		}
	})

	t.Run("TenantIsolation", func(t *testing.T) {
		_, err := repo.GetRatePlan(ctx, "tenant-002", "plan-001")
		if err != ErrNotFound {
			t.Errorf("expected ErrNotFound for different tenant, got: %v", err)
		}
	})

	t.Run("RequiresTenantID", func(t *testing.T) {
		if err := repo.SaveRatePlan(ctx, "", &domain.RatePlan{ID: "p"}); err == nil {
			t.Error("expected error for empty tenantID")
		}
		if _, err := repo.GetRatePlan(ctx, "", "plan-001"); err == nil {
			t.Error("expected error for empty tenantID")
		}
		if _, err := repo.ListExposures(ctx, "", []string{"u1"}, "2025-01-01", "2025-01-31"); err == nil {
			t.Error("expected error for empty tenantID")
		}
	})

	t.Run("SaveAndGetExperiment", func(t *testing.T) {
		exp := &domain.Experiment{
			ID:           "exp-001",
			RatePlanID:   "plan-001",
			Name:         "base rate +10%",
			CohortSQL:    "SELECT unit_id FROM exposures_daily WHERE product = 'fleet-auto'",
			ParamPatch:   domain.ParamPatch{BaseRatePctChange: fptr(0.10)},
			BacktestFrom: "2025-01-01",
			BacktestTo:   "2025-03-31",
			CreatedBy:    "actuary@example.com",
		}

		if err := repo.SaveExperiment(ctx, tenantID, exp); err != nil {
			t.Fatalf("SaveExperiment failed: %v", err)
		}

		retrieved, err := repo.GetExperiment(ctx, tenantID, exp.ID)
		if err != nil {
			t.Fatalf("GetExperiment failed: %v", err)
		}
		if retrieved.Status != domain.ExperimentQueued {
			t.Errorf("expected default status queued, got %s", retrieved.Status)
		}
		if retrieved.ParamPatch.BaseRatePctChange == nil || *retrieved.ParamPatch.BaseRatePctChange != 0.10 {
			t.Errorf("param patch did not round-trip: %+v", retrieved.ParamPatch)
		}
		if retrieved.Results != nil {
			t.Error("expected no results before a run")
		}
	})

	t.Run("StatusAndResults", func(t *testing.T) {
		if err := repo.SetExperimentStatus(ctx, tenantID, "exp-001", domain.ExperimentRunning); err != nil {
			t.Fatalf("SetExperimentStatus failed: %v", err)
		}

		results := &domain.BacktestResult{
			KPIs:    domain.KPIs{Portfolio: domain.PortfolioKPIs{DeltaWritten: 123.45, AffectedUnits: 7}},
			Winners: []domain.PolicyDelta{},
			Losers:  []domain.PolicyDelta{{PolicyID: "p1", UnitID: "u1", DeltaTotal: 1.5}},
		}
		if err := repo.UpdateResults(ctx, tenantID, "exp-001", results); err != nil {
			t.Fatalf("UpdateResults failed: %v", err)
		}

		retrieved, err := repo.GetExperiment(ctx, tenantID, "exp-001")
		if err != nil {
			t.Fatalf("GetExperiment failed: %v", err)
		}
		if retrieved.Status != domain.ExperimentComplete {
			t.Errorf("expected status complete after results, got %s", retrieved.Status)
		}
		if retrieved.Results == nil || retrieved.Results.KPIs.Portfolio.DeltaWritten != 123.45 {
			t.Errorf("results did not round-trip: %+v", retrieved.Results)
		}
		if len(retrieved.Results.Losers) != 1 {
			t.Errorf("losers did not round-trip: %+v", retrieved.Results.Losers)
		}
	})

	t.Run("UpdateResultsNotFound", func(t *testing.T) {
		err := repo.UpdateResults(ctx, tenantID, "nonexistent", &domain.BacktestResult{})
		if err != ErrNotFound {
			t.Errorf("expected ErrNotFound, got: %v", err)
		}
	})

	t.Run("NotFound", func(t *testing.T) {
		if _, err := repo.GetRatePlan(ctx, tenantID, "nonexistent"); err != ErrNotFound {
			t.Errorf("expected ErrNotFound, got: %v", err)
		}
		if _, err := repo.GetExperiment(ctx, tenantID, "nonexistent"); err != ErrNotFound {
			t.Errorf("expected ErrNotFound, got: %v", err)
		}
	})
}

func TestExposuresAndLosses(t *testing.T) {
	repo := newTestRepo(t)
	ctx := context.Background()
	tenantID := "tenant-001"

	exposures := []*domain.ExposureRow{
		{
			Dt: "2025-01-10", PolicyID: "p1", UnitID: "u1", Product: "fleet-auto",
			RiskVars:      domain.RiskVars{"state": domain.Str("CA"), "guardrail_hits_30d": domain.Num(4)},
			EarnedPremium: 10, Exposure: 1,
		},
		{
			Dt: "2025-02-10", PolicyID: "p2", UnitID: "u2", Product: "fleet-auto",
			RiskVars:      domain.RiskVars{"state": domain.Str("TX")},
			EarnedPremium: 20, Exposure: 2,
		},
		{
			Dt: "2024-12-01", PolicyID: "p3", UnitID: "u3", Product: "fleet-auto",
			RiskVars:      domain.RiskVars{},
			EarnedPremium: 30, Exposure: 1,
		},
	}
	if err := repo.SaveExposures(ctx, tenantID, exposures); err != nil {
		t.Fatalf("SaveExposures failed: %v", err)
	}

	losses := []*domain.LossRow{
		{Dt: "2025-01-10", PolicyID: "p1", UnitID: "u1", Incurred: 5, Paid: 2},
		{Dt: "2025-02-11", PolicyID: "p2", UnitID: "u2", Incurred: 8},
	}
	if err := repo.SaveLosses(ctx, tenantID, losses); err != nil {
		t.Fatalf("SaveLosses failed: %v", err)
	}

	t.Run("WindowAndUnitFilter", func(t *testing.T) {
		rows, err := repo.ListExposures(ctx, tenantID, []string{"u1", "u2", "u3"}, "2025-01-01", "2025-03-31")
		if err != nil {
			t.Fatalf("ListExposures failed: %v", err)
		}
		// u3's row falls before the window.
		if len(rows) != 2 {
			t.Fatalf("expected 2 exposure rows in window, got %d", len(rows))
		}

		state, ok := rows[0].RiskVars["state"].String()
		if !ok || state != "CA" {
			t.Errorf("risk vars did not round-trip: %+v", rows[0].RiskVars)
		}
		hits, ok := rows[0].RiskVars.Float("guardrail_hits_30d")
		if !ok || hits != 4 {
			t.Errorf("numeric risk var did not round-trip: %+v", rows[0].RiskVars)
		}

		rows, err = repo.ListExposures(ctx, tenantID, []string{"u2"}, "2025-01-01", "2025-03-31")
		if err != nil {
			t.Fatalf("ListExposures failed: %v", err)
		}
		if len(rows) != 1 || rows[0].UnitID != "u2" {
			t.Errorf("unit filter failed: %+v", rows)
		}
	})

	t.Run("EmptyUnitList", func(t *testing.T) {
		rows, err := repo.ListExposures(ctx, tenantID, nil, "2025-01-01", "2025-03-31")
		if err != nil {
			t.Fatalf("ListExposures failed: %v", err)
		}
		if len(rows) != 0 {
			t.Errorf("expected no rows for empty unit list, got %d", len(rows))
		}
	})

	t.Run("Losses", func(t *testing.T) {
		rows, err := repo.ListLosses(ctx, tenantID, []string{"u1", "u2"}, "2025-01-01", "2025-03-31")
		if err != nil {
			t.Fatalf("ListLosses failed: %v", err)
		}
		if len(rows) != 2 {
			t.Fatalf("expected 2 loss rows, got %d", len(rows))
		}
		if rows[0].Incurred != 5 || rows[0].Paid != 2 {
			t.Errorf("loss amounts did not round-trip: %+v", rows[0])
		}
	})

	t.Run("UpsertExposureRow", func(t *testing.T) {
		update := []*domain.ExposureRow{{
			Dt: "2025-01-10", PolicyID: "p1", UnitID: "u1", Product: "fleet-auto",
			RiskVars:      domain.RiskVars{"state": domain.Str("NV")},
			EarnedPremium: 12, Exposure: 1,
		}}
		if err := repo.SaveExposures(ctx, tenantID, update); err != nil {
			t.Fatalf("SaveExposures failed: %v", err)
		}

		rows, err := repo.ListExposures(ctx, tenantID, []string{"u1"}, "2025-01-01", "2025-01-31")
		if err != nil {
			t.Fatalf("ListExposures failed: %v", err)
		}
		if len(rows) != 1 || rows[0].EarnedPremium != 12 {
			t.Errorf("exposure upsert did not replace the row: %+v", rows)
		}
	})

	t.Run("TenantIsolation", func(t *testing.T) {
		rows, err := repo.ListExposures(ctx, "tenant-002", []string{"u1", "u2"}, "2025-01-01", "2025-03-31")
		if err != nil {
			t.Fatalf("ListExposures failed: %v", err)
		}
		if len(rows) != 0 {
			t.Errorf("expected no rows for other tenant, got %d", len(rows))
		}
	})
}

func TestMaterializeCohort(t *testing.T) {
	repo := newTestRepo(t)
	ctx := context.Background()
	tenantID := "tenant-001"

	var exposures []*domain.ExposureRow
	for i := 0; i < 5; i++ {
		product := "fleet-auto"
		if i >= 3 {
			product = "cargo"
		}
		exposures = append(exposures, &domain.ExposureRow{
			Dt:       "2025-01-10",
			PolicyID: fmt.Sprintf("p%d", i),
			UnitID:   fmt.Sprintf("u%d", i),
			Product:  product,
			RiskVars: domain.RiskVars{},
			Exposure: 1,
		})
	}
	// Duplicate day for u0 to verify deduplication.
	exposures = append(exposures, &domain.ExposureRow{
		Dt: "2025-01-11", PolicyID: "p0", UnitID: "u0", Product: "fleet-auto",
		RiskVars: domain.RiskVars{}, Exposure: 1,
	})
	if err := repo.SaveExposures(ctx, tenantID, exposures); err != nil {
		t.Fatalf("SaveExposures failed: %v", err)
	}

	sel := fmt.Sprintf("SELECT unit_id FROM exposures_daily WHERE tenant_id = '%s' AND product = 'fleet-auto'", tenantID)
	if err := repo.MaterializeCohort(ctx, tenantID, "exp-001", sel); err != nil {
		t.Fatalf("MaterializeCohort failed: %v", err)
	}

	units, err := repo.ListCohortUnits(ctx, tenantID, "exp-001")
	if err != nil {
		t.Fatalf("ListCohortUnits failed: %v", err)
	}
	if len(units) != 3 {
		t.Fatalf("expected 3 deduplicated units, got %d: %v", len(units), units)
	}
	if units[0] != "u0" || units[1] != "u1" || units[2] != "u2" {
		t.Errorf("unexpected cohort: %v", units)
	}

	t.Run("RematerializeReplaces", func(t *testing.T) {
		sel := fmt.Sprintf("SELECT unit_id FROM exposures_daily WHERE tenant_id = '%s' AND product = 'cargo'", tenantID)
		if err := repo.MaterializeCohort(ctx, tenantID, "exp-001", sel); err != nil {
			t.Fatalf("MaterializeCohort failed: %v", err)
		}

		units, err := repo.ListCohortUnits(ctx, tenantID, "exp-001")
		if err != nil {
			t.Fatalf("ListCohortUnits failed: %v", err)
		}
		if len(units) != 2 {
			t.Errorf("expected cohort replaced with 2 units, got %v", units)
		}
	})

	t.Run("InvalidSelection", func(t *testing.T) {
		err := repo.MaterializeCohort(ctx, tenantID, "exp-002", "SELECT unit_id FROM no_such_table")
		if err == nil {
			t.Error("expected error for invalid selection")
		}
	})

	t.Run("EmptySelection", func(t *testing.T) {
		err := repo.MaterializeCohort(ctx, tenantID, "exp-002", "   ")
		if !errors.Is(err, ErrInvalidInput) {
			t.Errorf("expected ErrInvalidInput, got: %v", err)
		}
	})
}

func TestStepLogs(t *testing.T) {
	repo := newTestRepo(t)
	ctx := context.Background()
	tenantID := "tenant-001"

	steps := []string{"backtest/materialize_cohort", "backtest/fetch_exposures", "backtest/compute"}
	base := time.Now().UTC()
	for i, step := range steps {
		entry := &domain.StepLog{
			ExperimentID: "exp-001",
			Step:         step,
			Detail:       []byte(`{"rows":10}`),
			Ms:           int64(i * 100),
			CreatedAt:    base.Add(time.Duration(i) * time.Second),
		}
		if err := repo.SaveStepLog(ctx, tenantID, entry); err != nil {
			t.Fatalf("SaveStepLog failed: %v", err)
		}
	}

	logs, err := repo.ListStepLogs(ctx, tenantID, "exp-001")
	if err != nil {
		t.Fatalf("ListStepLogs failed: %v", err)
	}
	if len(logs) != 3 {
		t.Fatalf("expected 3 log entries, got %d", len(logs))
	}
	for i, entry := range logs {
		if entry.Step != steps[i] {
			t.Errorf("expected step %s at position %d, got %s", steps[i], i, entry.Step)
		}
	}
	if string(logs[0].Detail) != `{"rows":10}` {
		t.Errorf("detail did not round-trip: %s", logs[0].Detail)
	}

	other, err := repo.ListStepLogs(ctx, tenantID, "exp-999")
	if err != nil {
		t.Fatalf("ListStepLogs failed: %v", err)
	}
	if len(other) != 0 {
		t.Errorf("expected no logs for other experiment, got %d", len(other))
	}
}

func TestUnsupportedDriver(t *testing.T) {
	cfg := domain.RepositoryConfig{
		Driver: "mysql",
	}

	_, err := New(cfg)
	if err == nil {
		t.Error("expected error for unsupported driver")
	}
}

func TestRebind(t *testing.T) {
	repo := &SQLRepository{driver: "postgres"}

	tests := []struct {
		input    string
		expected string
	}{
		{"SELECT * FROM t WHERE id = ?", "SELECT * FROM t WHERE id = $1"},
		{"INSERT INTO t (a, b) VALUES (?, ?)", "INSERT INTO t (a, b) VALUES ($1, $2)"},
		{"SELECT * FROM t", "SELECT * FROM t"},
	}

	for _, tt := range tests {
		result := repo.rebind(tt.input)
		if result != tt.expected {
			t.Errorf("rebind(%q) = %q, want %q", tt.input, result, tt.expected)
		}
	}
}

func TestPlaceholders(t *testing.T) {
	if got := placeholders(1); got != "?" {
		t.Errorf("placeholders(1) = %q", got)
	}
	if got := placeholders(3); got != "?, ?, ?" {
		t.Errorf("placeholders(3) = %q", got)
	}
}
