// Package repository provides data persistence implementations.
package repository

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/opensource-finance/kestrel/internal/domain"
)

var (
	ErrNotFound     = errors.New("record not found")
	ErrInvalidInput = errors.New("invalid input")
)

// SQLRepository implements domain.Repository using database/sql.
// Works with both SQLite and PostgreSQL drivers.
type SQLRepository struct {
	db     *sql.DB
	driver string
}

// New creates a new repository based on configuration.
func New(cfg domain.RepositoryConfig) (domain.Repository, error) {
	var db *sql.DB
	var err error

	switch cfg.Driver {
	case "sqlite":
		db, err = openSQLite(cfg)
	case "postgres":
		db, err = openPostgres(cfg)
	default:
		return nil, fmt.Errorf("unsupported driver: %s", cfg.Driver)
	}

	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	// Configure connection pool
	if cfg.MaxOpenConns > 0 {
		db.SetMaxOpenConns(cfg.MaxOpenConns)
	}
	if cfg.MaxIdleConns > 0 {
		db.SetMaxIdleConns(cfg.MaxIdleConns)
	}
	if cfg.ConnMaxLifetime > 0 {
		db.SetConnMaxLifetime(cfg.ConnMaxLifetime)
	}

	repo := &SQLRepository{
		db:     db,
		driver: cfg.Driver,
	}

	// Run migrations
	if err := repo.migrate(); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to run migrations: %w", err)
	}

	return repo, nil
}

func (r *SQLRepository) migrate() error {
	for _, schema := range AllSchemas() {
		if _, err := r.db.Exec(schema); err != nil {
			return err
		}
	}
	return nil
}

// SaveRatePlan stores a rate plan with tenant isolation. Re-saving the
// same plan id replaces its parameters and status.
func (r *SQLRepository) SaveRatePlan(ctx context.Context, tenantID string, plan *domain.RatePlan) error {
	if tenantID == "" {
		return fmt.Errorf("%w: tenantID is required", ErrInvalidInput)
	}

	params, err := json.Marshal(plan.Params)
	if err != nil {
		return fmt.Errorf("%w: unserializable params: %v", ErrInvalidInput, err)
	}

	createdAt := plan.CreatedAt
	if createdAt.IsZero() {
		createdAt = time.Now().UTC()
	}

	query := `
		INSERT INTO rate_plans (
			id, tenant_id, name, params, status, created_by, created_at
		) VALUES (?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(id, tenant_id) DO UPDATE SET
			name = excluded.name,
			params = excluded.params,
			status = excluded.status
	`

	_, err = r.db.ExecContext(ctx, r.rebind(query),
		plan.ID, tenantID, plan.Name, string(params),
		plan.Status, plan.CreatedBy, createdAt,
	)
	return err
}

// GetRatePlan retrieves a rate plan by ID with tenant isolation.
func (r *SQLRepository) GetRatePlan(ctx context.Context, tenantID string, planID string) (*domain.RatePlan, error) {
	if tenantID == "" {
		return nil, fmt.Errorf("%w: tenantID is required", ErrInvalidInput)
	}

	query := `
		SELECT id, tenant_id, name, params, status, created_by, created_at
		FROM rate_plans
		WHERE tenant_id = ? AND id = ?
	`

	var plan domain.RatePlan
	var params string

	err := r.db.QueryRowContext(ctx, r.rebind(query), tenantID, planID).Scan(
		&plan.ID, &plan.TenantID, &plan.Name, &params,
		&plan.Status, &plan.CreatedBy, &plan.CreatedAt,
	)

	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}

	if err := json.Unmarshal([]byte(params), &plan.Params); err != nil {
		return nil, fmt.Errorf("failed to parse rate plan params: %w", err)
	}

	return &plan, nil
}

// ListRatePlans retrieves all rate plans for a tenant.
func (r *SQLRepository) ListRatePlans(ctx context.Context, tenantID string) ([]*domain.RatePlan, error) {
	if tenantID == "" {
		return nil, fmt.Errorf("%w: tenantID is required", ErrInvalidInput)
	}

	query := `
		SELECT id, tenant_id, name, params, status, created_by, created_at
		FROM rate_plans
		WHERE tenant_id = ?
		ORDER BY name
	`

	rows, err := r.db.QueryContext(ctx, r.rebind(query), tenantID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var plans []*domain.RatePlan
	for rows.Next() {
		var plan domain.RatePlan
		var params string

		if err := rows.Scan(
			&plan.ID, &plan.TenantID, &plan.Name, &params,
			&plan.Status, &plan.CreatedBy, &plan.CreatedAt,
		); err != nil {
			return nil, err
		}

		if err := json.Unmarshal([]byte(params), &plan.Params); err != nil {
			return nil, fmt.Errorf("failed to parse params for plan %s: %w", plan.ID, err)
		}
		plans = append(plans, &plan)
	}

	return plans, rows.Err()
}

// SaveExperiment stores an experiment definition with tenant isolation.
// Results are written separately via UpdateResults.
func (r *SQLRepository) SaveExperiment(ctx context.Context, tenantID string, exp *domain.Experiment) error {
	if tenantID == "" {
		return fmt.Errorf("%w: tenantID is required", ErrInvalidInput)
	}

	patch, err := json.Marshal(exp.ParamPatch)
	if err != nil {
		return fmt.Errorf("%w: unserializable param patch: %v", ErrInvalidInput, err)
	}

	status := exp.Status
	if status == "" {
		status = domain.ExperimentQueued
	}

	createdAt := exp.CreatedAt
	if createdAt.IsZero() {
		createdAt = time.Now().UTC()
	}

	query := `
		INSERT INTO experiments (
			id, tenant_id, rate_plan_id, name, cohort_sql, param_patch,
			backtest_from, backtest_to, status, created_by, created_at
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(id, tenant_id) DO UPDATE SET
			name = excluded.name,
			cohort_sql = excluded.cohort_sql,
			param_patch = excluded.param_patch,
			backtest_from = excluded.backtest_from,
			backtest_to = excluded.backtest_to,
			status = excluded.status
	`

	_, err = r.db.ExecContext(ctx, r.rebind(query),
		exp.ID, tenantID, exp.RatePlanID, exp.Name,
		exp.CohortSQL, string(patch),
		exp.BacktestFrom, exp.BacktestTo,
		status, exp.CreatedBy, createdAt,
	)
	return err
}

// GetExperiment retrieves an experiment by ID with tenant isolation.
func (r *SQLRepository) GetExperiment(ctx context.Context, tenantID string, expID string) (*domain.Experiment, error) {
	if tenantID == "" {
		return nil, fmt.Errorf("%w: tenantID is required", ErrInvalidInput)
	}

	query := `
		SELECT id, tenant_id, rate_plan_id, name, cohort_sql, param_patch,
			   backtest_from, backtest_to, results, status, created_by, created_at
		FROM experiments
		WHERE tenant_id = ? AND id = ?
	`

	var exp domain.Experiment
	var patch string
	var results sql.NullString

	err := r.db.QueryRowContext(ctx, r.rebind(query), tenantID, expID).Scan(
		&exp.ID, &exp.TenantID, &exp.RatePlanID, &exp.Name,
		&exp.CohortSQL, &patch,
		&exp.BacktestFrom, &exp.BacktestTo,
		&results, &exp.Status, &exp.CreatedBy, &exp.CreatedAt,
	)

	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}

	if err := json.Unmarshal([]byte(patch), &exp.ParamPatch); err != nil {
		return nil, fmt.Errorf("failed to parse param patch: %w", err)
	}
	if results.Valid && results.String != "" {
		exp.Results = &domain.BacktestResult{}
		if err := json.Unmarshal([]byte(results.String), exp.Results); err != nil {
			return nil, fmt.Errorf("failed to parse results: %w", err)
		}
	}

	return &exp, nil
}

// ListExperiments retrieves all experiments for a tenant, newest first.
// Results are omitted from the listing; fetch a single experiment for them.
func (r *SQLRepository) ListExperiments(ctx context.Context, tenantID string) ([]*domain.Experiment, error) {
	if tenantID == "" {
		return nil, fmt.Errorf("%w: tenantID is required", ErrInvalidInput)
	}

	query := `
		SELECT id, tenant_id, rate_plan_id, name, cohort_sql, param_patch,
			   backtest_from, backtest_to, status, created_by, created_at
		FROM experiments
		WHERE tenant_id = ?
		ORDER BY created_at DESC
	`

	rows, err := r.db.QueryContext(ctx, r.rebind(query), tenantID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var experiments []*domain.Experiment
	for rows.Next() {
		var exp domain.Experiment
		var patch string

		if err := rows.Scan(
			&exp.ID, &exp.TenantID, &exp.RatePlanID, &exp.Name,
			&exp.CohortSQL, &patch,
			&exp.BacktestFrom, &exp.BacktestTo,
			&exp.Status, &exp.CreatedBy, &exp.CreatedAt,
		); err != nil {
			return nil, err
		}

		if err := json.Unmarshal([]byte(patch), &exp.ParamPatch); err != nil {
			return nil, fmt.Errorf("failed to parse param patch for %s: %w", exp.ID, err)
		}
		experiments = append(experiments, &exp)
	}

	return experiments, rows.Err()
}

// SetExperimentStatus updates the lifecycle status of an experiment.
func (r *SQLRepository) SetExperimentStatus(ctx context.Context, tenantID string, expID string, status string) error {
	if tenantID == "" {
		return fmt.Errorf("%w: tenantID is required", ErrInvalidInput)
	}

	query := `
		UPDATE experiments
		SET status = ?
		WHERE tenant_id = ? AND id = ?
	`

	result, err := r.db.ExecContext(ctx, r.rebind(query), status, tenantID, expID)
	if err != nil {
		return err
	}

	rows, err := result.RowsAffected()
	if err != nil {
		return err
	}
	if rows == 0 {
		return ErrNotFound
	}

	return nil
}

// UpdateResults overwrites the experiment's results and marks it complete.
func (r *SQLRepository) UpdateResults(ctx context.Context, tenantID string, expID string, results *domain.BacktestResult) error {
	if tenantID == "" {
		return fmt.Errorf("%w: tenantID is required", ErrInvalidInput)
	}

	blob, err := json.Marshal(results)
	if err != nil {
		return fmt.Errorf("%w: unserializable results: %v", ErrInvalidInput, err)
	}

	query := `
		UPDATE experiments
		SET results = ?, status = ?
		WHERE tenant_id = ? AND id = ?
	`

	result, err := r.db.ExecContext(ctx, r.rebind(query),
		string(blob), domain.ExperimentComplete, tenantID, expID,
	)
	if err != nil {
		return err
	}

	rows, err := result.RowsAffected()
	if err != nil {
		return err
	}
	if rows == 0 {
		return ErrNotFound
	}

	return nil
}

// MaterializeCohort resolves the cohort selection into cohort_units rows.
// The selection must be a query producing a unit_id column; it runs inside
// the tenant's database and is replaced wholesale on every call.
func (r *SQLRepository) MaterializeCohort(ctx context.Context, tenantID string, expID string, cohortSQL string) error {
	if tenantID == "" {
		return fmt.Errorf("%w: tenantID is required", ErrInvalidInput)
	}
	if strings.TrimSpace(cohortSQL) == "" {
		return fmt.Errorf("%w: cohort selection is required", ErrInvalidInput)
	}

	tx, err := r.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()

	del := `DELETE FROM cohort_units WHERE tenant_id = ? AND experiment_id = ?`
	if _, err := tx.ExecContext(ctx, r.rebind(del), tenantID, expID); err != nil {
		return err
	}

	ins := fmt.Sprintf(`
		INSERT INTO cohort_units (tenant_id, experiment_id, unit_id)
		SELECT ?, ?, unit_id FROM (%s) cohort
		GROUP BY unit_id
	`, cohortSQL)
	if _, err := tx.ExecContext(ctx, r.rebind(ins), tenantID, expID); err != nil {
		return fmt.Errorf("cohort selection failed: %w", err)
	}

	return tx.Commit()
}

// ListCohortUnits reads back the materialized cohort for an experiment.
func (r *SQLRepository) ListCohortUnits(ctx context.Context, tenantID string, expID string) ([]string, error) {
	if tenantID == "" {
		return nil, fmt.Errorf("%w: tenantID is required", ErrInvalidInput)
	}

	query := `
		SELECT unit_id
		FROM cohort_units
		WHERE tenant_id = ? AND experiment_id = ?
		ORDER BY unit_id
	`

	rows, err := r.db.QueryContext(ctx, r.rebind(query), tenantID, expID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var units []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, err
		}
		units = append(units, id)
	}

	return units, rows.Err()
}

// ListExposures retrieves exposure rows for the given units over an
// inclusive date window. Callers chunk unitIDs to the store's parameter
// ceiling; this method does not re-chunk.
func (r *SQLRepository) ListExposures(ctx context.Context, tenantID string, unitIDs []string, from, to string) ([]*domain.ExposureRow, error) {
	if tenantID == "" {
		return nil, fmt.Errorf("%w: tenantID is required", ErrInvalidInput)
	}
	if len(unitIDs) == 0 {
		return nil, nil
	}

	query := fmt.Sprintf(`
		SELECT dt, policy_id, unit_id, product, risk_vars,
			   earned_premium, written_premium, exposure
		FROM exposures_daily
		WHERE tenant_id = ? AND unit_id IN (%s) AND dt >= ? AND dt <= ?
		ORDER BY unit_id, policy_id, dt
	`, placeholders(len(unitIDs)))

	args := make([]any, 0, len(unitIDs)+3)
	args = append(args, tenantID)
	for _, id := range unitIDs {
		args = append(args, id)
	}
	args = append(args, from, to)

	rows, err := r.db.QueryContext(ctx, r.rebind(query), args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var exposures []*domain.ExposureRow
	for rows.Next() {
		var row domain.ExposureRow
		var vars string

		if err := rows.Scan(
			&row.Dt, &row.PolicyID, &row.UnitID, &row.Product, &vars,
			&row.EarnedPremium, &row.WrittenPremium, &row.Exposure,
		); err != nil {
			return nil, err
		}

		if vars != "" {
			if err := json.Unmarshal([]byte(vars), &row.RiskVars); err != nil {
				return nil, fmt.Errorf("failed to parse risk vars for %s/%s: %w", row.UnitID, row.Dt, err)
			}
		}
		exposures = append(exposures, &row)
	}

	return exposures, rows.Err()
}

// ListLosses retrieves loss rows for the given units over an inclusive
// date window.
func (r *SQLRepository) ListLosses(ctx context.Context, tenantID string, unitIDs []string, from, to string) ([]*domain.LossRow, error) {
	if tenantID == "" {
		return nil, fmt.Errorf("%w: tenantID is required", ErrInvalidInput)
	}
	if len(unitIDs) == 0 {
		return nil, nil
	}

	query := fmt.Sprintf(`
		SELECT dt, policy_id, unit_id, incurred, paid
		FROM losses
		WHERE tenant_id = ? AND unit_id IN (%s) AND dt >= ? AND dt <= ?
		ORDER BY unit_id, policy_id, dt
	`, placeholders(len(unitIDs)))

	args := make([]any, 0, len(unitIDs)+3)
	args = append(args, tenantID)
	for _, id := range unitIDs {
		args = append(args, id)
	}
	args = append(args, from, to)

	rows, err := r.db.QueryContext(ctx, r.rebind(query), args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var losses []*domain.LossRow
	for rows.Next() {
		var row domain.LossRow
		if err := rows.Scan(&row.Dt, &row.PolicyID, &row.UnitID, &row.Incurred, &row.Paid); err != nil {
			return nil, err
		}
		losses = append(losses, &row)
	}

	return losses, rows.Err()
}

// SaveExposures bulk-inserts exposure rows inside one transaction.
// Re-saving a (unit, policy, dt) row replaces it.
func (r *SQLRepository) SaveExposures(ctx context.Context, tenantID string, rows []*domain.ExposureRow) error {
	if tenantID == "" {
		return fmt.Errorf("%w: tenantID is required", ErrInvalidInput)
	}
	if len(rows) == 0 {
		return nil
	}

	tx, err := r.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()

	query := `
		INSERT INTO exposures_daily (
			tenant_id, dt, policy_id, unit_id, product, risk_vars,
			earned_premium, written_premium, exposure
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(tenant_id, unit_id, policy_id, dt) DO UPDATE SET
			product = excluded.product,
			risk_vars = excluded.risk_vars,
			earned_premium = excluded.earned_premium,
			written_premium = excluded.written_premium,
			exposure = excluded.exposure
	`

	stmt, err := tx.PrepareContext(ctx, r.rebind(query))
	if err != nil {
		return err
	}
	defer stmt.Close()

	for _, row := range rows {
		vars, err := json.Marshal(row.RiskVars)
		if err != nil {
			return fmt.Errorf("%w: unserializable risk vars for %s/%s: %v", ErrInvalidInput, row.UnitID, row.Dt, err)
		}
		if _, err := stmt.ExecContext(ctx,
			tenantID, row.Dt, row.PolicyID, row.UnitID, row.Product, string(vars),
			row.EarnedPremium, row.WrittenPremium, row.Exposure,
		); err != nil {
			return err
		}
	}

	return tx.Commit()
}

// SaveLosses bulk-inserts loss rows inside one transaction.
func (r *SQLRepository) SaveLosses(ctx context.Context, tenantID string, rows []*domain.LossRow) error {
	if tenantID == "" {
		return fmt.Errorf("%w: tenantID is required", ErrInvalidInput)
	}
	if len(rows) == 0 {
		return nil
	}

	tx, err := r.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()

	query := `
		INSERT INTO losses (tenant_id, dt, policy_id, unit_id, incurred, paid)
		VALUES (?, ?, ?, ?, ?, ?)
	`

	stmt, err := tx.PrepareContext(ctx, r.rebind(query))
	if err != nil {
		return err
	}
	defer stmt.Close()

	for _, row := range rows {
		if _, err := stmt.ExecContext(ctx,
			tenantID, row.Dt, row.PolicyID, row.UnitID, row.Incurred, row.Paid,
		); err != nil {
			return err
		}
	}

	return tx.Commit()
}

// SaveStepLog appends one structured timing entry for a backtest run.
func (r *SQLRepository) SaveStepLog(ctx context.Context, tenantID string, log *domain.StepLog) error {
	if tenantID == "" {
		return fmt.Errorf("%w: tenantID is required", ErrInvalidInput)
	}

	createdAt := log.CreatedAt
	if createdAt.IsZero() {
		createdAt = time.Now().UTC()
	}

	query := `
		INSERT INTO experiment_logs (tenant_id, experiment_id, step, detail, ms, created_at)
		VALUES (?, ?, ?, ?, ?, ?)
	`

	_, err := r.db.ExecContext(ctx, r.rebind(query),
		tenantID, log.ExperimentID, log.Step, string(log.Detail), log.Ms, createdAt,
	)
	return err
}

// ListStepLogs retrieves the timing entries for an experiment in order.
func (r *SQLRepository) ListStepLogs(ctx context.Context, tenantID string, expID string) ([]*domain.StepLog, error) {
	if tenantID == "" {
		return nil, fmt.Errorf("%w: tenantID is required", ErrInvalidInput)
	}

	query := `
		SELECT tenant_id, experiment_id, step, detail, ms, created_at
		FROM experiment_logs
		WHERE tenant_id = ? AND experiment_id = ?
		ORDER BY created_at
	`

	rows, err := r.db.QueryContext(ctx, r.rebind(query), tenantID, expID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var logs []*domain.StepLog
	for rows.Next() {
		var entry domain.StepLog
		var detail sql.NullString

		if err := rows.Scan(
			&entry.TenantID, &entry.ExperimentID, &entry.Step,
			&detail, &entry.Ms, &entry.CreatedAt,
		); err != nil {
			return nil, err
		}

		if detail.Valid && detail.String != "" {
			entry.Detail = json.RawMessage(detail.String)
		}
		logs = append(logs, &entry)
	}

	return logs, rows.Err()
}

// Ping checks database connectivity.
func (r *SQLRepository) Ping(ctx context.Context) error {
	return r.db.PingContext(ctx)
}

// Close closes the database connection.
func (r *SQLRepository) Close() error {
	return r.db.Close()
}

// placeholders builds "?, ?, ..." for an IN clause of n values.
func placeholders(n int) string {
	return strings.TrimSuffix(strings.Repeat("?, ", n), ", ")
}

// rebind converts ? placeholders to $1, $2, etc. for PostgreSQL.
func (r *SQLRepository) rebind(query string) string {
	if r.driver != "postgres" {
		return query
	}

	// Convert ? to $1, $2, etc.
	var result []byte
	n := 1
	for i := 0; i < len(query); i++ {
		if query[i] == '?' {
			result = append(result, '$')
			result = append(result, fmt.Sprintf("%d", n)...)
			n++
		} else {
			result = append(result, query[i])
		}
	}
	return string(result)
}
