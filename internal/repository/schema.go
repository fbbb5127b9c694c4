package repository

// Schema definitions for the Kestrel database.
// Compatible with both SQLite and PostgreSQL.

const schemaRatePlans = `
CREATE TABLE IF NOT EXISTS rate_plans (
    id TEXT NOT NULL,
    tenant_id TEXT NOT NULL,
    name TEXT NOT NULL,
    params TEXT NOT NULL,
    status TEXT NOT NULL DEFAULT 'draft',
    created_by TEXT,
    created_at TIMESTAMP NOT NULL,
    PRIMARY KEY (id, tenant_id)
);

CREATE INDEX IF NOT EXISTS idx_rate_plans_tenant ON rate_plans(tenant_id);
CREATE INDEX IF NOT EXISTS idx_rate_plans_status ON rate_plans(tenant_id, status);
`

const schemaExperiments = `
CREATE TABLE IF NOT EXISTS experiments (
    id TEXT NOT NULL,
    tenant_id TEXT NOT NULL,
    rate_plan_id TEXT NOT NULL,
    name TEXT NOT NULL,
    cohort_sql TEXT NOT NULL,
    param_patch TEXT NOT NULL,
    backtest_from TEXT NOT NULL,
    backtest_to TEXT NOT NULL,
    results TEXT,
    status TEXT NOT NULL DEFAULT 'queued',
    created_by TEXT,
    created_at TIMESTAMP NOT NULL,
    PRIMARY KEY (id, tenant_id)
);

CREATE INDEX IF NOT EXISTS idx_experiments_tenant ON experiments(tenant_id);
CREATE INDEX IF NOT EXISTS idx_experiments_status ON experiments(tenant_id, status);
CREATE INDEX IF NOT EXISTS idx_experiments_plan ON experiments(tenant_id, rate_plan_id);
`

// schemaCohortUnits holds materialized cohort membership per experiment.
// Rows are replaced wholesale on every materialization so retries never
// accumulate stale members.
const schemaCohortUnits = `
CREATE TABLE IF NOT EXISTS cohort_units (
    tenant_id TEXT NOT NULL,
    experiment_id TEXT NOT NULL,
    unit_id TEXT NOT NULL,
    PRIMARY KEY (tenant_id, experiment_id, unit_id)
);
`

const schemaExposures = `
CREATE TABLE IF NOT EXISTS exposures_daily (
    tenant_id TEXT NOT NULL,
    dt TEXT NOT NULL,
    policy_id TEXT NOT NULL,
    unit_id TEXT NOT NULL,
    product TEXT NOT NULL DEFAULT '',
    risk_vars TEXT NOT NULL,
    earned_premium REAL NOT NULL DEFAULT 0,
    written_premium REAL NOT NULL DEFAULT 0,
    exposure REAL NOT NULL DEFAULT 1,
    PRIMARY KEY (tenant_id, unit_id, policy_id, dt)
);

CREATE INDEX IF NOT EXISTS idx_exposures_unit_dt ON exposures_daily(tenant_id, unit_id, dt);
`

const schemaLosses = `
CREATE TABLE IF NOT EXISTS losses (
    tenant_id TEXT NOT NULL,
    dt TEXT NOT NULL,
    policy_id TEXT NOT NULL,
    unit_id TEXT NOT NULL,
    incurred REAL NOT NULL DEFAULT 0,
    paid REAL NOT NULL DEFAULT 0
);

CREATE INDEX IF NOT EXISTS idx_losses_unit_dt ON losses(tenant_id, unit_id, dt);
`

const schemaExperimentLogs = `
CREATE TABLE IF NOT EXISTS experiment_logs (
    tenant_id TEXT NOT NULL,
    experiment_id TEXT NOT NULL,
    step TEXT NOT NULL,
    detail TEXT,
    ms INTEGER NOT NULL DEFAULT 0,
    created_at TIMESTAMP NOT NULL
);

CREATE INDEX IF NOT EXISTS idx_experiment_logs_exp ON experiment_logs(tenant_id, experiment_id);
`

// AllSchemas returns all schema statements in order.
func AllSchemas() []string {
	return []string{
		schemaRatePlans,
		schemaExperiments,
		schemaCohortUnits,
		schemaExposures,
		schemaLosses,
		schemaExperimentLogs,
	}
}
