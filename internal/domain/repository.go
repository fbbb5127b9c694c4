// Package domain defines the core types and interfaces for Kestrel.
package domain

import (
	"context"
	"time"
)

// Repository defines the interface for data persistence.
// All methods require tenantID for strict multi-tenancy isolation.
type Repository interface {
	// Rate plan operations
	SaveRatePlan(ctx context.Context, tenantID string, plan *RatePlan) error
	GetRatePlan(ctx context.Context, tenantID string, planID string) (*RatePlan, error)
	ListRatePlans(ctx context.Context, tenantID string) ([]*RatePlan, error)

	// Experiment operations
	SaveExperiment(ctx context.Context, tenantID string, exp *Experiment) error
	GetExperiment(ctx context.Context, tenantID string, expID string) (*Experiment, error)
	ListExperiments(ctx context.Context, tenantID string) ([]*Experiment, error)
	SetExperimentStatus(ctx context.Context, tenantID string, expID string, status string) error

	// UpdateResults overwrites the experiment's results in full and marks
	// it complete. Never a partial merge.
	UpdateResults(ctx context.Context, tenantID string, expID string, results *BacktestResult) error

	// Cohort operations. MaterializeCohort resolves the selection
	// expression into (tenant_id, experiment_id, unit_id) rows as a side
	// effect; ListCohortUnits reads them back.
	MaterializeCohort(ctx context.Context, tenantID string, expID string, cohortSQL string) error
	ListCohortUnits(ctx context.Context, tenantID string, expID string) ([]string, error)

	// Historical data reads over a date window, restricted to the given
	// unit ids. Callers are expected to chunk unitIDs to the store's
	// parameter ceiling.
	ListExposures(ctx context.Context, tenantID string, unitIDs []string, from, to string) ([]*ExposureRow, error)
	ListLosses(ctx context.Context, tenantID string, unitIDs []string, from, to string) ([]*LossRow, error)

	// Bulk ingestion
	SaveExposures(ctx context.Context, tenantID string, rows []*ExposureRow) error
	SaveLosses(ctx context.Context, tenantID string, rows []*LossRow) error

	// Step logs
	SaveStepLog(ctx context.Context, tenantID string, log *StepLog) error
	ListStepLogs(ctx context.Context, tenantID string, expID string) ([]*StepLog, error)

	// Health check
	Ping(ctx context.Context) error

	// Lifecycle
	Close() error
}

// RepositoryConfig holds configuration for repository initialization.
type RepositoryConfig struct {
	// Driver is the database driver: "sqlite" or "postgres"
	Driver string `yaml:"driver"`

	// SQLite specific
	SQLitePath string `yaml:"sqlitePath"`

	// PostgreSQL specific
	PostgresHost     string `yaml:"postgresHost"`
	PostgresPort     int    `yaml:"postgresPort"`
	PostgresUser     string `yaml:"postgresUser"`
	PostgresPassword string `yaml:"postgresPassword"`
	PostgresDB       string `yaml:"postgresDB"`
	PostgresSSLMode  string `yaml:"postgresSSLMode"`

	// Connection pool settings
	MaxOpenConns    int           `yaml:"maxOpenConns"`
	MaxIdleConns    int           `yaml:"maxIdleConns"`
	ConnMaxLifetime time.Duration `yaml:"connMaxLifetime"`
}
