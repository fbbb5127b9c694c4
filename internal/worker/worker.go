// Package worker provides async backtest processing for the Pro tier.
package worker

import (
	"context"
	"encoding/json"
	"log/slog"
	"sync"
	"time"

	"github.com/opensource-finance/kestrel/internal/backtest"
	"github.com/opensource-finance/kestrel/internal/domain"
)

// Worker consumes backtest run requests from the EventBus and executes
// them through the runner. The runner owns status transitions and event
// emission; the worker is transport glue.
type Worker struct {
	bus    domain.EventBus
	repo   domain.Repository
	runner *backtest.Runner

	subscriptions []domain.Subscription
	wg            sync.WaitGroup
	ctx           context.Context
	cancel        context.CancelFunc
}

// Config holds worker configuration.
type Config struct {
	// TenantIDs is the list of tenants to process (empty = all via the
	// global subscription)
	TenantIDs []string
}

// NewWorker creates a new async worker.
func NewWorker(bus domain.EventBus, repo domain.Repository, runner *backtest.Runner) *Worker {
	ctx, cancel := context.WithCancel(context.Background())
	return &Worker{
		bus:    bus,
		repo:   repo,
		runner: runner,
		ctx:    ctx,
		cancel: cancel,
	}
}

// Start begins processing run requests for the given tenants.
func (w *Worker) Start(cfg Config) error {
	if len(cfg.TenantIDs) == 0 {
		return w.startGlobalWorker()
	}

	for _, tenantID := range cfg.TenantIDs {
		if err := w.startTenantWorker(tenantID); err != nil {
			slog.Error("failed to start worker for tenant",
				"tenant_id", tenantID,
				"error", err,
			)
			continue
		}
	}

	slog.Info("workers started",
		"tenant_count", len(cfg.TenantIDs),
	)

	return nil
}

// startGlobalWorker starts a worker that processes all tenants (for
// testing/dev).
func (w *Worker) startGlobalWorker() error {
	sub, err := w.bus.Subscribe(w.ctx, "_global", domain.TopicBacktestRequested, w.handleMessage)
	if err != nil {
		return err
	}
	w.subscriptions = append(w.subscriptions, sub)

	slog.Info("global worker started")
	return nil
}

// startTenantWorker starts a worker for a specific tenant.
func (w *Worker) startTenantWorker(tenantID string) error {
	sub, err := w.bus.Subscribe(w.ctx, tenantID, domain.TopicBacktestRequested, func(ctx context.Context, msg *domain.Message) error {
		return w.processRequest(ctx, tenantID, msg)
	})
	if err != nil {
		return err
	}
	w.subscriptions = append(w.subscriptions, sub)

	slog.Info("tenant worker started",
		"tenant_id", tenantID,
		"topic", domain.TopicBacktestRequested,
	)

	return nil
}

// handleMessage handles messages from the global subscription.
func (w *Worker) handleMessage(ctx context.Context, msg *domain.Message) error {
	return w.processRequest(ctx, msg.TenantID, msg)
}

// processRequest runs one requested backtest.
func (w *Worker) processRequest(ctx context.Context, tenantID string, msg *domain.Message) error {
	start := time.Now()

	var req domain.RequestedEvent
	if err := json.Unmarshal(msg.Payload, &req); err != nil {
		slog.Error("failed to parse run request",
			"message_id", msg.ID,
			"error", err,
		)
		return err
	}

	// Use message tenant if provided
	if req.TenantID != "" {
		tenantID = req.TenantID
	}

	slog.Debug("processing backtest request",
		"experiment_id", req.ExperimentID,
		"tenant_id", tenantID,
	)

	in := backtest.Input{
		TenantID:     tenantID,
		ExperimentID: req.ExperimentID,
		RatePlanID:   req.RatePlanID,
		CohortSQL:    req.CohortSQL,
		BaseParams:   req.BaseParams,
		Patch:        req.ParamPatch,
		From:         req.From,
		To:           req.To,
	}

	res, err := w.runner.Run(ctx, in)
	if err != nil {
		// The runner has already marked the experiment failed and emitted
		// the failure event.
		slog.Error("backtest run failed",
			"experiment_id", req.ExperimentID,
			"tenant_id", tenantID,
			"error", err,
		)
		return err
	}

	slog.Info("backtest processed",
		"experiment_id", req.ExperimentID,
		"tenant_id", tenantID,
		"delta_written", res.KPIs.Portfolio.DeltaWritten,
		"affected_units", res.KPIs.Portfolio.AffectedUnits,
		"duration_ms", time.Since(start).Milliseconds(),
	)

	return nil
}

// Stop gracefully stops all workers.
func (w *Worker) Stop() error {
	w.cancel()

	for _, sub := range w.subscriptions {
		if err := sub.Unsubscribe(); err != nil {
			slog.Error("failed to unsubscribe",
				"topic", sub.Topic(),
				"error", err,
			)
		}
	}
	w.subscriptions = nil

	w.wg.Wait()

	slog.Info("workers stopped")
	return nil
}

// Stats returns worker statistics.
type Stats struct {
	SubscriptionCount int      `json:"subscriptionCount"`
	Topics            []string `json:"topics"`
}

// GetStats returns current worker statistics.
func (w *Worker) GetStats() Stats {
	topics := make([]string, len(w.subscriptions))
	for i, sub := range w.subscriptions {
		topics[i] = sub.Topic()
	}
	return Stats{
		SubscriptionCount: len(w.subscriptions),
		Topics:            topics,
	}
}
