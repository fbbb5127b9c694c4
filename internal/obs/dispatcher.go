package obs

import (
	"context"
	"encoding/json"
	"log/slog"
	"sync"

	"github.com/opensource-finance/kestrel/internal/domain"
)

// Dispatcher routes run events to their sinks: step events become step
// logs in the repository, terminal events become webhook notifications.
// Subscriptions are per tenant and created on demand via Watch.
type Dispatcher struct {
	bus      domain.EventBus
	repo     domain.Repository
	notifier *Notifier

	mu      sync.Mutex
	tenants map[string]bool
	subs    []domain.Subscription
}

// NewDispatcher creates a dispatcher over the given sinks.
func NewDispatcher(bus domain.EventBus, repo domain.Repository, notifier *Notifier) *Dispatcher {
	return &Dispatcher{
		bus:      bus,
		repo:     repo,
		notifier: notifier,
		tenants:  make(map[string]bool),
	}
}

// Watch subscribes the dispatcher to a tenant's run events. Idempotent;
// callers invoke it before starting runs for a tenant.
func (d *Dispatcher) Watch(ctx context.Context, tenantID string) error {
	d.mu.Lock()
	defer d.mu.Unlock()

	if d.tenants[tenantID] {
		return nil
	}

	topics := map[string]domain.MessageHandler{
		domain.TopicBacktestStep:      d.handleStep,
		domain.TopicBacktestCompleted: d.handleCompleted,
		domain.TopicBacktestFailed:    d.handleFailed,
	}
	for topic, handler := range topics {
		sub, err := d.bus.Subscribe(ctx, tenantID, topic, handler)
		if err != nil {
			return err
		}
		d.subs = append(d.subs, sub)
	}

	d.tenants[tenantID] = true
	return nil
}

// handleStep persists one step event as a step log. Errors are logged and
// swallowed so a storage hiccup never disturbs the bus.
func (d *Dispatcher) handleStep(ctx context.Context, msg *domain.Message) error {
	var ev domain.StepEvent
	if err := json.Unmarshal(msg.Payload, &ev); err != nil {
		slog.Warn("malformed step event", "error", err)
		return nil
	}

	var detail json.RawMessage
	if len(ev.Detail) > 0 {
		detail, _ = json.Marshal(ev.Detail)
	}

	entry := &domain.StepLog{
		TenantID:     ev.TenantID,
		ExperimentID: ev.ExperimentID,
		Step:         ev.Step,
		Detail:       detail,
		Ms:           ev.Ms,
	}
	if err := d.repo.SaveStepLog(ctx, ev.TenantID, entry); err != nil {
		slog.Warn("failed to persist step log",
			"experiment_id", ev.ExperimentID,
			"step", ev.Step,
			"error", err,
		)
	}
	return nil
}

func (d *Dispatcher) handleCompleted(ctx context.Context, msg *domain.Message) error {
	var ev domain.CompletedEvent
	if err := json.Unmarshal(msg.Payload, &ev); err != nil {
		slog.Warn("malformed completed event", "error", err)
		return nil
	}

	slog.Info("backtest completed",
		"tenant_id", ev.TenantID,
		"experiment_id", ev.ExperimentID,
		"delta_written", ev.DeltaWritten,
		"affected_units", ev.AffectedUnits,
	)

	if err := d.notifier.Notify(ctx, CompletionText(ev)); err != nil {
		slog.Warn("completion notification failed",
			"experiment_id", ev.ExperimentID,
			"error", err,
		)
	}
	return nil
}

func (d *Dispatcher) handleFailed(ctx context.Context, msg *domain.Message) error {
	var ev domain.FailedEvent
	if err := json.Unmarshal(msg.Payload, &ev); err != nil {
		slog.Warn("malformed failed event", "error", err)
		return nil
	}

	slog.Warn("backtest failed",
		"tenant_id", ev.TenantID,
		"experiment_id", ev.ExperimentID,
		"error", ev.Error,
	)

	if err := d.notifier.Notify(ctx, FailureText(ev)); err != nil {
		slog.Warn("failure notification failed",
			"experiment_id", ev.ExperimentID,
			"error", err,
		)
	}
	return nil
}

// Close unsubscribes from all tenants.
func (d *Dispatcher) Close() error {
	d.mu.Lock()
	defer d.mu.Unlock()

	for _, sub := range d.subs {
		if err := sub.Unsubscribe(); err != nil {
			slog.Warn("failed to unsubscribe", "topic", sub.Topic(), "error", err)
		}
	}
	d.subs = nil
	d.tenants = make(map[string]bool)
	return nil
}
