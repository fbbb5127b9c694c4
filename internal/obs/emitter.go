// Package obs wires backtest runs to their observability sinks: step
// events on the bus, step logs in the repository and completion webhooks.
// Everything here is best-effort; a sink failure never fails a run.
package obs

import (
	"context"
	"encoding/json"
	"log/slog"

	"github.com/opensource-finance/kestrel/internal/domain"
)

// BusEmitter publishes run events to the event bus.
type BusEmitter struct {
	bus domain.EventBus
}

// NewBusEmitter creates an emitter over the given bus.
func NewBusEmitter(bus domain.EventBus) *BusEmitter {
	return &BusEmitter{bus: bus}
}

// Step publishes one step event. Publish failures are logged and dropped.
func (e *BusEmitter) Step(ctx context.Context, tenantID, experimentID, step string, ms int64, detail map[string]any) {
	e.publish(ctx, tenantID, domain.TopicBacktestStep, domain.StepEvent{
		TenantID:     tenantID,
		ExperimentID: experimentID,
		Step:         step,
		Ms:           ms,
		Detail:       detail,
	})
}

// Completed publishes a completion event.
func (e *BusEmitter) Completed(ctx context.Context, ev domain.CompletedEvent) {
	e.publish(ctx, ev.TenantID, domain.TopicBacktestCompleted, ev)
}

// Failed publishes a failure event.
func (e *BusEmitter) Failed(ctx context.Context, ev domain.FailedEvent) {
	e.publish(ctx, ev.TenantID, domain.TopicBacktestFailed, ev)
}

func (e *BusEmitter) publish(ctx context.Context, tenantID, topic string, payload any) {
	data, err := json.Marshal(payload)
	if err != nil {
		slog.Warn("failed to marshal event", "topic", topic, "error", err)
		return
	}
	if err := e.bus.Publish(ctx, tenantID, topic, data); err != nil {
		slog.Warn("failed to publish event",
			"topic", topic,
			"tenant_id", tenantID,
			"error", err,
		)
	}
}
