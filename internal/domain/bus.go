package domain

import (
	"context"
)

// EventBus defines the interface for event-driven communication.
// Supports Go channels (Community) or NATS (Pro).
// All methods require tenantID for strict multi-tenancy isolation.
type EventBus interface {
	// Publish sends a message to a topic.
	Publish(ctx context.Context, tenantID string, topic string, payload []byte) error

	// Subscribe registers a handler for a topic.
	// Returns a subscription that can be used to unsubscribe.
	Subscribe(ctx context.Context, tenantID string, topic string, handler MessageHandler) (Subscription, error)

	// Health check
	Ping(ctx context.Context) error

	// Lifecycle
	Close() error
}

// MessageHandler processes incoming messages.
type MessageHandler func(ctx context.Context, msg *Message) error

// Message represents an event message.
type Message struct {
	ID        string            `json:"id"`
	TenantID  string            `json:"tenantId"`
	Topic     string            `json:"topic"`
	Payload   []byte            `json:"payload"`
	Metadata  map[string]string `json:"metadata"`
	Timestamp int64             `json:"timestamp"`
}

// Subscription represents an active subscription.
type Subscription interface {
	// Unsubscribe stops receiving messages.
	Unsubscribe() error

	// Topic returns the subscribed topic.
	Topic() string
}

// EventBusConfig holds configuration for event bus initialization.
type EventBusConfig struct {
	// Type is the bus type: "channel" or "nats"
	Type string `yaml:"type"`

	// Channel settings (Community tier)
	ChannelBufferSize int `yaml:"channelBufferSize"`

	// NATS settings (Pro tier)
	NATSUrl           string `yaml:"natsUrl"`
	NATSToken         string `yaml:"natsToken"`
	NATSMaxReconnects int    `yaml:"natsMaxReconnects"`
	NATSReconnectWait int    `yaml:"natsReconnectWait"` // seconds
}

// Standard topic names for the backtest pipeline. The engine emits domain
// events; sinks (step-log writer, notifier) subscribe independently so
// transport failures never reach the core.
const (
	TopicBacktestRequested = "kestrel.backtest.requested"
	TopicBacktestStep      = "kestrel.backtest.step"
	TopicBacktestCompleted = "kestrel.backtest.completed"
	TopicBacktestFailed    = "kestrel.backtest.failed"
)

// StepEvent is the payload for TopicBacktestStep.
type StepEvent struct {
	TenantID     string         `json:"tenantId"`
	ExperimentID string         `json:"experimentId"`
	Step         string         `json:"step"`
	Ms           int64          `json:"ms,omitempty"`
	Detail       map[string]any `json:"detail,omitempty"`
}

// CompletedEvent is the payload for TopicBacktestCompleted.
type CompletedEvent struct {
	TenantID      string  `json:"tenantId"`
	ExperimentID  string  `json:"experimentId"`
	DeltaWritten  float64 `json:"deltaWritten"`
	LRBase        float64 `json:"lrBase"`
	LRCandidate   float64 `json:"lrCandidate"`
	AffectedUnits int     `json:"affectedUnits"`
}

// FailedEvent is the payload for TopicBacktestFailed.
type FailedEvent struct {
	TenantID     string `json:"tenantId"`
	ExperimentID string `json:"experimentId"`
	Step         string `json:"step"`
	Error        string `json:"error"`
}

// RequestedEvent is the payload for TopicBacktestRequested, carrying
// everything the async worker needs to run the backtest.
type RequestedEvent struct {
	TenantID     string     `json:"tenantId"`
	ExperimentID string     `json:"experimentId"`
	RatePlanID   string     `json:"ratePlanId"`
	CohortSQL    string     `json:"cohortSql"`
	BaseParams   RateParams `json:"baseParams"`
	ParamPatch   ParamPatch `json:"paramPatch"`
	From         string     `json:"from"`
	To           string     `json:"to"`
}
