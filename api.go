package xnotify

import (
	"context"
)

// Handler processes one delivered notification. A nil return acks it; an
// error nacks it so the transport can redeliver.
type Handler func(ctx context.Context, msg *Message) error

// Middleware wraps a Handler.
type Middleware func(next Handler) Handler

type Subscription interface {
	Close() error
}

// Observer receives bus and matcher events. OnEvent must not block.
type Observer interface {
	OnEvent(e Event)
}

type HealthChecker interface {
	Health(ctx context.Context) HealthStatus
}

// Publisher is what the dispatcher needs from the bus: one notification in,
// one acknowledgement or a classified error out.
type Publisher interface {
	Publish(ctx context.Context, topic, eventName string, payload any, meta map[string]string) (PublishAck, error)
}

// Subscriber is what a delivery channel needs from the bus.
type Subscriber interface {
	Subscribe(ctx context.Context, topic, group string, handler Handler) (Subscription, error)
}

// API is the full bus surface.
type API interface {
	Publisher
	Subscriber
	HealthChecker
	PublishBatch(ctx context.Context, topic string, events ...PublishEvent) ([]PublishAck, error)
	Close(ctx context.Context) error
	GetMetrics() Metrics
	AddObserver(obs Observer)
	RemoveObserver(obs Observer)
}

var (
	_ API        = (*Bus)(nil)
	_ Publisher  = (*Bus)(nil)
	_ Subscriber = (*Bus)(nil)
)
