package xnotify

import (
	"context"
	"errors"
	"fmt"
	"maps"
	"slices"
	"sync"
)

// Delivery is one received notification. Exactly one of Ack or Nack takes
// effect; later calls are no-ops.
type Delivery interface {
	Message() *Message
	Ack(ctx context.Context) error
	Nack(ctx context.Context, reason error) error
}

// Transport moves notification messages to and from a topic. The memory,
// Redis Streams, NATS and SNS adapters implement it.
type Transport interface {
	// Publish returns only after the backend has durably accepted every
	// message, and may overwrite Message.ID with a broker-assigned id.
	Publish(ctx context.Context, topic string, msgs ...*Message) error
	// Subscribe delivers topic messages to handler within a consumer group
	// until ctx ends or the subscription is closed. Publish-only backends
	// return ErrSubscribeUnsupported.
	Subscribe(ctx context.Context, topic, group string, handler func(Delivery)) (Subscription, error)
	Close(ctx context.Context) error
}

// TransportFactory builds a transport from the adapter's config map.
type TransportFactory func(cfg map[string]any) (Transport, error)

var (
	transportRegistryMu sync.RWMutex
	transportRegistry   = map[string]TransportFactory{}
)

// RegisterTransport makes an adapter available to BusBuilder.WithTransport.
// Adapters call it from init; registering a name twice is an error.
func RegisterTransport(name string, factory TransportFactory) error {
	if name == "" {
		return errors.New("xnotify: transport name must not be empty")
	}
	if factory == nil {
		return errors.New("xnotify: transport factory must not be nil")
	}
	transportRegistryMu.Lock()
	defer transportRegistryMu.Unlock()
	if _, dup := transportRegistry[name]; dup {
		return fmt.Errorf("xnotify: transport %q already registered", name)
	}
	transportRegistry[name] = factory
	return nil
}

// Transports lists the registered adapter names in order.
func Transports() []string {
	transportRegistryMu.RLock()
	defer transportRegistryMu.RUnlock()
	return slices.Sorted(maps.Keys(transportRegistry))
}

// NewTransport builds the named adapter.
func NewTransport(name string, cfg map[string]any) (Transport, error) {
	transportRegistryMu.RLock()
	f, ok := transportRegistry[name]
	transportRegistryMu.RUnlock()
	if !ok {
		return nil, ErrUnknownTransport{name: name, known: Transports()}
	}
	return f(cfg)
}
