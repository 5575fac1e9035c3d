package xnotify

import (
	"context"
	"sync"
)

var (
	defaultBus   *Bus
	defaultBusMu sync.Mutex
)

// Default returns the process-wide Bus installed by SetDefault or an
// adapter's Use function.
func Default() (*Bus, error) {
	defaultBusMu.Lock()
	defer defaultBusMu.Unlock()

	if defaultBus == nil {
		return nil, ErrDefaultBusNotInitialized
	}
	return defaultBus, nil
}

// SetDefault replaces the process-wide default Bus.
func SetDefault(b *Bus) {
	if b == nil {
		panic("xnotify: SetDefault called with nil Bus")
	}
	defaultBusMu.Lock()
	defaultBus = b
	defaultBusMu.Unlock()
}

// Publish is the Facade using the default bus.
func Publish(ctx context.Context, topic, eventName string, payload any, meta map[string]string) (PublishAck, error) {
	b, err := Default()
	if err != nil {
		return PublishAck{}, err
	}
	return b.Publish(ctx, topic, eventName, payload, meta)
}

// Subscribe is the Facade using the default bus.
func Subscribe(ctx context.Context, topic, group string, handler Handler) (Subscription, error) {
	b, err := Default()
	if err != nil {
		return nil, err
	}
	return b.Subscribe(ctx, topic, group, handler)
}
