package redisstream

import (
	"fmt"
	"time"

	"github.com/trickstertwo/xclock"
	"github.com/trickstertwo/xlog"

	"github.com/trickstertwo/xnotify"
)

// Use builds a Bus on Redis Streams, installs it as the default Bus and
// returns it. It panics when Redis is unreachable.
func Use(cfg Config, opts ...Option) *xnotify.Bus {
	bb := xnotify.NewBusBuilder().WithTransport(TransportName, cfg.toMap())
	for _, o := range opts {
		if o != nil {
			o(bb)
		}
	}
	bus, err := bb.Build()
	if err != nil {
		panic(fmt.Errorf("redisstream.Use: %w", err))
	}
	xnotify.SetDefault(bus)
	return bus
}

// Option configures the xnotify.Bus construction when calling Use.
type Option func(*xnotify.BusBuilder)

func WithLogger(l *xlog.Logger) Option {
	return func(b *xnotify.BusBuilder) { b.WithLogger(l) }
}

func WithClock(c xclock.Clock) Option {
	return func(b *xnotify.BusBuilder) { b.WithClock(c) }
}

func WithCodec(name string) Option {
	return func(b *xnotify.BusBuilder) { b.WithCodec(name) }
}

func WithMiddleware(mw ...xnotify.Middleware) Option {
	return func(b *xnotify.BusBuilder) { b.WithMiddleware(mw...) }
}

func WithAckTimeout(d time.Duration) Option {
	return func(b *xnotify.BusBuilder) { b.WithAckTimeout(d) }
}

func WithObserver(obs ...xnotify.Observer) Option {
	return func(b *xnotify.BusBuilder) { b.WithObserver(obs...) }
}

func WithGuard(g xnotify.Authorizer, principal string) Option {
	return func(b *xnotify.BusBuilder) { b.WithGuard(g, principal) }
}
