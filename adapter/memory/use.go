package memory

import (
	"fmt"
	"time"

	"github.com/trickstertwo/xclock"
	"github.com/trickstertwo/xlog"

	"github.com/trickstertwo/xnotify"
)

// Use builds a Bus on the in-memory transport and installs it as the
// process-wide default.
//
//	bus := memory.Use(memory.Config{BufferSize: 4096, Concurrency: 4},
//	    memory.WithLogger(logger),
//	    memory.WithGuard(guard, "dispatcher"),
//	)
func Use(cfg Config, opts ...Option) *xnotify.Bus {
	bb := xnotify.NewBusBuilder().WithTransport(TransportName, cfg.toMap())
	for _, o := range opts {
		if o != nil {
			o(bb)
		}
	}
	bus, err := bb.Build()
	if err != nil {
		panic(fmt.Errorf("memory.Use: %w", err))
	}
	xnotify.SetDefault(bus)
	return bus
}

// Option configures the xnotify.Bus when calling Use.
type Option func(*xnotify.BusBuilder)

func WithLogger(l *xlog.Logger) Option {
	return func(b *xnotify.BusBuilder) { b.WithLogger(l) }
}

func WithClock(c xclock.Clock) Option {
	return func(b *xnotify.BusBuilder) { b.WithClock(c) }
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

// WithGuard makes every publish subject to a "publish" grant for principal.
func WithGuard(g xnotify.Authorizer, principal string) Option {
	return func(b *xnotify.BusBuilder) { b.WithGuard(g, principal) }
}
