package xnotify

import (
	"context"

	"github.com/trickstertwo/xclock"
	"github.com/trickstertwo/xlog"
)

// Scope describes the subscription a handler is running under. The bus
// attaches one to every handler context.
type Scope struct {
	Topic string
	Group string
	Codec Codec
	// Logger already carries the topic and group fields.
	Logger *xlog.Logger
	Clock  xclock.Clock
}

type scopeKey struct{}

// WithScope returns ctx carrying s. Handlers under test can use it to get
// the same context the bus would hand them.
func WithScope(ctx context.Context, s Scope) context.Context {
	return context.WithValue(ctx, scopeKey{}, s)
}

// ScopeFromContext returns the subscription scope, if any.
func ScopeFromContext(ctx context.Context) (Scope, bool) {
	s, ok := ctx.Value(scopeKey{}).(Scope)
	return s, ok
}

// newScope builds the handler scope for one subscription.
func newScope(topic, group string, codec Codec, logger *xlog.Logger, clock xclock.Clock) Scope {
	if logger != nil {
		logger = logger.With(xlog.Str("topic", topic), xlog.Str("group", group))
	}
	return Scope{Topic: topic, Group: group, Codec: codec, Logger: logger, Clock: clock}
}

// CodecFromContext returns the bus codec of the subscription in ctx.
func CodecFromContext(ctx context.Context) (Codec, bool) {
	s, ok := ScopeFromContext(ctx)
	if !ok || s.Codec == nil {
		return nil, false
	}
	return s.Codec, true
}

// LoggerFromContext returns the subscription logger. Callers that need a
// logger regardless should fall back to xlog.Default.
func LoggerFromContext(ctx context.Context) (*xlog.Logger, bool) {
	s, ok := ScopeFromContext(ctx)
	if !ok || s.Logger == nil {
		return nil, false
	}
	return s.Logger, true
}

func ClockFromContext(ctx context.Context) (xclock.Clock, bool) {
	s, ok := ScopeFromContext(ctx)
	if !ok || s.Clock == nil {
		return nil, false
	}
	return s.Clock, true
}
