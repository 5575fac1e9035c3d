package xnotify

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/trickstertwo/xclock"
	"github.com/trickstertwo/xlog"

	"github.com/trickstertwo/xnotify/policy"
)

var _ HealthChecker = (*Bus)(nil)

// Authorizer is the subset of the access policy guard the bus consults
// before publishing.
type Authorizer interface {
	Authorize(principal string, action policy.Action, resource string) bool
}

// Bus is the central Facade handling publish/subscribe against a Transport.
type Bus struct {
	transport    Transport
	codec        Codec
	clock        xclock.Clock
	logger       *xlog.Logger
	middlewares  []Middleware
	ackTimeout   time.Duration
	guard        Authorizer
	principal    string
	newID        func() string
	observerPool *ObserverPool
	observersMu  sync.RWMutex
	observers    []Observer
	metrics      *busMetrics
	closed       atomic.Bool
	closeOnce    sync.Once
}

// busMetrics uses lock-free atomics for production-grade telemetry.
type busMetrics struct {
	publishCount      atomic.Uint64
	consumeCount      atomic.Uint64
	ackCount          atomic.Uint64
	nackCount         atomic.Uint64
	errorCount        atomic.Uint64
	unauthorizedCount atomic.Uint64
	processingNs      atomic.Int64
}

// Codec returns the configured codec (Strategy).
func (b *Bus) Codec() Codec { return b.codec }

// Publish encodes and sends a payload to a topic as an event name.
// The call is synchronous: the returned PublishAck means the transport
// accepted the message. Errors are classified against the failure taxonomy.
func (b *Bus) Publish(ctx context.Context, topic, eventName string, payload any, meta map[string]string) (PublishAck, error) {
	// Check closed and cancelled before any work.
	if b.closed.Load() {
		return PublishAck{}, ErrBusClosed
	}
	if err := ctx.Err(); err != nil {
		return PublishAck{}, err
	}

	if topic == "" {
		return PublishAck{}, ErrInvalidTopic
	}
	if eventName == "" {
		return PublishAck{}, ErrInvalidEventName
	}
	if err := b.authorizePublish(topic); err != nil {
		return PublishAck{}, err
	}

	b.metrics.publishCount.Add(1)

	data, err := b.codec.Marshal(payload)
	if err != nil {
		b.metrics.errorCount.Add(1)
		return PublishAck{}, errMalformed(err)
	}

	msg := Message{
		ID:         b.newID(),
		Name:       eventName,
		Payload:    data,
		Metadata:   meta,
		ProducedAt: b.clock.Now(),
	}

	start := b.clock.Now()
	b.notifyAsync(Event{Type: PublishStart, Topic: topic, EventName: eventName, MessageID: msg.ID})

	err = b.transport.Publish(ctx, topic, &msg)

	duration := b.clock.Since(start)
	b.recordProcessingTime(duration.Nanoseconds())

	if err != nil {
		err = classifyPublish(ctx, err)
		b.metrics.errorCount.Add(1)
	}

	b.notifyAsync(Event{
		Type:      PublishDone,
		Topic:     topic,
		EventName: eventName,
		MessageID: msg.ID,
		Duration:  duration,
		Err:       err,
	})

	if err != nil {
		return PublishAck{}, err
	}
	return PublishAck{Topic: topic, MessageID: msg.ID}, nil
}

// PublishBatch sends multiple events in one transport call.
// All events are validated before any encoding.
func (b *Bus) PublishBatch(ctx context.Context, topic string, events ...PublishEvent) ([]PublishAck, error) {
	if b.closed.Load() {
		return nil, ErrBusClosed
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	if len(events) == 0 {
		return nil, nil
	}

	if topic == "" {
		return nil, ErrInvalidTopic
	}

	for _, evt := range events {
		if evt.Name == "" {
			return nil, ErrInvalidEventName
		}
		if evt.Payload == nil {
			return nil, ErrInvalidPayload
		}
	}
	if err := b.authorizePublish(topic); err != nil {
		return nil, err
	}

	b.metrics.publishCount.Add(uint64(len(events)))

	msgs := make([]*Message, len(events))
	for i := range events {
		data, err := b.codec.Marshal(events[i].Payload)
		if err != nil {
			b.metrics.errorCount.Add(1)
			return nil, errMalformed(err)
		}
		msgs[i] = &Message{
			ID:         b.newID(),
			Name:       events[i].Name,
			Payload:    data,
			Metadata:   events[i].Meta,
			ProducedAt: b.clock.Now(),
		}
	}

	// Single batch event notification (not per-message).
	b.notifyAsync(Event{
		Type:      PublishStart,
		Topic:     topic,
		EventName: "batch",
	})

	start := b.clock.Now()
	err := b.transport.Publish(ctx, topic, msgs...)

	duration := b.clock.Since(start)
	b.recordProcessingTime(duration.Nanoseconds())

	if err != nil {
		err = classifyPublish(ctx, err)
		b.metrics.errorCount.Add(1)
	}

	b.notifyAsync(Event{
		Type:      PublishDone,
		Topic:     topic,
		EventName: "batch",
		Duration:  duration,
		Err:       err,
	})

	if err != nil {
		return nil, err
	}
	acks := make([]PublishAck, len(msgs))
	for i, m := range msgs {
		acks[i] = PublishAck{Topic: topic, MessageID: m.ID}
	}
	return acks, nil
}

func (b *Bus) authorizePublish(topic string) error {
	if b.guard == nil {
		return nil
	}
	if b.guard.Authorize(b.principal, policy.ActionPublish, topic) {
		return nil
	}
	b.metrics.unauthorizedCount.Add(1)
	b.logger.Warn().
		Str("principal", b.principal).
		Str("topic", topic).
		Msg("xnotify: publish denied")
	return ErrUnauthorized
}

// Subscribe registers a handler under a consumer group for a topic.
// The handler is wrapped with the configured middlewares and protected by recovery.
func (b *Bus) Subscribe(ctx context.Context, topic, group string, handler Handler) (Subscription, error) {
	if b.closed.Load() {
		return nil, ErrBusClosed
	}

	if topic == "" || group == "" || handler == nil {
		return nil, ErrInvalidSubscription
	}

	// Always enable panic recovery first for dependability.
	base := RecoveryMiddleware()(handler)
	wh := Chain(base, b.middlewares...)

	hctx := WithScope(ctx, newScope(topic, group, b.codec, b.logger, b.clock))

	return b.transport.Subscribe(ctx, topic, group, func(d Delivery) {
		defer func() {
			if r := recover(); r != nil {
				b.logger.Warn().Msg("xnotify: handler panic (recovered)")
				b.metrics.errorCount.Add(1)
				_ = d.Nack(context.Background(), ErrHandlerPanic)
			}
		}()

		b.metrics.consumeCount.Add(1)
		msg := d.Message()

		b.notifyAsync(Event{
			Type:      ConsumeStart,
			Topic:     topic,
			Group:     group,
			MessageID: msg.ID,
			EventName: msg.Name,
		})

		start := b.clock.Now()
		err := wh(hctx, msg)

		duration := b.clock.Since(start)
		b.recordProcessingTime(duration.Nanoseconds())

		if err == nil {
			b.metrics.ackCount.Add(1)
			b.ackWithTimeout(hctx, d, true, nil)
			b.notifyAsync(Event{
				Type:      ConsumeDone,
				Topic:     topic,
				Group:     group,
				MessageID: msg.ID,
				EventName: msg.Name,
				Duration:  duration,
			})
			b.notifyAsync(Event{
				Type:      Ack,
				Topic:     topic,
				Group:     group,
				MessageID: msg.ID,
				EventName: msg.Name,
			})
			return
		}

		b.metrics.nackCount.Add(1)
		b.ackWithTimeout(hctx, d, false, err)
		b.notifyAsync(Event{
			Type:      ConsumeDone,
			Topic:     topic,
			Group:     group,
			MessageID: msg.ID,
			EventName: msg.Name,
			Duration:  duration,
			Err:       err,
		})
		b.notifyAsync(Event{
			Type:      Nack,
			Topic:     topic,
			Group:     group,
			MessageID: msg.ID,
			EventName: msg.Name,
			Err:       err,
		})
	})
}

// ackWithTimeout handles ack/nack with configurable timeout.
func (b *Bus) ackWithTimeout(ctx context.Context, d Delivery, ack bool, reason error) {
	actx := context.WithoutCancel(ctx)
	cancel := func() {}
	if b.ackTimeout > 0 {
		actx, cancel = context.WithTimeout(actx, b.ackTimeout)
	}
	defer cancel()

	if ack {
		if err := d.Ack(actx); err != nil {
			b.metrics.errorCount.Add(1)
			b.notifyAsync(Event{Type: Error, Err: err})
			b.logger.Warn().Err(err).Msg("xnotify: ack failed")
		}
		return
	}

	if err := d.Nack(actx, reason); err != nil {
		b.metrics.errorCount.Add(1)
		b.notifyAsync(Event{Type: Error, Err: err})
		b.logger.Warn().Err(err).Msg("xnotify: nack failed")
	}
}

// GetMetrics returns current bus metrics.
func (b *Bus) GetMetrics() Metrics {
	var dropped uint64
	if b.observerPool != nil {
		dropped = b.observerPool.Stats().Dropped
	}
	return Metrics{
		Published:           b.metrics.publishCount.Load(),
		Consumed:            b.metrics.consumeCount.Load(),
		Acked:               b.metrics.ackCount.Load(),
		Nacked:              b.metrics.nackCount.Load(),
		Errors:              b.metrics.errorCount.Load(),
		Unauthorized:        b.metrics.unauthorizedCount.Load(),
		EventsDropped:       dropped,
		AvgProcessingTimeMs: float64(b.metrics.processingNs.Load()) / 1e6,
	}
}

// Health reports bus health for liveness and readiness checks.
func (b *Bus) Health(_ context.Context) HealthStatus {
	if b.closed.Load() {
		return HealthStatus{
			Status:    "unhealthy",
			Timestamp: b.clock.Now(),
			Message:   "bus is closed",
		}
	}

	metrics := b.GetMetrics()
	status := "healthy"

	// Degraded if error rate > 5%
	if metrics.Errors > 0 && metrics.Published > 0 {
		errorRate := float64(metrics.Errors) / float64(metrics.Published)
		if errorRate > 0.05 {
			status = "degraded"
		}
	}

	return HealthStatus{
		Status:    status,
		Metrics:   metrics,
		Timestamp: b.clock.Now(),
	}
}

// Close gracefully shuts down the bus. Idempotent.
func (b *Bus) Close(ctx context.Context) error {
	var closeErr error

	b.closeOnce.Do(func() {
		b.closed.Store(true)

		if b.observerPool != nil {
			if err := b.observerPool.Close(5 * time.Second); err != nil {
				b.logger.Warn().Err(err).Msg("xnotify: observer pool shutdown timeout")
				closeErr = err
			}
		}

		if err := b.transport.Close(ctx); err != nil {
			b.logger.Error().Err(err).Msg("xnotify: transport close failed")
			closeErr = err
		}
	})

	return closeErr
}

// AddObserver registers an observer (thread-safe).
func (b *Bus) AddObserver(obs Observer) {
	if obs == nil {
		return
	}
	b.observersMu.Lock()
	b.observers = append(b.observers, obs)
	b.observersMu.Unlock()
}

// RemoveObserver removes an observer.
func (b *Bus) RemoveObserver(obs Observer) {
	if obs == nil {
		return
	}
	b.observersMu.Lock()
	defer b.observersMu.Unlock()

	for i, o := range b.observers {
		if o == obs {
			b.observers = append(b.observers[:i], b.observers[i+1:]...)
			break
		}
	}
}

// notifyAsync dispatches events through the observer pool when one is
// configured, and synchronously otherwise.
func (b *Bus) notifyAsync(e Event) {
	if b.closed.Load() {
		return
	}

	b.observersMu.RLock()
	if len(b.observers) == 0 {
		b.observersMu.RUnlock()
		return
	}
	observers := make([]Observer, len(b.observers))
	copy(observers, b.observers)
	b.observersMu.RUnlock()

	if b.observerPool != nil {
		b.observerPool.Notify(e, observers)
		return
	}
	for _, o := range observers {
		o.OnEvent(e)
	}
}

// recordProcessingTime records processing time using exponential moving average.
func (b *Bus) recordProcessingTime(ns int64) {
	const alpha = 0.2 // 20% weight to new sample
	current := b.metrics.processingNs.Load()
	if current == 0 {
		b.metrics.processingNs.Store(ns)
		return
	}
	newAvg := int64(float64(ns)*alpha + float64(current)*(1-alpha))
	b.metrics.processingNs.Store(newAvg)
}

func errMalformed(err error) error {
	return fmt.Errorf("%w: encode payload: %w", ErrMalformed, err)
}

// classifyPublish keeps cancellation visible: a publish interrupted by its
// caller is reported as the context error, never as a retryable bus fault.
func classifyPublish(ctx context.Context, err error) error {
	if cerr := ctx.Err(); cerr != nil && !errors.Is(err, cerr) {
		return fmt.Errorf("%w: %v", cerr, err)
	}
	return Classify(err)
}
