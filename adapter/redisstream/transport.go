package redisstream

import (
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"net"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/trickstertwo/xnotify"
)

const TransportName = "redis-streams"

func init() {
	if err := xnotify.RegisterTransport(TransportName, func(cfg map[string]any) (xnotify.Transport, error) {
		return NewTransport(ConfigFromMap(cfg))
	}); err != nil {
		panic(fmt.Errorf("xnotify: failed to register transport %q: %w", TransportName, err))
	}
}

// Field names of a stream entry.
const (
	fieldID         = "id"
	fieldName       = "name"
	fieldPayload    = "payload"    // raw bytes
	fieldProducedAt = "producedAt" // int64 ns
	fieldMetaPrefix = "meta:"
)

// MetaStreamID is the metadata key carrying the Redis entry id of a
// delivered message.
const MetaStreamID = "redis-stream-id"

type transport struct {
	cfg    Config
	client redis.UniversalClient
	owned  bool

	closed atomic.Bool

	// delivery pool to reduce per-message allocations
	dpool sync.Pool

	metrics *transportMetrics
}

type transportMetrics struct {
	published     atomic.Uint64
	consumed      atomic.Uint64
	claimed       atomic.Uint64
	acked         atomic.Uint64
	nacked        atomic.Uint64
	publishErrors atomic.Uint64
	consumeErrors atomic.Uint64
}

// Stats is a snapshot of transport counters.
type Stats struct {
	Published     uint64
	Consumed      uint64
	Claimed       uint64
	Acked         uint64
	Nacked        uint64
	PublishErrors uint64
	ConsumeErrors uint64
}

// StatsProvider is implemented by the transport returned from NewTransport.
type StatsProvider interface {
	Stats() Stats
}

// NewTransport dials Redis and verifies the connection.
func NewTransport(cfg Config) (xnotify.Transport, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	opts := &redis.Options{
		Addr:         cfg.Addr,
		Username:     cfg.Username,
		Password:     cfg.Password,
		DB:           cfg.DB,
		MaxRetries:   3,
		PoolSize:     10,
		MinIdleConns: 2,
	}
	if cfg.TLS {
		opts.TLSConfig = &tls.Config{
			MinVersion: tls.VersionTLS12,
			ServerName: cfg.TLSServerName,
		}
	}

	client := redis.NewClient(opts)
	if err := ping(client); err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("%w: %w", xnotify.ErrUnavailable, err)
	}
	t := newTransport(cfg, client)
	t.owned = true
	return t, nil
}

// NewTransportWithClient shares an existing client, e.g. with the log
// store. Close leaves the client open.
func NewTransportWithClient(client redis.UniversalClient, cfg Config) (xnotify.Transport, error) {
	if client == nil {
		return nil, errors.New("redisstream: nil client")
	}
	if cfg.Addr == "" {
		cfg.Addr = "shared"
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return newTransport(cfg, client), nil
}

func newTransport(cfg Config, client redis.UniversalClient) *transport {
	return &transport{
		cfg:     cfg,
		client:  client,
		metrics: &transportMetrics{},
		dpool:   sync.Pool{New: func() any { return new(delivery) }},
	}
}

// Publish appends msgs with a single pipelined round trip.
func (t *transport) Publish(ctx context.Context, topic string, msgs ...*xnotify.Message) error {
	if t.closed.Load() {
		return fmt.Errorf("%w: redis transport closed", xnotify.ErrUnavailable)
	}
	if len(msgs) == 0 {
		return nil
	}

	pipe := t.client.Pipeline()
	for _, m := range msgs {
		if m == nil {
			return xnotify.ErrInvalidPayload
		}
		vals := make(map[string]any, 4+len(m.Metadata))
		vals[fieldID] = m.ID
		vals[fieldName] = m.Name
		vals[fieldPayload] = m.Payload
		vals[fieldProducedAt] = m.ProducedAt.UnixNano()
		for k, v := range m.Metadata {
			vals[fieldMetaPrefix+k] = v
		}

		args := &redis.XAddArgs{Stream: topic, ID: "*", Values: vals}
		if t.cfg.MaxLenApprox > 0 {
			args.MaxLen = t.cfg.MaxLenApprox
			args.Approx = true
		}
		pipe.XAdd(ctx, args)
	}

	if _, err := pipe.Exec(ctx); err != nil {
		t.metrics.publishErrors.Add(uint64(len(msgs)))
		return classify(err)
	}
	t.metrics.published.Add(uint64(len(msgs)))
	return nil
}

type subscription struct {
	once  sync.Once
	close func()
}

func (s *subscription) Close() error {
	s.once.Do(s.close)
	return nil
}

// Subscribe reads topic as consumer group. Workers share one poller and,
// when configured, one pending-entry claimer.
func (t *transport) Subscribe(ctx context.Context, topic, group string, handler func(xnotify.Delivery)) (xnotify.Subscription, error) {
	if t.closed.Load() {
		return nil, fmt.Errorf("%w: redis transport closed", xnotify.ErrUnavailable)
	}
	if group == "" {
		group = t.cfg.Group
	}
	if t.cfg.AutoCreate {
		err := t.client.XGroupCreateMkStream(ctx, topic, group, "$").Err()
		if err != nil && !strings.Contains(err.Error(), "BUSYGROUP") {
			return nil, classify(err)
		}
	}

	innerCtx, cancel := context.WithCancel(ctx)
	workers := max(1, t.cfg.Concurrency)
	workCh := make(chan *delivery, workers*2)

	var consumers sync.WaitGroup
	for range workers {
		consumers.Add(1)
		go func() {
			defer consumers.Done()
			for d := range workCh {
				handler(d)
				t.releaseDelivery(d)
			}
		}()
	}

	// workCh is closed once every producer has stopped.
	var producers sync.WaitGroup
	producers.Add(1)
	go func() {
		defer producers.Done()
		t.pollerLoop(innerCtx, topic, group, workCh)
	}()
	if t.cfg.ClaimMinIdle > 0 && t.cfg.ClaimInterval > 0 {
		producers.Add(1)
		go func() {
			defer producers.Done()
			t.claimLoop(innerCtx, topic, group, workCh)
		}()
	}
	go func() {
		producers.Wait()
		close(workCh)
	}()

	return &subscription{close: func() {
		cancel()
		producers.Wait()
		consumers.Wait()
	}}, nil
}

func (t *transport) pollerLoop(ctx context.Context, topic, group string, workCh chan<- *delivery) {
	args := &redis.XReadGroupArgs{
		Group:    group,
		Consumer: t.cfg.Consumer,
		Streams:  []string{topic, ">"},
		Count:    int64(max(1, t.cfg.BatchSize)),
		Block:    t.cfg.Block,
	}

	const maxBackoff = 5 * time.Second
	backoff := 100 * time.Millisecond

	for ctx.Err() == nil {
		res, err := t.client.XReadGroup(ctx, args).Result()
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			if errors.Is(err, redis.Nil) {
				backoff = 100 * time.Millisecond
				continue
			}
			t.metrics.consumeErrors.Add(1)
			select {
			case <-time.After(backoff):
				backoff = min(backoff*2, maxBackoff)
			case <-ctx.Done():
				return
			}
			continue
		}
		backoff = 100 * time.Millisecond

		for _, stream := range res {
			for _, x := range stream.Messages {
				t.metrics.consumed.Add(1)
				if !t.hand(ctx, workCh, topic, group, x) {
					return
				}
			}
		}
	}
}

// claimLoop takes over entries left pending by crashed consumers or by a
// Nack without dead letter, and delivers them again.
func (t *transport) claimLoop(ctx context.Context, topic, group string, workCh chan<- *delivery) {
	ticker := time.NewTicker(t.cfg.ClaimInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}

		msgs, _, err := t.client.XAutoClaim(ctx, &redis.XAutoClaimArgs{
			Stream:   topic,
			Group:    group,
			Consumer: t.cfg.Consumer,
			MinIdle:  t.cfg.ClaimMinIdle,
			Start:    "0-0",
			Count:    int64(max(1, t.cfg.ClaimBatch)),
		}).Result()
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			if !errors.Is(err, redis.Nil) {
				t.metrics.consumeErrors.Add(1)
			}
			continue
		}
		for _, x := range msgs {
			t.metrics.claimed.Add(1)
			if !t.hand(ctx, workCh, topic, group, x) {
				return
			}
		}
	}
}

func (t *transport) hand(ctx context.Context, workCh chan<- *delivery, topic, group string, x redis.XMessage) bool {
	d := t.newDelivery()
	d.t = t
	d.topic = topic
	d.group = group
	d.id = x.ID
	d.msg = decodeMessage(x.ID, x.Values)
	select {
	case workCh <- d:
		return true
	case <-ctx.Done():
		t.releaseDelivery(d)
		return false
	}
}

func (t *transport) newDelivery() *delivery {
	d := t.dpool.Get().(*delivery)
	d.once = sync.Once{}
	return d
}

func (t *transport) releaseDelivery(d *delivery) {
	if d == nil {
		return
	}
	*d = delivery{}
	t.dpool.Put(d)
}

func (t *transport) Stats() Stats {
	return Stats{
		Published:     t.metrics.published.Load(),
		Consumed:      t.metrics.consumed.Load(),
		Claimed:       t.metrics.claimed.Load(),
		Acked:         t.metrics.acked.Load(),
		Nacked:        t.metrics.nacked.Load(),
		PublishErrors: t.metrics.publishErrors.Load(),
		ConsumeErrors: t.metrics.consumeErrors.Load(),
	}
}

// Close closes the client when the transport dialed it.
func (t *transport) Close(_ context.Context) error {
	if t.closed.Swap(true) || !t.owned {
		return nil
	}
	return t.client.Close()
}

func ping(c redis.UniversalClient) error {
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()

	res, err := c.Ping(ctx).Result()
	if err != nil {
		var netErr net.Error
		if errors.As(err, &netErr) && netErr.Timeout() {
			return fmt.Errorf("redis ping timeout: %w", err)
		}
		return err
	}
	if !strings.EqualFold(res, "PONG") {
		return fmt.Errorf("unexpected redis ping result: %s", res)
	}
	return nil
}

// classify maps Redis errors onto the xnotify taxonomy.
func classify(err error) error {
	if err == nil || errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return err
	}
	msg := err.Error()
	switch {
	case strings.HasPrefix(msg, "NOPERM"), strings.HasPrefix(msg, "NOAUTH"), strings.HasPrefix(msg, "WRONGPASS"):
		return fmt.Errorf("%w: %w", xnotify.ErrUnauthorized, err)
	case strings.HasPrefix(msg, "WRONGTYPE"):
		return fmt.Errorf("%w: %w", xnotify.ErrMalformed, err)
	}
	return fmt.Errorf("%w: %w", xnotify.ErrUnavailable, err)
}
