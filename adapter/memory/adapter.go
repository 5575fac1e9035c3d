package memory

import (
	"context"
	"fmt"
	"maps"
	"sync"
	"sync/atomic"
	"time"

	"github.com/trickstertwo/xnotify"
)

const TransportName = "memory"

func init() {
	if err := xnotify.RegisterTransport(TransportName, func(cfg map[string]any) (xnotify.Transport, error) {
		return NewTransport(ConfigFromMap(cfg)), nil
	}); err != nil {
		panic(fmt.Errorf("xnotify/memory: failed to register transport: %w", err))
	}
}

// Config controls memory transport behavior.
type Config struct {
	// BufferSize caps the pending messages per consumer group (default: 1024).
	// A publish that would overflow any group is rejected as a whole.
	BufferSize int
	// Concurrency is the number of workers per subscription (default: 1).
	Concurrency int
	// RedeliveryDelay is the delay before a nacked message is queued again.
	RedeliveryDelay time.Duration
	// MaxDeliveries bounds attempts per message and group (0 = unbounded).
	MaxDeliveries int
}

func ConfigFromMap(cfg map[string]any) Config {
	getInt := func(k string, d int) int {
		switch v := cfg[k].(type) {
		case int:
			return v
		case int64:
			return int(v)
		case float64:
			return int(v)
		default:
			return d
		}
	}
	getDur := func(k string, d time.Duration) time.Duration {
		switch v := cfg[k].(type) {
		case time.Duration:
			return v
		case string:
			if p, err := time.ParseDuration(v); err == nil {
				return p
			}
		}
		return d
	}
	return Config{
		BufferSize:      max(1, getInt("buffer_size", 1024)),
		Concurrency:     max(1, getInt("concurrency", 1)),
		RedeliveryDelay: getDur("redelivery_delay", 0),
		MaxDeliveries:   max(0, getInt("max_deliveries", 0)),
	}
}

func (c Config) toMap() map[string]any {
	return map[string]any{
		"buffer_size":      c.BufferSize,
		"concurrency":      c.Concurrency,
		"redelivery_delay": c.RedeliveryDelay,
		"max_deliveries":   c.MaxDeliveries,
	}
}

// Transport is an in-process xnotify.Transport for development and tests.
// Every consumer group of a topic receives each message at least once.
type Transport struct {
	cfg Config

	mu     sync.Mutex
	topics map[string]map[string]*group
	closed atomic.Bool

	published   atomic.Uint64
	delivered   atomic.Uint64
	acked       atomic.Uint64
	nacked      atomic.Uint64
	redelivered atomic.Uint64
	dropped     atomic.Uint64
}

var _ xnotify.Transport = (*Transport)(nil)

func NewTransport(cfg Config) *Transport {
	if cfg.BufferSize < 1 {
		cfg.BufferSize = 1024
	}
	if cfg.Concurrency < 1 {
		cfg.Concurrency = 1
	}
	return &Transport{cfg: cfg, topics: make(map[string]map[string]*group)}
}

// Publish enqueues msgs on every group of topic. Either all groups receive
// all messages or none do. Each group gets its own copy of the metadata; a
// topic with no groups accepts and discards the messages.
func (t *Transport) Publish(ctx context.Context, topic string, msgs ...*xnotify.Message) error {
	if t.closed.Load() {
		return fmt.Errorf("%w: memory transport closed", xnotify.ErrUnavailable)
	}
	if err := ctx.Err(); err != nil {
		return err
	}
	for _, m := range msgs {
		if m == nil {
			return xnotify.ErrInvalidPayload
		}
	}
	if len(msgs) == 0 {
		return nil
	}

	t.mu.Lock()
	defer t.mu.Unlock()

	groups := t.topics[topic]
	for name, g := range groups {
		if g.len()+len(msgs) > t.cfg.BufferSize {
			return fmt.Errorf("%w: group %q of %q is full", xnotify.ErrUnavailable, name, topic)
		}
	}
	for _, g := range groups {
		for _, m := range msgs {
			cp := *m
			cp.Metadata = maps.Clone(m.Metadata)
			g.push(&task{msg: &cp, group: g})
		}
	}
	t.published.Add(uint64(len(msgs)))
	return nil
}

// Subscribe starts Concurrency workers for topic/group. Messages published
// before the first subscription of a group are not retained.
func (t *Transport) Subscribe(ctx context.Context, topic, group string, handler func(xnotify.Delivery)) (xnotify.Subscription, error) {
	if t.closed.Load() {
		return nil, fmt.Errorf("%w: memory transport closed", xnotify.ErrUnavailable)
	}

	g := t.ensureGroup(topic, group)
	inner, cancel := context.WithCancel(ctx)
	var wg sync.WaitGroup
	for range t.cfg.Concurrency {
		wg.Add(1)
		go func() {
			defer wg.Done()
			t.work(inner, g, handler)
		}()
	}
	return &subscription{close: func() error {
		cancel()
		wg.Wait()
		return nil
	}}, nil
}

func (t *Transport) work(ctx context.Context, g *group, handler func(xnotify.Delivery)) {
	for {
		tk, ok := g.pop(ctx)
		if !ok {
			return
		}
		tk.attempts++
		t.delivered.Add(1)
		handler(&delivery{task: tk, tr: t})
	}
}

func (t *Transport) ensureGroup(topic, name string) *group {
	t.mu.Lock()
	defer t.mu.Unlock()
	groups, ok := t.topics[topic]
	if !ok {
		groups = make(map[string]*group)
		t.topics[topic] = groups
	}
	g, ok := groups[name]
	if !ok {
		g = newGroup()
		groups[name] = g
	}
	return g
}

// Close stops accepting publishes and releases blocked workers.
func (t *Transport) Close(_ context.Context) error {
	if t.closed.Swap(true) {
		return nil
	}
	t.mu.Lock()
	defer t.mu.Unlock()
	for _, groups := range t.topics {
		for _, g := range groups {
			g.close()
		}
	}
	return nil
}

// Stats is a snapshot of transport counters.
type Stats struct {
	Published   uint64
	Delivered   uint64
	Acked       uint64
	Nacked      uint64
	Redelivered uint64
	Dropped     uint64
}

func (t *Transport) Stats() Stats {
	return Stats{
		Published:   t.published.Load(),
		Delivered:   t.delivered.Load(),
		Acked:       t.acked.Load(),
		Nacked:      t.nacked.Load(),
		Redelivered: t.redelivered.Load(),
		Dropped:     t.dropped.Load(),
	}
}

type subscription struct {
	once  sync.Once
	close func() error
}

func (s *subscription) Close() error {
	var err error
	s.once.Do(func() { err = s.close() })
	return err
}

// group is an unbounded FIFO guarded by a mutex; capacity is enforced by
// Publish so that a redelivery never fails for lack of room.
type group struct {
	mu     sync.Mutex
	queue  []*task
	ready  chan struct{}
	closed bool
}

func newGroup() *group {
	return &group{ready: make(chan struct{})}
}

func (g *group) len() int {
	g.mu.Lock()
	defer g.mu.Unlock()
	return len(g.queue)
}

func (g *group) push(tk *task) {
	g.mu.Lock()
	defer g.mu.Unlock()
	if g.closed {
		return
	}
	g.queue = append(g.queue, tk)
	close(g.ready)
	g.ready = make(chan struct{})
}

func (g *group) pop(ctx context.Context) (*task, bool) {
	for {
		g.mu.Lock()
		if g.closed {
			g.mu.Unlock()
			return nil, false
		}
		if len(g.queue) > 0 {
			tk := g.queue[0]
			g.queue[0] = nil
			g.queue = g.queue[1:]
			g.mu.Unlock()
			return tk, true
		}
		ready := g.ready
		g.mu.Unlock()

		select {
		case <-ctx.Done():
			return nil, false
		case <-ready:
		}
	}
}

func (g *group) close() {
	g.mu.Lock()
	defer g.mu.Unlock()
	if g.closed {
		return
	}
	g.closed = true
	g.queue = nil
	close(g.ready)
}

type task struct {
	msg      *xnotify.Message
	group    *group
	attempts int
}

type delivery struct {
	task *task
	tr   *Transport
	once sync.Once
}

func (d *delivery) Message() *xnotify.Message { return d.task.msg }

func (d *delivery) Ack(_ context.Context) error {
	d.once.Do(func() { d.tr.acked.Add(1) })
	return nil
}

// Nack queues the message again unless MaxDeliveries is exhausted.
func (d *delivery) Nack(_ context.Context, _ error) error {
	d.once.Do(func() {
		d.tr.nacked.Add(1)
		if limit := d.tr.cfg.MaxDeliveries; limit > 0 && d.task.attempts >= limit {
			d.tr.dropped.Add(1)
			return
		}
		d.tr.redelivered.Add(1)
		if delay := d.tr.cfg.RedeliveryDelay; delay > 0 {
			time.AfterFunc(delay, func() { d.task.group.push(d.task) })
			return
		}
		d.task.group.push(d.task)
	})
	return nil
}
