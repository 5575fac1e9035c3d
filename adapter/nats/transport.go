// Package nats provides a NATS JetStream transport for xnotify.
//
// Transport name: "nats". A topic is a subject captured by a JetStream
// stream; a subscriber group is a durable queue consumer with manual acks,
// so each group sees every message at least once. The bus id is sent as the
// Nats-Msg-Id header and doubles as the JetStream de-duplication key.
package nats

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/nats-io/nats.go"

	"github.com/trickstertwo/xnotify"
)

const TransportName = "nats"

const (
	hdrEventName  = "Xnotify-Event"
	hdrProducedAt = "Xnotify-Produced-At"
	hdrMetaPrefix = "Xnotify-Meta-"
)

func init() {
	if err := xnotify.RegisterTransport(TransportName, func(cfg map[string]any) (xnotify.Transport, error) {
		t, err := NewTransport(ConfigFromMap(cfg))
		if err != nil {
			return nil, err
		}
		return t, nil
	}); err != nil {
		panic(fmt.Errorf("xnotify: failed to register transport %q: %w", TransportName, err))
	}
}

type Config struct {
	URL string
	// Stream is the JetStream stream holding the topics. When
	// AutoCreateStream is set it is created with Subjects if missing.
	Stream           string
	Subjects         []string
	AutoCreateStream bool
	// Concurrency is the number of queue subscriptions per group.
	Concurrency int
	AckWait     time.Duration
	// MaxDeliver bounds redeliveries of a nacked message (-1 = unbounded).
	MaxDeliver int
	// Name is the client connection name.
	Name string
}

func Defaults() Config {
	return Config{
		URL:         nats.DefaultURL,
		Stream:      "XNOTIFY",
		Subjects:    []string{"xnotify.>"},
		Concurrency: 1,
		AckWait:     30 * time.Second,
		MaxDeliver:  -1,
		Name:        "xnotify",
	}
}

func ConfigFromMap(m map[string]any) Config {
	c := Defaults()
	if v, ok := m["url"].(string); ok && v != "" {
		c.URL = v
	}
	if v, ok := m["stream"].(string); ok && v != "" {
		c.Stream = v
	}
	switch v := m["subjects"].(type) {
	case []string:
		c.Subjects = v
	case string:
		if v != "" {
			c.Subjects = strings.Split(v, ",")
		}
	}
	if v, ok := m["auto_create_stream"].(bool); ok {
		c.AutoCreateStream = v
	}
	if v, ok := m["concurrency"].(int); ok && v > 0 {
		c.Concurrency = v
	}
	switch v := m["ack_wait"].(type) {
	case time.Duration:
		c.AckWait = v
	case string:
		if d, err := time.ParseDuration(v); err == nil {
			c.AckWait = d
		}
	}
	if v, ok := m["max_deliver"].(int); ok && v != 0 {
		c.MaxDeliver = v
	}
	if v, ok := m["name"].(string); ok && v != "" {
		c.Name = v
	}
	return c
}

// Transport implements xnotify.Transport on JetStream.
type Transport struct {
	cfg    Config
	nc     *nats.Conn
	js     nats.JetStreamContext
	closed atomic.Bool

	published atomic.Uint64
	acked     atomic.Uint64
	nacked    atomic.Uint64
}

var _ xnotify.Transport = (*Transport)(nil)

// NewTransport connects and, when configured, ensures the stream exists.
func NewTransport(cfg Config) (*Transport, error) {
	nc, err := nats.Connect(cfg.URL, nats.Name(cfg.Name), nats.MaxReconnects(-1))
	if err != nil {
		return nil, classify(err)
	}
	js, err := nc.JetStream()
	if err != nil {
		nc.Close()
		return nil, classify(err)
	}
	t := &Transport{cfg: cfg, nc: nc, js: js}
	if cfg.AutoCreateStream {
		if err := t.ensureStream(); err != nil {
			nc.Close()
			return nil, err
		}
	}
	return t, nil
}

func (t *Transport) ensureStream() error {
	_, err := t.js.StreamInfo(t.cfg.Stream)
	if err == nil {
		return nil
	}
	if !errors.Is(err, nats.ErrStreamNotFound) {
		return classify(err)
	}
	_, err = t.js.AddStream(&nats.StreamConfig{
		Name:     t.cfg.Stream,
		Subjects: t.cfg.Subjects,
		Storage:  nats.FileStorage,
	})
	return classify(err)
}

// Publish sends each message and waits for the stream ack.
func (t *Transport) Publish(ctx context.Context, topic string, msgs ...*xnotify.Message) error {
	if t.closed.Load() {
		return fmt.Errorf("%w: nats transport closed", xnotify.ErrUnavailable)
	}
	for _, m := range msgs {
		if m == nil {
			return xnotify.ErrInvalidPayload
		}
		if _, err := t.js.PublishMsg(encode(topic, m), nats.Context(ctx)); err != nil {
			return classify(err)
		}
		t.published.Add(1)
	}
	return nil
}

// Subscribe binds Concurrency queue subscriptions to the durable consumer
// named after group.
func (t *Transport) Subscribe(ctx context.Context, topic, group string, handler func(xnotify.Delivery)) (xnotify.Subscription, error) {
	if t.closed.Load() {
		return nil, fmt.Errorf("%w: nats transport closed", xnotify.ErrUnavailable)
	}
	durable := durableName(group)
	opts := []nats.SubOpt{
		nats.Durable(durable),
		nats.ManualAck(),
		nats.AckExplicit(),
		nats.AckWait(t.cfg.AckWait),
		nats.MaxDeliver(t.cfg.MaxDeliver),
		nats.Context(ctx),
	}

	var inflight sync.WaitGroup
	cb := func(m *nats.Msg) {
		inflight.Add(1)
		defer inflight.Done()
		handler(&delivery{raw: m, msg: decode(m), t: t})
	}

	subs := make([]*nats.Subscription, 0, t.cfg.Concurrency)
	unsubscribe := func() {
		for _, s := range subs {
			_ = s.Drain()
		}
		inflight.Wait()
	}
	for range max(1, t.cfg.Concurrency) {
		s, err := t.js.QueueSubscribe(topic, durable, cb, opts...)
		if err != nil {
			unsubscribe()
			return nil, classify(err)
		}
		subs = append(subs, s)
	}

	sub := &subscription{close: unsubscribe}
	go func() {
		<-ctx.Done()
		_ = sub.Close()
	}()
	return sub, nil
}

func (t *Transport) Close(_ context.Context) error {
	if t.closed.Swap(true) {
		return nil
	}
	return t.nc.Drain()
}

// Stats is a snapshot of transport counters.
type Stats struct {
	Published uint64
	Acked     uint64
	Nacked    uint64
}

func (t *Transport) Stats() Stats {
	return Stats{Published: t.published.Load(), Acked: t.acked.Load(), Nacked: t.nacked.Load()}
}

type subscription struct {
	once  sync.Once
	close func()
}

func (s *subscription) Close() error {
	s.once.Do(s.close)
	return nil
}

type delivery struct {
	raw  *nats.Msg
	msg  *xnotify.Message
	t    *Transport
	once sync.Once
}

func (d *delivery) Message() *xnotify.Message { return d.msg }

func (d *delivery) Ack(ctx context.Context) error {
	var err error
	d.once.Do(func() {
		if err = d.raw.AckSync(nats.Context(ctx)); err == nil {
			d.t.acked.Add(1)
		}
	})
	return classify(err)
}

// Nack asks the server to redeliver; MaxDeliver bounds the attempts.
func (d *delivery) Nack(ctx context.Context, _ error) error {
	var err error
	d.once.Do(func() {
		d.t.nacked.Add(1)
		err = d.raw.Nak(nats.Context(ctx))
	})
	return classify(err)
}

func encode(subject string, m *xnotify.Message) *nats.Msg {
	out := nats.NewMsg(subject)
	out.Data = m.Payload
	if m.ID != "" {
		out.Header.Set(nats.MsgIdHdr, m.ID)
	}
	out.Header.Set(hdrEventName, m.Name)
	if !m.ProducedAt.IsZero() {
		out.Header.Set(hdrProducedAt, strconv.FormatInt(m.ProducedAt.UnixNano(), 10))
	}
	for k, v := range m.Metadata {
		out.Header.Set(hdrMetaPrefix+k, v)
	}
	return out
}

func decode(in *nats.Msg) *xnotify.Message {
	m := &xnotify.Message{
		ID:       in.Header.Get(nats.MsgIdHdr),
		Name:     in.Header.Get(hdrEventName),
		Payload:  in.Data,
		Metadata: make(map[string]string),
	}
	if ns, err := strconv.ParseInt(in.Header.Get(hdrProducedAt), 10, 64); err == nil && ns > 0 {
		m.ProducedAt = time.Unix(0, ns)
	}
	for k, vs := range in.Header {
		if len(vs) == 0 {
			continue
		}
		// nats.Header keys are stored as set, not canonicalized.
		if key, ok := strings.CutPrefix(k, hdrMetaPrefix); ok {
			m.Metadata[key] = vs[0]
		}
	}
	return m
}

// durableName maps a group onto the characters JetStream accepts.
func durableName(group string) string {
	r := strings.NewReplacer(".", "_", "*", "_", ">", "_", " ", "_")
	return r.Replace(group)
}

// classify maps NATS errors onto the xnotify taxonomy.
func classify(err error) error {
	switch {
	case err == nil:
		return nil
	case errors.Is(err, context.Canceled), errors.Is(err, context.DeadlineExceeded):
		return err
	case errors.Is(err, nats.ErrAuthorization),
		errors.Is(err, nats.ErrAuthExpired),
		errors.Is(err, nats.ErrPermissionViolation),
		strings.Contains(strings.ToLower(err.Error()), "permissions violation"):
		return fmt.Errorf("%w: %w", xnotify.ErrUnauthorized, err)
	case errors.Is(err, nats.ErrBadSubject), errors.Is(err, nats.ErrMaxPayload), errors.Is(err, nats.ErrInvalidDurableName):
		return fmt.Errorf("%w: %w", xnotify.ErrMalformed, err)
	}
	return fmt.Errorf("%w: %w", xnotify.ErrUnavailable, err)
}
