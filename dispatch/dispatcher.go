package dispatch

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/trickstertwo/xclock"
	"github.com/trickstertwo/xlog"

	"github.com/trickstertwo/xnotify"
	"github.com/trickstertwo/xnotify/logstream"
	"github.com/trickstertwo/xnotify/policy"
)

// DefaultTimeout bounds a single publish.
const DefaultTimeout = 30 * time.Second

var (
	ErrNoTopic  = errors.New("dispatch: topic required")
	ErrNoSource = errors.New("dispatch: log source identity required")
	ErrNoBus    = errors.New("dispatch: publisher required")
	ErrNoLines  = errors.New("dispatch: log emitter required")
)

// Config is injected per deployment; nothing here has a literal default
// except the timeout.
type Config struct {
	// Topic is the bus topic identity (SNS ARN, stream key or subject).
	Topic string `mapstructure:"topic"`
	// Source identifies this dispatcher on the log stream.
	Source  string        `mapstructure:"source"`
	Timeout time.Duration `mapstructure:"timeout"`
}

// Validate fails fast on missing or unresolved identities.
func (c Config) Validate() error {
	switch {
	case c.Topic == "":
		return ErrNoTopic
	case policy.Unresolved(c.Topic):
		return fmt.Errorf("dispatch: topic %q: %w", c.Topic, policy.ErrUnresolved)
	case c.Source == "":
		return ErrNoSource
	case policy.Unresolved(c.Source):
		return fmt.Errorf("dispatch: source %q: %w", c.Source, policy.ErrUnresolved)
	}
	return nil
}

// Dispatcher publishes notifications. Safe for concurrent use.
type Dispatcher struct {
	cfg    Config
	bus    xnotify.Publisher
	lines  logstream.Emitter
	logger *xlog.Logger
	clock  xclock.Clock
}

// Option customizes a Dispatcher.
type Option func(*Dispatcher)

func WithLogger(l *xlog.Logger) Option {
	return func(d *Dispatcher) {
		if l != nil {
			d.logger = l
		}
	}
}

func WithClock(c xclock.Clock) Option {
	return func(d *Dispatcher) {
		if c != nil {
			d.clock = c
		}
	}
}

// New wires a dispatcher to a bus and to the log stream its outcome lines
// are written to.
func New(cfg Config, bus xnotify.Publisher, lines logstream.Emitter, opts ...Option) (*Dispatcher, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	if bus == nil {
		return nil, ErrNoBus
	}
	if lines == nil {
		return nil, ErrNoLines
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = DefaultTimeout
	}
	d := &Dispatcher{
		cfg:    cfg,
		bus:    bus,
		lines:  lines,
		logger: xlog.Default(),
		clock:  xclock.Default(),
	}
	for _, o := range opts {
		if o != nil {
			o(d)
		}
	}
	d.logger = d.logger.With(xlog.Str("component", "dispatcher"), xlog.Str("topic", cfg.Topic))
	return d, nil
}

// Topic returns the configured topic identity.
func (d *Dispatcher) Topic() string { return d.cfg.Topic }

// Submit publishes ev once and records the outcome on the log stream before
// returning. It never retries; a failure comes back as *xnotify.PublishFailure
// and callers use xnotify.Retryable to decide what to do.
func (d *Dispatcher) Submit(ctx context.Context, ev Event) (Receipt, error) {
	if ev == nil {
		err := fmt.Errorf("%w: event must be a mapping", xnotify.ErrMalformed)
		d.record(ctx, logstream.LevelError, "Failed to send notification: "+err.Error())
		return Receipt{}, err
	}

	pctx, cancel := context.WithTimeout(ctx, d.cfg.Timeout)
	defer cancel()

	start := d.clock.Now()
	w := newWire(ev)
	ack, err := d.bus.Publish(pctx, d.cfg.Topic, EventName, w, map[string]string{MetaSubject: w.Subject})
	if err != nil {
		d.logger.Error().Err(err).Dur("duration", d.clock.Since(start)).Msg("publish failed")
		d.record(ctx, logstream.LevelError, "Failed to send notification: "+err.Error())
		return Receipt{}, &xnotify.PublishFailure{Topic: d.cfg.Topic, Err: err}
	}

	d.logger.Info().Str("message_id", ack.MessageID).Dur("duration", d.clock.Since(start)).Msg("published")
	d.record(ctx, logstream.LevelInfo, "Successfully sent notification with MessageId: "+ack.MessageID)
	return Receipt{EnvelopeID: ack.MessageID, TopicID: d.cfg.Topic}, nil
}

// record writes the outcome line. The caller may already have given up, so
// the write is detached from its cancellation.
func (d *Dispatcher) record(ctx context.Context, level, msg string) {
	line := logstream.Line{
		Timestamp: d.clock.Now(),
		Level:     level,
		Message:   msg,
		Source:    d.cfg.Source,
	}
	if err := d.lines.Emit(context.WithoutCancel(ctx), line); err != nil {
		d.logger.Warn().Err(err).Str("line", msg).Msg("log line dropped")
	}
}
