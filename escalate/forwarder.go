// Package escalate forwards matching log lines to a remediation handler.
//
// The forwarder is a leaf: it never publishes notifications and never writes
// to the stream it was fed from, so an escalation cannot trigger another one.
package escalate

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

// DefaultTimeout bounds a single invocation.
const DefaultTimeout = 30 * time.Second

// Invoker calls the remediation target with an opaque payload.
type Invoker interface {
	Invoke(ctx context.Context, target string, payload []byte) error
}

// InvokerFunc adapts a function to Invoker.
type InvokerFunc func(ctx context.Context, target string, payload []byte) error

func (f InvokerFunc) Invoke(ctx context.Context, target string, payload []byte) error {
	return f(ctx, target, payload)
}

// Config wires a Forwarder.
type Config struct {
	// Target is the remediation target identity (e.g. a Lambda ARN).
	Target  string
	Invoker Invoker
	// Guard must grant "invoke" on Target to the log source identity.
	Guard   xnotify.Authorizer
	Timeout time.Duration
	Codec   xnotify.Codec
	Logger  *xlog.Logger
	Clock   xclock.Clock
}

// Forwarder implements logstream.Escalator.
type Forwarder struct {
	cfg Config
}

var _ logstream.Escalator = (*Forwarder)(nil)

var (
	ErrNoTarget  = errors.New("escalate: target required")
	ErrNoInvoker = errors.New("escalate: invoker required")
	ErrNoGuard   = errors.New("escalate: guard required")
)

func New(cfg Config) (*Forwarder, error) {
	switch {
	case cfg.Target == "":
		return nil, ErrNoTarget
	case policy.Unresolved(cfg.Target):
		return nil, fmt.Errorf("escalate: target %q: %w", cfg.Target, policy.ErrUnresolved)
	case cfg.Invoker == nil:
		return nil, ErrNoInvoker
	case cfg.Guard == nil:
		return nil, ErrNoGuard
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = DefaultTimeout
	}
	if cfg.Codec == nil {
		cfg.Codec = xnotify.JSONCodec{}
	}
	if cfg.Logger == nil {
		cfg.Logger = xlog.Default()
	}
	if cfg.Clock == nil {
		cfg.Clock = xclock.Default()
	}
	return &Forwarder{cfg: cfg}, nil
}

// Target returns the configured remediation target.
func (f *Forwarder) Target() string { return f.cfg.Target }

// Forward invokes the remediation target with line as payload. Failures are
// returned as *xnotify.EscalationFailure and are never retried here.
func (f *Forwarder) Forward(ctx context.Context, line logstream.Line) error {
	if !f.cfg.Guard.Authorize(line.Source, policy.ActionInvoke, f.cfg.Target) {
		return &xnotify.EscalationFailure{
			Target: f.cfg.Target,
			Err:    fmt.Errorf("source %q may not invoke: %w", line.Source, xnotify.ErrUnauthorized),
		}
	}

	payload, err := f.cfg.Codec.Marshal(line)
	if err != nil {
		return &xnotify.EscalationFailure{Target: f.cfg.Target, Err: fmt.Errorf("%w: %w", xnotify.ErrMalformed, err)}
	}

	ictx, cancel := context.WithTimeout(ctx, f.cfg.Timeout)
	defer cancel()

	start := f.cfg.Clock.Now()
	err = f.cfg.Invoker.Invoke(ictx, f.cfg.Target, payload)
	if err != nil {
		return &xnotify.EscalationFailure{Target: f.cfg.Target, Err: xnotify.Classify(err)}
	}
	f.cfg.Logger.Debug().
		Str("target", f.cfg.Target).
		Str("source", line.Source).
		Dur("duration", f.cfg.Clock.Since(start)).
		Msg("escalated")
	return nil
}

// FailureLine renders the escalation-channel record for a failed forward.
// failureSource should be an identity the matcher does not watch.
func FailureLine(failureSource string) logstream.FailureLineFunc {
	return func(line logstream.Line, err error) logstream.Line {
		return logstream.Line{
			Level:   logstream.LevelWarn,
			Message: fmt.Sprintf("EscalationFailure: %v (line from %s: %q)", err, line.Source, line.Message),
			Source:  failureSource,
			Channel: logstream.ChannelEscalation,
		}
	}
}
