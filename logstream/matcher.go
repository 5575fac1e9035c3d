package logstream

import (
	"context"
	"errors"
	"fmt"
	"sync/atomic"

	"github.com/trickstertwo/xclock"
	"github.com/trickstertwo/xlog"

	"github.com/trickstertwo/xnotify"
)

// State of the matcher loop.
type State int32

const (
	StateIdle State = iota
	StateScanning
	StateMatchFound
	StateNoMatch
	StateStopped
)

func (s State) String() string {
	switch s {
	case StateIdle:
		return "idle"
	case StateScanning:
		return "scanning"
	case StateMatchFound:
		return "match_found"
	case StateNoMatch:
		return "no_match"
	case StateStopped:
		return "stopped"
	default:
		return fmt.Sprintf("state(%d)", int32(s))
	}
}

// Escalator receives matching lines. Implemented by escalate.Forwarder.
type Escalator interface {
	Forward(ctx context.Context, line Line) error
}

// FailureLineFunc renders the failure-channel record for a failed escalation.
type FailureLineFunc func(line Line, err error) Line

// MatcherConfig wires a Matcher.
type MatcherConfig struct {
	// Source is the only source identity the matcher watches.
	Source string
	// Checkpoint to resume from; CheckpointLatest when empty.
	Checkpoint string
	Pattern    Pattern
	Store      Store
	Escalator  Escalator
	// Failures receives escalation failure lines. It should not be readable
	// under Source; lines are tagged ChannelEscalation regardless.
	Failures    Emitter
	FailureLine FailureLineFunc
	Logger      *xlog.Logger
	Clock       xclock.Clock
	Observers   []xnotify.Observer
}

// Matcher scans one source's log lines and escalates those that match.
type Matcher struct {
	cfg        MatcherConfig
	state      atomic.Int32
	checkpoint atomic.Value
	scanned    atomic.Uint64
	matched    atomic.Uint64
	failed     atomic.Uint64
}

var (
	ErrNoEscalator = errors.New("logstream: matcher needs an escalator")
	ErrNoStore     = errors.New("logstream: matcher needs a store")
)

func NewMatcher(cfg MatcherConfig) (*Matcher, error) {
	if cfg.Source == "" {
		return nil, ErrNoSource
	}
	if cfg.Store == nil {
		return nil, ErrNoStore
	}
	if cfg.Escalator == nil {
		return nil, ErrNoEscalator
	}
	if len(cfg.Pattern.terms) == 0 {
		cfg.Pattern = MustPattern(DefaultTerms, false)
	}
	if cfg.Checkpoint == "" {
		cfg.Checkpoint = CheckpointLatest
	}
	if cfg.FailureLine == nil {
		cfg.FailureLine = defaultFailureLine
	}
	if cfg.Logger == nil {
		cfg.Logger = xlog.Default()
	}
	if cfg.Clock == nil {
		cfg.Clock = xclock.Default()
	}
	m := &Matcher{cfg: cfg}
	m.checkpoint.Store(cfg.Checkpoint)
	return m, nil
}

// Matches reports whether line should be escalated: it belongs to the
// watched source, is not on the escalation channel, and its message
// contains a filter term.
func (m *Matcher) Matches(line Line) bool {
	if line.Source != m.cfg.Source || line.Channel == ChannelEscalation {
		return false
	}
	return m.cfg.Pattern.Match(line.Message)
}

// State returns the current loop state.
func (m *Matcher) State() State { return State(m.state.Load()) }

// Checkpoint returns the position after the last line processed.
func (m *Matcher) Checkpoint() string { return m.checkpoint.Load().(string) }

// MatcherStats is a snapshot of matcher counters.
type MatcherStats struct {
	Scanned uint64
	Matched uint64
	Failed  uint64
}

func (m *Matcher) Stats() MatcherStats {
	return MatcherStats{
		Scanned: m.scanned.Load(),
		Matched: m.matched.Load(),
		Failed:  m.failed.Load(),
	}
}

// Run scans until ctx is cancelled. It returns nil on cancellation and the
// store error otherwise.
func (m *Matcher) Run(ctx context.Context) error {
	defer m.state.Store(int32(StateStopped))

	r, err := m.cfg.Store.Reader(ctx, m.cfg.Source, m.Checkpoint())
	if err != nil {
		return err
	}
	defer r.Close()
	// Readers resolve CheckpointLatest when opened; record the concrete
	// position so a run that stops before any line can still be resumed.
	m.checkpoint.Store(r.Checkpoint())

	for {
		m.state.Store(int32(StateScanning))
		line, err := r.Next(ctx)
		if err != nil {
			if ctx.Err() != nil {
				return nil
			}
			return err
		}
		m.checkpoint.Store(r.Checkpoint())
		m.Process(ctx, line)
	}
}

// Process evaluates a single line and escalates it at most once.
// It returns true if the line matched.
func (m *Matcher) Process(ctx context.Context, line Line) bool {
	m.scanned.Add(1)
	if !m.Matches(line) {
		m.state.Store(int32(StateNoMatch))
		return false
	}
	m.state.Store(int32(StateMatchFound))
	m.matched.Add(1)
	m.notify(xnotify.Event{Type: xnotify.MatchFound, Topic: m.cfg.Source, EventName: line.Level})

	start := m.cfg.Clock.Now()
	err := m.cfg.Escalator.Forward(ctx, line)
	m.notify(xnotify.Event{
		Type:      xnotify.EscalationDone,
		Topic:     m.cfg.Source,
		EventName: line.Level,
		Duration:  m.cfg.Clock.Since(start),
		Err:       err,
	})
	if err != nil {
		// Not retried: escalation is best-effort alerting.
		m.failed.Add(1)
		m.recordFailure(ctx, line, err)
	}
	return true
}

func (m *Matcher) recordFailure(ctx context.Context, line Line, err error) {
	m.cfg.Logger.Warn().
		Str("channel", ChannelEscalation).
		Str("source", line.Source).
		Err(err).
		Msg("escalation failure")

	if m.cfg.Failures == nil {
		return
	}
	fl := m.cfg.FailureLine(line, err)
	fl.Channel = ChannelEscalation
	if fl.Timestamp.IsZero() {
		fl.Timestamp = m.cfg.Clock.Now()
	}
	if emitErr := m.cfg.Failures.Emit(context.WithoutCancel(ctx), fl); emitErr != nil {
		m.cfg.Logger.Warn().
			Str("channel", ChannelEscalation).
			Err(emitErr).
			Msg("escalation failure line dropped")
	}
}

func (m *Matcher) notify(e xnotify.Event) {
	for _, o := range m.cfg.Observers {
		if o != nil {
			o.OnEvent(e)
		}
	}
}

func defaultFailureLine(line Line, err error) Line {
	return Line{
		Level:   LevelWarn,
		Message: fmt.Sprintf("escalation failure for %s: %v", line.Source, err),
		Source:  line.Source,
		Channel: ChannelEscalation,
	}
}
