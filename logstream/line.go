// Package logstream carries structured log lines from producing components to
// the failure matcher, and implements the matcher itself.
//
// Lines are append-only and grouped by source identity. A reader is always
// scoped to one source; there is no way to obtain a reader over every source.
package logstream

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"
)

const (
	LevelInfo  = "INFO"
	LevelWarn  = "WARN"
	LevelError = "ERROR"
)

// ChannelEscalation tags lines written by the escalation path. The matcher
// never escalates them.
const ChannelEscalation = "escalation"

// Line is one structured log record.
type Line struct {
	Timestamp time.Time `json:"timestamp"`
	Level     string    `json:"level"`
	Message   string    `json:"message"`
	Source    string    `json:"source"`
	Channel   string    `json:"channel,omitempty"`
}

func (l Line) String() string {
	return fmt.Sprintf("%s %s [%s] %s", l.Timestamp.Format(time.RFC3339Nano), l.Level, l.Source, l.Message)
}

// Emitter appends lines to a log stream.
type Emitter interface {
	Emit(ctx context.Context, line Line) error
}

// EmitterFunc adapts a function to Emitter.
type EmitterFunc func(ctx context.Context, line Line) error

func (f EmitterFunc) Emit(ctx context.Context, line Line) error { return f(ctx, line) }

// Reader yields the lines of one source in append order.
type Reader interface {
	// Next blocks until a line is available or ctx is done.
	Next(ctx context.Context) (Line, error)
	// Checkpoint identifies the position after the last line returned by
	// Next. Passing it to Store.Reader resumes from there.
	Checkpoint() string
	Close() error
}

// Store is an append-only log store partitioned by source.
type Store interface {
	Emitter
	// Reader opens a reader over a single source starting after checkpoint.
	// An empty checkpoint starts from the beginning of the retained log,
	// CheckpointLatest from lines appended after the call.
	Reader(ctx context.Context, source, checkpoint string) (Reader, error)
	Close() error
}

// CheckpointLatest starts a reader at the tail of the stream.
const CheckpointLatest = "$"

var (
	ErrNoSource     = errors.New("logstream: source identity required")
	ErrStoreClosed  = errors.New("logstream: store closed")
	ErrEmptyPattern = errors.New("logstream: filter pattern needs at least one non-empty term")
)

// DefaultTerms is the filter applied when none is configured.
var DefaultTerms = []string{"ERROR", "Exception", "Failed"}

// Pattern is an ordered set of terms combined with OR.
type Pattern struct {
	terms           []string
	caseInsensitive bool
}

// NewPattern builds a pattern. Matching is case-sensitive unless
// caseInsensitive is set.
func NewPattern(terms []string, caseInsensitive bool) (Pattern, error) {
	p := Pattern{caseInsensitive: caseInsensitive}
	for _, t := range terms {
		if t == "" {
			return Pattern{}, ErrEmptyPattern
		}
		if caseInsensitive {
			t = strings.ToLower(t)
		}
		p.terms = append(p.terms, t)
	}
	if len(p.terms) == 0 {
		return Pattern{}, ErrEmptyPattern
	}
	return p, nil
}

// MustPattern is NewPattern for static term sets.
func MustPattern(terms []string, caseInsensitive bool) Pattern {
	p, err := NewPattern(terms, caseInsensitive)
	if err != nil {
		panic(err)
	}
	return p
}

// Terms returns the configured terms.
func (p Pattern) Terms() []string {
	out := make([]string, len(p.terms))
	copy(out, p.terms)
	return out
}

// Match reports whether text contains at least one term.
func (p Pattern) Match(text string) bool {
	if p.caseInsensitive {
		text = strings.ToLower(text)
	}
	for _, t := range p.terms {
		if strings.Contains(text, t) {
			return true
		}
	}
	return false
}
