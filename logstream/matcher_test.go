package logstream

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"pgregory.net/rapid"

	"github.com/trickstertwo/xnotify"
)

type fakeEscalator struct {
	mu    sync.Mutex
	lines []Line
	err   error
}

func (f *fakeEscalator) Forward(_ context.Context, line Line) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.lines = append(f.lines, line)
	return f.err
}

func (f *fakeEscalator) calls() []Line {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]Line, len(f.lines))
	copy(out, f.lines)
	return out
}

func newTestMatcher(t *testing.T, store Store, esc Escalator, failures Emitter) *Matcher {
	t.Helper()
	m, err := NewMatcher(MatcherConfig{
		Source:     "dispatcher",
		Checkpoint: "0",
		Store:      store,
		Escalator:  esc,
		Failures:   failures,
	})
	require.NoError(t, err)
	return m
}

func TestNewMatcher_Validation(t *testing.T) {
	s := NewMemoryStore()
	esc := &fakeEscalator{}

	_, err := NewMatcher(MatcherConfig{Store: s, Escalator: esc})
	assert.ErrorIs(t, err, ErrNoSource)
	_, err = NewMatcher(MatcherConfig{Source: "a", Escalator: esc})
	assert.ErrorIs(t, err, ErrNoStore)
	_, err = NewMatcher(MatcherConfig{Source: "a", Store: s})
	assert.ErrorIs(t, err, ErrNoEscalator)

	m, err := NewMatcher(MatcherConfig{Source: "a", Store: s, Escalator: esc})
	require.NoError(t, err)
	assert.Equal(t, CheckpointLatest, m.Checkpoint())
	assert.Equal(t, StateIdle, m.State())
}

func TestMatcher_Matches(t *testing.T) {
	m := newTestMatcher(t, NewMemoryStore(), &fakeEscalator{}, nil)

	assert.True(t, m.Matches(Line{Source: "dispatcher", Message: "Failed to send notification: disk full"}))
	assert.False(t, m.Matches(Line{Source: "dispatcher", Message: "Successfully sent notification with MessageId: m-1"}))
	assert.False(t, m.Matches(Line{Source: "someone-else", Message: "ERROR everywhere"}), "out of scope")
	assert.False(t, m.Matches(Line{Source: "dispatcher", Message: "EscalationFailure: Failed", Channel: ChannelEscalation}))
}

func TestMatcher_EscalatesFailureLine(t *testing.T) {
	ctx := context.Background()
	esc := &fakeEscalator{}
	m := newTestMatcher(t, NewMemoryStore(), esc, nil)

	var seen []xnotify.EventType
	m.cfg.Observers = []xnotify.Observer{xnotify.ObserverFunc(func(e xnotify.Event) {
		seen = append(seen, e.Type)
	})}

	line := Line{Source: "dispatcher", Level: LevelError, Message: "Failed to send notification: disk full"}
	assert.True(t, m.Process(ctx, line))
	assert.Equal(t, StateMatchFound, m.State())
	require.Len(t, esc.calls(), 1)
	assert.Equal(t, line, esc.calls()[0])
	assert.Equal(t, []xnotify.EventType{xnotify.MatchFound, xnotify.EscalationDone}, seen)

	assert.False(t, m.Process(ctx, Line{Source: "dispatcher", Level: LevelInfo, Message: "Successfully sent notification with MessageId: x"}))
	assert.Equal(t, StateNoMatch, m.State())
	assert.Len(t, esc.calls(), 1)
	assert.Equal(t, MatcherStats{Scanned: 2, Matched: 1}, m.Stats())
}

func TestMatcher_FailedEscalationIsNotRescanned(t *testing.T) {
	ctx := context.Background()
	store := NewMemoryStore()
	esc := &fakeEscalator{err: &xnotify.EscalationFailure{Target: "t", Err: xnotify.ErrUnauthorized}}
	// Failures are written back under the watched source on purpose.
	m := newTestMatcher(t, store, esc, store)

	require.NoError(t, store.Emit(ctx, Line{Source: "dispatcher", Level: LevelError, Message: "Failed to send notification: boom"}))

	runCtx, cancel := context.WithCancel(ctx)
	done := make(chan error, 1)
	go func() { done <- m.Run(runCtx) }()

	require.Eventually(t, func() bool {
		return len(store.Lines("dispatcher")) == 2 && m.Stats().Scanned == 2
	}, time.Second, 5*time.Millisecond)

	cancel()
	require.NoError(t, <-done)
	assert.Equal(t, StateStopped, m.State())

	assert.Len(t, esc.calls(), 1, "escalated exactly once")
	lines := store.Lines("dispatcher")
	assert.Equal(t, ChannelEscalation, lines[1].Channel)
	assert.False(t, lines[1].Timestamp.IsZero())
	assert.Equal(t, MatcherStats{Scanned: 2, Matched: 1, Failed: 1}, m.Stats())
	assert.Equal(t, "2", m.Checkpoint())
}

func TestMatcher_RunResumesFromCheckpoint(t *testing.T) {
	ctx := context.Background()
	store := NewMemoryStore()
	esc := &fakeEscalator{}

	require.NoError(t, store.Emit(ctx, Line{Source: "dispatcher", Message: "ERROR first"}))
	require.NoError(t, store.Emit(ctx, Line{Source: "dispatcher", Message: "ERROR second"}))

	m, err := NewMatcher(MatcherConfig{Source: "dispatcher", Checkpoint: "1", Store: store, Escalator: esc})
	require.NoError(t, err)

	runCtx, cancel := context.WithCancel(ctx)
	done := make(chan error, 1)
	go func() { done <- m.Run(runCtx) }()

	require.Eventually(t, func() bool { return len(esc.calls()) == 1 }, time.Second, 5*time.Millisecond)
	cancel()
	require.NoError(t, <-done)
	assert.Equal(t, "ERROR second", esc.calls()[0].Message)
}

func TestMatcher_RunResolvesLatestCheckpoint(t *testing.T) {
	ctx := context.Background()
	store := NewMemoryStore()
	require.NoError(t, store.Emit(ctx, Line{Source: "dispatcher", Message: "ERROR old"}))
	require.NoError(t, store.Emit(ctx, Line{Source: "dispatcher", Message: "ERROR older"}))

	m, err := NewMatcher(MatcherConfig{Source: "dispatcher", Store: store, Escalator: &fakeEscalator{}})
	require.NoError(t, err)

	runCtx, cancel := context.WithCancel(ctx)
	done := make(chan error, 1)
	go func() { done <- m.Run(runCtx) }()
	require.Eventually(t, func() bool { return m.State() == StateScanning }, time.Second, time.Millisecond)
	cancel()
	require.NoError(t, <-done)

	// Stopped before any new line, yet the checkpoint can be resumed from.
	assert.Equal(t, "2", m.Checkpoint())
	assert.Zero(t, m.Stats().Scanned)
}

func TestMatcher_RunReportsStoreError(t *testing.T) {
	store := NewMemoryStore()
	m := newTestMatcher(t, store, &fakeEscalator{}, nil)
	require.NoError(t, store.Close())

	err := m.Run(context.Background())
	assert.ErrorIs(t, err, ErrStoreClosed)
}

func TestMatcher_FailureEmitErrorIsSwallowed(t *testing.T) {
	esc := &fakeEscalator{err: errors.New("unreachable")}
	failures := EmitterFunc(func(context.Context, Line) error { return errors.New("full") })
	m := newTestMatcher(t, NewMemoryStore(), esc, failures)

	assert.True(t, m.Process(context.Background(), Line{Source: "dispatcher", Message: "Failed"}))
	assert.Equal(t, uint64(1), m.Stats().Failed)
}

// However lines arrive, and even when every escalation fails and its failure
// record is fed back in, each qualifying line is forwarded exactly once.
func TestMatcher_EscalatesEachQualifyingLineOnce(t *testing.T) {
	rapid.Check(t, func(t *rapid.T) {
		ctx := context.Background()
		fail := rapid.Bool().Draw(t, "fail")
		esc := &fakeEscalator{}
		if fail {
			esc.err = errors.New("boom")
		}

		var feedback []Line
		failures := EmitterFunc(func(_ context.Context, l Line) error {
			feedback = append(feedback, l)
			return nil
		})
		m, err := NewMatcher(MatcherConfig{
			Source:    "dispatcher",
			Store:     NewMemoryStore(),
			Escalator: esc,
			Failures:  failures,
			FailureLine: func(l Line, err error) Line {
				return Line{Source: l.Source, Message: "Failed escalation: " + err.Error()}
			},
		})
		if err != nil {
			t.Fatal(err)
		}

		lines := rapid.SliceOfN(rapid.Custom(func(t *rapid.T) Line {
			return Line{
				Source:  rapid.SampledFrom([]string{"dispatcher", "other"}).Draw(t, "source"),
				Message: rapid.SampledFrom([]string{"ok", "ERROR x", "Failed y", "Exception z", "fine"}).Draw(t, "msg"),
				Channel: rapid.SampledFrom([]string{"", ChannelEscalation}).Draw(t, "channel"),
			}
		}), 0, 30).Draw(t, "lines")

		want := 0
		for _, l := range lines {
			if l.Source == "dispatcher" && l.Channel == "" && MustPattern(DefaultTerms, false).Match(l.Message) {
				want++
			}
			m.Process(ctx, l)
		}
		for len(feedback) > 0 {
			l := feedback[0]
			feedback = feedback[1:]
			m.Process(ctx, l)
		}

		if got := len(esc.calls()); got != want {
			t.Fatalf("forwarded %d lines, want %d", got, want)
		}
	})
}
