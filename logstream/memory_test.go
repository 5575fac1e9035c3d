package logstream

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestMemoryStore_ReaderScopedToSource(t *testing.T) {
	ctx := context.Background()
	s := NewMemoryStore()
	defer s.Close()

	require.NoError(t, s.Emit(ctx, Line{Source: "dispatcher", Message: "one"}))
	require.NoError(t, s.Emit(ctx, Line{Source: "other", Message: "noise"}))
	require.NoError(t, s.Emit(ctx, Line{Source: "dispatcher", Message: "two"}))

	r, err := s.Reader(ctx, "dispatcher", "")
	require.NoError(t, err)
	defer r.Close()

	l1, err := r.Next(ctx)
	require.NoError(t, err)
	l2, err := r.Next(ctx)
	require.NoError(t, err)
	assert.Equal(t, "one", l1.Message)
	assert.Equal(t, "two", l2.Message)
	assert.Equal(t, "2", r.Checkpoint())

	short, cancel := context.WithTimeout(ctx, 20*time.Millisecond)
	defer cancel()
	_, err = r.Next(short)
	assert.ErrorIs(t, err, context.DeadlineExceeded)
}

func TestMemoryStore_LatestAndResume(t *testing.T) {
	ctx := context.Background()
	s := NewMemoryStore()
	defer s.Close()

	require.NoError(t, s.Emit(ctx, Line{Source: "a", Message: "old"}))

	r, err := s.Reader(ctx, "a", CheckpointLatest)
	require.NoError(t, err)
	assert.Equal(t, "1", r.Checkpoint())

	go func() {
		time.Sleep(10 * time.Millisecond)
		_ = s.Emit(ctx, Line{Source: "a", Message: "new"})
	}()

	l, err := r.Next(ctx)
	require.NoError(t, err)
	assert.Equal(t, "new", l.Message)

	r2, err := s.Reader(ctx, "a", "1")
	require.NoError(t, err)
	l, err = r2.Next(ctx)
	require.NoError(t, err)
	assert.Equal(t, "new", l.Message)
}

func TestMemoryStore_Errors(t *testing.T) {
	ctx := context.Background()
	s := NewMemoryStore()

	assert.ErrorIs(t, s.Emit(ctx, Line{Message: "orphan"}), ErrNoSource)
	_, err := s.Reader(ctx, "", "")
	assert.ErrorIs(t, err, ErrNoSource)
	_, err = s.Reader(ctx, "a", "not-a-number")
	assert.Error(t, err)

	r, err := s.Reader(ctx, "a", "")
	require.NoError(t, err)

	require.NoError(t, s.Close())
	require.NoError(t, s.Close())

	_, err = r.Next(ctx)
	assert.ErrorIs(t, err, ErrStoreClosed)
	assert.ErrorIs(t, s.Emit(ctx, Line{Source: "a"}), ErrStoreClosed)
}

func TestMemoryStore_MaxLinesKeepsCheckpointsAbsolute(t *testing.T) {
	ctx := context.Background()
	s := NewMemoryStore(WithMaxLines(2))
	defer s.Close()

	slow, err := s.Reader(ctx, "a", "")
	require.NoError(t, err)

	for _, m := range []string{"l0", "l1", "l2", "l3"} {
		require.NoError(t, s.Emit(ctx, Line{Source: "a", Message: m}))
	}
	lines := s.Lines("a")
	require.Len(t, lines, 2)
	assert.Equal(t, "l2", lines[0].Message)

	// A reader behind the retained window skips to its oldest line.
	l, err := slow.Next(ctx)
	require.NoError(t, err)
	assert.Equal(t, "l2", l.Message)
	assert.Equal(t, "3", slow.Checkpoint())

	r, err := s.Reader(ctx, "a", "3")
	require.NoError(t, err)
	l, err = r.Next(ctx)
	require.NoError(t, err)
	assert.Equal(t, "l3", l.Message)

	tail, err := s.Reader(ctx, "a", CheckpointLatest)
	require.NoError(t, err)
	assert.Equal(t, "4", tail.Checkpoint())
}
