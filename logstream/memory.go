package logstream

import (
	"context"
	"fmt"
	"strconv"
	"sync"
	"sync/atomic"
)

// MemoryStore keeps lines in process memory. Intended for development,
// tests and single-process deployments.
type MemoryStore struct {
	mu       sync.Mutex
	sources  map[string]*memLog
	maxLines int
	closed   atomic.Bool
	done     chan struct{}
}

type memLog struct {
	lines []Line
	// base is the absolute offset of lines[0]; it grows as old lines are
	// trimmed so checkpoints stay valid.
	base int
	// signal is closed and replaced on every append to wake blocked readers.
	signal chan struct{}
}

var _ Store = (*MemoryStore)(nil)

// MemoryOption configures a MemoryStore.
type MemoryOption func(*MemoryStore)

// WithMaxLines keeps at most n lines per source, dropping the oldest.
// Zero or less keeps everything.
func WithMaxLines(n int) MemoryOption {
	return func(s *MemoryStore) { s.maxLines = max(0, n) }
}

func NewMemoryStore(opts ...MemoryOption) *MemoryStore {
	s := &MemoryStore{
		sources: make(map[string]*memLog),
		done:    make(chan struct{}),
	}
	for _, o := range opts {
		if o != nil {
			o(s)
		}
	}
	return s
}

func (s *MemoryStore) log(source string) *memLog {
	l, ok := s.sources[source]
	if !ok {
		l = &memLog{signal: make(chan struct{})}
		s.sources[source] = l
	}
	return l
}

// Emit appends a line to its source.
func (s *MemoryStore) Emit(ctx context.Context, line Line) error {
	if s.closed.Load() {
		return ErrStoreClosed
	}
	if line.Source == "" {
		return ErrNoSource
	}
	if err := ctx.Err(); err != nil {
		return err
	}
	s.mu.Lock()
	l := s.log(line.Source)
	l.lines = append(l.lines, line)
	if s.maxLines > 0 && len(l.lines) > s.maxLines {
		drop := len(l.lines) - s.maxLines
		clear(l.lines[:drop])
		l.lines = l.lines[drop:]
		l.base += drop
	}
	close(l.signal)
	l.signal = make(chan struct{})
	s.mu.Unlock()
	return nil
}

// Lines returns a snapshot of the retained lines of source.
func (s *MemoryStore) Lines(source string) []Line {
	s.mu.Lock()
	defer s.mu.Unlock()
	l, ok := s.sources[source]
	if !ok {
		return nil
	}
	out := make([]Line, len(l.lines))
	copy(out, l.lines)
	return out
}

// Reader opens a reader over source. Checkpoints are absolute line offsets;
// a checkpoint older than the retained window resumes at its oldest line.
func (s *MemoryStore) Reader(_ context.Context, source, checkpoint string) (Reader, error) {
	if s.closed.Load() {
		return nil, ErrStoreClosed
	}
	if source == "" {
		return nil, ErrNoSource
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	l := s.log(source)

	pos := l.base
	switch checkpoint {
	case "":
	case CheckpointLatest:
		pos = l.base + len(l.lines)
	default:
		n, err := strconv.Atoi(checkpoint)
		if err != nil || n < 0 {
			return nil, fmt.Errorf("logstream: invalid memory checkpoint %q", checkpoint)
		}
		pos = n
	}
	return &memReader{store: s, source: source, pos: pos}, nil
}

func (s *MemoryStore) Close() error {
	if s.closed.Swap(true) {
		return nil
	}
	close(s.done)
	return nil
}

type memReader struct {
	store  *MemoryStore
	source string
	pos    int
	closed atomic.Bool
}

func (r *memReader) Next(ctx context.Context) (Line, error) {
	for {
		if r.closed.Load() || r.store.closed.Load() {
			return Line{}, ErrStoreClosed
		}
		r.store.mu.Lock()
		l := r.store.log(r.source)
		if r.pos < l.base {
			r.pos = l.base
		}
		if i := r.pos - l.base; i < len(l.lines) {
			line := l.lines[i]
			r.pos++
			r.store.mu.Unlock()
			return line, nil
		}
		signal := l.signal
		r.store.mu.Unlock()

		select {
		case <-ctx.Done():
			return Line{}, ctx.Err()
		case <-r.store.done:
			return Line{}, ErrStoreClosed
		case <-signal:
		}
	}
}

func (r *memReader) Checkpoint() string { return strconv.Itoa(r.pos) }

func (r *memReader) Close() error {
	r.closed.Store(true)
	return nil
}
