package logstream

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"sync/atomic"
	"time"

	"github.com/redis/go-redis/v9"
)

// Field constants for stream entries.
const (
	fieldTimestamp = "ts" // int64 ns
	fieldLevel     = "level"
	fieldMessage   = "message"
	fieldSource    = "source"
	fieldChannel   = "channel"
)

// RedisConfig controls the Redis Streams log store.
type RedisConfig struct {
	// KeyPrefix namespaces per-source streams: <KeyPrefix>:<source>.
	KeyPrefix string
	// MaxLenApprox trims each source stream approximately (0 = unbounded).
	MaxLenApprox int64
	// Block is the XREAD BLOCK duration per poll (default 5s).
	Block time.Duration
	// BatchSize is the XREAD COUNT (default 64).
	BatchSize int64
}

func (c RedisConfig) withDefaults() RedisConfig {
	if c.KeyPrefix == "" {
		c.KeyPrefix = "xnotify:logs"
	}
	if c.Block <= 0 {
		c.Block = 5 * time.Second
	}
	if c.BatchSize <= 0 {
		c.BatchSize = 64
	}
	return c
}

// RedisStore keeps one Redis stream per source. Checkpoints are stream
// entry ids, so a matcher restarted with its last checkpoint resumes where
// it stopped.
type RedisStore struct {
	cfg    RedisConfig
	client redis.UniversalClient
	closed atomic.Bool
}

var _ Store = (*RedisStore)(nil)

// NewRedisStore wraps an existing client. The store does not own the
// client; Close leaves it open.
func NewRedisStore(client redis.UniversalClient, cfg RedisConfig) *RedisStore {
	return &RedisStore{cfg: cfg.withDefaults(), client: client}
}

func (s *RedisStore) key(source string) string {
	return s.cfg.KeyPrefix + ":" + source
}

func (s *RedisStore) Emit(ctx context.Context, line Line) error {
	if s.closed.Load() {
		return ErrStoreClosed
	}
	if line.Source == "" {
		return ErrNoSource
	}
	args := &redis.XAddArgs{
		Stream: s.key(line.Source),
		ID:     "*",
		Values: map[string]any{
			fieldTimestamp: line.Timestamp.UnixNano(),
			fieldLevel:     line.Level,
			fieldMessage:   line.Message,
			fieldSource:    line.Source,
			fieldChannel:   line.Channel,
		},
	}
	if s.cfg.MaxLenApprox > 0 {
		args.MaxLen = s.cfg.MaxLenApprox
		args.Approx = true
	}
	return s.client.XAdd(ctx, args).Err()
}

func (s *RedisStore) Reader(ctx context.Context, source, checkpoint string) (Reader, error) {
	if s.closed.Load() {
		return nil, ErrStoreClosed
	}
	if source == "" {
		return nil, ErrNoSource
	}
	key := s.key(source)

	last := checkpoint
	switch checkpoint {
	case "":
		last = "0-0"
	case CheckpointLatest:
		// Resolve "$" once; re-sending "$" on every poll would skip lines
		// appended between polls.
		msgs, err := s.client.XRevRangeN(ctx, key, "+", "-", 1).Result()
		if err != nil && !errors.Is(err, redis.Nil) {
			return nil, fmt.Errorf("logstream: resolve tail of %s: %w", key, err)
		}
		last = "0-0"
		if len(msgs) > 0 {
			last = msgs[0].ID
		}
	}
	return &redisReader{store: s, key: key, last: last}, nil
}

func (s *RedisStore) Close() error {
	s.closed.Store(true)
	return nil
}

type redisReader struct {
	store   *RedisStore
	key     string
	last    string
	pending []redis.XMessage
	closed  atomic.Bool
}

func (r *redisReader) Next(ctx context.Context) (Line, error) {
	for len(r.pending) == 0 {
		if r.closed.Load() || r.store.closed.Load() {
			return Line{}, ErrStoreClosed
		}
		res, err := r.store.client.XRead(ctx, &redis.XReadArgs{
			Streams: []string{r.key, r.last},
			Count:   r.store.cfg.BatchSize,
			Block:   r.store.cfg.Block,
		}).Result()
		if err != nil {
			if ctx.Err() != nil {
				return Line{}, ctx.Err()
			}
			if errors.Is(err, redis.Nil) {
				continue
			}
			return Line{}, err
		}
		for _, st := range res {
			r.pending = append(r.pending, st.Messages...)
		}
	}
	x := r.pending[0]
	r.pending = r.pending[1:]
	r.last = x.ID
	return decodeLine(x.Values), nil
}

func (r *redisReader) Checkpoint() string { return r.last }

func (r *redisReader) Close() error {
	r.closed.Store(true)
	return nil
}

func decodeLine(vals map[string]any) Line {
	l := Line{
		Level:   asString(vals[fieldLevel]),
		Message: asString(vals[fieldMessage]),
		Source:  asString(vals[fieldSource]),
		Channel: asString(vals[fieldChannel]),
	}
	if ns, err := strconv.ParseInt(asString(vals[fieldTimestamp]), 10, 64); err == nil && ns > 0 {
		l.Timestamp = time.Unix(0, ns)
	}
	return l
}

func asString(v any) string {
	switch s := v.(type) {
	case nil:
		return ""
	case string:
		return s
	case []byte:
		return string(s)
	default:
		return fmt.Sprintf("%v", s)
	}
}
