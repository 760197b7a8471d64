// Package redis persists checkpoints in Redis with a bounded TTL. Each
// thread keeps a sorted set of records scored by sequence number.
package redis

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	goredis "github.com/redis/go-redis/v9"

	"github.com/latticehq/conduct/checkpoint"
)

const (
	defaultTTL    = 72 * time.Hour
	defaultLimit  = 50
	defaultPrefix = "conduct"
)

type Store struct {
	client   *goredis.Client
	ttl      time.Duration
	prefix   string
	addr     string
	db       int
	password string
}

type Option func(*Store)

func WithPassword(password string) Option {
	return func(s *Store) { s.password = password }
}

func WithDB(db int) Option {
	return func(s *Store) { s.db = db }
}

func WithTTL(ttl time.Duration) Option {
	return func(s *Store) {
		if ttl > 0 {
			s.ttl = ttl
		}
	}
}

func WithPrefix(prefix string) Option {
	return func(s *Store) {
		if strings.TrimSpace(prefix) != "" {
			s.prefix = strings.TrimSpace(prefix)
		}
	}
}

func WithClient(client *goredis.Client) Option {
	return func(s *Store) {
		if client != nil {
			s.client = client
		}
	}
}

func New(addr string, opts ...Option) (*Store, error) {
	if strings.TrimSpace(addr) == "" {
		return nil, fmt.Errorf("redis addr is required")
	}

	s := &Store{
		ttl:    defaultTTL,
		prefix: defaultPrefix,
		addr:   addr,
	}
	for _, opt := range opts {
		opt(s)
	}
	if s.client == nil {
		s.client = goredis.NewClient(&goredis.Options{
			Addr:     s.addr,
			Password: s.password,
			DB:       s.db,
		})
	}

	if err := s.client.Ping(context.Background()).Err(); err != nil {
		return nil, fmt.Errorf("redis ping failed: %w", err)
	}
	return s, nil
}

func (s *Store) key(threadID string) string {
	return s.prefix + ":checkpoints:" + threadID
}

func (s *Store) Put(ctx context.Context, rec checkpoint.Record) error {
	if rec.ThreadID == "" {
		return fmt.Errorf("thread id is required")
	}
	if rec.CreatedAt.IsZero() {
		rec.CreatedAt = time.Now().UTC()
	}

	key := s.key(rec.ThreadID)
	// Reject stale sequence numbers so the chain stays strictly ordered.
	existing, err := s.client.ZRevRangeWithScores(ctx, key, 0, 0).Result()
	if err != nil && err != goredis.Nil {
		return fmt.Errorf("failed to read latest checkpoint: %w", err)
	}
	if len(existing) > 0 && float64(rec.Seq) <= existing[0].Score {
		return checkpoint.ErrConflict
	}

	raw, err := json.Marshal(rec)
	if err != nil {
		return fmt.Errorf("failed to marshal checkpoint: %w", err)
	}

	pipe := s.client.TxPipeline()
	pipe.ZAdd(ctx, key, goredis.Z{Score: float64(rec.Seq), Member: string(raw)})
	pipe.Expire(ctx, key, s.ttl)
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("failed to save checkpoint: %w", err)
	}
	return nil
}

func (s *Store) Latest(ctx context.Context, threadID string) (checkpoint.Record, error) {
	if threadID == "" {
		return checkpoint.Record{}, fmt.Errorf("thread id is required")
	}
	raw, err := s.client.ZRevRange(ctx, s.key(threadID), 0, 0).Result()
	if err != nil {
		return checkpoint.Record{}, fmt.Errorf("failed to load latest checkpoint: %w", err)
	}
	if len(raw) == 0 {
		return checkpoint.Record{}, checkpoint.ErrNotFound
	}
	var rec checkpoint.Record
	if err := json.Unmarshal([]byte(raw[0]), &rec); err != nil {
		return checkpoint.Record{}, fmt.Errorf("failed to decode checkpoint: %w", err)
	}
	return rec, nil
}

func (s *Store) List(ctx context.Context, threadID string, limit int) ([]checkpoint.Record, error) {
	if threadID == "" {
		return nil, fmt.Errorf("thread id is required")
	}
	if limit <= 0 {
		limit = defaultLimit
	}
	raw, err := s.client.ZRevRange(ctx, s.key(threadID), 0, int64(limit-1)).Result()
	if err != nil {
		return nil, fmt.Errorf("failed to list checkpoints: %w", err)
	}
	out := make([]checkpoint.Record, 0, len(raw))
	for _, item := range raw {
		var rec checkpoint.Record
		if err := json.Unmarshal([]byte(item), &rec); err != nil {
			return nil, fmt.Errorf("failed to decode checkpoint: %w", err)
		}
		out = append(out, rec)
	}
	return out, nil
}

func (s *Store) Delete(ctx context.Context, threadID string) error {
	if threadID == "" {
		return fmt.Errorf("thread id is required")
	}
	if err := s.client.Del(ctx, s.key(threadID)).Err(); err != nil {
		return fmt.Errorf("failed to delete checkpoints: %w", err)
	}
	return nil
}

func (s *Store) Close() error {
	return s.client.Close()
}
