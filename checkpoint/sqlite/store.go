// Package sqlite persists checkpoints in a local sqlite database.
package sqlite

import (
	"context"
	"database/sql"
	_ "embed"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	_ "modernc.org/sqlite"

	"github.com/latticehq/conduct/checkpoint"
	"github.com/latticehq/conduct/session"
)

//go:embed schema.sql
var schemaSQL string

const (
	defaultBusyTimeout = 5 * time.Second
	defaultLimit       = 50
)

type Store struct {
	db          *sql.DB
	busyTimeout time.Duration
	enableWAL   bool
	maxOpenConn int
}

type Option func(*Store)

func WithBusyTimeout(timeout time.Duration) Option {
	return func(s *Store) {
		if timeout >= 0 {
			s.busyTimeout = timeout
		}
	}
}

func WithWAL(enabled bool) Option {
	return func(s *Store) {
		s.enableWAL = enabled
	}
}

func WithMaxOpenConns(n int) Option {
	return func(s *Store) {
		if n > 0 {
			s.maxOpenConn = n
		}
	}
}

func New(path string, opts ...Option) (*Store, error) {
	if strings.TrimSpace(path) == "" {
		return nil, fmt.Errorf("sqlite path is required")
	}

	s := &Store{
		busyTimeout: defaultBusyTimeout,
		enableWAL:   true,
		maxOpenConn: 1,
	}
	for _, opt := range opts {
		opt(s)
	}

	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, fmt.Errorf("failed to create sqlite directory: %w", err)
	}

	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("failed to open sqlite db: %w", err)
	}
	db.SetMaxOpenConns(s.maxOpenConn)
	db.SetMaxIdleConns(1)
	db.SetConnMaxLifetime(0)

	s.db = db
	if err := s.initialize(context.Background()); err != nil {
		_ = db.Close()
		return nil, err
	}
	return s, nil
}

func (s *Store) initialize(ctx context.Context) error {
	if s.busyTimeout > 0 {
		ms := int(s.busyTimeout / time.Millisecond)
		if _, err := s.db.ExecContext(ctx, fmt.Sprintf("PRAGMA busy_timeout=%d;", ms)); err != nil {
			return fmt.Errorf("failed to set busy_timeout: %w", err)
		}
	}
	if s.enableWAL {
		if _, err := s.db.ExecContext(ctx, "PRAGMA journal_mode=WAL;"); err != nil {
			return fmt.Errorf("failed to enable wal: %w", err)
		}
	}
	if _, err := s.db.ExecContext(ctx, schemaSQL); err != nil {
		return fmt.Errorf("failed to initialize schema: %w", err)
	}
	return nil
}

func (s *Store) Put(ctx context.Context, rec checkpoint.Record) error {
	if rec.ThreadID == "" {
		return fmt.Errorf("thread id is required")
	}
	if rec.Seq < 0 {
		return fmt.Errorf("seq must be >= 0")
	}
	if rec.CreatedAt.IsZero() {
		rec.CreatedAt = time.Now().UTC()
	}

	snapshotRaw, err := json.Marshal(rec.Snapshot)
	if err != nil {
		return fmt.Errorf("failed to marshal snapshot: %w", err)
	}
	var parkedRaw any
	if rec.Parked != nil {
		raw, err := json.Marshal(rec.Parked)
		if err != nil {
			return fmt.Errorf("failed to marshal parked marker: %w", err)
		}
		parkedRaw = string(raw)
	}

	const q = `
INSERT INTO checkpoints (thread_id, seq, node_id, snapshot, parked, created_at)
VALUES (?, ?, ?, ?, ?, ?);
`
	_, err = s.db.ExecContext(ctx, q,
		rec.ThreadID,
		rec.Seq,
		rec.NodeID,
		string(snapshotRaw),
		parkedRaw,
		rec.CreatedAt.UTC().Format(time.RFC3339Nano),
	)
	if err != nil {
		if isUniqueViolation(err) {
			return checkpoint.ErrConflict
		}
		return fmt.Errorf("failed to save checkpoint: %w", err)
	}
	return nil
}

func (s *Store) Latest(ctx context.Context, threadID string) (checkpoint.Record, error) {
	if threadID == "" {
		return checkpoint.Record{}, fmt.Errorf("thread id is required")
	}

	const q = `
SELECT thread_id, seq, node_id, snapshot, parked, created_at
FROM checkpoints
WHERE thread_id = ?
ORDER BY seq DESC
LIMIT 1;
`
	row := s.db.QueryRowContext(ctx, q, threadID)
	rec, err := scanRecord(row.Scan)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return checkpoint.Record{}, checkpoint.ErrNotFound
		}
		return checkpoint.Record{}, fmt.Errorf("failed to load latest checkpoint: %w", err)
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

	const q = `
SELECT thread_id, seq, node_id, snapshot, parked, created_at
FROM checkpoints
WHERE thread_id = ?
ORDER BY seq DESC
LIMIT ?;
`
	rows, err := s.db.QueryContext(ctx, q, threadID, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to list checkpoints: %w", err)
	}
	defer rows.Close()

	out := make([]checkpoint.Record, 0, limit)
	for rows.Next() {
		rec, err := scanRecord(rows.Scan)
		if err != nil {
			return nil, fmt.Errorf("failed to scan checkpoint row: %w", err)
		}
		out = append(out, rec)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to iterate checkpoints: %w", err)
	}
	return out, nil
}

func (s *Store) Delete(ctx context.Context, threadID string) error {
	if threadID == "" {
		return fmt.Errorf("thread id is required")
	}
	if _, err := s.db.ExecContext(ctx, "DELETE FROM checkpoints WHERE thread_id = ?;", threadID); err != nil {
		return fmt.Errorf("failed to delete checkpoints: %w", err)
	}
	return nil
}

func (s *Store) Close() error {
	if s.db == nil {
		return nil
	}
	return s.db.Close()
}

func scanRecord(scan func(dest ...any) error) (checkpoint.Record, error) {
	var (
		rec          checkpoint.Record
		snapshotRaw  string
		parkedRaw    sql.NullString
		createdAtRaw string
	)
	if err := scan(&rec.ThreadID, &rec.Seq, &rec.NodeID, &snapshotRaw, &parkedRaw, &createdAtRaw); err != nil {
		return checkpoint.Record{}, err
	}
	var snapshot session.Snapshot
	if err := json.Unmarshal([]byte(snapshotRaw), &snapshot); err != nil {
		return checkpoint.Record{}, fmt.Errorf("failed to decode snapshot: %w", err)
	}
	rec.Snapshot = &snapshot
	if parkedRaw.Valid && strings.TrimSpace(parkedRaw.String) != "" {
		var parked checkpoint.Parked
		if err := json.Unmarshal([]byte(parkedRaw.String), &parked); err != nil {
			return checkpoint.Record{}, fmt.Errorf("failed to decode parked marker: %w", err)
		}
		rec.Parked = &parked
	}
	created, err := time.Parse(time.RFC3339Nano, createdAtRaw)
	if err != nil {
		return checkpoint.Record{}, fmt.Errorf("failed to parse created_at: %w", err)
	}
	rec.CreatedAt = created.UTC()
	return rec, nil
}

func isUniqueViolation(err error) bool {
	return strings.Contains(strings.ToLower(err.Error()), "unique constraint failed")
}
