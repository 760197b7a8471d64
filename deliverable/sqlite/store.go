// Package sqlite persists deliverables and their version history in a
// local sqlite database.
package sqlite

import (
	"context"
	"database/sql"
	_ "embed"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	_ "modernc.org/sqlite"

	"github.com/latticehq/conduct/deliverable"
)

//go:embed schema.sql
var schemaSQL string

const defaultBusyTimeout = 5 * time.Second

type Store struct {
	db          *sql.DB
	busyTimeout time.Duration
	enableWAL   bool
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
	return func(s *Store) { s.enableWAL = enabled }
}

func New(path string, opts ...Option) (*Store, error) {
	if strings.TrimSpace(path) == "" {
		return nil, fmt.Errorf("sqlite path is required")
	}

	s := &Store{busyTimeout: defaultBusyTimeout, enableWAL: true}
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
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)

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

func (s *Store) Put(ctx context.Context, entry deliverable.Entry) error {
	if entry.Namespace == "" || entry.SessionID == "" || entry.AgentID == "" {
		return fmt.Errorf("namespace, session id, and agent id are required")
	}
	if entry.CreatedAt.IsZero() {
		entry.CreatedAt = time.Now().UTC()
	}

	const q = `
INSERT INTO deliverables (namespace, session_id, agent_id, version, payload, created_at)
VALUES (?, ?, ?,
  COALESCE((SELECT MAX(version) FROM deliverables WHERE namespace = ? AND session_id = ? AND agent_id = ?), 0) + 1,
  ?, ?);
`
	_, err := s.db.ExecContext(ctx, q,
		entry.Namespace, entry.SessionID, entry.AgentID,
		entry.Namespace, entry.SessionID, entry.AgentID,
		string(entry.Payload),
		entry.CreatedAt.UTC().Format(time.RFC3339Nano),
	)
	if err != nil {
		return fmt.Errorf("failed to save deliverable: %w", err)
	}
	return nil
}

func (s *Store) Get(ctx context.Context, namespace, sessionID, agentID string) (deliverable.Entry, error) {
	const q = `
SELECT namespace, session_id, agent_id, version, payload, created_at
FROM deliverables
WHERE namespace = ? AND session_id = ? AND agent_id = ?
ORDER BY version DESC
LIMIT 1;
`
	row := s.db.QueryRowContext(ctx, q, namespace, sessionID, agentID)
	entry, err := scanEntry(row.Scan)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return deliverable.Entry{}, deliverable.ErrNotFound
		}
		return deliverable.Entry{}, fmt.Errorf("failed to load deliverable: %w", err)
	}
	return entry, nil
}

func (s *Store) List(ctx context.Context, namespace, sessionID string) ([]deliverable.Entry, error) {
	const q = `
SELECT d.namespace, d.session_id, d.agent_id, d.version, d.payload, d.created_at
FROM deliverables d
JOIN (
  SELECT agent_id, MAX(version) AS latest
  FROM deliverables
  WHERE namespace = ? AND session_id = ?
  GROUP BY agent_id
) latest ON d.agent_id = latest.agent_id AND d.version = latest.latest
WHERE d.namespace = ? AND d.session_id = ?
ORDER BY d.agent_id;
`
	rows, err := s.db.QueryContext(ctx, q, namespace, sessionID, namespace, sessionID)
	if err != nil {
		return nil, fmt.Errorf("failed to list deliverables: %w", err)
	}
	defer rows.Close()
	return collectEntries(rows)
}

func (s *Store) Versions(ctx context.Context, namespace, sessionID, agentID string) ([]deliverable.Entry, error) {
	const q = `
SELECT namespace, session_id, agent_id, version, payload, created_at
FROM deliverables
WHERE namespace = ? AND session_id = ? AND agent_id = ?
ORDER BY version DESC;
`
	rows, err := s.db.QueryContext(ctx, q, namespace, sessionID, agentID)
	if err != nil {
		return nil, fmt.Errorf("failed to list deliverable versions: %w", err)
	}
	defer rows.Close()
	return collectEntries(rows)
}

func (s *Store) Clear(ctx context.Context, namespace, sessionID string) error {
	const q = `DELETE FROM deliverables WHERE namespace = ? AND session_id = ?;`
	if _, err := s.db.ExecContext(ctx, q, namespace, sessionID); err != nil {
		return fmt.Errorf("failed to clear deliverables: %w", err)
	}
	return nil
}

func (s *Store) Close() error {
	if s.db == nil {
		return nil
	}
	return s.db.Close()
}

func scanEntry(scan func(dest ...any) error) (deliverable.Entry, error) {
	var (
		entry        deliverable.Entry
		payloadRaw   string
		createdAtRaw string
	)
	if err := scan(&entry.Namespace, &entry.SessionID, &entry.AgentID, &entry.Version, &payloadRaw, &createdAtRaw); err != nil {
		return deliverable.Entry{}, err
	}
	entry.Payload = []byte(payloadRaw)
	created, err := time.Parse(time.RFC3339Nano, createdAtRaw)
	if err != nil {
		return deliverable.Entry{}, fmt.Errorf("failed to parse created_at: %w", err)
	}
	entry.CreatedAt = created.UTC()
	return entry, nil
}

func collectEntries(rows *sql.Rows) ([]deliverable.Entry, error) {
	var out []deliverable.Entry
	for rows.Next() {
		entry, err := scanEntry(rows.Scan)
		if err != nil {
			return nil, fmt.Errorf("failed to scan deliverable row: %w", err)
		}
		out = append(out, entry)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to iterate deliverables: %w", err)
	}
	return out, nil
}
