// Package deliverable persists agent outputs independently of session
// state: deliverables survive compaction and are only removed by an
// explicit session clear. A resubmission replaces the latest entry
// wholesale and appends to the version history.
package deliverable

import (
	"context"
	"encoding/json"
	"errors"
	"time"
)

var ErrNotFound = errors.New("deliverable not found")

type Entry struct {
	Namespace string          `json:"namespace"`
	SessionID string          `json:"sessionId"`
	AgentID   string          `json:"agentId"`
	Version   int64           `json:"version"`
	Payload   json.RawMessage `json:"payload"`
	CreatedAt time.Time       `json:"createdAt"`
}

type Store interface {
	// Put replaces the latest entry for (namespace, sessionId, agentId)
	// and records it as a new version.
	Put(ctx context.Context, entry Entry) error
	// Get returns the latest entry, or ErrNotFound.
	Get(ctx context.Context, namespace, sessionID, agentID string) (Entry, error)
	// List returns the latest entry per agent for a session.
	List(ctx context.Context, namespace, sessionID string) ([]Entry, error)
	// Versions returns all versions for an agent, newest first.
	Versions(ctx context.Context, namespace, sessionID, agentID string) ([]Entry, error)
	// Clear removes every entry and version for a session.
	Clear(ctx context.Context, namespace, sessionID string) error
	Close() error
}
