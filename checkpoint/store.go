// Package checkpoint persists session state across process restarts. A
// checkpoint is one committed state transition; the latest record for a
// thread is the resume point, and a parked marker on it means the run is
// suspended at an interrupt awaiting a resume value.
package checkpoint

import (
	"context"
	"encoding/json"
	"errors"
	"time"

	"github.com/latticehq/conduct/session"
)

var (
	ErrNotFound = errors.New("checkpoint not found")
	ErrConflict = errors.New("checkpoint sequence conflict")
)

// Parked marks a run durably suspended at an interrupt. The run loop checks
// it before each step; Resume continues exactly after the recorded node.
type Parked struct {
	InterruptID string          `json:"interruptId"`
	NodeID      string          `json:"nodeId"`
	AgentID     string          `json:"agentId"`
	Payload     json.RawMessage `json:"payload,omitempty"`
	ParkedAt    time.Time       `json:"parkedAt"`
}

// Record is one committed state transition for a thread.
type Record struct {
	ThreadID  string            `json:"threadId"`
	Seq       int64             `json:"seq"`
	NodeID    string            `json:"nodeId"`
	Snapshot  *session.Snapshot `json:"snapshot"`
	Parked    *Parked           `json:"parked,omitempty"`
	CreatedAt time.Time         `json:"createdAt"`
}

// Store is the durable checkpoint backend. Writes for one thread id must
// be atomic; the engine guarantees at most one active runner per thread.
type Store interface {
	// Put appends a record. Records for a thread carry strictly
	// increasing Seq values; reusing one returns ErrConflict.
	Put(ctx context.Context, rec Record) error
	// Latest returns the highest-Seq record, or ErrNotFound.
	Latest(ctx context.Context, threadID string) (Record, error)
	// List returns up to limit records, newest first.
	List(ctx context.Context, threadID string, limit int) ([]Record, error)
	// Delete removes every record for the thread.
	Delete(ctx context.Context, threadID string) error
	Close() error
}
