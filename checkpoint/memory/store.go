// Package memory provides an in-process checkpoint store for tests and
// single-process runs.
package memory

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"

	"github.com/latticehq/conduct/checkpoint"
)

type Store struct {
	mu      sync.RWMutex
	records map[string][]checkpoint.Record
}

func New() *Store {
	return &Store{records: make(map[string][]checkpoint.Record)}
}

func (s *Store) Put(ctx context.Context, rec checkpoint.Record) error {
	if rec.ThreadID == "" {
		return fmt.Errorf("thread id is required")
	}
	// Deep-copy through JSON so callers cannot mutate stored snapshots.
	raw, err := json.Marshal(rec)
	if err != nil {
		return fmt.Errorf("encode checkpoint: %w", err)
	}
	var stored checkpoint.Record
	if err := json.Unmarshal(raw, &stored); err != nil {
		return fmt.Errorf("decode checkpoint: %w", err)
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	chain := s.records[rec.ThreadID]
	if n := len(chain); n > 0 && stored.Seq <= chain[n-1].Seq {
		return checkpoint.ErrConflict
	}
	s.records[rec.ThreadID] = append(chain, stored)
	return nil
}

func (s *Store) Latest(ctx context.Context, threadID string) (checkpoint.Record, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	chain := s.records[threadID]
	if len(chain) == 0 {
		return checkpoint.Record{}, checkpoint.ErrNotFound
	}
	return copyRecord(chain[len(chain)-1])
}

func (s *Store) List(ctx context.Context, threadID string, limit int) ([]checkpoint.Record, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	chain := s.records[threadID]
	if limit <= 0 || limit > len(chain) {
		limit = len(chain)
	}
	out := make([]checkpoint.Record, 0, limit)
	for i := len(chain) - 1; i >= 0 && len(out) < limit; i-- {
		rec, err := copyRecord(chain[i])
		if err != nil {
			return nil, err
		}
		out = append(out, rec)
	}
	return out, nil
}

func (s *Store) Delete(ctx context.Context, threadID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.records, threadID)
	return nil
}

func (s *Store) Close() error { return nil }

func copyRecord(rec checkpoint.Record) (checkpoint.Record, error) {
	raw, err := json.Marshal(rec)
	if err != nil {
		return checkpoint.Record{}, err
	}
	var out checkpoint.Record
	if err := json.Unmarshal(raw, &out); err != nil {
		return checkpoint.Record{}, err
	}
	return out, nil
}
