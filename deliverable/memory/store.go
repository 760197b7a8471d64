// Package memory provides an in-process deliverable store for tests and
// single-process runs.
package memory

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/latticehq/conduct/deliverable"
)

type sessionKey struct {
	namespace string
	sessionID string
}

type Store struct {
	mu       sync.RWMutex
	versions map[sessionKey]map[string][]deliverable.Entry
}

func New() *Store {
	return &Store{versions: make(map[sessionKey]map[string][]deliverable.Entry)}
}

func (s *Store) Put(ctx context.Context, entry deliverable.Entry) error {
	if entry.Namespace == "" || entry.SessionID == "" || entry.AgentID == "" {
		return fmt.Errorf("namespace, session id, and agent id are required")
	}
	if entry.CreatedAt.IsZero() {
		entry.CreatedAt = time.Now().UTC()
	}
	entry.Payload = append([]byte(nil), entry.Payload...)

	s.mu.Lock()
	defer s.mu.Unlock()
	key := sessionKey{entry.Namespace, entry.SessionID}
	agents := s.versions[key]
	if agents == nil {
		agents = make(map[string][]deliverable.Entry)
		s.versions[key] = agents
	}
	entry.Version = int64(len(agents[entry.AgentID]) + 1)
	agents[entry.AgentID] = append(agents[entry.AgentID], entry)
	return nil
}

func (s *Store) Get(ctx context.Context, namespace, sessionID, agentID string) (deliverable.Entry, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	chain := s.versions[sessionKey{namespace, sessionID}][agentID]
	if len(chain) == 0 {
		return deliverable.Entry{}, deliverable.ErrNotFound
	}
	return copyEntry(chain[len(chain)-1]), nil
}

func (s *Store) List(ctx context.Context, namespace, sessionID string) ([]deliverable.Entry, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	agents := s.versions[sessionKey{namespace, sessionID}]
	out := make([]deliverable.Entry, 0, len(agents))
	for _, chain := range agents {
		if len(chain) > 0 {
			out = append(out, copyEntry(chain[len(chain)-1]))
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].AgentID < out[j].AgentID })
	return out, nil
}

func (s *Store) Versions(ctx context.Context, namespace, sessionID, agentID string) ([]deliverable.Entry, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	chain := s.versions[sessionKey{namespace, sessionID}][agentID]
	out := make([]deliverable.Entry, 0, len(chain))
	for i := len(chain) - 1; i >= 0; i-- {
		out = append(out, copyEntry(chain[i]))
	}
	return out, nil
}

func (s *Store) Clear(ctx context.Context, namespace, sessionID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.versions, sessionKey{namespace, sessionID})
	return nil
}

func (s *Store) Close() error { return nil }

func copyEntry(e deliverable.Entry) deliverable.Entry {
	e.Payload = append([]byte(nil), e.Payload...)
	return e
}
