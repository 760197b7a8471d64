// Package session defines the per-session blackboard: the canonical state
// snapshot, the patch type nodes emit, and the builder that writes patches.
package session

import (
	"fmt"
	"strings"
)

// Key is the isolation boundary. All checkpoints, deliverables, and events
// are partitioned by it.
type Key struct {
	Namespace string `json:"namespace"`
	SessionID string `json:"sessionId"`
}

func NewKey(namespace, sessionID string) Key {
	return Key{Namespace: namespace, SessionID: sessionID}
}

// ThreadID renders the key as the thread identity used by checkpoint stores.
func (k Key) ThreadID() string {
	return k.Namespace + "/" + k.SessionID
}

func (k Key) String() string { return k.ThreadID() }

func (k Key) Validate() error {
	if strings.TrimSpace(k.Namespace) == "" {
		return fmt.Errorf("session key: namespace is required")
	}
	if strings.TrimSpace(k.SessionID) == "" {
		return fmt.Errorf("session key: session id is required")
	}
	if strings.Contains(k.Namespace, "/") {
		return fmt.Errorf("session key: namespace %q must not contain '/'", k.Namespace)
	}
	return nil
}
