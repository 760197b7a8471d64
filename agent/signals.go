// Package agent provides the ExecutionContext an agent runs inside: prompt
// assembly, the tool-invocation loop, structured-output extraction, and the
// interrupt primitive.
package agent

import (
	"encoding/json"
	"fmt"
	"strings"
)

// InterruptError parks the whole run durably. The node executor converts it
// into a continuation marker on the checkpoint; it never reaches the
// generic error handler.
type InterruptError struct {
	ID      string
	AgentID string
	Payload json.RawMessage
}

func (e *InterruptError) Error() string {
	return fmt.Sprintf("run interrupted by %s (interrupt %s)", e.AgentID, e.ID)
}

// AbortError is raised when a resume value matches the abort shape. The
// parked agent commits a partial patch and the run stops cleanly.
type AbortError struct {
	Reason string
}

func (e *AbortError) Error() string {
	if e.Reason == "" {
		return "run aborted by caller"
	}
	return "run aborted by caller: " + e.Reason
}

// IsAbortValue reports whether a resume value structurally requests an
// abort: the bare string "abort" or an object with action=abort.
func IsAbortValue(raw json.RawMessage) (string, bool) {
	if len(raw) == 0 {
		return "", false
	}
	var s string
	if err := json.Unmarshal(raw, &s); err == nil {
		if strings.EqualFold(strings.TrimSpace(s), "abort") {
			return "", true
		}
		return "", false
	}
	var obj struct {
		Action string `json:"action"`
		Reason string `json:"reason"`
	}
	if err := json.Unmarshal(raw, &obj); err == nil && strings.EqualFold(obj.Action, "abort") {
		return obj.Reason, true
	}
	return "", false
}
