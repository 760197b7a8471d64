// Package observe carries the typed lifecycle events the orchestrator
// emits and the sinks that deliver them. There is no logger in conduct;
// every diagnostic flows through a Sink.
package observe

import (
	"encoding/json"
	"time"
)

type Type string

const (
	TypeSessionStarted   Type = "session.started"
	TypeAgentStarted     Type = "agent.started"
	TypeToolCall         Type = "tool.call"
	TypeToolResult       Type = "tool.result"
	TypeToolError        Type = "tool.error"
	TypeAgentEnd         Type = "agent.end"
	TypeAgentFailed      Type = "agent.failed"
	TypeAgentInterrupt   Type = "agent.interrupt"
	TypeSessionCompleted Type = "session.completed"
	TypeSessionError     Type = "session.error"
)

// Terminal reports whether the event ends the stream for a run: the caller
// either has a final deliverable, an error, or must resume later.
func (t Type) Terminal() bool {
	switch t {
	case TypeAgentInterrupt, TypeSessionCompleted, TypeSessionError:
		return true
	}
	return false
}

type Event struct {
	ID          string          `json:"id,omitempty"`
	Type        Type            `json:"type"`
	Timestamp   time.Time       `json:"timestamp"`
	Namespace   string          `json:"namespace,omitempty"`
	SessionID   string          `json:"sessionId,omitempty"`
	RunID       string          `json:"runId,omitempty"`
	AgentID     string          `json:"agentId,omitempty"`
	ToolName    string          `json:"toolName,omitempty"`
	ToolCallID  string          `json:"toolCallId,omitempty"`
	Message     string          `json:"message,omitempty"`
	Error       string          `json:"error,omitempty"`
	Category    string          `json:"category,omitempty"` // machine-readable error category
	InterruptID string          `json:"interruptId,omitempty"`
	Payload     json.RawMessage `json:"payload,omitempty"`     // interrupt payload
	Deliverable json.RawMessage `json:"deliverable,omitempty"` // agent.end / session.completed
	DurationMs  int64           `json:"durationMs,omitempty"`
	Attributes  map[string]any  `json:"attributes,omitempty"`
}

func (e *Event) Normalize() {
	if e == nil {
		return
	}
	if e.Timestamp.IsZero() {
		e.Timestamp = time.Now().UTC()
	}
}
