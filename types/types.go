// Package types holds the wire structs shared by every conduct package:
// conversation messages, provider requests/responses, and agent results.
package types

import (
	"encoding/json"
	"time"
)

type Role string

const (
	RoleSystem    Role = "system"
	RoleUser      Role = "user"
	RoleAssistant Role = "assistant"
	RoleTool      Role = "tool"
)

// MessageKind classifies a message beyond its chat role. Task and audit
// messages are engine scaffolding: they steer a single node execution and
// are filtered out of persisted conversation memory.
type MessageKind string

const (
	KindUser      MessageKind = "user"
	KindAssistant MessageKind = "assistant"
	KindTool      MessageKind = "tool"
	KindSystem    MessageKind = "system"
	KindTask      MessageKind = "task"
	KindAudit     MessageKind = "audit"
)

type Message struct {
	// ID is stable across patch re-application; appenders dedupe on it.
	ID         string      `json:"id,omitempty"`
	Role       Role        `json:"role"`
	Kind       MessageKind `json:"kind,omitempty"`
	Content    string      `json:"content,omitempty"`
	Name       string      `json:"name,omitempty"` // Tool name for tool role messages.
	ToolCallID string      `json:"toolCallId,omitempty"`
	ToolCalls  []ToolCall  `json:"toolCalls,omitempty"`
}

type ToolCall struct {
	ID        string          `json:"id,omitempty"`
	Name      string          `json:"name"`
	Arguments json.RawMessage `json:"arguments,omitempty"`
}

type ToolDefinition struct {
	Name        string         `json:"name"`
	Description string         `json:"description"`
	JSONSchema  map[string]any `json:"jsonSchema,omitempty"`
}

type Request struct {
	Model           string           `json:"model,omitempty"`
	SystemPrompt    string           `json:"systemPrompt,omitempty"`
	Messages        []Message        `json:"messages"`
	Tools           []ToolDefinition `json:"tools,omitempty"`
	Temperature     *float64         `json:"temperature,omitempty"`
	MaxOutputTokens int              `json:"maxOutputTokens,omitempty"`
	ResponseSchema  map[string]any   `json:"responseSchema,omitempty"`
}

type Usage struct {
	InputTokens  int `json:"inputTokens,omitempty"`
	OutputTokens int `json:"outputTokens,omitempty"`
	TotalTokens  int `json:"totalTokens,omitempty"`
}

type Response struct {
	Message Message `json:"message"`
	Usage   *Usage  `json:"usage,omitempty"`
}

// Status is the terminal disposition of one agent execution.
type Status string

const (
	StatusCompleted          Status = "completed"
	StatusFailed             Status = "failed"
	StatusNeedsClarification Status = "needs_clarification"
	StatusAborted            Status = "aborted"
)

// FailureKind splits failed results into recoverable business failures and
// run-aborting system failures.
type FailureKind string

const (
	FailureBusiness FailureKind = "business"
	FailureSystem   FailureKind = "system"
)

// AgentResult is what a node execution produces for the executor to commit.
type AgentResult struct {
	AgentID     string          `json:"agentId"`
	Status      Status          `json:"status"`
	FailureKind FailureKind     `json:"failureKind,omitempty"`
	Deliverable json.RawMessage `json:"deliverable,omitempty"`
	Summary     string          `json:"summary,omitempty"`
	Error       string          `json:"error,omitempty"`
	Usage       *Usage          `json:"usage,omitempty"`
	CompletedAt time.Time       `json:"completedAt,omitempty"`
}
