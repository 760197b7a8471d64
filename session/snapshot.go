package session

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/latticehq/conduct/types"
)

// Routing carries the control-flow fields the topologies read and write.
type Routing struct {
	ActiveAgent  string       `json:"activeAgent,omitempty"`
	AssignedTask string       `json:"assignedTask,omitempty"`
	LastStatus   types.Status `json:"lastStatus,omitempty"`
	LastError    string       `json:"lastError,omitempty"`
}

type TodoStatus string

const (
	TodoPending    TodoStatus = "pending"
	TodoInProgress TodoStatus = "in_progress"
	TodoDone       TodoStatus = "done"
	TodoSkipped    TodoStatus = "skipped"
)

type TodoItem struct {
	ID     string     `json:"id"`
	Text   string     `json:"text"`
	Status TodoStatus `json:"status"`
}

type Todo struct {
	Items     []TodoItem `json:"items"`
	UpdatedAt time.Time  `json:"updatedAt"`
}

// MapTask is one unit of map-reduce fan-out work.
type MapTask struct {
	ID          string `json:"id"`
	Instruction string `json:"instruction"`
	Worker      string `json:"worker"`
}

// MapResult is an immutable fan-out outcome tagged with its task id so the
// reducer can re-sort deterministically regardless of arrival order.
type MapResult struct {
	TaskID string          `json:"taskId"`
	Worker string          `json:"worker"`
	Status types.Status    `json:"status"`
	Output json.RawMessage `json:"output,omitempty"`
	Error  string          `json:"error,omitempty"`
}

type MapReduceState struct {
	Goal        string      `json:"goal,omitempty"`
	Tasks       []MapTask   `json:"tasks,omitempty"`
	CurrentTask string      `json:"currentTask,omitempty"`
	Results     []MapResult `json:"results,omitempty"`
}

type PlanStepStatus string

const (
	StepPending    PlanStepStatus = "pending"
	StepInProgress PlanStepStatus = "in_progress"
	StepDone       PlanStepStatus = "done"
	StepFailed     PlanStepStatus = "failed"
)

type PlanStep struct {
	ID          string         `json:"id"`
	Instruction string         `json:"instruction"`
	AgentID     string         `json:"agentId"`
	Status      PlanStepStatus `json:"status"`
}

type ReactState struct {
	Goal            string     `json:"goal,omitempty"`
	Plan            []PlanStep `json:"plan,omitempty"`
	Reflection      string     `json:"reflection,omitempty"`
	ErrorRetryCount int        `json:"errorRetryCount,omitempty"`
	ReplanCount     int        `json:"replanCount,omitempty"`
}

// Compression records the rolling conversation summary produced by
// session compaction and how far into the log it reaches.
type Compression struct {
	Summary          string    `json:"summary,omitempty"`
	CompactedThrough int       `json:"compactedThrough,omitempty"`
	CompactedAt      time.Time `json:"compactedAt,omitempty"`
}

type TimelineEntry struct {
	ID      string    `json:"id"`
	Kind    string    `json:"kind"`
	AgentID string    `json:"agentId,omitempty"`
	Detail  string    `json:"detail,omitempty"`
	At      time.Time `json:"at"`
}

// Snapshot is the canonical per-session state. It is mutated only by
// applying patches, in strict node-execution order.
type Snapshot struct {
	Key             Key             `json:"key"`
	Messages        []types.Message `json:"messages,omitempty"`
	Routing         Routing         `json:"routing"`
	DeliverableKeys []string        `json:"deliverableKeys,omitempty"`
	Todo            *Todo           `json:"todo,omitempty"`
	MapReduce       *MapReduceState `json:"mapReduce,omitempty"`
	React           *ReactState     `json:"react,omitempty"`
	Compression     *Compression    `json:"compression,omitempty"`
	Timeline        []TimelineEntry `json:"timeline,omitempty"`
	CreatedAt       time.Time       `json:"createdAt"`
	UpdatedAt       time.Time       `json:"updatedAt"`
}

func NewSnapshot(key Key) *Snapshot {
	now := time.Now().UTC()
	return &Snapshot{Key: key, CreatedAt: now, UpdatedAt: now}
}

// Clone deep-copies the snapshot via a JSON round-trip so callers can hand
// isolated views to concurrent workers.
func (s *Snapshot) Clone() (*Snapshot, error) {
	if s == nil {
		return nil, fmt.Errorf("snapshot: clone of nil snapshot")
	}
	raw, err := json.Marshal(s)
	if err != nil {
		return nil, fmt.Errorf("snapshot: marshal: %w", err)
	}
	var out Snapshot
	if err := json.Unmarshal(raw, &out); err != nil {
		return nil, fmt.Errorf("snapshot: unmarshal: %w", err)
	}
	return &out, nil
}

// HasDeliverable reports whether agentID already persisted an output.
func (s *Snapshot) HasDeliverable(agentID string) bool {
	if s == nil {
		return false
	}
	for _, k := range s.DeliverableKeys {
		if k == agentID {
			return true
		}
	}
	return false
}

// LatestUserText returns the content of the most recent user-kind message.
func (s *Snapshot) LatestUserText() string {
	if s == nil {
		return ""
	}
	for i := len(s.Messages) - 1; i >= 0; i-- {
		m := s.Messages[i]
		if m.Role == types.RoleUser && m.Kind != types.KindTask {
			return m.Content
		}
	}
	return ""
}

// LatestTaskInstruction returns the most recent task-kind message content.
func (s *Snapshot) LatestTaskInstruction() string {
	if s == nil {
		return ""
	}
	for i := len(s.Messages) - 1; i >= 0; i-- {
		if s.Messages[i].Kind == types.KindTask {
			return s.Messages[i].Content
		}
	}
	return ""
}

// ResolveQuery derives the instruction the next node should act on:
// the explicitly assigned task, else the latest plan task instruction,
// else the latest raw user text, else empty.
func (s *Snapshot) ResolveQuery() string {
	if s == nil {
		return ""
	}
	if s.Routing.AssignedTask != "" {
		return s.Routing.AssignedTask
	}
	if task := s.LatestTaskInstruction(); task != "" {
		return task
	}
	return s.LatestUserText()
}

// MemoryMessages filters engine scaffolding out of the conversation log:
// only user and assistant content (including audit summaries) is retained
// for persisted memory and prompt assembly.
func (s *Snapshot) MemoryMessages() []types.Message {
	if s == nil {
		return nil
	}
	out := make([]types.Message, 0, len(s.Messages))
	for _, m := range s.Messages {
		switch m.Kind {
		case types.KindSystem, types.KindTask, types.KindTool:
			continue
		}
		if m.Role == types.RoleTool || m.Role == types.RoleSystem {
			continue
		}
		out = append(out, m)
	}
	return out
}
