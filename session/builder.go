package session

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/latticehq/conduct/types"
)

// Builder is the patch-writer facade. Node and topology code never touches
// snapshot fields directly: it records mutations through the builder's
// module views and commits the accumulated minimal patch.
type Builder struct {
	patch Patch
}

func NewBuilder() *Builder { return &Builder{} }

// Build returns the accumulated patch. The builder stays usable afterwards
// but callers conventionally build once per node execution.
func (b *Builder) Build() *Patch {
	p := b.patch
	return &p
}

// reducer fields may only be written through their append/replace methods.
var reducerKeys = map[string]struct{}{
	"messages":         {},
	"mapReduceResults": {},
	"timeline":         {},
}

// Set writes a plain last-write-wins field by name. Reducer fields are
// rejected so ad-hoc writes can never clobber append-only history.
func (b *Builder) Set(key string, value any) error {
	if _, reducer := reducerKeys[key]; reducer {
		return fmt.Errorf("builder: %q is a reducer field, use its append/replace methods", key)
	}
	switch key {
	case "activeAgent":
		s, ok := value.(string)
		if !ok {
			return fmt.Errorf("builder: activeAgent wants string, got %T", value)
		}
		b.patch.ActiveAgent = &s
	case "assignedTask":
		s, ok := value.(string)
		if !ok {
			return fmt.Errorf("builder: assignedTask wants string, got %T", value)
		}
		b.patch.AssignedTask = &s
	case "lastStatus":
		st, ok := value.(types.Status)
		if !ok {
			return fmt.Errorf("builder: lastStatus wants types.Status, got %T", value)
		}
		b.patch.LastStatus = &st
	case "lastError":
		s, ok := value.(string)
		if !ok {
			return fmt.Errorf("builder: lastError wants string, got %T", value)
		}
		b.patch.LastError = &s
	default:
		return fmt.Errorf("builder: unknown field %q", key)
	}
	return nil
}

// Memory is the conversation-log view.
type MemoryView struct{ b *Builder }

func (b *Builder) Memory() MemoryView { return MemoryView{b: b} }

// AppendUser records a user turn.
func (v MemoryView) AppendUser(text string) {
	v.b.patch.AppendMessages = append(v.b.patch.AppendMessages, types.Message{
		ID:      uuid.NewString(),
		Role:    types.RoleUser,
		Kind:    types.KindUser,
		Content: text,
	})
}

// AppendAssistant records an assistant turn attributed to an agent.
func (v MemoryView) AppendAssistant(agentID, text string) {
	v.b.patch.AppendMessages = append(v.b.patch.AppendMessages, types.Message{
		ID:      uuid.NewString(),
		Role:    types.RoleAssistant,
		Kind:    types.KindAssistant,
		Name:    agentID,
		Content: text,
	})
}

// AppendTask records a task instruction for the next node. Task messages
// steer one execution and are filtered out of persisted memory.
func (v MemoryView) AppendTask(instruction string) {
	v.b.patch.AppendMessages = append(v.b.patch.AppendMessages, types.Message{
		ID:      uuid.NewString(),
		Role:    types.RoleUser,
		Kind:    types.KindTask,
		Content: instruction,
	})
}

// AppendAudit records the fixed-shape execution summary line that gives
// later agents a compact account of what already happened.
func (v MemoryView) AppendAudit(agentID, task string, status types.Status, hasDeliverable bool, errMsg string) {
	deliv := "no"
	if hasDeliverable {
		deliv = "yes"
	}
	line := fmt.Sprintf("result agent=%s task=%s status=%s deliverable=%s error=%s",
		agentID, task, status, deliv, errMsg)
	v.b.patch.AppendMessages = append(v.b.patch.AppendMessages, types.Message{
		ID:      uuid.NewString(),
		Role:    types.RoleAssistant,
		Kind:    types.KindAudit,
		Name:    agentID,
		Content: line,
	})
}

// Append adds pre-built messages; ids are filled in when missing.
func (v MemoryView) Append(msgs ...types.Message) {
	for _, m := range msgs {
		if m.ID == "" {
			m.ID = uuid.NewString()
		}
		v.b.patch.AppendMessages = append(v.b.patch.AppendMessages, m)
	}
}

// Replace overwrites the whole conversation log. Used by compaction only.
func (v MemoryView) Replace(msgs []types.Message) {
	out := make([]types.Message, len(msgs))
	copy(out, msgs)
	v.b.patch.ReplaceMessages = &out
}

// Routing is the control-flow view.
type RoutingView struct{ b *Builder }

func (b *Builder) Routing() RoutingView { return RoutingView{b: b} }

func (v RoutingView) Activate(agentID, task string) {
	v.b.patch.ActiveAgent = &agentID
	v.b.patch.AssignedTask = &task
}

// Clear unsets the active agent and assigned task, which halts routing in
// the dynamic and react topologies.
func (v RoutingView) Clear() {
	empty := ""
	v.b.patch.ActiveAgent = &empty
	v.b.patch.AssignedTask = &empty
}

func (v RoutingView) SetStatus(status types.Status, errMsg string) {
	v.b.patch.LastStatus = &status
	v.b.patch.LastError = &errMsg
}

// Deliverables is the deliverable-key view.
type DeliverablesView struct{ b *Builder }

func (b *Builder) Deliverables() DeliverablesView { return DeliverablesView{b: b} }

func (v DeliverablesView) MarkPersisted(agentID string) {
	v.b.patch.AddDeliverableKeys = append(v.b.patch.AddDeliverableKeys, agentID)
}

// TodoView replaces the structured plan wholesale.
type TodoView struct{ b *Builder }

func (b *Builder) Todo() TodoView { return TodoView{b: b} }

func (v TodoView) Replace(items []TodoItem) {
	v.b.patch.Todo = &Todo{
		Items:     append([]TodoItem(nil), items...),
		UpdatedAt: time.Now().UTC(),
	}
}

// MapReduceView manages the fan-out plan and its append-only results.
type MapReduceView struct{ b *Builder }

func (b *Builder) MapReduce() MapReduceView { return MapReduceView{b: b} }

func (v MapReduceView) SetPlan(goal string, tasks []MapTask) {
	v.b.patch.MapGoal = &goal
	out := append([]MapTask(nil), tasks...)
	v.b.patch.MapTasks = &out
	v.b.patch.ResetMapResults = true
}

func (v MapReduceView) SetCurrentTask(taskID string) {
	v.b.patch.MapCurrentTask = &taskID
}

func (v MapReduceView) AppendResults(results ...MapResult) {
	v.b.patch.AppendMapResults = append(v.b.patch.AppendMapResults, results...)
}

func (v MapReduceView) ResetResults() {
	v.b.patch.ResetMapResults = true
}

// ReactView replaces the planner state wholesale; it is a plain field.
type ReactView struct{ b *Builder }

func (b *Builder) React() ReactView { return ReactView{b: b} }

func (v ReactView) Replace(state ReactState) {
	v.b.patch.React = &state
}

// CompressionView records a new rolling summary.
type CompressionView struct{ b *Builder }

func (b *Builder) Compression() CompressionView { return CompressionView{b: b} }

func (v CompressionView) SetSummary(summary string, compactedThrough int) {
	v.b.patch.Compression = &Compression{
		Summary:          summary,
		CompactedThrough: compactedThrough,
		CompactedAt:      time.Now().UTC(),
	}
}

// TimelineView buffers ordered lifecycle entries for the snapshot log.
type TimelineView struct{ b *Builder }

func (b *Builder) Timeline() TimelineView { return TimelineView{b: b} }

func (v TimelineView) Record(kind, agentID, detail string) {
	v.b.patch.AppendTimeline = append(v.b.patch.AppendTimeline, TimelineEntry{
		ID:      uuid.NewString(),
		Kind:    kind,
		AgentID: agentID,
		Detail:  detail,
		At:      time.Now().UTC(),
	})
}

// BuildInitial constructs the patch that seeds a brand-new session from the
// caller's first query.
func BuildInitial(query, entryAgent string) *Patch {
	b := NewBuilder()
	b.Memory().AppendUser(query)
	b.Routing().Activate(entryAgent, "")
	b.Timeline().Record("session.start", "", query)
	return b.Build()
}

// BuildResume constructs the patch that splices a resume value into a
// parked session as a synthetic user turn.
func BuildResume(resumeValue json.RawMessage) *Patch {
	b := NewBuilder()
	text := string(resumeValue)
	var s string
	if err := json.Unmarshal(resumeValue, &s); err == nil {
		text = s
	}
	b.Memory().AppendUser(text)
	b.Timeline().Record("session.resume", "", text)
	return b.Build()
}
