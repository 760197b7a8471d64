package session

import (
	"fmt"
	"time"

	"github.com/latticehq/conduct/types"
)

// Patch is the sole output of one node execution. Plain fields are
// last-write-wins pointers; reducer fields (messages, map-reduce results,
// timeline) declare append vs replace explicitly so a committer never loses
// concurrent contributions within a step. Applying the same patch twice is
// a no-op for reducer fields: entries carry stable ids and are deduped.
type Patch struct {
	AppendMessages  []types.Message  `json:"appendMessages,omitempty"`
	ReplaceMessages *[]types.Message `json:"replaceMessages,omitempty"`

	ActiveAgent  *string       `json:"activeAgent,omitempty"`
	AssignedTask *string       `json:"assignedTask,omitempty"`
	LastStatus   *types.Status `json:"lastStatus,omitempty"`
	LastError    *string       `json:"lastError,omitempty"`

	AddDeliverableKeys []string `json:"addDeliverableKeys,omitempty"`

	Todo *Todo `json:"todo,omitempty"`

	MapGoal          *string     `json:"mapGoal,omitempty"`
	MapTasks         *[]MapTask  `json:"mapTasks,omitempty"`
	MapCurrentTask   *string     `json:"mapCurrentTask,omitempty"`
	ResetMapResults  bool        `json:"resetMapResults,omitempty"`
	AppendMapResults []MapResult `json:"appendMapResults,omitempty"`

	React *ReactState `json:"react,omitempty"`

	Compression *Compression `json:"compression,omitempty"`

	AppendTimeline []TimelineEntry `json:"appendTimeline,omitempty"`
}

// IsZero reports whether the patch carries no mutation at all.
func (p *Patch) IsZero() bool {
	if p == nil {
		return true
	}
	return len(p.AppendMessages) == 0 && p.ReplaceMessages == nil &&
		p.ActiveAgent == nil && p.AssignedTask == nil &&
		p.LastStatus == nil && p.LastError == nil &&
		len(p.AddDeliverableKeys) == 0 && p.Todo == nil &&
		p.MapGoal == nil && p.MapTasks == nil && p.MapCurrentTask == nil &&
		!p.ResetMapResults && len(p.AppendMapResults) == 0 &&
		p.React == nil && p.Compression == nil && len(p.AppendTimeline) == 0
}

// Merge folds other into p, preserving reducer semantics: appends
// concatenate, plain fields take other's value when set.
func (p *Patch) Merge(other *Patch) {
	if p == nil || other == nil {
		return
	}
	p.AppendMessages = append(p.AppendMessages, other.AppendMessages...)
	if other.ReplaceMessages != nil {
		p.ReplaceMessages = other.ReplaceMessages
	}
	if other.ActiveAgent != nil {
		p.ActiveAgent = other.ActiveAgent
	}
	if other.AssignedTask != nil {
		p.AssignedTask = other.AssignedTask
	}
	if other.LastStatus != nil {
		p.LastStatus = other.LastStatus
	}
	if other.LastError != nil {
		p.LastError = other.LastError
	}
	p.AddDeliverableKeys = append(p.AddDeliverableKeys, other.AddDeliverableKeys...)
	if other.Todo != nil {
		p.Todo = other.Todo
	}
	if other.MapGoal != nil {
		p.MapGoal = other.MapGoal
	}
	if other.MapTasks != nil {
		p.MapTasks = other.MapTasks
	}
	if other.MapCurrentTask != nil {
		p.MapCurrentTask = other.MapCurrentTask
	}
	if other.ResetMapResults {
		p.ResetMapResults = true
	}
	p.AppendMapResults = append(p.AppendMapResults, other.AppendMapResults...)
	if other.React != nil {
		p.React = other.React
	}
	if other.Compression != nil {
		p.Compression = other.Compression
	}
	p.AppendTimeline = append(p.AppendTimeline, other.AppendTimeline...)
}

// Apply mutates the snapshot in place. Message and map-result appends
// dedupe on entry id, so re-applying a committed patch never duplicates
// reducer entries.
func (s *Snapshot) Apply(p *Patch) error {
	if s == nil {
		return fmt.Errorf("session: apply on nil snapshot")
	}
	if p == nil {
		return nil
	}

	if p.ReplaceMessages != nil {
		s.Messages = append([]types.Message(nil), (*p.ReplaceMessages)...)
	}
	if len(p.AppendMessages) > 0 {
		seen := make(map[string]struct{}, len(s.Messages))
		for _, m := range s.Messages {
			if m.ID != "" {
				seen[m.ID] = struct{}{}
			}
		}
		for _, m := range p.AppendMessages {
			if m.ID != "" {
				if _, dup := seen[m.ID]; dup {
					continue
				}
				seen[m.ID] = struct{}{}
			}
			s.Messages = append(s.Messages, m)
		}
	}

	if p.ActiveAgent != nil {
		s.Routing.ActiveAgent = *p.ActiveAgent
	}
	if p.AssignedTask != nil {
		s.Routing.AssignedTask = *p.AssignedTask
	}
	if p.LastStatus != nil {
		s.Routing.LastStatus = *p.LastStatus
	}
	if p.LastError != nil {
		s.Routing.LastError = *p.LastError
	}

	for _, k := range p.AddDeliverableKeys {
		if !s.HasDeliverable(k) {
			s.DeliverableKeys = append(s.DeliverableKeys, k)
		}
	}

	if p.Todo != nil {
		todo := *p.Todo
		s.Todo = &todo
	}

	if p.MapGoal != nil || p.MapTasks != nil || p.MapCurrentTask != nil ||
		p.ResetMapResults || len(p.AppendMapResults) > 0 {
		if s.MapReduce == nil {
			s.MapReduce = &MapReduceState{}
		}
		if p.MapGoal != nil {
			s.MapReduce.Goal = *p.MapGoal
		}
		if p.MapTasks != nil {
			s.MapReduce.Tasks = append([]MapTask(nil), (*p.MapTasks)...)
		}
		if p.MapCurrentTask != nil {
			s.MapReduce.CurrentTask = *p.MapCurrentTask
		}
		if p.ResetMapResults {
			s.MapReduce.Results = nil
		}
		if len(p.AppendMapResults) > 0 {
			seen := make(map[string]struct{}, len(s.MapReduce.Results))
			for _, r := range s.MapReduce.Results {
				seen[r.TaskID] = struct{}{}
			}
			for _, r := range p.AppendMapResults {
				if _, dup := seen[r.TaskID]; dup {
					continue
				}
				seen[r.TaskID] = struct{}{}
				s.MapReduce.Results = append(s.MapReduce.Results, r)
			}
		}
	}

	if p.React != nil {
		react := *p.React
		react.Plan = append([]PlanStep(nil), p.React.Plan...)
		s.React = &react
	}

	if p.Compression != nil {
		comp := *p.Compression
		s.Compression = &comp
	}

	if len(p.AppendTimeline) > 0 {
		seen := make(map[string]struct{}, len(s.Timeline))
		for _, e := range s.Timeline {
			seen[e.ID] = struct{}{}
		}
		for _, e := range p.AppendTimeline {
			if _, dup := seen[e.ID]; dup {
				continue
			}
			seen[e.ID] = struct{}{}
			s.Timeline = append(s.Timeline, e)
		}
	}

	s.UpdatedAt = time.Now().UTC()
	return nil
}
