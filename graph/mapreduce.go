package graph

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/latticehq/conduct/observe"
	"github.com/latticehq/conduct/resilience"
	"github.com/latticehq/conduct/session"
	"github.com/latticehq/conduct/team"
	"github.com/latticehq/conduct/types"
)

// Stage node ids for the map-reduce topology.
const (
	NodePlan   = "plan"
	NodeFanout = "fanout"
	NodeReduce = "reduce"
)

const defaultMaxParallelism = 4

var planSchema = map[string]any{
	"type": "object",
	"properties": map[string]any{
		"tasks": map[string]any{
			"type": "array",
			"items": map[string]any{
				"type": "object",
				"properties": map[string]any{
					"id":          map[string]any{"type": "string"},
					"instruction": map[string]any{"type": "string"},
					"worker":      map[string]any{"type": "string"},
				},
				"required": []string{"id", "instruction"},
			},
		},
	},
	"required": []string{"tasks"},
}

// PlanNode asks the entry agent to split the goal into independent tasks.
// It is a single schema-constrained model call, not a full agent run.
type PlanNode struct{}

func (PlanNode) ID() string { return NodePlan }

func (PlanNode) Execute(ctx context.Context, env *Env, snap *session.Snapshot) (*NodeResult, error) {
	entry, _ := env.Team.Agent(env.Team.Entry())
	goal := snap.ResolveQuery()

	env.emit(ctx, observe.Event{Type: observe.TypeAgentStarted, AgentID: entry.Spec.ID})

	prompt := fmt.Sprintf(
		"Split the following goal into independent tasks that can run in parallel. "+
			"Assign each task a short unique id and, when relevant, a worker from: %s.\n\nGoal: %s",
		strings.Join(workerIDs(env.Team), ", "), goal)

	raw, err := structuredCall(ctx, env, entry, prompt, planSchema)
	if err != nil {
		return nil, err
	}

	b := session.NewBuilder()
	var plan struct {
		Tasks []session.MapTask `json:"tasks"`
	}
	if raw == nil || json.Unmarshal(raw, &plan) != nil || len(plan.Tasks) == 0 {
		res := &types.AgentResult{
			AgentID:     entry.Spec.ID,
			Status:      types.StatusFailed,
			FailureKind: types.FailureBusiness,
			Error:       "planner produced no usable task list",
			CompletedAt: time.Now().UTC(),
		}
		b.Memory().AppendAudit(entry.Spec.ID, goal, res.Status, false, res.Error)
		b.Routing().Clear()
		b.Routing().SetStatus(res.Status, res.Error)
		env.emit(ctx, observe.Event{
			Type: observe.TypeAgentFailed, AgentID: entry.Spec.ID,
			Error: res.Error, Category: string(resilience.CategoryInternal),
		})
		return &NodeResult{Patch: b.Build(), Result: res}, nil
	}

	assignWorkers(env.Team, plan.Tasks)
	b.MapReduce().SetPlan(goal, plan.Tasks)
	b.Routing().Clear()
	b.Timeline().Record("mapreduce.plan", entry.Spec.ID, fmt.Sprintf("%d tasks", len(plan.Tasks)))
	return &NodeResult{Patch: b.Build()}, nil
}

// FanoutNode runs every unfinished task against its worker concurrently,
// each with an isolated message view. Worker failures are recorded as
// failed results, never dropped, so the reducer sees the full picture.
type FanoutNode struct{}

func (FanoutNode) ID() string { return NodeFanout }

func (FanoutNode) Execute(ctx context.Context, env *Env, snap *session.Snapshot) (*NodeResult, error) {
	if snap.MapReduce == nil || len(snap.MapReduce.Tasks) == 0 {
		return nil, resilience.New(resilience.CategoryInternal, "fan-out without a task plan")
	}

	done := make(map[string]struct{}, len(snap.MapReduce.Results))
	for _, r := range snap.MapReduce.Results {
		done[r.TaskID] = struct{}{}
	}
	var pending []session.MapTask
	for _, t := range snap.MapReduce.Tasks {
		if _, ok := done[t.ID]; !ok {
			pending = append(pending, t)
		}
	}

	limit := env.MaxParallelism
	if limit <= 0 {
		limit = defaultMaxParallelism
	}
	sem := make(chan struct{}, limit)
	results := make([]session.MapResult, len(pending))
	var wg sync.WaitGroup
	for i, task := range pending {
		wg.Add(1)
		go func(i int, task session.MapTask) {
			defer wg.Done()
			sem <- struct{}{}
			defer func() { <-sem }()
			results[i] = runMapTask(ctx, env, task)
		}(i, task)
	}
	wg.Wait()

	b := session.NewBuilder()
	b.MapReduce().AppendResults(results...)
	b.Routing().Clear()
	b.Timeline().Record("mapreduce.fanout", "", fmt.Sprintf("%d tasks ran", len(pending)))
	return &NodeResult{Patch: b.Build()}, nil
}

func runMapTask(ctx context.Context, env *Env, task session.MapTask) session.MapResult {
	result := session.MapResult{TaskID: task.ID, Worker: task.Worker}

	worker, ok := env.Team.Agent(task.Worker)
	if !ok {
		result.Status = types.StatusFailed
		result.Error = fmt.Sprintf("worker %q not in team", task.Worker)
		return result
	}

	env.emit(ctx, observe.Event{Type: observe.TypeAgentStarted, AgentID: task.Worker})

	// Isolated view: a worker sees only its own instruction.
	out, err := runAgent(ctx, env, worker, nil, task.Instruction)
	if err != nil {
		if ctx.Err() != nil {
			result.Status = types.StatusAborted
		} else {
			result.Status = types.StatusFailed
		}
		result.Error = err.Error()
		env.emit(ctx, observe.Event{
			Type: observe.TypeAgentFailed, AgentID: task.Worker,
			Error: err.Error(), Category: string(resilience.Classify(err)),
		})
		return result
	}

	res := out.Result
	result.Status = res.Status
	result.Output = res.Deliverable
	result.Error = res.Error
	if res.Status == types.StatusCompleted {
		env.emit(ctx, observe.Event{
			Type: observe.TypeAgentEnd, AgentID: task.Worker, Deliverable: res.Deliverable,
		})
	} else {
		env.emit(ctx, observe.Event{
			Type: observe.TypeAgentFailed, AgentID: task.Worker,
			Error: res.Error, Category: string(resilience.CategoryInternal),
		})
	}
	return result
}

// ReduceNode synthesizes the final deliverable from the accumulated
// results with one schema-constrained model call against the entry agent's
// output schema. Results are re-sorted by task id first, so the deliverable
// is invariant to worker arrival order.
type ReduceNode struct{}

func (ReduceNode) ID() string { return NodeReduce }

func (ReduceNode) Execute(ctx context.Context, env *Env, snap *session.Snapshot) (*NodeResult, error) {
	entry, _ := env.Team.Agent(env.Team.Entry())
	if snap.MapReduce == nil {
		return nil, resilience.New(resilience.CategoryInternal, "reduce without map-reduce state")
	}

	env.emit(ctx, observe.Event{Type: observe.TypeAgentStarted, AgentID: entry.Spec.ID})

	results := append([]session.MapResult(nil), snap.MapReduce.Results...)
	sort.Slice(results, func(i, j int) bool { return results[i].TaskID < results[j].TaskID })

	var sb strings.Builder
	fmt.Fprintf(&sb, "Synthesize the final answer for the goal below from the task results.\n\nGoal: %s\n\n", snap.MapReduce.Goal)
	for _, r := range results {
		if r.Status == types.StatusCompleted {
			fmt.Fprintf(&sb, "Task %s (worker %s): %s\n", r.TaskID, r.Worker, r.Output)
		} else {
			fmt.Fprintf(&sb, "Task %s (worker %s) did not complete: %s: %s\n", r.TaskID, r.Worker, r.Status, r.Error)
		}
	}

	raw, err := structuredCall(ctx, env, entry, sb.String(), entry.Schema)
	if err != nil {
		return nil, err
	}

	b := session.NewBuilder()
	res := &types.AgentResult{AgentID: entry.Spec.ID, CompletedAt: time.Now().UTC()}
	if raw == nil || entry.ValidateDeliverable(raw) != nil {
		res.Status = types.StatusFailed
		res.FailureKind = types.FailureBusiness
		res.Error = "reduce output did not match the deliverable schema"
	} else {
		res.Status = types.StatusCompleted
		res.Deliverable = raw
	}

	if res.Status == types.StatusCompleted {
		if err := persistDeliverable(ctx, env, entry.Spec.ID, res.Deliverable); err != nil {
			return nil, err
		}
		b.Deliverables().MarkPersisted(entry.Spec.ID)
	}
	b.Memory().AppendAudit(entry.Spec.ID, snap.MapReduce.Goal, res.Status, res.Deliverable != nil, res.Error)
	b.Routing().Clear()
	b.Routing().SetStatus(res.Status, res.Error)
	b.Timeline().Record("mapreduce.reduce", entry.Spec.ID, string(res.Status))

	if res.Status == types.StatusCompleted {
		env.emit(ctx, observe.Event{
			Type: observe.TypeAgentEnd, AgentID: entry.Spec.ID, Deliverable: res.Deliverable,
		})
	} else {
		env.emit(ctx, observe.Event{
			Type: observe.TypeAgentFailed, AgentID: entry.Spec.ID,
			Error: res.Error, Category: string(resilience.CategoryInternal),
		})
	}
	return &NodeResult{Patch: b.Build(), Result: res}, nil
}

// structuredCall makes one schema-constrained model call under the agent's
// retry policy. A nil payload means the answer did not parse.
func structuredCall(ctx context.Context, env *Env, a *team.Agent, prompt string, schema map[string]any) (json.RawMessage, error) {
	var raw json.RawMessage
	err := resilience.Do(ctx, env.retryFor(a), func(ctx context.Context) error {
		callCtx, cancel := context.WithTimeout(ctx, a.Spec.Timeout)
		defer cancel()
		resp, err := env.Provider.Generate(callCtx, types.Request{
			SystemPrompt:   a.Spec.SystemPrompt,
			Messages:       []types.Message{{Role: types.RoleUser, Kind: types.KindTask, Content: prompt}},
			Temperature:    a.Spec.Temperature,
			ResponseSchema: schema,
		})
		if err != nil {
			return err
		}
		content := []byte(resp.Message.Content)
		if json.Valid(content) {
			raw = content
		}
		return nil
	})
	if err != nil {
		return nil, resilience.ClassifyWrap(err, "structured call failed")
	}
	return raw, nil
}

func workerIDs(def *team.Definition) []string {
	var out []string
	for _, id := range def.Order() {
		if id != def.Entry() {
			out = append(out, id)
		}
	}
	if len(out) == 0 {
		out = []string{def.Entry()}
	}
	return out
}

// assignWorkers fills in or corrects task workers: unknown or missing ids
// are reassigned round-robin over the non-entry agents.
func assignWorkers(def *team.Definition, tasks []session.MapTask) {
	workers := workerIDs(def)
	next := 0
	for i := range tasks {
		if _, ok := def.Agent(tasks[i].Worker); ok && tasks[i].Worker != def.Entry() {
			continue
		}
		if len(workers) == 1 && workers[0] == def.Entry() {
			tasks[i].Worker = def.Entry()
			continue
		}
		tasks[i].Worker = workers[next%len(workers)]
		next++
	}
}
