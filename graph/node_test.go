package graph

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"testing"

	deliverablememory "github.com/latticehq/conduct/deliverable/memory"
	"github.com/latticehq/conduct/llm"
	"github.com/latticehq/conduct/session"
	"github.com/latticehq/conduct/team"
	"github.com/latticehq/conduct/tool"
	"github.com/latticehq/conduct/types"
)

// scriptedProvider returns canned responses in order. Single-flow only.
type scriptedProvider struct {
	responses []types.Response
	requests  []types.Request
}

func (p *scriptedProvider) Name() string                   { return "scripted" }
func (p *scriptedProvider) Capabilities() llm.Capabilities { return llm.Capabilities{Tools: true} }
func (p *scriptedProvider) Generate(ctx context.Context, req types.Request) (types.Response, error) {
	p.requests = append(p.requests, req)
	if len(p.responses) == 0 {
		return types.Response{}, fmt.Errorf("script exhausted after %d calls", len(p.requests))
	}
	resp := p.responses[0]
	p.responses = p.responses[1:]
	return resp, nil
}
func (p *scriptedProvider) Embed(ctx context.Context, text string) ([]float64, error) {
	return nil, llm.ErrNotSupported
}

func textResponse(content string) types.Response {
	return types.Response{Message: types.Message{Role: types.RoleAssistant, Content: content}}
}

func toolCallResponse(calls ...types.ToolCall) types.Response {
	return types.Response{Message: types.Message{Role: types.RoleAssistant, ToolCalls: calls}}
}

func testEnv(def *team.Definition, provider llm.Provider) *Env {
	return &Env{
		Key:          session.NewKey("etl", "s1"),
		RunID:        "run1",
		Team:         def,
		Provider:     provider,
		Deliverables: deliverablememory.New(),
	}
}

func freshSnap(query, active string) *session.Snapshot {
	snap := session.NewSnapshot(session.NewKey("etl", "s1"))
	_ = snap.Apply(session.BuildInitial(query, active))
	return snap
}

func TestAgentNodeCompletionPersistsAndAudits(t *testing.T) {
	def := buildTeam(t, team.ModeSequential, "analyst")
	provider := &scriptedProvider{responses: []types.Response{
		textResponse("analysis finished"),
		textResponse(`{"summary":"tables look healthy"}`),
	}}
	env := testEnv(def, provider)
	snap := freshSnap("inspect the tables", "analyst")

	res, err := NewAgentNode("analyst").Execute(context.Background(), env, snap)
	if err != nil {
		t.Fatalf("execute: %v", err)
	}
	if res.Parked != nil || res.Result == nil {
		t.Fatalf("expected a plain result, got %+v", res)
	}
	if res.Result.Status != types.StatusCompleted {
		t.Fatalf("expected completed, got %s (%s)", res.Result.Status, res.Result.Error)
	}

	if err := snap.Apply(res.Patch); err != nil {
		t.Fatalf("apply: %v", err)
	}
	if !snap.HasDeliverable("analyst") {
		t.Fatal("deliverable key not recorded")
	}
	if snap.Routing.ActiveAgent != "" || snap.Routing.AssignedTask != "" {
		t.Fatalf("routing should be cleared after completion: %+v", snap.Routing)
	}

	entry, err := env.Deliverables.Get(context.Background(), "etl", "s1", "analyst")
	if err != nil {
		t.Fatalf("deliverable not persisted: %v", err)
	}
	if !strings.Contains(string(entry.Payload), "tables look healthy") {
		t.Fatalf("wrong payload persisted: %s", entry.Payload)
	}

	var audit string
	for _, m := range snap.Messages {
		if m.Kind == types.KindAudit {
			audit = m.Content
		}
	}
	if !strings.Contains(audit, "agent=analyst") || !strings.Contains(audit, "status=completed") {
		t.Fatalf("audit line missing or malformed: %q", audit)
	}
}

func TestAgentNodeDelegationActivatesTarget(t *testing.T) {
	def := buildTeam(t, team.ModeDynamic, "analyst", "architect")
	provider := &scriptedProvider{responses: []types.Response{
		toolCallResponse(types.ToolCall{
			ID: "c1", Name: tool.DelegationName("architect"),
			Arguments: []byte(`{"task":"design the schema"}`),
		}),
	}}
	env := testEnv(def, provider)
	snap := freshSnap("build a pipeline", "analyst")

	res, err := NewAgentNode("analyst").Execute(context.Background(), env, snap)
	if err != nil {
		t.Fatalf("execute: %v", err)
	}
	if res.Result != nil || res.Parked != nil {
		t.Fatalf("delegation produces neither result nor park: %+v", res)
	}
	if err := snap.Apply(res.Patch); err != nil {
		t.Fatalf("apply: %v", err)
	}
	if snap.Routing.ActiveAgent != "architect" || snap.Routing.AssignedTask != "design the schema" {
		t.Fatalf("target not activated: %+v", snap.Routing)
	}
}

func TestAgentNodeInterruptParksRun(t *testing.T) {
	def := buildTeam(t, team.ModeSequential, "analyst")
	provider := &scriptedProvider{responses: []types.Response{
		toolCallResponse(types.ToolCall{
			ID: "c1", Name: tool.AskUserName,
			Arguments: []byte(`{"question":"which warehouse?"}`),
		}),
	}}
	env := testEnv(def, provider)
	snap := freshSnap("load the data", "analyst")

	res, err := NewAgentNode("analyst").Execute(context.Background(), env, snap)
	if err != nil {
		t.Fatalf("an interrupt is not an error: %v", err)
	}
	if res.Parked == nil {
		t.Fatal("expected a parked marker")
	}
	if res.Parked.NodeID != "analyst" || res.Parked.AgentID != "analyst" || res.Parked.InterruptID == "" {
		t.Fatalf("parked marker incomplete: %+v", res.Parked)
	}
	if !strings.Contains(string(res.Parked.Payload), "which warehouse?") {
		t.Fatalf("payload not carried: %s", res.Parked.Payload)
	}
}

func TestAgentNodeTodoUpdateFoldedIntoPatch(t *testing.T) {
	def := buildTeam(t, team.ModeSequential, "analyst")
	provider := &scriptedProvider{responses: []types.Response{
		toolCallResponse(types.ToolCall{
			ID: "c1", Name: "update_todo",
			Arguments: []byte(`{"items":[{"id":"1","text":"profile columns","status":"done"}]}`),
		}),
		textResponse("plan updated"),
		textResponse(`{"summary":"profiled"}`),
	}}
	env := testEnv(def, provider)
	snap := freshSnap("profile the dataset", "analyst")

	res, err := NewAgentNode("analyst").Execute(context.Background(), env, snap)
	if err != nil {
		t.Fatalf("execute: %v", err)
	}
	if err := snap.Apply(res.Patch); err != nil {
		t.Fatalf("apply: %v", err)
	}
	if snap.Todo == nil || len(snap.Todo.Items) != 1 || snap.Todo.Items[0].Status != session.TodoDone {
		t.Fatalf("todo update not applied: %+v", snap.Todo)
	}
}

// mapProvider answers by request shape and task content so concurrent
// workers get deterministic responses regardless of scheduling.
type mapProvider struct {
	mu sync.Mutex
}

func (p *mapProvider) Name() string                   { return "map" }
func (p *mapProvider) Capabilities() llm.Capabilities { return llm.Capabilities{Tools: true} }
func (p *mapProvider) Embed(ctx context.Context, text string) ([]float64, error) {
	return nil, llm.ErrNotSupported
}

func (p *mapProvider) Generate(ctx context.Context, req types.Request) (types.Response, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	task := ""
	for _, m := range req.Messages {
		if m.Kind == types.KindTask {
			task = m.Content
		}
	}
	if strings.Contains(task, "explode") {
		return types.Response{}, fmt.Errorf("worker backend blew up")
	}
	if req.ResponseSchema == nil {
		return textResponse("working"), nil
	}
	return textResponse(fmt.Sprintf(`{"summary":%q}`, "did: "+task)), nil
}

func TestFanoutRecordsFailuresAndSkipsDone(t *testing.T) {
	def := buildTeam(t, team.ModeMapReduce, "lead", "w1", "w2")
	env := testEnv(def, &mapProvider{})
	snap := freshSnap("analyze shards", NodePlan)
	snap.MapReduce = &session.MapReduceState{
		Goal: "analyze shards",
		Tasks: []session.MapTask{
			{ID: "t1", Instruction: "already handled", Worker: "w1"},
			{ID: "t2", Instruction: "explode on purpose", Worker: "w1"},
			{ID: "t3", Instruction: "scan shard 3", Worker: "w2"},
		},
		Results: []session.MapResult{{TaskID: "t1", Worker: "w1", Status: types.StatusCompleted}},
	}

	res, err := FanoutNode{}.Execute(context.Background(), env, snap)
	if err != nil {
		t.Fatalf("fan-out must not abort on worker failure: %v", err)
	}
	if err := snap.Apply(res.Patch); err != nil {
		t.Fatalf("apply: %v", err)
	}
	if len(snap.MapReduce.Results) != 3 {
		t.Fatalf("expected 3 results, got %d", len(snap.MapReduce.Results))
	}
	byTask := map[string]session.MapResult{}
	for _, r := range snap.MapReduce.Results {
		byTask[r.TaskID] = r
	}
	if byTask["t2"].Status != types.StatusFailed || byTask["t2"].Error == "" {
		t.Fatalf("failed worker must be recorded with its error: %+v", byTask["t2"])
	}
	if byTask["t3"].Status != types.StatusCompleted {
		t.Fatalf("healthy worker should complete: %+v", byTask["t3"])
	}
}

func TestReduceIsOrderIndependent(t *testing.T) {
	def := buildTeam(t, team.ModeMapReduce, "lead", "w1", "w2")

	run := func(results []session.MapResult) (string, *NodeResult) {
		provider := &scriptedProvider{responses: []types.Response{
			textResponse(`{"summary":"combined"}`),
		}}
		env := testEnv(def, provider)
		snap := freshSnap("analyze shards", NodeReduce)
		snap.MapReduce = &session.MapReduceState{Goal: "analyze shards", Results: results}
		res, err := ReduceNode{}.Execute(context.Background(), env, snap)
		if err != nil {
			t.Fatalf("reduce: %v", err)
		}
		if len(provider.requests) != 1 {
			t.Fatalf("reduce is a single model call, made %d", len(provider.requests))
		}
		return provider.requests[0].Messages[0].Content, res
	}

	forward := []session.MapResult{
		{TaskID: "t1", Worker: "w1", Status: types.StatusCompleted, Output: []byte(`{"summary":"a"}`)},
		{TaskID: "t2", Worker: "w2", Status: types.StatusFailed, Error: "timeout"},
	}
	reversed := []session.MapResult{forward[1], forward[0]}

	promptA, resA := run(forward)
	promptB, resB := run(reversed)
	if promptA != promptB {
		t.Fatalf("reduce prompt must not depend on arrival order:\n%s\nvs\n%s", promptA, promptB)
	}
	if resA.Result.Status != types.StatusCompleted || resB.Result.Status != types.StatusCompleted {
		t.Fatal("reduce should complete against partial successes")
	}
	if !strings.Contains(promptA, "timeout") {
		t.Fatal("failed task must appear in the reduce prompt, not be dropped")
	}
}

func TestControllerFullCycle(t *testing.T) {
	def := buildTeam(t, team.ModeReact, "lead", "w1")
	provider := &scriptedProvider{responses: []types.Response{
		// plan
		textResponse(`{"steps":[{"id":"s1","instruction":"collect metrics","agentId":"w1"}]}`),
		// step: loop turn, then structured output
		textResponse("metrics collected"),
		textResponse(`{"summary":"metrics"}`),
		// reflection
		textResponse(`{"summary":"all done"}`),
	}}
	env := testEnv(def, provider)
	snap := freshSnap("tune the pipeline", NodeController)

	step := func() *NodeResult {
		t.Helper()
		res, err := ControllerNode{}.Execute(context.Background(), env, snap)
		if err != nil {
			t.Fatalf("controller: %v", err)
		}
		if err := snap.Apply(res.Patch); err != nil {
			t.Fatalf("apply: %v", err)
		}
		return res
	}

	step() // plan
	if snap.React == nil || len(snap.React.Plan) != 1 {
		t.Fatalf("plan not recorded: %+v", snap.React)
	}
	if snap.Routing.ActiveAgent != "w1" {
		t.Fatalf("first step agent should be active, got %q", snap.Routing.ActiveAgent)
	}

	step() // execute s1
	if snap.React.Plan[0].Status != session.StepDone {
		t.Fatalf("step should be done, got %s", snap.React.Plan[0].Status)
	}
	if snap.Routing.ActiveAgent != "lead" {
		t.Fatalf("reflection pass should be queued, got %q", snap.Routing.ActiveAgent)
	}

	res := step() // reflect
	if res.Result == nil || res.Result.Status != types.StatusCompleted {
		t.Fatalf("reflection should complete the run: %+v", res.Result)
	}
	if snap.Routing.ActiveAgent != "" {
		t.Fatalf("run should halt after reflection, got %q", snap.Routing.ActiveAgent)
	}
}

func TestControllerRetriesFailingStep(t *testing.T) {
	def := buildTeam(t, team.ModeReact, "lead", "w1")
	provider := &scriptedProvider{responses: []types.Response{
		textResponse("tried"),
		textResponse("not json"), // structured output fails -> business failure
	}}
	env := testEnv(def, provider)
	snap := freshSnap("tune", NodeController)
	snap.React = &session.ReactState{
		Goal: "tune",
		Plan: []session.PlanStep{{ID: "s1", Instruction: "collect", AgentID: "w1", Status: session.StepPending}},
	}
	snap.Routing.ActiveAgent = "w1"

	res, err := ControllerNode{}.Execute(context.Background(), env, snap)
	if err != nil {
		t.Fatalf("controller: %v", err)
	}
	if err := snap.Apply(res.Patch); err != nil {
		t.Fatalf("apply: %v", err)
	}
	if snap.React.ErrorRetryCount != 1 {
		t.Fatalf("retry counter should increment, got %d", snap.React.ErrorRetryCount)
	}
	if snap.React.Plan[0].Status != session.StepPending {
		t.Fatalf("step should stay pending for retry, got %s", snap.React.Plan[0].Status)
	}
	if snap.Routing.ActiveAgent != "w1" {
		t.Fatalf("same step should be re-activated, got %q", snap.Routing.ActiveAgent)
	}
}

func TestAssignWorkersFixesUnknownIDs(t *testing.T) {
	def := buildTeam(t, team.ModeMapReduce, "lead", "w1", "w2")
	tasks := []session.MapTask{
		{ID: "t1", Worker: "w2"},
		{ID: "t2", Worker: "ghost"},
		{ID: "t3"},
	}
	assignWorkers(def, tasks)
	if tasks[0].Worker != "w2" {
		t.Fatalf("valid worker must be kept, got %q", tasks[0].Worker)
	}
	for _, task := range tasks[1:] {
		if task.Worker != "w1" && task.Worker != "w2" {
			t.Fatalf("task %s not reassigned to a real worker: %q", task.ID, task.Worker)
		}
	}
}
