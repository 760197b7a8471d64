package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"testing"

	"github.com/google/uuid"

	"github.com/latticehq/conduct/checkpoint"
	checkpointmemory "github.com/latticehq/conduct/checkpoint/memory"
	"github.com/latticehq/conduct/deliverable"
	"github.com/latticehq/conduct/llm"
	"github.com/latticehq/conduct/observe"
	"github.com/latticehq/conduct/session"
	"github.com/latticehq/conduct/team"
	"github.com/latticehq/conduct/tool"
	"github.com/latticehq/conduct/types"
)

type doc struct {
	Summary string `json:"summary"`
}

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

func buildTeam(t *testing.T, mode team.Mode, ids ...string) *team.Definition {
	t.Helper()
	specs := make([]team.AgentSpec, 0, len(ids))
	for _, id := range ids {
		specs = append(specs, team.AgentSpec{ID: id, Deliverable: &doc{}})
	}
	def, err := team.New(mode, specs...)
	if err != nil {
		t.Fatalf("team assembly: %v", err)
	}
	return def
}

func drain(t *testing.T, events <-chan observe.Event) []observe.Event {
	t.Helper()
	var out []observe.Event
	for e := range events {
		out = append(out, e)
	}
	if len(out) == 0 {
		t.Fatal("stream produced no events")
	}
	return out
}

func testKey() session.Key {
	return session.NewKey("etl", "s-"+uuid.NewString()[:8])
}

func TestScenarioAInterruptParksThenResumeCompletes(t *testing.T) {
	provider := &scriptedProvider{responses: []types.Response{
		// analyst asks the user
		toolCallResponse(types.ToolCall{
			ID: "c1", Name: tool.AskUserName,
			Arguments: []byte(`{"question":"which warehouse?"}`),
		}),
		// resumed analyst
		textResponse("got the answer"),
		textResponse(`{"summary":"analysis with staging"}`),
		// architect
		textResponse("designing"),
		textResponse(`{"summary":"final design"}`),
	}}
	checkpoints := checkpointmemory.New()
	o, err := New(buildTeam(t, team.ModeSequential, "analyst", "architect"), provider,
		WithCheckpointStore(checkpoints))
	if err != nil {
		t.Fatalf("new: %v", err)
	}
	key := testKey()
	ctx := context.Background()

	events, err := o.Stream(ctx, key, "analyze the pipeline")
	if err != nil {
		t.Fatalf("stream: %v", err)
	}
	first := drain(t, events)
	last := first[len(first)-1]
	if last.Type != observe.TypeAgentInterrupt {
		t.Fatalf("run should end parked at the interrupt, got %s", last.Type)
	}
	if !strings.Contains(string(last.Payload), "which warehouse?") {
		t.Fatalf("interrupt payload not surfaced: %s", last.Payload)
	}

	// Parked runs hold no active agent.
	rec, err := checkpoints.Latest(ctx, key.ThreadID())
	if err != nil {
		t.Fatalf("latest: %v", err)
	}
	if rec.Parked == nil || rec.Snapshot.Routing.ActiveAgent != "" {
		t.Fatalf("expected parked with no active agent: parked=%v routing=%+v", rec.Parked, rec.Snapshot.Routing)
	}

	info, err := o.SessionInfo(ctx, key)
	if err != nil || !info.Parked {
		t.Fatalf("session info should report parked: %+v (%v)", info, err)
	}

	events, err = o.Resume(ctx, key, []byte(`"use the staging warehouse"`))
	if err != nil {
		t.Fatalf("resume: %v", err)
	}
	resumed := drain(t, events)
	last = resumed[len(resumed)-1]
	if last.Type != observe.TypeSessionCompleted {
		t.Fatalf("resumed run should complete, got %s (%s)", last.Type, last.Error)
	}
	if !strings.Contains(string(last.Deliverable), "final design") {
		t.Fatalf("final deliverable missing: %s", last.Deliverable)
	}

	var sawAnalyst, sawArchitect bool
	for _, e := range resumed {
		if e.Type == observe.TypeAgentEnd && e.AgentID == "analyst" {
			sawAnalyst = true
		}
		if e.Type == observe.TypeAgentEnd && e.AgentID == "architect" {
			sawArchitect = true
		}
	}
	if !sawAnalyst || !sawArchitect {
		t.Fatalf("both agents should finish after resume: analyst=%v architect=%v", sawAnalyst, sawArchitect)
	}

	// Resume value spliced in as a user turn; no active agent after the run.
	rec, err = checkpoints.Latest(ctx, key.ThreadID())
	if err != nil {
		t.Fatalf("latest: %v", err)
	}
	var resumeTurn bool
	for _, m := range rec.Snapshot.Messages {
		if m.Role == types.RoleUser && strings.Contains(m.Content, "staging warehouse") {
			resumeTurn = true
		}
	}
	if !resumeTurn {
		t.Fatal("resume value not recorded as a user turn")
	}
	if rec.Snapshot.Routing.ActiveAgent != "" || rec.Parked != nil {
		t.Fatalf("completed run must hold no active agent: %+v", rec.Snapshot.Routing)
	}
}

func TestScenarioBDelegationSkipsAgentEnd(t *testing.T) {
	provider := &scriptedProvider{responses: []types.Response{
		toolCallResponse(types.ToolCall{
			ID: "c1", Name: tool.DelegationName("b"),
			Arguments: []byte(`{"task":"take over"}`),
		}),
		textResponse("on it"),
		textResponse(`{"summary":"b finished"}`),
	}}
	o, err := New(buildTeam(t, team.ModeDynamic, "a", "b"), provider)
	if err != nil {
		t.Fatalf("new: %v", err)
	}

	events, err := o.Stream(context.Background(), testKey(), "start")
	if err != nil {
		t.Fatalf("stream: %v", err)
	}
	all := drain(t, events)

	var sequence []string
	for _, e := range all {
		switch e.Type {
		case observe.TypeAgentStarted, observe.TypeAgentEnd:
			sequence = append(sequence, fmt.Sprintf("%s:%s", e.Type, e.AgentID))
		}
	}
	for _, s := range sequence {
		if s == "agent.end:a" {
			t.Fatalf("delegating agent must not emit agent.end: %v", sequence)
		}
	}
	want := []string{"agent.started:a", "agent.started:b", "agent.end:b"}
	if len(sequence) != len(want) {
		t.Fatalf("unexpected lifecycle sequence: %v", sequence)
	}
	for i := range want {
		if sequence[i] != want[i] {
			t.Fatalf("expected %v, got %v", want, sequence)
		}
	}
	if all[len(all)-1].Type != observe.TypeSessionCompleted {
		t.Fatalf("run should complete, got %s", all[len(all)-1].Type)
	}
}

// mrProvider answers by request shape and task content so concurrent
// fan-out workers get deterministic responses.
type mrProvider struct {
	mu sync.Mutex
}

func (p *mrProvider) Name() string                   { return "mr" }
func (p *mrProvider) Capabilities() llm.Capabilities { return llm.Capabilities{Tools: true} }
func (p *mrProvider) Embed(ctx context.Context, text string) ([]float64, error) {
	return nil, llm.ErrNotSupported
}

func (p *mrProvider) Generate(ctx context.Context, req types.Request) (types.Response, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	task := ""
	for _, m := range req.Messages {
		if m.Kind == types.KindTask {
			task = m.Content
		}
	}
	if req.ResponseSchema != nil {
		if props, ok := req.ResponseSchema["properties"].(map[string]any); ok {
			if _, isPlan := props["tasks"]; isPlan {
				return textResponse(`{"tasks":[
					{"id":"t1","instruction":"scan shard 1","worker":"w1"},
					{"id":"t2","instruction":"explode now","worker":"w1"},
					{"id":"t3","instruction":"scan shard 3","worker":"w2"}]}`), nil
			}
		}
		if strings.HasPrefix(task, "Synthesize") {
			return textResponse(`{"summary":"combined shard report"}`), nil
		}
	}
	if strings.Contains(task, "explode") {
		return types.Response{}, fmt.Errorf("shard backend down")
	}
	if req.ResponseSchema == nil {
		return textResponse("working"), nil
	}
	return textResponse(fmt.Sprintf(`{"summary":%q}`, "done: "+task)), nil
}

func TestScenarioCMapReduceToleratesWorkerFailure(t *testing.T) {
	checkpoints := checkpointmemory.New()
	o, err := New(buildTeam(t, team.ModeMapReduce, "lead", "w1", "w2"), &mrProvider{},
		WithCheckpointStore(checkpoints))
	if err != nil {
		t.Fatalf("new: %v", err)
	}
	key := testKey()
	ctx := context.Background()

	events, err := o.Stream(ctx, key, "analyze all shards")
	if err != nil {
		t.Fatalf("stream: %v", err)
	}
	all := drain(t, events)
	last := all[len(all)-1]
	if last.Type != observe.TypeSessionCompleted {
		t.Fatalf("run should complete despite a failed worker, got %s (%s)", last.Type, last.Error)
	}
	if !strings.Contains(string(last.Deliverable), "combined shard report") {
		t.Fatalf("reduce deliverable missing: %s", last.Deliverable)
	}

	rec, err := checkpoints.Latest(ctx, key.ThreadID())
	if err != nil {
		t.Fatalf("latest: %v", err)
	}
	if len(rec.Snapshot.MapReduce.Results) != 3 {
		t.Fatalf("all task results must be recorded, got %d", len(rec.Snapshot.MapReduce.Results))
	}
	var failed *session.MapResult
	for i, r := range rec.Snapshot.MapReduce.Results {
		if r.TaskID == "t2" {
			failed = &rec.Snapshot.MapReduce.Results[i]
		}
	}
	if failed == nil || failed.Status != types.StatusFailed || !strings.Contains(failed.Error, "shard backend down") {
		t.Fatalf("failed task must be recorded with its error: %+v", failed)
	}
	if rec.Snapshot.Routing.ActiveAgent != "" {
		t.Fatalf("completed run must hold no active agent, got %q", rec.Snapshot.Routing.ActiveAgent)
	}
}

func TestResumeWithAbortStopsCleanly(t *testing.T) {
	provider := &scriptedProvider{responses: []types.Response{
		toolCallResponse(types.ToolCall{
			ID: "c1", Name: tool.AskUserName,
			Arguments: []byte(`{"question":"proceed?"}`),
		}),
	}}
	checkpoints := checkpointmemory.New()
	o, err := New(buildTeam(t, team.ModeSequential, "analyst"), provider,
		WithCheckpointStore(checkpoints))
	if err != nil {
		t.Fatalf("new: %v", err)
	}
	key := testKey()
	ctx := context.Background()

	events, err := o.Stream(ctx, key, "load data")
	if err != nil {
		t.Fatalf("stream: %v", err)
	}
	drain(t, events)

	events, err = o.Resume(ctx, key, []byte(`{"action":"abort","reason":"changed plans"}`))
	if err != nil {
		t.Fatalf("resume: %v", err)
	}
	all := drain(t, events)
	last := all[len(all)-1]
	if last.Type != observe.TypeSessionCompleted || last.Message != "run aborted" {
		t.Fatalf("abort should end cleanly, got %s (%s)", last.Type, last.Error)
	}

	rec, err := checkpoints.Latest(ctx, key.ThreadID())
	if err != nil {
		t.Fatalf("latest: %v", err)
	}
	if rec.Parked != nil {
		t.Fatal("aborted run must not stay parked")
	}
	if rec.Snapshot.Routing.LastStatus != types.StatusAborted {
		t.Fatalf("expected aborted status, got %s", rec.Snapshot.Routing.LastStatus)
	}
	if rec.Snapshot.Routing.ActiveAgent != "" {
		t.Fatal("aborted run must hold no active agent")
	}
}

func TestStreamOnParkedSessionReemitsInterrupt(t *testing.T) {
	provider := &scriptedProvider{responses: []types.Response{
		toolCallResponse(types.ToolCall{
			ID: "c1", Name: tool.AskUserName,
			Arguments: []byte(`{"question":"which region?"}`),
		}),
	}}
	o, err := New(buildTeam(t, team.ModeSequential, "analyst"), provider)
	if err != nil {
		t.Fatalf("new: %v", err)
	}
	key := testKey()
	ctx := context.Background()

	events, err := o.Stream(ctx, key, "deploy")
	if err != nil {
		t.Fatalf("stream: %v", err)
	}
	drain(t, events)

	events, err = o.Stream(ctx, key, "deploy again")
	if err != nil {
		t.Fatalf("second stream: %v", err)
	}
	all := drain(t, events)
	last := all[len(all)-1]
	if last.Type != observe.TypeAgentInterrupt || !strings.Contains(string(last.Payload), "which region?") {
		t.Fatalf("parked session should re-surface its interrupt, got %s", last.Type)
	}
	if len(provider.requests) != 1 {
		t.Fatalf("no model call should happen while parked, got %d", len(provider.requests))
	}
}

func TestStreamContinuesUnfinishedRunAtRecordedNode(t *testing.T) {
	provider := &scriptedProvider{responses: []types.Response{
		// architect only; the analyst already ran before the crash
		textResponse("picking the design back up"),
		textResponse(`{"summary":"final design"}`),
	}}
	checkpoints := checkpointmemory.New()
	o, err := New(buildTeam(t, team.ModeSequential, "analyst", "architect"), provider,
		WithCheckpointStore(checkpoints))
	if err != nil {
		t.Fatalf("new: %v", err)
	}
	key := testKey()
	ctx := context.Background()

	// A run that died mid-way: the checkpoint records architect as the
	// active node with no parked marker.
	snap := session.NewSnapshot(key)
	snap.Messages = append(snap.Messages, types.Message{
		ID: uuid.NewString(), Role: types.RoleUser, Kind: types.KindUser, Content: "analyze the pipeline",
	})
	snap.Routing.ActiveAgent = "architect"
	if err := checkpoints.Put(ctx, checkpoint.Record{
		ThreadID: key.ThreadID(), Seq: 3, NodeID: "analyst", Snapshot: snap,
	}); err != nil {
		t.Fatalf("seed checkpoint: %v", err)
	}

	events, err := o.Stream(ctx, key, "analyze the pipeline")
	if err != nil {
		t.Fatalf("stream: %v", err)
	}
	all := drain(t, events)
	last := all[len(all)-1]
	if last.Type != observe.TypeSessionCompleted {
		t.Fatalf("continued run should complete, got %s (%s)", last.Type, last.Error)
	}
	if !strings.Contains(string(last.Deliverable), "final design") {
		t.Fatalf("architect deliverable missing: %s", last.Deliverable)
	}
	for _, e := range all {
		if e.Type == observe.TypeAgentStarted && e.AgentID == "analyst" {
			t.Fatal("finished agents must not run again after a crash")
		}
	}
	if len(provider.requests) != 2 {
		t.Fatalf("only the recorded node should execute, got %d model calls", len(provider.requests))
	}

	// Same terminal state an uninterrupted run leaves behind.
	rec, err := checkpoints.Latest(ctx, key.ThreadID())
	if err != nil {
		t.Fatalf("latest: %v", err)
	}
	if rec.Snapshot.Routing.ActiveAgent != "" || rec.Parked != nil {
		t.Fatalf("completed run must hold no active agent: %+v", rec.Snapshot.Routing)
	}
	if rec.Seq <= 3 {
		t.Fatalf("continuation must append checkpoints, seq = %d", rec.Seq)
	}
}

func TestSlowAuxiliarySinkDoesNotStallRun(t *testing.T) {
	stall := make(chan struct{})
	defer close(stall)
	aux := observe.SinkFunc(func(ctx context.Context, e observe.Event) error {
		<-stall
		return nil
	})

	provider := &scriptedProvider{responses: []types.Response{
		textResponse("done"),
		textResponse(`{"summary":"ok"}`),
	}}
	o, err := New(buildTeam(t, team.ModeSequential, "analyst"), provider, WithSink(aux))
	if err != nil {
		t.Fatalf("new: %v", err)
	}

	events, err := o.Stream(context.Background(), testKey(), "run")
	if err != nil {
		t.Fatalf("stream: %v", err)
	}
	all := drain(t, events)
	if all[len(all)-1].Type != observe.TypeSessionCompleted {
		t.Fatalf("run should complete while the auxiliary sink is stalled, got %s", all[len(all)-1].Type)
	}
}

func TestCompactSessionKeepsPinnedAndRecent(t *testing.T) {
	provider := &scriptedProvider{responses: []types.Response{
		textResponse("summary of the earlier discussion"),
	}}
	checkpoints := checkpointmemory.New()
	o, err := New(buildTeam(t, team.ModeSequential, "analyst"), provider,
		WithCheckpointStore(checkpoints))
	if err != nil {
		t.Fatalf("new: %v", err)
	}
	key := testKey()
	ctx := context.Background()

	snap := session.NewSnapshot(key)
	for i := 0; i < 10; i++ {
		content := fmt.Sprintf("message %d", i)
		if i == 1 {
			content = "decision: use postgres for staging"
		}
		snap.Messages = append(snap.Messages, types.Message{
			ID: uuid.NewString(), Role: types.RoleUser, Kind: types.KindUser, Content: content,
		})
	}
	if err := checkpoints.Put(ctx, checkpoint.Record{
		ThreadID: key.ThreadID(), Seq: 1, Snapshot: snap,
	}); err != nil {
		t.Fatalf("seed checkpoint: %v", err)
	}

	if err := o.CompactSession(ctx, key); err != nil {
		t.Fatalf("compact: %v", err)
	}

	rec, err := checkpoints.Latest(ctx, key.ThreadID())
	if err != nil {
		t.Fatalf("latest: %v", err)
	}
	got := rec.Snapshot
	if got.Compression == nil || got.Compression.Summary != "summary of the earlier discussion" {
		t.Fatalf("compression summary not stored: %+v", got.Compression)
	}
	// summary message + 1 pinned decision + 6 most recent
	if len(got.Messages) != 8 {
		t.Fatalf("expected 8 messages after compaction, got %d", len(got.Messages))
	}
	if !strings.Contains(got.Messages[0].Content, "Conversation so far") {
		t.Fatalf("leading summary message missing: %q", got.Messages[0].Content)
	}
	var pinned bool
	for _, m := range got.Messages {
		if strings.Contains(m.Content, "decision: use postgres") {
			pinned = true
		}
	}
	if !pinned {
		t.Fatal("pinned decision line must survive compaction")
	}
	if got.Messages[len(got.Messages)-1].Content != "message 9" {
		t.Fatalf("newest turns must be kept verbatim, got %q", got.Messages[len(got.Messages)-1].Content)
	}
}

func TestClearSessionRemovesEverything(t *testing.T) {
	provider := &scriptedProvider{responses: []types.Response{
		textResponse("done"),
		textResponse(`{"summary":"ok"}`),
	}}
	o, err := New(buildTeam(t, team.ModeSequential, "analyst"), provider)
	if err != nil {
		t.Fatalf("new: %v", err)
	}
	key := testKey()
	ctx := context.Background()

	events, err := o.Stream(ctx, key, "run once")
	if err != nil {
		t.Fatalf("stream: %v", err)
	}
	drain(t, events)

	if _, err := o.Deliverables().Get(ctx, key.Namespace, key.SessionID, "analyst"); err != nil {
		t.Fatalf("deliverable should exist before clear: %v", err)
	}

	if err := o.ClearSession(ctx, key); err != nil {
		t.Fatalf("clear: %v", err)
	}
	info, err := o.SessionInfo(ctx, key)
	if err != nil {
		t.Fatalf("info: %v", err)
	}
	if info.Exists {
		t.Fatal("cleared session must not exist")
	}
	if _, err := o.Deliverables().Get(ctx, key.Namespace, key.SessionID, "analyst"); !errors.Is(err, deliverable.ErrNotFound) {
		t.Fatalf("deliverables must be gone after clear, got %v", err)
	}
}

func TestExperienceHookErrorIsReportedNotFatal(t *testing.T) {
	provider := &scriptedProvider{responses: []types.Response{
		textResponse("done"),
		textResponse(`{"summary":"ok"}`),
	}}
	o, err := New(buildTeam(t, team.ModeSequential, "analyst"), provider,
		WithExperienceHook(func(ctx context.Context, key session.Key, snap *session.Snapshot) error {
			return fmt.Errorf("lesson store offline")
		}))
	if err != nil {
		t.Fatalf("new: %v", err)
	}

	events, err := o.Stream(context.Background(), testKey(), "run")
	if err != nil {
		t.Fatalf("stream: %v", err)
	}
	all := drain(t, events)
	last := all[len(all)-1]
	if last.Type != observe.TypeSessionCompleted {
		t.Fatalf("hook failure must not fail the run, got %s", last.Type)
	}
	if last.Attributes["experienceHookError"] != "lesson store offline" {
		t.Fatalf("hook error should surface on the terminal event: %+v", last.Attributes)
	}
}
