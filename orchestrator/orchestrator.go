// Package orchestrator drives a compiled graph over a durable session:
// streamed execution, parked interrupts, resume, compaction, and teardown.
package orchestrator

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/latticehq/conduct/agent"
	"github.com/latticehq/conduct/checkpoint"
	checkpointmemory "github.com/latticehq/conduct/checkpoint/memory"
	"github.com/latticehq/conduct/deliverable"
	deliverablememory "github.com/latticehq/conduct/deliverable/memory"
	"github.com/latticehq/conduct/graph"
	"github.com/latticehq/conduct/knowledge"
	"github.com/latticehq/conduct/llm"
	"github.com/latticehq/conduct/observe"
	"github.com/latticehq/conduct/resilience"
	"github.com/latticehq/conduct/session"
	"github.com/latticehq/conduct/team"
	"github.com/latticehq/conduct/types"
)

const (
	defaultKeepRecent    = 6
	defaultMaxNodeVisits = 128
	compactNodeID        = "compact"
)

// ExperienceHook runs after a completed run, e.g. to distill reusable
// lessons from the session. A hook error is reported on the terminal event
// and never fails the run.
type ExperienceHook func(ctx context.Context, key session.Key, snap *session.Snapshot) error

type Orchestrator struct {
	team         *team.Definition
	graph        *graph.Graph
	provider     llm.Provider
	checkpoints  checkpoint.Store
	deliverables deliverable.Store
	retriever    knowledge.Retriever
	sink         observe.Sink

	maxParallelism int
	keepRecent     int
	maxNodeVisits  int
	experience     ExperienceHook
	breakers       *resilience.Registry
	defaultRetry   resilience.RetryPolicy
}

type Option func(*Orchestrator)

func WithCheckpointStore(store checkpoint.Store) Option {
	return func(o *Orchestrator) { o.checkpoints = store }
}

func WithDeliverableStore(store deliverable.Store) Option {
	return func(o *Orchestrator) { o.deliverables = store }
}

func WithRetriever(r knowledge.Retriever) Option {
	return func(o *Orchestrator) { o.retriever = r }
}

// WithSink attaches an additional event sink beside the per-run stream.
func WithSink(sink observe.Sink) Option {
	return func(o *Orchestrator) { o.sink = sink }
}

func WithMaxParallelism(n int) Option {
	return func(o *Orchestrator) { o.maxParallelism = n }
}

// WithKeepRecent sets how many conversation turns compaction preserves.
func WithKeepRecent(n int) Option {
	return func(o *Orchestrator) { o.keepRecent = n }
}

// WithMaxNodeVisits bounds the run loop on cyclic graphs.
func WithMaxNodeVisits(n int) Option {
	return func(o *Orchestrator) { o.maxNodeVisits = n }
}

func WithExperienceHook(hook ExperienceHook) Option {
	return func(o *Orchestrator) { o.experience = hook }
}

// WithBreakerRegistry shares circuit breakers with the provider wrapper,
// typically one registry per provider across orchestrators.
func WithBreakerRegistry(registry *resilience.Registry) Option {
	return func(o *Orchestrator) { o.breakers = registry }
}

// WithDefaultRetry sets the retry policy for agents that do not declare
// their own, and for maintenance calls like compaction.
func WithDefaultRetry(policy resilience.RetryPolicy) Option {
	return func(o *Orchestrator) { o.defaultRetry = policy }
}

func New(def *team.Definition, provider llm.Provider, opts ...Option) (*Orchestrator, error) {
	if def == nil {
		return nil, fmt.Errorf("orchestrator: team is required")
	}
	if provider == nil {
		return nil, fmt.Errorf("orchestrator: provider is required")
	}
	g, err := graph.Build(def)
	if err != nil {
		return nil, err
	}
	o := &Orchestrator{
		team:          def,
		graph:         g,
		keepRecent:    defaultKeepRecent,
		maxNodeVisits: defaultMaxNodeVisits,
	}
	for _, opt := range opts {
		opt(o)
	}
	// Retries happen at the node level per agent policy; the provider
	// wrapper contributes classification and the circuit breaker.
	o.provider = resilience.NewProvider(provider, resilience.RetryPolicy{MaxAttempts: 1}, o.breakers)
	if o.sink != nil {
		// A slow auxiliary sink must not stall the run loop.
		o.sink = observe.NewAsyncSink(o.sink, 256)
	}
	if o.checkpoints == nil {
		o.checkpoints = checkpointmemory.New()
	}
	if o.deliverables == nil {
		o.deliverables = deliverablememory.New()
	}
	return o, nil
}

// Stream starts (or continues) a run for the session and returns its
// ordered event stream. The channel closes after a terminal event:
// session.completed, session.error, or agent.interrupt.
func (o *Orchestrator) Stream(ctx context.Context, key session.Key, query string) (<-chan observe.Event, error) {
	return o.start(ctx, key, query, nil)
}

// Resume continues a parked run with the caller's resume value. A value
// matching the abort shape ends the run cleanly instead.
func (o *Orchestrator) Resume(ctx context.Context, key session.Key, resumeValue json.RawMessage) (<-chan observe.Event, error) {
	if len(resumeValue) == 0 {
		return nil, fmt.Errorf("orchestrator: resume value is required")
	}
	return o.start(ctx, key, "", resumeValue)
}

func (o *Orchestrator) start(ctx context.Context, key session.Key, query string, resume json.RawMessage) (<-chan observe.Event, error) {
	if err := key.Validate(); err != nil {
		return nil, err
	}
	stream := observe.NewChannelSink(64)
	sink := observe.NewMultiSink(stream, o.sink)
	go func() {
		defer stream.Close()
		o.run(ctx, key, query, resume, sink)
	}()
	return stream.Events(), nil
}

// runState is the mutable cursor of one run loop.
type runState struct {
	key    session.Key
	runID  string
	sink   observe.Sink
	snap   *session.Snapshot
	seq    int64
	nodeID string
}

func (o *Orchestrator) run(ctx context.Context, key session.Key, query string, resume json.RawMessage, sink observe.Sink) {
	rs := &runState{key: key, runID: uuid.NewString(), sink: sink}

	if err := o.prepare(ctx, rs, query, resume); err != nil {
		if !errors.Is(err, errAlreadyTerminal) {
			o.emitError(ctx, rs, err)
		}
		return
	}
	if rs.nodeID == graph.End {
		return
	}

	o.emit(ctx, rs, observe.Event{Type: observe.TypeSessionStarted, Message: query})

	env := &graph.Env{
		Key:            key,
		RunID:          rs.runID,
		Team:           o.team,
		Provider:       o.provider,
		Deliverables:   o.deliverables,
		Retriever:      o.retriever,
		Sink:           sink,
		MaxParallelism: o.maxParallelism,
		DefaultRetry:   o.defaultRetry,
	}

	var lastResult *types.AgentResult
	for visits := 0; rs.nodeID != graph.End; visits++ {
		if err := ctx.Err(); err != nil {
			o.emitError(ctx, rs, resilience.Wrap(resilience.CategoryInternal, "run cancelled", err))
			return
		}
		if visits >= o.maxNodeVisits {
			o.emitError(ctx, rs, resilience.New(resilience.CategoryInternal,
				fmt.Sprintf("run exceeded %d node executions", o.maxNodeVisits)))
			return
		}

		node, ok := o.graph.Node(rs.nodeID)
		if !ok {
			o.emitError(ctx, rs, resilience.New(resilience.CategoryInternal,
				fmt.Sprintf("routing reached unknown node %q", rs.nodeID)))
			return
		}

		res, err := node.Execute(ctx, env, rs.snap)
		if err != nil {
			o.emitError(ctx, rs, err)
			return
		}

		patch := res.Patch
		if patch == nil {
			patch = &session.Patch{}
		}

		if res.Parked != nil {
			// Parked runs hold no active agent until resumed.
			empty := ""
			patch.Merge(&session.Patch{ActiveAgent: &empty})
			if err := o.commit(ctx, rs, patch, rs.nodeID, res.Parked); err != nil {
				o.emitError(ctx, rs, err)
			}
			return
		}

		if err := rs.snap.Apply(patch); err != nil {
			o.emitError(ctx, rs, resilience.Wrap(resilience.CategoryInternal, "apply patch", err))
			return
		}
		next := o.graph.Next(rs.nodeID, rs.snap)

		// Activation fix-up: between nodes exactly one agent is active; at
		// the end none is. Nodes that already chose an active agent keep it.
		fix := &session.Patch{}
		if next == graph.End {
			if rs.snap.Routing.ActiveAgent != "" {
				empty := ""
				fix.ActiveAgent = &empty
			}
		} else if rs.snap.Routing.ActiveAgent == "" {
			fix.ActiveAgent = &next
		}
		if !fix.IsZero() {
			if err := rs.snap.Apply(fix); err != nil {
				o.emitError(ctx, rs, resilience.Wrap(resilience.CategoryInternal, "apply routing fix-up", err))
				return
			}
		}

		if err := o.put(ctx, rs, rs.nodeID, nil); err != nil {
			o.emitError(ctx, rs, err)
			return
		}

		if res.Result != nil {
			lastResult = res.Result
		}
		rs.nodeID = next
	}

	o.complete(ctx, rs, lastResult)
}

// errAlreadyTerminal signals that prepare already emitted a terminal event.
var errAlreadyTerminal = errors.New("terminal event emitted")

// prepare loads or creates the session state and decides the first node:
// a fresh snapshot for a new session, the parked node on resume, or the
// recorded active node when continuing an unfinished run.
func (o *Orchestrator) prepare(ctx context.Context, rs *runState, query string, resume json.RawMessage) error {
	threadID := rs.key.ThreadID()
	latest, err := o.checkpoints.Latest(ctx, threadID)
	if errors.Is(err, checkpoint.ErrNotFound) {
		if resume != nil {
			return fmt.Errorf("no session to resume for %s", threadID)
		}
		rs.snap = session.NewSnapshot(rs.key)
		rs.nodeID = o.graph.StartNodeID()
		if err := rs.snap.Apply(session.BuildInitial(query, rs.nodeID)); err != nil {
			return err
		}
		return o.put(ctx, rs, "", nil)
	}
	if err != nil {
		return fmt.Errorf("load checkpoint: %w", err)
	}

	rs.snap = latest.Snapshot
	rs.seq = latest.Seq

	if latest.Parked != nil {
		if resume == nil {
			// Still parked: surface the pending interrupt again and stop.
			o.emit(ctx, rs, observe.Event{
				Type:        observe.TypeAgentInterrupt,
				AgentID:     latest.Parked.AgentID,
				InterruptID: latest.Parked.InterruptID,
				Payload:     latest.Parked.Payload,
			})
			return errAlreadyTerminal
		}
		if reason, aborted := agent.IsAbortValue(resume); aborted {
			return o.abort(ctx, rs, latest.Parked, reason)
		}
		patch := session.BuildResume(resume)
		b := session.NewBuilder()
		b.Routing().Activate(latest.Parked.NodeID, rs.snap.Routing.AssignedTask)
		patch.Merge(b.Build())
		if err := rs.snap.Apply(patch); err != nil {
			return err
		}
		rs.nodeID = latest.Parked.NodeID
		return o.put(ctx, rs, latest.Parked.NodeID, nil)
	}

	if resume != nil {
		return fmt.Errorf("session %s is not parked", threadID)
	}

	if active := rs.snap.Routing.ActiveAgent; active != "" {
		// Unfinished run, e.g. after a crash: continue at the recorded node.
		if _, ok := o.graph.Node(active); ok {
			rs.nodeID = active
		} else {
			rs.nodeID = o.graph.StartNodeID()
		}
		return nil
	}

	// Completed session, new turn.
	rs.nodeID = o.graph.StartNodeID()
	if err := rs.snap.Apply(session.BuildInitial(query, rs.nodeID)); err != nil {
		return err
	}
	return o.put(ctx, rs, "", nil)
}

// abort commits the cooperative-cancellation patch and ends the stream
// cleanly with no error.
func (o *Orchestrator) abort(ctx context.Context, rs *runState, parked *checkpoint.Parked, reason string) error {
	b := session.NewBuilder()
	b.Memory().AppendAudit(parked.AgentID, "", types.StatusAborted, false, reason)
	b.Routing().Clear()
	b.Routing().SetStatus(types.StatusAborted, reason)
	b.Timeline().Record("session.abort", parked.AgentID, reason)
	if err := o.commit(ctx, rs, b.Build(), parked.NodeID, nil); err != nil {
		return err
	}
	o.emit(ctx, rs, observe.Event{
		Type:    observe.TypeSessionCompleted,
		AgentID: parked.AgentID,
		Message: "run aborted",
	})
	return errAlreadyTerminal
}

func (o *Orchestrator) complete(ctx context.Context, rs *runState, lastResult *types.AgentResult) {
	event := observe.Event{Type: observe.TypeSessionCompleted}
	if lastResult != nil {
		event.AgentID = lastResult.AgentID
		event.Deliverable = lastResult.Deliverable
		if lastResult.Status != types.StatusCompleted {
			event.Message = lastResult.Error
		}
	}
	if o.experience != nil {
		if err := o.experience(ctx, rs.key, rs.snap); err != nil {
			event.Attributes = map[string]any{"experienceHookError": err.Error()}
		}
	}
	o.emit(ctx, rs, event)
}

// commit applies a patch and persists the resulting snapshot as the next
// checkpoint in one step.
func (o *Orchestrator) commit(ctx context.Context, rs *runState, patch *session.Patch, nodeID string, parked *checkpoint.Parked) error {
	if err := rs.snap.Apply(patch); err != nil {
		return resilience.Wrap(resilience.CategoryInternal, "apply patch", err)
	}
	return o.put(ctx, rs, nodeID, parked)
}

func (o *Orchestrator) put(ctx context.Context, rs *runState, nodeID string, parked *checkpoint.Parked) error {
	rs.seq++
	err := o.checkpoints.Put(ctx, checkpoint.Record{
		ThreadID:  rs.key.ThreadID(),
		Seq:       rs.seq,
		NodeID:    nodeID,
		Snapshot:  rs.snap,
		Parked:    parked,
		CreatedAt: time.Now().UTC(),
	})
	if err != nil {
		return resilience.Wrap(resilience.CategoryUnavailable, "commit checkpoint", err)
	}
	return nil
}

func (o *Orchestrator) emit(ctx context.Context, rs *runState, event observe.Event) {
	event.Namespace = rs.key.Namespace
	event.SessionID = rs.key.SessionID
	event.RunID = rs.runID
	_ = rs.sink.Emit(ctx, event)
}

func (o *Orchestrator) emitError(ctx context.Context, rs *runState, err error) {
	classified := resilience.ClassifyWrap(err, "run failed")
	o.emit(ctx, rs, observe.Event{
		Type:     observe.TypeSessionError,
		Error:    classified.Message,
		Category: string(classified.Category),
	})
}

// Info describes a session's durable state for callers deciding whether to
// start, resume, or clear it.
type Info struct {
	Exists           bool
	Parked           bool
	InterruptID      string
	InterruptPayload json.RawMessage
	Seq              int64
	UpdatedAt        time.Time
}

func (o *Orchestrator) SessionInfo(ctx context.Context, key session.Key) (Info, error) {
	if err := key.Validate(); err != nil {
		return Info{}, err
	}
	latest, err := o.checkpoints.Latest(ctx, key.ThreadID())
	if errors.Is(err, checkpoint.ErrNotFound) {
		return Info{}, nil
	}
	if err != nil {
		return Info{}, fmt.Errorf("load checkpoint: %w", err)
	}
	info := Info{Exists: true, Seq: latest.Seq, UpdatedAt: latest.CreatedAt}
	if latest.Parked != nil {
		info.Parked = true
		info.InterruptID = latest.Parked.InterruptID
		info.InterruptPayload = latest.Parked.Payload
	}
	return info, nil
}

// pinnedPrefix marks conversation lines compaction must never drop.
const pinnedPrefix = "decision:"

// CompactSession folds all but the newest turns into a rolling summary.
// Pinned decision lines, deliverables, and todo state are untouched.
func (o *Orchestrator) CompactSession(ctx context.Context, key session.Key) error {
	if err := key.Validate(); err != nil {
		return err
	}
	latest, err := o.checkpoints.Latest(ctx, key.ThreadID())
	if err != nil {
		return fmt.Errorf("load checkpoint: %w", err)
	}
	rs := &runState{key: key, runID: uuid.NewString(), sink: o.orDefaultSink(), snap: latest.Snapshot, seq: latest.Seq}

	messages := rs.snap.MemoryMessages()
	if len(messages) <= o.keepRecent {
		return nil
	}

	cut := len(messages) - o.keepRecent
	var (
		pinned []types.Message
		older  []types.Message
	)
	for _, m := range messages[:cut] {
		if strings.HasPrefix(strings.ToLower(strings.TrimSpace(m.Content)), pinnedPrefix) {
			pinned = append(pinned, m)
		} else {
			older = append(older, m)
		}
	}

	summary, err := o.summarize(ctx, older)
	if err != nil {
		return err
	}

	b := session.NewBuilder()
	kept := make([]types.Message, 0, len(pinned)+o.keepRecent+1)
	kept = append(kept, types.Message{
		ID:      uuid.NewString(),
		Role:    types.RoleAssistant,
		Kind:    types.KindAssistant,
		Content: "Conversation so far: " + summary,
	})
	kept = append(kept, pinned...)
	kept = append(kept, messages[cut:]...)
	b.Memory().Replace(kept)
	b.Compression().SetSummary(summary, cut)
	b.Timeline().Record("session.compact", "", fmt.Sprintf("%d messages summarized", len(older)))

	return o.commit(ctx, rs, b.Build(), compactNodeID, latest.Parked)
}

func (o *Orchestrator) summarize(ctx context.Context, messages []types.Message) (string, error) {
	var sb strings.Builder
	sb.WriteString("Summarize the following conversation concisely, keeping facts, decisions, and open questions:\n\n")
	for _, m := range messages {
		fmt.Fprintf(&sb, "%s: %s\n", m.Role, m.Content)
	}

	var summary string
	err := resilience.Do(ctx, o.defaultRetry, func(ctx context.Context) error {
		resp, err := o.provider.Generate(ctx, types.Request{
			Messages: []types.Message{{Role: types.RoleUser, Kind: types.KindUser, Content: sb.String()}},
		})
		if err != nil {
			return err
		}
		summary = resp.Message.Content
		return nil
	})
	if err != nil {
		return "", resilience.ClassifyWrap(err, "compaction summary failed")
	}
	return summary, nil
}

// ClearSession removes the session's checkpoints and deliverables.
// Irreversible.
func (o *Orchestrator) ClearSession(ctx context.Context, key session.Key) error {
	if err := key.Validate(); err != nil {
		return err
	}
	if err := o.checkpoints.Delete(ctx, key.ThreadID()); err != nil {
		return fmt.Errorf("clear checkpoints: %w", err)
	}
	if err := o.deliverables.Clear(ctx, key.Namespace, key.SessionID); err != nil {
		return fmt.Errorf("clear deliverables: %w", err)
	}
	return nil
}

// Deliverables exposes the deliverable store for read access by callers.
func (o *Orchestrator) Deliverables() deliverable.Store { return o.deliverables }

// Team returns the assembled team definition.
func (o *Orchestrator) Team() *team.Definition { return o.team }

func (o *Orchestrator) orDefaultSink() observe.Sink {
	if o.sink != nil {
		return o.sink
	}
	return observe.NoopSink{}
}
