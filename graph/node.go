package graph

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/latticehq/conduct/agent"
	"github.com/latticehq/conduct/checkpoint"
	"github.com/latticehq/conduct/deliverable"
	"github.com/latticehq/conduct/knowledge"
	"github.com/latticehq/conduct/llm"
	"github.com/latticehq/conduct/observe"
	"github.com/latticehq/conduct/resilience"
	"github.com/latticehq/conduct/session"
	"github.com/latticehq/conduct/team"
	"github.com/latticehq/conduct/tool"
	"github.com/latticehq/conduct/types"
)

// Env carries the per-run collaborators a node needs. The orchestrator
// builds one per run and threads it through every execution.
type Env struct {
	Key          session.Key
	RunID        string
	Team         *team.Definition
	Provider     llm.Provider
	Deliverables deliverable.Store
	Retriever    knowledge.Retriever
	Sink         observe.Sink
	// MaxParallelism bounds concurrent fan-out workers. Zero means the
	// default of 4.
	MaxParallelism int
	// DefaultRetry applies to agents whose spec does not set a policy.
	DefaultRetry resilience.RetryPolicy
}

// retryFor resolves the retry policy for one agent execution.
func (e *Env) retryFor(a *team.Agent) resilience.RetryPolicy {
	if a.Spec.Retry.MaxAttempts > 0 {
		return a.Spec.Retry
	}
	return e.DefaultRetry
}

func (e *Env) emit(ctx context.Context, event observe.Event) {
	event.Namespace = e.Key.Namespace
	event.SessionID = e.Key.SessionID
	event.RunID = e.RunID
	if e.Sink != nil {
		_ = e.Sink.Emit(ctx, event)
	}
}

// NodeResult is what one node execution hands back to the run loop: the
// patch to commit, an optional parked marker when the run suspends at an
// interrupt, and the agent result when one was produced.
type NodeResult struct {
	Patch  *session.Patch
	Parked *checkpoint.Parked
	Result *types.AgentResult
}

// Node is one executable unit in the compiled graph.
type Node interface {
	ID() string
	Execute(ctx context.Context, env *Env, snap *session.Snapshot) (*NodeResult, error)
}

// AgentNode runs one agent end to end: it resolves the query, executes the
// tool loop, and converts the tagged outcome into a state patch. Delegation
// becomes a routing activation, an interrupt becomes a parked marker, and a
// result is persisted and audited.
type AgentNode struct {
	agentID string
}

func NewAgentNode(agentID string) *AgentNode {
	return &AgentNode{agentID: agentID}
}

func (n *AgentNode) ID() string { return n.agentID }

func (n *AgentNode) Execute(ctx context.Context, env *Env, snap *session.Snapshot) (*NodeResult, error) {
	a, ok := env.Team.Agent(n.agentID)
	if !ok {
		return nil, resilience.New(resilience.CategoryInternal,
			fmt.Sprintf("node %q: agent not in team", n.agentID))
	}

	query := snap.ResolveQuery()
	env.emit(ctx, observe.Event{Type: observe.TypeAgentStarted, AgentID: n.agentID})

	b := session.NewBuilder()
	var (
		todoItems []session.TodoItem
		todoSet   bool
	)
	extra := []tool.Tool{tool.NewTodo(func(items []session.TodoItem) {
		todoItems = items
		todoSet = true
	})}
	if a.Spec.Knowledge != nil && env.Retriever != nil {
		extra = append(extra, tool.NewKnowledgeSearch(env.Retriever, *a.Spec.Knowledge))
	}

	out, err := runAgent(ctx, env, a, snap, query, extra...)
	if err != nil {
		var interrupt *agent.InterruptError
		if errors.As(err, &interrupt) {
			b.Routing().SetStatus(types.StatusNeedsClarification, "")
			b.Timeline().Record("agent.interrupt", n.agentID, string(interrupt.Payload))
			env.emit(ctx, observe.Event{
				Type: observe.TypeAgentInterrupt, AgentID: n.agentID,
				InterruptID: interrupt.ID, Payload: interrupt.Payload,
			})
			return &NodeResult{
				Patch: b.Build(),
				Parked: &checkpoint.Parked{
					InterruptID: interrupt.ID,
					NodeID:      n.agentID,
					AgentID:     n.agentID,
					Payload:     interrupt.Payload,
					ParkedAt:    time.Now().UTC(),
				},
			}, nil
		}
		classified := resilience.ClassifyWrap(err, "agent execution failed")
		env.emit(ctx, observe.Event{
			Type: observe.TypeAgentFailed, AgentID: n.agentID,
			Error: classified.Message, Category: string(classified.Category),
		})
		return nil, classified
	}

	if out.Kind == agent.OutcomeDelegate {
		if !env.Team.CanDelegate(n.agentID, out.Target) {
			// The loop already drops unbound delegation tools; this guard
			// catches a team whose allowlist changed between assembly and run.
			return n.finishResult(ctx, env, b, query, todoSet, todoItems, &types.AgentResult{
				AgentID:     n.agentID,
				Status:      types.StatusFailed,
				FailureKind: types.FailureBusiness,
				Error:       fmt.Sprintf("delegation to %q is not allowed", out.Target),
				CompletedAt: time.Now().UTC(),
			})
		}
		b.Routing().Activate(out.Target, out.Task)
		b.Timeline().Record("agent.delegate", n.agentID, out.Target)
		return &NodeResult{Patch: b.Build()}, nil
	}

	return n.finishResult(ctx, env, b, query, todoSet, todoItems, out.Result)
}

// finishResult persists a completed deliverable, folds todo updates and the
// audit line into the patch, and clears routing so the topology decides
// what runs next.
func (n *AgentNode) finishResult(ctx context.Context, env *Env, b *session.Builder, query string, todoSet bool, todoItems []session.TodoItem, res *types.AgentResult) (*NodeResult, error) {
	if res.Status == types.StatusCompleted && res.Deliverable != nil {
		if err := persistDeliverable(ctx, env, n.agentID, res.Deliverable); err != nil {
			env.emit(ctx, observe.Event{
				Type: observe.TypeAgentFailed, AgentID: n.agentID,
				Error: err.Error(), Category: string(resilience.Classify(err)),
			})
			return nil, err
		}
		b.Deliverables().MarkPersisted(n.agentID)
	}

	if todoSet {
		b.Todo().Replace(todoItems)
		b.Timeline().Record("todo.update", n.agentID, fmt.Sprintf("%d items", len(todoItems)))
	}
	if res.Status == types.StatusCompleted && res.Summary != "" {
		b.Memory().AppendAssistant(n.agentID, res.Summary)
	}
	b.Memory().AppendAudit(n.agentID, query, res.Status, res.Deliverable != nil, res.Error)
	b.Routing().Clear()
	b.Routing().SetStatus(res.Status, res.Error)

	switch res.Status {
	case types.StatusFailed:
		b.Timeline().Record("agent.failed", n.agentID, res.Error)
		env.emit(ctx, observe.Event{
			Type: observe.TypeAgentFailed, AgentID: n.agentID,
			Error: res.Error, Category: string(resilience.CategoryInternal),
		})
	default:
		b.Timeline().Record("agent.end", n.agentID, string(res.Status))
		env.emit(ctx, observe.Event{
			Type: observe.TypeAgentEnd, AgentID: n.agentID,
			Deliverable: res.Deliverable,
		})
	}
	return &NodeResult{Patch: b.Build(), Result: res}, nil
}

func persistDeliverable(ctx context.Context, env *Env, agentID string, payload []byte) error {
	if env.Deliverables == nil {
		return nil
	}
	err := env.Deliverables.Put(ctx, deliverable.Entry{
		Namespace: env.Key.Namespace,
		SessionID: env.Key.SessionID,
		AgentID:   agentID,
		Payload:   payload,
	})
	if err != nil {
		return resilience.Wrap(resilience.CategoryUnavailable,
			fmt.Sprintf("persist deliverable for %s", agentID), err)
	}
	return nil
}

// overflowKeepRecent is how many conversation turns survive the one-shot
// context-overflow retry. Durable compaction is a separate orchestrator
// operation.
const overflowKeepRecent = 6

// runAgent executes the agent under its timeout and retry policy. An
// interrupt escapes unwrapped; a context-length failure gets one retry
// against a truncated conversation view.
func runAgent(ctx context.Context, env *Env, a *team.Agent, snap *session.Snapshot, query string, extra ...tool.Tool) (*agent.Outcome, error) {
	view := snap
	for attempt := 0; ; attempt++ {
		var out *agent.Outcome
		err := resilience.Do(ctx, env.retryFor(a), func(ctx context.Context) error {
			runCtx, cancel := context.WithTimeout(ctx, a.Spec.Timeout)
			defer cancel()
			ac := agent.NewContext(env.Key, env.RunID, a, env.Provider, env.Sink, extra...)
			o, runErr := ac.Run(runCtx, view, query)
			if runErr != nil {
				return runErr
			}
			out = o
			return nil
		})
		if err == nil {
			return out, nil
		}
		var interrupt *agent.InterruptError
		if errors.As(err, &interrupt) {
			return nil, interrupt
		}
		if attempt == 0 && resilience.Classify(err) == resilience.CategoryContextLength {
			view = overflowView(view)
			continue
		}
		return nil, err
	}
}

// overflowView keeps only the newest conversation turns so a retry can fit
// the provider's window.
func overflowView(snap *session.Snapshot) *session.Snapshot {
	if snap == nil {
		return nil
	}
	clone, err := snap.Clone()
	if err != nil {
		return snap
	}
	mem := clone.MemoryMessages()
	if len(mem) > overflowKeepRecent {
		mem = mem[len(mem)-overflowKeepRecent:]
	}
	clone.Messages = mem
	return clone
}
