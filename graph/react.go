package graph

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/latticehq/conduct/agent"
	"github.com/latticehq/conduct/checkpoint"
	"github.com/latticehq/conduct/observe"
	"github.com/latticehq/conduct/resilience"
	"github.com/latticehq/conduct/session"
	"github.com/latticehq/conduct/types"
)

// NodeController is the single node of the react topology.
const NodeController = "controller"

const (
	maxErrorRetries = 3
	maxReplanDepth  = 5
)

var reactPlanSchema = map[string]any{
	"type": "object",
	"properties": map[string]any{
		"steps": map[string]any{
			"type": "array",
			"items": map[string]any{
				"type": "object",
				"properties": map[string]any{
					"id":          map[string]any{"type": "string"},
					"instruction": map[string]any{"type": "string"},
					"agentId":     map[string]any{"type": "string"},
				},
				"required": []string{"id", "instruction"},
			},
		},
	},
	"required": []string{"steps"},
}

// ControllerNode alternates planning, single-step execution, and
// reflection. Each invocation advances the run by exactly one phase, so
// every step lands in its own checkpoint. The run terminates when the
// controller leaves the active agent unset.
type ControllerNode struct{}

func (ControllerNode) ID() string { return NodeController }

func (ControllerNode) Execute(ctx context.Context, env *Env, snap *session.Snapshot) (*NodeResult, error) {
	state := snap.React
	if state == nil || len(state.Plan) == 0 {
		return planPhase(ctx, env, snap)
	}
	if step := nextStep(state); step != nil {
		return stepPhase(ctx, env, snap, state, step)
	}
	return reflectPhase(ctx, env, snap, state)
}

func nextStep(state *session.ReactState) *session.PlanStep {
	for i := range state.Plan {
		if state.Plan[i].Status == session.StepPending || state.Plan[i].Status == session.StepInProgress {
			return &state.Plan[i]
		}
	}
	return nil
}

func planPhase(ctx context.Context, env *Env, snap *session.Snapshot) (*NodeResult, error) {
	entry, _ := env.Team.Agent(env.Team.Entry())
	goal := snap.ResolveQuery()
	if snap.React != nil && snap.React.Goal != "" {
		goal = snap.React.Goal
	}

	env.emit(ctx, observe.Event{Type: observe.TypeAgentStarted, AgentID: entry.Spec.ID})

	prompt := fmt.Sprintf(
		"Plan the steps needed to achieve the goal. Each step has a short unique id, "+
			"an instruction, and optionally one of these agents: %s.",
		strings.Join(env.Team.Order(), ", "))
	if snap.React != nil && snap.React.Reflection != "" {
		prompt += "\n\nPrevious attempt notes: " + snap.React.Reflection
	}
	prompt += "\n\nGoal: " + goal

	raw, err := structuredCall(ctx, env, entry, prompt, reactPlanSchema)
	if err != nil {
		return nil, err
	}

	b := session.NewBuilder()
	var parsed struct {
		Steps []session.PlanStep `json:"steps"`
	}
	if raw == nil || json.Unmarshal(raw, &parsed) != nil || len(parsed.Steps) == 0 {
		res := &types.AgentResult{
			AgentID:     entry.Spec.ID,
			Status:      types.StatusFailed,
			FailureKind: types.FailureBusiness,
			Error:       "planner produced no usable plan",
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

	for i := range parsed.Steps {
		parsed.Steps[i].Status = session.StepPending
		if _, ok := env.Team.Agent(parsed.Steps[i].AgentID); !ok {
			parsed.Steps[i].AgentID = entry.Spec.ID
		}
	}

	next := session.ReactState{Goal: goal, Plan: parsed.Steps}
	if snap.React != nil {
		next.ReplanCount = snap.React.ReplanCount
	}
	b.React().Replace(next)
	b.Routing().Activate(parsed.Steps[0].AgentID, parsed.Steps[0].Instruction)
	b.Timeline().Record("react.plan", entry.Spec.ID, fmt.Sprintf("%d steps", len(parsed.Steps)))
	return &NodeResult{Patch: b.Build()}, nil
}

func stepPhase(ctx context.Context, env *Env, snap *session.Snapshot, state *session.ReactState, step *session.PlanStep) (*NodeResult, error) {
	worker, ok := env.Team.Agent(step.AgentID)
	if !ok {
		return nil, resilience.New(resilience.CategoryInternal,
			fmt.Sprintf("react step %q: agent %q not in team", step.ID, step.AgentID))
	}

	env.emit(ctx, observe.Event{Type: observe.TypeAgentStarted, AgentID: step.AgentID})

	out, err := runAgent(ctx, env, worker, snap, step.Instruction)
	if err != nil {
		var interrupt *agent.InterruptError
		if errors.As(err, &interrupt) {
			b := session.NewBuilder()
			b.Routing().SetStatus(types.StatusNeedsClarification, "")
			b.Timeline().Record("agent.interrupt", step.AgentID, string(interrupt.Payload))
			env.emit(ctx, observe.Event{
				Type: observe.TypeAgentInterrupt, AgentID: step.AgentID,
				InterruptID: interrupt.ID, Payload: interrupt.Payload,
			})
			return &NodeResult{
				Patch: b.Build(),
				Parked: &checkpoint.Parked{
					InterruptID: interrupt.ID,
					NodeID:      NodeController,
					AgentID:     step.AgentID,
					Payload:     interrupt.Payload,
					ParkedAt:    time.Now().UTC(),
				},
			}, nil
		}
		classified := resilience.ClassifyWrap(err, "react step failed")
		env.emit(ctx, observe.Event{
			Type: observe.TypeAgentFailed, AgentID: step.AgentID,
			Error: classified.Message, Category: string(classified.Category),
		})
		return nil, classified
	}

	res := out.Result
	b := session.NewBuilder()

	if res.Status != types.StatusCompleted {
		return stepFailure(ctx, env, b, state, step, res)
	}

	if res.Deliverable != nil {
		if err := persistDeliverable(ctx, env, step.AgentID, res.Deliverable); err != nil {
			return nil, err
		}
		b.Deliverables().MarkPersisted(step.AgentID)
	}
	if res.Summary != "" {
		b.Memory().AppendAssistant(step.AgentID, res.Summary)
	}
	b.Memory().AppendAudit(step.AgentID, step.Instruction, res.Status, res.Deliverable != nil, "")
	env.emit(ctx, observe.Event{
		Type: observe.TypeAgentEnd, AgentID: step.AgentID, Deliverable: res.Deliverable,
	})

	updated := cloneReact(state)
	markStep(updated, step.ID, session.StepDone)
	updated.ErrorRetryCount = 0
	b.React().Replace(*updated)
	b.Timeline().Record("react.step", step.AgentID, step.ID)

	if upcoming := nextStep(updated); upcoming != nil {
		b.Routing().Activate(upcoming.AgentID, upcoming.Instruction)
	} else {
		// All steps done; keep the loop alive for the reflection pass.
		b.Routing().Activate(env.Team.Entry(), "")
	}
	return &NodeResult{Patch: b.Build(), Result: res}, nil
}

// stepFailure applies the retry-then-replan ladder: a failing step retries
// in place a few times, then the plan is thrown away and rebuilt, and when
// the replan budget is spent the run ends with the failure.
func stepFailure(ctx context.Context, env *Env, b *session.Builder, state *session.ReactState, step *session.PlanStep, res *types.AgentResult) (*NodeResult, error) {
	b.Memory().AppendAudit(step.AgentID, step.Instruction, res.Status, false, res.Error)
	env.emit(ctx, observe.Event{
		Type: observe.TypeAgentFailed, AgentID: step.AgentID,
		Error: res.Error, Category: string(resilience.CategoryInternal),
	})

	updated := cloneReact(state)
	updated.ErrorRetryCount++

	if updated.ErrorRetryCount < maxErrorRetries {
		b.React().Replace(*updated)
		b.Routing().Activate(step.AgentID, step.Instruction)
		b.Timeline().Record("react.retry", step.AgentID, step.ID)
		return &NodeResult{Patch: b.Build(), Result: res}, nil
	}

	markStep(updated, step.ID, session.StepFailed)
	updated.ErrorRetryCount = 0
	updated.ReplanCount++
	if updated.ReplanCount < maxReplanDepth {
		updated.Reflection = fmt.Sprintf("step %s (%s) kept failing: %s", step.ID, step.Instruction, res.Error)
		updated.Plan = nil
		b.React().Replace(*updated)
		b.Routing().Activate(env.Team.Entry(), "")
		b.Timeline().Record("react.replan", step.AgentID, step.ID)
		return &NodeResult{Patch: b.Build(), Result: res}, nil
	}

	b.React().Replace(*updated)
	b.Routing().Clear()
	b.Routing().SetStatus(types.StatusFailed, res.Error)
	b.Timeline().Record("react.exhausted", step.AgentID, step.ID)
	return &NodeResult{Patch: b.Build(), Result: res}, nil
}

// reflectPhase synthesizes the final deliverable from the finished plan
// with one schema-constrained call against the entry agent's schema.
func reflectPhase(ctx context.Context, env *Env, snap *session.Snapshot, state *session.ReactState) (*NodeResult, error) {
	entry, _ := env.Team.Agent(env.Team.Entry())

	env.emit(ctx, observe.Event{Type: observe.TypeAgentStarted, AgentID: entry.Spec.ID})

	var sb strings.Builder
	fmt.Fprintf(&sb, "Produce the final answer for the goal from the executed plan.\n\nGoal: %s\n\nSteps:\n", state.Goal)
	for _, step := range state.Plan {
		fmt.Fprintf(&sb, "- [%s] %s (agent %s)\n", step.Status, step.Instruction, step.AgentID)
	}
	for _, m := range snap.MemoryMessages() {
		if m.Kind == types.KindAudit {
			fmt.Fprintf(&sb, "%s\n", m.Content)
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
		res.Error = "reflection output did not match the deliverable schema"
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
	b.Memory().AppendAudit(entry.Spec.ID, state.Goal, res.Status, res.Deliverable != nil, res.Error)
	b.Routing().Clear()
	b.Routing().SetStatus(res.Status, res.Error)
	b.Timeline().Record("react.reflect", entry.Spec.ID, string(res.Status))

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

func cloneReact(state *session.ReactState) *session.ReactState {
	out := *state
	out.Plan = append([]session.PlanStep(nil), state.Plan...)
	return &out
}

func markStep(state *session.ReactState, stepID string, status session.PlanStepStatus) {
	for i := range state.Plan {
		if state.Plan[i].ID == stepID {
			state.Plan[i].Status = status
			return
		}
	}
}
