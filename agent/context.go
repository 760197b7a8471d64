package agent

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/latticehq/conduct/llm"
	"github.com/latticehq/conduct/observe"
	"github.com/latticehq/conduct/resilience"
	"github.com/latticehq/conduct/session"
	"github.com/latticehq/conduct/team"
	"github.com/latticehq/conduct/tool"
	"github.com/latticehq/conduct/types"
)

// OutcomeKind tags what the tool loop produced. Delegation and completion
// are explicit values, not unwound exceptions.
type OutcomeKind int

const (
	// OutcomeContinue: the model stopped requesting tools; the caller
	// extracts the structured output next.
	OutcomeContinue OutcomeKind = iota
	// OutcomeDelegate: control transfers to a teammate immediately.
	OutcomeDelegate
	// OutcomeDone: a final result is already known.
	OutcomeDone
)

// Outcome is the tagged return value of one loop run.
type Outcome struct {
	Kind       OutcomeKind
	Target     string // delegation target agent id
	Task       string // delegation task description
	Result     *types.AgentResult
	Transcript []types.Message // assistant/tool turns produced by the loop
	Usage      types.Usage
}

// Context is the sandbox one node execution runs in. It is built fresh per
// execution and discarded afterwards.
type Context struct {
	key      session.Key
	runID    string
	agent    *team.Agent
	provider llm.Provider
	tools    map[string]tool.Tool
	order    []string
	sink     observe.Sink
}

// NewContext binds the agent's declared tools plus the engine built-ins:
// ask_user and one delegation tool per allowlisted teammate. Extra tools
// (knowledge search, todo) are injected by the node executor.
func NewContext(key session.Key, runID string, a *team.Agent, provider llm.Provider, sink observe.Sink, extra ...tool.Tool) *Context {
	if sink == nil {
		sink = observe.NoopSink{}
	}
	c := &Context{
		key:      key,
		runID:    runID,
		agent:    a,
		provider: provider,
		tools:    make(map[string]tool.Tool),
		sink:     sink,
	}
	for _, t := range a.Spec.Tools {
		c.bind(t)
	}
	for _, t := range extra {
		c.bind(t)
	}
	c.bind(tool.AskUser{})
	for _, target := range a.Spec.DelegateTo {
		c.bind(tool.NewDelegation(target, ""))
	}
	return c
}

func (c *Context) bind(t tool.Tool) {
	if t == nil {
		return
	}
	name := t.Definition().Name
	if _, dup := c.tools[name]; dup {
		return
	}
	c.tools[name] = t
	c.order = append(c.order, name)
}

func (c *Context) definitions() []types.ToolDefinition {
	defs := make([]types.ToolDefinition, 0, len(c.order))
	for _, name := range c.order {
		defs = append(defs, c.tools[name].Definition())
	}
	return defs
}

// hasCallableTools reports whether the agent can do anything in a loop:
// real tools or delegation targets. A bare agent short-circuits to a single
// schema-constrained call.
func (c *Context) hasCallableTools() bool {
	for name := range c.tools {
		if name == tool.AskUserName {
			continue
		}
		if tool.DelegationTarget(name) != "" {
			continue
		}
		return true
	}
	return len(c.agent.Spec.DelegateTo) > 0
}

// BuildMessages assembles the prompt: compaction summary when present,
// persisted conversation memory, then the resolved query as the task turn.
func (c *Context) BuildMessages(snapshot *session.Snapshot, query string) []types.Message {
	var messages []types.Message
	if snapshot != nil {
		if snapshot.Compression != nil && snapshot.Compression.Summary != "" {
			messages = append(messages, types.Message{
				Role:    types.RoleAssistant,
				Kind:    types.KindAssistant,
				Content: "Conversation so far: " + snapshot.Compression.Summary,
			})
		}
		messages = append(messages, snapshot.MemoryMessages()...)
	}
	if query != "" {
		messages = append(messages, types.Message{
			Role:    types.RoleUser,
			Kind:    types.KindTask,
			Content: query,
		})
	}
	return messages
}

// Interrupt suspends the entire run with the given payload.
func (c *Context) Interrupt(payload any) error {
	raw, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("interrupt payload: %w", err)
	}
	return &InterruptError{ID: uuid.NewString(), AgentID: c.agent.Spec.ID, Payload: raw}
}

// InvokeTools runs the tool loop for up to MaxSteps model calls. It returns
// OutcomeDelegate as soon as the model issues a delegation directive (at
// most one per step; extras are dropped with a tool.error event), and
// OutcomeContinue when the model stops requesting tools. An ask_user call
// surfaces as an *InterruptError. Exhausting MaxSteps is a system failure.
func (c *Context) InvokeTools(ctx context.Context, messages []types.Message) (*Outcome, error) {
	out := &Outcome{Kind: OutcomeContinue}
	working := append([]types.Message(nil), messages...)

	for step := 0; step < c.agent.Spec.MaxSteps; step++ {
		resp, err := c.provider.Generate(ctx, types.Request{
			SystemPrompt: c.agent.Spec.SystemPrompt,
			Messages:     working,
			Tools:        c.definitions(),
			Temperature:  c.agent.Spec.Temperature,
		})
		if err != nil {
			return nil, resilience.ClassifyWrap(err, "model call failed")
		}
		if resp.Usage != nil {
			out.Usage.InputTokens += resp.Usage.InputTokens
			out.Usage.OutputTokens += resp.Usage.OutputTokens
			out.Usage.TotalTokens += resp.Usage.TotalTokens
		}

		assistant := resp.Message
		assistant.ID = uuid.NewString()
		assistant.Kind = types.KindAssistant
		working = append(working, assistant)
		out.Transcript = append(out.Transcript, assistant)

		if len(assistant.ToolCalls) == 0 {
			return out, nil
		}

		if interrupt := c.findAskUser(assistant.ToolCalls); interrupt != nil {
			return nil, interrupt
		}
		if delegated, handled := c.findDelegation(ctx, assistant.ToolCalls); handled {
			out.Kind = OutcomeDelegate
			out.Target = delegated.Target
			out.Task = delegated.Task
			return out, nil
		}

		for _, call := range assistant.ToolCalls {
			msg, err := c.executeToolCall(ctx, call)
			if err != nil {
				return nil, err
			}
			working = append(working, msg)
			out.Transcript = append(out.Transcript, msg)
		}
	}

	return nil, resilience.New(resilience.CategoryInternal,
		fmt.Sprintf("agent %s exceeded %d tool steps without terminating", c.agent.Spec.ID, c.agent.Spec.MaxSteps))
}

func (c *Context) findAskUser(calls []types.ToolCall) *InterruptError {
	for _, call := range calls {
		if call.Name == tool.AskUserName {
			return &InterruptError{
				ID:      uuid.NewString(),
				AgentID: c.agent.Spec.ID,
				Payload: call.Arguments,
			}
		}
	}
	return nil
}

type delegation struct {
	Target string
	Task   string
}

// findDelegation honors the first delegation directive in a step and drops
// the rest. Unknown targets are dropped the same way.
func (c *Context) findDelegation(ctx context.Context, calls []types.ToolCall) (delegation, bool) {
	var chosen delegation
	found := false
	for _, call := range calls {
		target := tool.DelegationTarget(call.Name)
		if target == "" {
			continue
		}
		if _, bound := c.tools[call.Name]; !bound {
			c.emitToolError(ctx, call, "delegation target not in allowlist")
			continue
		}
		if found {
			c.emitToolError(ctx, call, "extra delegation directive dropped, first one wins")
			continue
		}
		args, err := tool.ParseDelegationArgs(call.Arguments)
		if err != nil {
			c.emitToolError(ctx, call, err.Error())
			continue
		}
		chosen = delegation{Target: target, Task: args.Task}
		found = true
	}
	return chosen, found
}

func (c *Context) executeToolCall(ctx context.Context, call types.ToolCall) (types.Message, error) {
	bound, ok := c.tools[call.Name]
	if !ok {
		c.emitToolError(ctx, call, "unknown tool")
		return c.toolMessage(call, fmt.Sprintf(`{"error": "unknown tool %q"}`, call.Name)), nil
	}

	c.emit(ctx, observe.Event{
		Type: observe.TypeToolCall, AgentID: c.agent.Spec.ID,
		ToolName: call.Name, ToolCallID: call.ID,
	})

	started := time.Now()
	callCtx, cancel := context.WithTimeout(ctx, c.agent.Spec.ToolTimeout)
	result, err := bound.Execute(callCtx, call.Arguments)
	cancel()

	if err != nil {
		// A tool may suspend the run via Interrupt; the error carries the
		// payload and must reach the node executor intact.
		var interrupt *InterruptError
		if errors.As(err, &interrupt) {
			return types.Message{}, interrupt
		}
		// A timed-out tool call is a system failure that aborts the run;
		// any other tool error is surfaced to the model and the loop goes on.
		if callCtx.Err() == context.DeadlineExceeded {
			c.emitToolError(ctx, call, "tool timeout")
			return types.Message{}, resilience.Wrap(resilience.CategoryTimeout,
				fmt.Sprintf("tool %s timed out after %s", call.Name, c.agent.Spec.ToolTimeout), err)
		}
		c.emitToolError(ctx, call, err.Error())
		payload, _ := json.Marshal(map[string]string{"error": err.Error()})
		return c.toolMessage(call, string(payload)), nil
	}

	c.emit(ctx, observe.Event{
		Type: observe.TypeToolResult, AgentID: c.agent.Spec.ID,
		ToolName: call.Name, ToolCallID: call.ID,
		DurationMs: time.Since(started).Milliseconds(),
	})

	rendered, err := renderToolResult(result)
	if err != nil {
		return types.Message{}, fmt.Errorf("render %s result: %w", call.Name, err)
	}
	return c.toolMessage(call, rendered), nil
}

func (c *Context) toolMessage(call types.ToolCall, content string) types.Message {
	return types.Message{
		ID:         uuid.NewString(),
		Role:       types.RoleTool,
		Kind:       types.KindTool,
		Name:       call.Name,
		ToolCallID: call.ID,
		Content:    content,
	}
}

func renderToolResult(result any) (string, error) {
	switch v := result.(type) {
	case nil:
		return "", nil
	case string:
		return v, nil
	default:
		raw, err := json.Marshal(v)
		if err != nil {
			return "", err
		}
		return string(raw), nil
	}
}

// GetStructuredOutput makes one schema-constrained call and returns the
// validated deliverable, or nil when the model's answer does not parse or
// does not match the schema. It never raises for malformed output; that is
// a business failure the caller records.
func (c *Context) GetStructuredOutput(ctx context.Context, messages []types.Message) (json.RawMessage, *types.Usage, error) {
	resp, err := c.provider.Generate(ctx, types.Request{
		SystemPrompt:   c.agent.Spec.SystemPrompt,
		Messages:       messages,
		Temperature:    c.agent.Spec.Temperature,
		ResponseSchema: c.agent.Schema,
	})
	if err != nil {
		return nil, nil, resilience.ClassifyWrap(err, "structured output call failed")
	}

	content := []byte(resp.Message.Content)
	if !json.Valid(content) {
		return nil, resp.Usage, nil
	}
	if err := c.agent.ValidateDeliverable(content); err != nil {
		return nil, resp.Usage, nil
	}
	return content, resp.Usage, nil
}

// Run drives one full execution: a zero-tool agent goes straight to the
// structured call, everything else runs the loop first. The returned
// outcome is Done or Delegate; interrupts and system failures come back as
// errors for the node executor to intercept.
func (c *Context) Run(ctx context.Context, snapshot *session.Snapshot, query string) (*Outcome, error) {
	messages := c.BuildMessages(snapshot, query)

	var (
		transcript []types.Message
		usage      types.Usage
	)
	if c.hasCallableTools() {
		loopOut, err := c.InvokeTools(ctx, messages)
		if err != nil {
			return nil, err
		}
		if loopOut.Kind == OutcomeDelegate {
			return loopOut, nil
		}
		transcript = loopOut.Transcript
		usage = loopOut.Usage
		messages = append(messages, transcript...)
	}

	deliverable, callUsage, err := c.GetStructuredOutput(ctx, messages)
	if err != nil {
		return nil, err
	}
	if callUsage != nil {
		usage.InputTokens += callUsage.InputTokens
		usage.OutputTokens += callUsage.OutputTokens
		usage.TotalTokens += callUsage.TotalTokens
	}

	result := &types.AgentResult{
		AgentID:     c.agent.Spec.ID,
		CompletedAt: time.Now().UTC(),
		Usage:       &usage,
	}
	if deliverable == nil {
		result.Status = types.StatusFailed
		result.FailureKind = types.FailureBusiness
		result.Error = "output did not match the deliverable schema"
	} else {
		result.Status = types.StatusCompleted
		result.Deliverable = deliverable
	}
	if n := len(transcript); n > 0 {
		result.Summary = transcript[n-1].Content
	}

	return &Outcome{Kind: OutcomeDone, Result: result, Transcript: transcript, Usage: usage}, nil
}

func (c *Context) emit(ctx context.Context, event observe.Event) {
	event.Namespace = c.key.Namespace
	event.SessionID = c.key.SessionID
	event.RunID = c.runID
	_ = c.sink.Emit(ctx, event)
}

func (c *Context) emitToolError(ctx context.Context, call types.ToolCall, msg string) {
	c.emit(ctx, observe.Event{
		Type: observe.TypeToolError, AgentID: c.agent.Spec.ID,
		ToolName: call.Name, ToolCallID: call.ID, Error: msg,
	})
}
