package tool

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/latticehq/conduct/types"
)

const delegatePrefix = "delegate_to_"

// Delegation transfers control to a named teammate. The tool loop
// intercepts calls to it before execution and short-circuits with a
// delegation outcome, so Execute only ever runs if a caller invokes the
// tool outside the loop.
type Delegation struct {
	target      string
	description string
}

func NewDelegation(target, description string) *Delegation {
	if description == "" {
		description = fmt.Sprintf("Hand the current work over to the %q agent with a task description.", target)
	}
	return &Delegation{target: target, description: description}
}

func (d *Delegation) Target() string { return d.target }

// DelegationName renders the tool name for a target agent id.
func DelegationName(target string) string { return delegatePrefix + target }

// DelegationTarget extracts the target agent id from a delegation tool
// name, or "" when the name is not a delegation.
func DelegationTarget(name string) string {
	if !strings.HasPrefix(name, delegatePrefix) {
		return ""
	}
	return strings.TrimPrefix(name, delegatePrefix)
}

func (d *Delegation) Definition() types.ToolDefinition {
	return types.ToolDefinition{
		Name:        DelegationName(d.target),
		Description: d.description,
		JSONSchema: map[string]any{
			"type": "object",
			"properties": map[string]any{
				"task": map[string]any{
					"type":        "string",
					"description": "What the teammate should do, with all context it needs",
				},
			},
			"required": []string{"task"},
		},
	}
}

// DelegationArgs is the payload a delegation call carries.
type DelegationArgs struct {
	Task string `json:"task"`
}

func ParseDelegationArgs(raw json.RawMessage) (DelegationArgs, error) {
	var args DelegationArgs
	if len(raw) == 0 {
		return args, nil
	}
	if err := json.Unmarshal(raw, &args); err != nil {
		return args, fmt.Errorf("delegation args: %w", err)
	}
	return args, nil
}

func (d *Delegation) Execute(ctx context.Context, args json.RawMessage) (any, error) {
	parsed, err := ParseDelegationArgs(args)
	if err != nil {
		return nil, err
	}
	return fmt.Sprintf("delegating to %s: %s", d.target, parsed.Task), nil
}
