package tool

import (
	"context"
	"encoding/json"

	"github.com/latticehq/conduct/types"
)

// AskUserName is intercepted by the tool loop: calling it parks the whole
// run at a durable interrupt instead of executing anything.
const AskUserName = "ask_user"

// AskUser surfaces a question to the human operator. Always bound.
type AskUser struct{}

func (AskUser) Definition() types.ToolDefinition {
	return types.ToolDefinition{
		Name:        AskUserName,
		Description: "Pause and ask the human operator a question when required input is missing or ambiguous. The run resumes once they answer.",
		JSONSchema: map[string]any{
			"type": "object",
			"properties": map[string]any{
				"question": map[string]any{
					"type":        "string",
					"description": "The question to surface to the operator",
				},
				"context": map[string]any{
					"type":        "string",
					"description": "Why the answer is needed",
				},
			},
			"required": []string{"question"},
		},
	}
}

func (AskUser) Execute(ctx context.Context, args json.RawMessage) (any, error) {
	// Never reached: the loop intercepts ask_user before execution.
	return "waiting for operator input", nil
}
