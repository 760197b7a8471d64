package tool

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/latticehq/conduct/session"
	"github.com/latticehq/conduct/types"
)

// Todo lets an agent replace the session plan. The node executor binds a
// fresh instance per execution and folds recorded updates into the patch.
type Todo struct {
	apply func(items []session.TodoItem)
}

func NewTodo(apply func(items []session.TodoItem)) *Todo {
	return &Todo{apply: apply}
}

func (t *Todo) Definition() types.ToolDefinition {
	return types.ToolDefinition{
		Name:        "update_todo",
		Description: "Replace the working plan with an updated item list. Include every item with its current status.",
		JSONSchema: map[string]any{
			"type": "object",
			"properties": map[string]any{
				"items": map[string]any{
					"type": "array",
					"items": map[string]any{
						"type": "object",
						"properties": map[string]any{
							"id":   map[string]any{"type": "string"},
							"text": map[string]any{"type": "string"},
							"status": map[string]any{
								"type": "string",
								"enum": []string{"pending", "in_progress", "done", "skipped"},
							},
						},
						"required": []string{"id", "text", "status"},
					},
				},
			},
			"required": []string{"items"},
		},
	}
}

func (t *Todo) Execute(ctx context.Context, args json.RawMessage) (any, error) {
	var input struct {
		Items []session.TodoItem `json:"items"`
	}
	if err := json.Unmarshal(args, &input); err != nil {
		return nil, fmt.Errorf("invalid update_todo args: %w", err)
	}
	if t.apply != nil {
		t.apply(input.Items)
	}
	return fmt.Sprintf("todo updated, %d items", len(input.Items)), nil
}
