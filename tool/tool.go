// Package tool defines the tool contract agents call and the engine's
// built-in tools: delegation handoffs, todo updates, and knowledge search.
package tool

import (
	"context"
	"encoding/json"

	"github.com/latticehq/conduct/types"
)

// Tool is one callable capability bound to an agent.
type Tool interface {
	Definition() types.ToolDefinition
	Execute(ctx context.Context, args json.RawMessage) (any, error)
}

// Func adapts a function to the Tool interface.
type Func struct {
	Def types.ToolDefinition
	Fn  func(ctx context.Context, args json.RawMessage) (any, error)
}

func (f Func) Definition() types.ToolDefinition { return f.Def }

func (f Func) Execute(ctx context.Context, args json.RawMessage) (any, error) {
	if f.Fn == nil {
		return nil, nil
	}
	return f.Fn(ctx, args)
}
