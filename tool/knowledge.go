package tool

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/latticehq/conduct/knowledge"
	"github.com/latticehq/conduct/types"
)

// KnowledgeSearch exposes the retrieval collaborator as a tool for agents
// with a knowledge binding.
type KnowledgeSearch struct {
	retriever knowledge.Retriever
	binding   knowledge.Binding
}

func NewKnowledgeSearch(retriever knowledge.Retriever, binding knowledge.Binding) *KnowledgeSearch {
	if binding.TopK <= 0 {
		binding.TopK = 5
	}
	return &KnowledgeSearch{retriever: retriever, binding: binding}
}

func (t *KnowledgeSearch) Definition() types.ToolDefinition {
	return types.ToolDefinition{
		Name:        "knowledge_search",
		Description: "Search the bound knowledge collection for passages relevant to a query.",
		JSONSchema: map[string]any{
			"type": "object",
			"properties": map[string]any{
				"query": map[string]any{
					"type":        "string",
					"description": "The search query",
				},
			},
			"required": []string{"query"},
		},
	}
}

func (t *KnowledgeSearch) Execute(ctx context.Context, args json.RawMessage) (any, error) {
	var input struct {
		Query string `json:"query"`
	}
	if err := json.Unmarshal(args, &input); err != nil {
		return nil, fmt.Errorf("invalid knowledge_search args: %w", err)
	}
	if input.Query == "" {
		return nil, fmt.Errorf("query is required")
	}

	chunks, err := t.retriever.Retrieve(ctx, input.Query, t.binding)
	if err != nil {
		return nil, fmt.Errorf("knowledge search: %w", err)
	}

	var sb strings.Builder
	fmt.Fprintf(&sb, "Found %d relevant passages:\n\n", len(chunks))
	for i, c := range chunks {
		fmt.Fprintf(&sb, "[%d] score=%.3f\n%s\n", i+1, c.Score, c.Content)
		if len(c.Refs) > 0 {
			fmt.Fprintf(&sb, "refs: %s\n", strings.Join(c.Refs, ", "))
		}
		sb.WriteString("\n")
	}
	return sb.String(), nil
}
