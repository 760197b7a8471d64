// Package knowledge defines the retrieval collaborator agents can be bound
// to. Chunking, embedding, indexing, and reranking live behind this
// interface, outside the engine.
package knowledge

import "context"

// Chunk is one scored retrieval hit.
type Chunk struct {
	Content string   `json:"content"`
	Score   float64  `json:"score"`
	Refs    []string `json:"refs,omitempty"`
}

// Binding scopes retrieval for one agent: which collection to search and
// how many hits to return.
type Binding struct {
	Collection string `json:"collection"`
	TopK       int    `json:"topK,omitempty"`
}

type Retriever interface {
	Retrieve(ctx context.Context, query string, binding Binding) ([]Chunk, error)
}

// RetrieverFunc adapts a function to the Retriever interface.
type RetrieverFunc func(ctx context.Context, query string, binding Binding) ([]Chunk, error)

func (f RetrieverFunc) Retrieve(ctx context.Context, query string, binding Binding) ([]Chunk, error) {
	if f == nil {
		return nil, nil
	}
	return f(ctx, query, binding)
}
