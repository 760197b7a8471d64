// Package llm defines the provider contract conduct drives. Concrete
// vendor clients live outside the engine; the orchestrator only ever sees
// this interface, wrapped by the resilience layer.
package llm

import (
	"context"
	"errors"

	"github.com/latticehq/conduct/types"
)

var ErrNotSupported = errors.New("operation not supported by provider")

type Capabilities struct {
	Tools            bool
	StructuredOutput bool
	Embeddings       bool
}

type Provider interface {
	Name() string
	Capabilities() Capabilities
	// Generate performs one chat completion. Tools and ResponseSchema on
	// the request are honored when the provider advertises them.
	Generate(ctx context.Context, req types.Request) (types.Response, error)
	// Embed returns a vector for the given text, or ErrNotSupported.
	Embed(ctx context.Context, text string) ([]float64, error)
}
