package resilience

import (
	"context"

	"github.com/latticehq/conduct/llm"
	"github.com/latticehq/conduct/types"
)

// Provider wraps an llm.Provider with classification, retry, and a circuit
// breaker. Node logic only ever sees classified errors.
type Provider struct {
	inner   llm.Provider
	policy  RetryPolicy
	breaker *CircuitBreaker
}

// NewProvider guards inner with the registry's breaker for its name.
func NewProvider(inner llm.Provider, policy RetryPolicy, registry *Registry) *Provider {
	if registry == nil {
		registry = NewRegistry(3, 0)
	}
	return &Provider{
		inner:   inner,
		policy:  NormalizeRetryPolicy(policy),
		breaker: registry.Get("llm:" + inner.Name()),
	}
}

func (p *Provider) Name() string                   { return p.inner.Name() }
func (p *Provider) Capabilities() llm.Capabilities { return p.inner.Capabilities() }

func (p *Provider) Generate(ctx context.Context, req types.Request) (types.Response, error) {
	var resp types.Response
	err := p.call(ctx, func(ctx context.Context) error {
		var err error
		resp, err = p.inner.Generate(ctx, req)
		return err
	})
	return resp, err
}

func (p *Provider) Embed(ctx context.Context, text string) ([]float64, error) {
	var vec []float64
	err := p.call(ctx, func(ctx context.Context) error {
		var err error
		vec, err = p.inner.Embed(ctx, text)
		return err
	})
	return vec, err
}

func (p *Provider) call(ctx context.Context, fn func(ctx context.Context) error) error {
	return Do(ctx, p.policy, func(ctx context.Context) error {
		if !p.breaker.Allow() {
			return ErrCircuitOpen
		}
		err := fn(ctx)
		if err != nil {
			p.breaker.RecordFailure()
			return err
		}
		p.breaker.RecordSuccess()
		return nil
	})
}
