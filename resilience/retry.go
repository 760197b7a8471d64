package resilience

import (
	"context"
	"errors"
	"math/rand"
	"time"
)

// RetryPolicy controls how transient failures are retried.
type RetryPolicy struct {
	MaxAttempts int
	BaseBackoff time.Duration
	MaxBackoff  time.Duration
	// Jitter in [0,1): each delay is multiplied by 1 ± Jitter*rand.
	Jitter float64
}

func NormalizeRetryPolicy(p RetryPolicy) RetryPolicy {
	if p.MaxAttempts <= 0 {
		p.MaxAttempts = 3
	}
	if p.BaseBackoff <= 0 {
		p.BaseBackoff = 200 * time.Millisecond
	}
	if p.MaxBackoff <= 0 {
		p.MaxBackoff = 2 * time.Second
	}
	if p.Jitter < 0 || p.Jitter >= 1 {
		p.Jitter = 0.2
	}
	return p
}

// BackoffForAttempt returns the delay before attempt n (1-based),
// doubling from the base and capped at the max, with jitter applied.
func (p RetryPolicy) BackoffForAttempt(attempt int) time.Duration {
	p = NormalizeRetryPolicy(p)
	backoff := p.BaseBackoff
	for i := 1; i < attempt; i++ {
		backoff *= 2
		if backoff >= p.MaxBackoff {
			backoff = p.MaxBackoff
			break
		}
	}
	if p.Jitter > 0 {
		spread := 1 + p.Jitter*(2*rand.Float64()-1)
		backoff = time.Duration(float64(backoff) * spread)
	}
	return backoff
}

// Do runs fn up to MaxAttempts times, sleeping between attempts. Only
// retryable categories are retried; everything else fails fast. The last
// error is returned classified.
func Do(ctx context.Context, policy RetryPolicy, fn func(ctx context.Context) error) error {
	policy = NormalizeRetryPolicy(policy)
	var lastErr error
	for attempt := 1; attempt <= policy.MaxAttempts; attempt++ {
		lastErr = fn(ctx)
		if lastErr == nil {
			return nil
		}
		// An open breaker rejects for a whole cool-down window; backing off
		// a few hundred milliseconds cannot help, so fail immediately.
		if errors.Is(lastErr, ErrCircuitOpen) {
			return ErrCircuitOpen
		}
		if !Classify(lastErr).Retryable() {
			return ClassifyWrap(lastErr, "call failed")
		}
		if attempt == policy.MaxAttempts {
			break
		}
		select {
		case <-ctx.Done():
			return ClassifyWrap(ctx.Err(), "retry interrupted")
		case <-time.After(policy.BackoffForAttempt(attempt)):
		}
	}
	return ClassifyWrap(lastErr, "retries exhausted")
}
