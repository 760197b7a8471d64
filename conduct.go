// Package conduct assembles a multi-agent engine from a team definition,
// an LLM provider, and configured persistence backends. It is the top-level
// entry point; the heavy lifting lives in the orchestrator and graph packages.
package conduct

import (
	"context"
	"encoding/json"
	"fmt"
	"io"

	"github.com/latticehq/conduct/checkpoint"
	checkpointmemory "github.com/latticehq/conduct/checkpoint/memory"
	checkpointredis "github.com/latticehq/conduct/checkpoint/redis"
	checkpointsqlite "github.com/latticehq/conduct/checkpoint/sqlite"
	"github.com/latticehq/conduct/config"
	"github.com/latticehq/conduct/deliverable"
	deliverablememory "github.com/latticehq/conduct/deliverable/memory"
	deliverablesqlite "github.com/latticehq/conduct/deliverable/sqlite"
	"github.com/latticehq/conduct/knowledge"
	"github.com/latticehq/conduct/llm"
	"github.com/latticehq/conduct/observe"
	"github.com/latticehq/conduct/orchestrator"
	"github.com/latticehq/conduct/resilience"
	"github.com/latticehq/conduct/session"
	"github.com/latticehq/conduct/team"
)

// Engine binds a team to its runtime: provider, stores, and orchestrator.
// Construct one with New and reuse it across sessions; it is safe for
// concurrent use.
type Engine struct {
	cfg     config.Config
	orch    *orchestrator.Orchestrator
	closers []io.Closer
}

type EngineOption func(*engineOptions)

type engineOptions struct {
	retriever  knowledge.Retriever
	sink       observe.Sink
	experience orchestrator.ExperienceHook
}

// WithRetriever enables the knowledge tool for agents with a knowledge
// binding.
func WithRetriever(r knowledge.Retriever) EngineOption {
	return func(o *engineOptions) { o.retriever = r }
}

// WithSink mirrors every run's events to an extra sink, e.g. a logger or
// trace exporter, beside the per-run stream.
func WithSink(sink observe.Sink) EngineOption {
	return func(o *engineOptions) { o.sink = sink }
}

func WithExperienceHook(hook orchestrator.ExperienceHook) EngineOption {
	return func(o *engineOptions) { o.experience = hook }
}

// New builds an engine from the configuration: stores are constructed
// according to the configured backends and the orchestrator is wired with
// the retry and breaker settings. Call Close when done to release any
// file or network backed stores.
func New(cfg config.Config, def *team.Definition, provider llm.Provider, opts ...EngineOption) (*Engine, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	var eo engineOptions
	for _, opt := range opts {
		opt(&eo)
	}

	e := &Engine{cfg: cfg}

	checkpoints, err := e.openCheckpointStore()
	if err != nil {
		e.Close()
		return nil, err
	}
	deliverables, err := e.openDeliverableStore()
	if err != nil {
		e.Close()
		return nil, err
	}

	orchOpts := []orchestrator.Option{
		orchestrator.WithCheckpointStore(checkpoints),
		orchestrator.WithDeliverableStore(deliverables),
		orchestrator.WithMaxParallelism(cfg.MaxParallelism),
		orchestrator.WithKeepRecent(cfg.KeepRecent),
		orchestrator.WithMaxNodeVisits(cfg.MaxNodeVisits),
		orchestrator.WithBreakerRegistry(resilience.NewRegistry(cfg.Breaker.Threshold, cfg.Breaker.CoolDown)),
		orchestrator.WithDefaultRetry(resilience.RetryPolicy{
			MaxAttempts: cfg.Retry.MaxAttempts,
			BaseBackoff: cfg.Retry.BaseBackoff,
			MaxBackoff:  cfg.Retry.MaxBackoff,
			Jitter:      cfg.Retry.Jitter,
		}),
	}
	if eo.retriever != nil {
		orchOpts = append(orchOpts, orchestrator.WithRetriever(eo.retriever))
	}
	if eo.sink != nil {
		orchOpts = append(orchOpts, orchestrator.WithSink(eo.sink))
	}
	if eo.experience != nil {
		orchOpts = append(orchOpts, orchestrator.WithExperienceHook(eo.experience))
	}

	orch, err := orchestrator.New(def, provider, orchOpts...)
	if err != nil {
		e.Close()
		return nil, err
	}
	e.orch = orch
	return e, nil
}

func (e *Engine) openCheckpointStore() (checkpoint.Store, error) {
	cc := e.cfg.Checkpoint
	switch cc.Backend {
	case config.BackendMemory:
		return checkpointmemory.New(), nil
	case config.BackendSQLite:
		store, err := checkpointsqlite.New(cc.Path)
		if err != nil {
			return nil, fmt.Errorf("failed to open checkpoint store: %w", err)
		}
		e.closers = append(e.closers, store)
		return store, nil
	case config.BackendRedis:
		redisOpts := []checkpointredis.Option{}
		if cc.RedisPassword != "" {
			redisOpts = append(redisOpts, checkpointredis.WithPassword(cc.RedisPassword))
		}
		if cc.RedisDB > 0 {
			redisOpts = append(redisOpts, checkpointredis.WithDB(cc.RedisDB))
		}
		if cc.RedisTTL > 0 {
			redisOpts = append(redisOpts, checkpointredis.WithTTL(cc.RedisTTL))
		}
		store, err := checkpointredis.New(cc.RedisAddr, redisOpts...)
		if err != nil {
			return nil, fmt.Errorf("failed to open checkpoint store: %w", err)
		}
		e.closers = append(e.closers, store)
		return store, nil
	default:
		return nil, fmt.Errorf("conduct: unknown checkpoint backend %q", cc.Backend)
	}
}

func (e *Engine) openDeliverableStore() (deliverable.Store, error) {
	dc := e.cfg.Deliverable
	switch dc.Backend {
	case config.BackendMemory:
		return deliverablememory.New(), nil
	case config.BackendSQLite:
		store, err := deliverablesqlite.New(dc.Path)
		if err != nil {
			return nil, fmt.Errorf("failed to open deliverable store: %w", err)
		}
		e.closers = append(e.closers, store)
		return store, nil
	default:
		return nil, fmt.Errorf("conduct: unknown deliverable backend %q", dc.Backend)
	}
}

// Session builds a durable key for the id under the engine's namespace.
func (e *Engine) Session(id string) session.Key {
	return session.NewKey(e.cfg.Namespace, id)
}

// Stream starts (or continues) a run for the session and returns its
// ordered event stream.
func (e *Engine) Stream(ctx context.Context, sessionID, query string) (<-chan observe.Event, error) {
	return e.orch.Stream(ctx, e.Session(sessionID), query)
}

// Resume answers a parked interrupt with resumeValue and continues the run
// from the parked node.
func (e *Engine) Resume(ctx context.Context, sessionID string, resumeValue json.RawMessage) (<-chan observe.Event, error) {
	return e.orch.Resume(ctx, e.Session(sessionID), resumeValue)
}

// CompactSession summarizes older conversation turns, keeping pinned lines
// and the most recent turns verbatim.
func (e *Engine) CompactSession(ctx context.Context, sessionID string) error {
	return e.orch.CompactSession(ctx, e.Session(sessionID))
}

// ClearSession removes the session's checkpoints and deliverables.
func (e *Engine) ClearSession(ctx context.Context, sessionID string) error {
	return e.orch.ClearSession(ctx, e.Session(sessionID))
}

func (e *Engine) SessionInfo(ctx context.Context, sessionID string) (orchestrator.Info, error) {
	return e.orch.SessionInfo(ctx, e.Session(sessionID))
}

// Deliverables exposes the underlying store for read access to persisted
// agent outputs.
func (e *Engine) Deliverables() deliverable.Store { return e.orch.Deliverables() }

func (e *Engine) Team() *team.Definition { return e.orch.Team() }

// Close releases file and network backed stores. In-memory backends have
// nothing to release.
func (e *Engine) Close() error {
	var firstErr error
	for _, c := range e.closers {
		if err := c.Close(); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	e.closers = nil
	return firstErr
}
