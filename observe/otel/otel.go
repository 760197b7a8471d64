// Package otel bridges the observe.Sink to OpenTelemetry tracing so that
// session runs, agent executions, and tool calls are visible in any
// OTel-compatible backend.
package otel

import (
	"context"
	"fmt"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"go.opentelemetry.io/otel/trace/noop"

	"github.com/latticehq/conduct/observe"
)

const instrumentationName = "github.com/latticehq/conduct"

// Sink implements observe.Sink by emitting OpenTelemetry spans.
type Sink struct {
	tracer trace.Tracer
}

// NewSink creates an OTel sink using the given TracerProvider.
// A nil provider falls back to a noop tracer.
func NewSink(tp trace.TracerProvider) *Sink {
	if tp == nil {
		tp = noop.NewTracerProvider()
	}
	return &Sink{tracer: tp.Tracer(instrumentationName)}
}

// Emit converts one lifecycle event into a span.
func (s *Sink) Emit(_ context.Context, event observe.Event) error {
	event.Normalize()

	_, span := s.tracer.Start(context.Background(), spanNameFor(event),
		trace.WithTimestamp(event.Timestamp))

	attrs := []attribute.KeyValue{
		attribute.String("conduct.event.type", string(event.Type)),
	}
	if event.Namespace != "" {
		attrs = append(attrs, attribute.String("conduct.namespace", event.Namespace))
	}
	if event.SessionID != "" {
		attrs = append(attrs, attribute.String("conduct.session.id", event.SessionID))
	}
	if event.RunID != "" {
		attrs = append(attrs, attribute.String("conduct.run.id", event.RunID))
	}
	if event.AgentID != "" {
		attrs = append(attrs, attribute.String("conduct.agent.id", event.AgentID))
	}
	if event.ToolName != "" {
		attrs = append(attrs, attribute.String("conduct.tool.name", event.ToolName))
	}
	if event.InterruptID != "" {
		attrs = append(attrs, attribute.String("conduct.interrupt.id", event.InterruptID))
	}
	if event.Category != "" {
		attrs = append(attrs, attribute.String("conduct.error.category", event.Category))
	}
	if event.Message != "" {
		attrs = append(attrs, attribute.String("conduct.message", truncate(event.Message, 1024)))
	}
	if event.DurationMs > 0 {
		attrs = append(attrs, attribute.Int64("conduct.duration_ms", event.DurationMs))
	}
	for k, v := range event.Attributes {
		attrs = append(attrs, attribute.String("conduct.attr."+k, fmt.Sprintf("%v", v)))
	}
	span.SetAttributes(attrs...)

	switch event.Type {
	case observe.TypeSessionError, observe.TypeAgentFailed, observe.TypeToolError:
		span.SetStatus(codes.Error, event.Error)
		if event.Error != "" {
			span.RecordError(fmt.Errorf("%s", event.Error))
		}
	case observe.TypeSessionCompleted, observe.TypeAgentEnd, observe.TypeToolResult:
		span.SetStatus(codes.Ok, "")
	}

	endTime := event.Timestamp
	if event.DurationMs > 0 {
		endTime = endTime.Add(time.Duration(event.DurationMs) * time.Millisecond)
	}
	span.End(trace.WithTimestamp(endTime))
	return nil
}

func spanNameFor(event observe.Event) string {
	switch event.Type {
	case observe.TypeSessionStarted, observe.TypeSessionCompleted, observe.TypeSessionError:
		return "conduct.session"
	case observe.TypeAgentStarted, observe.TypeAgentEnd, observe.TypeAgentFailed:
		if event.AgentID != "" {
			return "conduct.agent." + event.AgentID
		}
		return "conduct.agent"
	case observe.TypeToolCall, observe.TypeToolResult, observe.TypeToolError:
		if event.ToolName != "" {
			return "conduct.tool." + event.ToolName
		}
		return "conduct.tool"
	case observe.TypeAgentInterrupt:
		return "conduct.interrupt"
	default:
		return "conduct.event"
	}
}

func truncate(s string, max int) string {
	if len(s) <= max {
		return s
	}
	return s[:max] + "..."
}
