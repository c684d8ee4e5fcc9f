package otel

import (
	"context"

	"github.com/rs/zerolog"
	"go.opentelemetry.io/otel/trace"
)

// TraceContextFrom extracts trace_id and span_id from the active span in ctx.
// Both are empty when no valid span is recording, so callers can log
// unconditionally without leaking blank fields.
func TraceContextFrom(ctx context.Context) (traceID, spanID string) {
	span := trace.SpanFromContext(ctx)
	if !span.SpanContext().IsValid() {
		return "", ""
	}
	return span.SpanContext().TraceID().String(), span.SpanContext().SpanID().String()
}

// LogTraceFields returns a zerolog Func hook that stamps trace_id and span_id
// onto the event when ctx carries a valid span. Intended for the engine's
// background-pass and request logs:
//
//	log.Info().Str("agent_id", id).Func(otel.LogTraceFields(ctx)).Msg("memory_consolidation_completed")
func LogTraceFields(ctx context.Context) func(e *zerolog.Event) {
	return func(e *zerolog.Event) {
		traceID, spanID := TraceContextFrom(ctx)
		if traceID != "" {
			e.Str("trace_id", traceID)
		}
		if spanID != "" {
			e.Str("span_id", spanID)
		}
	}
}
