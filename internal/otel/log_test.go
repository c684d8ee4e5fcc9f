package otel

import (
	"bytes"
	"context"
	"testing"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.opentelemetry.io/otel/trace"
)

func spanContext(t *testing.T) context.Context {
	t.Helper()
	traceID, err := trace.TraceIDFromHex("0af7651916cd43dd8448eb211c80319c")
	require.NoError(t, err)
	spanID, err := trace.SpanIDFromHex("b7ad6b7169203331")
	require.NoError(t, err)
	sc := trace.NewSpanContext(trace.SpanContextConfig{TraceID: traceID, SpanID: spanID})
	return trace.ContextWithSpanContext(context.Background(), sc)
}

func TestTraceContextFrom_NoSpan(t *testing.T) {
	traceID, spanID := TraceContextFrom(context.Background())
	assert.Empty(t, traceID)
	assert.Empty(t, spanID)
}

func TestTraceContextFrom_ActiveSpan(t *testing.T) {
	traceID, spanID := TraceContextFrom(spanContext(t))
	assert.Equal(t, "0af7651916cd43dd8448eb211c80319c", traceID)
	assert.Equal(t, "b7ad6b7169203331", spanID)
}

func TestLogTraceFields_StampsEvent(t *testing.T) {
	var buf bytes.Buffer
	logger := zerolog.New(&buf)

	logger.Info().Func(LogTraceFields(spanContext(t))).Msg("pass_completed")
	assert.Contains(t, buf.String(), `"trace_id":"0af7651916cd43dd8448eb211c80319c"`)
	assert.Contains(t, buf.String(), `"span_id":"b7ad6b7169203331"`)
}

func TestLogTraceFields_SilentWithoutSpan(t *testing.T) {
	var buf bytes.Buffer
	logger := zerolog.New(&buf)

	logger.Info().Func(LogTraceFields(context.Background())).Msg("pass_completed")
	assert.NotContains(t, buf.String(), "trace_id")
	assert.NotContains(t, buf.String(), "span_id")
}
