package log

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.opentelemetry.io/otel/sdk/trace"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"go.uber.org/zap/zaptest/observer"
)

func TestContextLoggingCarriesTraceId(t *testing.T) {
	core, logs := observer.New(zapcore.DebugLevel)
	SetLogger(zap.New(core))
	defer SetLogger(zap.NewNop())

	ctx, span := trace.NewTracerProvider().Tracer("test").Start(t.Context(), "span")
	defer span.End()

	Infof(ctx, "deployed %s", "order.bpmn")
	Error("failed: %d", 42)

	entries := logs.AllUntimed()
	require.Len(t, entries, 2)
	assert.Equal(t, "deployed order.bpmn", entries[0].Message)
	assert.Equal(t, span.SpanContext().TraceID().String(), entries[0].ContextMap()["traceId"])
	assert.Equal(t, "failed: 42", entries[1].Message)
	assert.NotContains(t, entries[1].ContextMap(), "traceId")
}
