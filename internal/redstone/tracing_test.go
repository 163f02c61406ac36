package redstone

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.opentelemetry.io/otel"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	"go.opentelemetry.io/otel/sdk/trace/tracetest"
	"go.opentelemetry.io/otel/trace"
)

func TestTraceFollowsMessageHeaders(t *testing.T) {
	rec := tracetest.NewSpanRecorder()
	tp := sdktrace.NewTracerProvider(sdktrace.WithSpanProcessor(rec))
	prev := otel.GetTracerProvider()
	otel.SetTracerProvider(tp)
	t.Cleanup(func() { otel.SetTracerProvider(prev) })

	ctx, parent := tp.Tracer("test").Start(context.Background(), "place order")
	headers := map[string]string{HeaderEventType: "order.placed", HeaderEventID: "e1"}
	InjectTrace(ctx, headers)
	parent.End()
	require.Contains(t, headers, "traceparent")

	_, span := StartConsumeSpan(context.Background(), "inventory-service", Message{Headers: headers})
	span.End()

	ended := rec.Ended()
	require.Len(t, ended, 2)
	consume := ended[1]
	assert.Equal(t, "consume order.placed", consume.Name())
	assert.Equal(t, trace.SpanKindConsumer, consume.SpanKind())
	assert.Equal(t, parent.SpanContext().TraceID(), consume.SpanContext().TraceID())
	assert.Equal(t, parent.SpanContext().SpanID(), consume.Parent().SpanID())
}

func TestExtractTraceWithoutHeaders(t *testing.T) {
	ctx := context.Background()
	assert.Equal(t, ctx, ExtractTrace(ctx, nil))
}
