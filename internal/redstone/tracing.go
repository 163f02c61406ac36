package redstone

import (
	"context"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/propagation"
	"go.opentelemetry.io/otel/trace"
)

const tracerName = "github.com/redstone/ordersaga"

var propagator = propagation.TraceContext{}

// InjectTrace writes the span context of ctx into headers (traceparent).
func InjectTrace(ctx context.Context, headers map[string]string) {
	propagator.Inject(ctx, propagation.MapCarrier(headers))
}

func ExtractTrace(ctx context.Context, headers map[string]string) context.Context {
	if len(headers) == 0 {
		return ctx
	}
	return propagator.Extract(ctx, propagation.MapCarrier(headers))
}

// StartConsumeSpan continues the trace carried by m.
func StartConsumeSpan(ctx context.Context, group string, m Message) (context.Context, trace.Span) {
	ctx = ExtractTrace(ctx, m.Headers)
	return otel.Tracer(tracerName).Start(ctx, "consume "+m.EventType(),
		trace.WithSpanKind(trace.SpanKindConsumer),
		trace.WithAttributes(
			attribute.String("messaging.consumer.group", group),
			attribute.String("messaging.event_type", m.EventType()),
			attribute.String("messaging.message.id", m.Header(HeaderEventID)),
			attribute.Int("messaging.retry_count", m.RetryCount()),
		),
	)
}

func StartPublishSpan(ctx context.Context, m Message) (context.Context, trace.Span) {
	ctx = ExtractTrace(ctx, m.Headers)
	return otel.Tracer(tracerName).Start(ctx, "publish "+m.EventType(),
		trace.WithSpanKind(trace.SpanKindProducer),
		trace.WithAttributes(
			attribute.String("messaging.event_type", m.EventType()),
			attribute.String("messaging.message.id", m.Header(HeaderEventID)),
		),
	)
}

// StartServerSpan opens the root span for an inbound request so events it
// produces carry a trace.
func StartServerSpan(ctx context.Context, method, path string) (context.Context, trace.Span) {
	return otel.Tracer(tracerName).Start(ctx, method+" "+path,
		trace.WithSpanKind(trace.SpanKindServer),
		trace.WithAttributes(
			attribute.String("http.request.method", method),
			attribute.String("url.path", path),
		),
	)
}
