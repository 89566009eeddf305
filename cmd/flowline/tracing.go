// ABOUTME: OpenTelemetry tracer provider setup for execution and node spans.
// ABOUTME: Finished spans are written to the standard logger as key=value lines.
package main

import (
	"context"
	"log"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/sdk/resource"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	semconv "go.opentelemetry.io/otel/semconv/v1.24.0"
	"go.opentelemetry.io/otel/trace"
	"go.opentelemetry.io/otel/trace/noop"
)

const spanBatchTimeout = 2 * time.Second

// newTracerProvider returns a no-op provider when tracing is disabled. The
// returned shutdown flushes pending spans.
func newTracerProvider(ctx context.Context, s tracingSettings) (trace.TracerProvider, func(context.Context) error, error) {
	if !s.Enabled {
		return noop.NewTracerProvider(), func(context.Context) error { return nil }, nil
	}

	res, err := resource.New(ctx,
		resource.WithAttributes(
			semconv.ServiceName(s.ServiceName),
			semconv.ServiceVersion(version),
		),
		resource.WithFromEnv(),
		resource.WithTelemetrySDK(),
	)
	if err != nil {
		return nil, nil, err
	}

	tp := sdktrace.NewTracerProvider(
		sdktrace.WithBatcher(logExporter{}, sdktrace.WithBatchTimeout(spanBatchTimeout)),
		sdktrace.WithSampler(sdktrace.ParentBased(sdktrace.TraceIDRatioBased(s.SampleRate))),
		sdktrace.WithResource(res),
	)
	otel.SetTracerProvider(tp)
	log.Printf("component=tracing action=enabled service=%s sample_rate=%v", s.ServiceName, s.SampleRate)
	return tp, tp.Shutdown, nil
}

// logExporter writes one log line per finished span.
type logExporter struct{}

func (logExporter) ExportSpans(ctx context.Context, spans []sdktrace.ReadOnlySpan) error {
	for _, span := range spans {
		line := "component=tracing action=span name=" + span.Name() +
			" trace=" + span.SpanContext().TraceID().String() +
			" span=" + span.SpanContext().SpanID().String() +
			" status=" + span.Status().Code.String() +
			" duration=" + span.EndTime().Sub(span.StartTime()).String()
		for _, attr := range span.Attributes() {
			line += " " + string(attr.Key) + "=" + attr.Value.Emit()
		}
		log.Print(line)
	}
	return nil
}

func (logExporter) Shutdown(context.Context) error { return nil }
