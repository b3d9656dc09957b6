package middleware

import (
	"context"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/ErikWegner/jqm/instance"
)

// tracerName is the instrumentation scope name for jqm tracing.
const tracerName = "github.com/ErikWegner/jqm"

// Tracing returns middleware that wraps instance execution in an
// OpenTelemetry span. If no TracerProvider is configured globally, the
// default noop tracer is used and this middleware becomes a
// pass-through with zero overhead.
//
// Span attributes include: jqm.instance.id, jqm.job_definition.id,
// jqm.queue.id, jqm.chain_length. On error, the span status is set to
// codes.Error with the error message.
func Tracing() Middleware {
	tracer := otel.Tracer(tracerName)
	return TracingWithTracer(tracer)
}

// TracingWithTracer returns tracing middleware using the provided
// tracer. This variant allows injecting a specific TracerProvider for
// testing or when multiple providers are in use.
func TracingWithTracer(tracer trace.Tracer) Middleware {
	return func(ctx context.Context, inst *instance.Instance, next Handler) error {
		ctx, span := tracer.Start(ctx, "jqm.instance.execute",
			trace.WithAttributes(
				attribute.String("jqm.instance.id", inst.ID.String()),
				attribute.String("jqm.job_definition.id", inst.JobDefinitionID.String()),
				attribute.String("jqm.queue.id", inst.QueueID.String()),
				attribute.Int("jqm.chain_length", inst.ChainLength),
			),
			trace.WithSpanKind(trace.SpanKindInternal),
		)
		defer span.End()

		err := next(ctx)
		if err != nil {
			span.RecordError(err)
			span.SetStatus(codes.Error, err.Error())
		} else {
			span.SetStatus(codes.Ok, "")
		}

		return err
	}
}
