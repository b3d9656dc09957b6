package middleware

import (
	"context"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"

	"github.com/ErikWegner/jqm/instance"
)

// meterName is the instrumentation scope name for jqm metrics.
const meterName = "github.com/ErikWegner/jqm"

// Metrics returns middleware that records per-instance execution
// metrics using the global OTel MeterProvider. If no MeterProvider is
// configured, noop instruments are used and this middleware becomes a
// pass-through.
//
// Instruments:
//   - jqm.instance.duration (Float64Histogram): execution time in
//     seconds, with attributes: job_definition_id, queue_id, status
//     ("ok" or "error")
//   - jqm.instance.executions (Int64Counter): total executions, with
//     the same attributes
func Metrics() Middleware {
	meter := otel.Meter(meterName)
	return MetricsWithMeter(meter)
}

// MetricsWithMeter returns metrics middleware using the provided meter.
// This variant allows injecting a specific MeterProvider for testing.
func MetricsWithMeter(meter metric.Meter) Middleware {
	duration, dErr := meter.Float64Histogram(
		"jqm.instance.duration",
		metric.WithDescription("Duration of instance execution in seconds"),
		metric.WithUnit("s"),
	)
	_ = dErr // noop fallback guaranteed by OTel API contract

	executions, eErr := meter.Int64Counter(
		"jqm.instance.executions",
		metric.WithDescription("Total number of instance executions"),
		metric.WithUnit("{execution}"),
	)
	_ = eErr // noop fallback guaranteed by OTel API contract

	return func(ctx context.Context, inst *instance.Instance, next Handler) error {
		start := time.Now()
		err := next(ctx)
		elapsed := time.Since(start).Seconds()

		status := "ok"
		if err != nil {
			status = "error"
		}

		attrs := metric.WithAttributes(
			attribute.String("job_definition_id", inst.JobDefinitionID.String()),
			attribute.String("queue_id", inst.QueueID.String()),
			attribute.String("status", status),
		)

		duration.Record(ctx, elapsed, attrs)
		executions.Add(ctx, 1, attrs)

		return err
	}
}
