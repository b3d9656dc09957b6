package observability

import (
	"context"
	"time"

	"go.opentelemetry.io/otel/metric"

	"github.com/ErikWegner/jqm/ext"
	"github.com/ErikWegner/jqm/instance"
)

// Compile-time interface checks.
var (
	_ ext.Extension         = (*MetricsExtension)(nil)
	_ ext.InstanceEnqueued  = (*MetricsExtension)(nil)
	_ ext.InstanceEnded     = (*MetricsExtension)(nil)
	_ ext.InstanceCrashed   = (*MetricsExtension)(nil)
	_ ext.InstanceKilled    = (*MetricsExtension)(nil)
	_ ext.InstanceCancelled = (*MetricsExtension)(nil)
	_ ext.RestartScheduled  = (*MetricsExtension)(nil)
	_ ext.DeadLettered      = (*MetricsExtension)(nil)
)

// MetricsExtension records system-wide lifecycle metrics via the global
// OTel MeterProvider. Register it as a jqm extension to automatically
// track enqueue, end, crash, kill, cancel, restart, and dead-letter
// counts, independent of the per-invocation middleware.Metrics.
type MetricsExtension struct {
	enqueued   metric.Int64Counter
	ended      metric.Int64Counter
	crashed    metric.Int64Counter
	killed     metric.Int64Counter
	cancelled  metric.Int64Counter
	restarted  metric.Int64Counter
	deadLetter metric.Int64Counter
}

// NewMetricsExtension creates a MetricsExtension using the given meter.
// Pass otel.Meter("github.com/ErikWegner/jqm") to use the global
// MeterProvider.
func NewMetricsExtension(meter metric.Meter) *MetricsExtension {
	m := &MetricsExtension{}
	m.enqueued, _ = meter.Int64Counter("jqm.instance.enqueued")
	m.ended, _ = meter.Int64Counter("jqm.instance.ended")
	m.crashed, _ = meter.Int64Counter("jqm.instance.crashed")
	m.killed, _ = meter.Int64Counter("jqm.instance.killed")
	m.cancelled, _ = meter.Int64Counter("jqm.instance.cancelled")
	m.restarted, _ = meter.Int64Counter("jqm.instance.restarted")
	m.deadLetter, _ = meter.Int64Counter("jqm.instance.dead_lettered")

	return m
}

// Name implements ext.Extension.
func (m *MetricsExtension) Name() string { return "observability-metrics" }

// OnInstanceEnqueued implements ext.InstanceEnqueued.
func (m *MetricsExtension) OnInstanceEnqueued(ctx context.Context, _ *instance.Instance) error {
	m.enqueued.Add(ctx, 1)
	return nil
}

// OnInstanceEnded implements ext.InstanceEnded.
func (m *MetricsExtension) OnInstanceEnded(ctx context.Context, _ *instance.Instance, _ time.Duration) error {
	m.ended.Add(ctx, 1)
	return nil
}

// OnInstanceCrashed implements ext.InstanceCrashed.
func (m *MetricsExtension) OnInstanceCrashed(ctx context.Context, _ *instance.Instance, _ error) error {
	m.crashed.Add(ctx, 1)
	return nil
}

// OnInstanceKilled implements ext.InstanceKilled.
func (m *MetricsExtension) OnInstanceKilled(ctx context.Context, _ *instance.Instance) error {
	m.killed.Add(ctx, 1)
	return nil
}

// OnInstanceCancelled implements ext.InstanceCancelled.
func (m *MetricsExtension) OnInstanceCancelled(ctx context.Context, _ *instance.Instance) error {
	m.cancelled.Add(ctx, 1)
	return nil
}

// OnRestartScheduled implements ext.RestartScheduled.
func (m *MetricsExtension) OnRestartScheduled(ctx context.Context, _, _ *instance.Instance) error {
	m.restarted.Add(ctx, 1)
	return nil
}

// OnDeadLettered implements ext.DeadLettered.
func (m *MetricsExtension) OnDeadLettered(ctx context.Context, _ *instance.Instance) error {
	m.deadLetter.Add(ctx, 1)
	return nil
}
