package observability_test

import (
	"context"
	"errors"
	"log/slog"
	"testing"
	"time"

	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
	"go.opentelemetry.io/otel/sdk/metric/metricdata"

	"github.com/ErikWegner/jqm/ext"
	"github.com/ErikWegner/jqm/id"
	"github.com/ErikWegner/jqm/instance"
	"github.com/ErikWegner/jqm/observability"
)

func newTestInstance() *instance.Instance {
	return &instance.Instance{
		ID:              id.NewInstanceID(),
		JobDefinitionID: id.NewJobDefinitionID(),
		QueueID:         id.NewQueueID(),
	}
}

func sumValue(t *testing.T, rm metricdata.ResourceMetrics, name string) int64 {
	t.Helper()
	for _, sm := range rm.ScopeMetrics {
		for _, m := range sm.Metrics {
			if m.Name != name {
				continue
			}
			sum, ok := m.Data.(metricdata.Sum[int64])
			if !ok || len(sum.DataPoints) == 0 {
				return 0
			}
			return sum.DataPoints[0].Value
		}
	}
	return 0
}

func TestMetricsExtension_Name(t *testing.T) {
	reader := sdkmetric.NewManualReader()
	mp := sdkmetric.NewMeterProvider(sdkmetric.WithReader(reader))
	e := observability.NewMetricsExtension(mp.Meter("test"))
	if e.Name() != "observability-metrics" {
		t.Errorf("expected name %q, got %q", "observability-metrics", e.Name())
	}
}

func TestMetricsExtension_ViaRegistry(t *testing.T) {
	reader := sdkmetric.NewManualReader()
	mp := sdkmetric.NewMeterProvider(sdkmetric.WithReader(reader))
	e := observability.NewMetricsExtension(mp.Meter("test"))
	logger := slog.Default()

	reg := ext.NewRegistry(logger)
	reg.Register(e)

	ctx := context.Background()
	inst := newTestInstance()

	reg.EmitInstanceEnqueued(ctx, inst)
	reg.EmitInstanceEnded(ctx, inst, 50*time.Millisecond)
	reg.EmitInstanceCrashed(ctx, inst, errors.New("fail"))
	reg.EmitInstanceKilled(ctx, inst)
	reg.EmitInstanceCancelled(ctx, inst)
	reg.EmitRestartScheduled(ctx, inst, inst)
	reg.EmitDeadLettered(ctx, inst)

	var rm metricdata.ResourceMetrics
	if err := reader.Collect(ctx, &rm); err != nil {
		t.Fatalf("collect: %v", err)
	}

	checks := map[string]string{
		"jqm.instance.enqueued":      "enqueued",
		"jqm.instance.ended":         "ended",
		"jqm.instance.crashed":       "crashed",
		"jqm.instance.killed":        "killed",
		"jqm.instance.cancelled":     "cancelled",
		"jqm.instance.restarted":     "restarted",
		"jqm.instance.dead_lettered": "dead-lettered",
	}
	for metric, label := range checks {
		if got := sumValue(t, rm, metric); got != 1 {
			t.Errorf("%s (%s): want 1, got %d", metric, label, got)
		}
	}
}
