package otelmetrics

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"go.opentelemetry.io/otel/attribute"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
	"go.opentelemetry.io/otel/sdk/metric/metricdata"

	"github.com/velmie/outbox/v2"
)

func newTestMetrics(t *testing.T) (*Metrics, *sdkmetric.ManualReader) {
	t.Helper()
	reader := sdkmetric.NewManualReader()
	provider := sdkmetric.NewMeterProvider(sdkmetric.WithReader(reader))
	t.Cleanup(func() { _ = provider.Shutdown(context.Background()) })

	m, err := New(provider.Meter("outbox-test"))
	require.NoError(t, err)
	t.Cleanup(func() { _ = m.Close() })

	return m, reader
}

func collect(t *testing.T, reader *sdkmetric.ManualReader) map[string]metricdata.Aggregation {
	t.Helper()
	var rm metricdata.ResourceMetrics
	require.NoError(t, reader.Collect(context.Background(), &rm))

	out := make(map[string]metricdata.Aggregation)
	for _, scope := range rm.ScopeMetrics {
		for _, m := range scope.Metrics {
			out[m.Name] = m.Data
		}
	}

	return out
}

func typeOf(t *testing.T, set attribute.Set) string {
	t.Helper()
	value, ok := set.Value(typeKey)
	require.True(t, ok, "missing type attribute")

	return value.AsString()
}

func TestMetricsRecordsPerType(t *testing.T) {
	m, reader := newTestMetrics(t)

	m.ObserveProcessing("ORDER_CREATED", 250*time.Millisecond)
	m.ObserveProcessing("ORDER_CREATED", 750*time.Millisecond)
	m.AddErrors("ORDER_CREATED", 2)
	m.AddDeleted("ORDER_CREATED", 5)
	m.AddUpdated("ORDER_SHIPPED", 1)
	m.ObserveCycle("ORDER_CREATED", outbox.CycleDrained, time.Second)

	data := collect(t, reader)

	processed, ok := data[ProcessedName].(metricdata.Histogram[float64])
	require.True(t, ok)
	require.Len(t, processed.DataPoints, 1)
	require.EqualValues(t, 2, processed.DataPoints[0].Count)
	require.InDelta(t, 1.0, processed.DataPoints[0].Sum, 1e-9)
	require.Equal(t, "ORDER_CREATED", typeOf(t, processed.DataPoints[0].Attributes))

	errs, ok := data[ProcessedErrorName].(metricdata.Sum[int64])
	require.True(t, ok)
	require.EqualValues(t, 2, errs.DataPoints[0].Value)

	deleted := data[DeletedName].(metricdata.Sum[int64])
	require.EqualValues(t, 5, deleted.DataPoints[0].Value)
	updated := data[UpdatedName].(metricdata.Sum[int64])
	require.Equal(t, "ORDER_SHIPPED", typeOf(t, updated.DataPoints[0].Attributes))

	cycles := data[CycleName].(metricdata.Histogram[float64])
	outcome, ok := cycles.DataPoints[0].Attributes.Value(outcomeKey)
	require.True(t, ok)
	require.Equal(t, "drained", outcome.AsString())
}

func TestQueueSizeGauge(t *testing.T) {
	m, reader := newTestMetrics(t)

	_, found := collect(t, reader)[SizeName]
	require.False(t, found, "gauge reports nothing before the first export")

	m.SetQueueSize("ORDER_CREATED", 12)
	m.SetQueueSize("ORDER_SHIPPED", 0)
	m.SetQueueSize("ORDER_CREATED", 7)

	gauge, ok := collect(t, reader)[SizeName].(metricdata.Gauge[int64])
	require.True(t, ok)
	got := make(map[string]int64)
	for _, dp := range gauge.DataPoints {
		got[typeOf(t, dp.Attributes)] = dp.Value
	}
	require.Equal(t, map[string]int64{"ORDER_CREATED": 7, "ORDER_SHIPPED": 0}, got)
}

func TestQueueSizes(t *testing.T) {
	sizes := NewQueueSizes()
	_, ok := sizes.Get("A")
	require.False(t, ok)

	sizes.Set("B", 1)
	sizes.Set("A", 2)
	require.Equal(t, []string{"A", "B"}, sizes.Types())
	size, ok := sizes.Get("A")
	require.True(t, ok)
	require.EqualValues(t, 2, size)
}
