package internaltelemetry

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
	"go.opentelemetry.io/otel/sdk/metric/metricdata"
)

func TestStoreMetrics_Record(t *testing.T) {
	reader := sdkmetric.NewManualReader()
	provider := sdkmetric.NewMeterProvider(sdkmetric.WithReader(reader))
	t.Cleanup(func() { _ = provider.Shutdown(context.Background()) })

	m, err := NewStoreMetrics(provider.Meter("test"))
	require.NoError(t, err)

	ctx := context.Background()
	m.RecordsInserted.Add(ctx, 3)
	m.RecordsExpunged.Add(ctx, 1)
	m.OpLatency.Record(ctx, 0.25)

	var rm metricdata.ResourceMetrics
	require.NoError(t, reader.Collect(ctx, &rm))
	require.Len(t, rm.ScopeMetrics, 1)

	sums := map[string]int64{}
	var histogramSeen bool
	for _, md := range rm.ScopeMetrics[0].Metrics {
		switch data := md.Data.(type) {
		case metricdata.Sum[int64]:
			for _, dp := range data.DataPoints {
				sums[md.Name] += dp.Value
			}
		case metricdata.Histogram[float64]:
			histogramSeen = md.Name == "gojostore.operations.duration"
		}
	}
	assert.Equal(t, int64(3), sums["gojostore.records.inserted"])
	assert.Equal(t, int64(1), sums["gojostore.records.expunged"])
	assert.True(t, histogramSeen)
}
