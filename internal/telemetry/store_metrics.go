package internaltelemetry

import (
	"go.opentelemetry.io/otel/metric"
)

// StoreMetrics holds all the metric instruments of a record store.
type StoreMetrics struct {
	RecordsInserted  metric.Int64Counter
	RecordsUpdated   metric.Int64Counter
	RecordsExpunged  metric.Int64Counter
	RecordsCompacted metric.Int64Counter
	OpErrors         metric.Int64Counter
	OpLatency        metric.Float64Histogram
}

// NewStoreMetrics creates and registers all the metrics of a record store.
func NewStoreMetrics(meter metric.Meter) (*StoreMetrics, error) {
	inserted, err := meter.Int64Counter(
		"gojostore.records.inserted",
		metric.WithDescription("Total number of records inserted."),
		metric.WithUnit("1"),
	)
	if err != nil {
		return nil, err
	}

	updated, err := meter.Int64Counter(
		"gojostore.records.updated",
		metric.WithDescription("Total number of record updates."),
		metric.WithUnit("1"),
	)
	if err != nil {
		return nil, err
	}

	expunged, err := meter.Int64Counter(
		"gojostore.records.expunged",
		metric.WithDescription("Total number of records deleted."),
		metric.WithUnit("1"),
	)
	if err != nil {
		return nil, err
	}

	compacted, err := meter.Int64Counter(
		"gojostore.records.compacted",
		metric.WithDescription("Total number of slots reclaimed by compaction."),
		metric.WithUnit("1"),
	)
	if err != nil {
		return nil, err
	}

	opErrors, err := meter.Int64Counter(
		"gojostore.operations.errors",
		metric.WithDescription("Total number of failed store operations."),
		metric.WithUnit("1"),
	)
	if err != nil {
		return nil, err
	}

	latency, err := meter.Float64Histogram(
		"gojostore.operations.duration",
		metric.WithDescription("The latency of store operations."),
		metric.WithUnit("ms"),
	)
	if err != nil {
		return nil, err
	}

	return &StoreMetrics{
		RecordsInserted:  inserted,
		RecordsUpdated:   updated,
		RecordsExpunged:  expunged,
		RecordsCompacted: compacted,
		OpErrors:         opErrors,
		OpLatency:        latency,
	}, nil
}
