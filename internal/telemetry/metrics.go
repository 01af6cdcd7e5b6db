package telemetry

import (
	"sync"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/metric"
)

const (
	meterName = "github.com/dealdesk/dealdesk"
)

// Metrics holds all the OpenTelemetry metric instruments
type Metrics struct {
	// Provisioning metrics
	AccountsProvisionedTotal metric.Int64Counter
	ProvisionConflictsTotal  metric.Int64Counter
	ProvisionRepairsTotal    metric.Int64Counter
	ProvisionDuration        metric.Float64Histogram

	// Storage retry metrics
	StorageRetriesTotal   metric.Int64Counter
	StorageExhaustedTotal metric.Int64Counter

	// Board metrics
	DealMovesTotal     metric.Int64Counter
	DealMoveNoopsTotal metric.Int64Counter
	StageReordersTotal metric.Int64Counter
}

var (
	once    sync.Once
	metrics *Metrics
)

// GetMetrics returns the singleton Metrics instance, initializing it if necessary
func GetMetrics() *Metrics {
	once.Do(func() {
		metrics = initMetrics()
	})
	return metrics
}

// initMetrics creates and registers all metric instruments
func initMetrics() *Metrics {
	meter := otel.GetMeterProvider().Meter(meterName)

	m := &Metrics{}

	m.AccountsProvisionedTotal, _ = meter.Int64Counter(
		"dealdesk.provision.accounts.total",
		metric.WithDescription("Total number of accounts provisioned"),
		metric.WithUnit("{account}"),
	)

	m.ProvisionConflictsTotal, _ = meter.Int64Counter(
		"dealdesk.provision.conflicts.total",
		metric.WithDescription("Total number of provisioning races resolved via conflict recheck"),
		metric.WithUnit("{conflict}"),
	)

	m.ProvisionRepairsTotal, _ = meter.Int64Counter(
		"dealdesk.provision.repairs.total",
		metric.WithDescription("Total number of accounts repaired with a missing organization"),
		metric.WithUnit("{account}"),
	)

	m.ProvisionDuration, _ = meter.Float64Histogram(
		"dealdesk.provision.duration",
		metric.WithDescription("Duration of account provisioning"),
		metric.WithUnit("ms"),
	)

	m.StorageRetriesTotal, _ = meter.Int64Counter(
		"dealdesk.storage.retries.total",
		metric.WithDescription("Total number of transient storage errors retried"),
		metric.WithUnit("{retry}"),
	)

	m.StorageExhaustedTotal, _ = meter.Int64Counter(
		"dealdesk.storage.exhausted.total",
		metric.WithDescription("Total number of operations that exhausted the retry budget"),
		metric.WithUnit("{operation}"),
	)

	m.DealMovesTotal, _ = meter.Int64Counter(
		"dealdesk.deals.moves.total",
		metric.WithDescription("Total number of deal stage transitions applied"),
		metric.WithUnit("{move}"),
	)

	m.DealMoveNoopsTotal, _ = meter.Int64Counter(
		"dealdesk.deals.moves.noops.total",
		metric.WithDescription("Total number of deal moves short-circuited as no-ops"),
		metric.WithUnit("{move}"),
	)

	m.StageReordersTotal, _ = meter.Int64Counter(
		"dealdesk.stages.reorders.total",
		metric.WithDescription("Total number of stage reorder batches applied"),
		metric.WithUnit("{batch}"),
	)

	return m
}
