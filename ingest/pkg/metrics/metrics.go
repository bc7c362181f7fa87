package metrics

import (
	"context"
	"fmt"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/push"
)

const pushJob = "triplake"

var (
	BuildInfo = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "triplake_build_info",
			Help: "Build information of the triplake ingester",
		},
		[]string{"version", "commit", "date"},
	)

	PeriodOutcomesTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "triplake_period_outcomes_total",
			Help: "Total number of processed periods by outcome",
		},
		[]string{"status"},
	)

	PeriodFetchBytesTotal = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "triplake_period_fetch_bytes_total",
			Help: "Total number of bytes downloaded from the archive",
		},
	)

	PeriodDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "triplake_period_duration_seconds",
			Help:    "Duration of the per-period stages",
			Buckets: prometheus.ExponentialBuckets(0.01, 2, 14), // 0.01s to ~82s
		},
		[]string{"stage"},
	)

	ReconcileColumnsAddedTotal = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "triplake_reconcile_columns_added_total",
			Help: "Total number of null-filled columns added to datasets",
		},
	)

	ReconcileColumnsCoercedTotal = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "triplake_reconcile_columns_coerced_total",
			Help: "Total number of dataset columns coerced to string",
		},
	)

	ReconcileFailuresTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "triplake_reconcile_failures_total",
			Help: "Total number of failed reconciliations",
		},
		[]string{"kind"},
	)

	WarehouseRowsLoadedTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "triplake_warehouse_rows_loaded_total",
			Help: "Total number of rows loaded into the warehouse",
		},
		[]string{"table"},
	)

	RunDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "triplake_run_duration_seconds",
			Help:    "Duration of pipeline stages",
			Buckets: prometheus.ExponentialBuckets(1, 2, 12), // 1s to ~2048s
		},
		[]string{"stage"},
	)
)

// Push sends the default registry to a Pushgateway. Batch runs exit before a scrape
// could happen, so this is how their metrics leave the process.
func Push(ctx context.Context, url, instance string) error {
	ctx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()

	pusher := push.New(url, pushJob).
		Gatherer(prometheus.DefaultGatherer).
		Client(&http.Client{Timeout: 10 * time.Second})
	if instance != "" {
		pusher = pusher.Grouping("instance", instance)
	}
	if err := pusher.AddContext(ctx); err != nil {
		return fmt.Errorf("failed to push metrics: %w", err)
	}
	return nil
}
