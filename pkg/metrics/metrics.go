package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	// Read-path metrics
	ReadReallocRaces = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "bfscore_read_realloc_races_total",
			Help: "Total number of narrow-crcs rewrites that raced a concurrent index change and were silently aborted",
		},
	)

	ReadRetries = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "bfscore_read_retries_total",
			Help: "Total number of read retries by disposition",
		},
		[]string{"disposition"},
	)

	DeviceIOErrors = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "bfscore_device_io_errors_total",
			Help: "Total number of I/O errors observed per device",
		},
		[]string{"device_id"},
	)

	PromoteWritesTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "bfscore_promote_writes_total",
			Help: "Total number of cache-write promotions issued by the read pipeline",
		},
	)

	// Move-engine metrics
	ExtentMigrateDone = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "bfscore_extent_migrate_done_total",
			Help: "Total number of extents the move engine rewrote without racing",
		},
	)

	ExtentMigrateRaced = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "bfscore_extent_migrate_raced_total",
			Help: "Total number of extents whose migrate index-update raced a foreground write and was discarded",
		},
	)

	MovePassDuration = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "bfscore_move_pass_duration_seconds",
			Help:    "Time taken for one move-engine pass over a key range",
			Buckets: prometheus.DefBuckets,
		},
	)

	MoveSectorsMoved = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "bfscore_move_sectors_moved_total",
			Help: "Total number of sectors successfully relocated by the move engine",
		},
	)

	// Extent/byte accounting, broken down by tier and data direction
	ExtentsByTier = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "bfscore_extents_by_tier",
			Help: "Current number of extents by storage tier and compression state",
		},
		[]string{"tier", "compressed"},
	)

	BytesTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "bfscore_bytes_total",
			Help: "Total bytes moved through the data path by direction and data type",
		},
		[]string{"direction", "data_type"}, // direction: read|write
	)

	// End-to-end latency
	WriteLatency = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "bfscore_write_latency_seconds",
			Help:    "End-to-end latency of a write operation in seconds",
			Buckets: prometheus.DefBuckets,
		},
	)

	ReadLatency = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "bfscore_read_latency_seconds",
			Help:    "End-to-end latency of a read operation in seconds",
			Buckets: prometheus.DefBuckets,
		},
	)

	DeviceLatencyEWMA = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "bfscore_device_latency_ewma_microseconds",
			Help: "Current exponentially-weighted moving average device I/O latency in microseconds",
		},
		[]string{"device_id"},
	)
)

func init() {
	prometheus.MustRegister(
		ReadReallocRaces,
		ReadRetries,
		DeviceIOErrors,
		PromoteWritesTotal,
		ExtentMigrateDone,
		ExtentMigrateRaced,
		MovePassDuration,
		MoveSectorsMoved,
		ExtentsByTier,
		BytesTotal,
		WriteLatency,
		ReadLatency,
		DeviceLatencyEWMA,
	)
}

// Handler returns the Prometheus HTTP handler.
func Handler() http.Handler {
	return promhttp.Handler()
}

// Timer is a helper for timing operations.
type Timer struct {
	start time.Time
}

// NewTimer creates a new timer.
func NewTimer() *Timer {
	return &Timer{start: time.Now()}
}

// ObserveDuration records the duration to a histogram.
func (t *Timer) ObserveDuration(histogram prometheus.Histogram) {
	histogram.Observe(time.Since(t.start).Seconds())
}

// Duration returns the elapsed time since the timer started.
func (t *Timer) Duration() time.Duration {
	return time.Since(t.start)
}
