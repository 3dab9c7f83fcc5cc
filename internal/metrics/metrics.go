// Package metrics provides Prometheus metrics for gdrive runs.
// The CLI is short-lived, so metrics are collected in a private registry
// and written to a node_exporter textfile at the end of a run.
package metrics

import (
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Registry holds every gdrive collector.
var Registry = prometheus.NewRegistry()

var factory = promauto.With(Registry)

var (
	// Plan execution metrics
	stepsTotal = factory.NewCounterVec(
		prometheus.CounterOpts{
			Name: "gdrive_steps_total",
			Help: "Total number of plan steps by action and outcome",
		},
		[]string{"action", "outcome"},
	)

	stepDuration = factory.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "gdrive_step_duration_seconds",
			Help:    "Plan step duration in seconds",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"action"},
	)

	bytesTransferred = factory.NewCounterVec(
		prometheus.CounterOpts{
			Name: "gdrive_transfer_bytes_total",
			Help: "Total bytes copied between hierarchies",
		},
		[]string{"direction"},
	)

	// Backend metrics
	backendOperations = factory.NewCounterVec(
		prometheus.CounterOpts{
			Name: "gdrive_backend_operations_total",
			Help: "Total number of backend operations",
		},
		[]string{"backend", "operation", "success"},
	)

	backendDuration = factory.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "gdrive_backend_operation_duration_seconds",
			Help:    "Backend operation duration in seconds",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"backend", "operation"},
	)

	// Resolution metrics
	resolvedEntries = factory.NewGauge(
		prometheus.GaugeOpts{
			Name: "gdrive_resolved_entries",
			Help: "Number of entries selected by the last resolution",
		},
	)

	// Listing cache metrics
	cacheLookups = factory.NewCounterVec(
		prometheus.CounterOpts{
			Name: "gdrive_listing_cache_lookups_total",
			Help: "Listing cache lookups by result",
		},
		[]string{"result"},
	)

	runsTotal = factory.NewCounterVec(
		prometheus.CounterOpts{
			Name: "gdrive_runs_total",
			Help: "Total number of command runs by exit code",
		},
		[]string{"command", "exit_code"},
	)
)

// RecordStep records the outcome of one plan step.
func RecordStep(action, outcome string, duration time.Duration) {
	stepsTotal.WithLabelValues(action, outcome).Inc()
	stepDuration.WithLabelValues(action).Observe(duration.Seconds())
}

// RecordBytes records copied bytes for a direction (pull, push).
func RecordBytes(direction string, n int64) {
	if n > 0 {
		bytesTransferred.WithLabelValues(direction).Add(float64(n))
	}
}

// RecordBackendOperation records a backend call.
func RecordBackendOperation(backend, operation string, duration time.Duration, success bool) {
	backendOperations.WithLabelValues(backend, operation, strconv.FormatBool(success)).Inc()
	backendDuration.WithLabelValues(backend, operation).Observe(duration.Seconds())
}

// SetResolvedEntries records the size of a resolved selection.
func SetResolvedEntries(n int) {
	resolvedEntries.Set(float64(n))
}

// RecordCacheLookup records a listing cache hit or miss.
func RecordCacheLookup(hit bool) {
	result := "miss"
	if hit {
		result = "hit"
	}
	cacheLookups.WithLabelValues(result).Inc()
}

// RecordRun records a finished command.
func RecordRun(command string, exitCode int) {
	runsTotal.WithLabelValues(command, strconv.Itoa(exitCode)).Inc()
}

// WriteTextfile writes all metrics in text exposition format to path.
func WriteTextfile(path string) error {
	return prometheus.WriteToTextfile(path, Registry)
}
