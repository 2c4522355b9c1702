// Package metrics provides Prometheus instrumentation for the indexer.
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const namespace = "launch_indexer"

var (
	// RPCRequests counts chain reader calls by node, method and outcome.
	RPCRequests = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "rpc_requests_total",
		Help:      "Chain reader requests",
	}, []string{"node", "method", "status"})

	RPCLatency = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Namespace: namespace,
		Name:      "rpc_request_duration_seconds",
		Help:      "Chain reader request latency in seconds",
		Buckets:   []float64{0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1, 2.5, 5},
	}, []string{"method"})

	// WindowsScanned counts completed getLogs windows.
	WindowsScanned = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "scan_windows_total",
		Help:      "Block windows scanned",
	}, []string{"index"})

	// WindowsSkipped counts single-block windows skipped by the logs bloom.
	WindowsSkipped = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "scan_windows_bloom_skipped_total",
		Help:      "Single-block windows skipped by bloom prefilter",
	})

	LogsFetched = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "scan_logs_total",
		Help:      "Raw logs returned by the chain reader",
	}, []string{"index"})

	DecodeErrors = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "decode_errors_total",
		Help:      "Logs skipped because they failed shape validation",
	})

	// HydrationFailures counts per-entity supplemental read failures.
	HydrationFailures = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "hydration_failures_total",
		Help:      "Entity hydrations or live refreshes that failed",
	}, []string{"kind"})

	StoreWriteFailures = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "store_write_failures_total",
		Help:      "Failed writes to an entity store",
	}, []string{"store"})

	VerificationFailures = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "ownership_verification_failures_total",
		Help:      "Ownership checks that failed for a candidate token",
	})

	RecoveryPaths = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "recovery_path_total",
		Help:      "Position recoveries by terminal path",
	}, []string{"path"})

	PassDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Namespace: namespace,
		Name:      "pass_duration_seconds",
		Help:      "Reconciliation pass duration in seconds",
		Buckets:   prometheus.ExponentialBuckets(0.05, 2, 12),
	}, []string{"index", "outcome"})

	// CursorBlock is the last durably merged block per index key.
	CursorBlock = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Namespace: namespace,
		Name:      "cursor_block",
		Help:      "Last durably merged block",
	}, []string{"index"})

	Entities = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Namespace: namespace,
		Name:      "entities",
		Help:      "Canonical entities by index and status",
	}, []string{"index", "status"})

	SinkDeliveries = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "sink_deliveries_total",
		Help:      "Change batches delivered to outputs",
	}, []string{"output", "status"})
)

// Handler returns the Prometheus metrics HTTP handler.
func Handler() http.Handler {
	return promhttp.Handler()
}
