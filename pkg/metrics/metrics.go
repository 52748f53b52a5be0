package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	// Instance metrics
	InstancesTotal = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "paddock_instances_total",
			Help: "Total number of tracked instances by status",
		},
		[]string{"status"},
	)

	InstanceCreations = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "paddock_instance_creations_total",
			Help: "Total instance creation attempts by outcome",
		},
		[]string{"outcome"},
	)

	StartupDuration = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "paddock_startup_duration_seconds",
			Help:    "Time from start request to ready in seconds",
			Buckets: []float64{5, 15, 30, 60, 120, 300, 600, 1200},
		},
	)

	// Upstream adapter metrics
	UpstreamRequestsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "paddock_upstream_requests_total",
			Help: "Total upstream API requests by operation and outcome",
		},
		[]string{"operation", "outcome"},
	)

	UpstreamRequestDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "paddock_upstream_request_duration_seconds",
			Help:    "Upstream API request duration in seconds",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"operation"},
	)

	CircuitBreakerOpen = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "paddock_circuit_breaker_open",
			Help: "Whether the upstream circuit breaker is open (1 = open)",
		},
	)

	// Job queue metrics
	JobsTotal = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "paddock_jobs_total",
			Help: "Jobs in the queue by status",
		},
		[]string{"status"},
	)

	JobsProcessed = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "paddock_jobs_processed_total",
			Help: "Total jobs processed by type and outcome",
		},
		[]string{"type", "outcome"},
	)

	JobDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "paddock_job_duration_seconds",
			Help:    "Job handler duration in seconds",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"type"},
	)

	// Migration metrics
	MigrationSweeps = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "paddock_migration_sweeps_total",
			Help: "Total migration sweeps executed",
		},
	)

	InstancesMigrated = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "paddock_instances_migrated_total",
			Help: "Total instance migrations by outcome",
		},
		[]string{"outcome"},
	)

	// Webhook metrics
	WebhooksSent = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "paddock_webhooks_sent_total",
			Help: "Total webhook deliveries by outcome",
		},
		[]string{"outcome"},
	)

	// Sync metrics
	SyncDuration = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "paddock_sync_duration_seconds",
			Help:    "Upstream reconciliation pass duration in seconds",
			Buckets: prometheus.DefBuckets,
		},
	)

	SyncErrors = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "paddock_sync_errors_total",
			Help: "Total errors during reconciliation passes",
		},
	)

	// API metrics
	APIRequestsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "paddock_api_requests_total",
			Help: "Total number of API requests by method and status",
		},
		[]string{"method", "status"},
	)

	APIRequestDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "paddock_api_request_duration_seconds",
			Help:    "API request duration in seconds",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"method"},
	)
)

func init() {
	// Register all metrics
	prometheus.MustRegister(InstancesTotal)
	prometheus.MustRegister(InstanceCreations)
	prometheus.MustRegister(StartupDuration)
	prometheus.MustRegister(UpstreamRequestsTotal)
	prometheus.MustRegister(UpstreamRequestDuration)
	prometheus.MustRegister(CircuitBreakerOpen)
	prometheus.MustRegister(JobsTotal)
	prometheus.MustRegister(JobsProcessed)
	prometheus.MustRegister(JobDuration)
	prometheus.MustRegister(MigrationSweeps)
	prometheus.MustRegister(InstancesMigrated)
	prometheus.MustRegister(WebhooksSent)
	prometheus.MustRegister(SyncDuration)
	prometheus.MustRegister(SyncErrors)
	prometheus.MustRegister(APIRequestsTotal)
	prometheus.MustRegister(APIRequestDuration)
}

// Handler returns the Prometheus HTTP handler
func Handler() http.Handler {
	return promhttp.Handler()
}
