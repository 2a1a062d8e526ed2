package metrics

import (
	"net/http"
	"sync"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var registerOnce sync.Once

var (
	// Ingress metrics
	EventsEnqueued = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "ignite_events_enqueued_total",
			Help: "Events accepted by the ingress queue",
		},
	)

	EventsRejected = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "ignite_events_rejected_total",
			Help: "Events rejected by queue backpressure",
		},
	)

	QueueDepth = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "ignite_queue_depth",
			Help: "Events currently buffered in the ingress queue",
		},
	)

	// Persistence metrics
	EventsStored = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "ignite_events_stored_total",
			Help: "Events written to the event store",
		},
	)

	AlertsStored = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "ignite_alerts_stored_total",
			Help: "Alerts written to the alert store",
		},
	)

	EventsDropped = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "ignite_events_dropped_total",
			Help: "Events dropped before persistence by reason",
		},
		[]string{"reason"},
	)

	DBSizeBytes = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "ignite_db_size_bytes",
			Help: "Current database file size",
		},
	)

	// Reduction metrics
	ReductionRuns = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "ignite_reduction_runs_total",
			Help: "Granularity reduction invocations",
		},
	)

	ReductionBytesFreed = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "ignite_reduction_bytes_freed_total",
			Help: "Bytes reclaimed by granularity reduction",
		},
	)

	// Upload metrics
	EventsPublished = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "ignite_events_published_total",
			Help: "Rows published over MQTT by table",
		},
		[]string{"table"},
	)

	PublishFailures = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "ignite_publish_failures_total",
			Help: "Publish failures by category",
		},
		[]string{"category"},
	)

	// Auth metrics
	ActivationAttempts = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "ignite_activation_attempts_total",
			Help: "Activation attempts by outcome",
		},
		[]string{"outcome"},
	)

	TokenRefreshes = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "ignite_token_refreshes_total",
			Help: "Successful login token refreshes",
		},
	)
)

// Register registers all metrics with the default registry; safe to call
// more than once.
func Register() {
	registerOnce.Do(register)
}

func register() {
	prometheus.MustRegister(
		EventsEnqueued,
		EventsRejected,
		QueueDepth,
		EventsStored,
		AlertsStored,
		EventsDropped,
		DBSizeBytes,
		ReductionRuns,
		ReductionBytesFreed,
		EventsPublished,
		PublishFailures,
		ActivationAttempts,
		TokenRefreshes,
	)
}

// Handler returns the HTTP handler for the metrics endpoint
func Handler() http.Handler {
	return promhttp.Handler()
}
