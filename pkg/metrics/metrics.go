package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics holds all pipeline metrics
type Metrics struct {
	// Intake
	EventsReceived *prometheus.CounterVec
	EventsDropped  prometheus.Counter
	IntakeQueue    prometheus.Gauge

	// Notifications and batching
	NotificationsCreated *prometheus.CounterVec
	BatchesFlushed       *prometheus.CounterVec
	BatchedEvents        prometheus.Counter

	// Delivery
	Deliveries      *prometheus.CounterVec
	DispatchLatency prometheus.Histogram
	Retries         *prometheus.CounterVec
	ReleaseLag      prometheus.Histogram

	// Worker
	SweepLatency  *prometheus.HistogramVec
	SweepFailures *prometheus.CounterVec
	StaleRequeued prometheus.Counter

	// Analytics
	AnalyticsDropped prometheus.Counter
	AnalyticsFlushed prometheus.Counter

	// HTTP
	HTTPRequests *prometheus.CounterVec
	HTTPLatency  *prometheus.HistogramVec
}

// NewMetrics creates and registers all application metrics on reg. Pass
// prometheus.DefaultRegisterer in binaries and a fresh registry in tests.
func NewMetrics(reg prometheus.Registerer, namespace, subsystem string) *Metrics {
	f := promauto.With(reg)
	return &Metrics{
		EventsReceived: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: subsystem,
			Name:      "events_received_total",
			Help:      "Domain events accepted by the pipeline",
		}, []string{"type"}),
		EventsDropped: f.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: subsystem,
			Name:      "events_dropped_total",
			Help:      "Domain events rejected because the intake queue was full",
		}),
		IntakeQueue: f.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: subsystem,
			Name:      "intake_queue_size",
			Help:      "Current number of events waiting in the intake queue",
		}),
		NotificationsCreated: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: subsystem,
			Name:      "notifications_created_total",
			Help:      "Notifications persisted",
		}, []string{"type"}),
		BatchesFlushed: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: subsystem,
			Name:      "batches_flushed_total",
			Help:      "Batch windows flushed",
		}, []string{"result"}),
		BatchedEvents: f.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: subsystem,
			Name:      "batched_events_total",
			Help:      "Events absorbed into batch windows",
		}),
		Deliveries: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: subsystem,
			Name:      "deliveries_total",
			Help:      "Channel delivery attempts by outcome",
		}, []string{"channel", "status"}),
		DispatchLatency: f.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: subsystem,
			Name:      "dispatch_duration_seconds",
			Help:      "Time spent dispatching one notification",
			Buckets:   []float64{.001, .005, .01, .025, .05, .1, .25, .5, 1, 2.5, 5, 10},
		}),
		Retries: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: subsystem,
			Name:      "retry_attempts_total",
			Help:      "Notifications rescheduled after a transient failure",
		}, []string{"type"}),
		ReleaseLag: f.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: subsystem,
			Name:      "release_lag_seconds",
			Help:      "Delay between scheduled time and release",
			Buckets:   []float64{.01, .05, .1, .5, 1, 5, 15, 30, 60, 300},
		}),
		SweepLatency: f.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: subsystem,
			Name:      "sweep_duration_seconds",
			Help:      "Duration of one sweeper pass",
			Buckets:   prometheus.DefBuckets,
		}, []string{"stage"}),
		SweepFailures: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: subsystem,
			Name:      "sweep_failures_total",
			Help:      "Sweeper stages that returned an error",
		}, []string{"stage"}),
		StaleRequeued: f.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: subsystem,
			Name:      "stale_released_requeued_total",
			Help:      "Released notifications put back on the schedule after their claimer vanished",
		}),
		AnalyticsDropped: f.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: subsystem,
			Name:      "analytics_events_dropped_total",
			Help:      "Delivery events dropped because the analytics buffer was full",
		}),
		AnalyticsFlushed: f.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: subsystem,
			Name:      "analytics_events_flushed_total",
			Help:      "Delivery events written to the analytics log",
		}),
		HTTPRequests: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: subsystem,
			Name:      "http_requests_total",
			Help:      "Total number of HTTP requests",
		}, []string{"method", "path", "status"}),
		HTTPLatency: f.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: subsystem,
			Name:      "http_request_duration_seconds",
			Help:      "Duration of HTTP requests",
			Buckets:   []float64{.001, .005, .01, .025, .05, .1, .25, .5, 1},
		}, []string{"method", "path"}),
	}
}

// NewNop builds metrics on a private registry, for tests and tools.
func NewNop() *Metrics {
	return NewMetrics(prometheus.NewRegistry(), "notify", "test")
}
