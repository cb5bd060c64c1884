// Package metrics exposes the scheduler's Prometheus surface, served
// at /metrics by pkg/httpapi (promhttp.Handler).
package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	// Graph shape
	TasksTotal = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "dask_tasks_total",
			Help: "Total number of tasks in the graph by state",
		},
		[]string{"state"}, // waiting (includes ready and stacked), processing, memory, erred, released
	)

	ReadyQueueDepth = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "dask_ready_queue_depth",
			Help: "Number of tasks currently in the ready queue",
		},
	)

	WorkersTotal = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "dask_workers_total",
			Help: "Total number of registered workers",
		},
	)

	ClientsTotal = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "dask_clients_total",
			Help: "Total number of connected clients",
		},
	)

	// Dispatch
	DispatchDuration = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "dask_dispatch_duration_seconds",
			Help:    "Time taken by one Dispatch pass over the ready queue",
			Buckets: prometheus.DefBuckets,
		},
	)

	TasksDispatchedTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "dask_tasks_dispatched_total",
			Help: "Total number of tasks handed to a worker",
		},
	)

	// Task outcomes
	TasksFinishedTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "dask_tasks_finished_total",
			Help: "Total number of tasks that completed successfully",
		},
	)

	TasksErredTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "dask_tasks_erred_total",
			Help: "Total number of tasks marked erred, by whether they are the root cause or a propagated descendant",
		},
		[]string{"cause"}, // root, propagated
	)

	// Healing
	HealDuration = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "dask_heal_duration_seconds",
			Help:    "Time taken by one graph heal pass",
			Buckets: prometheus.DefBuckets,
		},
	)

	KeysRecomputedTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "dask_keys_recomputed_total",
			Help: "Total number of keys that had to be recomputed after missing data",
		},
	)

	// Worker churn
	WorkersRemovedTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "dask_workers_removed_total",
			Help: "Total number of workers removed, by whether the removal was graceful",
		},
		[]string{"reason"}, // graceful, lost
	)

	// Selector
	DecideWorkerDuration = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "dask_decide_worker_duration_seconds",
			Help:    "Time taken by decide_worker to choose a candidate for one ready task",
			Buckets: prometheus.DefBuckets,
		},
	)

	// Introspection HTTP surface
	HTTPRequestsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "dask_http_requests_total",
			Help: "Total number of introspection HTTP requests by route and status",
		},
		[]string{"route", "status"},
	)

	HTTPRequestDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "dask_http_request_duration_seconds",
			Help:    "Introspection HTTP request duration in seconds",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"route"},
	)

	// Feed subscriptions
	FeedSubscriptionsTotal = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "dask_feed_subscriptions_total",
			Help: "Number of active feed subscriptions",
		},
	)

	FeedSamplesDroppedTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "dask_feed_samples_dropped_total",
			Help: "Total number of feed samples dropped because a subscriber's buffer was full",
		},
	)
)

func init() {
	prometheus.MustRegister(TasksTotal)
	prometheus.MustRegister(ReadyQueueDepth)
	prometheus.MustRegister(WorkersTotal)
	prometheus.MustRegister(ClientsTotal)

	prometheus.MustRegister(DispatchDuration)
	prometheus.MustRegister(TasksDispatchedTotal)

	prometheus.MustRegister(TasksFinishedTotal)
	prometheus.MustRegister(TasksErredTotal)

	prometheus.MustRegister(HealDuration)
	prometheus.MustRegister(KeysRecomputedTotal)

	prometheus.MustRegister(WorkersRemovedTotal)
	prometheus.MustRegister(DecideWorkerDuration)

	prometheus.MustRegister(HTTPRequestsTotal)
	prometheus.MustRegister(HTTPRequestDuration)

	prometheus.MustRegister(FeedSubscriptionsTotal)
	prometheus.MustRegister(FeedSamplesDroppedTotal)
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
	duration := time.Since(t.start).Seconds()
	histogram.Observe(duration)
}

// ObserveDurationVec records the duration to a histogram vec with labels.
func (t *Timer) ObserveDurationVec(histogram prometheus.ObserverVec, labels ...string) {
	duration := time.Since(t.start).Seconds()
	histogram.WithLabelValues(labels...).Observe(duration)
}

// Duration returns the elapsed time since the timer started.
func (t *Timer) Duration() time.Duration {
	return time.Since(t.start)
}
