// Package metrics provides Prometheus metrics for variant synchronization.
package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/zeusync/variantsync/internal/core/events/bus"
	"github.com/zeusync/variantsync/internal/core/variants"
)

var (
	// Refresh metrics
	refreshesTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "variantsync_refreshes_total",
			Help: "Total refreshed resources by outcome",
		},
		[]string{"subscriber", "outcome"},
	)

	refreshDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "variantsync_refresh_duration_seconds",
			Help:    "Refresh duration of one resource in seconds",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"subscriber"},
	)

	changedResourcesTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "variantsync_changed_resources_total",
			Help: "Total resources whose cached variant changed during refresh",
		},
		[]string{"subscriber"},
	)

	// Event bus metrics
	eventsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "variantsync_events_total",
			Help: "Total events published on the bus",
		},
		[]string{"topic", "type"},
	)

	eventErrorsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "variantsync_event_errors_total",
			Help: "Total event deliveries with failing listeners",
		},
		[]string{"topic", "type"},
	)

	eventDeliveryDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "variantsync_event_delivery_duration_seconds",
			Help:    "Time spent delivering one event to its listeners",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"topic"},
	)

	// Content cache metrics
	cacheRequestsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "variantsync_cache_requests_total",
			Help: "Total content cache lookups by result",
		},
		[]string{"cache", "result"},
	)

	cacheEvictionsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "variantsync_cache_evictions_total",
			Help: "Total content cache entries evicted or purged",
		},
		[]string{"cache"},
	)

	// Remote metrics
	remoteOperationDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "variantsync_remote_operation_duration_seconds",
			Help:    "Remote lineup operation duration in seconds",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"remote", "operation"},
	)

	remoteOperationsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "variantsync_remote_operations_total",
			Help: "Total remote lineup operations",
		},
		[]string{"remote", "operation", "status"},
	)

	feedConnectionsActive = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "variantsync_feed_connections_active",
			Help: "Number of connected change feed clients",
		},
	)
)

// Handler returns the Prometheus metrics HTTP handler.
func Handler() http.Handler {
	return promhttp.Handler()
}

// Recorder feeds the package collectors. It observes subscribers, the event
// bus and content caches.
type Recorder struct{}

var _ bus.Observer = Recorder{}

func NewRecorder() Recorder { return Recorder{} }

// Refreshed records the outcome of refreshing one resource.
func (Recorder) Refreshed(subscriber string, changed int, err error, elapsed time.Duration) {
	refreshesTotal.WithLabelValues(subscriber, outcome(err)).Inc()
	refreshDuration.WithLabelValues(subscriber).Observe(elapsed.Seconds())
	changedResourcesTotal.WithLabelValues(subscriber).Add(float64(changed))
}

func (Recorder) OnPublish(topic, eventType string, _ bus.Event) {
	eventsTotal.WithLabelValues(topic, eventType).Inc()
}

func (Recorder) OnDelivered(topic, eventType string, _ int, err error, elapsed time.Duration) {
	if err != nil {
		eventErrorsTotal.WithLabelValues(topic, eventType).Inc()
	}
	eventDeliveryDuration.WithLabelValues(topic).Observe(elapsed.Seconds())
}

func (Recorder) Hit(cache string)  { cacheRequestsTotal.WithLabelValues(cache, "hit").Inc() }
func (Recorder) Miss(cache string) { cacheRequestsTotal.WithLabelValues(cache, "miss").Inc() }

func (Recorder) Evicted(cache string, entries int) {
	cacheEvictionsTotal.WithLabelValues(cache).Add(float64(entries))
}

// RecordRemoteOperation records a call against a remote lineup.
func RecordRemoteOperation(remote, operation string, duration time.Duration, err error) {
	remoteOperationDuration.WithLabelValues(remote, operation).Observe(duration.Seconds())
	status := "success"
	if err != nil {
		status = "error"
	}
	remoteOperationsTotal.WithLabelValues(remote, operation, status).Inc()
}

// SetFeedConnections sets the number of connected feed clients.
func SetFeedConnections(n int) {
	feedConnectionsActive.Set(float64(n))
}

func outcome(err error) string {
	switch {
	case err == nil:
		return "success"
	case variants.IsCanceled(err):
		return "canceled"
	default:
		return "error"
	}
}
