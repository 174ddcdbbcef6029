package telemetry

import (
	"net/http"
	"sync"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	once sync.Once

	JobsSubmitted    = prometheus.NewCounter(prometheus.CounterOpts{Name: "posters_jobs_submitted_total", Help: "Jobs accepted by the ingress API"})
	JobsCompleted    = prometheus.NewCounter(prometheus.CounterOpts{Name: "posters_jobs_completed_total", Help: "Jobs that reached completed"})
	JobsFailed       = prometheus.NewCounter(prometheus.CounterOpts{Name: "posters_jobs_failed_total", Help: "Jobs that reached failed"})
	ItemsCompleted   = prometheus.NewCounter(prometheus.CounterOpts{Name: "posters_items_completed_total", Help: "Work items that completed"})
	ItemsFailed      = prometheus.NewCounter(prometheus.CounterOpts{Name: "posters_items_failed_total", Help: "Work items that failed"})
	ItemRetries      = prometheus.NewCounter(prometheus.CounterOpts{Name: "posters_item_retries_total", Help: "In-worker retries of transient collaborator failures"})
	DuplicateResults = prometheus.NewCounter(prometheus.CounterOpts{Name: "posters_duplicate_results_total", Help: "Result messages discarded by the idempotency barrier"})
	ThrottleRejects  = prometheus.NewCounter(prometheus.CounterOpts{Name: "posters_render_throttle_rejects_total", Help: "Render calls deferred by the shared token bucket"})

	ItemsInFlight  = prometheus.NewGauge(prometheus.GaugeOpts{Name: "posters_items_inflight", Help: "Work items currently being processed"})
	SSESubscribers = prometheus.NewGauge(prometheus.GaugeOpts{Name: "posters_sse_subscribers", Help: "Open progress subscriptions"})
	StreamLag      = prometheus.NewGauge(prometheus.GaugeOpts{Name: "posters_stream_pending", Help: "Pending entries across work item partitions"})

	RenderDuration = prometheus.NewHistogram(prometheus.HistogramOpts{
		Name:    "posters_render_duration_seconds",
		Help:    "Render collaborator latency",
		Buckets: prometheus.DefBuckets,
	})
	StorageDuration = prometheus.NewHistogram(prometheus.HistogramOpts{
		Name:    "posters_storage_duration_seconds",
		Help:    "Object storage upload latency",
		Buckets: prometheus.DefBuckets,
	})
)

// Handler exposes the /metrics HTTP handler with a singleton registry.
func Handler() http.Handler {
	once.Do(func() {
		prometheus.MustRegister(
			JobsSubmitted,
			JobsCompleted,
			JobsFailed,
			ItemsCompleted,
			ItemsFailed,
			ItemRetries,
			DuplicateResults,
			ThrottleRejects,
			ItemsInFlight,
			SSESubscribers,
			StreamLag,
			RenderDuration,
			StorageDuration,
		)
	})
	return promhttp.Handler()
}
