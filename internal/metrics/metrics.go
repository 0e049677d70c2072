package metrics

import (
	"sync/atomic"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	SiteRequests = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "gigradar_site_requests_total",
			Help: "Requests made to the job site by kind and result",
		},
		[]string{"kind", "result"},
	)

	Scrapes = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "gigradar_scrapes_total",
			Help: "Full category scrapes by outcome",
		},
		[]string{"category", "status"},
	)

	ScrapeDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "gigradar_scrape_duration_seconds",
			Help:    "Duration of a full category scrape in seconds",
			Buckets: prometheus.ExponentialBuckets(0.5, 2, 10),
		},
		[]string{"category"},
	)

	JobsDiscovered = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "gigradar_jobs_discovered_total",
			Help: "Jobs newly committed to the store",
		},
		[]string{"category"},
	)

	Enrichments = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "gigradar_enrichments_total",
			Help: "Hiring-rate lookups by result (rated, unrated, failed)",
		},
		[]string{"result"},
	)

	TasksEnqueued = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "gigradar_tasks_enqueued_total",
			Help: "Notification tasks produced by the matching engine",
		},
		[]string{"channel"},
	)

	Deliveries = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "gigradar_deliveries_total",
			Help: "Dispatch attempts by channel and outcome",
		},
		[]string{"channel", "outcome"},
	)

	QueueDepth = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "gigradar_queue_depth",
			Help: "Notification tasks waiting in the queue, including delayed retries",
		},
	)
)

var readiness atomic.Pointer[func() bool]

var _ = promauto.NewGaugeFunc(
	prometheus.GaugeOpts{
		Name: "gigradar_ready",
		Help: "1 when the poller and worker loops are alive and the store is reachable",
	},
	func() float64 {
		fn := readiness.Load()
		if fn == nil || !(*fn)() {
			return 0
		}
		return 1
	},
)

// SetReadiness installs the probe behind the gigradar_ready gauge.
func SetReadiness(fn func() bool) {
	readiness.Store(&fn)
}
