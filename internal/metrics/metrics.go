// Package metrics registers the service's Prometheus collectors.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics holds the service collectors. Pass prometheus.DefaultRegisterer in
// production and a fresh registry in tests.
type Metrics struct {
	JobsProcessed *prometheus.CounterVec
	JobDuration   prometheus.Histogram
	RowsEmitted   prometheus.Counter
	QueueRetries  prometheus.Counter
	ActiveJobs    prometheus.Gauge
}

// New registers all collectors on the given registerer.
func New(reg prometheus.Registerer) *Metrics {
	factory := promauto.With(reg)
	return &Metrics{
		JobsProcessed: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "report_jobs_processed_total",
			Help: "Report jobs finished, labeled by terminal status.",
		}, []string{"status"}),
		JobDuration: factory.NewHistogram(prometheus.HistogramOpts{
			Name:    "report_job_duration_seconds",
			Help:    "Wall-clock duration of report job processing.",
			Buckets: prometheus.ExponentialBuckets(0.1, 2, 12),
		}),
		RowsEmitted: factory.NewCounter(prometheus.CounterOpts{
			Name: "report_rows_emitted_total",
			Help: "Rows written into report artifacts.",
		}),
		QueueRetries: factory.NewCounter(prometheus.CounterOpts{
			Name: "report_queue_retries_total",
			Help: "Queue deliveries that failed and were rescheduled.",
		}),
		ActiveJobs: factory.NewGauge(prometheus.GaugeOpts{
			Name: "report_jobs_active",
			Help: "Report jobs currently being processed.",
		}),
	}
}
