package pool

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/zakupai/etl/internal/faults"
)

// Metrics counts terminal job outcomes and observes job durations.
type Metrics struct {
	jobsTotal *prometheus.CounterVec
	duration  prometheus.Histogram
}

// NewMetrics registers the pool metrics on reg.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		jobsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "etl",
			Subsystem: "pool",
			Name:      "jobs_total",
			Help:      "Terminal ingest job outcomes by status and error kind.",
		}, []string{"status", "error_kind"}),
		duration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: "etl",
			Subsystem: "pool",
			Name:      "job_duration_seconds",
			Help:      "End-to-end ingest job duration.",
			Buckets:   prometheus.ExponentialBuckets(0.1, 2, 12),
		}),
	}
	reg.MustRegister(m.jobsTotal, m.duration)
	return m
}

func (m *Metrics) observe(status Status, kind faults.Kind, d time.Duration) {
	m.jobsTotal.WithLabelValues(string(status), string(kind)).Inc()
	m.duration.Observe(d.Seconds())
}
