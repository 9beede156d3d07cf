package telemetry

import (
	"net/http"
	"sync"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	once sync.Once

	RecordsProcessed = prometheus.NewCounterVec(prometheus.CounterOpts{Name: "ingest_records_total", Help: "Records processed by outcome"}, []string{"source", "outcome"})
	BatchesProcessed = prometheus.NewCounterVec(prometheus.CounterOpts{Name: "ingest_batches_total", Help: "Batches processed"}, []string{"source", "result"})
	FetchAttempts    = prometheus.NewCounterVec(prometheus.CounterOpts{Name: "ingest_fetch_attempts_total", Help: "Upstream requests by status class"}, []string{"source", "status"})
	RecoveryAttempts = prometheus.NewCounterVec(prometheus.CounterOpts{Name: "ingest_recovery_attempts_total", Help: "Recovery tactics attempted"}, []string{"class", "tactic", "result"})
	GeoResolutions   = prometheus.NewCounterVec(prometheus.CounterOpts{Name: "ingest_geo_resolutions_total", Help: "Geographic resolution outcomes"}, []string{"outcome"})
	JobTransitions   = prometheus.NewCounterVec(prometheus.CounterOpts{Name: "ingest_job_transitions_total", Help: "Job status transitions"}, []string{"status"})
	BatchDuration    = prometheus.NewHistogramVec(prometheus.HistogramOpts{Name: "ingest_batch_duration_seconds", Help: "Wall time per batch", Buckets: prometheus.ExponentialBuckets(0.05, 2, 12)}, []string{"source"})
	ActiveJobs       = prometheus.NewGauge(prometheus.GaugeOpts{Name: "ingest_active_jobs", Help: "Jobs currently running in this process"})
)

// Register adds the collectors to the default registry once
func Register() {
	once.Do(func() {
		prometheus.MustRegister(
			RecordsProcessed,
			BatchesProcessed,
			FetchAttempts,
			RecoveryAttempts,
			GeoResolutions,
			JobTransitions,
			BatchDuration,
			ActiveJobs,
		)
	})
}

// Handler exposes /metrics HTTP handler with a singleton registry.
func Handler() http.Handler {
	Register()
	return promhttp.Handler()
}

// ObserveFetch counts one upstream request attempt
func ObserveFetch(source, status string) {
	FetchAttempts.WithLabelValues(source, status).Inc()
}
