package telemetry

import (
	"net/http"
	"sync"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	once sync.Once

	JobsAcquired     = prometheus.NewCounter(prometheus.CounterOpts{Name: "engine_jobs_acquired_total", Help: "Jobs locked by the acquisition cycle"})
	JobsExecuted     = prometheus.NewCounter(prometheus.CounterOpts{Name: "engine_jobs_executed_total", Help: "Jobs executed successfully"})
	JobsFailed       = prometheus.NewCounter(prometheus.CounterOpts{Name: "engine_jobs_failed_total", Help: "Job executions that failed and will retry"})
	IncidentsCreated = prometheus.NewCounter(prometheus.CounterOpts{Name: "engine_incidents_total", Help: "Incidents created"})
	BatchesCompleted = prometheus.NewCounter(prometheus.CounterOpts{Name: "engine_batches_completed_total", Help: "Batches finalized by the monitor job"})
	RateLimitRejects = prometheus.NewCounter(prometheus.CounterOpts{Name: "engine_rate_limit_rejects_total", Help: "API requests rejected by the rate limiter"})
	InFlightGauge    = prometheus.NewGauge(prometheus.GaugeOpts{Name: "engine_jobs_inflight", Help: "Jobs currently executing"})
	DueJobsGauge     = prometheus.NewGauge(prometheus.GaugeOpts{Name: "engine_jobs_due", Help: "Due jobs seen by the last acquisition cycle"})
)

// Handler exposes /metrics HTTP handler with a singleton registry.
func Handler() http.Handler {
	once.Do(func() {
		prometheus.MustRegister(
			JobsAcquired,
			JobsExecuted,
			JobsFailed,
			IncidentsCreated,
			BatchesCompleted,
			RateLimitRejects,
			InFlightGauge,
			DueJobsGauge,
		)
	})
	return promhttp.Handler()
}
