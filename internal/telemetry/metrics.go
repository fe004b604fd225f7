package telemetry

import (
	"net/http"
	"sync"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	once sync.Once

	EnqueueCounter     = prometheus.NewCounterVec(prometheus.CounterOpts{Name: "fila_jobs_enqueued_total", Help: "Jobs enqueued, by origin (api or schedule)"}, []string{"origin"})
	DuplicateSkips     = prometheus.NewCounter(prometheus.CounterOpts{Name: "fila_jobs_duplicate_skips_total", Help: "Enqueue requests skipped because the company already had a live job"})
	RateLimitRejects   = prometheus.NewCounter(prometheus.CounterOpts{Name: "fila_rate_limit_rejects_total", Help: "Requests rejected by rate limiter"})
	JobOutcomes        = prometheus.NewCounterVec(prometheus.CounterOpts{Name: "fila_jobs_finished_total", Help: "Jobs that reached a terminal status"}, []string{"status"})
	ExecutorTimeouts   = prometheus.NewCounter(prometheus.CounterOpts{Name: "fila_executor_timeouts_total", Help: "Executor calls that exceeded the job timeout"})
	ExecutorDuration   = prometheus.NewHistogramVec(prometheus.HistogramOpts{Name: "fila_executor_duration_seconds", Help: "Executor call latency", Buckets: []float64{1, 5, 15, 30, 60, 120, 300, 600}}, []string{"kind"})
	SessionBusy        = prometheus.NewGauge(prometheus.GaugeOpts{Name: "fila_session_busy", Help: "1 while this process holds the automation session"})
	SchedulerRunning   = prometheus.NewGauge(prometheus.GaugeOpts{Name: "fila_scheduler_started", Help: "1 while the scheduler loop is started"})
	QueueDepthGauge    = prometheus.NewGauge(prometheus.GaugeOpts{Name: "fila_pending_jobs", Help: "Pending jobs in the store"})
	ScheduleExpansions = prometheus.NewCounterVec(prometheus.CounterOpts{Name: "fila_schedule_expansions_total", Help: "Schedule ticks by result"}, []string{"result"})
)

// Handler exposes /metrics HTTP handler with a singleton registry.
func Handler() http.Handler {
	once.Do(func() {
		prometheus.MustRegister(
			EnqueueCounter,
			DuplicateSkips,
			RateLimitRejects,
			JobOutcomes,
			ExecutorTimeouts,
			ExecutorDuration,
			SessionBusy,
			SchedulerRunning,
			QueueDepthGauge,
			ScheduleExpansions,
		)
	})
	return promhttp.Handler()
}
