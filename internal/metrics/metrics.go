package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	// Fetch metrics
	FetchAttempts = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "tradecollector_fetch_attempts_total",
			Help: "Outbound HTTP attempts by client and outcome",
		},
		[]string{"client", "outcome"},
	)

	FetchRetries = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "tradecollector_fetch_retries_total",
			Help: "Retries scheduled by client and reason",
		},
		[]string{"client", "reason"},
	)

	// Agent metrics
	AgentRuns = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "tradecollector_agent_runs_total",
			Help: "Agent runs by source and resulting status",
		},
		[]string{"source", "status"},
	)

	AgentRecords = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "tradecollector_agent_records_total",
			Help: "Records persisted by source",
		},
		[]string{"source"},
	)

	// Pipeline metrics
	PipelineRuns = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "tradecollector_pipeline_runs_total",
			Help: "Finished pipeline runs by status",
		},
		[]string{"status"},
	)

	PipelineRunning = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "tradecollector_pipeline_running",
			Help: "Whether a pipeline run is in progress (1 = running)",
		},
	)

	JobOutcomes = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "tradecollector_job_outcomes_total",
			Help: "Job outcomes by phase and result",
		},
		[]string{"phase", "result"},
	)

	PhaseDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "tradecollector_phase_duration_seconds",
			Help:    "Phase wall-clock duration",
			Buckets: []float64{1, 5, 15, 30, 60, 120, 300, 600, 1800},
		},
		[]string{"phase"},
	)

	// API metrics
	APIRequests = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "tradecollector_api_requests_total",
			Help: "HTTP API requests by route and status code",
		},
		[]string{"route", "code"},
	)
)

func init() {
	prometheus.MustRegister(
		FetchAttempts,
		FetchRetries,
		AgentRuns,
		AgentRecords,
		PipelineRuns,
		PipelineRunning,
		JobOutcomes,
		PhaseDuration,
		APIRequests,
	)
}

// Handler returns the Prometheus exposition handler.
func Handler() http.Handler {
	return promhttp.Handler()
}

// Timer measures elapsed time for histogram observations.
type Timer struct {
	start time.Time
}

// NewTimer starts a timer.
func NewTimer() *Timer {
	return &Timer{start: time.Now()}
}

// Duration returns the time elapsed since the timer started.
func (t *Timer) Duration() time.Duration {
	return time.Since(t.start)
}

// ObserveDuration records the elapsed seconds into h.
func (t *Timer) ObserveDuration(h prometheus.Observer) {
	h.Observe(t.Duration().Seconds())
}
