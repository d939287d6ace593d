package observability

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/pixelmood/social-poller/internal/models"
)

// Metrics bundles Prometheus collectors for the poller process.
type Metrics struct {
	Registry                *prometheus.Registry
	RunsTotal               *prometheus.CounterVec
	RecordsProcessedTotal   prometheus.Counter
	APICallsTotal           prometheus.Counter
	ErrorsTotal             *prometheus.CounterVec
	BatchesTotal            *prometheus.CounterVec
	CheckpointUpdatesTotal  *prometheus.CounterVec
	RateLimitWaitsTotal     prometheus.Counter
	WaitSeconds             prometheus.Histogram
	RunDurationSeconds      prometheus.Histogram
}

// NewMetrics constructs and registers all metrics on a dedicated registry.
func NewMetrics() *Metrics {
	registry := prometheus.NewRegistry()

	runs := prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "poller_runs_total",
			Help: "Total poller runs by termination reason.",
		},
		[]string{"reason"},
	)
	records := prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "poller_records_processed_total",
			Help: "Total records dispatched downstream.",
		},
	)
	apiCalls := prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "poller_api_calls_total",
			Help: "Total search API requests issued.",
		},
	)
	errorsTotal := prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "poller_errors_total",
			Help: "Total errors by category.",
		},
		[]string{"category"},
	)
	batches := prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "poller_batches_total",
			Help: "Total batches by dispatch outcome.",
		},
		[]string{"outcome"},
	)
	checkpointUpdates := prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "poller_checkpoint_updates_total",
			Help: "Total checkpoint update attempts by result.",
		},
		[]string{"result"},
	)
	rateLimitWaits := prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "poller_rate_limit_waits_total",
			Help: "Total rate-limit pauses taken.",
		},
	)
	waitSeconds := prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "poller_wait_seconds",
			Help:    "Duration of rate-limit and backoff pauses.",
			Buckets: prometheus.ExponentialBuckets(0.5, 2, 10),
		},
	)
	runDuration := prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "poller_run_duration_seconds",
			Help:    "End-to-end run duration.",
			Buckets: prometheus.ExponentialBuckets(1, 2, 11),
		},
	)

	registry.MustRegister(runs, records, apiCalls, errorsTotal, batches,
		checkpointUpdates, rateLimitWaits, waitSeconds, runDuration)

	return &Metrics{
		Registry:               registry,
		RunsTotal:              runs,
		RecordsProcessedTotal:  records,
		APICallsTotal:          apiCalls,
		ErrorsTotal:            errorsTotal,
		BatchesTotal:           batches,
		CheckpointUpdatesTotal: checkpointUpdates,
		RateLimitWaitsTotal:    rateLimitWaits,
		WaitSeconds:            waitSeconds,
		RunDurationSeconds:     runDuration,
	}
}

// ObserveRun folds one finished run into the process-level collectors.
func (m *Metrics) ObserveRun(result models.RunResult) {
	if m == nil {
		return
	}
	m.RunsTotal.WithLabelValues(string(result.Reason)).Inc()
	m.RecordsProcessedTotal.Add(float64(result.Metrics.RecordsProcessed))
	m.APICallsTotal.Add(float64(result.Metrics.APICalls))
	m.BatchesTotal.WithLabelValues("accepted").Add(float64(result.Metrics.BatchesDispatched))
	m.BatchesTotal.WithLabelValues("failed").Add(float64(result.Metrics.BatchesFailed))
	m.CheckpointUpdatesTotal.WithLabelValues("written").Add(float64(result.Metrics.CheckpointUpdates))
	skipped := result.Metrics.CheckpointAttempts - result.Metrics.CheckpointUpdates
	if skipped > 0 {
		m.CheckpointUpdatesTotal.WithLabelValues("skipped").Add(float64(skipped))
	}
	m.RateLimitWaitsTotal.Add(float64(result.Metrics.RateLimitWaits))
	m.RunDurationSeconds.Observe(result.Metrics.Duration().Seconds())
}

// IncError counts one error by category.
func (m *Metrics) IncError(category string) {
	if m == nil {
		return
	}
	m.ErrorsTotal.WithLabelValues(category).Inc()
}

// ObserveWait records a pause duration.
func (m *Metrics) ObserveWait(d time.Duration) {
	if m == nil {
		return
	}
	m.WaitSeconds.Observe(d.Seconds())
}
