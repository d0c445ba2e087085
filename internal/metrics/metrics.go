// Package metrics provides Prometheus metrics for monitoring pipeline runs.
package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	RunsStarted = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "etl_runs_started_total",
			Help: "Total number of pipeline runs started",
		},
		[]string{"sink"},
	)
	RunsFinished = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "etl_runs_finished_total",
			Help: "Total number of pipeline runs by terminal status",
		},
		[]string{"sink", "status"},
	)
	RunsRejected = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "etl_runs_rejected_total",
			Help: "Total number of triggers rejected because a run for the date was in progress",
		},
	)
	RunDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "etl_run_duration_seconds",
			Help:    "Pipeline run duration in seconds",
			Buckets: []float64{1, 5, 15, 30, 60, 120, 300, 600, 1200, 1800, 3600},
		},
		[]string{"sink", "status"},
	)
	RunsActive = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "etl_runs_active",
			Help: "Number of pipeline runs currently executing",
		},
	)
	TaskDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "etl_task_duration_seconds",
			Help:    "Task attempt duration in seconds",
			Buckets: []float64{.005, .01, .025, .05, .1, .25, .5, 1, 2.5, 5, 10, 30, 60, 120, 300},
		},
		[]string{"task", "status"},
	)
	TasksRetried = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "etl_task_retries_total",
			Help: "Total number of task retries",
		},
		[]string{"task"},
	)
	RowsExtracted = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "etl_rows_extracted_total",
			Help: "Total number of raw activity events extracted",
		},
	)
	RowsLoaded = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "etl_rows_loaded_total",
			Help: "Total number of rows loaded into the sink",
		},
		[]string{"sink", "table"},
	)
	RowsMerged = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "etl_rows_merged_total",
			Help: "Total number of rows merged into the production table",
		},
	)
	RowsPruned = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "etl_rows_pruned_total",
			Help: "Total number of rows removed by retention cleanup",
		},
		[]string{"sink", "table"},
	)
	QualityWarnings = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "etl_quality_warnings_total",
			Help: "Total number of non-fatal quality warnings",
		},
		[]string{"sink"},
	)
	QualityViolations = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "etl_quality_violations_total",
			Help: "Total number of fatal quality violations by check",
		},
		[]string{"sink", "check"},
	)
	HTTPRequestsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "etl_http_requests_total",
			Help: "Total number of HTTP requests",
		},
		[]string{"method", "endpoint", "status"},
	)
	HTTPRequestDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "etl_http_request_duration_seconds",
			Help:    "HTTP request duration in seconds",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"method", "endpoint"},
	)
)

func RecordRunStarted(sink string) {
	RunsStarted.WithLabelValues(sink).Inc()
	RunsActive.Inc()
}

func RecordRunFinished(sink, status string, duration time.Duration) {
	RunsFinished.WithLabelValues(sink, status).Inc()
	RunDuration.WithLabelValues(sink, status).Observe(duration.Seconds())
	RunsActive.Dec()
}

func RecordRunRejected() {
	RunsRejected.Inc()
}

func RecordTaskAttempt(task, status string, duration time.Duration) {
	TaskDuration.WithLabelValues(task, status).Observe(duration.Seconds())
}

func RecordTaskRetried(task string) {
	TasksRetried.WithLabelValues(task).Inc()
}

func RecordRowsExtracted(n int) {
	RowsExtracted.Add(float64(n))
}

func RecordRowsLoaded(sink, table string, n int) {
	RowsLoaded.WithLabelValues(sink, table).Add(float64(n))
}

func RecordRowsMerged(n int64) {
	RowsMerged.Add(float64(n))
}

func RecordRowsPruned(sink, table string, n int64) {
	RowsPruned.WithLabelValues(sink, table).Add(float64(n))
}

func RecordQualityWarnings(sink string, n int) {
	QualityWarnings.WithLabelValues(sink).Add(float64(n))
}

func RecordQualityViolation(sink, check string) {
	QualityViolations.WithLabelValues(sink, check).Inc()
}

func RecordHTTPRequest(method, endpoint, status string, duration time.Duration) {
	HTTPRequestsTotal.WithLabelValues(method, endpoint, status).Inc()
	HTTPRequestDuration.WithLabelValues(method, endpoint).Observe(duration.Seconds())
}
