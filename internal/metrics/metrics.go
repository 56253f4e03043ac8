// Package metrics holds the Prometheus registry for the reel pipeline.
package metrics

import (
	"sync"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics holds all Prometheus metrics for the application
type Metrics struct {
	// HTTP metrics
	HTTPRequestsTotal   prometheus.CounterVec
	HTTPRequestDuration prometheus.HistogramVec

	// Job lifecycle metrics
	JobsCreatedTotal  prometheus.Counter
	JobsTerminalTotal prometheus.CounterVec
	JobAttemptsTotal  prometheus.CounterVec
	JobDuration       prometheus.HistogramVec

	// Stage metrics
	StageRunsTotal prometheus.CounterVec
	StageDuration  prometheus.HistogramVec

	// Tool invocation metrics
	ToolRunsTotal prometheus.CounterVec

	// Queue metrics
	QueueDepth prometheus.Gauge

	// Reaper metrics
	ReaperDeletedTotal prometheus.CounterVec
}

var (
	instance *Metrics
	once     sync.Once
)

// Initialize creates and registers all Prometheus metrics
func Initialize() *Metrics {
	once.Do(func() {
		instance = &Metrics{
			HTTPRequestsTotal: *promauto.NewCounterVec(
				prometheus.CounterOpts{
					Name: "http_requests_total",
					Help: "Total number of HTTP requests",
				},
				[]string{"method", "path", "status"},
			),
			HTTPRequestDuration: *promauto.NewHistogramVec(
				prometheus.HistogramOpts{
					Name:    "http_request_duration_seconds",
					Help:    "HTTP request latency in seconds",
					Buckets: []float64{.001, .005, .01, .025, .05, .1, .25, .5, 1, 2.5, 5},
				},
				[]string{"method", "path", "status"},
			),

			JobsCreatedTotal: promauto.NewCounter(
				prometheus.CounterOpts{
					Name: "reel_jobs_created_total",
					Help: "Total number of reel jobs created",
				},
			),
			JobsTerminalTotal: *promauto.NewCounterVec(
				prometheus.CounterOpts{
					Name: "reel_jobs_terminal_total",
					Help: "Jobs reaching a terminal status",
				},
				[]string{"status"},
			),
			JobAttemptsTotal: *promauto.NewCounterVec(
				prometheus.CounterOpts{
					Name: "reel_job_attempts_total",
					Help: "Worker pickups by outcome",
				},
				[]string{"outcome"},
			),
			JobDuration: *promauto.NewHistogramVec(
				prometheus.HistogramOpts{
					Name:    "reel_job_duration_seconds",
					Help:    "Wall time from pickup to terminal status",
					Buckets: []float64{5, 15, 30, 60, 120, 300, 600, 1200},
				},
				[]string{"status"},
			),

			StageRunsTotal: *promauto.NewCounterVec(
				prometheus.CounterOpts{
					Name: "reel_stage_runs_total",
					Help: "Stage executions by outcome",
				},
				[]string{"stage", "outcome"},
			),
			StageDuration: *promauto.NewHistogramVec(
				prometheus.HistogramOpts{
					Name:    "reel_stage_duration_seconds",
					Help:    "Stage body wall time in seconds",
					Buckets: []float64{.5, 1, 2.5, 5, 10, 30, 60, 120, 240},
				},
				[]string{"stage"},
			),

			ToolRunsTotal: *promauto.NewCounterVec(
				prometheus.CounterOpts{
					Name: "reel_tool_runs_total",
					Help: "External tool invocations by outcome",
				},
				[]string{"tool", "outcome"},
			),

			QueueDepth: promauto.NewGauge(
				prometheus.GaugeOpts{
					Name: "reel_queue_depth",
					Help: "Messages ready for delivery on the job queue",
				},
			),

			ReaperDeletedTotal: *promauto.NewCounterVec(
				prometheus.CounterOpts{
					Name: "reel_reaper_deleted_total",
					Help: "Rows and blobs removed by the retention reaper",
				},
				[]string{"kind"},
			),
		}
	})
	return instance
}

// Get returns the metrics instance, initializing on first use
func Get() *Metrics {
	return Initialize()
}
