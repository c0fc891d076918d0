package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	ExecutionsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "haskbot_executions_total",
			Help: "Total number of code executions by outcome",
		},
		[]string{"language", "outcome", "status"},
	)

	ExecutionDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "haskbot_execution_duration_ms",
			Help:    "Execution duration in milliseconds",
			Buckets: []float64{50, 100, 250, 500, 1000, 2500, 5000, 10000, 30000},
		},
		[]string{"language", "phase"}, // phase: "compile", "run", "total"
	)

	QueueWaiting = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "haskbot_queue_waiting",
			Help: "Number of requests waiting for an execution slot",
		},
	)

	QueueInFlight = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "haskbot_queue_in_flight",
			Help: "Number of requests holding an execution slot",
		},
	)

	QueueWait = promauto.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "haskbot_queue_wait_ms",
			Help:    "Time spent waiting for admission",
			Buckets: []float64{1, 10, 100, 500, 1000, 5000, 15000, 30000},
		},
	)

	QueueTimeouts = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "haskbot_queue_timeouts_total",
			Help: "Requests rejected because no slot freed up in time",
		},
	)

	MemoryUsage = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "haskbot_memory_usage_kb",
			Help:    "Peak memory usage per run in KB",
			Buckets: []float64{1024, 4096, 16384, 65536, 131072, 262144, 1048576},
		},
		[]string{"language"},
	)

	RateLimitHits = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "haskbot_rate_limit_hits_total",
			Help: "Total number of requests rejected by rate limiter",
		},
	)

	ReportFailures = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "haskbot_report_failures_total",
			Help: "Execution reports that could not be published",
		},
		[]string{"sink"},
	)

	MessagesTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "haskbot_messages_total",
			Help: "Inbound chat messages by trigger",
		},
		[]string{"trigger"},
	)
)
