package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	tasksSubmitted = prometheus.NewCounter(
		prometheus.CounterOpts{
			Namespace: "parsemd",
			Name:      "tasks_submitted_total",
			Help:      "Total asynchronous parse tasks accepted",
		},
	)

	tasksFinished = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "parsemd",
			Name:      "tasks_finished_total",
			Help:      "Total tasks reaching a terminal state by status",
		},
		[]string{"status"},
	)

	taskDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: "parsemd",
			Name:      "task_duration_seconds",
			Help:      "Time from PROCESSING to a terminal state",
			Buckets:   []float64{0.1, 0.5, 1, 2.5, 5, 10, 30, 60, 120, 300, 600},
		},
		[]string{"status"},
	)

	tasksStored = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Namespace: "parsemd",
			Name:      "tasks_in_store",
			Help:      "Number of task records held in memory",
		},
	)

	tasksEvicted = prometheus.NewCounter(
		prometheus.CounterOpts{
			Namespace: "parsemd",
			Name:      "tasks_evicted_total",
			Help:      "Total terminal tasks removed by eviction",
		},
	)

	pipelineRuns = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "parsemd",
			Name:      "pipeline_runs_total",
			Help:      "Pipeline runs by resolved format, engine and result",
		},
		[]string{"format", "engine", "result"},
	)

	conversionLatency = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: "parsemd",
			Name:      "conversion_duration_seconds",
			Help:      "Duration of document to PDF conversions by source format",
			Buckets:   prometheus.DefBuckets,
		},
		[]string{"format", "result"},
	)

	backendLatency = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: "parsemd",
			Name:      "backend_request_duration_seconds",
			Help:      "Duration of layout engine calls by engine and result",
			Buckets:   []float64{0.1, 0.5, 1, 2.5, 5, 10, 30, 60, 120, 300},
		},
		[]string{"engine", "result"},
	)
)

// Init registers collectors.
func Init() {
	prometheus.MustRegister(tasksSubmitted, tasksFinished, taskDuration, tasksStored, tasksEvicted, pipelineRuns, conversionLatency, backendLatency)
}

// Handler returns the http.Handler for /metrics
func Handler() http.Handler { return promhttp.Handler() }

func IncSubmitted() { tasksSubmitted.Inc() }

func ObserveTask(status string, dur time.Duration) {
	tasksFinished.WithLabelValues(status).Inc()
	taskDuration.WithLabelValues(status).Observe(dur.Seconds())
}

func SetStored(n int)  { tasksStored.Set(float64(n)) }
func AddEvicted(n int) { tasksEvicted.Add(float64(n)) }

func ObservePipeline(format, engine string, err error) {
	pipelineRuns.WithLabelValues(format, engine, result(err)).Inc()
}

func ObserveConversion(format string, err error, dur time.Duration) {
	conversionLatency.WithLabelValues(format, result(err)).Observe(dur.Seconds())
}

func ObserveBackend(engine string, err error, dur time.Duration) {
	backendLatency.WithLabelValues(engine, result(err)).Observe(dur.Seconds())
}

func result(err error) string {
	if err != nil {
		return "error"
	}
	return "success"
}
