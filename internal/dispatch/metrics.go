package dispatch

import (
	"github.com/prometheus/client_golang/prometheus"

	"github.com/seantiz/taskworker/internal/model"
)

// Exec and wait outcome label values.
const (
	execOK           = "ok"
	execFailure      = "failure"
	execInvalidClass = "invalid_class"
	execNoMainFn     = "no_main_fn"

	waitCompleted = "completed"
	waitTimedOut  = "timed_out"
	waitUnknown   = "unknown"
)

var (
	execTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "taskworker_exec_total",
			Help: "Total number of Exec requests by outcome.",
		},
		[]string{"result"},
	)

	resolutionsTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "taskworker_entry_resolutions_total",
			Help: "Total number of entry point resolutions that missed the cache.",
		},
	)

	tasksRunning = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "taskworker_tasks_running",
			Help: "Number of tasks currently running.",
		},
	)

	tasksFinished = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "taskworker_tasks_finished_total",
			Help: "Total number of tasks that finished, by status.",
		},
		[]string{"status"},
	)

	taskDuration = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "taskworker_task_duration_seconds",
			Help:    "Task run time from start to completion, in seconds.",
			Buckets: prometheus.DefBuckets,
		},
	)

	waitsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "taskworker_waits_total",
			Help: "Total number of resolved waits by outcome.",
		},
		[]string{"outcome"},
	)
)

func init() {
	prometheus.MustRegister(execTotal)
	prometheus.MustRegister(resolutionsTotal)
	prometheus.MustRegister(tasksRunning)
	prometheus.MustRegister(tasksFinished)
	prometheus.MustRegister(taskDuration)
	prometheus.MustRegister(waitsTotal)

	// Pre-initialize counter label combinations so they appear in /metrics
	// even before the first event.
	for _, r := range []string{execOK, execFailure, execInvalidClass, execNoMainFn} {
		execTotal.WithLabelValues(r)
	}
	for _, s := range []string{model.StatusCompleted, model.StatusFailed} {
		tasksFinished.WithLabelValues(s)
	}
	for _, o := range []string{waitCompleted, waitTimedOut, waitUnknown} {
		waitsTotal.WithLabelValues(o)
	}
}
