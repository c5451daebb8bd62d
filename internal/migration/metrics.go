package migration

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var JobsSubmitted = promauto.NewCounterVec(prometheus.CounterOpts{
	Namespace: "stratum",
	Subsystem: "migration",
	Name:      "jobs_submitted_total",
	Help:      "Migration submissions by result",
}, []string{"result"})

var JobsFinished = promauto.NewCounterVec(prometheus.CounterOpts{
	Namespace: "stratum",
	Subsystem: "migration",
	Name:      "jobs_finished_total",
	Help:      "Migration jobs that reached a terminal status",
}, []string{"status"})

var StepDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
	Namespace: "stratum",
	Subsystem: "migration",
	Name:      "step_duration_seconds",
	Help:      "Duration of pipeline steps",
	Buckets:   []float64{0.1, 0.5, 1, 5, 30, 60, 300, 1800, 7200},
}, []string{"step", "status"})

var RowsCopied = promauto.NewCounter(prometheus.CounterOpts{
	Namespace: "stratum",
	Subsystem: "migration",
	Name:      "rows_copied_total",
	Help:      "Rows read from source tables during backfill",
})

var StepRetries = promauto.NewCounterVec(prometheus.CounterOpts{
	Namespace: "stratum",
	Subsystem: "migration",
	Name:      "step_retries_total",
	Help:      "Transient step failures that were retried",
}, []string{"step"})
