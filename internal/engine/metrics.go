package engine

import (
	"github.com/prometheus/client_golang/prometheus"

	"github.com/seantiz/kiln/internal/model"
)

var (
	jobsStarted = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "kiln_jobs_started_total",
		Help: "Total number of jobs accepted and started.",
	})

	jobsFinished = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "kiln_jobs_finished_total",
		Help: "Total number of jobs that reached a terminal state.",
	}, []string{"status"})

	jobsRejected = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "kiln_jobs_rejected_total",
		Help: "Total number of job submissions rejected, by error code.",
	}, []string{"code"})

	jobsEvicted = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "kiln_jobs_evicted_total",
		Help: "Total number of jobs evicted by the janitor.",
	})

	artifactSignals = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "kiln_artifact_signals_total",
		Help: "Total number of artifact signals received.",
	}, []string{"result"})

	sequenceRuns = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "kiln_sequence_runs_total",
		Help: "Total number of sequence runs by final status.",
	}, []string{"status"})

	sequenceItems = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "kiln_sequence_items_total",
		Help: "Total number of sequence items by outcome.",
	}, []string{"outcome"})

	stepDuration = prometheus.NewHistogram(prometheus.HistogramOpts{
		Name:    "kiln_sequence_step_duration_seconds",
		Help:    "Duration of one sequence item from apply to outcome.",
		Buckets: []float64{0.1, 0.5, 1, 5, 10, 30, 60, 120},
	})
)

func init() {
	prometheus.MustRegister(jobsStarted, jobsFinished, jobsRejected, jobsEvicted,
		artifactSignals, sequenceRuns, sequenceItems, stepDuration)

	for _, s := range []string{model.StatusCompleted, model.StatusCancelled, model.StatusError} {
		jobsFinished.WithLabelValues(s)
		sequenceRuns.WithLabelValues(s)
	}
	sequenceRuns.WithLabelValues("rejected")
	for _, r := range []string{"accepted", "ignored"} {
		artifactSignals.WithLabelValues(r)
	}
	for _, o := range []string{model.OutcomeSuccess, model.OutcomeFailure, model.OutcomeTimeout} {
		sequenceItems.WithLabelValues(o)
	}
}
