package dispatch

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	submittedTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "dispatch_tasks_submitted_total",
		Help: "Tasks accepted by the dispatcher.",
	}, []string{"lane", "kind"})
	executedTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "dispatch_tasks_executed_total",
		Help: "Tasks completed successfully.",
	}, []string{"lane", "kind"})
	retriedTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "dispatch_tasks_retried_total",
		Help: "Transient failures requeued with backoff.",
	}, []string{"lane", "kind"})
	failedTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "dispatch_tasks_failed_total",
		Help: "Tasks failed permanently after exhausting retries.",
	}, []string{"lane", "kind"})
)
