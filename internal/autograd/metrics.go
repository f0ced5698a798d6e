package autograd

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	backwardPassesTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "autograd_backward_passes_total",
		Help: "Total number of backward passes started",
	}, []string{"mode"})

	backwardFailuresTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "autograd_backward_failures_total",
		Help: "Total number of backward passes that returned an error",
	}, []string{"mode"})

	nodesExecutedTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "autograd_nodes_executed_total",
		Help: "Total number of graph nodes applied by the engine",
	})

	backwardPassDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "autograd_backward_pass_duration_seconds",
		Help:    "Duration of backward passes",
		Buckets: []float64{0.0001, 0.0005, 0.001, 0.005, 0.01, 0.05, 0.1, 0.5, 1},
	}, []string{"mode"})
)
