// Package metrics provides internal metrics collection.
// This package is internal and should not be imported by external projects.
package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Collector registers and updates the engine's Prometheus metrics. All
// methods are safe on a nil receiver, so components can treat metrics as
// optional.
type Collector struct {
	workflowsDispatched prometheus.Counter
	workflowsFinished   *prometheus.CounterVec
	stepsTotal          *prometheus.CounterVec
	stepDuration        *prometheus.HistogramVec
	retriesTotal        *prometheus.CounterVec
	insertionsTotal     prometheus.Counter
}

// NewCollector creates a collector registered with reg; a nil reg uses the
// default registerer.
func NewCollector(namespace string, reg prometheus.Registerer) *Collector {
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}
	factory := promauto.With(reg)
	return &Collector{
		workflowsDispatched: factory.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "workflows_dispatched_total",
			Help:      "Total number of workflows dispatched",
		}),
		workflowsFinished: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "workflows_finished_total",
			Help:      "Total number of workflows reaching a terminal status",
		}, []string{"status"}),
		stepsTotal: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "steps_total",
			Help:      "Total number of step executions",
		}, []string{"agent_name", "status"}),
		stepDuration: factory.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "step_duration_seconds",
			Help:      "Step execution duration in seconds",
			Buckets:   []float64{0.1, 0.5, 1, 2, 5, 10, 30, 60, 300},
		}, []string{"agent_name"}),
		retriesTotal: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "step_retries_total",
			Help:      "Total number of step retry publications",
		}, []string{"agent_name"}),
		insertionsTotal: factory.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "itinerary_insertions_total",
			Help:      "Total number of dynamically inserted steps",
		}),
	}
}

// WorkflowDispatched counts one dispatched workflow.
func (c *Collector) WorkflowDispatched() {
	if c == nil {
		return
	}
	c.workflowsDispatched.Inc()
}

// WorkflowFinished counts one workflow reaching a terminal status.
func (c *Collector) WorkflowFinished(status string) {
	if c == nil {
		return
	}
	c.workflowsFinished.WithLabelValues(status).Inc()
}

// StepObserved counts one step execution with its duration.
func (c *Collector) StepObserved(agentName, status string, elapsed time.Duration) {
	if c == nil {
		return
	}
	c.stepsTotal.WithLabelValues(agentName, status).Inc()
	c.stepDuration.WithLabelValues(agentName).Observe(elapsed.Seconds())
}

// RetryPublished counts one retry publication.
func (c *Collector) RetryPublished(agentName string) {
	if c == nil {
		return
	}
	c.retriesTotal.WithLabelValues(agentName).Inc()
}

// StepsInserted counts dynamically inserted steps.
func (c *Collector) StepsInserted(n int) {
	if c == nil {
		return
	}
	c.insertionsTotal.Add(float64(n))
}
