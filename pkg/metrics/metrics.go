// Package metrics holds the prometheus collectors for the coordinator, the
// health probe and the inference client.
//
// A nil *Collector is valid and records nothing, so components can be
// built without metrics in tests.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
)

const metricsNamespace = "annosync"

// Collector is a prometheus.Collector for annosync.
type Collector struct {
	breakerState        prometheus.Gauge
	documentStoreWrites *prometheus.CounterVec
	sweeps              *prometheus.CounterVec
	sweepTasks          *prometheus.CounterVec
	inferenceCalls      *prometheus.CounterVec
	inferenceAttempts   *prometheus.HistogramVec
}

// NewCollector returns a new Collector.
func NewCollector() *Collector {
	return &Collector{
		breakerState: prometheus.NewGauge(
			prometheus.GaugeOpts{
				Namespace: metricsNamespace,
				Name:      "breaker_state",
				Help:      "Document store circuit breaker state (0 closed, 1 open, 2 half-open).",
			},
		),
		documentStoreWrites: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: metricsNamespace,
				Name:      "document_store_writes_total",
				Help:      "Document store writes attempted by the coordinator.",
			}, []string{"entity", "result"},
		),
		sweeps: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: metricsNamespace,
				Name:      "reconcile_sweeps_total",
				Help:      "Reconciliation sweeps, by outcome.",
			}, []string{"outcome"},
		),
		sweepTasks: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: metricsNamespace,
				Name:      "reconcile_tasks_total",
				Help:      "Sync tasks processed by sweeps, by result.",
			}, []string{"result"},
		),
		inferenceCalls: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: metricsNamespace,
				Name:      "inference_calls_total",
				Help:      "Inference operations, by operation and outcome.",
			}, []string{"operation", "outcome"},
		),
		inferenceAttempts: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: metricsNamespace,
				Name:      "inference_attempts",
				Help:      "Attempts used per inference operation.",
				Buckets:   []float64{1, 2, 3, 5, 8},
			}, []string{"operation"},
		),
	}
}

// Describe is part of the prometheus.Collector interface.
func (c *Collector) Describe(ch chan<- *prometheus.Desc) {
	c.breakerState.Describe(ch)
	c.documentStoreWrites.Describe(ch)
	c.sweeps.Describe(ch)
	c.sweepTasks.Describe(ch)
	c.inferenceCalls.Describe(ch)
	c.inferenceAttempts.Describe(ch)
}

// Collect is part of the prometheus.Collector interface.
func (c *Collector) Collect(ch chan<- prometheus.Metric) {
	c.breakerState.Collect(ch)
	c.documentStoreWrites.Collect(ch)
	c.sweeps.Collect(ch)
	c.sweepTasks.Collect(ch)
	c.inferenceCalls.Collect(ch)
	c.inferenceAttempts.Collect(ch)
}

func (c *Collector) SetBreakerState(state int) {
	if c == nil {
		return
	}
	c.breakerState.Set(float64(state))
}

func (c *Collector) DocumentStoreWrite(entity string, ok bool) {
	if c == nil {
		return
	}
	c.documentStoreWrites.WithLabelValues(entity, result(ok)).Inc()
}

func (c *Collector) Sweep(outcome string) {
	if c == nil {
		return
	}
	c.sweeps.WithLabelValues(outcome).Inc()
}

func (c *Collector) SweepTask(ok bool) {
	if c == nil {
		return
	}
	c.sweepTasks.WithLabelValues(result(ok)).Inc()
}

func (c *Collector) Inference(operation, outcome string, attempts int) {
	if c == nil {
		return
	}
	c.inferenceCalls.WithLabelValues(operation, outcome).Inc()
	c.inferenceAttempts.WithLabelValues(operation).Observe(float64(attempts))
}

func result(ok bool) string {
	if ok {
		return "ok"
	}
	return "error"
}
