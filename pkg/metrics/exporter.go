package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Exporter exposes controller metrics to Prometheus
type Exporter struct {
	// Cycle metrics
	CyclesTotal   *prometheus.CounterVec
	CycleDuration prometheus.Histogram

	// Transition metrics
	TransitionsTotal   *prometheus.CounterVec
	DeregisterFailures *prometheus.CounterVec

	// Observed utilization
	NodeUtilization      *prometheus.GaugeVec
	JobMemoryUtilization *prometheus.GaugeVec
	EligibleNodes        prometheus.Gauge

	// CircuitOpen is 1 while cycles are paused after repeated failures
	CircuitOpen prometheus.Gauge
}

// NewExporter creates the controller metrics and registers them with reg.
// A nil reg registers with the default registry.
func NewExporter(namespace string, reg prometheus.Registerer) *Exporter {
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}
	factory := promauto.With(reg)

	return &Exporter{
		CyclesTotal: factory.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "cycles_total",
				Help:      "Total number of transition cycles by result (success/failure)",
			},
			[]string{"result"},
		),
		CycleDuration: factory.NewHistogram(
			prometheus.HistogramOpts{
				Namespace: namespace,
				Name:      "cycle_duration_seconds",
				Help:      "Duration of a transition cycle in seconds",
				Buckets:   []float64{0.5, 1, 2, 5, 10, 20, 30, 60, 120},
			},
		),
		TransitionsTotal: factory.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "transitions_total",
				Help:      "Per job transition results by decision and outcome",
			},
			[]string{"namespace", "decision", "outcome"},
		),
		DeregisterFailures: factory.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "deregister_failures_total",
				Help:      "Total number of superseded variants that could not be deregistered",
			},
			[]string{"namespace"},
		),
		NodeUtilization: factory.NewGaugeVec(
			prometheus.GaugeOpts{
				Namespace: namespace,
				Name:      "node_utilization_percent",
				Help:      "Node utilization observed in the last cycle",
			},
			[]string{"node", "resource"},
		),
		JobMemoryUtilization: factory.NewGaugeVec(
			prometheus.GaugeOpts{
				Namespace: namespace,
				Name:      "job_memory_utilization_percent",
				Help:      "Job memory utilization observed in the last cycle",
			},
			[]string{"job", "namespace"},
		),
		EligibleNodes: factory.NewGauge(
			prometheus.GaugeOpts{
				Namespace: namespace,
				Name:      "eligible_nodes",
				Help:      "Number of worker nodes under the eligibility threshold in the last cycle",
			},
		),
		CircuitOpen: factory.NewGauge(
			prometheus.GaugeOpts{
				Namespace: namespace,
				Name:      "circuit_open",
				Help:      "Whether transition cycles are paused by the circuit breaker",
			},
		),
	}
}

// RecordCycle records a finished transition cycle
func (e *Exporter) RecordCycle(result string, seconds float64) {
	e.CyclesTotal.WithLabelValues(result).Inc()
	e.CycleDuration.Observe(seconds)
}

// RecordTransition records the outcome of one job in a cycle
func (e *Exporter) RecordTransition(namespace, decision, outcome string) {
	e.TransitionsTotal.WithLabelValues(namespace, decision, outcome).Inc()
}

// RecordDeregisterFailure records a superseded variant left running
func (e *Exporter) RecordDeregisterFailure(namespace string) {
	e.DeregisterFailures.WithLabelValues(namespace).Inc()
}

// RecordNodeUtilization updates the node utilization gauges
func (e *Exporter) RecordNodeUtilization(node string, cpu, memory float64) {
	e.NodeUtilization.WithLabelValues(node, "cpu").Set(cpu)
	e.NodeUtilization.WithLabelValues(node, "memory").Set(memory)
}

// RecordJobMemory updates the job memory gauge
func (e *Exporter) RecordJobMemory(job, namespace string, pct float64) {
	e.JobMemoryUtilization.WithLabelValues(job, namespace).Set(pct)
}

// RecordEligibleNodes sets the eligible node count
func (e *Exporter) RecordEligibleNodes(count int) {
	e.EligibleNodes.Set(float64(count))
}

// RecordCircuitOpen sets the circuit breaker gauge
func (e *Exporter) RecordCircuitOpen(open bool) {
	if open {
		e.CircuitOpen.Set(1)
		return
	}
	e.CircuitOpen.Set(0)
}
