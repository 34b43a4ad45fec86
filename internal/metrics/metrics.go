// Package metrics registers the Prometheus collectors exposed on the
// worker's admin HTTP surface (spec.md §2 "Task router" and §4.2 "Session
// lease manager", generalized into counters per SPEC_FULL.md's DOMAIN
// STACK).
package metrics

import "github.com/prometheus/client_golang/prometheus"

// Metrics holds every collector registered for one worker process.
type Metrics struct {
	leaseAcquisitions *prometheus.CounterVec
	taskOutcomes      *prometheus.CounterVec
	messagesEmitted   prometheus.Counter
	plannerRanges     prometheus.Histogram
}

// New registers the worker's collectors against reg and returns the
// handle used to record observations.
func New(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		leaseAcquisitions: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "crawler",
			Subsystem: "lease",
			Name:      "acquisitions_total",
			Help:      "Lease acquisition attempts by outcome (acquired, busy).",
		}, []string{"outcome"}),
		taskOutcomes: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "crawler",
			Subsystem: "task",
			Name:      "outcomes_total",
			Help:      "Task executor outcomes by disposition (ack, nack).",
		}, []string{"outcome"}),
		messagesEmitted: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "crawler",
			Subsystem: "task",
			Name:      "messages_emitted_total",
			Help:      "Outbound messages published to the message subject.",
		}),
		plannerRanges: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: "crawler",
			Subsystem: "planner",
			Name:      "ranges_per_request",
			Help:      "Number of disjoint ranges returned per planner request.",
			Buckets:   prometheus.LinearBuckets(0, 1, 10),
		}),
	}
	reg.MustRegister(m.leaseAcquisitions, m.taskOutcomes, m.messagesEmitted, m.plannerRanges)
	return m
}

// LeaseOutcome records one acquire attempt's result.
func (m *Metrics) LeaseOutcome(outcome string) {
	m.leaseAcquisitions.WithLabelValues(outcome).Inc()
}

// TaskOutcome records one task's final disposition.
func (m *Metrics) TaskOutcome(outcome string) {
	m.taskOutcomes.WithLabelValues(outcome).Inc()
}

// MessageEmitted records one outbound publish.
func (m *Metrics) MessageEmitted() {
	m.messagesEmitted.Inc()
}

// PlannerRangeCount records how many sub-ranges one planner call returned.
func (m *Metrics) PlannerRangeCount(n int) {
	m.plannerRanges.Observe(float64(n))
}
