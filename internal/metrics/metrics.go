// Package metrics exposes Prometheus counters for lifecycle operations.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
)

const namespace = "qra"

// Outcome labels.
const (
	OutcomeSuccess  = "success"
	OutcomeRejected = "rejected"
	OutcomeDenied   = "denied"
	OutcomePending  = "pending"
	OutcomeError    = "error"
)

// Metrics holds the lifecycle collectors. A nil *Metrics records nothing.
type Metrics struct {
	registry *prometheus.Registry

	OperationsTotal     *prometheus.CounterVec
	RejectionsTotal     *prometheus.CounterVec
	ApprovalsFiledTotal *prometheus.CounterVec
	StatusTransitions   *prometheus.CounterVec
	NotificationErrors  prometheus.Counter
	EndEntities         *prometheus.GaugeVec
}

// New creates the collectors and registers them on a new registry. With
// runtime set, Go and process collectors are registered too.
func New(runtime bool) *Metrics {
	m := &Metrics{
		registry: prometheus.NewRegistry(),
		OperationsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "operations_total",
				Help:      "Lifecycle operations by operation and outcome",
			},
			[]string{"operation", "outcome"},
		),
		RejectionsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "profile_rejections_total",
				Help:      "End entities rejected by profile validation, by reason",
			},
			[]string{"reason"},
		),
		ApprovalsFiledTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "approval_requests_filed_total",
				Help:      "Approval requests filed by action",
			},
			[]string{"action"},
		),
		StatusTransitions: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "status_transitions_total",
				Help:      "End entity status transitions",
			},
			[]string{"from", "to"},
		),
		NotificationErrors: prometheus.NewCounter(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "notification_errors_total",
				Help:      "Notification and print deliveries that failed",
			},
		),
		EndEntities: prometheus.NewGaugeVec(
			prometheus.GaugeOpts{
				Namespace: namespace,
				Name:      "end_entities",
				Help:      "End entities by status, as of the last count",
			},
			[]string{"status"},
		),
	}
	m.registry.MustRegister(
		m.OperationsTotal,
		m.RejectionsTotal,
		m.ApprovalsFiledTotal,
		m.StatusTransitions,
		m.NotificationErrors,
		m.EndEntities,
	)
	if runtime {
		m.registry.MustRegister(
			collectors.NewGoCollector(),
			collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
		)
	}
	return m
}

// Registry returns the registry holding the collectors.
func (m *Metrics) Registry() *prometheus.Registry {
	if m == nil {
		return nil
	}
	return m.registry
}

// Operation counts one lifecycle operation.
func (m *Metrics) Operation(op, outcome string) {
	if m == nil {
		return
	}
	m.OperationsTotal.WithLabelValues(op, outcome).Inc()
}

// Rejection counts one profile validation rejection.
func (m *Metrics) Rejection(reason string) {
	if m == nil {
		return
	}
	m.RejectionsTotal.WithLabelValues(reason).Inc()
}

// ApprovalFiled counts one filed approval request.
func (m *Metrics) ApprovalFiled(action string) {
	if m == nil {
		return
	}
	m.ApprovalsFiledTotal.WithLabelValues(action).Inc()
}

// Transition counts one status transition.
func (m *Metrics) Transition(from, to string) {
	if m == nil {
		return
	}
	m.StatusTransitions.WithLabelValues(from, to).Inc()
}

// NotificationFailed counts one swallowed delivery failure.
func (m *Metrics) NotificationFailed() {
	if m == nil {
		return
	}
	m.NotificationErrors.Inc()
}

// SetEndEntityCounts replaces the per status gauge values.
func (m *Metrics) SetEndEntityCounts(counts map[string]int) {
	if m == nil {
		return
	}
	m.EndEntities.Reset()
	for status, n := range counts {
		m.EndEntities.WithLabelValues(status).Set(float64(n))
	}
}
