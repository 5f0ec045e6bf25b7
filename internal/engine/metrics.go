package engine

import "github.com/prometheus/client_golang/prometheus"

// Metrics are the settlement engine's Prometheus counters. The lifecycle
// scheduler records its sweeps here too.
type Metrics struct {
	Joins                *prometheus.CounterVec
	Settlements          *prometheus.CounterVec
	SettledCents         *prometheus.CounterVec
	SchedulerTransitions *prometheus.CounterVec
	SchedulerErrors      *prometheus.CounterVec
	CollaboratorFailures *prometheus.CounterVec
}

func NewMetrics(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		Joins: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "wager_joins_total", Help: "stakes escrowed by wager kind",
		}, []string{"kind"}),
		Settlements: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "wager_settlements_total", Help: "settled wagers by kind and outcome",
		}, []string{"kind", "outcome"}),
		SettledCents: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "wager_settled_cents_total", Help: "escrowed cents released by settlement",
		}, []string{"kind"}),
		SchedulerTransitions: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "wager_scheduler_transitions_total", Help: "lifecycle transitions applied per sweep",
		}, []string{"sweep"}),
		SchedulerErrors: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "wager_scheduler_errors_total", Help: "per-wager failures per sweep",
		}, []string{"sweep"}),
		CollaboratorFailures: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "wager_collaborator_failures_total", Help: "notifier and broadcaster failures",
		}, []string{"collaborator"}),
	}
	reg.MustRegister(m.Joins, m.Settlements, m.SettledCents,
		m.SchedulerTransitions, m.SchedulerErrors, m.CollaboratorFailures)
	return m
}
