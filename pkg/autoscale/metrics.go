package autoscale

import (
	"github.com/prometheus/client_golang/prometheus"
)

// Failure kinds used for the tick failure counter.
const (
	FailureMetric   = "metric_unavailable"
	FailureReplicas = "replicas_unavailable"
	FailureScale    = "scale_command_failed"
)

// Metrics holds the Prometheus collectors shared by every loop of a process.
// A nil *Metrics is valid and records nothing.
type Metrics struct {
	desired  *prometheus.GaugeVec
	current  *prometheus.GaugeVec
	backlog  *prometheus.GaugeVec
	actions  *prometheus.CounterVec
	failures *prometheus.CounterVec
	drift    *prometheus.GaugeVec
}

// NewMetrics creates the collectors and registers them on reg.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		desired: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Name: "autoscaler_desired_replicas",
			Help: "Replica count most recently computed by the decision engine.",
		}, []string{"workload"}),
		current: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Name: "autoscaler_current_replicas",
			Help: "Replica count reported by the scale target.",
		}, []string{"workload"}),
		backlog: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Name: "autoscaler_backlog",
			Help: "Backlog observed on the last successful tick.",
		}, []string{"workload"}),
		actions: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "autoscaler_scale_actions_total",
			Help: "Scale commands accepted by the scale target.",
		}, []string{"workload", "direction"}),
		failures: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "autoscaler_tick_failures_total",
			Help: "Ticks that ended in a recoverable fault.",
		}, []string{"workload", "kind"}),
		drift: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Name: "autoscaler_convergence_drift",
			Help: "1 while the reported replica count persistently disagrees with the last command.",
		}, []string{"workload"}),
	}
	reg.MustRegister(m.desired, m.current, m.backlog, m.actions, m.failures, m.drift)
	return m
}

func (m *Metrics) observe(workload string, obs Observation, desired int32) {
	if m == nil {
		return
	}
	m.backlog.WithLabelValues(workload).Set(float64(obs.Backlog))
	m.current.WithLabelValues(workload).Set(float64(obs.CurrentReplicas))
	m.desired.WithLabelValues(workload).Set(float64(desired))
}

func (m *Metrics) action(workload string, a Action) {
	if m == nil {
		return
	}
	m.actions.WithLabelValues(workload, a.String()).Inc()
}

func (m *Metrics) failure(workload, kind string) {
	if m == nil {
		return
	}
	m.failures.WithLabelValues(workload, kind).Inc()
}

func (m *Metrics) setDrift(workload string, drifting bool) {
	if m == nil {
		return
	}
	v := 0.0
	if drifting {
		v = 1
	}
	m.drift.WithLabelValues(workload).Set(v)
}

// Forget drops every series of a workload that is no longer scaled.
func (m *Metrics) Forget(workload string) {
	if m == nil {
		return
	}
	labels := prometheus.Labels{"workload": workload}
	m.desired.DeletePartialMatch(labels)
	m.current.DeletePartialMatch(labels)
	m.backlog.DeletePartialMatch(labels)
	m.actions.DeletePartialMatch(labels)
	m.failures.DeletePartialMatch(labels)
	m.drift.DeletePartialMatch(labels)
}
