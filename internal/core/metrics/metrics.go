// internal/core/metrics/metrics.go
package metrics

/*
 * Prometheus instrumentation for the stage condition engine.
 *
 * A nil *Metrics is valid and records nothing, so library callers that do
 * not expose /metrics can pass nil through every constructor.
 *
 * Series:
 *   stagecondition_evaluations_total{outcome}
 *   stagecondition_evaluation_duration_seconds
 *   stagecondition_actions_total{type,result}
 *   stagecondition_action_duration_seconds{type}
 *   stagecondition_rules_dropped_total
 */

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

// Evaluation outcomes.
const (
	OutcomeMet              = "met"
	OutcomeNotMet           = "not_met"
	OutcomeNoCondition      = "no_condition"
	OutcomeAlreadyCompleted = "already_completed"
	OutcomeError            = "error"
)

const namespace = "stagecondition"

// Metrics holds the collectors registered for one process.
type Metrics struct {
	evaluations        *prometheus.CounterVec
	evaluationDuration prometheus.Histogram
	actions            *prometheus.CounterVec
	actionDuration     *prometheus.HistogramVec
	droppedRules       prometheus.Counter
}

// New creates the collectors and registers them with reg.
func New(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		evaluations: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "evaluations_total",
				Help:      "Stage condition evaluations by outcome.",
			},
			[]string{"outcome"},
		),
		evaluationDuration: prometheus.NewHistogram(
			prometheus.HistogramOpts{
				Namespace: namespace,
				Name:      "evaluation_duration_seconds",
				Help:      "Wall time of one evaluate-and-execute run.",
				Buckets:   prometheus.DefBuckets,
			},
		),
		actions: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "actions_total",
				Help:      "Dispatched actions by type and result.",
			},
			[]string{"type", "result"},
		),
		actionDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: namespace,
				Name:      "action_duration_seconds",
				Help:      "Wall time of one action handler call.",
				Buckets:   []float64{0.005, 0.01, 0.05, 0.1, 0.5, 1, 5, 15, 30, 60},
			},
			[]string{"type"},
		),
		droppedRules: prometheus.NewCounter(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "rules_dropped_total",
				Help:      "Authored rules dropped during compilation.",
			},
		),
	}

	if reg != nil {
		reg.MustRegister(m.evaluations, m.evaluationDuration, m.actions, m.actionDuration, m.droppedRules)
	}
	return m
}

// ObserveEvaluation records one orchestrator run.
func (m *Metrics) ObserveEvaluation(outcome string, d time.Duration) {
	if m == nil {
		return
	}
	m.evaluations.WithLabelValues(outcome).Inc()
	m.evaluationDuration.Observe(d.Seconds())
}

// ObserveAction records one dispatched action.
func (m *Metrics) ObserveAction(actionType string, success bool, d time.Duration) {
	if m == nil {
		return
	}
	result := "success"
	if !success {
		result = "failure"
	}
	m.actions.WithLabelValues(actionType, result).Inc()
	m.actionDuration.WithLabelValues(actionType).Observe(d.Seconds())
}

// AddDroppedRules counts rules removed by the compiler.
func (m *Metrics) AddDroppedRules(n int) {
	if m == nil || n <= 0 {
		return
	}
	m.droppedRules.Add(float64(n))
}
