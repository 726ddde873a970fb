// Package metrics exports pipeline observations to Prometheus.
package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/trebuchet-org/evolve/internal/domain/models"
	"github.com/trebuchet-org/evolve/internal/usecase"
)

// Recorder implements usecase.Metrics with Prometheus collectors
type Recorder struct {
	transitions *prometheus.CounterVec
	gate        *prometheus.CounterVec
	steps       *prometheus.HistogramVec
	stepErrors  *prometheus.CounterVec
}

// NewRegistry returns a registry with the process and Go runtime collectors
func NewRegistry() *prometheus.Registry {
	reg := prometheus.NewRegistry()
	reg.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	return reg
}

// NewRecorder registers the pipeline collectors with reg
func NewRecorder(reg *prometheus.Registry) *Recorder {
	factory := promauto.With(reg)
	return &Recorder{
		transitions: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "evolve_proposal_transitions_total",
			Help: "Proposals entering each status.",
		}, []string{"status"}),
		gate: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "evolve_approval_gate_total",
			Help: "Direct-change approval requests by outcome.",
		}, []string{"outcome"}),
		steps: factory.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "evolve_deploy_step_seconds",
			Help:    "Duration of deployment steps.",
			Buckets: []float64{0.1, 0.5, 1, 5, 15, 30, 60, 120, 300},
		}, []string{"step"}),
		stepErrors: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "evolve_deploy_step_failures_total",
			Help: "Failed deployment steps.",
		}, []string{"step"}),
	}
}

func (r *Recorder) ObserveTransition(to models.ProposalStatus) {
	r.transitions.WithLabelValues(string(to)).Inc()
}

func (r *Recorder) ObserveGate(outcome string) {
	r.gate.WithLabelValues(outcome).Inc()
}

func (r *Recorder) ObserveStep(step string, err error, elapsed time.Duration) {
	r.steps.WithLabelValues(step).Observe(elapsed.Seconds())
	if err != nil {
		r.stepErrors.WithLabelValues(step).Inc()
	}
}

var _ usecase.Metrics = (*Recorder)(nil)
